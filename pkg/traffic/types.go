package traffic

import (
	"net/http"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// BlockedMessage 合成响应中的提示文本
const BlockedMessage = "Request intercepted by service worker"

// Header 封装通用的头部操作，键统一为规范格式
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[http.CanonicalHeaderKey(key)]
}

// Set 设置指定 Header 的值
func (h Header) Set(key, value string) {
	h[http.CanonicalHeaderKey(key)] = value
}

// Keys 返回排序后的键
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Request 中立的请求模型，判定只依赖 URL
type Request struct {
	ID           string // 事务唯一ID
	URL          string // 完整URL
	Method       string // HTTP方法，仅用于记录
	ResourceType string // 资源类型 (如 Document, XHR)
	FrameID      string // 发起请求的帧
}

// IsNavigation 判断是否为指定主帧的导航请求
func (r *Request) IsNavigation(mainFrame string) bool {
	return r.ResourceType == "Document" && r.FrameID == mainFrame
}

// Response 中立的响应模型
type Response struct {
	StatusCode int    // 状态码
	Headers    Header // 响应头
	Body       []byte // 响应体数据
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}

var blockedBody = mustBlockedBody()

func mustBlockedBody() []byte {
	body, err := sjson.SetBytes(nil, "blocked", true)
	if err != nil {
		panic(err)
	}
	body, err = sjson.SetBytes(body, "message", BlockedMessage)
	if err != nil {
		panic(err)
	}
	return body
}

// BlockedBody 返回合成响应体副本
func BlockedBody() []byte {
	out := make([]byte, len(blockedBody))
	copy(out, blockedBody)
	return out
}

// BlockedResponse 构造被阻止请求的合成响应，每次调用结果完全一致
func BlockedResponse() *Response {
	res := NewResponse()
	res.Headers.Set("Content-Type", "application/json")
	res.Body = BlockedBody()
	return res
}

// IsBlocked 判断响应体是否为合成的阻止响应
func IsBlocked(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	r := gjson.ParseBytes(body)
	return r.Get("blocked").Type == gjson.True && r.Get("message").String() == BlockedMessage
}
