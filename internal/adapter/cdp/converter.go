package cdp

import (
	"cdpblock/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
)

// ToNeutralRequest 将 CDP 事件转换为中立 Request 模型
func ToNeutralRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	return &traffic.Request{
		ID:           string(ev.RequestID),
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		ResourceType: string(ev.ResourceType),
		FrameID:      string(ev.FrameID),
	}
}

// ToFulfillArgs 将中立 Response 转换为 FulfillRequest 参数
func ToFulfillArgs(id fetch.RequestID, res *traffic.Response) *fetch.FulfillRequestArgs {
	args := &fetch.FulfillRequestArgs{RequestID: id, ResponseCode: res.StatusCode}
	if len(res.Headers) > 0 {
		args.ResponseHeaders = ToHeaderEntries(res.Headers)
	}
	if len(res.Body) > 0 {
		args.Body = res.Body
	}
	return args
}

// ToContinueArgs 构造不带任何修改的放行参数
func ToContinueArgs(id fetch.RequestID) *fetch.ContinueRequestArgs {
	return &fetch.ContinueRequestArgs{RequestID: id}
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目（按键排序）
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for _, k := range h.Keys() {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: h[k]})
	}
	return entries
}
