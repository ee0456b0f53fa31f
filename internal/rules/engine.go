package rules

import "strings"

// DefaultPatterns 内置拒绝列表，启动后不再变化
var DefaultPatterns = []string{
	"/api/v1/userdata",
	"/api/v1/secure-hello",
	"maps.googleapis.com/maps/api/timezone",
	"survey-module.azurewebsites.net",
	"survey-module-staging.azurewebsites.net",
	"survey-module-next.azurewebsites.net",
	"survey-module-manual.azurewebsites.net",
}

// Action 请求处置方式
type Action int

const (
	ActionPassthrough Action = iota
	ActionBlock
)

func (a Action) String() string {
	if a == ActionBlock {
		return "blocked"
	}
	return "passed"
}

// Decision 单个请求的判定结果
type Decision struct {
	Action  Action
	Pattern string // 命中的模式，仅在阻止时有值
}

// Blocked 是否应当阻止
func (d Decision) Blocked() bool { return d.Action == ActionBlock }

// Engine 拒绝列表匹配引擎
type Engine struct {
	patterns []string
}

// New 创建引擎，模式列表会被复制
func New(patterns []string) *Engine {
	ps := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		ps = append(ps, p)
	}
	return &Engine{patterns: ps}
}

// Default 使用内置拒绝列表创建引擎
func Default() *Engine { return New(DefaultPatterns) }

// Eval 按字面子串（区分大小写、无锚定）判定 URL
func (e *Engine) Eval(url string) Decision {
	for _, p := range e.patterns {
		if strings.Contains(url, p) {
			return Decision{Action: ActionBlock, Pattern: p}
		}
	}
	return Decision{Action: ActionPassthrough}
}

// Patterns 返回模式列表副本
func (e *Engine) Patterns() []string {
	out := make([]string, len(e.patterns))
	copy(out, e.patterns)
	return out
}
