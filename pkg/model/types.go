package model

type SessionID string
type TargetID string

type SessionConfig struct {
	DevToolsURL      string `json:"devToolsURL"`
	Scope            string `json:"scope"` // 受控页面的 URL 前缀，空表示所有页面
	Concurrency      int    `json:"concurrency"`
	PendingCapacity  int    `json:"pendingCapacity"`
	ProcessTimeoutMS int    `json:"processTimeoutMS"`
}

// Stats 拦截统计，不参与判定
type Stats struct {
	Total     int64            `json:"total"`
	Blocked   int64            `json:"blocked"`
	Passed    int64            `json:"passed"`
	ByPattern map[string]int64 `json:"byPattern"`
}

// 事件类型
const (
	EventBlocked  = "blocked"
	EventPassed   = "passed"
	EventClaimed  = "claimed"
	EventReleased = "released"
	EventFailed   = "failed"
)

type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Session   SessionID `json:"session"`
	Target    TargetID  `json:"target"`
	URL       string    `json:"url,omitempty"`
	Method    string    `json:"method,omitempty"`
	Pattern   string    `json:"pattern,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

type TargetInfo struct {
	ID       TargetID `json:"id"`
	Type     string   `json:"type"`
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Attached bool     `json:"attached"`
}
