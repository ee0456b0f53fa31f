package session

import (
	"time"

	"cdpblock/internal/cdp"
	"cdpblock/pkg/model"
)

// Session 一个 DevTools 端点上的拦截会话
type Session struct {
	ID        model.SessionID
	Config    model.SessionConfig
	Manager   *cdp.Manager
	Events    chan model.Event
	CreatedAt time.Time
}

// New 创建会话
func New(id model.SessionID, cfg model.SessionConfig, mgr *cdp.Manager, events chan model.Event) *Session {
	return &Session{
		ID:        id,
		Config:    cfg,
		Manager:   mgr,
		Events:    events,
		CreatedAt: time.Now(),
	}
}
