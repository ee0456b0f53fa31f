package api

import (
	"cdpblock/internal/logger"
	"cdpblock/internal/metrics"
	"cdpblock/internal/service"
	"cdpblock/pkg/model"
)

// Service 服务接口
type Service interface {
	// StartSession 启动会话
	StartSession(cfg model.SessionConfig) (model.SessionID, error)

	// StopSession 停止会话
	StopSession(id model.SessionID) error

	// ListTargets 列出页面目标
	ListTargets(id model.SessionID) ([]model.TargetInfo, error)

	// EnableInterception 安装并激活拦截器，接管已打开与新建的页面
	EnableInterception(id model.SessionID) error

	// DisableInterception 禁用拦截
	DisableInterception(id model.SessionID) error

	// GetStats 获取拦截统计
	GetStats(id model.SessionID) (model.Stats, error)

	// SubscribeEvents 订阅事件
	SubscribeEvents(id model.SessionID) (<-chan model.Event, error)

	// Close 关闭所有会话
	Close() error
}

// NewService 创建并返回服务接口实现
func NewService(l logger.Logger, m *metrics.Recorder) Service {
	return service.New(l, m)
}
