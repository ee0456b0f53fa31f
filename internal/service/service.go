package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cdpblock/internal/cdp"
	"cdpblock/internal/interceptor"
	"cdpblock/internal/logger"
	"cdpblock/internal/metrics"
	"cdpblock/internal/rules"
	"cdpblock/internal/session"
	"cdpblock/pkg/model"
)

// ErrSessionNotFound 会话不存在
var ErrSessionNotFound = errors.New("session not found")

const (
	defaultDevToolsURL = "http://127.0.0.1:9222"
	defaultConcurrency = 8
	defaultPending     = 256
	defaultTimeoutMS   = 3000
	eventBuffer        = 1024
	commandTimeout     = 10 * time.Second
)

// Service 会话与拦截生命周期的编排
type Service struct {
	sessions *session.Manager
	engine   *rules.Engine
	metrics  *metrics.Recorder
	log      logger.Logger
}

// New 创建服务
func New(l logger.Logger, rec *metrics.Recorder) *Service {
	if l == nil {
		l = logger.NewNop()
	}
	return &Service{
		sessions: session.NewManager(l),
		engine:   rules.Default(),
		metrics:  rec,
		log:      l,
	}
}

// StartSession 连接 DevTools 端点并创建会话
func (s *Service) StartSession(cfg model.SessionConfig) (model.SessionID, error) {
	cfg = withDefaults(cfg)
	id := model.SessionID(uuid.NewString())
	events := make(chan model.Event, eventBuffer)
	mgr := cdp.New(cdp.Options{
		DevToolsURL:      cfg.DevToolsURL,
		Session:          id,
		Scope:            cfg.Scope,
		Concurrency:      cfg.Concurrency,
		PendingCapacity:  cfg.PendingCapacity,
		ProcessTimeoutMS: cfg.ProcessTimeoutMS,
		Events:           events,
		Metrics:          s.metrics,
		Logger:           s.log,
	})

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := mgr.Ping(ctx); err != nil {
		_ = mgr.Close()
		return "", fmt.Errorf("start session: %w", err)
	}

	s.sessions.Add(session.New(id, cfg, mgr, events))
	return id, nil
}

// StopSession 停止拦截并关闭会话
func (s *Service) StopSession(id model.SessionID) error {
	sess, ok := s.sessions.Remove(id)
	if !ok {
		return ErrSessionNotFound
	}
	return sess.Manager.Close()
}

// ListTargets 列出页面目标
func (s *Service) ListTargets(id model.SessionID) ([]model.TargetInfo, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return sess.Manager.ListTargets(ctx)
}

// EnableInterception 安装并激活新的拦截器，立即接管所有页面
func (s *Service) EnableInterception(id model.SessionID) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	w := interceptor.New(s.engine, s.log.With("session", string(id)))
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := sess.Manager.Register(ctx, w); err != nil {
		return fmt.Errorf("enable interception: %w", err)
	}
	return nil
}

// DisableInterception 停用拦截，页面请求恢复默认行为
func (s *Service) DisableInterception(id model.SessionID) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return sess.Manager.Unregister(ctx)
}

// GetStats 获取拦截统计
func (s *Service) GetStats(id model.SessionID) (model.Stats, error) {
	sess, err := s.get(id)
	if err != nil {
		return model.Stats{}, err
	}
	return sess.Manager.Stats(), nil
}

// SubscribeEvents 订阅会话事件
func (s *Service) SubscribeEvents(id model.SessionID) (<-chan model.Event, error) {
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.Events, nil
}

// Close 关闭所有会话
func (s *Service) Close() error {
	var errs []error
	for _, sess := range s.sessions.List() {
		if err := s.StopSession(sess.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) get(id model.SessionID) (*session.Session, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

func withDefaults(cfg model.SessionConfig) model.SessionConfig {
	if cfg.DevToolsURL == "" {
		cfg.DevToolsURL = defaultDevToolsURL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PendingCapacity <= 0 {
		cfg.PendingCapacity = defaultPending
	}
	if cfg.ProcessTimeoutMS <= 0 {
		cfg.ProcessTimeoutMS = defaultTimeoutMS
	}
	return cfg
}
