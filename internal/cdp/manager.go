package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cdpblock/internal/handler"
	"cdpblock/internal/interceptor"
	"cdpblock/internal/logger"
	"cdpblock/internal/metrics"
	"cdpblock/pkg/model"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/rpcc"
)

var (
	ErrNotRegistered = errors.New("no interceptor registered")
	ErrNoDebuggerURL = errors.New("target has no webSocketDebuggerUrl")
)

// ServiceWorker 可被注册到宿主的拦截器
type ServiceWorker interface {
	interceptor.Worker
	SkipWaiting() bool
	MarkRedundant()
}

// lister 列举浏览器目标
type lister interface {
	List(ctx context.Context) ([]*devtool.Target, error)
	Version(ctx context.Context) (*devtool.Version, error)
}

// Options 管理器配置
type Options struct {
	DevToolsURL      string
	Session          model.SessionID
	Scope            string // 受控页面的 URL 前缀，空表示所有页面
	Concurrency      int
	PendingCapacity  int
	ProcessTimeoutMS int
	Events           chan model.Event
	Metrics          *metrics.Recorder
	Logger           logger.Logger
}

// targetSession 单个页面目标的拦截会话
type targetSession struct {
	id      model.TargetID
	title   string
	conn    *rpcc.Conn
	client  *cdp.Client
	fetcher handler.Fetcher
	stream  fetch.RequestPausedClient
	ctx     context.Context
	cancel  context.CancelFunc

	mu  sync.Mutex
	url string // 当前文档地址，主帧导航时更新
}

func (ts *targetSession) URL() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.url
}

func (ts *targetSession) setURL(u string) {
	ts.mu.Lock()
	ts.url = u
	ts.mu.Unlock()
}

// Manager 宿主侧的注册与目标管理：把作用域内的浏览器页面交给当前拦截器
type Manager struct {
	session          model.SessionID
	scope            string
	dt               lister
	handler          *handler.Handler
	pool             *workerPool
	processTimeoutMS int
	events           chan model.Event
	metrics          *metrics.Recorder
	log              logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	enabled atomic.Bool

	mu          sync.RWMutex
	worker      ServiceWorker
	waiting     ServiceWorker
	watchCancel context.CancelFunc

	targetsMu sync.Mutex
	targets   map[model.TargetID]*targetSession

	// 便于测试替换
	attachTarget func(ctx context.Context, t *devtool.Target) (*targetSession, error)
	watch        func(ctx context.Context)
}

// New 创建管理器
func New(opts Options) *Manager {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		session:          opts.Session,
		scope:            opts.Scope,
		dt:               devtool.New(opts.DevToolsURL),
		processTimeoutMS: opts.ProcessTimeoutMS,
		events:           opts.Events,
		metrics:          opts.Metrics,
		log:              l.With("session", string(opts.Session)),
		ctx:              ctx,
		cancel:           cancel,
		targets:          make(map[model.TargetID]*targetSession),
	}
	m.handler = handler.New(handler.Config{Session: opts.Session, Events: opts.Events, Metrics: opts.Metrics, Logger: m.log})
	if opts.Concurrency > 0 {
		m.pool = newWorkerPool(opts.Concurrency, opts.PendingCapacity)
	}
	m.attachTarget = m.dial
	m.watch = m.watchTargets
	return m
}

// Ping 检查 DevTools 端点是否可达
func (m *Manager) Ping(ctx context.Context) error {
	if _, err := m.dt.Version(ctx); err != nil {
		return fmt.Errorf("devtools version: %w", err)
	}
	return nil
}

// Stats 返回拦截统计
func (m *Manager) Stats() model.Stats { return m.handler.Stats() }

// InScope 判断页面地址是否在受控作用域内
func (m *Manager) InScope(url string) bool {
	return m.scope == "" || strings.HasPrefix(url, m.scope)
}

// Register 安装并（在允许时）立即激活拦截器
func (m *Manager) Register(ctx context.Context, w ServiceWorker) error {
	if err := w.OnInstall(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}

	m.mu.Lock()
	old := m.worker
	m.mu.Unlock()
	if old != nil && old != w && !w.SkipWaiting() && m.controlledCount() > 0 {
		m.mu.Lock()
		m.waiting = w
		m.mu.Unlock()
		m.log.Info("新拦截器等待旧页面关闭")
		return nil
	}
	return m.activate(ctx, w)
}

func (m *Manager) activate(ctx context.Context, w ServiceWorker) error {
	m.mu.Lock()
	old := m.worker
	m.worker = w
	m.waiting = nil
	m.mu.Unlock()

	m.enabled.Store(true)
	if err := w.OnActivate(ctx, m); err != nil {
		m.mu.Lock()
		if m.worker == w {
			m.worker = old
		}
		m.mu.Unlock()
		if old == nil {
			// 没有可回退的拦截器：已接管的页面必须全部释放，不能留在无人处置的状态
			m.enabled.Store(false)
			n, rerr := m.releaseAll(ctx)
			m.log.Warn("激活失败，已释放页面", "released", n)
			if rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		return fmt.Errorf("activate: %w", err)
	}
	if old != nil && old != w {
		old.MarkRedundant()
	}
	return nil
}

// Claim 接管作用域内所有已打开的页面，并自动接管之后新建的页面。
// 单个页面接管失败只记录，不影响其他页面。
func (m *Manager) Claim(ctx context.Context) error {
	targets, err := m.dt.List(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}

	for _, t := range targets {
		if t.Type != devtool.Page || !m.InScope(t.URL) {
			continue
		}
		if err := m.claim(ctx, t); err != nil {
			m.log.Err(err, "接管页面失败", "target", t.ID, "url", t.URL)
			m.metrics.ObserveFailure("attach")
			m.sendEvent(model.Event{Type: model.EventFailed, Target: model.TargetID(t.ID), URL: t.URL, Error: err.Error()})
		}
	}

	m.mu.Lock()
	if m.watchCancel == nil {
		wctx, cancel := context.WithCancel(m.ctx)
		m.watchCancel = cancel
		go m.watch(wctx)
	}
	m.mu.Unlock()

	m.log.Info("已接管现有页面", "count", m.controlledCount())
	return nil
}

// claim 接管单个页面，已接管的直接跳过
func (m *Manager) claim(ctx context.Context, t *devtool.Target) error {
	if m.isControlled(model.TargetID(t.ID)) {
		return nil
	}
	ts, err := m.attachTarget(ctx, t)
	if err != nil {
		return err
	}
	if !m.adopt(ts) {
		m.closeTargetSession(ts)
	}
	return nil
}

// adopt 把已启用拦截的页面加入受控集合，重复的返回 false
func (m *Manager) adopt(ts *targetSession) bool {
	m.targetsMu.Lock()
	if _, dup := m.targets[ts.id]; dup {
		m.targetsMu.Unlock()
		return false
	}
	m.targets[ts.id] = ts
	m.targetsMu.Unlock()

	url := ts.URL()
	m.metrics.ObserveAttach(true)
	m.sendEvent(model.Event{Type: model.EventClaimed, Target: ts.id, URL: url})
	m.log.Info("页面已接管", "target", string(ts.id), "url", url)
	return true
}

// dial 通过页面自己的 websocket 连接并启用 Fetch 拦截
func (m *Manager) dial(ctx context.Context, t *devtool.Target) (*targetSession, error) {
	if t.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("dial target %s: %w", t.ID, ErrNoDebuggerURL)
	}
	conn, err := rpcc.DialContext(ctx, t.WebSocketDebuggerURL)
	if err != nil {
		return nil, fmt.Errorf("dial target %s: %w", t.ID, err)
	}
	ts, err := m.enableFetch(ctx, model.TargetID(t.ID), t.URL, t.Title, conn, cdp.NewClient(conn))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ts, nil
}

// enableFetch 在已建立的连接上订阅暂停事件并启用请求阶段拦截，然后开始消费
func (m *Manager) enableFetch(ctx context.Context, id model.TargetID, url, title string, conn *rpcc.Conn, client *cdp.Client) (*targetSession, error) {
	tctx, cancel := context.WithCancel(m.ctx)

	// 先订阅再启用，避免丢失首批暂停事件
	stream, err := client.Fetch.RequestPaused(tctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe requestPaused on %s: %w", id, err)
	}
	p := "*"
	args := &fetch.EnableArgs{Patterns: []fetch.RequestPattern{
		{URLPattern: &p, RequestStage: fetch.RequestStageRequest},
	}}
	if err := client.Fetch.Enable(ctx, args); err != nil {
		_ = stream.Close()
		cancel()
		return nil, fmt.Errorf("enable fetch on %s: %w", id, err)
	}

	ts := &targetSession{
		id:      id,
		url:     url,
		title:   title,
		conn:    conn,
		client:  client,
		fetcher: client.Fetch,
		stream:  stream,
		ctx:     tctx,
		cancel:  cancel,
	}
	go m.consume(ts)
	return ts, nil
}

// Unregister 停止拦截并释放所有页面
func (m *Manager) Unregister(ctx context.Context) error {
	m.enabled.Store(false)

	m.mu.Lock()
	w := m.worker
	m.worker = nil
	m.waiting = nil
	m.mu.Unlock()

	n, err := m.releaseAll(ctx)
	if w != nil {
		w.MarkRedundant()
	}
	if w == nil && n == 0 {
		return ErrNotRegistered
	}
	m.log.Info("拦截已停用", "released", n)
	return err
}

// releaseAll 停止新页面监听，对所有受控页面关闭 Fetch 拦截并断开
func (m *Manager) releaseAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	m.mu.Unlock()

	m.targetsMu.Lock()
	sessions := make([]*targetSession, 0, len(m.targets))
	for id, ts := range m.targets {
		sessions = append(sessions, ts)
		delete(m.targets, id)
	}
	m.targetsMu.Unlock()

	var errs []error
	for _, ts := range sessions {
		if ts.client != nil {
			if err := ts.client.Fetch.Disable(ctx); err != nil {
				errs = append(errs, fmt.Errorf("disable fetch on %s: %w", ts.id, err))
			}
		}
		m.closeTargetSession(ts)
		m.metrics.ObserveAttach(false)
		m.sendEvent(model.Event{Type: model.EventReleased, Target: ts.id, URL: ts.URL()})
	}
	return len(sessions), errors.Join(errs...)
}

// Close 关闭管理器及所有连接
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.Unregister(ctx)
	if errors.Is(err, ErrNotRegistered) {
		err = nil
	}
	m.cancel()
	if m.pool != nil {
		m.pool.stop()
	}
	return err
}

// ListTargets 列出页面目标并标记是否已接管
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	targets, err := m.dt.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		_, attached := m.targets[model.TargetID(t.ID)]
		out = append(out, model.TargetInfo{
			ID:       model.TargetID(t.ID),
			Type:     string(t.Type),
			URL:      t.URL,
			Title:    t.Title,
			Attached: attached,
		})
	}
	return out, nil
}

func (m *Manager) currentWorker() interceptor.Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.worker == nil {
		return nil
	}
	return m.worker
}

func (m *Manager) isEnabled() bool { return m.enabled.Load() }

func (m *Manager) isControlled(id model.TargetID) bool {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	_, ok := m.targets[id]
	return ok
}

func (m *Manager) controlledCount() int {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	return len(m.targets)
}

// closeTargetSession 关闭单个目标连接
func (m *Manager) closeTargetSession(ts *targetSession) {
	if ts.cancel != nil {
		ts.cancel()
	}
	if ts.stream != nil {
		_ = ts.stream.Close()
	}
	if ts.conn != nil {
		_ = ts.conn.Close()
	}
}

// promoteWaiting 旧页面全部关闭后激活等待中的拦截器
func (m *Manager) promoteWaiting() {
	m.mu.RLock()
	w := m.waiting
	m.mu.RUnlock()
	if w == nil || m.controlledCount() > 0 {
		return
	}
	if err := m.activate(m.ctx, w); err != nil {
		m.log.Err(err, "激活等待中的拦截器失败")
	}
}
