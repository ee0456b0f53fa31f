package cdp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/target"
	"github.com/mafredri/cdp/rpcc"

	adapter "cdpblock/internal/adapter/cdp"
	"cdpblock/internal/interceptor"
	"cdpblock/pkg/model"
)

// handle 处理一次拦截事件
func (m *Manager) handle(ts *targetSession, ev *fetch.RequestPausedReply) {
	to := m.processTimeoutMS
	if to <= 0 {
		to = 3000
	}
	ctx, cancel := context.WithTimeout(ts.ctx, time.Duration(to)*time.Millisecond)
	defer cancel()
	m.handler.HandleRequest(ctx, ts.id, ts.fetcher, ev, m.workerFor(ts, ev))
}

// workerFor 返回负责该请求的拦截器；页面离开作用域时返回 nil，请求按默认行为放行。
// 主帧导航按目标地址判定，并更新页面的当前地址。
func (m *Manager) workerFor(ts *targetSession, ev *fetch.RequestPausedReply) interceptor.Worker {
	req := adapter.ToNeutralRequest(ev)
	if req.IsNavigation(string(ts.id)) {
		ts.setURL(req.URL)
	}
	if !m.InScope(ts.URL()) {
		return nil
	}
	return m.currentWorker()
}

// dispatchPaused 根据并发配置调度单次拦截事件处理
func (m *Manager) dispatchPaused(ts *targetSession, ev *fetch.RequestPausedReply) {
	if m.pool == nil {
		go m.handle(ts, ev)
		return
	}
	submitted := m.pool.submit(func() {
		m.handle(ts, ev)
	})
	if !submitted {
		// 队列已满时就地处理，不能降级放行，否则命中的请求会到达网络
		m.log.Warn("并发队列已满，就地处理", "target", string(ts.id), "requestID", ev.RequestID)
		m.handle(ts, ev)
	}
}

// consume 持续接收拦截事件并按并发限制分发处理
func (m *Manager) consume(ts *targetSession) {
	m.log.Info("开始消费拦截事件流", "target", string(ts.id))
	for {
		ev, err := ts.stream.Recv()
		if err != nil {
			m.handleTargetStreamClosed(ts, err)
			return
		}
		m.dispatchPaused(ts, ev)
	}
}

// handleTargetStreamClosed 处理单个目标的拦截流终止（页面关闭或连接断开）
func (m *Manager) handleTargetStreamClosed(ts *targetSession, err error) {
	if !m.isEnabled() {
		m.log.Debug("拦截已禁用，停止目标事件消费", "target", string(ts.id))
		return
	}

	m.targetsMu.Lock()
	cur, ok := m.targets[ts.id]
	if ok && cur == ts {
		delete(m.targets, ts.id)
	}
	m.targetsMu.Unlock()
	if !ok || cur != ts {
		return
	}

	m.log.Warn("拦截流已结束，移除目标", "target", string(ts.id), "error", err)
	m.closeTargetSession(ts)
	m.metrics.ObserveAttach(false)
	m.sendEvent(model.Event{Type: model.EventReleased, Target: ts.id, URL: ts.URL()})
	m.promoteWaiting()
}

// attachSource 浏览器级自动附加产生的目标事件
type attachSource interface {
	Recv() (*target.AttachedToTargetReply, error)
	Session(ctx context.Context, ev *target.AttachedToTargetReply) (attachedSession, error)
}

// attachedSession 自动附加得到的单个目标会话
type attachedSession interface {
	// Intercept 在会话上启用 Fetch 拦截
	Intercept(ctx context.Context) (*targetSession, error)
	// Resume 让在调试器下暂停的目标继续运行
	Resume(ctx context.Context) error
	// Detach 分离会话
	Detach() error
}

// watchTargets 通过浏览器级自动附加接管新建页面。
// 新页面在调试器下暂停，启用拦截后才继续运行，首个请求也会经过拦截器。
func (m *Manager) watchTargets(ctx context.Context) {
	ver, err := m.dt.Version(ctx)
	if err != nil {
		m.log.Err(err, "获取浏览器端点失败，新页面不会被自动接管")
		return
	}
	src, err := m.dialAutoAttach(ctx, ver.WebSocketDebuggerURL)
	if err != nil {
		m.log.Err(err, "启用自动附加失败，新页面不会被自动接管")
		return
	}
	defer src.Close()
	m.autoAttach(ctx, src)
}

// autoAttach 处理自动附加事件直到事件流结束
func (m *Manager) autoAttach(ctx context.Context, src attachSource) {
	for {
		ev, err := src.Recv()
		if err != nil {
			if ctx.Err() == nil {
				m.log.Err(err, "目标事件流中断")
			}
			return
		}
		m.onAttached(ctx, src, ev)
	}
}

// onAttached 决定是否接管新附加的目标，并保证暂停的目标最终被恢复
func (m *Manager) onAttached(ctx context.Context, src attachSource, ev *target.AttachedToTargetReply) {
	info := ev.TargetInfo
	id := model.TargetID(info.TargetID)

	s, err := src.Session(ctx, ev)
	if err != nil {
		m.log.Err(err, "打开目标会话失败", "target", string(id), "type", info.Type)
		return
	}

	adopted := false
	if m.wantAttached(ev) {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ts, err := s.Intercept(cctx)
		cancel()
		switch {
		case err != nil:
			m.log.Err(err, "自动接管新页面失败", "target", string(id), "url", info.URL)
			m.metrics.ObserveFailure("attach")
			m.sendEvent(model.Event{Type: model.EventFailed, Target: id, URL: info.URL, Error: err.Error()})
		case m.adopt(ts):
			adopted = true
		default:
			m.closeTargetSession(ts)
		}
	}

	if ev.WaitingForDebugger {
		if err := s.Resume(ctx); err != nil {
			m.log.Err(err, "恢复目标运行失败", "target", string(id))
		}
	}
	if !adopted {
		_ = s.Detach()
	}
}

// wantAttached 只接管未受控的页面。
// 刚创建的页面还没有导航，作用域由首个主帧导航决定；已存在的页面按当前地址判定。
func (m *Manager) wantAttached(ev *target.AttachedToTargetReply) bool {
	info := ev.TargetInfo
	if info.Type != string(devtool.Page) || !m.isEnabled() {
		return false
	}
	if m.isControlled(model.TargetID(info.TargetID)) {
		return false
	}
	return ev.WaitingForDebugger || m.InScope(info.URL)
}

// browserAttach 浏览器连接上的自动附加
type browserAttach struct {
	m        *Manager
	conn     *rpcc.Conn
	client   *cdp.Client
	mux      *flatMux
	attached target.AttachedToTargetClient
}

// dialAutoAttach 连接浏览器并开启 flatten 模式的自动附加，新目标在调试器下等待
func (m *Manager) dialAutoAttach(ctx context.Context, wsURL string) (*browserAttach, error) {
	mux := newFlatMux()
	conn, err := rpcc.DialContext(ctx, wsURL, rpcc.WithCodec(mux.codec))
	if err != nil {
		return nil, fmt.Errorf("dial browser: %w", err)
	}
	client := cdp.NewClient(conn)
	attached, err := client.Target.AttachedToTarget(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe attachedToTarget: %w", err)
	}
	args := target.NewSetAutoAttachArgs(true, true).SetFlatten(true)
	if err := client.Target.SetAutoAttach(ctx, args); err != nil {
		_ = attached.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set auto attach: %w", err)
	}
	return &browserAttach{m: m, conn: conn, client: client, mux: mux, attached: attached}, nil
}

func (b *browserAttach) Recv() (*target.AttachedToTargetReply, error) { return b.attached.Recv() }

func (b *browserAttach) Session(ctx context.Context, ev *target.AttachedToTargetReply) (attachedSession, error) {
	sid := ev.SessionID
	detach := func() error {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return b.client.Target.DetachFromTarget(dctx, target.NewDetachFromTargetArgs().SetSessionID(sid))
	}
	conn, err := b.mux.open(ctx, sid, detach)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", sid, err)
	}
	return &flatTarget{m: b.m, info: ev.TargetInfo, conn: conn, client: cdp.NewClient(conn)}, nil
}

func (b *browserAttach) Close() error {
	_ = b.attached.Close()
	return b.conn.Close()
}

// flatTarget 通过 flatten 会话访问的目标
type flatTarget struct {
	m      *Manager
	info   target.Info
	conn   *rpcc.Conn
	client *cdp.Client
}

func (t *flatTarget) Intercept(ctx context.Context) (*targetSession, error) {
	return t.m.enableFetch(ctx, model.TargetID(t.info.TargetID), t.info.URL, t.info.Title, t.conn, t.client)
}

func (t *flatTarget) Resume(ctx context.Context) error {
	return t.client.Runtime.RunIfWaitingForDebugger(ctx)
}

func (t *flatTarget) Detach() error { return t.conn.Close() }

// sendEvent 安全发送事件到通道，自动添加 ID 与时间戳
func (m *Manager) sendEvent(evt model.Event) {
	if m.events == nil {
		return
	}
	evt.ID = uuid.NewString()
	evt.Session = m.session
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case m.events <- evt:
	default:
	}
}
