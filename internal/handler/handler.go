package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	adapter "cdpblock/internal/adapter/cdp"
	"cdpblock/internal/interceptor"
	"cdpblock/internal/logger"
	"cdpblock/internal/metrics"
	"cdpblock/internal/rules"
	"cdpblock/pkg/model"
	"cdpblock/pkg/traffic"

	"github.com/google/uuid"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
)

// ErrAlreadyHandled 同一请求被处置了两次
var ErrAlreadyHandled = errors.New("request already handled")

// rescueTimeout 首次处置失败后补救命令的超时
const rescueTimeout = time.Second

// Fetcher CDP Fetch 域中处置请求所需的最小命令集
type Fetcher interface {
	FulfillRequest(ctx context.Context, args *fetch.FulfillRequestArgs) error
	ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error
	FailRequest(ctx context.Context, args *fetch.FailRequestArgs) error
}

// Handler 事件处理器，负责把暂停的请求交给拦截器并发送事件
type Handler struct {
	session model.SessionID
	events  chan model.Event
	metrics *metrics.Recorder
	log     logger.Logger

	total   atomic.Int64
	blocked atomic.Int64
	passed  atomic.Int64

	mu        sync.Mutex
	byPattern map[string]int64
}

// Config 配置选项
type Config struct {
	Session model.SessionID
	Events  chan model.Event
	Metrics *metrics.Recorder
	Logger  logger.Logger
}

// New 创建事件处理器
func New(cfg Config) *Handler {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Handler{
		session:   cfg.Session,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		log:       l,
		byPattern: make(map[string]int64),
	}
}

// HandleRequest 处理请求拦截，每个请求只会得到一次处置
func (h *Handler) HandleRequest(
	ctx context.Context,
	targetID model.TargetID,
	f Fetcher,
	ev *fetch.RequestPausedReply,
	w interceptor.Worker,
) {
	start := time.Now()
	fe := newFetchEvent(f, ev)
	req := fe.Request()

	if w == nil {
		// 无活动拦截器时按默认行为放行
		if err := fe.Forward(ctx); err != nil {
			h.fail(targetID, req, "continue", err)
		}
		return
	}

	d, err := w.OnFetch(ctx, fe)
	h.record(d)
	if err != nil {
		cmd := "continue"
		if d.Blocked() {
			cmd = "fulfill"
		}
		h.fail(targetID, req, cmd, err)
		return
	}

	evtType := model.EventPassed
	if d.Blocked() {
		evtType = model.EventBlocked
		h.log.Info("请求被阻止", "target", string(targetID), "url", req.URL, "pattern", d.Pattern)
	}
	h.send(model.Event{
		Type:    evtType,
		Target:  targetID,
		URL:     req.URL,
		Method:  req.Method,
		Pattern: d.Pattern,
	})
	h.log.Debug("请求处理完成", "result", d.Action.String(), "url", req.URL, "duration", time.Since(start))
}

// Stats 返回统计快照
func (h *Handler) Stats() model.Stats {
	h.mu.Lock()
	byPattern := make(map[string]int64, len(h.byPattern))
	for k, v := range h.byPattern {
		byPattern[k] = v
	}
	h.mu.Unlock()
	return model.Stats{
		Total:     h.total.Load(),
		Blocked:   h.blocked.Load(),
		Passed:    h.passed.Load(),
		ByPattern: byPattern,
	}
}

func (h *Handler) record(d rules.Decision) {
	h.total.Add(1)
	h.metrics.ObserveDecision(d)
	if !d.Blocked() {
		h.passed.Add(1)
		return
	}
	h.blocked.Add(1)
	h.mu.Lock()
	h.byPattern[d.Pattern]++
	h.mu.Unlock()
}

func (h *Handler) fail(targetID model.TargetID, req *traffic.Request, command string, err error) {
	h.metrics.ObserveFailure(command)
	h.log.Err(err, "处置请求失败", "target", string(targetID), "command", command, "url", req.URL)
	h.send(model.Event{
		Type:   model.EventFailed,
		Target: targetID,
		URL:    req.URL,
		Method: req.Method,
		Error:  err.Error(),
	})
}

// send 非阻塞发送事件
func (h *Handler) send(evt model.Event) {
	if h.events == nil {
		return
	}
	evt.ID = uuid.NewString()
	evt.Session = h.session
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case h.events <- evt:
	default:
	}
}

// fetchEvent 把 CDP 暂停事件包装为 interceptor.FetchEvent
type fetchEvent struct {
	f    Fetcher
	ev   *fetch.RequestPausedReply
	req  *traffic.Request
	done atomic.Bool
}

func newFetchEvent(f Fetcher, ev *fetch.RequestPausedReply) *fetchEvent {
	return &fetchEvent{f: f, ev: ev, req: adapter.ToNeutralRequest(ev)}
}

func (e *fetchEvent) Request() *traffic.Request { return e.req }

// RespondWith 以合成响应完成请求；失败时改为以 BlockedByClient 终止，绝不放行
func (e *fetchEvent) RespondWith(ctx context.Context, res *traffic.Response) error {
	if !e.done.CompareAndSwap(false, true) {
		return ErrAlreadyHandled
	}
	err := e.f.FulfillRequest(ctx, adapter.ToFulfillArgs(e.ev.RequestID, res))
	if err == nil {
		return nil
	}
	err = fmt.Errorf("fulfill request %s: %w", e.ev.RequestID, err)

	rctx, cancel := context.WithTimeout(context.Background(), rescueTimeout)
	defer cancel()
	args := &fetch.FailRequestArgs{RequestID: e.ev.RequestID, ErrorReason: network.ErrorReasonBlockedByClient}
	if ferr := e.f.FailRequest(rctx, args); ferr != nil {
		return errors.Join(err, fmt.Errorf("fail request %s: %w", e.ev.RequestID, ferr))
	}
	return err
}

// Forward 原样放行请求；处理超时导致的失败会在新的上下文中重试一次
func (e *fetchEvent) Forward(ctx context.Context) error {
	if !e.done.CompareAndSwap(false, true) {
		return ErrAlreadyHandled
	}
	args := adapter.ToContinueArgs(e.ev.RequestID)
	err := e.f.ContinueRequest(ctx, args)
	if err != nil && ctx.Err() != nil {
		rctx, cancel := context.WithTimeout(context.Background(), rescueTimeout)
		err = e.f.ContinueRequest(rctx, args)
		cancel()
	}
	if err != nil {
		return fmt.Errorf("continue request %s: %w", e.ev.RequestID, err)
	}
	return nil
}
