package interceptor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"cdpblock/internal/logger"
	"cdpblock/internal/rules"
	"cdpblock/pkg/traffic"
)

// ErrNotInstalled 未经安装阶段直接激活
var ErrNotInstalled = errors.New("worker not installed")

// State 拦截器生命周期状态
type State int32

const (
	StateParsed State = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FetchEvent 宿主平台投递的单个请求，必须且只能处置一次
type FetchEvent interface {
	Request() *traffic.Request
	// RespondWith 以给定响应结束请求，不访问网络
	RespondWith(ctx context.Context, res *traffic.Response) error
	// Forward 原样放行请求，由网络结果决定页面看到什么
	Forward(ctx context.Context) error
}

// Clients 宿主平台中受控页面的集合
type Clients interface {
	// Claim 立即接管所有已打开的页面
	Claim(ctx context.Context) error
}

// Worker 宿主平台驱动的三个钩子
type Worker interface {
	OnInstall(ctx context.Context) error
	OnActivate(ctx context.Context, clients Clients) error
	OnFetch(ctx context.Context, ev FetchEvent) (rules.Decision, error)
}

// Interceptor 基于拒绝列表的请求拦截器
type Interceptor struct {
	engine      *rules.Engine
	log         logger.Logger
	state       atomic.Int32
	skipWaiting atomic.Bool
}

var _ Worker = (*Interceptor)(nil)

// New 创建拦截器
func New(engine *rules.Engine, l logger.Logger) *Interceptor {
	if engine == nil {
		engine = rules.Default()
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Interceptor{engine: engine, log: l}
}

// Classify 纯函数判定，不产生任何副作用
func (i *Interceptor) Classify(url string) rules.Decision {
	return i.engine.Eval(url)
}

// State 当前生命周期状态
func (i *Interceptor) State() State { return State(i.state.Load()) }

// SkipWaiting 是否要求跳过等待立即激活
func (i *Interceptor) SkipWaiting() bool { return i.skipWaiting.Load() }

// OnInstall 安装阶段：声明跳过等待，新逻辑无需等旧页面关闭即可生效
func (i *Interceptor) OnInstall(ctx context.Context) error {
	i.skipWaiting.Store(true)
	i.state.Store(int32(StateInstalled))
	i.log.Info("拦截器已安装", "skipWaiting", true, "patterns", len(i.engine.Patterns()))
	return nil
}

// OnActivate 激活阶段：立即接管所有已打开的页面
func (i *Interceptor) OnActivate(ctx context.Context, clients Clients) error {
	if !i.state.CompareAndSwap(int32(StateInstalled), int32(StateActivating)) {
		return fmt.Errorf("activate in state %s: %w", i.State(), ErrNotInstalled)
	}
	if err := clients.Claim(ctx); err != nil {
		i.state.Store(int32(StateInstalled))
		return fmt.Errorf("claim clients: %w", err)
	}
	i.state.Store(int32(StateActivated))
	i.log.Info("拦截器已激活")
	return nil
}

// OnFetch 对单个请求做出处置：命中则返回合成响应，否则原样放行
func (i *Interceptor) OnFetch(ctx context.Context, ev FetchEvent) (rules.Decision, error) {
	req := ev.Request()
	d := i.Classify(req.URL)
	if d.Blocked() {
		i.log.Debug("命中拒绝列表", "url", req.URL, "pattern", d.Pattern)
		return d, ev.RespondWith(ctx, traffic.BlockedResponse())
	}
	return d, ev.Forward(ctx)
}

// MarkRedundant 被新的拦截器替换后调用
func (i *Interceptor) MarkRedundant() {
	i.state.Store(int32(StateRedundant))
	i.log.Info("拦截器已被替换")
}
