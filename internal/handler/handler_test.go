package handler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpblock/internal/interceptor"
	"cdpblock/internal/metrics"
	"cdpblock/internal/rules"
	"cdpblock/pkg/model"
	"cdpblock/pkg/traffic"
)

type fakeFetcher struct {
	mu          sync.Mutex
	fulfilled   []*fetch.FulfillRequestArgs
	continued   []*fetch.ContinueRequestArgs
	failed      []*fetch.FailRequestArgs
	fulfillErr  error
	continueErr error
	// continueErrOnce 只让第一次放行失败
	continueErrOnce bool
}

func (f *fakeFetcher) FulfillRequest(ctx context.Context, args *fetch.FulfillRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulfilled = append(f.fulfilled, args)
	return f.fulfillErr
}

func (f *fakeFetcher) ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, args)
	if f.continueErrOnce && len(f.continued) > 1 {
		return nil
	}
	return f.continueErr
}

func (f *fakeFetcher) FailRequest(ctx context.Context, args *fetch.FailRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	f.failed = append(f.failed, args)
	return nil
}

func paused(id, url string) *fetch.RequestPausedReply {
	return &fetch.RequestPausedReply{
		RequestID:    fetch.RequestID(id),
		Request:      network.Request{URL: url, Method: "GET"},
		ResourceType: network.ResourceTypeFetch,
	}
}

func newActiveWorker(t *testing.T) *interceptor.Interceptor {
	t.Helper()
	return interceptor.New(rules.Default(), nil)
}

func TestHandleRequestBlocks(t *testing.T) {
	events := make(chan model.Event, 4)
	rec := metrics.New()
	h := New(Config{Events: events, Metrics: rec})
	f := &fakeFetcher{}

	h.HandleRequest(context.Background(), "page-1", f, paused("1", "https://survey-module.azurewebsites.net/ping"), newActiveWorker(t))

	require.Len(t, f.fulfilled, 1)
	assert.Empty(t, f.continued)
	args := f.fulfilled[0]
	assert.Equal(t, fetch.RequestID("1"), args.RequestID)
	assert.Equal(t, 200, args.ResponseCode)
	assert.Equal(t, []fetch.HeaderEntry{{Name: "Content-Type", Value: "application/json"}}, args.ResponseHeaders)
	assert.True(t, traffic.IsBlocked(args.Body))
	assert.Equal(t, `{"blocked":true,"message":"Request intercepted by service worker"}`, string(args.Body))

	evt := <-events
	assert.Equal(t, model.EventBlocked, evt.Type)
	assert.Equal(t, model.TargetID("page-1"), evt.Target)
	assert.Equal(t, "survey-module.azurewebsites.net", evt.Pattern)
	assert.NotZero(t, evt.Timestamp)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Requests.WithLabelValues("blocked")))
}

func TestHandleRequestPassesUnmodified(t *testing.T) {
	events := make(chan model.Event, 4)
	h := New(Config{Events: events})
	f := &fakeFetcher{}

	h.HandleRequest(context.Background(), "page-1", f, paused("2", "https://maps.googleapis.com/maps/api/geocode"), newActiveWorker(t))

	assert.Empty(t, f.fulfilled)
	require.Len(t, f.continued, 1)
	assert.Equal(t, &fetch.ContinueRequestArgs{RequestID: "2"}, f.continued[0])
	assert.Equal(t, model.EventPassed, (<-events).Type)
}

func TestHandleRequestWithoutWorkerForwards(t *testing.T) {
	h := New(Config{})
	f := &fakeFetcher{}

	h.HandleRequest(context.Background(), "page-1", f, paused("3", "https://survey-module.azurewebsites.net/ping"), nil)

	assert.Empty(t, f.fulfilled)
	assert.Len(t, f.continued, 1)
	assert.Zero(t, h.Stats().Total)
}

func TestHandleRequestFailure(t *testing.T) {
	events := make(chan model.Event, 4)
	rec := metrics.New()
	h := New(Config{Events: events, Metrics: rec})
	f := &fakeFetcher{continueErr: errors.New("connection closed")}

	h.HandleRequest(context.Background(), "page-1", f, paused("4", "https://example.com/assets/app.js"), newActiveWorker(t))

	evt := <-events
	assert.Equal(t, model.EventFailed, evt.Type)
	assert.Contains(t, evt.Error, "connection closed")
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Failures.WithLabelValues("continue")))
	// 失败不会转为其他处置
	assert.Empty(t, f.fulfilled)
	assert.Len(t, f.continued, 1)
}

func TestFulfillFailureFailsRequest(t *testing.T) {
	events := make(chan model.Event, 4)
	rec := metrics.New()
	h := New(Config{Events: events, Metrics: rec})
	f := &fakeFetcher{fulfillErr: context.DeadlineExceeded}

	// 处理上下文已过期，补救命令使用新的上下文
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.HandleRequest(ctx, "page-1", f, paused("7", "https://example.com/api/v1/secure-hello"), newActiveWorker(t))

	require.Len(t, f.fulfilled, 1)
	require.Len(t, f.failed, 1)
	assert.Equal(t, &fetch.FailRequestArgs{RequestID: "7", ErrorReason: network.ErrorReasonBlockedByClient}, f.failed[0])
	assert.Empty(t, f.continued)

	evt := <-events
	assert.Equal(t, model.EventFailed, evt.Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Failures.WithLabelValues("fulfill")))
}

func TestContinueRetriedAfterTimeout(t *testing.T) {
	events := make(chan model.Event, 4)
	h := New(Config{Events: events})
	f := &fakeFetcher{continueErr: context.DeadlineExceeded, continueErrOnce: true}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.HandleRequest(ctx, "page-1", f, paused("8", "https://example.com/assets/app.js"), newActiveWorker(t))

	require.Len(t, f.continued, 2)
	assert.Empty(t, f.fulfilled)
	assert.Empty(t, f.failed)
	assert.Equal(t, model.EventPassed, (<-events).Type)
}

func TestStats(t *testing.T) {
	h := New(Config{})
	f := &fakeFetcher{}
	w := newActiveWorker(t)

	urls := []string{
		"https://survey-module.azurewebsites.net/ping",
		"https://example.com/api/v1/userdata/123",
		"https://example.com/api/v1/userdata/456",
		"https://example.com/assets/app.js",
	}
	for i, u := range urls {
		h.HandleRequest(context.Background(), "page-1", f, paused(string(rune('a'+i)), u), w)
	}

	s := h.Stats()
	assert.Equal(t, int64(4), s.Total)
	assert.Equal(t, int64(3), s.Blocked)
	assert.Equal(t, int64(1), s.Passed)
	assert.Equal(t, map[string]int64{
		"survey-module.azurewebsites.net": 1,
		"/api/v1/userdata":                2,
	}, s.ByPattern)
}

func TestEventChannelFullDoesNotBlock(t *testing.T) {
	events := make(chan model.Event)
	h := New(Config{Events: events})
	f := &fakeFetcher{}

	h.HandleRequest(context.Background(), "page-1", f, paused("5", "https://example.com/"), newActiveWorker(t))
	assert.Len(t, f.continued, 1)
}

func TestFetchEventRespondsOnce(t *testing.T) {
	f := &fakeFetcher{}
	fe := newFetchEvent(f, paused("6", "https://example.com/"))

	require.NoError(t, fe.Forward(context.Background()))
	assert.ErrorIs(t, fe.RespondWith(context.Background(), traffic.BlockedResponse()), ErrAlreadyHandled)
	assert.ErrorIs(t, fe.Forward(context.Background()), ErrAlreadyHandled)
	assert.Len(t, f.continued, 1)
	assert.Empty(t, f.fulfilled)
}
