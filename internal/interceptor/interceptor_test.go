package interceptor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpblock/internal/rules"
	"cdpblock/pkg/traffic"
)

type fakeEvent struct {
	req        *traffic.Request
	responded  []*traffic.Response
	forwarded  int
	forwardErr error
}

func newFakeEvent(url string) *fakeEvent {
	return &fakeEvent{req: &traffic.Request{ID: "1", URL: url, Method: http.MethodGet}}
}

func (f *fakeEvent) Request() *traffic.Request { return f.req }

func (f *fakeEvent) RespondWith(ctx context.Context, res *traffic.Response) error {
	f.responded = append(f.responded, res)
	return nil
}

func (f *fakeEvent) Forward(ctx context.Context) error {
	f.forwarded++
	return f.forwardErr
}

// fakeClients 模拟宿主中已打开的页面
type fakeClients struct {
	mu         sync.Mutex
	open       []string
	controlled map[string]bool
	err        error
}

func (c *fakeClients) Claim(ctx context.Context) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.controlled == nil {
		c.controlled = make(map[string]bool)
	}
	for _, p := range c.open {
		c.controlled[p] = true
	}
	return nil
}

const blockedJSON = `{"blocked":true,"message":"Request intercepted by service worker"}`

func TestOnFetchScenarios(t *testing.T) {
	w := New(rules.Default(), nil)

	tests := []struct {
		name    string
		url     string
		blocked bool
	}{
		{"survey ping", "https://survey-module.azurewebsites.net/ping", true},
		{"userdata id", "https://example.com/api/v1/userdata/123", true},
		{"geocode", "https://maps.googleapis.com/maps/api/geocode", false},
		{"asset", "https://example.com/assets/app.js", false},
		{"case differs", "https://example.com/API/v1/userdata", false},
		{"userdata extended", "https://example.com/api/v1/userdata-extended", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newFakeEvent(tt.url)
			d, err := w.OnFetch(context.Background(), ev)
			require.NoError(t, err)
			assert.Equal(t, tt.blocked, d.Blocked())

			if tt.blocked {
				require.Len(t, ev.responded, 1)
				assert.Zero(t, ev.forwarded)
				res := ev.responded[0]
				assert.Equal(t, http.StatusOK, res.StatusCode)
				assert.Equal(t, "application/json", res.Headers.Get("Content-Type"))
				assert.Equal(t, blockedJSON, string(res.Body))
			} else {
				assert.Empty(t, ev.responded)
				assert.Equal(t, 1, ev.forwarded)
			}
		})
	}
}

func TestOnFetchIdempotent(t *testing.T) {
	w := New(nil, nil)
	for i := 0; i < 5; i++ {
		ev := newFakeEvent("https://survey-module.azurewebsites.net/ping")
		_, err := w.OnFetch(context.Background(), ev)
		require.NoError(t, err)
		require.Len(t, ev.responded, 1)
		assert.Equal(t, blockedJSON, string(ev.responded[0].Body))
	}
}

func TestOnFetchForwardErrorPropagates(t *testing.T) {
	w := New(nil, nil)
	netErr := errors.New("net::ERR_NAME_NOT_RESOLVED")
	ev := newFakeEvent("https://example.com/assets/app.js")
	ev.forwardErr = netErr

	d, err := w.OnFetch(context.Background(), ev)
	assert.False(t, d.Blocked())
	assert.ErrorIs(t, err, netErr)
	assert.Equal(t, 1, ev.forwarded)
	assert.Empty(t, ev.responded)
}

func TestLifecycle(t *testing.T) {
	w := New(nil, nil)
	assert.Equal(t, StateParsed, w.State())
	assert.False(t, w.SkipWaiting())

	clients := &fakeClients{open: []string{"viewer", "dashboard"}}
	err := w.OnActivate(context.Background(), clients)
	assert.ErrorIs(t, err, ErrNotInstalled)

	require.NoError(t, w.OnInstall(context.Background()))
	assert.Equal(t, StateInstalled, w.State())
	assert.True(t, w.SkipWaiting())

	require.NoError(t, w.OnActivate(context.Background(), clients))
	assert.Equal(t, StateActivated, w.State())
	// 激活前已打开的页面被直接接管
	assert.True(t, clients.controlled["viewer"])
	assert.True(t, clients.controlled["dashboard"])

	w.MarkRedundant()
	assert.Equal(t, StateRedundant, w.State())
}

func TestActivateClaimFailure(t *testing.T) {
	w := New(nil, nil)
	require.NoError(t, w.OnInstall(context.Background()))

	claimErr := errors.New("devtools unreachable")
	err := w.OnActivate(context.Background(), &fakeClients{err: claimErr})
	assert.ErrorIs(t, err, claimErr)
	assert.Equal(t, StateInstalled, w.State())

	require.NoError(t, w.OnActivate(context.Background(), &fakeClients{}))
	assert.Equal(t, StateActivated, w.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "activated", StateActivated.String())
	assert.Equal(t, "state(9)", State(9).String())
}
