package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpblock/pkg/model"
)

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(nil)
	s := New("s1", model.SessionConfig{DevToolsURL: "http://127.0.0.1:9222"}, nil, nil)
	m.Add(s)

	got, ok := m.Get("s1")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Len(t, m.List(), 1)
	assert.False(t, got.CreatedAt.IsZero())

	removed, ok := m.Remove("s1")
	require.True(t, ok)
	assert.Same(t, s, removed)

	_, ok = m.Get("s1")
	assert.False(t, ok)
	_, ok = m.Remove("s1")
	assert.False(t, ok)
	assert.Empty(t, m.List())
}
