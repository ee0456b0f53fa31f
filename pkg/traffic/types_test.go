package traffic

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockedResponseWireFormat(t *testing.T) {
	res := BlockedResponse()
	require.NotNil(t, res)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Headers.Get("content-type"))
	assert.Equal(t, []string{"Content-Type"}, res.Headers.Keys())
	assert.Equal(t, `{"blocked":true,"message":"Request intercepted by service worker"}`, string(res.Body))
}

func TestBlockedResponseIdempotent(t *testing.T) {
	first := BlockedResponse()
	for i := 0; i < 10; i++ {
		next := BlockedResponse()
		assert.Equal(t, first, next)
	}

	// 修改返回值不影响后续结果
	first.Body[0] = 'x'
	first.Headers.Set("X-Extra", "1")
	assert.Equal(t, `{"blocked":true,"message":"Request intercepted by service worker"}`, string(BlockedResponse().Body))
	assert.Len(t, BlockedResponse().Headers, 1)
}

func TestIsBlocked(t *testing.T) {
	assert.True(t, IsBlocked(BlockedBody()))
	assert.True(t, IsBlocked([]byte(`{"blocked": true, "message": "Request intercepted by service worker"}`)))
	assert.False(t, IsBlocked([]byte(`{"blocked":false,"message":"Request intercepted by service worker"}`)))
	assert.False(t, IsBlocked([]byte(`{"blocked":"true","message":"Request intercepted by service worker"}`)))
	assert.False(t, IsBlocked([]byte(`{"blocked":true}`)))
	assert.False(t, IsBlocked([]byte(`not json`)))
	assert.False(t, IsBlocked(nil))
}

func TestIsNavigation(t *testing.T) {
	doc := &Request{ResourceType: "Document", FrameID: "F1"}
	assert.True(t, doc.IsNavigation("F1"))
	assert.False(t, doc.IsNavigation("F2"))

	xhr := &Request{ResourceType: "XHR", FrameID: "F1"}
	assert.False(t, xhr.IsNavigation("F1"))
}

func TestHeader(t *testing.T) {
	h := Header{}
	h.Set("content-type", "text/plain")
	assert.Equal(t, "text/plain", h.Get("Content-Type"))
	h.Set("CONTENT-TYPE", "application/json")
	assert.Equal(t, []string{"Content-Type"}, h.Keys())
	assert.Equal(t, "application/json", h.Get("content-type"))

	var nilHeader Header
	assert.Empty(t, nilHeader.Get("x"))
}
