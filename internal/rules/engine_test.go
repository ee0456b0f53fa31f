package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEval(t *testing.T) {
	e := Default()

	tests := []struct {
		name    string
		url     string
		blocked bool
		pattern string
	}{
		{"survey host", "https://survey-module.azurewebsites.net/ping", true, "survey-module.azurewebsites.net"},
		{"survey staging", "https://survey-module-staging.azurewebsites.net/", true, "survey-module-staging.azurewebsites.net"},
		{"survey next", "https://survey-module-next.azurewebsites.net/a?b=c", true, "survey-module-next.azurewebsites.net"},
		{"survey manual", "http://survey-module-manual.azurewebsites.net", true, "survey-module-manual.azurewebsites.net"},
		{"userdata path", "https://example.com/api/v1/userdata/123", true, "/api/v1/userdata"},
		{"userdata suffix", "https://example.com/api/v1/userdata-extended", true, "/api/v1/userdata"},
		{"secure hello", "https://viewer.example.com/api/v1/secure-hello?x=1", true, "/api/v1/secure-hello"},
		{"timezone", "https://maps.googleapis.com/maps/api/timezone/json?location=1,2", true, "maps.googleapis.com/maps/api/timezone"},
		{"pattern in query", "https://example.com/redirect?to=survey-module.azurewebsites.net", true, "survey-module.azurewebsites.net"},
		{"geocode", "https://maps.googleapis.com/maps/api/geocode", false, ""},
		{"asset", "https://example.com/assets/app.js", false, ""},
		{"different case", "https://example.com/API/v1/userdata", false, ""},
		{"upper host", "https://SURVEY-MODULE.azurewebsites.net/ping", false, ""},
		{"empty", "", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Eval(tt.url)
			assert.Equal(t, tt.blocked, d.Blocked())
			assert.Equal(t, tt.pattern, d.Pattern)
		})
	}
}

func TestNewCopiesAndSkipsEmpty(t *testing.T) {
	src := []string{"a", "", "b"}
	e := New(src)
	src[0] = "z"

	assert.Equal(t, []string{"a", "b"}, e.Patterns())
	assert.False(t, e.Eval("zzz").Blocked())
	assert.Equal(t, "b", e.Eval("xbx").Pattern)

	ps := e.Patterns()
	ps[0] = "mutated"
	assert.Equal(t, "a", e.Patterns()[0])
}

func TestEvalConcurrent(t *testing.T) {
	e := Default()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.True(t, e.Eval("https://survey-module.azurewebsites.net/ping").Blocked())
				assert.False(t, e.Eval("https://example.com/assets/app.js").Blocked())
			}
		}()
	}
	wg.Wait()
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "blocked", ActionBlock.String())
	assert.Equal(t, "passed", ActionPassthrough.String())
}
