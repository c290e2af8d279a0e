package log

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "json")
	SetLevel(LevelInfo)
	t.Cleanup(func() { SetLevel(LevelInfo) })

	Debug("hidden", "k", 1)
	assert.Empty(t, buf.String())

	Info("poll tick", "delay_ms", 3000, "dangling")
	assert.Contains(t, buf.String(), `"message":"poll tick"`)
	assert.Contains(t, buf.String(), `"delay_ms":3000`)
	assert.NotContains(t, buf.String(), "dangling")

	buf.Reset()
	Error("fetch failed", errors.New("boom"), "source", "ics")
	assert.Contains(t, buf.String(), `"error":"boom"`)
	assert.Contains(t, buf.String(), `"source":"ics"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel(" ERROR "))
	assert.Equal(t, LevelInfo, ParseLevel("nope"))
}
