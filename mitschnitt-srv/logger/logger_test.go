package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withCapturedOutput(fn func()) string {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	fn()
	return buf.String()
}

func TestLevelFiltering(t *testing.T) {
	SetLevel(WARN)
	defer SetLevel(INFO)

	out := withCapturedOutput(func() {
		Debug("hidden %d", 1)
		Info("hidden too")
		Warn("visible %s", "warning")
		Error("visible error")
	})

	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] visible warning")
	assert.Contains(t, out, "[ERROR] visible error")
}

func TestTraceLevel(t *testing.T) {
	SetLevel(TRACE)
	defer SetLevel(INFO)

	out := withCapturedOutput(func() {
		Trace("trace message")
	})
	assert.Contains(t, out, "[TRACE] trace message")
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"trace", TRACE},
		{"DEBUG", DEBUG},
		{"Info", INFO},
		{"warn", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"garbage", INFO},
		{"", INFO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GetLevelFromString(tt.in), "input %q", tt.in)
	}
}

func TestIsLevelEnabled(t *testing.T) {
	SetLevel(INFO)
	assert.True(t, IsLevelEnabled(INFO))
	assert.True(t, IsLevelEnabled(ERROR))
	assert.False(t, IsLevelEnabled(DEBUG))
}

func TestLevelToString(t *testing.T) {
	assert.Equal(t, "DEBUG", levelToString(DEBUG))
	assert.Equal(t, "UNKNOWN", levelToString(LogLevel(99)))
}

func TestFormatting(t *testing.T) {
	SetLevel(INFO)
	out := withCapturedOutput(func() {
		Info("count=%d name=%s", 3, "x")
	})
	assert.True(t, strings.Contains(out, "count=3 name=x"))
}
