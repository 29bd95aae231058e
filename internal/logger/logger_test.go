package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{" info ", LevelInfo},
		{"Warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"off", LevelNone},
		{"NONE", LevelNone},
		{"invalid", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "NONE", LevelNone.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestFileLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "robust.log")

	l, err := New(LevelInfo, logPath, "session")
	require.NoError(t, err)

	l.Info("connected to %s", "chat.example.org:6697")
	l.Debug("should not appear")
	require.NoError(t, l.Close())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	text := string(content)

	assert.Contains(t, text, "[INFO] [session] connected to chat.example.org:6697")
	assert.NotContains(t, text, "should not appear")
}

func TestWriterLoggerPrefixes(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(LevelDebug, &buf, "engine")

	l.WithPrefix("conn").Warn("frame dropped")

	assert.Contains(t, buf.String(), "[WARN] [engine:conn] frame dropped")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestSetLevelAffectsChildren(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(LevelInfo, &buf, "")
	child := l.WithPrefix("store")

	child.Debug("debug1")
	l.SetLevel(LevelDebug)
	child.Debug("debug2")

	assert.NotContains(t, buf.String(), "debug1")
	assert.Contains(t, buf.String(), "debug2")
	assert.Equal(t, LevelDebug, child.GetLevel())
}

func TestDisabledLogger(t *testing.T) {
	l, err := New(LevelNone, "", "test")
	require.NoError(t, err)

	l.Debug("debug")
	l.Error("error")
	assert.NoError(t, l.Close())
}

func TestGlobalLogger(t *testing.T) {
	require.NotNil(t, Global())

	var buf bytes.Buffer
	prev := Global()
	SetGlobal(NewWithWriter(LevelInfo, &buf, ""))
	t.Cleanup(func() { SetGlobal(prev) })

	Info("hello %d", 1)
	For("dispatch").Error("boom")

	assert.Contains(t, buf.String(), "hello 1")
	assert.Contains(t, buf.String(), "[dispatch] boom")
}
