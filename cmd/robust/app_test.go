package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/robust/internal/config"
	"github.com/codefionn/robust/internal/protocol"
	"github.com/codefionn/robust/internal/session"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
		want command
	}{
		{line: "", ok: false},
		{line: "   ", ok: false},
		{line: "/", ok: false},
		{line: "hello world", ok: true, want: command{text: "hello world"}},
		{line: "//not a command", ok: true, want: command{text: "/not a command"}},
		{line: "/JOIN #go", ok: true, want: command{name: "join", args: []string{"#go"}}},
		{line: "  /backlog 20 ", ok: true, want: command{name: "backlog", args: []string{"20"}}},
		{line: "/quit", ok: true, want: command{name: "quit", args: []string{}}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := parseCommand(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestFormatMessage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 13, 7, 0, 0, time.Local).UnixMilli()
	msg := protocol.MessageCommand{
		ID:        "m1",
		Body:      "hi",
		Target:    "#go",
		Timestamp: ts,
		From:      protocol.Sender{ID: "u1", Handle: "ann"},
	}
	assert.Equal(t, "[#go] 13:07 <ann> hi", formatMessage(msg))

	msg.From.Handle = ""
	assert.Equal(t, "[#go] 13:07 <u1> hi", formatMessage(msg))
}

func TestDescribeState(t *testing.T) {
	st := session.State{
		Endpoint:   session.Endpoint{Host: "chat.example.org", Port: 6697},
		Connection: session.Connected,
		Auth:       session.Authenticated,
		User:       &protocol.User{Handle: "ann"},
	}
	assert.Equal(t, "chat.example.org:6697: connected, authenticated as @ann", describeState(st))

	st = session.State{
		Endpoint:  st.Endpoint,
		Retries:   2,
		LastError: errors.New("refused"),
	}
	assert.Equal(t, "chat.example.org:6697: disconnected, not authenticated, retries 2, last error: refused", describeState(st))
}

func newTestApp(t *testing.T) (*app, *bytes.Buffer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.DefaultConfig()
	cfg.Server.Host = "chat.example.org"
	var out bytes.Buffer
	return newApp(cfg, path, &out), &out, path
}

func TestOnAuthPersistsCredentials(t *testing.T) {
	a, _, path := newTestApp(t)
	success := true

	a.onAuth(protocol.AuthCommand{
		Mode:    "twitter",
		Success: &success,
		Data:    &protocol.AuthData{Key: "new-key", Secret: "new-secret"},
		User:    &protocol.User{ID: "u1", Handle: "ann"},
	})

	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, loaded.ApplySecretsPassword(""))
	assert.Equal(t, "new-key", loaded.Auth.Key)
	assert.Equal(t, "new-secret", loaded.Auth.Secret)
	assert.Equal(t, "chat.example.org", loaded.Server.Host)
}

func TestOnAuthChallenge(t *testing.T) {
	a, out, path := newTestApp(t)
	failed := false

	a.onAuth(protocol.AuthCommand{
		Mode:      "twitter",
		Success:   &failed,
		Challenge: &protocol.Challenge{URL: "https://login.example.org/abc"},
	})
	assert.Contains(t, out.String(), "log in at https://login.example.org/abc")

	_, err := config.Load(path)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestHandleLocalCommands(t *testing.T) {
	a, out, _ := newTestApp(t)
	ctx := context.Background()

	assert.ErrorIs(t, a.handle(ctx, "/quit"), errQuit)
	assert.EqualError(t, a.handle(ctx, "/nope"), "unknown command /nope")
	assert.EqualError(t, a.handle(ctx, "/join"), "usage: /join <target>")
	assert.EqualError(t, a.handle(ctx, "/user"), "usage: /user <id>")
	assert.EqualError(t, a.handle(ctx, "hello"), "no target, use /target or /join first")
	assert.EqualError(t, a.handle(ctx, "/backlog"), "no target, use /target first")
	assert.NoError(t, a.handle(ctx, ""))

	require.NoError(t, a.handle(ctx, "/target #go"))
	assert.Equal(t, "#go", a.target())
	require.NoError(t, a.handle(ctx, "/target"))
	assert.Contains(t, out.String(), "-- target: #go")
	assert.EqualError(t, a.handle(ctx, "/backlog zero"), `invalid count "zero"`)
}

func TestReadLoopStopsOnQuitAndEOF(t *testing.T) {
	a, out, _ := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := a.readLoop(ctx, strings.NewReader("/nope\n/quit\n/never\n"))
	assert.ErrorIs(t, err, errQuit)
	assert.Contains(t, out.String(), "unknown command /nope")
	assert.NotContains(t, out.String(), "/never")

	err = a.readLoop(ctx, strings.NewReader("/target #rust\n"))
	assert.ErrorIs(t, err, errQuit)
	assert.Equal(t, "#rust", a.target())
}

func TestParseArgs(t *testing.T) {
	opts, err := parseArgs([]string{"-config", "/tmp/robust.yaml", "-log-level", "debug", "-log-path", "-"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/robust.yaml", opts.configPath)
	assert.Equal(t, "debug", opts.logLevel)
	assert.Equal(t, "-", opts.logPath)

	_, err = parseArgs([]string{"extra"})
	assert.Error(t, err)
}
