package config

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/robust/internal/protocol"
	"github.com/codefionn/robust/internal/secrets"
	"github.com/codefionn/robust/internal/session"
	"github.com/codefionn/robust/internal/tlsutil"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, 6697, cfg.Server.Port)
	assert.Equal(t, "1.2", cfg.Server.MinTLSVersion)
	assert.Equal(t, "twitter", cfg.Auth.Mode)
	assert.Equal(t, 240, cfg.Connection.ReadIdleSeconds)
	assert.Equal(t, 180, cfg.Connection.WriteIdleSeconds)
	assert.Equal(t, 10_000_000, cfg.Connection.MaxFrameLength)
	assert.True(t, cfg.NotificationsEnabled)
	assert.False(t, cfg.HasValidServerSettings())
}

func TestLoadPartialJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"host":"chat.example.org"},"last_used_target":"#go"}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "chat.example.org", cfg.Server.Host)
	assert.Equal(t, 6697, cfg.Server.Port)
	assert.Equal(t, "#go", cfg.LastUsedTarget)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.HasValidServerSettings())
	assert.Equal(t, session.Endpoint{Host: "chat.example.org", Port: 6697}, cfg.Endpoint())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  host: irc.example.net
  port: 7000
  min_tls_version: "1.3"
connection:
  read_idle_seconds: 60
low_bandwidth_images: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "irc.example.net", cfg.Server.Host)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.True(t, cfg.LowBandwidthImages)
	assert.Equal(t, 60, cfg.Connection.ReadIdleSeconds)
	assert.Equal(t, 180, cfg.Connection.WriteIdleSeconds)

	opts, err := cfg.ConnOptions()
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), opts.MinVersion)
	assert.Equal(t, time.Minute, opts.ReadIdle)
}

func TestLoadRejectsLegacyTLS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"min_tls_version":"SSLv3"}}`), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, tlsutil.ErrLegacyVersion)
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveSealsCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := DefaultConfig()
	cfg.Server.Host = "chat.example.org"
	cfg.SetAuthentication("", "oauth-key", "oauth-secret")
	cfg.UpdateSecretsPassword("hunter2")
	require.NoError(t, cfg.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "oauth-secret")
	assert.NotContains(t, string(raw), "oauth-key")
	assert.Contains(t, string(raw), secrets.Prefix)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// The in-memory copy keeps plaintext.
	assert.Equal(t, "oauth-secret", cfg.Auth.Secret)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, loaded.NeedsPassword())
	assert.True(t, loaded.HasSealedCredentials())
	assert.False(t, loaded.HasAuthentication())
	_, err = loaded.Authenticator()
	assert.Error(t, err)

	assert.ErrorIs(t, loaded.ApplySecretsPassword("wrong"), secrets.ErrInvalidPassword)

	require.NoError(t, loaded.ApplySecretsPassword("hunter2"))
	assert.Equal(t, "twitter", loaded.Auth.Mode)
	assert.Equal(t, "oauth-key", loaded.Auth.Key)
	assert.Equal(t, "oauth-secret", loaded.Auth.Secret)
	assert.True(t, loaded.HasAuthentication())

	auth, err := loaded.Authenticator()
	require.NoError(t, err)
	cmd, err := auth.AuthCommand()
	require.NoError(t, err)
	assert.Equal(t, "oauth-key", cmd.(protocol.AuthCommand).Challenge.Key)
}

func TestSaveWithoutPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")

	cfg := DefaultConfig()
	cfg.SetAuthentication("twitter", "k", "s")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.False(t, loaded.NeedsPassword())
	require.NoError(t, loaded.ApplySecretsPassword(""))
	assert.Equal(t, "s", loaded.Auth.Secret)

	// Saving again does not seal twice.
	require.NoError(t, loaded.Save(path))
	again, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, again.ApplySecretsPassword(""))
	assert.Equal(t, "k", again.Auth.Key)
}

func TestPlaintextCredentialsAccepted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"auth":{"mode":"twitter","key":"k","secret":"s"}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.ApplySecretsPassword(""))
	assert.True(t, cfg.HasAuthentication())
}

func TestConnOptionsCAFile(t *testing.T) {
	cert, err := tlsutil.SelfSigned("ca.example.org")
	require.NoError(t, err)
	caPath := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caPath, tlsutil.CertificatePEM(cert), 0o600))

	cfg := DefaultConfig()
	cfg.Server.CAFile = caPath
	cfg.Server.ProxyURL = "socks5://127.0.0.1:1080"
	opts, err := cfg.ConnOptions()
	require.NoError(t, err)
	assert.NotNil(t, opts.RootCAs)
	assert.Equal(t, "socks5://127.0.0.1:1080", opts.ProxyURL)

	cfg.Server.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = cfg.ConnOptions()
	assert.Error(t, err)
}

func TestHasValidServerSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Host = "  "
	assert.False(t, cfg.HasValidServerSettings())

	cfg.Server.Host = "chat.example.org"
	cfg.Server.Port = 70000
	assert.False(t, cfg.HasValidServerSettings())

	cfg.Server.Port = 443
	assert.True(t, cfg.HasValidServerSettings())
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Server.Host = "one.example.org"
	require.NoError(t, cfg.Save(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var hosts []string
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) {
			mu.Lock()
			hosts = append(hosts, c.Server.Host)
			mu.Unlock()
		})
	}()

	seen := func(host string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, h := range hosts {
			if h == host {
				return true
			}
		}
		return false
	}

	// The watcher may start after the first write; keep saving until seen.
	cfg.Server.Host = "two.example.org"
	require.Eventually(t, func() bool {
		if err := cfg.Save(path); err != nil {
			return false
		}
		return seen("two.example.org")
	}, 3*time.Second, 200*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}
