package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codefionn/robust/internal/conn"
	"github.com/codefionn/robust/internal/consts"
	"github.com/codefionn/robust/internal/secrets"
	"github.com/codefionn/robust/internal/session"
	"github.com/codefionn/robust/internal/tlsutil"
)

const appName = "robust"

// ServerConfig selects the chat server and the TLS policy used for it.
type ServerConfig struct {
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	ProxyURL      string `json:"proxy_url,omitempty" yaml:"proxy_url,omitempty"`             // socks5://host:port, empty uses ALL_PROXY
	MinTLSVersion string `json:"min_tls_version,omitempty" yaml:"min_tls_version,omitempty"` // "1.0" .. "1.3"
	CAFile        string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`                 // PEM file or directory added to the system roots
}

// AuthConfig holds the credentials issued by the server after a login.
// Key and Secret are sealed on disk.
type AuthConfig struct {
	Mode   string `json:"mode" yaml:"mode"`
	Key    string `json:"key,omitempty" yaml:"key,omitempty"`
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
}

type ConnectionConfig struct {
	MaxFrameLength        int `json:"max_frame_length" yaml:"max_frame_length"`
	ReadIdleSeconds       int `json:"read_idle_seconds" yaml:"read_idle_seconds"`
	WriteIdleSeconds      int `json:"write_idle_seconds" yaml:"write_idle_seconds"`
	ConnectTimeoutSeconds int `json:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
}

// SecretsSettings keeps track of password-protection state.
type SecretsSettings struct {
	PasswordSet bool   `json:"password_set,omitempty" yaml:"password_set,omitempty"`
	Verifier    string `json:"verifier,omitempty" yaml:"verifier,omitempty"`
}

// Config represents application configuration
type Config struct {
	Server               ServerConfig     `json:"server" yaml:"server"`
	Auth                 AuthConfig       `json:"auth" yaml:"auth"`
	LowBandwidthImages   bool             `json:"low_bandwidth_images" yaml:"low_bandwidth_images"`
	LastUsedTarget       string           `json:"last_used_target,omitempty" yaml:"last_used_target,omitempty"`
	NotificationsEnabled bool             `json:"notifications_enabled" yaml:"notifications_enabled"`
	Connection           ConnectionConfig `json:"connection" yaml:"connection"`
	DatabasePath         string           `json:"database_path" yaml:"database_path"`
	LogLevel             string           `json:"log_level" yaml:"log_level"` // debug, info, warn, error, none
	LogPath              string           `json:"log_path" yaml:"log_path"`
	Secrets              SecretsSettings  `json:"secrets,omitempty" yaml:"secrets,omitempty"`

	secretsPassword string
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		return defaultConfigDir()
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		Server: ServerConfig{
			Port:          consts.DefaultServerPort,
			MinTLSVersion: consts.DefaultMinTLSVersion,
		},
		Auth:                 AuthConfig{Mode: consts.DefaultAuthMode},
		NotificationsEnabled: true,
		Connection: ConnectionConfig{
			MaxFrameLength:        consts.MaxFrameLength,
			ReadIdleSeconds:       int(consts.ReaderIdleTimeout / time.Second),
			WriteIdleSeconds:      int(consts.WriterIdleTimeout / time.Second),
			ConnectTimeoutSeconds: int(consts.ConnectTimeout / time.Second),
		},
		DatabasePath: filepath.Join(stateDir, "backlog.db"),
		LogLevel:     "info",
		LogPath:      filepath.Join(stateDir, appName+".log"),
	}
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads path over the defaults. A missing file yields the defaults.
// Sealed credentials stay sealed until ApplySecretsPassword.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return nil, err
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	config.fillDefaults()
	if _, err := tlsutil.ParseMinVersion(config.Server.MinTLSVersion); err != nil {
		return nil, fmt.Errorf("server.min_tls_version: %w", err)
	}
	return config, nil
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.MinTLSVersion == "" {
		c.Server.MinTLSVersion = def.Server.MinTLSVersion
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = def.Auth.Mode
	}
	if c.Connection.MaxFrameLength <= 0 {
		c.Connection.MaxFrameLength = def.Connection.MaxFrameLength
	}
	if c.Connection.ReadIdleSeconds <= 0 {
		c.Connection.ReadIdleSeconds = def.Connection.ReadIdleSeconds
	}
	if c.Connection.WriteIdleSeconds <= 0 {
		c.Connection.WriteIdleSeconds = def.Connection.WriteIdleSeconds
	}
	if c.Connection.ConnectTimeoutSeconds <= 0 {
		c.Connection.ConnectTimeoutSeconds = def.Connection.ConnectTimeoutSeconds
	}
	if c.DatabasePath == "" {
		c.DatabasePath = def.DatabasePath
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogPath == "" {
		c.LogPath = def.LogPath
	}
}

// Save writes the configuration with sealed credentials. The file is
// replaced atomically and readable by the owner only.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := c.marshalWithSealedSecrets(isYAML(path))
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (c *Config) marshalWithSealedSecrets(asYAML bool) ([]byte, error) {
	copyCfg := *c

	var err error
	if copyCfg.Auth.Key, err = sealField(c.Auth.Key, c.secretsPassword); err != nil {
		return nil, err
	}
	if copyCfg.Auth.Secret, err = sealField(c.Auth.Secret, c.secretsPassword); err != nil {
		return nil, err
	}

	if copyCfg.Secrets.PasswordSet {
		if copyCfg.Secrets.Verifier, err = secrets.NewVerifier(c.secretsPassword); err != nil {
			return nil, err
		}
	} else {
		copyCfg.Secrets.Verifier = ""
	}

	if asYAML {
		return yaml.Marshal(&copyCfg)
	}
	return json.MarshalIndent(&copyCfg, "", "  ")
}

func sealField(value, password string) (string, error) {
	if value == "" || secrets.IsSealed(value) {
		return value, nil
	}
	return secrets.Seal(value, password)
}

// ApplySecretsPassword records the active password and unseals the stored
// credentials. It fails with secrets.ErrInvalidPassword for a wrong password.
func (c *Config) ApplySecretsPassword(password string) error {
	if c.Secrets.PasswordSet {
		if err := secrets.Verify(c.Secrets.Verifier, password); err != nil {
			return err
		}
	}

	key, err := secrets.Open(c.Auth.Key, password)
	if err != nil {
		return fmt.Errorf("auth.key: %w", err)
	}
	secret, err := secrets.Open(c.Auth.Secret, password)
	if err != nil {
		return fmt.Errorf("auth.secret: %w", err)
	}

	c.Auth.Key = key
	c.Auth.Secret = secret
	c.secretsPassword = password
	return nil
}

// UpdateSecretsPassword switches the password used by the next Save.
func (c *Config) UpdateSecretsPassword(password string) {
	c.Secrets.PasswordSet = password != ""
	c.Secrets.Verifier = ""
	c.secretsPassword = password
}

// SecretsPassword returns the active secrets password (empty string by default).
func (c *Config) SecretsPassword() string {
	return c.secretsPassword
}

// NeedsPassword reports whether the file was saved with a user password.
func (c *Config) NeedsPassword() bool {
	return c.Secrets.PasswordSet
}

// HasSealedCredentials reports whether ApplySecretsPassword still has to run.
func (c *Config) HasSealedCredentials() bool {
	return secrets.IsSealed(c.Auth.Key) || secrets.IsSealed(c.Auth.Secret)
}

// SetAuthentication stores credentials received from the server.
func (c *Config) SetAuthentication(mode, key, secret string) {
	if mode == "" {
		mode = consts.DefaultAuthMode
	}
	c.Auth = AuthConfig{Mode: mode, Key: key, Secret: secret}
}

// HasAuthentication reports whether a complete key/secret pair is stored.
func (c *Config) HasAuthentication() bool {
	return c.Auth.Key != "" && c.Auth.Secret != "" && !c.HasSealedCredentials()
}

// Authenticator builds the session authenticator for the stored
// credentials.
func (c *Config) Authenticator() (session.Authenticator, error) {
	if c.HasSealedCredentials() {
		return nil, errors.New("credentials are still sealed")
	}
	return session.NewAuthenticator(c.Auth.Mode, c.Auth.Key, c.Auth.Secret)
}

// HasValidServerSettings reports whether host and port name a usable
// endpoint.
func (c *Config) HasValidServerSettings() bool {
	return strings.TrimSpace(c.Server.Host) != "" && c.Server.Port > 0 && c.Server.Port <= 65535
}

func (c *Config) Endpoint() session.Endpoint {
	return session.Endpoint{Host: strings.TrimSpace(c.Server.Host), Port: c.Server.Port}
}

// ConnOptions translates the connection settings for conn.NewManager.
func (c *Config) ConnOptions() (conn.Options, error) {
	minVersion, err := tlsutil.ParseMinVersion(c.Server.MinTLSVersion)
	if err != nil {
		return conn.Options{}, err
	}

	opts := conn.Options{
		MinVersion:     minVersion,
		ProxyURL:       c.Server.ProxyURL,
		MaxFrameLength: c.Connection.MaxFrameLength,
		ReadIdle:       time.Duration(c.Connection.ReadIdleSeconds) * time.Second,
		WriteIdle:      time.Duration(c.Connection.WriteIdleSeconds) * time.Second,
		ConnectTimeout: time.Duration(c.Connection.ConnectTimeoutSeconds) * time.Second,
	}
	if c.Server.CAFile != "" {
		pool, err := tlsutil.LoadCertPool(c.Server.CAFile)
		if err != nil {
			return conn.Options{}, fmt.Errorf("server.ca_file: %w", err)
		}
		opts.RootCAs = pool
	}
	return opts, nil
}
