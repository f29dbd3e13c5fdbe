// Package config loads server settings from the environment and an optional
// config file using Viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const EnvPrefix = "PRESENCE"

var ErrInvalidConfig = errors.New("invalid configuration")

type Configuration struct {
	ListenAddr string `mapstructure:"listen_addr"`
	BaseURL    string `mapstructure:"base_url"`
	LogLevel   string `mapstructure:"log_level"`

	Zoom       ZoomSettings       `mapstructure:"zoom"`
	Webhook    WebhookSettings    `mapstructure:"webhook"`
	Broadcast  BroadcastSettings  `mapstructure:"broadcast"`
	Presence   PresenceSettings   `mapstructure:"presence"`
	Calls      CallSettings       `mapstructure:"calls"`
	Database   DatabaseSettings   `mapstructure:"database"`
	Forwarding ForwardingSettings `mapstructure:"forwarding"`
	Tasks      struct {
		// Token authorizes the maintenance task endpoints. Empty disables them.
		Token string `mapstructure:"token"`
	} `mapstructure:"tasks"`
}

type ZoomSettings struct {
	AccountID      string        `mapstructure:"account_id"`
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	TokenURL       string        `mapstructure:"token_url"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	PageSize       int           `mapstructure:"page_size"`
	DetailCacheTTL time.Duration `mapstructure:"detail_cache_ttl"`
}

type WebhookSettings struct {
	SecretToken string `mapstructure:"secret_token"`
	// RequireSecret makes a missing secret a startup error
	RequireSecret bool          `mapstructure:"require_secret"`
	MaxSkew       time.Duration `mapstructure:"max_skew"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
}

type BroadcastSettings struct {
	Heartbeat  time.Duration `mapstructure:"heartbeat"`
	Lifetime   time.Duration `mapstructure:"lifetime"`
	BufferSize int           `mapstructure:"buffer_size"`
}

type PresenceSettings struct {
	BatchSize      int           `mapstructure:"batch_size"`
	WriteInterval  time.Duration `mapstructure:"write_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
	FlushTimeout   time.Duration `mapstructure:"flush_timeout"`
}

type CallSettings struct {
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type DatabaseSettings struct {
	URL               string        `mapstructure:"url"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Host              string        `mapstructure:"host"`
	DB                string        `mapstructure:"db"`
	SSLMode           string        `mapstructure:"sslmode"`
	AutoMigrate       bool          `mapstructure:"auto_migrate"`
	RetentionDays     int           `mapstructure:"retention_days"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
}

type ForwardingSettings struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
	Format      string `mapstructure:"format"`
	Embedded    struct {
		Enabled    bool         `mapstructure:"enabled"`
		ListenAddr string       `mapstructure:"listen_addr"`
		Users      []BrokerUser `mapstructure:"users"`
	} `mapstructure:"embedded"`
}

// BrokerUser is a login for the embedded broker. Generate with webhooksig -broker-password.
type BrokerUser struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Salt         string `mapstructure:"salt"`
}

var defaults = map[string]any{
	"listen_addr": ":8080",
	"base_url":    "",
	"log_level":   "info",

	"zoom.account_id":       "",
	"zoom.client_id":        "",
	"zoom.client_secret":    "",
	"zoom.token_url":        "https://zoom.us/oauth/token",
	"zoom.api_base_url":     "https://api.zoom.us/v2",
	"zoom.request_timeout":  "15s",
	"zoom.rate_limit":       10.0,
	"zoom.rate_burst":       20,
	"zoom.page_size":        300,
	"zoom.detail_cache_ttl": "30s",

	"webhook.secret_token":   "",
	"webhook.require_secret": true,
	"webhook.max_skew":       "0s",
	"webhook.max_body_bytes": 1 << 20,

	"broadcast.heartbeat":   "2500ms",
	"broadcast.lifetime":    "55s",
	"broadcast.buffer_size": 64,

	"presence.batch_size":      10,
	"presence.write_interval":  "2s",
	"presence.stale_after":     "24h",
	"presence.sweep_interval":  "1h",
	"presence.reload_interval": "0s",
	"presence.flush_timeout":   "10s",

	"calls.stale_after":    "30m",
	"calls.sweep_interval": "1m",

	"database.url":                "",
	"database.user":               "",
	"database.password":           "",
	"database.host":               "",
	"database.db":                 "",
	"database.sslmode":            "disable",
	"database.auto_migrate":       true,
	"database.retention_days":     30,
	"database.retention_interval": "6h",
	"database.operation_timeout":  "5s",

	"forwarding.enabled":              false,
	"forwarding.broker":               "",
	"forwarding.client_id":            "phone-presence",
	"forwarding.username":             "",
	"forwarding.password":             "",
	"forwarding.topic_prefix":         "presence",
	"forwarding.qos":                  0,
	"forwarding.format":               "json",
	"forwarding.embedded.enabled":     false,
	"forwarding.embedded.listen_addr": ":1883",

	"tasks.token": "",
}

// Variable names used by earlier deployments.
var aliases = map[string]string{
	"zoom.client_id":       "ZOOM_API_KEY",
	"zoom.client_secret":   "ZOOM_API_SECRET",
	"zoom.account_id":      "ZOOM_ACCOUNT_ID",
	"webhook.secret_token": "ZOOM_WEBHOOK_SECRET_TOKEN",
	"database.url":         "DATABASE_URL",
}

// Loader reads configuration and watches the config file for changes.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader prepares a loader. path may be empty, in which case config.yaml
// is looked up in the working directory and /etc/phone-presence.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/phone-presence")
	}
	return &Loader{v: v, path: path}
}

// Load reads the config file, if any, and returns the validated configuration.
func (l *Loader) Load() (*Configuration, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || l.path != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Configuration, error) {
	var cfg Configuration
	err := l.v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFile returns the file the configuration was read from, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// OnChange watches the config file and calls fn with the re-read
// configuration after each change. Invalid edits are logged and skipped.
func (l *Loader) OnChange(fn func(*Configuration)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			slog.Error("ignoring config change", "file", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "file", e.Name)
		fn(cfg)
	})
	l.v.WatchConfig()
}

// preview shows the first characters of a secret and its length.
func preview(s string) string {
	if s == "" {
		return "NOT SET"
	}
	if len(s) <= 4 {
		return fmt.Sprintf("...(%d chars)", len(s))
	}
	return fmt.Sprintf("%s...(%d chars)", s[:4], len(s))
}

// Summary reports which credentials are present without exposing them.
func (c *Configuration) Summary() map[string]any {
	return map[string]any{
		"hasZoomClientId":      c.Zoom.ClientID != "",
		"hasZoomClientSecret":  c.Zoom.ClientSecret != "",
		"hasZoomAccountId":     c.Zoom.AccountID != "",
		"hasWebhookSecret":     c.Webhook.SecretToken != "",
		"hasDatabase":          c.Database.DSN() != "",
		"zoomClientIdPreview":  preview(c.Zoom.ClientID),
		"zoomAccountIdPreview": preview(c.Zoom.AccountID),
		"forwardingEnabled":    c.Forwarding.Enabled,
		"logLevel":             c.LogLevel,
	}
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Configuration, error) {
	return NewLoader(path).Load()
}

// Validate reports missing required settings.
func (c *Configuration) Validate() error {
	var problems []string
	if c.Zoom.AccountID == "" || c.Zoom.ClientID == "" || c.Zoom.ClientSecret == "" {
		problems = append(problems, "zoom.account_id, zoom.client_id and zoom.client_secret are required")
	}
	if c.Webhook.RequireSecret && c.Webhook.SecretToken == "" {
		problems = append(problems, "webhook.secret_token is required unless webhook.require_secret is false")
	}
	if c.Forwarding.Enabled && !c.Forwarding.Embedded.Enabled && c.Forwarding.Broker == "" {
		problems = append(problems, "forwarding.broker is required when forwarding is enabled without the embedded broker")
	}
	if c.Forwarding.QoS > 2 {
		problems = append(problems, "forwarding.qos must be 0, 1 or 2")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// DSN returns the PostgreSQL connection string, or "" when no database is
// configured.
func (d DatabaseSettings) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	if d.Host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   d.Host,
		Path:   "/" + d.DB,
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// Retention is the age after which durable rows are purged. Zero disables purging.
func (d DatabaseSettings) Retention() time.Duration {
	if d.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(d.RetentionDays) * 24 * time.Hour
}

// ParseLevel maps a log level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
	}
	return lvl, nil
}
