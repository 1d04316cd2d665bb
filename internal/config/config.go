// Package config loads and validates gateway configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/telquery/simgate/internal/simquery"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig            `mapstructure:"server"`
	Target     TargetConfig            `mapstructure:"target"`
	Session    SessionConfig           `mapstructure:"session"`
	HTTP       HTTPConfig              `mapstructure:"http"`
	Automation AutomationConfig        `mapstructure:"automation"`
	Cache      CacheConfig             `mapstructure:"cache"`
	Failures   FailuresConfig          `mapstructure:"failures"`
	Markers    MarkersConfig           `mapstructure:"markers"`
	Selectors  []simquery.FieldSelector `mapstructure:"selectors"`
	Logging    LoggingConfig           `mapstructure:"logging"`
}

// ServerConfig controls the inbound HTTP surface.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	RatePerMinute  int `mapstructure:"rate_per_minute"`
	RateBurst      int `mapstructure:"rate_burst"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// TargetConfig describes the legacy CRM site. The outbound contract is fixed
// by that site and must be matched exactly.
type TargetConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	LoginPath     string `mapstructure:"login_path"`
	QueryPath     string `mapstructure:"query_path"`
	QueryParam    string `mapstructure:"query_param"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	SessionCookie string `mapstructure:"session_cookie"`
	Encoding      string `mapstructure:"encoding"`
	UserAgent     string `mapstructure:"user_agent"`
	AcceptLang    string `mapstructure:"accept_language"`
}

// SessionConfig governs session lifetime and login behavior.
type SessionConfig struct {
	TTLMinutes          int `mapstructure:"ttl_minutes"`
	LoginRetries        int `mapstructure:"login_retries"`
	LoginTimeoutSeconds int `mapstructure:"login_timeout_seconds"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
}

// HTTPConfig configures the lightweight HTTP-mode fetcher.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
}

// AutomationConfig configures the browser-automation fetcher.
type AutomationConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	ReadySelector     string `mapstructure:"ready_selector"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	WaitSeconds       int    `mapstructure:"wait_seconds"`
	SettleDelayMs     int    `mapstructure:"settle_delay_ms"`
	QueueDepth        int    `mapstructure:"queue_depth"`
}

// CacheConfig bounds the result cache.
type CacheConfig struct {
	TTLHours   int `mapstructure:"ttl_hours"`
	MaxEntries int `mapstructure:"max_entries"`
}

// FailuresConfig controls the per-identifier deny rule.
type FailuresConfig struct {
	Threshold int `mapstructure:"threshold"`
}

// MarkersConfig holds the fixed marker substrings used to classify pages in
// the target site's language. They are configuration because they change
// whenever the upstream site does.
type MarkersConfig struct {
	LoginRequired []string `mapstructure:"login_required"`
	LoginFailed   []string `mapstructure:"login_failed"`
	NoData        []string `mapstructure:"no_data"`
}

// LoggingConfig toggles zap development features and optional file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SIMGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 10000)
	v.SetDefault("server.rate_per_minute", 15)
	v.SetDefault("server.rate_burst", 15)
	v.SetDefault("server.timeout_seconds", 180)
	v.SetDefault("target.login_path", "/crm/index.html")
	v.SetDefault("target.query_path", "/crm/prepaid_enquiry_action_load.jsp")
	v.SetDefault("target.query_param", "dat")
	v.SetDefault("target.session_cookie", "JSESSIONID")
	v.SetDefault("target.encoding", "big5")
	v.SetDefault("target.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/91.0.4472.124")
	v.SetDefault("target.accept_language", "zh-TW,zh-CN;q=0.9")
	v.SetDefault("session.ttl_minutes", 25)
	v.SetDefault("session.login_retries", 2)
	v.SetDefault("session.login_timeout_seconds", 60)
	v.SetDefault("session.poll_interval_seconds", 10)
	v.SetDefault("http.timeout_seconds", 3)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_initial_ms", 2000)
	v.SetDefault("automation.enabled", true)
	v.SetDefault("automation.ready_selector", "#displayBill div div table")
	v.SetDefault("automation.nav_timeout_seconds", 10)
	v.SetDefault("automation.wait_seconds", 60)
	v.SetDefault("automation.settle_delay_ms", 1000)
	v.SetDefault("automation.queue_depth", 32)
	v.SetDefault("cache.ttl_hours", 4)
	v.SetDefault("cache.max_entries", 2000)
	v.SetDefault("failures.threshold", 3)
	v.SetDefault("markers.login_required", []string{"請登錄", "未授權"})
	v.SetDefault("markers.login_failed", []string{"無效", "錯誤"})
	v.SetDefault("markers.no_data", []string{"無數據", "查無資料", "No data found"})
	v.SetDefault("selectors", defaultSelectors())
	v.SetDefault("logging.development", true)
}

// defaultSelectors is the nested-table field map observed on the current
// revision of the CRM's query page.
func defaultSelectors() []map[string]string {
	return []map[string]string{
		{"field": simquery.FieldCardType, "selector": "#displayBill div div table:nth-of-type(1) > tbody > tr:nth-child(2) > td:nth-child(1) > div"},
		{"field": simquery.FieldLocation, "selector": "#displayBill div div table:nth-of-type(3) > tbody > tr:nth-child(3) > td:nth-child(1) > div"},
		{"field": simquery.FieldStatus, "selector": "#displayBill div div table:nth-of-type(3) > tbody > tr:nth-child(3) > td:nth-child(3) > div"},
		{"field": simquery.FieldActivationTime, "selector": "#displayBill div div table:nth-of-type(3) > tbody > tr:nth-child(3) > td:nth-child(4) > div"},
		{"field": simquery.FieldCancellationTime, "selector": "#displayBill div div table:nth-of-type(3) > tbody > tr:nth-child(3) > td:nth-child(5) > div"},
		{"field": simquery.FieldUsageMB, "selector": "#displayBill div div table:nth-of-type(3) > tbody > tr:nth-child(3) > td:nth-child(12) > div", "default": "0"},
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RatePerMinute <= 0 {
		return fmt.Errorf("server.rate_per_minute must be > 0")
	}
	if c.Target.BaseURL == "" {
		return fmt.Errorf("target.base_url must be set")
	}
	if _, err := url.Parse(c.Target.BaseURL); err != nil {
		return fmt.Errorf("target.base_url is not a valid URL: %w", err)
	}
	if c.Target.Username == "" || c.Target.Password == "" {
		return fmt.Errorf("target.username and target.password must be set")
	}
	if c.Target.SessionCookie == "" {
		return fmt.Errorf("target.session_cookie must be set")
	}
	if c.Session.TTLMinutes <= 0 {
		return fmt.Errorf("session.ttl_minutes must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	if c.Automation.Enabled && c.Automation.ReadySelector == "" {
		return fmt.Errorf("automation.ready_selector must be set when automation is enabled")
	}
	if c.Cache.TTLHours <= 0 {
		return fmt.Errorf("cache.ttl_hours must be > 0")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be > 0")
	}
	if c.Failures.Threshold <= 0 {
		return fmt.Errorf("failures.threshold must be > 0")
	}
	if len(c.Selectors) == 0 {
		return fmt.Errorf("selectors must include at least one field")
	}
	for i, fs := range c.Selectors {
		if fs.Field == "" || fs.Selector == "" {
			return fmt.Errorf("selectors[%d] must set both field and selector", i)
		}
	}
	return nil
}

// LoginURL is the full URL of the CRM login page.
func (c Config) LoginURL() string {
	return strings.TrimRight(c.Target.BaseURL, "/") + c.Target.LoginPath
}

// QueryURL is the full URL of the CRM query endpoint, without parameters.
func (c Config) QueryURL() string {
	return strings.TrimRight(c.Target.BaseURL, "/") + c.Target.QueryPath
}

// CookieDomain is the host the session cookie is scoped to.
func (c Config) CookieDomain() string {
	u, err := url.Parse(c.Target.BaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// SessionTTL converts the configured minutes into a duration.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMinutes) * time.Minute
}

// CacheTTL converts the configured hours into a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}
