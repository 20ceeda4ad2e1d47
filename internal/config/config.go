package config

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr string

	BackendBaseURL     string
	BackendAPIKey      string
	BackendTimeoutSec  int
	BackendAdminPrefix string
	BackendUserPrefix  string
	PublicAssetBaseURL string

	DBDriver          string
	DBDSN             string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	SessionCookieName  string
	SessionTTLHours    int
	SessionIdleHours   int
	SessionEncryptKey  string
	CSRFCookieName     string
	CookieSecureMode   string
	TrustProxy         bool
	CORSAllowedOrigins []string

	ProfileCacheTTLSec int
	ProfileCacheSize   int

	IngestPollIntervalMS int
	IngestPollTimeoutSec int

	CaptchaEnabled   bool
	CaptchaProvider  string
	CaptchaSiteKey   string
	CaptchaVerifyURL string
	CaptchaSecret    string

	MetricsEnabled bool

	LogLevel  string
	LogFormat string
	LogFile   string

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int
}

const defaultSessionKey = "CHANGE_ME_PRODUCTION_SESSION_KEY"

var defaults = map[string]any{
	"LISTEN_ADDR":                  ":8080",
	"BACKEND_BASE_URL":             "",
	"BACKEND_API_KEY":              "",
	"BACKEND_TIMEOUT_SEC":          30,
	"BACKEND_ADMIN_PREFIX":         "/admin",
	"BACKEND_USER_PREFIX":          "/user",
	"PUBLIC_ASSET_BASE_URL":        "",
	"DB_DRIVER":                    "sqlite",
	"DB_DSN":                       "",
	"APP_DB_PATH":                  "./data/threatdash.db",
	"DB_MAX_OPEN_CONNS":            4,
	"DB_MAX_IDLE_CONNS":            2,
	"DB_CONN_MAX_LIFETIME_MIN":     30,
	"SESSION_COOKIE_NAME":          "threatdash_session",
	"SESSION_TTL_HOURS":            168,
	"SESSION_IDLE_HOURS":           168,
	"SESSION_ENCRYPT_KEY":          defaultSessionKey,
	"CSRF_COOKIE_NAME":             "threatdash_csrf",
	"COOKIE_SECURE_MODE":           "",
	"COOKIE_SECURE":                "",
	"TRUST_PROXY":                  false,
	"CORS_ALLOWED_ORIGINS":         "",
	"PROFILE_CACHE_TTL_SEC":        60,
	"PROFILE_CACHE_SIZE":           1024,
	"INGEST_POLL_INTERVAL_MS":      1000,
	"INGEST_POLL_TIMEOUT_SEC":      15,
	"CAPTCHA_ENABLED":              false,
	"CAPTCHA_PROVIDER":             "turnstile",
	"CAPTCHA_SITE_KEY":             "",
	"CAPTCHA_VERIFY_URL":           "",
	"CAPTCHA_SECRET":               "",
	"METRICS_ENABLED":              true,
	"LOG_LEVEL":                    "info",
	"LOG_FORMAT":                   "json",
	"LOG_FILE":                     "",
	"HTTP_READ_TIMEOUT_SEC":        10,
	"HTTP_READ_HEADER_TIMEOUT_SEC": 5,
	"HTTP_WRITE_TIMEOUT_SEC":       45,
	"HTTP_IDLE_TIMEOUT_SEC":        60,
}

// Load reads configuration from the environment, overlaid on the YAML file
// named by THREATDASH_CONFIG when it is set.
func Load() (Config, error) {
	return LoadFile(os.Getenv("THREATDASH_CONFIG"))
}

// LoadFile is Load with an explicit config file. Environment variables win
// over file values.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		ListenAddr:               v.GetString("LISTEN_ADDR"),
		BackendBaseURL:           strings.TrimRight(strings.TrimSpace(v.GetString("BACKEND_BASE_URL")), "/"),
		BackendAPIKey:            strings.TrimSpace(v.GetString("BACKEND_API_KEY")),
		BackendTimeoutSec:        v.GetInt("BACKEND_TIMEOUT_SEC"),
		BackendAdminPrefix:       normalizePrefix(v.GetString("BACKEND_ADMIN_PREFIX")),
		BackendUserPrefix:        normalizePrefix(v.GetString("BACKEND_USER_PREFIX")),
		PublicAssetBaseURL:       strings.TrimRight(strings.TrimSpace(v.GetString("PUBLIC_ASSET_BASE_URL")), "/"),
		DBDriver:                 strings.ToLower(strings.TrimSpace(v.GetString("DB_DRIVER"))),
		DBDSN:                    strings.TrimSpace(v.GetString("DB_DSN")),
		DBMaxOpenConns:           v.GetInt("DB_MAX_OPEN_CONNS"),
		DBMaxIdleConns:           v.GetInt("DB_MAX_IDLE_CONNS"),
		DBConnMaxLifetime:        time.Duration(v.GetInt("DB_CONN_MAX_LIFETIME_MIN")) * time.Minute,
		SessionCookieName:        v.GetString("SESSION_COOKIE_NAME"),
		SessionTTLHours:          v.GetInt("SESSION_TTL_HOURS"),
		SessionIdleHours:         v.GetInt("SESSION_IDLE_HOURS"),
		SessionEncryptKey:        v.GetString("SESSION_ENCRYPT_KEY"),
		CSRFCookieName:           v.GetString("CSRF_COOKIE_NAME"),
		CookieSecureMode:         strings.ToLower(strings.TrimSpace(v.GetString("COOKIE_SECURE_MODE"))),
		TrustProxy:               v.GetBool("TRUST_PROXY"),
		CORSAllowedOrigins:       splitCSV(v.GetString("CORS_ALLOWED_ORIGINS")),
		ProfileCacheTTLSec:       v.GetInt("PROFILE_CACHE_TTL_SEC"),
		ProfileCacheSize:         v.GetInt("PROFILE_CACHE_SIZE"),
		IngestPollIntervalMS:     v.GetInt("INGEST_POLL_INTERVAL_MS"),
		IngestPollTimeoutSec:     v.GetInt("INGEST_POLL_TIMEOUT_SEC"),
		CaptchaEnabled:           v.GetBool("CAPTCHA_ENABLED"),
		CaptchaProvider:          strings.ToLower(v.GetString("CAPTCHA_PROVIDER")),
		CaptchaSiteKey:           v.GetString("CAPTCHA_SITE_KEY"),
		CaptchaVerifyURL:         v.GetString("CAPTCHA_VERIFY_URL"),
		CaptchaSecret:            v.GetString("CAPTCHA_SECRET"),
		MetricsEnabled:           v.GetBool("METRICS_ENABLED"),
		LogLevel:                 v.GetString("LOG_LEVEL"),
		LogFormat:                v.GetString("LOG_FORMAT"),
		LogFile:                  v.GetString("LOG_FILE"),
		HTTPReadTimeoutSec:       v.GetInt("HTTP_READ_TIMEOUT_SEC"),
		HTTPReadHeaderTimeoutSec: v.GetInt("HTTP_READ_HEADER_TIMEOUT_SEC"),
		HTTPWriteTimeoutSec:      v.GetInt("HTTP_WRITE_TIMEOUT_SEC"),
		HTTPIdleTimeoutSec:       v.GetInt("HTTP_IDLE_TIMEOUT_SEC"),
	}

	// COOKIE_SECURE is the older boolean spelling.
	if cfg.CookieSecureMode == "" {
		switch strings.ToLower(strings.TrimSpace(v.GetString("COOKIE_SECURE"))) {
		case "true", "1":
			cfg.CookieSecureMode = "always"
		case "false", "0":
			cfg.CookieSecureMode = "never"
		default:
			cfg.CookieSecureMode = "auto"
		}
	}
	if cfg.DBDSN == "" && cfg.DBDriver == "sqlite" {
		cfg.DBDSN = v.GetString("APP_DB_PATH")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BackendBaseURL == "" {
		return fmt.Errorf("BACKEND_BASE_URL is required")
	}
	u, err := url.Parse(c.BackendBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("BACKEND_BASE_URL must be an absolute http(s) URL")
	}
	if c.BackendTimeoutSec <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT_SEC must be positive")
	}
	if c.SessionTTLHours <= 0 || c.SessionIdleHours <= 0 {
		return fmt.Errorf("session lifetimes must be positive")
	}
	if c.DBMaxOpenConns <= 0 || c.DBMaxIdleConns < 0 {
		return fmt.Errorf("invalid DB pool config")
	}
	switch c.DBDriver {
	case "sqlite", "pgx", "mysql":
	default:
		return fmt.Errorf("DB_DRIVER must be one of: sqlite, pgx, mysql")
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN is required for DB_DRIVER=%s", c.DBDriver)
	}
	switch c.CookieSecureMode {
	case "always", "never", "auto":
	default:
		return fmt.Errorf("COOKIE_SECURE_MODE must be one of: always, never, auto")
	}
	if strings.TrimSpace(c.SessionEncryptKey) == "" ||
		c.SessionEncryptKey == defaultSessionKey ||
		len(c.SessionEncryptKey) < 24 {
		return fmt.Errorf("SESSION_ENCRYPT_KEY must be set to a strong non-default value (>=24 chars)")
	}
	if c.CookieSecureMode == "never" && !isLocalListen(c.ListenAddr) {
		return fmt.Errorf("COOKIE_SECURE_MODE=never is allowed only for local listen addresses")
	}
	if c.ProfileCacheSize <= 0 || c.ProfileCacheTTLSec <= 0 {
		return fmt.Errorf("profile cache size and ttl must be positive")
	}
	if c.IngestPollIntervalMS <= 0 || c.IngestPollTimeoutSec < 0 {
		return fmt.Errorf("invalid ingest poll settings")
	}
	if c.CaptchaEnabled {
		if strings.TrimSpace(c.CaptchaSecret) == "" {
			return fmt.Errorf("CAPTCHA_SECRET is required when CAPTCHA_ENABLED=true")
		}
		if strings.TrimSpace(c.CaptchaVerifyURL) == "" {
			switch c.CaptchaProvider {
			case "turnstile", "":
				c.CaptchaVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
			case "hcaptcha":
				c.CaptchaVerifyURL = "https://hcaptcha.com/siteverify"
			default:
				return fmt.Errorf("unsupported CAPTCHA_PROVIDER: %s", c.CaptchaProvider)
			}
		}
	}
	return nil
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

func (c Config) SessionIdle() time.Duration {
	return time.Duration(c.SessionIdleHours) * time.Hour
}

func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSec) * time.Second
}

func (c Config) ProfileCacheTTL() time.Duration {
	return time.Duration(c.ProfileCacheTTLSec) * time.Second
}

func (c Config) IngestPollInterval() time.Duration {
	return time.Duration(c.IngestPollIntervalMS) * time.Millisecond
}

func (c Config) IngestPollTimeout() time.Duration {
	return time.Duration(c.IngestPollTimeoutSec) * time.Second
}

// ResolveCookieSecure decides the Secure attribute for cookies set on r.
func (c Config) ResolveCookieSecure(r *http.Request) bool {
	switch c.CookieSecureMode {
	case "always":
		return true
	case "never":
		return false
	}
	if r.TLS != nil {
		return true
	}
	if c.TrustProxy && strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
		return true
	}
	return false
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isLocalListen(addr string) bool {
	a := strings.ToLower(strings.TrimSpace(addr))
	return strings.Contains(a, "127.0.0.1") || strings.Contains(a, "localhost") || strings.Contains(a, "[::1]") || strings.HasPrefix(a, ":")
}
