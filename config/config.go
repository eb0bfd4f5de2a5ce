// Package config loads the service configuration from a YAML file, an
// optional .env file and the environment, in that order of precedence
// (environment wins).
package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
	Provider    ProviderConfig    `yaml:"provider"`
	OAuth       OAuthConfig       `yaml:"oauth"`
	Entitlement EntitlementConfig `yaml:"entitlement"`
	Session     SessionConfig     `yaml:"session"`
	Routes      RoutesConfig      `yaml:"routes"`
}

// HTTPConfig holds the listener address, server timeouts and CORS policy.
type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	AllowCredentials  bool          `yaml:"allow_credentials"`
}

// LogConfig sets the zerolog level and console output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ProviderConfig holds the OAuth client credentials, endpoints and API access.
type ProviderConfig struct {
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	AuthURL      string        `yaml:"auth_url"`
	TokenURL     string        `yaml:"token_url"`
	APIBaseURL   string        `yaml:"api_base_url"`
	APIKey       string        `yaml:"api_key"`
	Issuer       string        `yaml:"issuer"`
	Scopes       []string      `yaml:"scopes"`
	PKCE         bool          `yaml:"pkce"`
	Timeout      time.Duration `yaml:"timeout"`
}

// OAuthConfig holds the callback URLs and the login state lifetime.
type OAuthConfig struct {
	CallbackURL      string        `yaml:"callback_url"`
	LocalCallbackURL string        `yaml:"local_callback_url"`
	CallbackPaths    []string      `yaml:"callback_paths"`
	StateTTL         time.Duration `yaml:"state_ttl"`
}

// EntitlementConfig lists the products and plans that grant access.
type EntitlementConfig struct {
	ProductIDs []string `yaml:"product_ids"`
	PlanIDs    []string `yaml:"plan_ids"`
	// AllowPastDue defaults to true when unset.
	AllowPastDue *bool `yaml:"allow_past_due"`
}

// PastDueAllowed reports whether past_due memberships qualify.
func (c EntitlementConfig) PastDueAllowed() bool {
	return c.AllowPastDue == nil || *c.AllowPastDue
}

// SessionConfig holds the session secret, token format and transport.
type SessionConfig struct {
	Secret       string        `yaml:"secret"`
	Format       string        `yaml:"format"`
	Transport    string        `yaml:"transport"`
	TTL          time.Duration `yaml:"ttl"`
	FlagTTL      time.Duration `yaml:"flag_ttl"`
	CookieSecure *bool         `yaml:"cookie_secure"`
	CookieDomain string        `yaml:"cookie_domain"`
}

// SecureCookies reports whether cookies carry the Secure attribute. Defaults
// to true.
func (c SessionConfig) SecureCookies() bool {
	return c.CookieSecure == nil || *c.CookieSecure
}

// RoutesConfig holds the local paths the login flow redirects to.
type RoutesConfig struct {
	AccessGranted string `yaml:"access_granted"`
	NoAccess      string `yaml:"no_access"`
	Error         string `yaml:"error"`
}

const (
	DefaultAddr     = ":8080"
	DefaultAuthURL  = "https://whop.com/oauth"
	DefaultTokenURL = "https://api.whop.com/v5/oauth/token"

	// MinSecretLength is the shortest accepted session secret.
	MinSecretLength = 32
)

// LoadFromFile loads the YAML file at path (a missing file is allowed),
// applies defaults and environment overrides and validates the result.
func LoadFromFile(path string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg = applyEnv(cfg)
	cfg = applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg Config) Config {
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = DefaultAddr
	}
	if cfg.HTTP.ReadHeaderTimeout == 0 {
		cfg.HTTP.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	// With an issuer, discovery supplies the endpoints left empty.
	if cfg.Provider.Issuer == "" {
		if cfg.Provider.AuthURL == "" {
			cfg.Provider.AuthURL = DefaultAuthURL
		}
		if cfg.Provider.TokenURL == "" {
			cfg.Provider.TokenURL = DefaultTokenURL
		}
	}
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = 8 * time.Second
	}
	if cfg.OAuth.StateTTL == 0 {
		cfg.OAuth.StateTTL = time.Hour
	}
	if cfg.Session.Format == "" {
		cfg.Session.Format = "sealed"
	}
	if cfg.Session.Transport == "" {
		cfg.Session.Transport = "cookie"
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = 7 * 24 * time.Hour
	}
	if cfg.Session.FlagTTL == 0 {
		cfg.Session.FlagTTL = 30 * 24 * time.Hour
	}
	if cfg.Routes.AccessGranted == "" {
		cfg.Routes.AccessGranted = "/generate"
	}
	if cfg.Routes.NoAccess == "" {
		cfg.Routes.NoAccess = "/home"
	}
	if cfg.Routes.Error == "" {
		cfg.Routes.Error = "/oauth/error"
	}
	return cfg
}

func applyEnv(cfg Config) Config {
	if val := os.Getenv("HTTP_ADDR"); val != "" {
		cfg.HTTP.Addr = val
	}
	if val := os.Getenv("PORT"); val != "" {
		cfg.HTTP.Addr = ":" + val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("OAUTH_CLIENT_ID"); val != "" {
		cfg.Provider.ClientID = val
	}
	if val := os.Getenv("OAUTH_CLIENT_SECRET"); val != "" {
		cfg.Provider.ClientSecret = val
	}
	if val := os.Getenv("OAUTH_CALLBACK_URL"); val != "" {
		cfg.OAuth.CallbackURL = val
	}
	if val := os.Getenv("OAUTH_LOCAL_CALLBACK_URL"); val != "" {
		cfg.OAuth.LocalCallbackURL = val
	}
	if val := os.Getenv("PROVIDER_API_KEY"); val != "" {
		cfg.Provider.APIKey = val
	}
	if val := os.Getenv("PROVIDER_API_BASE_URL"); val != "" {
		cfg.Provider.APIBaseURL = val
	}
	if val := os.Getenv("PROVIDER_ISSUER"); val != "" {
		cfg.Provider.Issuer = val
	}
	if val := os.Getenv("ENTITLEMENT_PRODUCT_IDS"); val != "" {
		cfg.Entitlement.ProductIDs = splitList(val)
	}
	if val := os.Getenv("ENTITLEMENT_PLAN_IDS"); val != "" {
		cfg.Entitlement.PlanIDs = splitList(val)
	}
	if val := os.Getenv("ENTITLEMENT_ALLOW_PAST_DUE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Entitlement.AllowPastDue = &b
		}
	}
	if val := os.Getenv("SESSION_SECRET"); val != "" {
		cfg.Session.Secret = val
	}
	if val := os.Getenv("SESSION_TRANSPORT"); val != "" {
		cfg.Session.Transport = val
	}
	if val := os.Getenv("SESSION_FORMAT"); val != "" {
		cfg.Session.Format = val
	}
	if val := os.Getenv("COOKIE_SECURE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Session.CookieSecure = &b
		}
	}
	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Provider.ClientID == "" {
		errs = append(errs, errors.New("provider.client_id is required"))
	}
	if c.Provider.ClientSecret == "" {
		errs = append(errs, errors.New("provider.client_secret is required"))
	}
	for name, v := range map[string]string{
		"provider.auth_url":  c.Provider.AuthURL,
		"provider.token_url": c.Provider.TokenURL,
		"oauth.callback_url": c.OAuth.CallbackURL,
	} {
		if v == "" && c.Provider.Issuer != "" && name != "oauth.callback_url" {
			continue
		}
		if err := absoluteURL(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Provider.Issuer != "" {
		if err := absoluteURL(c.Provider.Issuer); err != nil {
			errs = append(errs, fmt.Errorf("provider.issuer: %w", err))
		}
	}
	if c.OAuth.LocalCallbackURL != "" {
		if err := absoluteURL(c.OAuth.LocalCallbackURL); err != nil {
			errs = append(errs, fmt.Errorf("oauth.local_callback_url: %w", err))
		}
	}
	for _, p := range c.OAuth.CallbackPaths {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("oauth.callback_paths: %q is not an absolute path", p))
		}
	}
	if len(c.Entitlement.ProductIDs) == 0 && len(c.Entitlement.PlanIDs) == 0 {
		errs = append(errs, errors.New("entitlement: at least one product id or plan id is required"))
	}
	if len(c.Session.Secret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("session.secret must be at least %d bytes", MinSecretLength))
	}
	switch c.Session.Format {
	case "signed", "sealed":
	default:
		errs = append(errs, fmt.Errorf("session.format: unknown format %q", c.Session.Format))
	}
	switch c.Session.Transport {
	case "cookie", "url":
	default:
		errs = append(errs, fmt.Errorf("session.transport: unknown transport %q", c.Session.Transport))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	for name, v := range map[string]string{
		"routes.access_granted": c.Routes.AccessGranted,
		"routes.no_access":      c.Routes.NoAccess,
		"routes.error":          c.Routes.Error,
	} {
		if !strings.HasPrefix(v, "/") || strings.HasPrefix(v, "//") {
			errs = append(errs, fmt.Errorf("%s: %q is not a local path", name, v))
		}
	}
	return errors.Join(errs...)
}

func absoluteURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", s)
	}
	return nil
}

// Key purposes for DeriveKey.
const (
	PurposeStateCookie = "state-cookie"
	PurposeSession     = "session"
)

// DeriveKey derives an n-byte key for purpose from the session secret with
// HKDF-SHA256.
func (c SessionConfig) DeriveKey(purpose string, n int) ([]byte, error) {
	if c.Secret == "" {
		return nil, errors.New("config: empty session secret")
	}
	key := make([]byte, n)
	r := hkdf.New(sha256.New, []byte(c.Secret), nil, []byte("accessgate "+purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("config: derive %s key: %w", purpose, err)
	}
	return key, nil
}
