// Package config loads runtime settings from the environment and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime settings for the API process.
type Config struct {
	Port       string
	HealthAddr string

	MongoURI      string
	MongoDatabase string

	// Session signing: either a single secret or kid:secret pairs with an
	// active kid used for new tokens.
	JWTSecret    string
	JWTKeys      map[string]string
	JWTActiveKid string
	TokenTTL     time.Duration
	CookieSecure bool

	VerifyCodeTTL   time.Duration
	UpstreamTimeout time.Duration

	EmailJS           EmailJS
	MailQueueURL      string
	MailRatePerMinute int

	GeminiAPIKey string
	GeminiModel  string

	LogLevel  string
	LogFormat string

	TLSCert    string
	TLSKey     string
	RequireTLS bool
}

// EmailJS holds the mail provider credentials.
type EmailJS struct {
	Endpoint   string
	ServiceID  string
	TemplateID string
	PrivateKey string
	Origin     string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("HEALTH_ADDR", ":50051")
	v.SetDefault("MONGODB_DATABASE", "anonymous_messages")
	v.SetDefault("TOKEN_TTL", "24h")
	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("VERIFY_CODE_TTL", "1h")
	v.SetDefault("UPSTREAM_TIMEOUT", "15s")
	v.SetDefault("EMAILJS_ENDPOINT", "https://api.emailjs.com/api/v1.0/email/send")
	v.SetDefault("EMAILJS_ORIGIN", "http://localhost")
	v.SetDefault("MAIL_RATE_PER_MINUTE", 60)
	v.SetDefault("GEMINI_MODEL", "gemini-2.0-flash")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("REQUIRE_TLS", false)
}

// Load reads configuration. Values come from defaults, then the file named by
// CONFIG_FILE (if any), then the environment. Missing credentials are
// reported together in a single error.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	keys, err := parseKeys(v.GetString("JWT_KEYS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:          v.GetString("PORT"),
		HealthAddr:    v.GetString("HEALTH_ADDR"),
		MongoURI:      v.GetString("MONGODB_URI"),
		MongoDatabase: v.GetString("MONGODB_DATABASE"),
		JWTSecret:     v.GetString("JWT_SECRET"),
		JWTKeys:       keys,
		JWTActiveKid:  v.GetString("JWT_ACTIVE_KID"),
		TokenTTL:      v.GetDuration("TOKEN_TTL"),
		CookieSecure:  v.GetBool("COOKIE_SECURE"),

		VerifyCodeTTL:   v.GetDuration("VERIFY_CODE_TTL"),
		UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),

		EmailJS: EmailJS{
			Endpoint:   v.GetString("EMAILJS_ENDPOINT"),
			ServiceID:  v.GetString("EMAILJS_SERVICE_ID"),
			TemplateID: v.GetString("EMAILJS_TEMPLATE_ID"),
			PrivateKey: v.GetString("EMAILJS_PRIVATE_KEY"),
			Origin:     v.GetString("EMAILJS_ORIGIN"),
		},
		MailQueueURL:      v.GetString("MAIL_QUEUE_URL"),
		MailRatePerMinute: v.GetInt("MAIL_RATE_PER_MINUTE"),

		GeminiAPIKey: v.GetString("GEMINI_API_KEY"),
		GeminiModel:  v.GetString("GEMINI_MODEL"),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),

		TLSCert:    v.GetString("TLS_CERT"),
		TLSKey:     v.GetString("TLS_KEY"),
		RequireTLS: v.GetBool("REQUIRE_TLS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	req := func(key, val string) {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, key)
		}
	}
	req("MONGODB_URI", c.MongoURI)
	if c.JWTSecret == "" && len(c.JWTKeys) == 0 {
		missing = append(missing, "JWT_SECRET or JWT_KEYS")
	}
	req("EMAILJS_SERVICE_ID", c.EmailJS.ServiceID)
	req("EMAILJS_TEMPLATE_ID", c.EmailJS.TemplateID)
	req("EMAILJS_PRIVATE_KEY", c.EmailJS.PrivateKey)
	req("GEMINI_API_KEY", c.GeminiAPIKey)

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", ")))
	}
	if len(c.JWTKeys) > 0 {
		if _, ok := c.JWTKeys[c.JWTActiveKid]; !ok {
			errs = append(errs, fmt.Errorf("JWT_ACTIVE_KID %q is not one of JWT_KEYS", c.JWTActiveKid))
		}
	}
	if c.TokenTTL <= 0 || c.VerifyCodeTTL <= 0 || c.UpstreamTimeout <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL, VERIFY_CODE_TTL and UPSTREAM_TIMEOUT must be positive"))
	}
	if c.RequireTLS && (c.TLSCert == "" || c.TLSKey == "") {
		errs = append(errs, errors.New("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured"))
	}
	return errors.Join(errs...)
}

// parseKeys parses JWT_KEYS in the form kid:secret,kid2:secret2.
func parseKeys(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	keys := map[string]string{}
	for _, p := range strings.Split(raw, ",") {
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid JWT_KEYS entry: %s", p)
		}
		keys[parts[0]] = parts[1]
	}
	return keys, nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Port, ":")
}
