package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the Dialcast engine.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	// Telephony control plane (ARI).
	ARIURL      string
	ARIUsername string
	ARIPassword string
	ARIApp      string

	// Text-to-speech service endpoint.
	TTSURL string

	// Primary data store (PostgreSQL).
	DBHost     string
	DBPort     int
	DBUsername string
	DBPassword string
	DBDatabase string

	// HTTP listener for the dashboard websocket and metrics.
	HTTPPort int

	// Auth secrets. JWTSecret signs dashboard socket tokens.
	JWTSecret         string
	InternalAPISecret string

	// Outbound trunks, tried in order by the call executor.
	Trunks []string

	// CallerID presented on outbound legs.
	CallerID string

	LogLevel  string
	LogFormat string
}

// defaults
const (
	defaultHTTPPort  = 3000
	defaultARIApp    = "dialcast"
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("dialcast", flag.ContinueOnError)

	fs.StringVar(&cfg.ARIURL, "ari-url", "", "base URL of the telephony control plane (e.g. http://asterisk:8088/ari)")
	fs.StringVar(&cfg.ARIUsername, "ari-username", "", "ARI username")
	fs.StringVar(&cfg.ARIPassword, "ari-password", "", "ARI password")
	fs.StringVar(&cfg.ARIApp, "ari-app", defaultARIApp, "Stasis application name registered on the event stream")
	fs.StringVar(&cfg.TTSURL, "tts-url", "", "text-to-speech service endpoint")
	fs.StringVar(&cfg.DBHost, "db-host", "localhost", "PostgreSQL host")
	fs.IntVar(&cfg.DBPort, "db-port", 5432, "PostgreSQL port")
	fs.StringVar(&cfg.DBUsername, "db-username", "", "PostgreSQL user")
	fs.StringVar(&cfg.DBPassword, "db-password", "", "PostgreSQL password")
	fs.StringVar(&cfg.DBDatabase, "db-database", "", "PostgreSQL database name")
	fs.IntVar(&cfg.HTTPPort, "port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "secret for dashboard socket token verification")
	fs.StringVar(&cfg.InternalAPISecret, "internal-api-secret", "", "shared secret for internal API calls")
	trunks := fs.String("trunks", "trunk1,trunk2,trunk3,trunk4", "comma-separated ordered list of outbound trunk names")
	fs.StringVar(&cfg.CallerID, "caller-id", "", "caller id presented on outbound calls")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg, trunks)

	cfg.Trunks = splitTrunks(*trunks)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. Each variable is looked up with
// the DIALCAST_ prefix first, then under its legacy deployment name.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, trunks *string) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"ari-url":             "ARI_URL",
		"ari-username":        "ARI_USERNAME",
		"ari-password":        "ARI_PASSWORD",
		"ari-app":             "ARI_APP",
		"tts-url":             "TTS_URL",
		"db-host":             "DB_HOST",
		"db-port":             "DB_PORT",
		"db-username":         "DB_USERNAME",
		"db-password":         "DB_PASSWORD",
		"db-database":         "DB_DATABASE",
		"port":                "PORT",
		"jwt-secret":          "JWT_SECRET",
		"internal-api-secret": "INTERNAL_API_SECRET",
		"trunks":              "TRUNKS",
		"caller-id":           "CALLER_ID",
		"log-level":           "LOG_LEVEL",
		"log-format":          "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv("DIALCAST_" + envVar)
		if !ok || val == "" {
			val, ok = os.LookupEnv(envVar)
		}
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "ari-url":
			cfg.ARIURL = val
		case "ari-username":
			cfg.ARIUsername = val
		case "ari-password":
			cfg.ARIPassword = val
		case "ari-app":
			cfg.ARIApp = val
		case "tts-url":
			cfg.TTSURL = val
		case "db-host":
			cfg.DBHost = val
		case "db-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DBPort = v
			}
		case "db-username":
			cfg.DBUsername = val
		case "db-password":
			cfg.DBPassword = val
		case "db-database":
			cfg.DBDatabase = val
		case "port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "jwt-secret":
			cfg.JWTSecret = val
		case "internal-api-secret":
			cfg.InternalAPISecret = val
		case "trunks":
			*trunks = val
		case "caller-id":
			cfg.CallerID = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

func splitTrunks(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// validate checks that the config values are sane. A missing required value
// aborts process startup.
func (c *Config) validate() error {
	if c.ARIURL == "" {
		return fmt.Errorf("ARI_URL is required")
	}
	if c.ARIUsername == "" {
		return fmt.Errorf("ARI_USERNAME is required")
	}
	if c.ARIPassword == "" {
		return fmt.Errorf("ARI_PASSWORD is required")
	}
	if c.TTSURL == "" {
		return fmt.Errorf("TTS_URL is required")
	}
	if c.DBUsername == "" || c.DBDatabase == "" {
		return fmt.Errorf("DB_USERNAME and DB_DATABASE are required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.DBPort < 1 || c.DBPort > 65535 {
		return fmt.Errorf("db-port must be between 1 and 65535, got %d", c.DBPort)
	}
	if len(c.Trunks) == 0 {
		return fmt.Errorf("at least one outbound trunk is required")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// DSN returns the PostgreSQL connection string for the primary store.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.DBUsername, c.DBPassword, c.DBHost, c.DBPort, c.DBDatabase)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
