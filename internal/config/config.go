package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultAuthPath is appended to the API base URL when no explicit channel
// auth endpoint is configured.
const DefaultAuthPath = "/broadcasting/auth"

// Config holds all application configuration
type Config struct {
	// Realtime broker configuration
	Realtime RealtimeConfig

	// Identity the relay listens for
	Viewer ViewerConfig

	// Relay HTTP server configuration
	Server ServerConfig

	// JWT configuration
	JWT JWTConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// WebSocket relay configuration
	WebSocket WebSocketConfig

	// Logging configuration
	Logging LoggingConfig

	// Application metadata
	App AppConfig
}

// RealtimeConfig holds broker connection configuration
type RealtimeConfig struct {
	Enabled        bool
	Transport      string // pusher, nats
	AppKey         string
	Cluster        string
	Host           string
	Port           int
	Scheme         string // http, https
	AuthEndpoint   string
	APIBaseURL     string
	EventName      string
	NATSURL        string
	AuthToken      string
	ActivityRules  string // optional YAML file
	ReconnectDelay time.Duration
	RefreshDelay   time.Duration
	Debug          bool
}

// ViewerConfig holds the identity used by the relay server
type ViewerConfig struct {
	Role   string
	UserID string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	// PongWait is how long a silent relay socket is kept open.
	PongWait time.Duration
	// SendBuffer is the per-socket outbound queue length.
	SendBuffer int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{
		Realtime: RealtimeConfig{
			Enabled:        getBoolOrDefault("REALTIME_ENABLED", false),
			Transport:      getEnvOrDefault("REALTIME_TRANSPORT", "pusher"),
			AppKey:         os.Getenv("REALTIME_APP_KEY"),
			Cluster:        getEnvOrDefault("REALTIME_CLUSTER", "mt1"),
			Host:           os.Getenv("REALTIME_HOST"),
			Port:           getIntOrDefault("REALTIME_PORT", 0),
			Scheme:         getEnvOrDefault("REALTIME_SCHEME", "https"),
			AuthEndpoint:   os.Getenv("REALTIME_AUTH_ENDPOINT"),
			APIBaseURL:     getEnvOrDefault("API_BASE_URL", "http://localhost:8000/api"),
			EventName:      getEnvOrDefault("REALTIME_EVENT_NAME", "activity.created"),
			NATSURL:        getEnvOrDefault("NATS_URL", "nats://127.0.0.1:4222"),
			AuthToken:      os.Getenv("REALTIME_AUTH_TOKEN"),
			ActivityRules:  os.Getenv("REALTIME_ACTIVITY_RULES"),
			ReconnectDelay: getDurationOrDefault("REALTIME_RECONNECT_DELAY", 2*time.Second),
			RefreshDelay:   getDurationOrDefault("REALTIME_REFRESH_DELAY", 300*time.Millisecond),
			Debug:          getBoolOrDefault("REALTIME_DEBUG", false),
		},
		Viewer: ViewerConfig{
			Role:   getEnvOrDefault("REALTIME_VIEWER_ROLE", "admin"),
			UserID: os.Getenv("REALTIME_VIEWER_ID"),
		},
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", ":8090"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDurationOrDefault("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			CORSOrigins:     getStringSliceOrDefault("CORS_ALLOWED_ORIGINS", []string{}),
		},
		JWT: JWTConfig{
			Secret:         os.Getenv("JWT_SECRET"),
			AccessTokenTTL: getDurationOrDefault("JWT_ACCESS_TOKEN_TTL", 1*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getBoolOrDefault("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getFloatOrDefault("RATE_LIMIT_RPS", 10),
			BurstSize:         getIntOrDefault("RATE_LIMIT_BURST", 20),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:  getStringSliceOrDefault("WS_ALLOWED_ORIGINS", []string{}),
			ReadBufferSize:  getIntOrDefault("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getIntOrDefault("WS_WRITE_BUFFER_SIZE", 1024),
			PongWait:        getDurationOrDefault("WS_PONG_WAIT", 60*time.Second),
			SendBuffer:      getIntOrDefault("WS_SEND_BUFFER", 256),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        getEnvOrDefault("APP_NAME", "studio-realtime"),
			Version:     getEnvOrDefault("APP_VERSION", "dev"),
			Environment: getEnvOrDefault("APP_ENV", "development"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration. A disabled or keyless realtime
// section is not an error: the console then runs without realtime.
func (c *Config) Validate() error {
	var errs []string

	switch c.Realtime.Transport {
	case "pusher", "nats":
	default:
		errs = append(errs, fmt.Sprintf("REALTIME_TRANSPORT %q is not supported (pusher, nats)", c.Realtime.Transport))
	}

	switch c.Realtime.Scheme {
	case "http", "https":
	default:
		errs = append(errs, "REALTIME_SCHEME must be http or https")
	}

	if c.Realtime.Port < 0 || c.Realtime.Port > 65535 {
		errs = append(errs, "REALTIME_PORT must be between 0 and 65535")
	}

	if c.Realtime.ReconnectDelay <= 0 {
		errs = append(errs, "REALTIME_RECONNECT_DELAY must be positive")
	}

	if c.Realtime.RefreshDelay <= 0 {
		errs = append(errs, "REALTIME_REFRESH_DELAY must be positive")
	}

	if c.Realtime.EventName == "" {
		errs = append(errs, "REALTIME_EVENT_NAME is required")
	}

	if _, err := url.Parse(c.Realtime.AuthURL()); err != nil {
		errs = append(errs, "REALTIME_AUTH_ENDPOINT is not a valid URL")
	}

	// Security validations
	if c.App.Environment == "production" {
		if c.JWT.Secret != "" && len(c.JWT.Secret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}

		if len(c.WebSocket.AllowedOrigins) == 0 {
			errs = append(errs, "WS_ALLOWED_ORIGINS must be set in production")
		}
	}

	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// DebugEnabled reports whether verbose realtime logging is on. The flag is
// inert outside development.
func (c *Config) DebugEnabled() bool {
	return c.Realtime.Debug && c.IsDevelopment()
}

// IsEnabled reports whether realtime is switched on and has a credential.
func (r RealtimeConfig) IsEnabled() bool {
	return r.Enabled && strings.TrimSpace(r.AppKey) != ""
}

// ForceTLS reports whether the broker must be reached over TLS.
func (r RealtimeConfig) ForceTLS() bool {
	return r.Scheme == "https"
}

// AuthURL returns the private-channel auth endpoint, derived from the API
// base URL unless overridden.
func (r RealtimeConfig) AuthURL() string {
	if r.AuthEndpoint != "" {
		return r.AuthEndpoint
	}
	return strings.TrimRight(r.APIBaseURL, "/") + DefaultAuthPath
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// String returns a redacted string representation of the config (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Realtime: %v/%s, AppKey: %s, Auth: %s, Server: %s, JWT: [REDACTED], Environment: %s}",
		c.Realtime.Enabled,
		c.Realtime.Transport,
		redact(c.Realtime.AppKey),
		c.Realtime.AuthURL(),
		c.Server.Port,
		c.App.Environment,
	)
}

// redact keeps a short prefix of a credential for identification
func redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "[REDACTED]"
	}
	return secret[:4] + "[REDACTED]"
}
