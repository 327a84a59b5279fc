package server

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Configuration keys understood by LoadConfig. The same names are used for
// CLI flags, config file entries, and (upper-cased, with "_") environment
// variables.
const (
	KeyHost            = "host"
	KeyPort            = "port"
	KeyWebSocketAddr   = "ws-addr"
	KeyAllowedOrigins  = "allowed-origins"
	KeyIdleTimeout     = "idle-timeout"
	KeyWriteTimeout    = "write-timeout"
	KeyMaxClients      = "max-clients"
	KeyMaxLineBytes    = "max-line-bytes"
	KeyNaming          = "naming"
	KeyRateBurst       = "rate-burst"
	KeyRateInterval    = "rate-interval"
	KeyShutdownTimeout = "shutdown-timeout"
)

const (
	defaultMaxLineBytes    = 64 * 1024
	defaultShutdownTimeout = 5 * time.Second
)

// RateLimitConfig defines per-session line rate limiting. A Burst of zero
// disables it.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay settings. Zero durations and limits mean "none".
type Config struct {
	Host string
	Port int

	// WebSocketAddr enables the HTTP gateway when non-empty.
	WebSocketAddr  string
	AllowedOrigins []string

	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	MaxClients   int
	MaxLineBytes int
	Naming       NamingPolicy
	RateLimit    RateLimitConfig

	ShutdownTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxLineBytes: defaultMaxLineBytes,
		Naming:       NamingRegistrySize,
		RateLimit: RateLimitConfig{
			RefillInterval: time.Second,
		},
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() Config {
	return defaultConfig()
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = defaultMaxLineBytes
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	if cfg.WriteTimeout < 0 {
		cfg.WriteTimeout = 0
	}
	if cfg.MaxClients < 0 {
		cfg.MaxClients = 0
	}
	if cfg.Naming == "" {
		cfg.Naming = NamingRegistrySize
	}
	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// Addr returns the TCP listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	d := defaultConfig()
	v.SetDefault(KeyHost, d.Host)
	v.SetDefault(KeyPort, d.Port)
	v.SetDefault(KeyWebSocketAddr, d.WebSocketAddr)
	v.SetDefault(KeyAllowedOrigins, d.AllowedOrigins)
	v.SetDefault(KeyIdleTimeout, d.IdleTimeout)
	v.SetDefault(KeyWriteTimeout, d.WriteTimeout)
	v.SetDefault(KeyMaxClients, d.MaxClients)
	v.SetDefault(KeyMaxLineBytes, d.MaxLineBytes)
	v.SetDefault(KeyNaming, string(d.Naming))
	v.SetDefault(KeyRateBurst, d.RateLimit.Burst)
	v.SetDefault(KeyRateInterval, d.RateLimit.RefillInterval)
	v.SetDefault(KeyShutdownTimeout, d.ShutdownTimeout)
}

// LoadConfig reads the relay settings from v, falling back to defaults for
// unset keys. Values are sanitized; only an unknown naming policy is an error.
func LoadConfig(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	naming, err := ParseNamingPolicy(v.GetString(KeyNaming))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Host:           v.GetString(KeyHost),
		Port:           v.GetInt(KeyPort),
		WebSocketAddr:  v.GetString(KeyWebSocketAddr),
		AllowedOrigins: parseOrigins(v.GetStringSlice(KeyAllowedOrigins)),
		IdleTimeout:    v.GetDuration(KeyIdleTimeout),
		WriteTimeout:   v.GetDuration(KeyWriteTimeout),
		MaxClients:     v.GetInt(KeyMaxClients),
		MaxLineBytes:   v.GetInt(KeyMaxLineBytes),
		Naming:         naming,
		RateLimit: RateLimitConfig{
			Burst:          v.GetInt(KeyRateBurst),
			RefillInterval: v.GetDuration(KeyRateInterval),
		},
		ShutdownTimeout: v.GetDuration(KeyShutdownTimeout),
	}
	return sanitizeConfig(cfg), nil
}

// parseOrigins flattens comma-separated entries, which is how lists arrive
// from environment variables.
func parseOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				origins = append(origins, part)
			}
		}
	}
	return origins
}
