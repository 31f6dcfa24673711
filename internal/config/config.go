package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "COEDIT"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "coedit.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultTAuthIssuer       = "tauth"
	defaultSendBuffer        = 64
	defaultEventsPerSecond   = 20.0
	defaultEventBurst        = 40
	defaultPingInterval      = 30 * time.Second
	defaultTicketTTL         = time.Minute
	defaultRedisChannel      = "coedit:realtime"
	defaultAllowedOriginList = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string
	DatabasePath    string
	LogLevel        string
	AllowedOrigins  []string
	Realtime        RealtimeConfig
	Redis           RedisConfig
}

// RealtimeConfig tunes the websocket channel.
type RealtimeConfig struct {
	SendBuffer      int
	EventsPerSecond float64
	EventBurst      int
	PingInterval    time.Duration
	TicketTTL       time.Duration
}

// RedisConfig enables the cross-instance relay bridge when URL is set.
type RedisConfig struct {
	URL     string
	Channel string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultTAuthIssuer)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOriginList)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.events_per_second", defaultEventsPerSecond)
	configViper.SetDefault("realtime.event_burst", defaultEventBurst)
	configViper.SetDefault("realtime.ping_interval", defaultPingInterval)
	configViper.SetDefault("realtime.ticket_ttl", defaultTicketTTL)
	configViper.SetDefault("redis.channel", defaultRedisChannel)
}

// LoadDotEnv loads variables from the given .env files into the process environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		AllowedOrigins:  splitList(configViper.GetString("cors.allowed_origins")),
		Realtime: RealtimeConfig{
			SendBuffer:      configViper.GetInt("realtime.send_buffer"),
			EventsPerSecond: configViper.GetFloat64("realtime.events_per_second"),
			EventBurst:      configViper.GetInt("realtime.event_burst"),
			PingInterval:    configViper.GetDuration("realtime.ping_interval"),
			TicketTTL:       configViper.GetDuration("realtime.ticket_ttl"),
		},
		Redis: RedisConfig{
			URL:     strings.TrimSpace(configViper.GetString("redis.url")),
			Channel: configViper.GetString("redis.channel"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if c.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.Realtime.EventsPerSecond <= 0 || c.Realtime.EventBurst <= 0 {
		return fmt.Errorf("realtime.events_per_second and realtime.event_burst must be positive")
	}
	if c.Realtime.PingInterval <= 0 {
		return fmt.Errorf("realtime.ping_interval must be positive")
	}
	if c.Realtime.TicketTTL <= 0 {
		return fmt.Errorf("realtime.ticket_ttl must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
