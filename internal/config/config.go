package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Server configures the relay server.
type Server struct {
	Mode            string        `mapstructure:"mode"`
	Port            int           `mapstructure:"port"`
	Secret          string        `mapstructure:"secret"`
	TokenExpiry     time.Duration `mapstructure:"token_expiry"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	MessageLogLimit int           `mapstructure:"message_log_limit"`
	RoomCreateLimit int           `mapstructure:"room_create_limit"`
	IdempotencySize int           `mapstructure:"idempotency_size"`
	LogLevel        string        `mapstructure:"log_level"`
}

// Client configures one roomsync client process.
type Client struct {
	ServerURL            string        `mapstructure:"server_url"`
	HTTPURL              string        `mapstructure:"http_url"`
	Token                string        `mapstructure:"token"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	MaxRetryAttempts     int           `mapstructure:"max_retry_attempts"`
	AckTimeout           time.Duration `mapstructure:"ack_timeout"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	JoinGrace            time.Duration `mapstructure:"join_grace"`
	JoinTimeout          time.Duration `mapstructure:"join_timeout"`
	CachePath            string        `mapstructure:"cache_path"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	MessageLogLimit      int           `mapstructure:"message_log_limit"`
	LogLevel             string        `mapstructure:"log_level"`
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "")
	v.SetDefault("token_expiry", "24h")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("message_log_limit", 500)
	v.SetDefault("room_create_limit", 10)
	v.SetDefault("idempotency_size", 4096)
	v.SetDefault("log_level", "info")
}

func clientDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("http_url", "http://localhost:8080")
	v.SetDefault("token", "")
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("max_reconnect_attempts", 5)
	v.SetDefault("reconnect_base_delay", "1s")
	v.SetDefault("reconnect_max_delay", "5s")
	v.SetDefault("handshake_timeout", "10s")
	v.SetDefault("max_retry_attempts", 3)
	v.SetDefault("ack_timeout", "10s")
	v.SetDefault("sweep_interval", "5s")
	v.SetDefault("join_grace", "2s")
	v.SetDefault("join_timeout", "10s")
	v.SetDefault("cache_path", "roomsync-cache.db")
	v.SetDefault("cache_ttl", "24h")
	v.SetDefault("message_log_limit", 500)
	v.SetDefault("log_level", "info")
}

// load reads config/<kind>.<CONFIG_ENV>.yaml, or file when set, on top of
// the defaults. ROOMSYNC_* variables override both.
func load(kind, file string, defaults func(*viper.Viper), out any) error {
	v := viper.New()
	v.SetConfigType("yaml")

	if file == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		file = fmt.Sprintf("config/%s.%s.yaml", kind, env)
	}
	v.SetConfigFile(file)

	v.SetEnvPrefix("ROOMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	logger := log.With().Str("module", "config").Str("file", file).Logger()
	if err := v.ReadInConfig(); err != nil {
		logger.Warn().Err(err).Msg("config file not loaded, using defaults")
	} else {
		logger.Info().Msg("config loaded")
	}

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to parse %s config: %w", kind, err)
	}
	return nil
}

// LoadServer loads the relay server config. file may be empty.
func LoadServer(file string) (*Server, error) {
	var cfg Server
	if err := load("server", file, serverDefaults, &cfg); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("server config")
	return &cfg, nil
}

// LoadClient loads the client config. file may be empty.
func LoadClient(file string) (*Client, error) {
	var cfg Client
	if err := load("client", file, clientDefaults, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Level parses a zerolog level name, falling back to info.
func Level(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
