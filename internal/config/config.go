package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration

	LogLevel  string
	LogFormat string

	DBDriver   string
	DBDSN      string
	DBPoolSize int

	RedisAddr string

	NotifyBatchInterval time.Duration
	DedupTTL            time.Duration
	DedupSize           int
	BroadcastChunkSize  int
	TypingTTL           time.Duration
	ConnectMinInterval  time.Duration
	// Proxies allowed to set X-Forwarded-For. Empty trusts no one.
	TrustedProxies []string

	// Per user, per minute. Socket and REST sends share one budget.
	MessageRateLimit int
	TypingRateLimit  int
}

// LoadConfig reads chatrt.{yaml,json,toml} from the working directory or
// ./config if present, then lets environment variables override it.
func LoadConfig() (Config, error) {
	v := viper.New()
	v.SetConfigName("chatrt")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return LoadConfigFrom(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 3000)
	v.SetDefault("gin_mode", "release")
	v.SetDefault("token_expiry_seconds", int((7 * 24 * time.Hour).Seconds()))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_dsn", "file:chatrt.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	v.SetDefault("db_pool_size", 8)
	v.SetDefault("notify_batch_interval", 100*time.Millisecond)
	v.SetDefault("dedup_ttl", 5*time.Minute)
	v.SetDefault("dedup_size", 10000)
	v.SetDefault("broadcast_chunk_size", 100)
	v.SetDefault("typing_ttl", 6*time.Second)
	v.SetDefault("connect_min_interval", 200*time.Millisecond)
	v.SetDefault("message_rate_limit", 60)
	v.SetDefault("typing_rate_limit", 120)
}

func LoadConfigFrom(v *viper.Viper) (Config, error) {
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Config{
		Port:         v.GetInt("port"),
		MasterSecret: v.GetString("master_secret"),
		GinMode:      v.GetString("gin_mode"),
		TLSCertFile:  v.GetString("tls_cert_file"),
		TLSKeyFile:   v.GetString("tls_key_file"),
		LogLevel:     v.GetString("log_level"),
		LogFormat:    v.GetString("log_format"),
		DBDriver:     v.GetString("db_driver"),
		DBDSN:        v.GetString("db_dsn"),
		DBPoolSize:   v.GetInt("db_pool_size"),
		RedisAddr:    v.GetString("redis_addr"),

		NotifyBatchInterval: v.GetDuration("notify_batch_interval"),
		DedupTTL:            v.GetDuration("dedup_ttl"),
		DedupSize:           v.GetInt("dedup_size"),
		BroadcastChunkSize:  v.GetInt("broadcast_chunk_size"),
		TypingTTL:           v.GetDuration("typing_ttl"),
		ConnectMinInterval:  v.GetDuration("connect_min_interval"),
		MessageRateLimit:    v.GetInt("message_rate_limit"),
		TypingRateLimit:     v.GetInt("typing_rate_limit"),
		TrustedProxies:      splitList(v.GetStringSlice("trusted_proxies")),
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid PORT")
	}
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	seconds := v.GetInt("token_expiry_seconds")
	if seconds <= 0 {
		return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
	}
	cfg.TokenExpiry = time.Duration(seconds) * time.Second

	switch cfg.DBDriver {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("invalid DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.DBPoolSize <= 0 {
		return Config{}, fmt.Errorf("invalid DB_POOL_SIZE")
	}
	if cfg.NotifyBatchInterval <= 0 {
		return Config{}, fmt.Errorf("invalid NOTIFY_BATCH_INTERVAL")
	}
	if cfg.DedupTTL <= 0 || cfg.DedupSize <= 0 {
		return Config{}, fmt.Errorf("invalid dedup settings")
	}
	if cfg.BroadcastChunkSize <= 0 {
		return Config{}, fmt.Errorf("invalid BROADCAST_CHUNK_SIZE")
	}
	if cfg.TypingTTL <= 0 {
		return Config{}, fmt.Errorf("invalid TYPING_TTL")
	}
	if cfg.ConnectMinInterval < 0 {
		return Config{}, fmt.Errorf("invalid CONNECT_MIN_INTERVAL")
	}
	if cfg.MessageRateLimit <= 0 || cfg.TypingRateLimit <= 0 {
		return Config{}, fmt.Errorf("invalid rate limits")
	}
	for _, p := range cfg.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			return Config{}, fmt.Errorf("invalid TRUSTED_PROXIES entry %q", p)
		}
	}

	return cfg, nil
}

// splitList accepts both list values and comma separated strings.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
