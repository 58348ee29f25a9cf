// Package config defines all configuration for the contest engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every key overridable via ARENA_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Contest   ContestConfig   `mapstructure:"contest"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Hub       HubConfig       `mapstructure:"hub"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig sets where the SQLite database lives.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// AuthConfig points at the external identity provider that validates bearer
// tokens. ServiceKey is sent as an api key header alongside user tokens and
// may only come from the environment (ARENA_AUTH_SERVICE_KEY).
type AuthConfig struct {
	ProviderURL    string        `mapstructure:"provider_url"`
	ServiceKey     string        `mapstructure:"service_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

// ContestConfig tunes the contest lifecycle.
//
//   - Duration: real-time length of a contest (the replay is compressed
//     into exactly this span).
//   - BaseInterval: real-time length of one base candle; the engine ticks
//     at this cadence.
//   - LeaderboardRefreshTicks: recompute the ranking every N base ticks
//     (6 ticks at a 5s base is the nominal 30s cadence).
//   - SnapshotSize/BroadcastSize/FinalSize: top-N cut-offs for the persisted
//     snapshot, the live broadcast, and the contest_ended payload.
type ContestConfig struct {
	Duration                time.Duration `mapstructure:"duration"`
	BaseInterval            time.Duration `mapstructure:"base_interval"`
	LeaderboardRefreshTicks int           `mapstructure:"leaderboard_refresh_ticks"`
	SnapshotSize            int           `mapstructure:"snapshot_size"`
	BroadcastSize           int           `mapstructure:"broadcast_size"`
	FinalSize               int           `mapstructure:"final_size"`
}

// ReplayConfig controls the tick window loader.
//
//   - WindowMarketMinutes: market-time span held in memory at once.
//   - BufferMarketMinutes: when the window end is this close to current
//     market time, the next window is prefetched in the background.
//   - PageSize: rows per storage batch while filling a window.
//   - MinSpan: minimum data span the corpus must cover to start a contest.
//   - MinSymbols/SampleRows: symbol-universe discovery stops after MinSymbols
//     distinct symbols or SampleRows sampled rows, whichever comes first.
type ReplayConfig struct {
	WindowMarketMinutes int           `mapstructure:"window_market_minutes"`
	BufferMarketMinutes int           `mapstructure:"buffer_market_minutes"`
	PageSize            int           `mapstructure:"page_size"`
	MinSpan             time.Duration `mapstructure:"min_span"`
	MinSymbols          int           `mapstructure:"min_symbols"`
	SampleRows          int           `mapstructure:"sample_rows"`
}

// HubConfig sizes the fan-out buffers. A client whose send buffer fills is
// disconnected rather than allowed to slow the publisher.
type HubConfig struct {
	ClientBuffer int `mapstructure:"client_buffer"`
	QueueSize    int `mapstructure:"queue_size"`
}

// RateLimitConfig throttles POST /trade per authenticated user.
type RateLimitConfig struct {
	TradePerSecond float64 `mapstructure:"trade_per_second"`
	TradeBurst     int     `mapstructure:"trade_burst"`
}

// Load reads config from a YAML file with env var overrides.
// The provider service key uses an env var: ARENA_AUTH_SERVICE_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ARENA_AUTH_SERVICE_KEY"); key != "" {
		cfg.Auth.ServiceKey = key
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("storage.path", "data/arena.db")
	v.SetDefault("auth.request_timeout", 5*time.Second)
	v.SetDefault("auth.cache_ttl", time.Minute)
	v.SetDefault("contest.duration", time.Hour)
	v.SetDefault("contest.base_interval", 5*time.Second)
	v.SetDefault("contest.leaderboard_refresh_ticks", 6)
	v.SetDefault("contest.snapshot_size", 100)
	v.SetDefault("contest.broadcast_size", 20)
	v.SetDefault("contest.final_size", 10)
	v.SetDefault("replay.window_market_minutes", 10)
	v.SetDefault("replay.buffer_market_minutes", 2)
	v.SetDefault("replay.page_size", 5000)
	v.SetDefault("replay.min_span", 4*time.Hour)
	v.SetDefault("replay.min_symbols", 15)
	v.SetDefault("replay.sample_rows", 20000)
	v.SetDefault("hub.client_buffer", 256)
	v.SetDefault("hub.queue_size", 1024)
	v.SetDefault("ratelimit.trade_per_second", 5.0)
	v.SetDefault("ratelimit.trade_burst", 10)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Auth.ProviderURL == "" {
		return fmt.Errorf("auth.provider_url is required")
	}
	if c.Contest.Duration <= 0 {
		return fmt.Errorf("contest.duration must be > 0")
	}
	if c.Contest.BaseInterval <= 0 {
		return fmt.Errorf("contest.base_interval must be > 0")
	}
	if c.Contest.BaseInterval >= c.Contest.Duration {
		return fmt.Errorf("contest.base_interval must be shorter than contest.duration")
	}
	if c.Contest.LeaderboardRefreshTicks <= 0 {
		return fmt.Errorf("contest.leaderboard_refresh_ticks must be > 0")
	}
	if c.Contest.SnapshotSize <= 0 || c.Contest.BroadcastSize <= 0 || c.Contest.FinalSize <= 0 {
		return fmt.Errorf("contest leaderboard sizes must be > 0")
	}
	if c.Replay.WindowMarketMinutes <= 0 {
		return fmt.Errorf("replay.window_market_minutes must be > 0")
	}
	if c.Replay.BufferMarketMinutes <= 0 || c.Replay.BufferMarketMinutes >= c.Replay.WindowMarketMinutes {
		return fmt.Errorf("replay.buffer_market_minutes must be > 0 and smaller than the window")
	}
	if c.Replay.PageSize <= 0 {
		return fmt.Errorf("replay.page_size must be > 0")
	}
	if c.Replay.MinSpan <= 0 {
		return fmt.Errorf("replay.min_span must be > 0")
	}
	if c.Replay.MinSymbols <= 0 {
		return fmt.Errorf("replay.min_symbols must be > 0")
	}
	if c.Replay.SampleRows <= 0 {
		return fmt.Errorf("replay.sample_rows must be > 0")
	}
	if c.Hub.ClientBuffer <= 0 || c.Hub.QueueSize <= 0 {
		return fmt.Errorf("hub buffer sizes must be > 0")
	}
	if c.RateLimit.TradePerSecond <= 0 || c.RateLimit.TradeBurst <= 0 {
		return fmt.Errorf("ratelimit.trade_per_second and ratelimit.trade_burst must be > 0")
	}
	return nil
}

// Addr returns the host:port the HTTP server binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
