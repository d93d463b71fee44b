package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/metric-harvester/internal/model"
)

// SourceConfig is the static per-source profile.
type SourceConfig struct {
	ID             string        `mapstructure:"id"`
	Name           string        `mapstructure:"name"`
	WindowRequests int           `mapstructure:"window_requests"`
	Window         time.Duration `mapstructure:"window"`
	MinSpacing     time.Duration `mapstructure:"min_spacing"`
	Concurrency    int           `mapstructure:"concurrency"`
}

// Config is the full configuration surface. Rate profiles, concurrency
// caps, retry limits, breaker thresholds and cache TTLs are hot-reloadable.
type Config struct {
	App struct {
		Name string `mapstructure:"name"`
	} `mapstructure:"app"`

	NATS struct {
		URL            string        `mapstructure:"url"`
		MaxReconnects  int           `mapstructure:"max_reconnects"`
		ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	} `mapstructure:"nats"`

	Redis struct {
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Storage struct {
		Path         string `mapstructure:"path"`
		HistoryDepth int    `mapstructure:"history_depth"`
	} `mapstructure:"storage"`

	Dispatcher struct {
		Workers             int           `mapstructure:"workers"`
		InlineWaitThreshold time.Duration `mapstructure:"inline_wait_threshold"`
		AdapterTimeout      time.Duration `mapstructure:"adapter_timeout"`
		WatchdogGrace       time.Duration `mapstructure:"watchdog_grace"`
		PollInterval        time.Duration `mapstructure:"poll_interval"`
		ClaimBackoff        time.Duration `mapstructure:"claim_backoff"`
	} `mapstructure:"dispatcher"`

	Retry struct {
		InitialDelay      time.Duration `mapstructure:"initial_delay"`
		MaxDelay          time.Duration `mapstructure:"max_delay"`
		Multiplier        float64       `mapstructure:"multiplier"`
		MaxAttempts       int           `mapstructure:"max_attempts"`
		RateLimitFallback time.Duration `mapstructure:"rate_limit_fallback"`
		MaxRateLimitWait  time.Duration `mapstructure:"max_rate_limit_wait"`
	} `mapstructure:"retry"`

	Breaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		Cooldown         time.Duration `mapstructure:"cooldown"`
		MaxCooldown      time.Duration `mapstructure:"max_cooldown"`
	} `mapstructure:"breaker"`

	Cache struct {
		L1Size      int           `mapstructure:"l1_size"`
		L1TTL       time.Duration `mapstructure:"l1_ttl"`
		L2TTL       time.Duration `mapstructure:"l2_ttl"`
		L2Grace     time.Duration `mapstructure:"l2_grace"`
		StaleWindow time.Duration `mapstructure:"stale_window"`
		KeyPrefix   string        `mapstructure:"key_prefix"`
	} `mapstructure:"cache"`

	Tracker struct {
		Retention         time.Duration `mapstructure:"retention"`
		SweepInterval     time.Duration `mapstructure:"sweep_interval"`
		FailureSampleSize int           `mapstructure:"failure_sample_size"`
	} `mapstructure:"tracker"`

	Sources []SourceConfig `mapstructure:"sources"`
}

// SourceModels converts the configured profiles to model sources.
func (c *Config) SourceModels() []model.Source {
	out := make([]model.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		out = append(out, model.Source{
			ID:   s.ID,
			Name: s.Name,
			Rate: model.RateProfile{
				WindowRequests: s.WindowRequests,
				Window:         s.Window,
				MinSpacing:     s.MinSpacing,
			},
			Concurrency: s.Concurrency,
		})
	}
	return out
}

// Loader loads and watches the configuration file.
type Loader struct {
	logger *zap.Logger
	v      *viper.Viper
}

// NewLoader creates a loader reading config.yaml from the given paths.
func NewLoader(logger *zap.Logger, paths ...string) *Loader {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)

	return &Loader{
		logger: logger.Named("config"),
		v:      v,
	}
}

// Load reads the config file. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		l.logger.Warn("No config file found, using defaults")
	}
	return l.unmarshal()
}

// Watch re-reads the config on file changes and invokes onChange with the
// new snapshot. In-flight jobs are untouched; components apply the new
// limits through their Update methods.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.unmarshal()
		if err != nil {
			l.logger.Error("Ignoring invalid config change",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		l.logger.Info("Configuration reloaded", zap.String("file", e.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "metric-harvester")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("storage.path", "results.db")
	v.SetDefault("storage.history_depth", 30)

	v.SetDefault("dispatcher.workers", 16)
	v.SetDefault("dispatcher.inline_wait_threshold", 2*time.Second)
	v.SetDefault("dispatcher.adapter_timeout", 30*time.Second)
	v.SetDefault("dispatcher.watchdog_grace", 5*time.Second)
	v.SetDefault("dispatcher.poll_interval", 25*time.Millisecond)
	v.SetDefault("dispatcher.claim_backoff", 250*time.Millisecond)

	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.max_delay", 2*time.Minute)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.rate_limit_fallback", 30*time.Second)
	v.SetDefault("retry.max_rate_limit_wait", time.Minute)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", 30*time.Second)
	v.SetDefault("breaker.max_cooldown", 10*time.Minute)

	v.SetDefault("cache.l1_size", 4096)
	v.SetDefault("cache.l1_ttl", time.Minute)
	v.SetDefault("cache.l2_ttl", 10*time.Minute)
	v.SetDefault("cache.l2_grace", 5*time.Minute)
	v.SetDefault("cache.stale_window", 2*time.Minute)
	v.SetDefault("cache.key_prefix", "harvest:")

	v.SetDefault("tracker.retention", 24*time.Hour)
	v.SetDefault("tracker.sweep_interval", time.Hour)
	v.SetDefault("tracker.failure_sample_size", 5)
}
