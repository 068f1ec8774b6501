// Package config loads the layered configuration: compiled defaults,
// an optional YAML file, then GURUKUL_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vedanthundare/Gurukul-sub002/internal/observability"
	"github.com/vedanthundare/Gurukul-sub002/internal/progress"
	"github.com/vedanthundare/Gurukul-sub002/internal/registry"
	"github.com/vedanthundare/Gurukul-sub002/internal/upstream"
	"github.com/vedanthundare/Gurukul-sub002/internal/workerpool"
)

// ServerConfig is the HTTP gateway's own listener settings.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	AllowOrigins   []string      `mapstructure:"allow_origins"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// RegistryConfig bounds the task registry.
type RegistryConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	MaxTasks int           `mapstructure:"max_tasks"`
	DataDir  string        `mapstructure:"data_dir"`
}

// UpstreamsConfig names the external services and their knobs.
type UpstreamsConfig struct {
	BaseURLs  map[string]string                  `mapstructure:"base_urls"`
	Default   upstream.EndpointConfig            `mapstructure:"default"`
	Endpoints map[string]upstream.EndpointConfig `mapstructure:"endpoints"`
}

// ProgressConfig holds the intervention dedup windows.
type ProgressConfig struct {
	Windows progress.Windows `mapstructure:"windows"`
}

// HarnessConfig parameterizes the edge-case harness.
type HarnessConfig struct {
	Clients        int           `mapstructure:"clients"`
	StallThreshold time.Duration `mapstructure:"stall_threshold"`
	BurstWindow    time.Duration `mapstructure:"burst_window"`
	JobDuration    time.Duration `mapstructure:"job_duration"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the full layered configuration.
type Config struct {
	Server    ServerConfig                 `mapstructure:"server"`
	Kinds     map[string]workerpool.KindConfig `mapstructure:"kinds"`
	Registry  RegistryConfig               `mapstructure:"registry"`
	Upstreams UpstreamsConfig              `mapstructure:"upstreams"`
	Progress  ProgressConfig               `mapstructure:"progress"`
	Harness   HarnessConfig                `mapstructure:"harness"`
	Logging   LoggingConfig                `mapstructure:"logging"`
	Metrics   observability.MetricsConfig  `mapstructure:"metrics"`
	Tracing   observability.TracingConfig  `mapstructure:"tracing"`
}

// KindConfigs converts the string-keyed kind map into typed kinds,
// rejecting unrecognized names.
func (c *Config) KindConfigs() (map[registry.Kind]workerpool.KindConfig, error) {
	out := workerpool.DefaultKindConfigs()
	for name, kc := range c.Kinds {
		kind, err := registry.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("kinds.%s: %w", name, err)
		}
		out[kind] = kc
	}
	return out, nil
}

// Load reads configuration from path (optional), the working directory,
// and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gurukul")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.gurukul")
	}

	v.SetEnvPrefix("GURUKUL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errorsAs(err, &notFound) {
			if path != "" {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if _, err := cfg.KindConfigs(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_grace", "30s")
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("server.rate_limit_rps", 50.0)
	v.SetDefault("server.rate_limit_burst", 100)

	for kind, kc := range workerpool.DefaultKindConfigs() {
		prefix := "kinds." + string(kind) + "."
		v.SetDefault(prefix+"max_concurrency", kc.MaxConcurrency)
		v.SetDefault(prefix+"max_queue_depth", kc.MaxQueueDepth)
		v.SetDefault(prefix+"job_timeout", kc.JobTimeout.String())
		v.SetDefault(prefix+"retries", kc.Retries)
	}

	v.SetDefault("registry.ttl", "24h")
	v.SetDefault("registry.max_tasks", 10000)
	v.SetDefault("registry.data_dir", "")

	def := upstream.DefaultEndpointConfig()
	v.SetDefault("upstreams.default.connect_timeout", def.ConnectTimeout.String())
	v.SetDefault("upstreams.default.overall_timeout", def.OverallTimeout.String())
	v.SetDefault("upstreams.default.max_retries", def.MaxRetries)
	v.SetDefault("upstreams.default.failure_threshold", def.FailureThreshold)
	v.SetDefault("upstreams.default.open_duration", def.OpenDuration.String())
	v.SetDefault("upstreams.default.half_open_probe_limit", def.HalfOpenProbeLimit)
	v.SetDefault("upstreams.base_urls", map[string]string{
		upstream.ServiceKnowledge:    "http://localhost:8001",
		upstream.ServiceEncyclopedia: "http://localhost:8002",
		upstream.ServiceTutoring:     "http://localhost:8003",
		upstream.ServiceTTS:          "http://localhost:8004",
		upstream.ServiceSimulation:   "http://localhost:8005",
	})
	// Generation endpoints run for minutes, not seconds.
	v.SetDefault("upstreams.endpoints.knowledge.overall_timeout", "2m")
	v.SetDefault("upstreams.endpoints.simulation.overall_timeout", "5m")

	w := progress.DefaultWindows()
	v.SetDefault("progress.windows.low_recent_score", w.LowRecentScore.String())
	v.SetDefault("progress.windows.declining_trend", w.DecliningTrend.String())
	v.SetDefault("progress.windows.inactivity", w.Inactivity.String())

	v.SetDefault("harness.clients", 10)
	v.SetDefault("harness.stall_threshold", "30s")
	v.SetDefault("harness.burst_window", "100ms")
	v.SetDefault("harness.job_duration", "2s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.prometheus_port", 9090)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "otlp")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "gurukul-core")
}

// errorsAs avoids importing errors just for one call site.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}
