package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Источники сэмплов
const (
	SourceSynthetic = "synthetic"
	SourceHost      = "host"
)

// Config конфигурация приложения
type Config struct {
	ServerPort      string        `mapstructure:"server_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`

	// SampleSource synthetic или host
	SampleSource          string        `mapstructure:"sample_source"`
	HostMachineID         string        `mapstructure:"host_machine_id"`
	NumMachines           int           `mapstructure:"num_machines"`
	MetricsUpdateInterval time.Duration `mapstructure:"metrics_update_interval"`
	InitialSamples        int           `mapstructure:"initial_samples"`
	WindowSize            int           `mapstructure:"window_size"`
	// MaxClockSkew насколько метка времени сэмпла может опережать часы сервера
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew"`

	Contamination float64 `mapstructure:"contamination"`
	NumTrees      int     `mapstructure:"num_trees"`
	SubsampleSize int     `mapstructure:"subsample_size"`
	ScorerSeed    int64   `mapstructure:"scorer_seed"`
	MinSamples    int     `mapstructure:"min_samples"`
	ConfirmSigma  float64 `mapstructure:"confirm_sigma"`
	DecisiveScore float64 `mapstructure:"decisive_score"`

	WarningPercent  float64 `mapstructure:"warning_percent"`
	CriticalPercent float64 `mapstructure:"critical_percent"`

	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	AnalysisWorkers  int           `mapstructure:"analysis_workers"`
	AnalysisTimeout  time.Duration `mapstructure:"analysis_timeout"`

	RedisAddr        string        `mapstructure:"redis_addr"`
	RedisPassword    string        `mapstructure:"redis_password" json:"-"`
	RedisDB          int           `mapstructure:"redis_db"`
	MetricsRetention time.Duration `mapstructure:"metrics_retention"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("allowed_origins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})

	v.SetDefault("sample_source", "synthetic")
	v.SetDefault("host_machine_id", "") // пусто = имя хоста
	v.SetDefault("num_machines", 5)
	v.SetDefault("metrics_update_interval", 2*time.Second)
	v.SetDefault("initial_samples", 10)
	v.SetDefault("window_size", 1000)
	v.SetDefault("max_clock_skew", time.Minute)

	v.SetDefault("contamination", 0.1)
	v.SetDefault("num_trees", 100)
	v.SetDefault("subsample_size", 256)
	v.SetDefault("scorer_seed", 42)
	v.SetDefault("min_samples", 2)
	v.SetDefault("confirm_sigma", 3.0)
	v.SetDefault("decisive_score", 0.7)

	v.SetDefault("warning_percent", 10.0)
	v.SetDefault("critical_percent", 20.0)

	v.SetDefault("subscriber_buffer", 32)
	v.SetDefault("analysis_workers", 4)
	v.SetDefault("analysis_timeout", 10*time.Second)

	v.SetDefault("redis_addr", "") // пусто = зеркало выключено
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("metrics_retention", time.Hour)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_file", "")
}

// LoadFile читает конфигурацию: значения по умолчанию, затем YAML из path
// (пустой путь означает без файла), затем переменные окружения (SERVER_PORT, REDIS_ADDR, ...)
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.SampleSource == SourceHost && cfg.HostMachineID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve host_machine_id: %w", err)
		}
		cfg.HostMachineID = hostname
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate возвращает все нарушения сразу
func (c *Config) Validate() error {
	var errs []error
	if c.ServerPort == "" {
		errs = append(errs, errors.New("server_port must be set"))
	}
	switch c.SampleSource {
	case SourceSynthetic, SourceHost:
	default:
		errs = append(errs, fmt.Errorf("sample_source must be synthetic or host, got %q", c.SampleSource))
	}
	if c.NumMachines < 0 {
		errs = append(errs, fmt.Errorf("num_machines must be >= 0, got %d", c.NumMachines))
	}
	if c.MetricsUpdateInterval <= 0 {
		errs = append(errs, fmt.Errorf("metrics_update_interval must be positive, got %s", c.MetricsUpdateInterval))
	}
	if c.InitialSamples < 0 {
		errs = append(errs, fmt.Errorf("initial_samples must be >= 0, got %d", c.InitialSamples))
	}
	if c.WindowSize < 1 {
		errs = append(errs, fmt.Errorf("window_size must be >= 1, got %d", c.WindowSize))
	}
	if c.MaxClockSkew <= 0 {
		errs = append(errs, fmt.Errorf("max_clock_skew must be positive, got %s", c.MaxClockSkew))
	}
	if c.Contamination <= 0 || c.Contamination > 0.5 {
		errs = append(errs, fmt.Errorf("contamination must be in (0, 0.5], got %g", c.Contamination))
	}
	if c.NumTrees < 1 {
		errs = append(errs, fmt.Errorf("num_trees must be >= 1, got %d", c.NumTrees))
	}
	if c.SubsampleSize < 2 {
		errs = append(errs, fmt.Errorf("subsample_size must be >= 2, got %d", c.SubsampleSize))
	}
	if c.MinSamples < 2 {
		errs = append(errs, fmt.Errorf("min_samples must be >= 2, got %d", c.MinSamples))
	}
	if c.ConfirmSigma < 0 {
		errs = append(errs, fmt.Errorf("confirm_sigma must be >= 0, got %g", c.ConfirmSigma))
	}
	if c.DecisiveScore <= 0 || c.DecisiveScore > 1 {
		errs = append(errs, fmt.Errorf("decisive_score must be in (0, 1], got %g", c.DecisiveScore))
	}
	if c.WarningPercent < 0 || c.CriticalPercent < c.WarningPercent || c.CriticalPercent > 100 {
		errs = append(errs, fmt.Errorf("health bands must satisfy 0 <= warning (%g) <= critical (%g) <= 100",
			c.WarningPercent, c.CriticalPercent))
	}
	if c.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Errorf("subscriber_buffer must be >= 1, got %d", c.SubscriberBuffer))
	}
	if c.AnalysisWorkers < 1 {
		errs = append(errs, fmt.Errorf("analysis_workers must be >= 1, got %d", c.AnalysisWorkers))
	}
	if c.AnalysisTimeout <= 0 {
		errs = append(errs, fmt.Errorf("analysis_timeout must be positive, got %s", c.AnalysisTimeout))
	}
	if c.RedisAddr != "" && c.MetricsRetention <= 0 {
		errs = append(errs, fmt.Errorf("metrics_retention must be positive, got %s", c.MetricsRetention))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// MachineIDs машины, для которых запускается источник: machine-0..N-1
// для synthetic или один локальный хост для host
func (c *Config) MachineIDs() []string {
	if c.SampleSource == SourceHost {
		return []string{c.HostMachineID}
	}
	ids := make([]string, c.NumMachines)
	for i := range ids {
		ids[i] = fmt.Sprintf("machine-%d", i)
	}
	return ids
}
