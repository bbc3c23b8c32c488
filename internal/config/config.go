// Package config loads and hot-reloads the worker's tunables: parallelism
// and retry caps, the OCR provider's credentials, and the CAS store /
// orchestrator endpoints (spec §6 "Configuration (environment)").
package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the worker's resolved configuration.
type Config struct {
	MaxParallelOCR   int    `mapstructure:"max_parallel_ocr"`
	MaxRetriesPerRef int    `mapstructure:"max_retries_per_ref"`
	MaxGlobalRetries int    `mapstructure:"max_global_retries"`
	AlarmIntervalMs  int    `mapstructure:"alarm_interval_ms"`

	OCRAPIKey  string `mapstructure:"ocr_api_key"`
	OCRBaseURL string `mapstructure:"ocr_base_url"`
	OCRModel   string `mapstructure:"ocr_model"`

	StoreBaseURL    string `mapstructure:"store_base_url"`
	OrchestratorURL string `mapstructure:"orchestrator_url"`

	HomeDir string `mapstructure:"home_dir"`

	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults, env binding, and an optional
// config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	viper.SetDefault("max_parallel_ocr", defaults.MaxParallelOCR)
	viper.SetDefault("max_retries_per_ref", defaults.MaxRetriesPerRef)
	viper.SetDefault("max_global_retries", defaults.MaxGlobalRetries)
	viper.SetDefault("alarm_interval_ms", defaults.AlarmIntervalMs)
	viper.SetDefault("ocr_model", defaults.OCRModel)
	viper.SetDefault("host", defaults.Host)
	viper.SetDefault("port", defaults.Port)

	viper.SetEnvPrefix("ARKEOCR")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.arke-ocr-worker")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration from the config file.
func (cm *Manager) WatchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	viper.WatchConfig()
}
