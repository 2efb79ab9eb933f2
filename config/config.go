// Package config loads the Channel Manager's runtime configuration
// (spec.md §6 "Configuration") via viper, with fsnotify-driven hot-reload
// for the subset of values safe to change live, mirroring the
// config.LoadConfig() call the teacher's cmd/cmd.go makes before building
// its fx.App.
package config

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PortSpec names one local port to register at startup, read from the
// "ports" config array.
type PortSpec struct {
	ID          string `mapstructure:"id"`
	LocalDestID uint32 `mapstructure:"local_destid"`
	MboxNumber  int    `mapstructure:"mbox_number"`
}

// Config holds every spec.md §6 configuration knob plus the ambient HTTP
// facade bind address.
type Config struct {
	MailboxNumber       int        `mapstructure:"mailbox_number"`
	DynamicChannelStart uint16     `mapstructure:"dynamic_channel_start"`
	RXRingSize          int        `mapstructure:"rx_ring_size"`
	TXRingSize          int        `mapstructure:"tx_ring_size"`
	ConnectTimeoutMS    int        `mapstructure:"connect_timeout_ms"`
	CloseWaitMS         int        `mapstructure:"close_wait_ms"`
	HTTPAddr            string     `mapstructure:"http_addr"`
	Ports               []PortSpec `mapstructure:"ports"`
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

func (c Config) CloseWait() time.Duration {
	return time.Duration(c.CloseWaitMS) * time.Millisecond
}

func defaults(v *viper.Viper) {
	v.SetDefault("mailbox_number", 1)
	v.SetDefault("dynamic_channel_start", 256)
	v.SetDefault("rx_ring_size", 128)
	v.SetDefault("tx_ring_size", 128)
	v.SetDefault("connect_timeout_ms", 3000)
	v.SetDefault("close_wait_ms", 3000)
	v.SetDefault("http_addr", ":8088")
}

// LoadConfig reads configuration from the file named by the config_file
// flag, or ./config.yaml when no file is named. CM_-prefixed environment
// variables override values from the file, and spec.md §6's documented
// defaults fill in anything neither sets.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("CM")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Live wraps a Config with fsnotify-driven hot-reload of the timeout
// fields only (spec.md's "configuration... safe to change live" set) —
// ring sizes and the dynamic channel range are compile-time/startup-only
// per spec.md §6 and are never reloaded out from under a running
// registry.
type Live struct {
	connectTimeoutMS atomic.Int64
	closeWaitMS      atomic.Int64
	logger           *slog.Logger
}

func NewLive(cfg *Config, logger *slog.Logger) *Live {
	l := &Live{logger: logger}
	l.connectTimeoutMS.Store(int64(cfg.ConnectTimeoutMS))
	l.closeWaitMS.Store(int64(cfg.CloseWaitMS))
	return l
}

func (l *Live) ConnectTimeout() time.Duration {
	return time.Duration(l.connectTimeoutMS.Load()) * time.Millisecond
}

func (l *Live) CloseWait() time.Duration {
	return time.Duration(l.closeWaitMS.Load()) * time.Millisecond
}

// Watch reloads connect_timeout_ms/close_wait_ms whenever configFile
// changes on disk, via viper's fsnotify integration.
func (l *Live) Watch(configFile string) error {
	v := viper.New()
	defaults(v)
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			l.logger.Error("config: reload failed", "err", err)
			return
		}
		l.connectTimeoutMS.Store(int64(cfg.ConnectTimeoutMS))
		l.closeWaitMS.Store(int64(cfg.CloseWaitMS))
		l.logger.Info("config: reloaded",
			"connect_timeout_ms", cfg.ConnectTimeoutMS, "close_wait_ms", cfg.CloseWaitMS)
	})
	v.WatchConfig()
	return nil
}
