package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"atlas-audio-control/internal/atlas"
	"atlas-audio-control/internal/control"
	"atlas-audio-control/internal/store"
	"atlas-audio-control/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Devices []control.DeviceEndpoint `yaml:"devices"`
	Session struct {
		DialTimeout          string `yaml:"dial_timeout"`
		CommandTimeout       string `yaml:"command_timeout"`
		KeepAliveInterval    string `yaml:"keep_alive_interval"`
		ReconnectDelay       string `yaml:"reconnect_delay"`
		MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
		MeterRingSize        int    `yaml:"meter_ring_size"`
	} `yaml:"session"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir  string `yaml:"scripts_dir"`
	AutoConnect bool   `yaml:"auto_connect"`
}

func (c *Config) validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if d.Host == "" {
			return fmt.Errorf("device %q: host is required", d.ID)
		}
		if d.Model == "" {
			return fmt.Errorf("device %q: model is required", d.ID)
		}
	}
	return nil
}

// sessionConfig translates the yaml timing block into an atlas.Config.
// Zero values fall through to the session defaults.
func (c *Config) sessionConfig() (atlas.Config, error) {
	var base atlas.Config

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"session.dial_timeout", c.Session.DialTimeout, &base.DialTimeout},
		{"session.command_timeout", c.Session.CommandTimeout, &base.CommandTimeout},
		{"session.keep_alive_interval", c.Session.KeepAliveInterval, &base.KeepAliveInterval},
		{"session.reconnect_delay", c.Session.ReconnectDelay, &base.ReconnectDelay},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return base, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	base.MaxReconnectAttempts = c.Session.MaxReconnectAttempts
	base.MeterRingSize = c.Session.MeterRingSize
	return base, nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("atlas-audio-control starting", "version", version)

	sessionBase, err := cfg.sessionConfig()
	if err != nil {
		logger.Error("invalid session config", "err", err)
		os.Exit(1)
	}

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Create controller and register configured devices.
	events := control.NewEventBus(logger)
	ctrl := control.NewController(db, events, sessionBase, logger)
	for _, ep := range cfg.Devices {
		if err := ctrl.AddDevice(ep); err != nil {
			logger.Error("register device", "id", ep.ID, "err", err)
			os.Exit(1)
		}
	}
	logger.Info("devices registered", "count", len(cfg.Devices))
	ctrl.ReportStartupHealth()

	if cfg.AutoConnect {
		for _, ep := range cfg.Devices {
			go func(id string) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := ctrl.Connect(ctx, id); err != nil {
					logger.Warn("initial connect", "id", id, "err", err)
				}
			}(ep.ID)
		}
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(ctrl, cfg, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer, err := web.NewServer(ctrl, logger, webOpts...)
	if err != nil {
		logger.Error("create web server", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(ctrl, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	ctrl.DisconnectAll()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "atlas-control.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "atlas"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
