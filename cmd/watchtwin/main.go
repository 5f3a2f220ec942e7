package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"watchtwin/internal/ble"
	"watchtwin/internal/store"
	"watchtwin/internal/watch"
	"watchtwin/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// defaultSeedEpoch is the firmware's build-time seed, 2025-05-29 21:37:54 UTC.
const defaultSeedEpoch = 1748554674

type Config struct {
	Time struct {
		UTCOffset       int8          `yaml:"utc_offset"`
		SeedEpoch       uint32        `yaml:"seed_epoch"`
		RefreshInterval time.Duration `yaml:"refresh_interval"`
		RefreshDelay    time.Duration `yaml:"refresh_delay"`
	} `yaml:"time"`
	BLE struct {
		Enabled    bool   `yaml:"enabled"`
		Port       string `yaml:"port"`
		Baud       int    `yaml:"baud"`
		DeviceName string `yaml:"device_name"`
	} `yaml:"ble"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path         string `yaml:"path"`
		HistoryLimit int    `yaml:"history_limit"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Time.RefreshInterval <= 0 {
		return fmt.Errorf("time.refresh_interval must be positive, got %s", c.Time.RefreshInterval)
	}
	if c.Time.RefreshDelay < 0 {
		return fmt.Errorf("time.refresh_delay must not be negative, got %s", c.Time.RefreshDelay)
	}
	if c.BLE.Enabled && c.BLE.Port == "" {
		return fmt.Errorf("ble.port is required when ble is enabled")
	}
	if c.BLE.Baud <= 0 {
		return fmt.Errorf("ble.baud must be positive, got %d", c.BLE.Baud)
	}
	if c.Store.HistoryLimit < 0 {
		return fmt.Errorf("store.history_limit must not be negative, got %d", c.Store.HistoryLimit)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
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

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("watchtwin starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path, cfg.Store.HistoryLimit)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	w, err := watch.New(watch.Config{
		UTCOffset:       cfg.Time.UTCOffset,
		SeedEpoch:       cfg.Time.SeedEpoch,
		RefreshInterval: cfg.Time.RefreshInterval,
		RefreshDelay:    cfg.Time.RefreshDelay,
		DeviceName:      cfg.BLE.DeviceName,
	}, db, watch.NewEventBus(logger), logger)
	if err != nil {
		logger.Error("create watch", "err", err)
		os.Exit(1)
	}

	var link *ble.Link
	if cfg.BLE.Enabled {
		logger.Info("opening BLE controller", "port", cfg.BLE.Port, "baud", cfg.BLE.Baud)
		link, err = ble.Open(cfg.BLE.Port, cfg.BLE.Baud, w.GATT(), logger)
		if err != nil {
			logger.Error("open BLE link", "err", err)
			os.Exit(1)
		}
		defer link.Close()
		w.SetRadio(link)
	}

	if err := w.Start(); err != nil {
		logger.Error("start watch", "err", err)
		if link != nil {
			link.Close()
		}
		os.Exit(1)
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(w, cfg, logger)

	webServer := web.NewServer(w, logger, webOptions(cfg, autoWebOpts)...)
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(w, cfg, logger)

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
	if err := w.Stop(shutdownCtx); err != nil {
		logger.Error("watch shutdown", "err", err)
	}

	logger.Info("goodbye")
}

func webOptions(cfg *Config, extra []web.ServerOption) []web.ServerOption {
	var opts []web.ServerOption
	if cfg.Web.APIKey != "" {
		opts = append(opts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		opts = append(opts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	opts = append(opts, web.WithVersion(version))
	return append(opts, extra...)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Time.SeedEpoch == 0 {
		cfg.Time.SeedEpoch = defaultSeedEpoch
	}
	if cfg.Time.RefreshInterval == 0 {
		cfg.Time.RefreshInterval = 10 * time.Second
	}
	if cfg.Time.RefreshDelay == 0 {
		cfg.Time.RefreshDelay = 2 * time.Second
	}
	if cfg.BLE.Baud == 0 {
		cfg.BLE.Baud = 115200
	}
	if cfg.BLE.DeviceName == "" {
		cfg.BLE.DeviceName = "ZephyrWatch"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "watchtwin.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "watchtwin"
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
	return slog.New(newLogHandler(cfg, os.Stdout))
}

func newLogHandler(cfg *Config, out io.Writer) slog.Handler {
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
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		return slog.NewJSONHandler(out, opts)
	default:
		return slog.NewTextHandler(out, opts)
	}
}
