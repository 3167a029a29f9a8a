package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"deye-go-cloud/internal/cloud"
	"deye-go-cloud/internal/feed"
	"deye-go-cloud/internal/metrics"
	"deye-go-cloud/internal/poller"
	"deye-go-cloud/internal/store"
	"deye-go-cloud/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

const (
	ModeAPI         = "api"
	ModeCloudDirect = "cloud_direct"
)

type Config struct {
	Mode string `yaml:"mode"` // "api" or "cloud_direct"
	Poll struct {
		Interval    int `yaml:"interval"`     // seconds
		MaxAttempts int `yaml:"max_attempts"` // fetch attempts per cycle
		RetryDelay  int `yaml:"retry_delay"`  // seconds between attempts
	} `yaml:"poll"`
	API struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"api"`
	Cloud struct {
		AppID     string `yaml:"app_id"`
		AppSecret string `yaml:"app_secret"`
		Email     string `yaml:"email"`
		Password  string `yaml:"password"`
		DeviceSN  string `yaml:"device_sn"`
		Server    string `yaml:"server"` // "eu1" or "us1"
	} `yaml:"cloud"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Metrics        bool     `yaml:"metrics"`
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
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeAPI:
		if c.API.URL == "" {
			return fmt.Errorf("api.url is required in api mode")
		}
		if c.Poll.Interval < 5 || c.Poll.Interval > 3600 {
			return fmt.Errorf("poll.interval must be 5-3600 seconds in api mode, got %d", c.Poll.Interval)
		}
	case ModeCloudDirect:
		for _, f := range []struct{ name, val string }{
			{"cloud.app_id", c.Cloud.AppID},
			{"cloud.app_secret", c.Cloud.AppSecret},
			{"cloud.email", c.Cloud.Email},
			{"cloud.password", c.Cloud.Password},
			{"cloud.device_sn", c.Cloud.DeviceSN},
		} {
			if f.val == "" {
				return fmt.Errorf("%s is required in cloud_direct mode", f.name)
			}
		}
		if c.Cloud.Server != cloud.ServerEU && c.Cloud.Server != cloud.ServerUS {
			return fmt.Errorf("cloud.server must be %q or %q, got %q", cloud.ServerEU, cloud.ServerUS, c.Cloud.Server)
		}
		if c.Poll.Interval < 10 || c.Poll.Interval > 3600 {
			return fmt.Errorf("poll.interval must be 10-3600 seconds in cloud_direct mode, got %d", c.Poll.Interval)
		}
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeAPI, ModeCloudDirect, c.Mode)
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Secrets may come from a .env file next to the binary.
	_ = godotenv.Load()

	cfgPath := flag.String("config", "config.yaml", "path to config file")
	check := flag.Bool("check", false, "validate cloud credentials and exit")
	purgeHA := flag.Bool("purge-ha", false, "clear retained Home Assistant discovery configs and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := loadConfig(*cfgPath)
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
	logger.Info("deye-go-cloud starting", "version", version, "mode", cfg.Mode)

	if *check {
		if cfg.Mode != ModeCloudDirect {
			logger.Error("-check requires cloud_direct mode")
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := cloud.ValidateCredentials(ctx, cloudConfig(cfg), logger); err != nil {
			logger.Error("credential check failed", "err", err)
			os.Exit(1)
		}
		logger.Info("credentials OK")
		return
	}

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	events := poller.NewEventBus(logger)
	fetcher := createFetcher(cfg, logger)
	p := poller.New(fetcher, events, poller.Config{
		Interval:    time.Duration(cfg.Poll.Interval) * time.Second,
		MaxAttempts: cfg.Poll.MaxAttempts,
		RetryDelay:  time.Duration(cfg.Poll.RetryDelay) * time.Second,
	}, logger)

	recorder := store.NewRecorder(db, cfg.Mode, logger)
	recorderUnsub := recorder.Attach(events)
	defer recorderUnsub()

	registry := prometheus.NewRegistry()
	metricsUnsub := metrics.New(registry).Attach(events)
	defer metricsUnsub()

	// The first update runs synchronously; a failure is reported but the
	// poll loop keeps going and recovers on a later cycle.
	startCtx, startCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := p.Start(startCtx); err != nil {
		logger.Warn("initial update failed", "err", err)
	}
	startCancel()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqttBridge := initMQTT(p, cfg, logger)

	if *purgeHA {
		err := mqttBridge.Purge(db)
		mqttBridge.Stop()
		p.Stop()
		if err != nil {
			logger.Error("purge discovery", "err", err)
			os.Exit(1)
		}
		logger.Info("discovery configs purged")
		return
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto := initAutomation(p, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithStore(db),
		web.WithVersion(version),
		web.WithMode(cfg.Mode),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if cfg.Web.Metrics {
		webOpts = append(webOpts, web.WithMetrics(registry))
	}

	webServer := web.NewServer(p, logger, webOpts...)

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

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqttBridge.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	p.Stop()

	logger.Info("goodbye")
}

func cloudConfig(cfg *Config) cloud.Config {
	return cloud.Config{
		AppID:     cfg.Cloud.AppID,
		AppSecret: cfg.Cloud.AppSecret,
		Email:     cfg.Cloud.Email,
		Password:  cfg.Cloud.Password,
		DeviceSN:  cfg.Cloud.DeviceSN,
		Server:    cfg.Cloud.Server,
	}
}

func createFetcher(cfg *Config, logger *slog.Logger) poller.Fetcher {
	switch cfg.Mode {
	case ModeCloudDirect:
		logger.Info("using Deye Cloud", "server", cfg.Cloud.Server, "device_sn", cfg.Cloud.DeviceSN)
		return cloud.NewClient(cloudConfig(cfg), logger)
	default:
		logger.Info("using text feed", "url", cfg.API.URL)
		return feed.NewClient(cfg.API.URL, cfg.API.Token, logger)
	}
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
	if cfg.Mode == "" {
		cfg.Mode = ModeAPI
	}
	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = 60
	}
	if cfg.Cloud.Server == "" {
		cfg.Cloud.Server = cloud.ServerEU
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "deye-go-cloud.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "deye"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Secrets can be supplied via environment instead of the config file.
	if v := os.Getenv("DEYE_APP_SECRET"); v != "" {
		cfg.Cloud.AppSecret = v
	}
	if v := os.Getenv("DEYE_PASSWORD"); v != "" {
		cfg.Cloud.Password = v
	}
	if v := os.Getenv("DEYE_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
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
