package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shurlinet/g2node/internal/config"
	"github.com/shurlinet/g2node/internal/discovery"
	"github.com/shurlinet/g2node/internal/geoip"
	"github.com/shurlinet/g2node/internal/transport"
	"github.com/shurlinet/g2node/internal/watchdog"
	"github.com/shurlinet/g2node/pkg/g2core"
)

func run(configPath string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	path, err := resolveConfigPath(configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stateDir, err := stateDirectory()
	if err != nil {
		return fmt.Errorf("resolve state directory: %w", err)
	}
	hostCache := transport.NewHostCache(filepath.Join(stateDir, "hostcache.json"))

	listener, err := transport.New(transport.Config{
		KeyFile:         filepath.Join(stateDir, "identity.key"),
		ListenAddresses: []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)},
	})
	if err != nil {
		return fmt.Errorf("create transport listener: %w", err)
	}

	datagram := transport.NewDatagram(cfg.Port, transport.StubCodec{}, logger)

	metrics := g2core.NewMetrics(version, "go")
	tuning := tuningFromConfig(cfg)

	core := g2core.NewNetworkCore(tuning, listener, datagram, hostCache,
		geoip.Stub{}, nil, nil, transport.StubPacketFactory{},
		nil, metrics, logger)

	rate := g2core.NewRateController(0)
	rate.SetUploadLimit(cfg.OutSpeed / 8)
	rate.SetDownloadLimit(cfg.InSpeed / 8)
	core.SetRateController(rate)

	if err := core.Connect(); err != nil {
		return fmt.Errorf("start network core: %w", err)
	}

	var metricsSrv *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Telemetry.Metrics.ListenAddress, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	mdns := discovery.New(cfg.Port, hostCache, logger)
	ctx, cancel := context.WithCancel(context.Background())
	if err := mdns.Start(ctx); err != nil {
		logger.Warn("mdns discovery unavailable", "error", err)
	}

	if err := watchdog.Ready(); err != nil {
		logger.Warn("systemd notify failed", "error", err)
	}

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	go watchdog.Run(watchdogCtx, watchdog.Config{Interval: 30 * time.Second}, []watchdog.HealthCheck{
		{Name: "listening", Check: func() error {
			if !core.IsListening() {
				return fmt.Errorf("network core is not listening")
			}
			return nil
		}},
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	watchdog.Stopping()
	watchdogCancel()
	cancel()
	mdns.Close()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	core.Disconnect()
	if err := hostCache.Save(); err != nil {
		logger.Warn("failed to persist host cache", "error", err)
	}
	return nil
}

func resolveConfigPath(explicit string) (string, error) {
	path, err := config.FindConfigFile(explicit)
	if err == nil {
		return path, nil
	}
	// No config file yet: write the defaults to the default location on
	// first run and use that.
	home, homeErr := os.UserHomeDir()
	if homeErr != nil {
		return "", err
	}
	dir := filepath.Join(home, ".config", "g2node")
	if mkErr := os.MkdirAll(dir, 0700); mkErr != nil {
		return "", mkErr
	}
	path := filepath.Join(dir, "config.yaml")
	data, marshalErr := yaml.Marshal(config.Defaults())
	if marshalErr != nil {
		return "", marshalErr
	}
	if writeErr := os.WriteFile(path, data, 0600); writeErr != nil {
		return "", writeErr
	}
	return path, nil
}

func stateDirectory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".local", "share", "g2node")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func tuningFromConfig(cfg *config.Config) g2core.Tuning {
	clientMode := g2core.RoleUnknown
	switch cfg.ClientMode {
	case config.ModeHub:
		clientMode = g2core.RoleHub
	case config.ModeLeaf:
		clientMode = g2core.RoleLeaf
	}

	return g2core.Tuning{
		Port:               cfg.Port,
		ClientMode:         clientMode,
		NumHubs:            cfg.NumHubs,
		NumPeers:           cfg.NumPeers,
		NumLeafs:           cfg.NumLeafs,
		ConnectFactor:      cfg.ConnectFactor,
		KHLHubCount:        cfg.KHLHubCount,
		KHLPeriod:          cfg.KHLPeriod,
		LNIMinimumUpdate:   cfg.LNIMinimumUpdate,
		PreferredCountries: cfg.PreferredCountries,
		Neighbour:          g2core.DefaultNeighbourTuning(),
		Search: g2core.SearchTuning{
			QueryLimit:        cfg.QueryLimit,
			QueryHostThrottle: cfg.QueryHostThrottle,
			RequeryDelay:      cfg.RequeryDelay,
			HostCurrent:       cfg.HostCurrent,
			QueryKeyTime:      cfg.QueryKeyTime,
			MaxResults:        cfg.MaxResults,
			MaxPacketsPerTick: cfg.MaxPacketsPerTick,
		},
		AdaptiveHub: g2core.AdaptiveHubTuning{
			Enabled:        cfg.AdaptiveHub,
			CheckPeriod:    cfg.AdaptiveCheckPeriod,
			MaxPing:        int64(cfg.AdaptiveMaxPing),
			BusyPercentage: cfg.AdaptiveBusyPercentage,
			TimeWindow:     cfg.AdaptiveTimeWindow,
			MinimumLeaves:  cfg.AdaptiveMinimumLeaves,
		},
	}
}
