package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/krbdbproxy/krbdbproxy/internal/api"
	"github.com/krbdbproxy/krbdbproxy/internal/audit"
	"github.com/krbdbproxy/krbdbproxy/internal/config"
	"github.com/krbdbproxy/krbdbproxy/internal/metrics"
	"github.com/krbdbproxy/krbdbproxy/internal/proxy"
	"github.com/krbdbproxy/krbdbproxy/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/krbdbproxy.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("krbdbproxy starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath,
		"postgres_routes", len(cfg.Routes.Postgres),
		"cassandra_routes", len(cfg.Routes.Cassandra))

	m := metrics.New()

	pgRoutes, pgDefault := cfg.PostgresRoutes()
	pgResolver := router.NewStaticResolver(pgRoutes, pgDefault)

	cassRoutes, cassDefault := cfg.CassandraRoutes()
	cassResolver := router.NewStaticResolver(cassRoutes, cassDefault)

	mongoTarget, _ := cfg.MongoTarget()

	fire := audit.Fire{
		Surface: audit.Multi{
			Recorders: []audit.Surface{
				audit.NewLogRecorder(nil),
				metrics.Recorder{Collector: m},
			},
		},
	}

	proxyServer := proxy.NewServer(pgResolver, cassResolver, mongoTarget, fire, m)

	if err := proxyServer.ListenPostgres(cfg.Listen.PostgresPort); err != nil {
		slog.Error("failed to start postgres listener", "err", err)
		os.Exit(1)
	}
	if err := proxyServer.ListenCassandra(cfg.Listen.CassandraPort); err != nil {
		slog.Error("failed to start cassandra listener", "err", err)
		os.Exit(1)
	}
	if err := proxyServer.ListenMongo(cfg.Listen.MongoPort); err != nil {
		slog.Error("failed to start mongo listener", "err", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(m, cfg.Listen)
	if err := apiServer.Start(); err != nil {
		slog.Error("failed to start status/metrics server", "err", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		pgRoutes, pgDefault := newCfg.PostgresRoutes()
		pgResolver.Reload(pgRoutes, pgDefault)
		cassRoutes, cassDefault := newCfg.CassandraRoutes()
		cassResolver.Reload(cassRoutes, cassDefault)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("krbdbproxy ready",
		"postgres_port", cfg.Listen.PostgresPort,
		"cassandra_port", cfg.Listen.CassandraPort,
		"mongo_port", cfg.Listen.MongoPort,
		"api_port", cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop(context.Background())
	proxyServer.Stop()

	slog.Info("krbdbproxy stopped")
}
