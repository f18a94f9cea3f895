// Command multicast-relay copies every message arriving on each configured
// source queue into all of that route's destination queues.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tozny/queue-multicast/binding"
	"github.com/tozny/queue-multicast/config"
	"github.com/tozny/queue-multicast/lifecycle"
	"github.com/tozny/queue-multicast/logging"
	"github.com/tozny/queue-multicast/metrics"
	"github.com/tozny/queue-multicast/queue"
	"github.com/tozny/queue-multicast/route"
	"github.com/tozny/queue-multicast/routeconfig"
	"github.com/tozny/queue-multicast/scheduler"
	"github.com/tozny/queue-multicast/server"
	"github.com/tozny/queue-multicast/settings"
)

func main() {
	routesFile := flag.String("routes", "", "route configuration file (.yaml, .json or .xml), overrides ROUTES_FILE")
	check := flag.Bool("check", false, "validate the route configuration and exit")
	flag.Parse()

	if err := run(*routesFile, *check); err != nil {
		fmt.Fprintf(os.Stderr, "multicast-relay: %v\n", err)
		os.Exit(1)
	}
}

func run(routesFile string, check bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if routesFile != "" {
		cfg.RoutesFile = routesFile
	}
	if cfg.RoutesFile == "" {
		return fmt.Errorf("no route configuration, set ROUTES_FILE or pass -routes")
	}

	logger, err := logging.NewServiceLogger(logging.ServiceLoggerConfig{
		Output:      cfg.LogOutput,
		ServiceName: cfg.ServiceName,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	routes, err := routeconfig.Load(cfg.RoutesFile)
	if err != nil {
		return err
	}
	if check {
		fmt.Printf("%s: %d routes ok\n", cfg.RoutesFile, len(routes.Routes))
		return nil
	}

	env := binding.Environment{
		Settings:       settings.EnvStore{Prefix: cfg.SettingsPrefix},
		Connector:      queue.NewURLConnector(logger),
		Logger:         logger,
		ResolveTimeout: cfg.CopyTimeout,
	}
	poller := scheduler.NewPoller(scheduler.Config{
		BatchSize:  cfg.DequeueBatchSize,
		MinBackoff: cfg.MinEmptyPollBackoff,
		RateLimit:  cfg.DequeueRateLimit,
		Logger:     logger,
	})
	relayMetrics := metrics.NewRelayMetrics(prometheus.DefaultRegisterer)
	set := routeconfig.Build(routes, env, poller, logger,
		route.WithObserver(relayMetrics),
		route.WithCopyTimeout(cfg.CopyTimeout))
	ops := server.NewOpsServer(server.OpsServerConfig{
		Addr:            cfg.OpsAddr,
		ServiceName:     cfg.ServiceName,
		Routes:          set,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	})
	if err := ops.Listen(); err != nil {
		return fmt.Errorf("ops server: %w", err)
	}

	manager := lifecycle.NewManager(logger, cfg.ShutdownTimeout)
	// The set stops its routes before the poller closes so that every route
	// unregisters itself.
	manager.ManageLifecycle(ops)
	manager.ManageClose(lifecycle.CloseFunc(func() {
		set.Close()
		poller.Close()
	}))
	manager.ManageInitialization(set)
	manager.Wait()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Infow("relay running", "routes", len(routes.Routes), "ops_addr", ops.Addr())
	<-ctx.Done()
	logger.Infow("received shutdown signal")
	if !manager.Close() {
		return fmt.Errorf("shutdown did not finish within %s", cfg.ShutdownTimeout)
	}
	return nil
}
