package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cuemby/backplane/pkg/api"
	"github.com/cuemby/backplane/pkg/bulk"
	"github.com/cuemby/backplane/pkg/config"
	"github.com/cuemby/backplane/pkg/events"
	"github.com/cuemby/backplane/pkg/log"
	"github.com/cuemby/backplane/pkg/managed"
	"github.com/cuemby/backplane/pkg/manager"
	"github.com/cuemby/backplane/pkg/metrics"
	"github.com/cuemby/backplane/pkg/reconciler"
	"github.com/cuemby/backplane/pkg/remote"
	"github.com/cuemby/backplane/pkg/security"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a backplane node",
	Long: `Run a backplane node in the configured mode.

A CENTRAL node serves the fleet API, synchronizes attached managed
servers in the background and forwards change events to NATS when
configured. Any other mode serves the managed API its central calls.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("mode", "", "Node mode (CENTRAL, MANAGED, STANDALONE, NODE)")
	serveCmd.Flags().String("name", "", "Name of this node")
	serveCmd.Flags().String("data-dir", "", "Data directory")
	serveCmd.Flags().String("http-addr", "", "Address of the HTTP API")
	serveCmd.Flags().String("grpc-addr", "", "Address of the gRPC health service (empty disables it)")
	serveCmd.Flags().Duration("sync-interval", 0, "Background synchronization interval (0 disables it)")

	rootCmd.AddCommand(serveCmd)
}

// node is a running backplane process
type node struct {
	store     *storage.BoltStore
	broker    *events.Broker
	forwarder *events.Forwarder
	recon     *reconciler.Reconciler
	collector *metrics.Collector
	http      *api.Server
	grpc      *api.GRPCServer
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: cfg.LogLevel(), JSONOutput: cfg.Log.JSON, Output: os.Stderr})
	logger := log.WithComponent("serve")

	n, err := start(cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		if err := n.http.Start(cfg.HTTPAddr); err != nil {
			errCh <- fmt.Errorf("HTTP API error: %v", err)
		}
	}()
	if n.grpc != nil {
		go func() {
			if err := n.grpc.Start(cfg.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("gRPC server error: %v", err)
			}
		}()
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("name", cfg.Name).
		Str("http_addr", cfg.HTTPAddr).
		Msg("Backplane node running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		logger.Info().Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Server failed")
	}

	if err := n.stop(); err != nil {
		return multierror.Append(runErr, err)
	}
	return runErr
}

// start opens storage and starts every component of the configured mode
func start(cfg *config.Config) (*node, error) {
	metrics.SetVersion(Version)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %v", err)
	}
	metrics.RegisterComponent("storage", true, "ok")

	n := &node{store: store, broker: events.NewBroker()}
	n.broker.Start()

	if cfg.NATS.URL != "" {
		n.forwarder, err = events.NewNATSForwarder(n.broker, cfg.NATS.URL)
		if err != nil {
			_ = n.stop()
			return nil, fmt.Errorf("failed to connect to NATS: %v", err)
		}
		n.forwarder.Start()
	}

	health := api.NewHealthServer(store)
	apiCfg := api.Config{Health: health}

	if cfg.Mode == types.ModeCentral {
		sealer, err := security.NewTokenSealerFromPassphrase(cfg.Security.TokenKey)
		if err != nil {
			_ = n.stop()
			return nil, err
		}
		mgr, err := manager.NewManager(&manager.Config{
			Mode:    cfg.Mode,
			Version: Version,
			Store:   store,
			Remotes: remote.NewHTTPFactory(cfg.Sync.RemoteTimeout),
			Sealer:  sealer,
			Events:  n.broker,
		})
		if err != nil {
			_ = n.stop()
			return nil, err
		}
		apiCfg.Manager = mgr
		apiCfg.Bulk = bulk.NewOperations(mgr, bulk.NewRunner(cfg.Sync.BulkParallelism), n.broker)

		n.recon = reconciler.NewReconciler(mgr, cfg.Sync.Interval)
		n.recon.Start()
		n.collector = metrics.NewCollector(mgr)
		n.collector.Start()
	} else {
		backend := managed.NewBackend(store, managed.Config{
			Name:                  cfg.Name,
			Mode:                  cfg.Mode,
			Version:               Version,
			OS:                    runtime.GOOS,
			Arch:                  runtime.GOARCH,
			Minions:               cfg.Managed.Minions,
			ConnectionCheckFailed: cfg.Managed.ConnectionCheckFailed,
		})
		apiCfg.Managed = managed.NewHandler(backend, cfg.Managed.AuthToken)
	}

	n.http = api.NewServer(apiCfg)
	if cfg.GRPCAddr != "" {
		n.grpc = api.NewGRPCServer(health, 0)
	}
	return n, nil
}

// stop shuts every started component down in reverse order
func (n *node) stop() error {
	var result error

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if n.http != nil {
		if err := n.http.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if n.grpc != nil {
		n.grpc.Stop()
	}
	if n.collector != nil {
		n.collector.Stop()
	}
	if n.recon != nil {
		n.recon.Stop()
	}
	if n.forwarder != nil {
		n.forwarder.Stop()
	}
	n.broker.Stop()
	if err := n.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}
