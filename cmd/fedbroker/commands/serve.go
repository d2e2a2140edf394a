package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fedbroker/fedbroker/pkg/api"
	"github.com/fedbroker/fedbroker/pkg/clouds"
	"github.com/fedbroker/fedbroker/pkg/clouds/emulated"
	"github.com/fedbroker/fedbroker/pkg/config"
	"github.com/fedbroker/fedbroker/pkg/connectors"
	"github.com/fedbroker/fedbroker/pkg/engine"
	"github.com/fedbroker/fedbroker/pkg/federation"
	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/policy"
	"github.com/fedbroker/fedbroker/pkg/stores"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		Long: `Start the broker: recover persisted orders, launch the lifecycle
processors and serve the local API and the inter-member protocol until
interrupted.`,
		Example: `  # Run with the default config file
  fedbroker serve

  # Run with an explicit config file
  fedbroker serve --config /etc/fedbroker/fedbroker.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	metrics := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}

	logger.WithMember(cfg.Member.ID).Info("starting broker")

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	plugins, err := buildPlugins(cfg)
	if err != nil {
		return err
	}

	registry := orders.NewRegistry()
	transitioner := engine.NewTransitioner(registry, store, nil, cfg.Member.ID, logger, metrics)

	client := federation.NewClient(cfg.Member.ID, cfg.Federation.Peers, cfg.Federation.RequestTimeout, logger)
	factory := connectors.NewFactory(cfg.Member.ID, cfg.Member.DefaultCloud, plugins, store, client, logger, metrics, tracer)

	authorizer, err := policy.NewEngine(ctx, cfg.Policy.Path, cfg.Member.ID, logger)
	if err != nil {
		return err
	}

	controller := engine.NewController(registry, transitioner, factory, authorizer,
		cfg.Member.ID, cfg.Member.DefaultCloud, plugins.Names(), logger, tracer)
	facade := federation.NewRemoteFacade(registry, controller, transitioner, cfg.Member.ID, logger, metrics)

	notifier := federation.NewNotifier(client, cfg.Federation.EventRetries, cfg.Federation.EventRetryDelay, logger, metrics)
	transitioner.SetNotifier(notifier)

	// Recovery runs before any processor starts so every recovered order is
	// back in its queue when the loops begin.
	recovered, err := store.RecoverActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover orders: %w", err)
	}
	for _, order := range recovered {
		if err := transitioner.Restore(order); err != nil {
			logger.WithOrder(order.ID).WithError(err).Error("failed to restore recovered order")
		}
	}
	logger.WithField("orders", len(recovered)).Info("order recovery complete")

	processors := engine.NewProcessorSet(engine.ProcessorConfig{
		OpenInterval:             cfg.Engine.OpenInterval,
		SpawningInterval:         cfg.Engine.SpawningInterval,
		StoppingInterval:         cfg.Engine.StoppingInterval,
		FulfilledInterval:        cfg.Engine.FulfilledInterval,
		ClosedInterval:           cfg.Engine.ClosedInterval,
		SpawningFailureThreshold: cfg.Engine.SpawningFailureThreshold,
	}, registry, transitioner, factory, cfg.Member.ID, logger, metrics)
	processors.Start()

	fedServer := federation.NewServer(cfg.Federation.ListenAddress, facade, logger)
	apiServer := api.NewServer(cfg.API.ListenAddress, controller, cfg.Member.ID, metrics.Handler(), logger)

	errCh := make(chan error, 2)
	go func() {
		if err := fedServer.Start(); err != nil {
			errCh <- fmt.Errorf("federation server failed: %w", err)
		}
	}()
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- fmt.Errorf("api server failed: %w", err)
		}
	}()

	stopWatch, err := config.Watch(configPath, logger)
	if err != nil {
		logger.WithError(err).Warn("config watcher disabled")
	} else {
		defer stopWatch()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
		logger.WithError(runErr).Error("server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("api server shutdown failed")
	}
	if err := fedServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("federation server shutdown failed")
	}
	processors.Stop()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracer shutdown failed")
	}
	logger.Info("broker stopped")
	return runErr
}

// buildPlugins registers one plugin per configured cloud.
func buildPlugins(cfg *config.Config) (*clouds.Registry, error) {
	plugins := clouds.NewRegistry()
	for _, cloud := range cfg.Clouds {
		switch cloud.Plugin {
		case "emulated":
			pluginCfg := emulated.DefaultConfig()
			if cloud.SpawnAfterPolls > 0 {
				pluginCfg.SpawnAfterPolls = cloud.SpawnAfterPolls
			}
			if err := plugins.Register(cloud.Name, emulated.New(pluginCfg)); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("cloud %s: unknown plugin %q", cloud.Name, cloud.Plugin)
		}
	}
	return plugins, nil
}
