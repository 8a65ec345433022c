package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/go-digitaltwin/go-attributetwin"
	"github.com/go-digitaltwin/go-attributetwin/engine"
	"github.com/go-digitaltwin/go-attributetwin/internal/config"
	"github.com/go-digitaltwin/go-attributetwin/neo4jstore"
	"github.com/go-digitaltwin/go-attributetwin/timeseries"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume attribute.updated events and recompute dependents",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := config.New()
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	if path != "" {
		if err := config.ReadFile(v, path); err != nil {
			return config.Config{}, err
		}
	}
	return config.Load(v)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	h, err := cfg.Log.Handler(os.Stderr)
	if err != nil {
		return err
	}
	logger := slog.New(h)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = component.InjectLogger(ctx, logger)

	// The topic must be opened first: mem:// subscriptions attach to an
	// existing topic.
	topic, err := pubsub.OpenTopic(ctx, cfg.PubSub.TopicURL)
	if err != nil {
		return errors.Wrapf(err, "open topic %s", cfg.PubSub.TopicURL)
	}
	defer shutdown(logger, "topic", topic.Shutdown)
	sub, err := pubsub.OpenSubscription(ctx, cfg.PubSub.SubscriptionURL)
	if err != nil {
		return errors.Wrapf(err, "open subscription %s", cfg.PubSub.SubscriptionURL)
	}
	defer shutdown(logger, "subscription", sub.Shutdown)

	store, closeStore, err := openStore(ctx, cfg.Neo4j)
	if err != nil {
		return err
	}
	defer closeStore()

	eng := engine.New(store, new(timeseries.Cache), attributetwin.NewPublisher(topic), cfg.Sandbox(), cfg.EngineOptions())
	logger.Info("Serving attribute updates",
		slog.String("subscription", cfg.PubSub.SubscriptionURL),
		slog.Int("max-cascade-hops", cfg.Engine.MaxCascadeHops),
	)
	if err := eng.Serve(ctx, sub); err != nil {
		return err
	}
	logger.Info("Shutting down")
	return nil
}

// openStore returns the attribute store selected by cfg: Neo4j when a URI is
// configured, the in-memory catalog otherwise.
func openStore(ctx context.Context, cfg config.Neo4jConfig) (attributetwin.AttributeStore, func(), error) {
	if cfg.URI == "" {
		component.Logger(ctx).Warn("No neo4j.uri configured, attributes are kept in memory")
		return attributetwin.NewCatalog(), func() {}, nil
	}

	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
	if err != nil {
		return nil, nil, errors.Wrap(err, "neo4j driver")
	}
	closeDriver := func() {
		// The serving context is done by now.
		if err := driver.Close(context.Background()); err != nil {
			component.Logger(ctx).Warn("Couldn't close neo4j driver", slog.String("error", err.Error()))
		}
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		closeDriver()
		return nil, nil, errors.Wrapf(err, "connect %s", cfg.URI)
	}
	if err := neo4jstore.BootstrapDatabase(ctx, driver, cfg.Database); err != nil {
		closeDriver()
		return nil, nil, errors.Wrapf(err, "bootstrap database %s", cfg.Database)
	}
	return neo4jstore.NewStore(driver, cfg.Database), closeDriver, nil
}

func shutdown(logger *slog.Logger, what string, fn func(context.Context) error) {
	if err := fn(context.Background()); err != nil {
		logger.Warn("Couldn't shut down", slog.String("what", what), slog.String("error", err.Error()))
	}
}
