package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/cache"
	"github.com/kestrelsec/kestrel/config"
	"github.com/kestrelsec/kestrel/engine"
	"github.com/kestrelsec/kestrel/logger"
	"github.com/kestrelsec/kestrel/pubsub"
	"github.com/kestrelsec/kestrel/query"
	"github.com/kestrelsec/kestrel/server"
	"github.com/kestrelsec/kestrel/storage"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd starts the kestrel server.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the websocket/HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Initialize(cfg.LogJSON); err != nil {
		return err
	}
	log := logger.Named("serve")

	db, err := storage.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer db.Close()

	adapter, err := storage.NewSQLiteAdapter(db, logger.Named("storage"))
	if err != nil {
		return err
	}
	shared, err := cache.NewSQLiteSharedStore(db, logger.Named("cache"))
	if err != nil {
		return err
	}
	results, err := cache.NewTieredCache(cfg.Cache, shared, logger.Named("cache"))
	if err != nil {
		return err
	}
	results.Start()
	defer results.Stop()

	eng := engine.New(cfg, query.DefaultRegistry(), adapter, results, logger.Named("engine"))
	broker := pubsub.NewBroker(cfg.PubSub, logger.Named("pubsub"))
	broker.Start()
	defer broker.Stop()

	srv := server.New(cfg.Server, eng, broker, logger.Named("server"))
	if err := srv.Start(); err != nil {
		return err
	}

	watcher := startConfigWatcher(log)
	if watcher != nil {
		defer watcher.Stop()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Infow("Shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(ctx)
}

// startConfigWatcher hot-reloads the config file if one is in use. Only
// log-level style settings take effect live; structural settings need a
// restart.
func startConfigWatcher(log *zap.SugaredLogger) *config.Watcher {
	path := config.GetViper().ConfigFileUsed()
	if path == "" {
		return nil
	}
	watcher, err := config.NewWatcher(path)
	if err != nil {
		log.Warnw("Config watcher unavailable", "error", err.Error())
		return nil
	}
	watcher.OnReload(func(cfg *config.Config) error {
		log.Infow("Configuration reloaded", "path", path)
		return nil
	})
	watcher.Start()
	return watcher
}
