package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/projecteru2/lumen/aitask"
	"github.com/projecteru2/lumen/cleanup"
	cmdcore "github.com/projecteru2/lumen/cmd/core"
	"github.com/projecteru2/lumen/lock/flock"
	"github.com/projecteru2/lumen/migration"
	"github.com/projecteru2/lumen/notify"
	"github.com/projecteru2/lumen/storage"
	"github.com/projecteru2/lumen/types"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	statsInterval     = time.Minute
)

type Handler struct {
	cmdcore.BaseHandler
}

// Serve wires every subsystem together and blocks until SIGINT/SIGTERM.
func (h Handler) Serve(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		conf.ListenAddr = addr
	}
	logger := log.WithFunc("cmd.serve")

	db, manager, err := cmdcore.InitManager(ctx, conf)
	if err != nil {
		return err
	}

	bus := notify.NewBus()

	env := &aitask.Env{
		DB:    db,
		Store: manager,
		Pool:  aitask.NewPool(conf.AI),
		Bus:   bus,
		Conf:  conf.AI,
	}
	dispatcher := aitask.NewDispatcher(env, flock.New(conf.DispatcherLock()))
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	manager.OnImageCreated(dispatcher.OnImageCreated)

	engine := migration.NewEngine(db, manager, bus, nil)
	if err := engine.ResumeInterrupted(ctx); err != nil {
		logger.Warnf(ctx, "resume interrupted migrations: %v", err)
	}

	cleaner := cleanup.NewRunner(db, manager, bus, conf.Cleanup, flock.New(conf.CleanupLock()))
	if err := cleaner.Start(ctx); err != nil {
		return fmt.Errorf("start cleanup: %w", err)
	}

	go statsLoop(ctx, db, manager, bus)

	mux := http.NewServeMux()
	mux.Handle("/ws", notify.NewHub(bus))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              conf.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof(ctx, "listening on %s", conf.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// The root context is already cancelled; shut down on a fresh one.
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Infof(stopCtx, "shutting down")

	if err := srv.Shutdown(stopCtx); err != nil {
		logger.Warnf(stopCtx, "http shutdown: %v", err)
	}
	cleaner.Stop(stopCtx)
	engine.Shutdown()
	dispatcher.Stop(stopCtx)
	return nil
}

// statsLoop pushes storage stats and the live image count to websocket
// subscribers. Skipped entirely while nobody is listening.
func statsLoop(ctx context.Context, db *gorm.DB, manager *storage.Manager, bus *notify.Bus) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		if bus.Subscribers() == 0 {
			continue
		}
		bus.Publish(ctx, notify.TopicStorageStats, manager.MultiStats(ctx))
		var count int64
		err := db.WithContext(ctx).Model(&types.Image{}).
			Where("trashed_at IS NULL").Count(&count).Error
		if err == nil {
			bus.Publish(ctx, notify.TopicImageCount, count)
		}
	}
}
