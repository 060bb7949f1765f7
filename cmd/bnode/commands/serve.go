package commands

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tinode/bnode/internal/config"
	"github.com/tinode/bnode/internal/coordinator"
	"github.com/tinode/bnode/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator's WebSocket fabric and HTTP bind endpoint",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

// runServe wires configuration, the durable-store adapter, and the
// Coordinator together, then blocks until a termination signal arrives
// or the listener fails, draining background tasks before exit.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	st := buildStore(cfg)
	co := coordinator.New(cfg, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	co.StartBackgroundTasks(ctx)

	ws := cfg.ActiveWebsocket()
	addr := fmt.Sprintf("%s:%d", ws.ServerHost, ws.ServerPort)
	srv := &http.Server{Addr: addr, Handler: co.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("bnode: listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		log.Printf("bnode: signal received: %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("bnode: listener error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("bnode: http shutdown: %v", err)
	}

	cancel()
	co.Shutdown()
	return nil
}

// buildStore picks the Redis-backed adapter when cfg.RedisAddr is set,
// falling back to the in-memory adapter otherwise.
func buildStore(cfg *config.Config) *store.Store {
	if cfg.RedisAddr == "" {
		return store.NewMemoryBackedStore()
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return store.NewRedisBackedStore(rdb, "bnode:", time.Duration(cfg.Timing.PairingCodeTTL))
}
