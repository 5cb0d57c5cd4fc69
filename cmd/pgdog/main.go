// Command pgdog is the proxy's entrypoint: load configuration, build one listener per
// logical database, serve metrics/health over HTTP, and accept client connections until a
// shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/config"
	"github.com/pgdogdev/pgdog-sub003/internal/logging"
)

func main() {
	logger, err := logging.New(logging.Config{Level: logging.Level(envOr("PGDOG_LOG_LEVEL", "info"))})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	configPath := envOr("PGDOG_CONFIG_PATH", "pgdog.toml")
	reloader, err := config.NewReloader(configPath, 10*time.Second, logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.String("path", configPath), zap.Error(err))
	}

	srv, err := newServer(reloader, logger)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")
	cancel()
	srv.Stop()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newHTTPServer wraps the admin handler (the /metrics, /livez, /readyz, /startupz, /healthz
// mux newServer builds) in one http.Server on addr.
// There is no SQL-shaped admin command surface here -- that's a separate external
// collaborator this process exports data to, not builds.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: handler}
}

func listenAndServe(ctx context.Context, srv *http.Server, logger *zap.Logger) {
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin http server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}
