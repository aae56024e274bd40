package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nixpig/taskworker/internal/action"
	"github.com/nixpig/taskworker/internal/config"
	"github.com/nixpig/taskworker/internal/server"
	"github.com/nixpig/taskworker/internal/stats"
	"github.com/nixpig/taskworker/internal/taskmanager"
	"github.com/nixpig/taskworker/internal/taskmanager/logstore"
)

const shutdownTimeout = 10 * time.Second

// newStore opens the log store selected by cfg.
func newStore(cfg config.StoreConfig, logger *slog.Logger) (logstore.Store, error) {
	switch cfg.Driver {
	case config.StoreDriverFile:
		return logstore.NewFileStore(cfg.Dir, cfg.PollInterval)
	case config.StoreDriverSQLite:
		return logstore.NewSQLiteStore(cfg.DBPath, cfg.PollInterval, logger)
	case config.StoreDriverMemory:
		return logstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver '%s'", cfg.Driver)
	}
}

func newAction(cfg config.ActionConfig) *action.HTTPAction {
	return action.NewHTTPAction(cfg.URLTemplate, cfg.Timeout, cfg.UserAgent)
}

// serve runs the HTTP and gRPC surfaces until ctx is done, then stops every
// task and shuts both down.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := newStore(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	defer store.Close()

	sink := stats.NewSink()
	manager := taskmanager.NewManager(store, newAction(cfg.Action), sink, logger)

	// Cancelled before shutdown so open log streams end and don't hold it up.
	streamCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	errCh := make(chan error, 2)

	var httpServer *http.Server

	if cfg.HTTP.Addr != "" {
		listener, err := net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			return fmt.Errorf("listen http: %w", err)
		}

		httpServer = &http.Server{
			Handler: server.New(
				manager,
				sink,
				logger,
				server.WithVersion(config.Version),
			),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(net.Listener) context.Context {
				return streamCtx
			},
		}

		logger.Info("http server listening", "addr", listener.Addr().String())

		go func() {
			if err := httpServer.Serve(listener); err != nil &&
				!errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve http: %w", err)
			}
		}()
	}

	var rpc *grpcServer

	if cfg.GRPC.Addr != "" {
		listener, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}

		rpc, err = newGRPCServer(manager, sink, logger, cfg.GRPC)
		if err != nil {
			listener.Close()
			return err
		}

		logger.Info("grpc server listening", "addr", listener.Addr().String())

		go func() {
			if err := rpc.start(listener); err != nil {
				errCh <- fmt.Errorf("serve grpc: %w", err)
			}
		}()
	}

	var serveErr error

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("server failed", "err", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	cancelStreams()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
	}

	if rpc != nil {
		rpc.shutdown(shutdownCtx)
	}

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("task shutdown", "err", err)
	}

	return serveErr
}
