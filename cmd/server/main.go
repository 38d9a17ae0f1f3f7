package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chat-sync/internal/api"
	"chat-sync/internal/chat"
	"chat-sync/internal/config"
	"chat-sync/internal/db"
	"chat-sync/internal/logging"
	"chat-sync/internal/repository"
	"chat-sync/internal/tasks"

	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chat-sync server:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootLog := logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
	cfg, err := config.LoadServer(bootLog)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Env, cfg.LogLevel)

	repo, closeRepo, err := openRepo(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRepo()

	var relay chat.Relay
	if cfg.RedisURL != "" {
		r, err := chat.NewRedisRelay(ctx, cfg.RedisURL, cfg.RelayChannel, log)
		if err != nil {
			return fmt.Errorf("connect relay: %w", err)
		}
		defer r.Close()
		relay = r
	}

	rooms := chat.NewRouter(cfg.Shards, relay, log)
	roomsCtx, stopRooms := context.WithCancel(context.Background())
	roomsDone := make(chan struct{})
	go func() {
		defer close(roomsDone)
		rooms.Run(roomsCtx)
	}()

	if cfg.Retention > 0 {
		retention := tasks.NewRetentionTask(repo, cfg.Retention, cfg.RetentionSchedule, log)
		if err := retention.Start(); err != nil {
			stopRooms()
			return err
		}
		defer retention.Stop()
	}

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: api.NewRouter(api.Deps{
			Repo:         repo,
			Rooms:        rooms,
			AuthKey:      []byte(cfg.AuthKey),
			Log:          log,
			RateBurst:    int32(cfg.RateBurst),
			RateRefill:   cfg.RateRefill,
			HistoryLimit: cfg.HistoryLimit,
		}),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received, cleaning up")
	case err := <-serveErr:
		stopRooms()
		<-roomsDone
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hubs close the hijacked sockets, which Shutdown does not track.
	stopRooms()
	<-roomsDone
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}

	log.Info().Msg("graceful shutdown complete")
	return nil
}

func openRepo(ctx context.Context, cfg *config.Server, log zerolog.Logger) (repository.MessageRepo, func(), error) {
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		return repository.NewMessagesRepo(pool, log), pool.Close, nil
	}

	repo, err := repository.OpenSQLite(cfg.SQLitePath, log)
	if err != nil {
		return nil, nil, err
	}
	return repo, func() { _ = repo.Close() }, nil
}
