package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/chatmesh/internal/actor"
	"github.com/eldtechnologies/chatmesh/internal/api"
	"github.com/eldtechnologies/chatmesh/internal/auth"
	"github.com/eldtechnologies/chatmesh/internal/bus"
	"github.com/eldtechnologies/chatmesh/internal/cachekey"
	"github.com/eldtechnologies/chatmesh/internal/config"
	"github.com/eldtechnologies/chatmesh/internal/crypto"
	"github.com/eldtechnologies/chatmesh/internal/delivery"
	"github.com/eldtechnologies/chatmesh/internal/directory"
	"github.com/eldtechnologies/chatmesh/internal/handlers"
	"github.com/eldtechnologies/chatmesh/internal/membership"
	"github.com/eldtechnologies/chatmesh/internal/moderation"
	"github.com/eldtechnologies/chatmesh/internal/snowflake"
	"github.com/eldtechnologies/chatmesh/internal/store"
)

// errLeaseLost stops the process when another server took over this
// server's machine slot. Continuing would risk duplicate message IDs.
var errLeaseLost = errors.New("machine slot lease lost")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("chatmesh", pflag.ContinueOnError)
	envFile := flags.String("env-file", "", "load environment from this file before reading configuration")
	port := flags.StringP("port", "p", "", "listen port (overrides PORT)")
	serverID := flags.String("server-id", "", "stable server identity (overrides SERVER_ID)")
	drain := flags.Duration("drain-timeout", 30*time.Second, "how long shutdown waits for connections to close")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var cfg *config.Config
	if *envFile != "" {
		cfg = config.Load(*envFile)
	} else {
		cfg = config.Load()
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *serverID != "" {
		cfg.ServerID = *serverID
	}
	if cfg.ServerID == "" {
		cfg.ServerID = crypto.NewServerID()
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	logger = logger.With().Str("server_id", cfg.ServerID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info().Str("backend", st.Backend()).Msg("store connected")

	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()
	logger.Info().Msg("connected to Redis")

	keys := cachekey.New(cfg.DeploymentName)
	dir := directory.New(rdb, keys, cfg.DirectoryTTL, logger)

	machineID, err := dir.RegisterServer(ctx, cfg.ServerID, cfg.ServerLeaseTTL)
	if err != nil {
		return fmt.Errorf("register server: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dir.ReleaseServer(releaseCtx, cfg.ServerID, machineID); err != nil {
			logger.Warn().Err(err).Msg("release server failed")
		}
	}()

	ids, err := snowflake.New(machineID)
	if err != nil {
		return fmt.Errorf("id allocator: %w", err)
	}

	runtime := config.NewRuntime(cfg.InitialFlags())
	cache := moderation.New(rdb, keys, logger)
	members := membership.NewService(st, cache, ids, logger)
	hub := actor.NewHub()
	authSvc := auth.NewService(st, rdb, keys, cache, ids, runtime, auth.LogNotifier{Logger: logger}, auth.Options{
		RequireVerification: cfg.RequireVerification,
		FailedLoginLimit:    cfg.FailedLoginLimit,
		FailedLoginWindow:   cfg.FailedLoginWindow,
		TokenTTL:            cfg.TokenTTL,
	}, logger)
	svc := delivery.New(delivery.Config{
		ServerID:       cfg.ServerID,
		Store:          st,
		Members:        members,
		Moderation:     cache,
		IDs:            ids,
		Router:         dir,
		Bus:            bus.NewPublisher(rdb, keys, cfg.BusPublishRetries, logger),
		Hub:            hub,
		Runtime:        runtime,
		SendRateLimit:  cfg.SendRateLimit,
		SendRateWindow: cfg.SendRateWindow,
		PersistRetries: cfg.PersistRetries,
		Logger:         logger,
	})

	h := handlers.NewHandler(handlers.Deps{
		ServerID:   cfg.ServerID,
		Store:      st,
		Redis:      rdb,
		Auth:       authSvc,
		Delivery:   svc,
		Members:    members,
		Moderation: cache,
		Router:     dir,
		Runtime:    runtime,
		Hub:        hub,
		Actors: &actor.Deps{
			ServerID:          cfg.ServerID,
			Auth:              authSvc,
			Delivery:          svc,
			Members:           members,
			Directory:         dir,
			Hub:               hub,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Logger:            logger,
		},
		BaseContext: ctx,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(cfg, h, rdb, keys, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Int64("machine_id", machineID).
			Msg("starting chatmesh server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return bus.NewConsumer(rdb, keys, cfg.ServerID, cfg.BusBlock, logger).Run(gctx, svc.HandleEnvelope)
	})

	g.Go(func() error {
		return membership.NewSweeper(st, cfg.SweepInterval, cfg.SweepBatch, logger).Run(gctx)
	})

	g.Go(func() error {
		return refreshLease(gctx, dir, cfg.ServerID, machineID, cfg.ServerLeaseTTL, logger)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), *drain)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by Shutdown; their
		// actors stop when ctx is cancelled.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
		if ctx.Err() == nil {
			hub.CloseAll()
		}
		waitForDrain(shutdownCtx, hub)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// refreshLease keeps the machine slot and live-set entry alive. Losing the
// slot ends the process.
func refreshLease(ctx context.Context, dir *directory.Directory, serverID string, machineID int64, ttl time.Duration, logger zerolog.Logger) error {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ok, err := dir.RefreshServer(ctx, serverID, machineID, ttl)
			if err != nil {
				logger.Warn().Err(err).Msg("server lease refresh failed")
				continue
			}
			if !ok {
				logger.Error().Int64("machine_id", machineID).Msg("server lease lost")
				return errLeaseLost
			}
		}
	}
}

func waitForDrain(ctx context.Context, hub *actor.Hub) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for hub.Count() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
