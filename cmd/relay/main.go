package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/node-registration/relay/api/handlers"
	"github.com/node-registration/relay/internal/audit"
	"github.com/node-registration/relay/internal/auth"
	"github.com/node-registration/relay/internal/config"
	"github.com/node-registration/relay/internal/db"
	"github.com/node-registration/relay/internal/hub"
	"github.com/node-registration/relay/internal/logging"
	"github.com/node-registration/relay/internal/repository"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Relay browser shell sessions to fleet node agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelay(configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			log := logging.New("relay", logging.Options{Level: cfg.LogLevel, Console: cfg.LogConsole})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, log); err != nil {
				log.Error().Err(err).Msg("relay stopped")
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	return cmd
}

func run(ctx context.Context, cfg *config.RelayConfig, log zerolog.Logger) error {
	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.CloseDB()

	apiKeys := repository.NewAPIKeyRepository(database)
	nodes := repository.NewNodeRepository(database)
	auditRepo := repository.NewAuditRepository(database)

	if cfg.DefaultAPIKey != "" {
		created, err := apiKeys.EnsureKey(ctx, cfg.DefaultAPIKey, "Default API Key")
		if err != nil {
			return fmt.Errorf("failed to seed default api key: %w", err)
		}
		if created {
			log.Info().Msg("seeded default api key")
		}
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// browsers are rejected until the store is reachable
		log.Warn().Err(err).Str("url", cfg.RedisURL).Msg("session store unreachable")
	}

	var sink audit.Sink = auditRepo
	if cfg.AuditLogPath != "" {
		fileSink, err := audit.NewFileSink(cfg.AuditLogPath)
		if err != nil {
			return err
		}
		defer fileSink.Close()
		sink = audit.MultiSink{auditRepo, fileSink}
	}
	recorder := audit.NewRecorder(sink, nodes, cfg.AuditQueueSize, log)

	relayHub := hub.New(hub.Options{
		Log:            log,
		Agents:         &auth.AgentAuthenticator{Keys: apiKeys},
		Authorizer:     auth.AllowAuthenticated,
		Keys:           hub.FileKeySource{Path: cfg.SSHKeyPath},
		Audit:          recorder,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	browsers := &auth.BrowserAuthenticator{
		CookieName: cfg.SessionCookie,
		Secret:     cfg.SessionSecret,
		Sessions:   auth.NewRedisSessionStore(rdb, cfg.SessionPrefix),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(log))
	handlers.NewHealthHandler(relayHub).RegisterRoutes(router)
	relayHandler := handlers.NewRelayHandler(relayHub, browsers, log)
	relayHandler.RegisterRoutes(router)
	handlers.NewSessionHandler(relayHub).RegisterRoutes(router.Group("/api", relayHandler.RequireBrowserSession))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	go recorder.Run(loopCtx)
	go relayHub.Run(loopCtx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("relay listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		cancelLoops()
		<-relayHub.Done()
		<-recorder.Done()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	// hijacked WebSocket connections are closed by the hub, then the
	// recorder flushes what the closing sessions queued
	cancelLoops()
	<-relayHub.Done()
	<-recorder.Done()
	return nil
}
