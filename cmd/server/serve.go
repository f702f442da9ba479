package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kneutral-org/user-registry/internal/api"
	"github.com/kneutral-org/user-registry/internal/auth"
	registrygrpc "github.com/kneutral-org/user-registry/internal/grpc"
	"github.com/kneutral-org/user-registry/internal/lock"
	"github.com/kneutral-org/user-registry/internal/user"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and gRPC health servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("port", "", "HTTP port")
	cmd.Flags().String("grpc-port", "", "gRPC health port (\"off\" disables)")
	cmd.Flags().Bool("migrate", false, "create the Postgres schema before serving")
	return cmd
}

func (a *app) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := a.logger
	cfg := a.cfg

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close store")
		}
	}()

	if pg, ok := store.(*user.PostgresStore); ok && a.v.GetBool("migrate") {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}

	var tokens *auth.TokenIssuer
	if cfg.SecretKey != "" {
		tokens, err = auth.NewTokenIssuer(cfg.SecretKey, cfg.JWTAlgorithm, cfg.AccessTokenTTL)
		if err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("SECRET_KEY is not set, login is disabled")
	}

	users := user.NewService(store, auth.NewBcryptHasher(), logger)
	locks := lock.NewManager(store, logger)
	handler := api.NewHandler(users, locks, tokens, store, logger)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, logger, cfg.APIMaxPayloadSize),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var grpcLis net.Listener
	if cfg.GRPCEnabled() {
		grpcLis, err = net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcLis != nil {
		checker := registrygrpc.NewHealthChecker(store, logger)
		grpcServer := registrygrpc.NewServer(checker, logger)

		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			logger.Info().Str("port", cfg.GRPCPort).Msg("starting gRPC server")
			return grpcServer.Serve(grpcLis)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server exited properly")
	return nil
}
