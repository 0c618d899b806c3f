package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chitram/api/internal/app"
	"chitram/api/internal/auth"
	"chitram/api/internal/config"
	"chitram/api/internal/database"
	"chitram/api/internal/derivative"
	"chitram/api/internal/log"
	"chitram/api/internal/models"
	"chitram/api/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "chitram",
		Short:         "Image hosting API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCommand(), newMigrateCommand(), newBackfillCommand(), newTokenCommand())
	return root
}

func setup() (*config.AppConfig, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log.New(cfg.Environment, cfg.Log.Level), nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and derivative workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			container, err := app.Build(ctx, cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("failed to build application")
				return err
			}
			if err := container.Start(ctx); err != nil {
				_ = container.Close(context.Background())
				return err
			}

			httpServer := server.NewHTTPServer(cfg, logger, container.Handlers())
			serveErr := make(chan error, 1)
			go func() {
				serveErr <- httpServer.Start()
			}()

			select {
			case <-ctx.Done():
				logger.Info().Msg("shutdown signal received")
			case err = <-serveErr:
				logger.Error().Err(err).Msg("http server failed")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
				logger.Error().Err(serr).Msg("graceful shutdown failed")
			}
			if cerr := container.Close(shutdownCtx); cerr != nil {
				logger.Error().Err(cerr).Msg("close failed")
			}

			logger.Info().Msg("server exited cleanly")
			return err
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != config.DatabasePostgres {
				return fmt.Errorf("migrate needs database.driver=%s, got %s", config.DatabasePostgres, cfg.Database.Driver)
			}

			pool, err := database.NewPostgresPool(cmd.Context(), cfg.Postgres)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			if err := database.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			logger.Info().Msg("schema applied")
			return nil
		},
	}
}

func newBackfillCommand() *cobra.Command {
	var (
		failed    bool
		pending   bool
		missing   bool
		olderThan time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-schedule failed, stuck or missing thumbnails",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			var statuses []models.DerivativeStatus
			if failed {
				statuses = append(statuses, models.DerivativeFailed)
			}
			if pending {
				statuses = append(statuses, models.DerivativePending)
			}
			if len(statuses) == 0 && !missing {
				return errors.New("nothing to do: pass --failed, --pending or --missing")
			}

			if pending && !cmd.Flags().Changed("older-than") {
				olderThan = cfg.Derivatives.StaleAfter
			}

			container, err := app.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			container.Generator.Start(cmd.Context())

			n, err := container.Generator.Backfill(cmd.Context(), derivative.BackfillOptions{
				Statuses:       statuses,
				StaleBefore:    time.Now().Add(-olderThan),
				Limit:          limit,
				IncludeMissing: missing,
			})
			logger.Info().Int("scheduled", n).Msg("waiting for derivatives")

			// Close drains the queue before returning.
			if cerr := container.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
				logger.Error().Err(cerr).Msg("close failed")
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&failed, "failed", true, "re-schedule failed derivatives")
	cmd.Flags().BoolVar(&pending, "pending", false, "re-schedule derivatives stuck in pending")
	cmd.Flags().BoolVar(&missing, "missing", false, "schedule images without derivative records")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only records not updated within this duration")
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum records per status")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:    "token <owner-id>",
		Short:  "Sign a development bearer token",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwtsecret is not set")
			}

			token, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret).Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
