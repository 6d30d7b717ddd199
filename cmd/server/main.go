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

	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/ksred/klear-energy/internal/config"
	"github.com/ksred/klear-energy/internal/database"
	"github.com/ksred/klear-energy/internal/logging"
)

var configFile string

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "klear:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "klear",
		Short:         "Energy order lifecycle and exposure control service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./klear.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the expiry processor",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				_, _, err := bootstrap()
				if err == nil {
					zlog.Info().Msg("schema up to date")
				}
				return err
			},
		},
		&cobra.Command{
			Use:   "seed <fixture.yaml>",
			Short: "Upsert organizations, users, products and contracts from a fixture file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, db, err := bootstrap()
				if err != nil {
					return err
				}
				if err := database.SeedFromFile(cmd.Context(), db, args[0]); err != nil {
					zlog.Error().Err(err).Str("file", args[0]).Msg("seeding failed")
					return err
				}
				zlog.Info().Str("file", args[0]).Msg("reference data seeded")
				return nil
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Expire every overdue order once and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, db, err := bootstrap()
				if err != nil {
					return err
				}
				app := newApp(cfg, db)
				n, err := app.sweeper.SweepAll(cmd.Context(), time.Now().UTC())
				if err != nil {
					return err
				}
				zlog.Info().Int("expired", n).Msg("sweep finished")
				return nil
			},
		},
	)
	return root
}

// bootstrap loads configuration, sets up logging and opens the migrated store
func bootstrap() (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logging.Setup(cfg)

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		zlog.Error().Err(err).Msg("failed to initialize database")
		return nil, nil, err
	}
	return cfg, db, nil
}

// runServe runs the trading API server with graceful shutdown support
func runServe(ctx context.Context) error {
	cfg, db, err := bootstrap()
	if err != nil {
		return err
	}

	app := newApp(cfg, db)
	router := app.router()

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	if cfg.Expiry.Enabled {
		go app.processor.Start(processorCtx)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info().Str("port", cfg.Server.Port).Str("env", cfg.Server.Env).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		zlog.Error().Err(err).Msg("listen")
		return err
	}
	zlog.Info().Msg("Shutting down server...")
	processorCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}

	zlog.Info().Msg("Server exiting")
	return nil
}
