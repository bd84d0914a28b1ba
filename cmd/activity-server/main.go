package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/activity/internal/config"
	"github.com/ehr/activity/internal/domain/activity"
	"github.com/ehr/activity/internal/platform/auth"
	"github.com/ehr/activity/internal/platform/bulkexport"
	"github.com/ehr/activity/internal/platform/db"
	"github.com/ehr/activity/internal/platform/fhirclient"
	"github.com/ehr/activity/internal/platform/metrics"
	"github.com/ehr/activity/internal/platform/middleware"
	"github.com/ehr/activity/internal/platform/sandbox"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "activity-server",
		Short: "Last 24 hours encounter activity from a FHIR bulk export",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sandboxCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the trigger server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Perform one activity run and print the messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, pool, err := buildService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if pool != nil {
				defer pool.Close()
			}

			run, err := svc.Run(ctx)
			if err != nil {
				return err
			}
			for _, m := range run.Messages {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the run ledger schema",
	}

	openPool := func(ctx context.Context) (*pgxpool.Pool, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		if !cfg.LedgerEnabled() {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
		return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := activity.Migrate(ctx, pool)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := activity.NewMigrator(pool).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd, statuses)
			return nil
		},
	})

	return cmd
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// buildService wires the production components. The pool is nil unless the
// run ledger is enabled.
func buildService(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*activity.Service, *pgxpool.Pool, error) {
	doer := fhirclient.New(cfg.HTTPTimeout, logger)

	signer := auth.NewAssertionSigner(cfg.ClientID, cfg.AuthURL, cfg.PrivateKeyPath)
	tokens := auth.NewTokenClient(cfg.AuthURL, doer)
	controller := bulkexport.NewController(doer, logger,
		bulkexport.WithPollDelay(cfg.PollDelay),
		bulkexport.WithPollAttempts(cfg.PollAttempts),
	)
	filter := activity.RecencyFilter{Mode: cfg.RecencyMode, Window: cfg.RecencyWindow}
	enricher := activity.NewEnricher(doer, cfg.BaseURL, logger)
	processor := activity.NewProcessor(doer, enricher, filter, logger)

	svc := activity.NewService(signer, tokens, controller, processor, cfg.KickoffURL(), logger)
	if !cfg.LedgerEnabled() {
		return svc, nil, nil
	}

	pool, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	svc.SetRepository(activity.NewRepo(pool))
	return svc, pool, nil
}

func openLedger(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect run ledger: %w", err)
	}
	n, err := activity.Migrate(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate run ledger: %w", err)
	}
	logger.Info().Int("applied", n).Msg("run ledger ready")
	return pool, nil
}

// newServer builds the trigger server. pool may be nil.
func newServer(svc *activity.Service, pool *pgxpool.Pool, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	}

	activity.NewHandler(svc).RegisterRoutes(e.Group(""))
	return e
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	svc, pool, err := buildService(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build service")
	}
	if pool != nil {
		defer pool.Close()
		logger.Info().Msg("connected to database")
	}
	e := newServer(svc, pool, logger)

	return serve(e, ":"+cfg.Port, logger)
}

// serve runs e until SIGINT or SIGTERM, then shuts down gracefully.
func serve(e *echo.Echo, addr string, logger zerolog.Logger) error {
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func sandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Start an in-memory bulk export FHIR server for local runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetString("port")
			groupID, _ := cmd.Flags().GetString("group")
			clientID, _ := cmd.Flags().GetString("client-id")
			keyOut, _ := cmd.Flags().GetString("key-out")
			readyAfter, _ := cmd.Flags().GetInt("ready-after")
			seed := sandbox.DefaultSeedConfig()
			seed.PatientCount, _ = cmd.Flags().GetInt("patients")
			seed.Seed, _ = cmd.Flags().GetInt64("seed")

			logger := newLogger("development")

			key, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				return fmt.Errorf("generating client key: %w", err)
			}
			pemBytes, err := auth.EncodePrivateKeyPEM(key)
			if err != nil {
				return err
			}
			if err := os.WriteFile(keyOut, pemBytes, 0o600); err != nil {
				return fmt.Errorf("writing client key: %w", err)
			}

			sb, err := sandbox.New(sandbox.Config{
				GroupID:    groupID,
				ClientID:   clientID,
				PublicKey:  &key.PublicKey,
				ReadyAfter: readyAfter,
				PerFile:    25,
				Seed:       seed,
			}, logger)
			if err != nil {
				return err
			}
			base := "http://localhost:" + port
			sb.SetPublicURL(base)

			e := sb.Echo()
			e.Use(middleware.Recovery(logger))
			e.Use(middleware.RequestID())
			e.Use(middleware.Logger(logger))

			fmt.Fprintf(cmd.OutOrStdout(), "CLIENT_ID=%s\nAUTH_URL=%s\nGROUP_ID=%s\nBASE_URL=%s/\nPRIVATE_KEY_PATH=%s\n",
				clientID, sb.TokenURL(), groupID, base, keyOut)
			return serve(e, ":"+port, logger)
		},
	}
	cmd.Flags().String("port", "9090", "Listen port")
	cmd.Flags().String("group", "sandbox-group", "Exportable group id")
	cmd.Flags().String("client-id", "sandbox-client", "Registered backend client id")
	cmd.Flags().String("key-out", "private-key.pem", "Where to write the generated client key")
	cmd.Flags().Int("ready-after", 1, "Status polls answered with 202 before the export completes")
	cmd.Flags().Int("patients", 10, "Number of generated patients")
	cmd.Flags().Int64("seed", 0, "Random seed; 0 picks one")
	return cmd
}
