package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/worklist/internal/config"
	"github.com/ehr/worklist/internal/domain/emrsync"
	"github.com/ehr/worklist/internal/domain/routing"
	"github.com/ehr/worklist/internal/domain/worklist"
	"github.com/ehr/worklist/internal/host"
	"github.com/ehr/worklist/internal/platform/auth"
	"github.com/ehr/worklist/internal/platform/db"
	"github.com/ehr/worklist/internal/platform/dimse"
	"github.com/ehr/worklist/internal/platform/telemetry"
	"github.com/ehr/worklist/migrations"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "worklist-server",
		Short:        "DICOM modality worklist and MPPS server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(worklistCmd())
	root.AddCommand(versionCmd())
	return root
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() || isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// storeHandle bundles an opened store with its migrator and cleanup.
type storeHandle struct {
	store    worklist.Store
	pool     *pgxpool.Pool
	migrator *db.Migrator
	close    func()
}

func openStore(ctx context.Context, cfg *config.Config) (*storeHandle, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, "worklist-server", cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		return &storeHandle{
			store:    worklist.NewStorePG(pool),
			pool:     pool,
			migrator: db.NewPGMigrator(pool, migrations.Postgres()),
			close:    pool.Close,
		}, nil
	default:
		handle, lock, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &storeHandle{
			store:    worklist.NewStoreSQLite(handle),
			migrator: db.NewSQLiteMigrator(handle, migrations.SQLite()),
			close: func() {
				_ = handle.Close()
				_ = lock.Unlock()
			},
		}, nil
	}
}

func newSyncService(cfg *config.Config, store worklist.Store, metrics *telemetry.Metrics, logger zerolog.Logger) (*emrsync.Service, error) {
	source, err := emrsync.NewHTTPSource(emrsync.HTTPConfig{
		BaseURL:      cfg.EMRBaseURL,
		TokenURL:     cfg.EMRTokenURL,
		ClientID:     cfg.EMRClientID,
		ClientSecret: cfg.EMRClientSecret,
		Limit:        cfg.EMROrderLimit,
		Timeout:      cfg.SyncTimeout,
	})
	if err != nil {
		return nil, err
	}
	return emrsync.NewService(store, source, emrsync.Config{
		Interval:     cfg.SyncInterval,
		InitialDelay: cfg.SyncInitialDelay,
		Timeout:      cfg.SyncTimeout,
		QueryTimeout: cfg.QuerySyncTimeout,
		QueryMinGap:  cfg.QuerySyncMinGap,
	}, metrics, logger), nil
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the DICOM listener, scheduled sync and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply pending migrations before serving")
	return cmd
}

func runServer(migrate bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sh, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open worklist store")
		return err
	}
	defer sh.close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("worklist store opened")

	if migrate {
		n, err := sh.migrator.Up(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}

	metrics := telemetry.New()

	var svc *emrsync.Service
	if cfg.SyncEnabled {
		if svc, err = newSyncService(cfg, sh.store, metrics, logger); err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("EMR sync disabled, serving the local worklist only")
	}

	router, err := routing.NewRouter(routing.FromEnv(os.Environ()), cfg.ModalityRoutingFile, logger)
	if err != nil {
		return err
	}

	hostCfg := host.Config{
		DICOM: dimse.ServerConfig{
			Addr:         cfg.DICOMAddr,
			AETitle:      cfg.AETitle,
			MaxPDULength: cfg.DICOMMaxPDU,
			IdleTimeout:  cfg.DICOMIdleTimeout,
		},
		HTTPAddr:    ":" + cfg.Port,
		CORSOrigins: cfg.CORSOrigins,
		StoreDriver: cfg.StoreDriver,
	}
	if cfg.AdminAuthEnabled() {
		hostCfg.AdminAuth = &auth.JWTConfig{Issuer: cfg.AdminJWTIssuer, SigningKey: []byte(cfg.AdminJWTSecret)}
	} else if !cfg.IsDev() {
		logger.Warn().Msg("ADMIN_JWT_SECRET not set, admin API is unauthenticated")
	}

	h := host.New(hostCfg, host.Deps{
		Store:   sh.store,
		Sync:    svc,
		Router:  router,
		Metrics: metrics,
		Pool:    sh.pool,
	}, logger)
	if err := h.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
		return err
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "worklist-server", version)
		},
	}
}
