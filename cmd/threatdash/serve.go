package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"threatdash/internal/api"
	"threatdash/internal/backend"
	"threatdash/internal/captcha"
	"threatdash/internal/db"
	"threatdash/internal/logging"
	"threatdash/internal/service"
	"threatdash/internal/store"
	"threatdash/internal/version"
	"threatdash/internal/web"
)

const pruneInterval = time.Hour

var serveFlags struct {
	skipMigrate bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveFlags.skipMigrate, "skip-migrate", false, "do not apply database migrations on start")
}

func openDatabase(ctx context.Context, migrate bool) (*sql.DB, error) {
	sqdb, err := db.Open(cfg.DBDriver, cfg.DBDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if migrate {
		n, err := db.Migrate(ctx, sqdb, cfg.DBDriver)
		if err != nil {
			_ = sqdb.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Debug("migrations applied", zap.Int("files", n), zap.String("driver", cfg.DBDriver))
	}
	return sqdb, nil
}

func buildService(sqdb *sql.DB) (*service.Service, *backend.Client, error) {
	client := backend.New(backend.Options{
		BaseURL: cfg.BackendBaseURL,
		APIKey:  cfg.BackendAPIKey,
		Timeout: cfg.BackendTimeout(),
		Routes:  backend.DefaultRoutes(cfg.BackendAdminPrefix, cfg.BackendUserPrefix),
		Logger:  logger.With(logging.Component("backend")),
	})
	svc, err := service.New(cfg, store.New(sqdb, cfg.DBDriver), client, captcha.NewVerifier(cfg), logger.With(logging.Component("service")))
	if err != nil {
		return nil, nil, err
	}
	return svc, client, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqdb, err := openDatabase(ctx, !serveFlags.skipMigrate)
	if err != nil {
		return err
	}
	defer sqdb.Close()

	svc, client, err := buildService(sqdb)
	if err != nil {
		return err
	}
	views, err := web.NewRenderer(logger.With(logging.Component("web")))
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	handler := api.NewRouter(cfg, svc, views, client, logger.With(logging.Component("http")))

	errLog, _ := zap.NewStdLogAt(logger.With(logging.Component("http")), zapcore.ErrorLevel)
	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ErrorLog:          errLog,
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runPruner(ctx, svc, logger.With(logging.Component("pruner")))
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server",
			logging.Addr(cfg.ListenAddr),
			zap.String("version", version.Current().Version),
			zap.String("backend", cfg.BackendBaseURL),
			zap.String("db_driver", cfg.DBDriver))
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := hsrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	stop()
	wg.Wait()
	return nil
}

// runPruner deletes ended sessions and stale rate events every hour until
// ctx is done.
func runPruner(ctx context.Context, svc *service.Service, log *zap.Logger) {
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res, err := svc.Prune(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("prune", zap.Error(err))
				}
				continue
			}
			log.Debug("pruned", zap.Int64("sessions", res.Sessions), zap.Int64("rate_events", res.RateEvents))
		}
	}
}
