package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/couentine/badgekit/internal/api"
	"github.com/couentine/badgekit/internal/app"
	"github.com/couentine/badgekit/internal/app/maintenance"
	iauth "github.com/couentine/badgekit/internal/auth"
	"github.com/couentine/badgekit/internal/database"
	"github.com/couentine/badgekit/internal/jobs"
	"github.com/couentine/badgekit/internal/monitoring"
	"github.com/couentine/badgekit/internal/monitoring/checks"
	"github.com/couentine/badgekit/internal/realtime"
	"github.com/couentine/badgekit/internal/services"
	"github.com/couentine/badgekit/pkg/logger"
	"github.com/couentine/badgekit/pkg/mail"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("badgekit-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	if err := ensureSecretsPresent(cfg); err != nil {
		return err
	}

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         cfg.Auth.JWT.Secret,
		Issuer:         cfg.Auth.JWT.Issuer,
		AccessTokenTTL: cfg.Auth.JWT.TTL,
	})
	if err != nil {
		return fmt.Errorf("initialise jwt service: %w", err)
	}

	queue, err := jobs.NewQueue(db)
	if err != nil {
		return fmt.Errorf("initialise job queue: %w", err)
	}

	propagation, err := services.NewPropagationService(db)
	if err != nil {
		return fmt.Errorf("initialise propagation service: %w", err)
	}

	dispatcher, err := services.NewEventDispatcher(propagation, queue)
	if err != nil {
		return fmt.Errorf("initialise event dispatcher: %w", err)
	}

	portfolios, err := services.NewPortfolioService(db, dispatcher)
	if err != nil {
		return fmt.Errorf("initialise portfolio service: %w", err)
	}

	ledger, err := services.NewLedgerService(db, dispatcher)
	if err != nil {
		return fmt.Errorf("initialise ledger service: %w", err)
	}

	badges, err := services.NewBadgeService(db, portfolios)
	if err != nil {
		return fmt.Errorf("initialise badge service: %w", err)
	}

	groups, err := services.NewGroupService(db, portfolios)
	if err != nil {
		return fmt.Errorf("initialise group service: %w", err)
	}

	users, err := services.NewUserService(db)
	if err != nil {
		return fmt.Errorf("initialise user service: %w", err)
	}

	hub := realtime.NewHub()

	var mailer mail.Mailer
	if cfg.Email.SMTP.Enabled {
		mailer, err = mail.NewSMTPMailer(mail.SMTPSettings{
			Enabled:  true,
			Host:     cfg.Email.SMTP.Host,
			Port:     cfg.Email.SMTP.Port,
			Username: cfg.Email.SMTP.Username,
			Password: cfg.Email.SMTP.Password,
			From:     cfg.Email.SMTP.From,
			UseTLS:   cfg.Email.SMTP.UseTLS,
			Timeout:  cfg.Email.SMTP.Timeout,
		})
		if err != nil {
			log.Warn("smtp unavailable; email delivery disabled", zap.Error(err))
			mailer = nil
		}
	}

	notifications, err := services.NewNotificationService(db, hub, mailer)
	if err != nil {
		return fmt.Errorf("initialise notification service: %w", err)
	}

	analytics, err := services.NewAnalyticsService(db)
	if err != nil {
		return fmt.Errorf("initialise analytics service: %w", err)
	}

	dispatcher.SetNotifier(notifications)
	dispatcher.SetAnalytics(analytics)
	dispatcher.SetRealtime(hub)
	ledger.SetAnalytics(analytics)

	pool := jobs.NewWorkerPool(queue, cfg.Jobs.Workers, cfg.Jobs.PollInterval)
	go func() {
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("worker pool stopped", zap.Error(err))
		}
	}()

	if cfg.Maintenance.Enabled {
		maintainer := maintenance.NewMaintainer(propagation, queue,
			maintenance.WithRebuildSchedule(cfg.Maintenance.RebuildSchedule),
			maintenance.WithReaperSchedule(cfg.Maintenance.ReaperSchedule),
			maintenance.WithStuckLease(cfg.Jobs.StuckAfter),
		)
		if err := maintainer.Start(); err != nil {
			return fmt.Errorf("start maintenance jobs: %w", err)
		}
		defer func() {
			stopCtx := maintainer.Stop()
			<-stopCtx.Done()
		}()
	}

	var health *monitoring.HealthManager
	if cfg.Monitoring.Health.Enabled {
		health = monitoring.NewHealthManager()
		health.Register(checks.Database(db, 0))
		health.Register(checks.JobQueue(queue, cfg.Monitoring.Health.QueueWarnDepth))
	}

	router, err := api.NewRouter(cfg, jwtService, api.Deps{
		Users:         users,
		Groups:        groups,
		Badges:        badges,
		Portfolios:    portfolios,
		Ledger:        ledger,
		Notifications: notifications,
		Hub:           hub,
		Health:        health,
	})
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func ensureSecretsPresent(cfg *app.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Auth.JWT.Secret = strings.TrimSpace(cfg.Auth.JWT.Secret)
	if cfg.Auth.JWT.Secret == "" {
		return errors.New("auth.jwt.secret must be configured")
	}

	return nil
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = cfg.Database.Postgres.Password
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = cfg.Database.MySQL.Password
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("database handle unavailable during shutdown", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("database close failed", zap.Error(err))
	}
}
