package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"parley/api/internal/app"
	"parley/api/internal/config"
	"parley/api/internal/email"
	"parley/api/internal/logging"
	"parley/api/internal/notify"
	"parley/api/internal/search"
	"parley/api/internal/session"
	"parley/api/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	auditLog, err := logging.Setup(cfg.AuditLogPath)
	if err != nil {
		slog.Warn("audit log falls back to stdout", "error", err)
	}
	defer auditLog.Close()

	ctx := context.Background()

	var data app.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pg, err := store.Connect(ctx, cfg.DatabaseURL, cfg.MigrationsDir)
		if err != nil {
			logging.Fatal("database setup failed", "error", err)
		}
		defer pg.Close()
		data = pg
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store; data is lost on exit")
		data = store.NewMemoryStore()
	}

	var deps app.Deps
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := session.Dial(ctx, cfg.RedisURL)
		if err != nil {
			logging.Fatal("redis connection failed", "error", err)
		}
		sessions := session.NewRedisStoreWithClient(client)
		defer sessions.Close()
		deps.Sessions = sessions
		deps.Redis = sessions
		deps.Notifier = notify.NewRedisNotifier(client)
		slog.Info("using redis for refresh tokens and thread events")
	}

	if strings.TrimSpace(cfg.SMTPHost) != "" {
		mailer := email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			AlertTo:  cfg.ReportAlertTo,
		})
		if mailer.IsConfigured() {
			deps.Alerts = mailer
		} else {
			slog.Warn("SMTP_HOST set but report alerts are incomplete; check SMTP_FROM and PARLEY_REPORT_ALERT_TO")
		}
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	deps.Search = search.NewService(meili, data)
	defer deps.Search.Close()

	service, err := app.New(cfg, data, deps)
	if err != nil {
		logging.Fatal("service setup failed", "error", err)
	}
	if err := service.Bootstrap(ctx); err != nil {
		slog.Warn("bootstrap failed, will retry on next restart", "error", err)
	}
	go deps.Search.ReindexAll(ctx, data)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("parley api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
