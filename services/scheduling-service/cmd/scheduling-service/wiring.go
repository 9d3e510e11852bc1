package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/md-rashed-zaman/apptschedule/libs/db"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/config"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/notify"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/patients"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/storage"
)

func openStore(ctx context.Context, cfg *config.Config, pool *db.Pool, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriver {
	case "postgres":
		store := storage.NewPostgresStore(pool)
		applied, err := store.Migrate(ctx)
		if err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("storage ready", "driver", "postgres", "migrations_applied", applied)
		return store, nil
	case "sqlite":
		store, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		logger.Info("storage ready", "driver", "sqlite", "path", cfg.SQLitePath)
		return store, nil
	default:
		logger.Warn("using in-memory storage, appointments are lost on restart")
		return storage.NewMemoryStore(), nil
	}
}

func openDirectory(cfg *config.Config, pool *db.Pool) (patients.Directory, error) {
	switch cfg.PatientDirectory {
	case "postgres":
		return patients.NewPostgresDirectory(pool), nil
	case "http":
		return patients.NewHTTPDirectory(cfg.PatientDirectoryURL, cfg.PatientDirectoryToken), nil
	default:
		path := strings.TrimSpace(cfg.PatientDirectoryURL)
		if path == "" {
			return patients.NewStaticDirectory(), nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open patient file: %w", err)
		}
		defer f.Close()
		return patients.LoadStaticDirectory(f)
	}
}

func notifyChannels(cfg *config.Config, logger *slog.Logger) []notify.Channel {
	var channels []notify.Channel
	if cfg.SMTPHost != "" {
		channels = append(channels, notify.EmailChannel(notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)))
	}
	if cfg.NotifyWebhookURL != "" {
		channels = append(channels, notify.SMSChannel(notify.NewWebhookSender(cfg.NotifyWebhookURL, cfg.NotifyWebhookToken)))
	}
	if len(channels) == 0 {
		logger.Warn("no notification channel configured, patients will not be notified")
	}
	return channels
}
