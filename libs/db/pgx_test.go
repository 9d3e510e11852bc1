package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestPoolConfigDefaults(t *testing.T) {
	cfg, err := pgxpool.ParseConfig("postgres://u:p@localhost:5432/scheduling")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	PoolConfig{MinConns: 50, ApplicationName: "scheduling-service"}.apply(cfg)

	if cfg.MaxConns != defaultMaxConns || cfg.MinConns != defaultMaxConns {
		t.Fatalf("max=%d min=%d", cfg.MaxConns, cfg.MinConns)
	}
	if cfg.MaxConnLifetime != 30*time.Minute || cfg.MaxConnIdleTime != 5*time.Minute {
		t.Fatalf("lifetime=%v idle=%v", cfg.MaxConnLifetime, cfg.MaxConnIdleTime)
	}
	if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != "scheduling-service" {
		t.Fatalf("application_name=%q", got)
	}
}

func TestOpenRejectsEmptyURL(t *testing.T) {
	if _, err := Open(context.Background(), "", PoolConfig{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestReadyCheckWithoutPool(t *testing.T) {
	if err := ReadyCheck(nil)(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}
