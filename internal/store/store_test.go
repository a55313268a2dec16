package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"wrapped", fmt.Errorf("update: %w", &pgconn.PgError{Code: "40001"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPoolConfig(t *testing.T) {
	cfg, err := poolConfig("postgres://u:p@db.internal:5432/ratings", Options{
		MaxConns:               7,
		MinConns:               2,
		MaxConnIdleTime:        time.Minute,
		StatementCacheCapacity: 64,
	})
	if err != nil {
		t.Fatalf("poolConfig: %v", err)
	}
	if cfg.MaxConns != 7 || cfg.MinConns != 2 {
		t.Fatalf("conns = %d/%d, want 7/2", cfg.MaxConns, cfg.MinConns)
	}
	if cfg.MaxConnIdleTime != time.Minute {
		t.Fatalf("idle = %s", cfg.MaxConnIdleTime)
	}
	if cfg.ConnConfig.StatementCacheCapacity != 64 {
		t.Fatalf("statement cache = %d", cfg.ConnConfig.StatementCacheCapacity)
	}
	if cfg.ConnConfig.Database != "ratings" {
		t.Fatalf("database = %q", cfg.ConnConfig.Database)
	}

	if _, err := poolConfig("postgres://%zz", Options{}); err == nil {
		t.Fatal("expected parse error for malformed url")
	}
}

func TestHealthCheckUninitialized(t *testing.T) {
	var s *Store
	if err := s.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected error from nil store")
	}
	if s.Stats() != nil {
		t.Fatal("nil store should report no stats")
	}
	s.Close()
}
