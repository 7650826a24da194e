package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Pinger is the minimal surface of a dependency that can answer a liveness
// probe. Both pgxpool.Pool and the Redpanda producer satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal Redis surface needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// ReadinessHandler probes the database, broker, and (optionally) Redis. Any
// failing dependency yields 503 with a per-check report.
func ReadinessHandler(db, broker Pinger, rdb RedisClient) http.HandlerFunc {
	type check struct {
		name string
		fn   func(ctx context.Context) error
	}
	checks := []check{
		{"db", func(ctx context.Context) error {
			if db == nil {
				return fmt.Errorf("db not configured")
			}
			return db.Ping(ctx)
		}},
		{"broker", func(ctx context.Context) error {
			if broker == nil {
				return fmt.Errorf("broker not configured")
			}
			return broker.Ping(ctx)
		}},
	}
	if rdb != nil {
		checks = append(checks, check{"redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		report := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.fn(ctx); err != nil {
				status = http.StatusServiceUnavailable
				report[c.name] = err.Error()
			} else {
				report[c.name] = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}
