package database

import (
	"context"
	"fmt"

	"github.com/otpgate/otpgate/internal/database/models"
)

// circuitBreakerRepo implements CircuitBreakerRepository.
type circuitBreakerRepo struct {
	db *DB
}

// NewCircuitBreakerRepository creates a new CircuitBreakerRepository.
func NewCircuitBreakerRepository(db *DB) CircuitBreakerRepository {
	return &circuitBreakerRepo{db: db}
}

// Get returns the breaker row for a key, or nil if none exists.
func (r *circuitBreakerRepo) Get(ctx context.Context, key string) (*models.CircuitBreaker, error) {
	var cb models.CircuitBreaker
	err := r.db.QueryRowContext(ctx,
		`SELECT key, state, failures, successes, opened_at, half_open_at, updated_at
		 FROM circuit_breaker WHERE key = ?`, key,
	).Scan(&cb.Key, &cb.State, &cb.Failures, &cb.Successes, &cb.OpenedAt, &cb.HalfOpenAt, &cb.UpdatedAt)
	if errIsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying circuit breaker: %w", err)
	}
	return &cb, nil
}

// List returns every breaker row.
func (r *circuitBreakerRepo) List(ctx context.Context) ([]models.CircuitBreaker, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, state, failures, successes, opened_at, half_open_at, updated_at
		 FROM circuit_breaker ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing circuit breakers: %w", err)
	}
	defer rows.Close()

	var out []models.CircuitBreaker
	for rows.Next() {
		var cb models.CircuitBreaker
		if err := rows.Scan(&cb.Key, &cb.State, &cb.Failures, &cb.Successes,
			&cb.OpenedAt, &cb.HalfOpenAt, &cb.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning circuit breaker: %w", err)
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

// Upsert writes the full breaker row.
func (r *circuitBreakerRepo) Upsert(ctx context.Context, cb *models.CircuitBreaker) error {
	cb.UpdatedAt = NowMillis()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO circuit_breaker (key, state, failures, successes, opened_at, half_open_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   state = excluded.state,
		   failures = excluded.failures,
		   successes = excluded.successes,
		   opened_at = excluded.opened_at,
		   half_open_at = excluded.half_open_at,
		   updated_at = excluded.updated_at`,
		cb.Key, cb.State, cb.Failures, cb.Successes, cb.OpenedAt, cb.HalfOpenAt, cb.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting circuit breaker: %w", err)
	}
	return nil
}
