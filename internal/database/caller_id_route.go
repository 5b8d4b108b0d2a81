package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/otpgate/otpgate/internal/database/models"
)

// ErrDuplicatePrefix is returned when a (channel, prefix) pair already exists.
var ErrDuplicatePrefix = errors.New("duplicate prefix for channel")

// callerIdRouteRepo implements CallerIdRouteRepository.
type callerIdRouteRepo struct {
	db *DB
}

// NewCallerIdRouteRepository creates a new CallerIdRouteRepository.
func NewCallerIdRouteRepository(db *DB) CallerIdRouteRepository {
	return &callerIdRouteRepo{db: db}
}

// Create inserts a new route. Violating (channel, prefix) uniqueness yields
// ErrDuplicatePrefix.
func (r *callerIdRouteRepo) Create(ctx context.Context, route *models.CallerIdRoute) error {
	now := NowMillis()
	route.CreatedAt = now
	route.UpdatedAt = now
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO caller_id_routes (channel, prefix, caller_id, description, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		route.Channel, route.Prefix, route.CallerID, route.Description, route.Enabled,
		route.CreatedAt, route.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePrefix
		}
		return fmt.Errorf("inserting caller id route: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	route.ID = id
	return nil
}

// GetByID returns a route by id, or nil if not found.
func (r *callerIdRouteRepo) GetByID(ctx context.Context, id int64) (*models.CallerIdRoute, error) {
	var route models.CallerIdRoute
	err := r.db.QueryRowContext(ctx,
		`SELECT id, channel, prefix, caller_id, description, enabled, created_at, updated_at
		 FROM caller_id_routes WHERE id = ?`, id,
	).Scan(&route.ID, &route.Channel, &route.Prefix, &route.CallerID, &route.Description,
		&route.Enabled, &route.CreatedAt, &route.UpdatedAt)
	if errIsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying caller id route: %w", err)
	}
	return &route, nil
}

// ListEnabled returns the enabled routes for a channel.
func (r *callerIdRouteRepo) ListEnabled(ctx context.Context, channel string) ([]models.CallerIdRoute, error) {
	return r.list(ctx,
		`SELECT id, channel, prefix, caller_id, description, enabled, created_at, updated_at
		 FROM caller_id_routes WHERE channel = ? AND enabled = 1 ORDER BY prefix`, channel)
}

// List returns all routes.
func (r *callerIdRouteRepo) List(ctx context.Context) ([]models.CallerIdRoute, error) {
	return r.list(ctx,
		`SELECT id, channel, prefix, caller_id, description, enabled, created_at, updated_at
		 FROM caller_id_routes ORDER BY channel, prefix`)
}

// Update modifies an existing route.
func (r *callerIdRouteRepo) Update(ctx context.Context, route *models.CallerIdRoute) error {
	route.UpdatedAt = NowMillis()
	_, err := r.db.ExecContext(ctx,
		`UPDATE caller_id_routes SET channel = ?, prefix = ?, caller_id = ?,
		 description = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		route.Channel, route.Prefix, route.CallerID, route.Description,
		route.Enabled, route.UpdatedAt, route.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePrefix
		}
		return fmt.Errorf("updating caller id route: %w", err)
	}
	return nil
}

// Delete removes a route.
func (r *callerIdRouteRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM caller_id_routes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting caller id route: %w", err)
	}
	return nil
}

func (r *callerIdRouteRepo) list(ctx context.Context, query string, args ...any) ([]models.CallerIdRoute, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing caller id routes: %w", err)
	}
	defer rows.Close()

	var out []models.CallerIdRoute
	for rows.Next() {
		var route models.CallerIdRoute
		if err := rows.Scan(&route.ID, &route.Channel, &route.Prefix, &route.CallerID,
			&route.Description, &route.Enabled, &route.CreatedAt, &route.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning caller id route: %w", err)
		}
		out = append(out, route)
	}
	return out, rows.Err()
}

// isUniqueViolation reports whether the error is a SQLite unique constraint
// failure. modernc.org/sqlite surfaces these as plain errors, so this is a
// string match on the constraint message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
