package database

import (
	"context"
	"fmt"

	"github.com/otpgate/otpgate/internal/database/models"
)

// otpEventRepo implements OtpEventRepository.
type otpEventRepo struct {
	db *DB
}

// NewOtpEventRepository creates a new OtpEventRepository.
func NewOtpEventRepository(db *DB) OtpEventRepository {
	return &otpEventRepo{db: db}
}

// Append writes one lifecycle event. The log is append-only.
func (r *otpEventRepo) Append(ctx context.Context, ev *models.OtpEvent) error {
	if ev.CreatedAt == 0 {
		ev.CreatedAt = NowMillis()
	}
	if ev.Payload == "" {
		ev.Payload = "{}"
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO otp_events (request_id, channel, event_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.RequestID, ev.Channel, ev.EventType, ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting otp event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	ev.ID = id
	return nil
}

// ListByRequest returns all events for a request in insertion order.
func (r *otpEventRepo) ListByRequest(ctx context.Context, requestID string) ([]models.OtpEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, request_id, channel, event_type, payload, created_at
		 FROM otp_events WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("listing otp events: %w", err)
	}
	defer rows.Close()

	var out []models.OtpEvent
	for rows.Next() {
		var ev models.OtpEvent
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.Channel, &ev.EventType, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning otp event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
