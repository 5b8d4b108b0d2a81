package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/otpgate/otpgate/internal/database/models"
)

// requestColumns is the column list shared by all otp_requests selects.
const requestColumns = `id, phone, phone_prefix, phone_country, code_digest, status,
	 auth_status, channels_requested, chosen_channel, client_ip, ip_subnet, asn,
	 ip_country, fraud_score, fraud_reasons, shadow_banned, session_id,
	 webhook_url, provider_id, error_message, created_at, updated_at, expires_at`

// requestSortColumns whitelists sortable columns for listings.
var requestSortColumns = map[string]bool{
	"created_at":  true,
	"updated_at":  true,
	"expires_at":  true,
	"status":      true,
	"phone":       true,
	"fraud_score": true,
}

// otpRequestRepo implements OtpRequestRepository.
type otpRequestRepo struct {
	db *DB
}

// NewOtpRequestRepository creates a new OtpRequestRepository.
func NewOtpRequestRepository(db *DB) OtpRequestRepository {
	return &otpRequestRepo{db: db}
}

// Create inserts a new request record.
func (r *otpRequestRepo) Create(ctx context.Context, req *models.OtpRequest) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO otp_requests (id, phone, phone_prefix, phone_country,
		 code_digest, status, auth_status, channels_requested, chosen_channel,
		 client_ip, ip_subnet, asn, ip_country, fraud_score, fraud_reasons,
		 shadow_banned, session_id, webhook_url, provider_id, error_message,
		 created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Phone, req.PhonePrefix, req.PhoneCountry, req.CodeDigest,
		req.Status, req.AuthStatus, req.ChannelsRequested, req.ChosenChannel,
		req.ClientIP, req.IPSubnet, req.ASN, req.IPCountry, req.FraudScore,
		req.FraudReasons, req.ShadowBanned, req.SessionID, req.WebhookURL,
		req.ProviderID, req.ErrorMessage, req.CreatedAt, req.UpdatedAt, req.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting otp request: %w", err)
	}
	return nil
}

// GetByID returns a request by its UUID, or nil if not found.
func (r *otpRequestRepo) GetByID(ctx context.Context, id string) (*models.OtpRequest, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM otp_requests WHERE id = ?`, id))
}

// GetByProviderID returns the request matching a provider-assigned id.
func (r *otpRequestRepo) GetByProviderID(ctx context.Context, providerID string) (*models.OtpRequest, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM otp_requests WHERE provider_id = ?`, providerID))
}

// UpdateStatus sets the delivery status and bumps updated_at.
func (r *otpRequestRepo) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE otp_requests SET status = ?, updated_at = ? WHERE id = ?`,
		status, NowMillis(), id)
	if err != nil {
		return fmt.Errorf("updating request status: %w", err)
	}
	return nil
}

// SetAuthStatus records the auth outcome. Only the first write wins.
func (r *otpRequestRepo) SetAuthStatus(ctx context.Context, id, authStatus string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE otp_requests SET auth_status = ?, updated_at = ?
		 WHERE id = ? AND auth_status IS NULL`,
		authStatus, NowMillis(), id)
	if err != nil {
		return fmt.Errorf("updating auth status: %w", err)
	}
	return nil
}

// SetChosenChannel records which channel was attempted.
func (r *otpRequestRepo) SetChosenChannel(ctx context.Context, id, channel string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE otp_requests SET chosen_channel = ?, updated_at = ? WHERE id = ?`,
		channel, NowMillis(), id)
	if err != nil {
		return fmt.Errorf("updating chosen channel: %w", err)
	}
	return nil
}

// SetProviderID records the provider-assigned external id.
func (r *otpRequestRepo) SetProviderID(ctx context.Context, id, providerID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE otp_requests SET provider_id = ?, updated_at = ? WHERE id = ?`,
		providerID, NowMillis(), id)
	if err != nil {
		return fmt.Errorf("updating provider id: %w", err)
	}
	return nil
}

// SetError records a terminal error message.
func (r *otpRequestRepo) SetError(ctx context.Context, id, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE otp_requests SET error_message = ?, updated_at = ? WHERE id = ?`,
		errMsg, NowMillis(), id)
	if err != nil {
		return fmt.Errorf("updating error message: %w", err)
	}
	return nil
}

// List returns a page of requests plus the total count.
func (r *otpRequestRepo) List(ctx context.Context, p ListParams) ([]models.OtpRequest, int, error) {
	sort := "created_at"
	if p.Sort != "" {
		if !requestSortColumns[p.Sort] {
			return nil, 0, fmt.Errorf("invalid sort column %q", p.Sort)
		}
		sort = p.Sort
	}
	dir := "ASC"
	if p.Desc {
		dir = "DESC"
	}
	limit := p.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM otp_requests`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting requests: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM otp_requests ORDER BY `+sort+` `+dir+` LIMIT ? OFFSET ?`,
		limit, p.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("listing requests: %w", err)
	}
	defer rows.Close()

	var out []models.OtpRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *req)
	}
	return out, total, rows.Err()
}

// CountByPhoneSince counts requests to the same phone within the window.
func (r *otpRequestRepo) CountByPhoneSince(ctx context.Context, phone string, windowMs int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM otp_requests WHERE phone = ? AND created_at >= ?`,
		phone, NowMillis()-windowMs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting requests by phone: %w", err)
	}
	return n, nil
}

// CountBySubnetSince counts requests from the same subnet within the window.
func (r *otpRequestRepo) CountBySubnetSince(ctx context.Context, subnet string, windowMs int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM otp_requests WHERE ip_subnet = ? AND created_at >= ?`,
		subnet, NowMillis()-windowMs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting requests by subnet: %w", err)
	}
	return n, nil
}

// ListExpired returns non-terminal requests whose expires_at has passed.
func (r *otpRequestRepo) ListExpired(ctx context.Context, nowMs int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM otp_requests
		 WHERE expires_at < ? AND status NOT IN ('failed', 'verified', 'rejected', 'expired')`,
		nowMs)
	if err != nil {
		return nil, fmt.Errorf("listing expired requests: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning expired id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByStatus returns request counts grouped by delivery status.
func (r *otpRequestRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM otp_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting requests by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.OtpRequest, error) {
	var req models.OtpRequest
	err := row.Scan(
		&req.ID, &req.Phone, &req.PhonePrefix, &req.PhoneCountry, &req.CodeDigest,
		&req.Status, &req.AuthStatus, &req.ChannelsRequested, &req.ChosenChannel,
		&req.ClientIP, &req.IPSubnet, &req.ASN, &req.IPCountry, &req.FraudScore,
		&req.FraudReasons, &req.ShadowBanned, &req.SessionID, &req.WebhookURL,
		&req.ProviderID, &req.ErrorMessage, &req.CreatedAt, &req.UpdatedAt, &req.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning otp request: %w", err)
	}
	return &req, nil
}

func (r *otpRequestRepo) scanOne(row *sql.Row) (*models.OtpRequest, error) {
	req, err := scanRequest(row)
	if err != nil {
		if errIsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return req, nil
}
