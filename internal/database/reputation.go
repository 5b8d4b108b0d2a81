package database

import (
	"context"
	"fmt"

	"github.com/otpgate/otpgate/internal/database/models"
)

// ipReputationRepo implements IpReputationRepository. All mutations are
// single-statement upserts so trust_score can never drift from the counters
// it is derived from, even under concurrent writers.
type ipReputationRepo struct {
	db *DB
}

// NewIpReputationRepository creates a new IpReputationRepository.
func NewIpReputationRepository(db *DB) IpReputationRepository {
	return &ipReputationRepo{db: db}
}

// Get returns the reputation row for a subnet, or nil if none exists.
func (r *ipReputationRepo) Get(ctx context.Context, subnet string) (*models.IpReputation, error) {
	var rep models.IpReputation
	err := r.db.QueryRowContext(ctx,
		`SELECT subnet, total, verified, failed, trust_score, banned, ban_reason, updated_at
		 FROM ip_reputation WHERE subnet = ?`, subnet,
	).Scan(&rep.Subnet, &rep.Total, &rep.Verified, &rep.Failed, &rep.TrustScore,
		&rep.Banned, &rep.BanReason, &rep.UpdatedAt)
	if errIsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying ip reputation: %w", err)
	}
	return &rep, nil
}

// IncrementTotal upserts the subnet row and bumps the total counter.
func (r *ipReputationRepo) IncrementTotal(ctx context.Context, subnet string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ip_reputation (subnet, total, verified, failed, trust_score, updated_at)
		 VALUES (?, 1, 0, 0, 0, ?)
		 ON CONFLICT(subnet) DO UPDATE SET
		   total = total + 1,
		   trust_score = CAST(verified AS REAL) / MAX(total + 1, 1),
		   updated_at = excluded.updated_at`,
		subnet, NowMillis())
	if err != nil {
		return fmt.Errorf("incrementing ip reputation total: %w", err)
	}
	return nil
}

// RecordVerified bumps the verified counter. The row is created if missing
// so late auth feedback never fails.
func (r *ipReputationRepo) RecordVerified(ctx context.Context, subnet string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ip_reputation (subnet, total, verified, failed, trust_score, updated_at)
		 VALUES (?, 1, 1, 0, 1, ?)
		 ON CONFLICT(subnet) DO UPDATE SET
		   verified = verified + 1,
		   total = MAX(total, verified + failed + 1),
		   trust_score = CAST(verified + 1 AS REAL) / MAX(total, verified + failed + 1, 1),
		   updated_at = excluded.updated_at`,
		subnet, NowMillis())
	if err != nil {
		return fmt.Errorf("recording ip verification: %w", err)
	}
	return nil
}

// RecordFailed bumps the failed counter.
func (r *ipReputationRepo) RecordFailed(ctx context.Context, subnet string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ip_reputation (subnet, total, verified, failed, trust_score, updated_at)
		 VALUES (?, 1, 0, 1, 0, ?)
		 ON CONFLICT(subnet) DO UPDATE SET
		   failed = failed + 1,
		   total = MAX(total, verified + failed + 1),
		   trust_score = CAST(verified AS REAL) / MAX(total, verified + failed + 1, 1),
		   updated_at = excluded.updated_at`,
		subnet, NowMillis())
	if err != nil {
		return fmt.Errorf("recording ip failure: %w", err)
	}
	return nil
}

// Ban marks the subnet banned with the given reason.
func (r *ipReputationRepo) Ban(ctx context.Context, subnet, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ip_reputation (subnet, total, verified, failed, trust_score, banned, ban_reason, updated_at)
		 VALUES (?, 0, 0, 0, 0, 1, ?, ?)
		 ON CONFLICT(subnet) DO UPDATE SET
		   banned = 1,
		   ban_reason = excluded.ban_reason,
		   updated_at = excluded.updated_at`,
		subnet, reason, NowMillis())
	if err != nil {
		return fmt.Errorf("banning subnet: %w", err)
	}
	return nil
}

// prefixReputationRepo implements PrefixReputationRepository using the same
// upsert shape as the IP variant.
type prefixReputationRepo struct {
	db *DB
}

// NewPrefixReputationRepository creates a new PrefixReputationRepository.
func NewPrefixReputationRepository(db *DB) PrefixReputationRepository {
	return &prefixReputationRepo{db: db}
}

// Get returns the reputation row for a phone prefix, or nil if none exists.
func (r *prefixReputationRepo) Get(ctx context.Context, prefix string) (*models.PrefixReputation, error) {
	var rep models.PrefixReputation
	err := r.db.QueryRowContext(ctx,
		`SELECT prefix, total, verified, failed, trust_score, updated_at
		 FROM prefix_reputation WHERE prefix = ?`, prefix,
	).Scan(&rep.Prefix, &rep.Total, &rep.Verified, &rep.Failed, &rep.TrustScore, &rep.UpdatedAt)
	if errIsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying prefix reputation: %w", err)
	}
	return &rep, nil
}

// IncrementTotal upserts the prefix row and bumps the total counter.
func (r *prefixReputationRepo) IncrementTotal(ctx context.Context, prefix string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO prefix_reputation (prefix, total, verified, failed, trust_score, updated_at)
		 VALUES (?, 1, 0, 0, 0, ?)
		 ON CONFLICT(prefix) DO UPDATE SET
		   total = total + 1,
		   trust_score = CAST(verified AS REAL) / MAX(total + 1, 1),
		   updated_at = excluded.updated_at`,
		prefix, NowMillis())
	if err != nil {
		return fmt.Errorf("incrementing prefix reputation total: %w", err)
	}
	return nil
}

// RecordVerified bumps the verified counter.
func (r *prefixReputationRepo) RecordVerified(ctx context.Context, prefix string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO prefix_reputation (prefix, total, verified, failed, trust_score, updated_at)
		 VALUES (?, 1, 1, 0, 1, ?)
		 ON CONFLICT(prefix) DO UPDATE SET
		   verified = verified + 1,
		   total = MAX(total, verified + failed + 1),
		   trust_score = CAST(verified + 1 AS REAL) / MAX(total, verified + failed + 1, 1),
		   updated_at = excluded.updated_at`,
		prefix, NowMillis())
	if err != nil {
		return fmt.Errorf("recording prefix verification: %w", err)
	}
	return nil
}

// RecordFailed bumps the failed counter.
func (r *prefixReputationRepo) RecordFailed(ctx context.Context, prefix string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO prefix_reputation (prefix, total, verified, failed, trust_score, updated_at)
		 VALUES (?, 1, 0, 1, 0, ?)
		 ON CONFLICT(prefix) DO UPDATE SET
		   failed = failed + 1,
		   total = MAX(total, verified + failed + 1),
		   trust_score = CAST(verified AS REAL) / MAX(total, verified + failed + 1, 1),
		   updated_at = excluded.updated_at`,
		prefix, NowMillis())
	if err != nil {
		return fmt.Errorf("recording prefix failure: %w", err)
	}
	return nil
}

// VerificationStats returns the number of requests to the prefix within the
// window along with how many of them were verified, joining auth feedback
// onto requests.
func (r *prefixReputationRepo) VerificationStats(ctx context.Context, prefix string, windowMs int64) (int64, int64, error) {
	var total, verified int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN af.success = 1 THEN 1 ELSE 0 END), 0)
		 FROM otp_requests req
		 LEFT JOIN auth_feedback af ON af.request_id = req.id
		 WHERE req.phone_prefix = ? AND req.created_at >= ?`,
		prefix, NowMillis()-windowMs).Scan(&total, &verified)
	if err != nil {
		return 0, 0, fmt.Errorf("querying prefix verification stats: %w", err)
	}
	return total, verified, nil
}
