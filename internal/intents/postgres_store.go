package intents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// PostgresStore persists payment intents in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed intent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const intentColumns = `id, reference_id, total_amount::TEXT, provider, beneficiary, treasury, staking_pool,
		       split_bps, split_version, status, settlement_id, created_at, expires_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, i *Intent) error {
	bps := make([]int64, len(i.SplitBPS))
	for idx, w := range i.SplitBPS {
		bps[idx] = int64(w)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_intents (
			id, reference_id, total_amount, provider, beneficiary, treasury, staking_pool,
			split_bps, split_version, status, created_at, expires_at
		) VALUES ($1, $2, $3::NUMERIC(78,0), $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		i.ID, i.ReferenceID, i.TotalAmount.String(),
		i.Recipients[0].Hex(), i.Recipients[1].Hex(), i.Recipients[2].Hex(), i.Recipients[3].Hex(),
		pq.Array(bps), i.SplitVersion, string(i.Status), i.CreatedAt, i.ExpiresAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrIntentPending
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id)
	i, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return i, err
}

func (p *PostgresStore) FindPending(ctx context.Context, referenceID string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE reference_id = $1 AND status = 'pending'`, referenceID)
	i, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return i, err
}

func (p *PostgresStore) Complete(ctx context.Context, id, settlementID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = 'completed', settlement_id = $2, resolved_at = $3
		WHERE id = $1 AND status = 'pending'`, id, settlementID, at)
	if err != nil {
		return err
	}
	return p.conditional(ctx, result, id)
}

func (p *PostgresStore) Expire(ctx context.Context, id string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = 'expired', resolved_at = $2
		WHERE id = $1 AND status = 'pending' AND expires_at <= $2`, id, now)
	if err != nil {
		return err
	}
	return p.conditional(ctx, result, id)
}

// conditional distinguishes a lost status race from a missing row.
func (p *PostgresStore) conditional(ctx context.Context, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_intents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotPending
}

func (p *PostgresStore) ExpireDue(ctx context.Context, now time.Time, limit int) ([]*Intent, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE payment_intents
		SET status = 'expired', resolved_at = $1
		WHERE id IN (
			SELECT id FROM payment_intents
			WHERE status = 'pending' AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND status = 'pending'
		RETURNING `+intentColumns, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Intent
	for rows.Next() {
		i, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, i)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(s scanner) (*Intent, error) {
	var (
		i            Intent
		amount       string
		recipients   [4]string
		bps          []int64
		status       string
		settlementID sql.NullString
		resolvedAt   sql.NullTime
	)
	err := s.Scan(
		&i.ID, &i.ReferenceID, &amount,
		&recipients[0], &recipients[1], &recipients[2], &recipients[3],
		pq.Array(&bps), &i.SplitVersion, &status, &settlementID,
		&i.CreatedAt, &i.ExpiresAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	total, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("intent %s: bad amount %q", i.ID, amount)
	}
	if len(bps) != len(i.SplitBPS) {
		return nil, fmt.Errorf("intent %s: expected %d split weights, got %d", i.ID, len(i.SplitBPS), len(bps))
	}
	i.TotalAmount = total
	for idx := range recipients {
		i.Recipients[idx] = common.HexToAddress(recipients[idx])
		i.SplitBPS[idx] = uint32(bps[idx])
	}
	i.Status = Status(status)
	i.SettlementID = settlementID.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		i.ResolvedAt = &t
	}
	return &i, nil
}
