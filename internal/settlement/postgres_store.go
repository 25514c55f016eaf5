package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/splitpay/internal/pagination"
	"github.com/mbd888/splitpay/internal/splits"
)

// PostgresStore persists settlement records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, payment_intent_id, reference_id, payer, tx_hash, log_index, block_number,
		       total_amount::TEXT, settled_at, recorded_at`

func (p *PostgresStore) Record(ctx context.Context, rec *Record, shares []Share) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var intentID sql.NullString
	if rec.PaymentIntentID != "" {
		intentID = sql.NullString{String: rec.PaymentIntentID, Valid: true}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO settlement_records (
			id, payment_intent_id, reference_id, payer, tx_hash, log_index, block_number,
			total_amount, settled_at, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC(78,0), $9, $10)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		rec.ID, intentID, rec.ReferenceID, rec.Payer.Hex(), rec.TxHash.Hex(), rec.LogIndex,
		rec.BlockNumber, rec.TotalAmount.String(), rec.SettledAt, rec.RecordedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert settlement: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return false, nil
	}

	for _, s := range shares {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO split_shares (id, settlement_id, recipient_role, recipient_address, amount)
			VALUES ($1, $2, $3, $4, $5::NUMERIC(78,0))`,
			s.ID, rec.ID, string(s.Role), s.Address.Hex(), s.Amount.String(),
		)
		if err != nil {
			return false, fmt.Errorf("failed to insert %s share: %w", s.Role, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM settlement_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) GetByLog(ctx context.Context, txHash common.Hash, logIndex uint) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM settlement_records
		WHERE tx_hash = $1 AND log_index = $2`, txHash.Hex(), logIndex)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) ListByTx(ctx context.Context, txHash common.Hash) ([]*Record, error) {
	return p.list(ctx, `
		SELECT `+recordColumns+` FROM settlement_records
		WHERE tx_hash = $1
		ORDER BY log_index`, txHash.Hex())
}

func (p *PostgresStore) ListByReference(ctx context.Context, referenceID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.list(ctx, `
		SELECT `+recordColumns+` FROM settlement_records
		WHERE reference_id = $1
		ORDER BY block_number DESC, log_index DESC
		LIMIT $2`, referenceID, limit)
}

func (p *PostgresStore) ListRecent(ctx context.Context, after *pagination.Cursor, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if after == nil {
		return p.list(ctx, `
			SELECT `+recordColumns+` FROM settlement_records
			ORDER BY recorded_at DESC, id DESC
			LIMIT $1`, limit)
	}
	return p.list(ctx, `
		SELECT `+recordColumns+` FROM settlement_records
		WHERE (recorded_at, id) < ($1, $2)
		ORDER BY recorded_at DESC, id DESC
		LIMIT $3`, after.CreatedAt, after.ID, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Shares(ctx context.Context, settlementID string) ([]Share, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, settlement_id, recipient_role, recipient_address, amount::TEXT
		FROM split_shares
		WHERE settlement_id = $1`, settlementID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Share
	for rows.Next() {
		var (
			s       Share
			role    string
			address string
			amount  string
		)
		if err := rows.Scan(&s.ID, &s.SettlementID, &role, &address, &amount); err != nil {
			return nil, err
		}
		s.Role = splits.Role(role)
		s.Address = common.HexToAddress(address)
		var ok bool
		if s.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
			return nil, fmt.Errorf("share %s: bad amount %q", s.ID, amount)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Role.Index() < result[j].Role.Index() })
	return result, nil
}

func (p *PostgresStore) LastProcessed(ctx context.Context, chainID int64) (uint64, bool, error) {
	var block int64
	err := p.db.QueryRowContext(ctx,
		`SELECT last_processed FROM listener_checkpoints WHERE chain_id = $1`, chainID).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(block), true, nil
}

func (p *PostgresStore) SaveCheckpoint(ctx context.Context, chainID int64, block uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listener_checkpoints (chain_id, last_processed, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain_id) DO UPDATE SET
			last_processed = EXCLUDED.last_processed,
			updated_at     = NOW()`, chainID, int64(block))
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec        Record
		intentID   sql.NullString
		payer      string
		txHash     string
		logIndex   int64
		block      int64
		total      string
		settledAt  time.Time
		recordedAt time.Time
	)
	err := s.Scan(&rec.ID, &intentID, &rec.ReferenceID, &payer, &txHash, &logIndex, &block,
		&total, &settledAt, &recordedAt)
	if err != nil {
		return nil, err
	}
	rec.PaymentIntentID = intentID.String
	rec.Payer = common.HexToAddress(payer)
	rec.TxHash = common.HexToHash(txHash)
	rec.LogIndex = uint(logIndex)
	rec.BlockNumber = uint64(block)
	rec.SettledAt = settledAt.UTC()
	rec.RecordedAt = recordedAt.UTC()
	var ok bool
	if rec.TotalAmount, ok = new(big.Int).SetString(total, 10); !ok {
		return nil, fmt.Errorf("settlement %s: bad total %q", rec.ID, total)
	}
	return &rec, nil
}
