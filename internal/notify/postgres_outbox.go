package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/splitpay/internal/idgen"
)

// PostgresOutbox persists notifications in PostgreSQL.
type PostgresOutbox struct {
	db *sql.DB
}

var _ Outbox = (*PostgresOutbox)(nil)

// NewPostgresOutbox creates a new PostgreSQL-backed outbox.
func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

const messageColumns = `id, payload, status, attempts, last_error, next_attempt_at, created_at, delivered_at`

func (p *PostgresOutbox) Enqueue(ctx context.Context, n Notification, now time.Time) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO notification_outbox (id, settlement_id, payload, status, next_attempt_at, created_at)
		VALUES ($1, $2, $3, 'pending', $4, $4)
		ON CONFLICT (settlement_id) DO NOTHING`,
		idgen.WithPrefix("nt_"), n.SettlementID, payload, now)
	return err
}

func (p *PostgresOutbox) Due(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM notification_outbox
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY created_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (p *PostgresOutbox) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status = 'delivered', attempts = attempts + 1, last_error = NULL, delivered_at = $2
		WHERE id = $1`, id, at)
	return affected(result, err)
}

func (p *PostgresOutbox) MarkFailed(ctx context.Context, id string, errMsg string, next time.Time, dead bool) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3, status = $4
		WHERE id = $1`, id, errMsg, next, string(status))
	return affected(result, err)
}

func (p *PostgresOutbox) Get(ctx context.Context, id string) (*Message, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM notification_outbox WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (p *PostgresOutbox) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_outbox WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func affected(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var (
		msg         Message
		payload     []byte
		status      string
		lastError   sql.NullString
		deliveredAt sql.NullTime
	)
	if err := s.Scan(&msg.ID, &payload, &status, &msg.Attempts, &lastError,
		&msg.NextAttemptAt, &msg.CreatedAt, &deliveredAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &msg.Payload); err != nil {
		return nil, fmt.Errorf("notification %s: %w", msg.ID, err)
	}
	msg.Status = Status(status)
	msg.LastError = lastError.String
	if deliveredAt.Valid {
		t := deliveredAt.Time
		msg.DeliveredAt = &t
	}
	return &msg, nil
}
