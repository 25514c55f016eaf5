// Package notify delivers settlement notifications at least once.
//
// The settlement listener enqueues one notification per recorded
// settlement into a durable outbox. A worker drains the outbox into a
// Sink, retrying with exponential backoff and dead-lettering after a
// bounded number of attempts. Delivery failures never touch the
// settlement record itself.
package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("notification not found")
)

// Status represents the delivery state of an outbox message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusDead      Status = "dead"
)

// Notification is the payload pushed to the external notifier.
// SettlementID doubles as the idempotency key.
type Notification struct {
	SettlementID    string            `json:"settlementId"`
	PaymentIntentID string            `json:"paymentIntentId,omitempty"`
	ReferenceID     string            `json:"referenceId"`
	Payer           string            `json:"payer"`
	Total           string            `json:"total"`
	Amounts         map[string]string `json:"amounts"`    // role → amount
	Recipients      map[string]string `json:"recipients"` // role → address
	TxHash          string            `json:"txHash"`
	LogIndex        uint              `json:"logIndex"`
	BlockNumber     uint64            `json:"blockNumber"`
	SettledAt       time.Time         `json:"settledAt"`
}

// Message is an outbox row.
type Message struct {
	ID            string       `json:"id"`
	Payload       Notification `json:"payload"`
	Status        Status       `json:"status"`
	Attempts      int          `json:"attempts"`
	LastError     string       `json:"lastError,omitempty"`
	NextAttemptAt time.Time    `json:"nextAttemptAt"`
	CreatedAt     time.Time    `json:"createdAt"`
	DeliveredAt   *time.Time   `json:"deliveredAt,omitempty"`
}

// Outbox persists notifications until they are delivered.
type Outbox interface {
	// Enqueue stores n for delivery. A second enqueue for the same
	// settlement is a no-op.
	Enqueue(ctx context.Context, n Notification, now time.Time) error
	// Due returns up to limit pending messages whose next attempt is at or
	// before now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*Message, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a failed attempt. dead moves the message out of
	// the pending set for good.
	MarkFailed(ctx context.Context, id string, errMsg string, next time.Time, dead bool) error
	Get(ctx context.Context, id string) (*Message, error)
	PendingCount(ctx context.Context) (int, error)
}

// Sink delivers one notification. Implementations must tolerate
// duplicates.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

// MultiSink fans a notification out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
