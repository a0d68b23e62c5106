// Package journal persists purchase events until a listener has seen them,
// giving the session at-least-once delivery across process restarts.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/purchasekit/purchasekit/billing"
)

var (
	ErrExists   = errors.New("journal entry already exists")
	ErrNotFound = errors.New("journal entry not found")
)

// Entry is one undelivered purchase event. Entries are appended before the
// event is handed to listeners and marked delivered once a dispatch cycle
// completes; anything still pending at the next connect is replayed.
type Entry struct {
	ID        string
	Purchase  *billing.Purchase
	CreatedAt time.Time
	Delivered bool
}

func (e *Entry) Clone() *Entry {
	cloned := *e
	cloned.Purchase = e.Purchase.Clone()
	return &cloned
}

type Store interface {
	Append(ctx context.Context, entry *Entry) error

	// ListPending returns undelivered entries in append order.
	ListPending(ctx context.Context) ([]*Entry, error)

	MarkDelivered(ctx context.Context, id string) error

	// PurgeDelivered removes delivered entries created before the cutoff and
	// reports how many were removed.
	PurgeDelivered(ctx context.Context, cutoff time.Time) (int, error)
}
