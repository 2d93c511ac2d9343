// Package registry is the single source of truth for order lifecycle: it
// generates batch tags and idempotency keys, tracks pending orders, and
// records fills.
package registry

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateKey is returned when registering a key already known as
	// pending or filled.
	ErrDuplicateKey = errors.New("registry: duplicate idempotency key")
	// ErrUnknownKey is returned when confirming a key that was never pending.
	ErrUnknownKey = errors.New("registry: unknown idempotency key")
	// ErrAlreadyFilled is returned when confirming a key a second time.
	ErrAlreadyFilled = errors.New("registry: order already filled")
)

// PendingOrder is a dispatched order awaiting fill confirmation.
type PendingOrder struct {
	Key         string
	Instrument  string
	Action      string
	Lots        int
	BrokerID    string // extracted broker order id, may be empty
	SubmittedAt time.Time
	HTTPStatus  int
	Attempts    int
}

// FilledOrder is a confirmed fill. Immutable once created.
type FilledOrder struct {
	Order     PendingOrder
	FillPrice float64
	FilledAt  time.Time
}

// Journal persists lifecycle transitions so a restart can rebuild the pending
// book. Implementations must tolerate being called concurrently.
type Journal interface {
	AppendPending(o PendingOrder) error
	AppendFill(f FilledOrder) error
	LoadPending() ([]PendingOrder, error)
}

// Registry tracks pending and filled orders keyed by idempotency key.
// Confirmation and registration take the write lock; snapshot reads take the
// read lock, so readers are never blocked by each other.
type Registry struct {
	mu      sync.RWMutex
	pending map[string]PendingOrder
	filled  map[string]FilledOrder
	journal Journal // optional write-through, best effort

	cbMu         sync.RWMutex
	fillCallback func(FilledOrder)
}

// New creates an empty registry. journal may be nil.
func New(journal Journal) *Registry {
	return &Registry{
		pending: make(map[string]PendingOrder),
		filled:  make(map[string]FilledOrder),
		journal: journal,
	}
}

// Restore reloads pending orders persisted by a previous run. Keys already
// present in memory win; journal rows never overwrite live state.
func (r *Registry) Restore() error {
	if r.journal == nil {
		return nil
	}
	rows, err := r.journal.LoadPending()
	if err != nil {
		return fmt.Errorf("restore pending orders: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
	for _, o := range rows {
		if _, ok := r.pending[o.Key]; ok {
			continue
		}
		if _, ok := r.filled[o.Key]; ok {
			continue
		}
		r.pending[o.Key] = o
		restored++
	}
	if restored > 0 {
		log.Printf("registry: restored %d pending orders from journal", restored)
	}
	return nil
}

// NewBatchTag returns a process-unique batch tag of the form order-<12 hex>.
func NewBatchTag() string {
	return "order-" + hexID(12)
}

// NewKey derives the idempotency key for the order at index within a batch:
// <batch tag>-<index>-<8 hex>. The random suffix keeps keys distinct across
// retried builds of the same batch.
func NewKey(batchTag string, index int) string {
	return fmt.Sprintf("%s-%d-%s", batchTag, index, hexID(8))
}

func hexID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

// RegisterPending records a dispatched order. The key must be new for the
// process lifetime; re-registering a pending or filled key fails with
// ErrDuplicateKey.
func (r *Registry) RegisterPending(o PendingOrder) error {
	if o.Key == "" {
		return fmt.Errorf("%w: empty key", ErrUnknownKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[o.Key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, o.Key)
	}
	if _, ok := r.filled[o.Key]; ok {
		return fmt.Errorf("%w: %s (already filled)", ErrDuplicateKey, o.Key)
	}
	r.pending[o.Key] = o

	if r.journal != nil {
		if err := r.journal.AppendPending(o); err != nil {
			log.Printf("registry: journal pending %s: %v", o.Key, err)
		}
	}
	return nil
}

// ConfirmFill moves a pending order to filled, atomically with respect to a
// concurrent confirmation of the same key. The second confirmation of a key
// fails with ErrAlreadyFilled; confirming an unregistered key fails with
// ErrUnknownKey.
func (r *Registry) ConfirmFill(key string, fillPrice float64, fillTime time.Time) (FilledOrder, error) {
	r.mu.Lock()
	if _, ok := r.filled[key]; ok {
		r.mu.Unlock()
		return FilledOrder{}, fmt.Errorf("%w: %s", ErrAlreadyFilled, key)
	}
	o, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		return FilledOrder{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	if fillTime.IsZero() {
		fillTime = time.Now().UTC()
	}
	f := FilledOrder{Order: o, FillPrice: fillPrice, FilledAt: fillTime}
	delete(r.pending, key)
	r.filled[key] = f
	r.mu.Unlock()

	if r.journal != nil {
		if err := r.journal.AppendFill(f); err != nil {
			log.Printf("registry: journal fill %s: %v", key, err)
		}
	}

	// Callback runs outside the registry lock so it may query snapshots.
	r.cbMu.RLock()
	cb := r.fillCallback
	r.cbMu.RUnlock()
	if cb != nil {
		cb(f)
	}
	return f, nil
}

// SetFillCallback installs a hook invoked after every successful fill
// confirmation, outside the registry lock.
func (r *Registry) SetFillCallback(cb func(FilledOrder)) {
	r.cbMu.Lock()
	r.fillCallback = cb
	r.cbMu.Unlock()
}

// Pending returns an independent snapshot of pending orders. Mutating the
// returned slice cannot affect registry state.
func (r *Registry) Pending() []PendingOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PendingOrder, 0, len(r.pending))
	for _, o := range r.pending {
		out = append(out, o)
	}
	return out
}

// Filled returns an independent snapshot of filled orders.
func (r *Registry) Filled() []FilledOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FilledOrder, 0, len(r.filled))
	for _, f := range r.filled {
		out = append(out, f)
	}
	return out
}

// Counts returns pending and filled totals, used by status endpoints.
func (r *Registry) Counts() (pending, filled int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending), len(r.filled)
}
