package registry

import (
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"
)

func TestBatchTagAndKeyFormat(t *testing.T) {
	tagRe := regexp.MustCompile(`^order-[0-9a-f]{12}$`)
	tag := NewBatchTag()
	if !tagRe.MatchString(tag) {
		t.Fatalf("batch tag %q does not match order-<12 hex>", tag)
	}

	keyRe := regexp.MustCompile(`^order-[0-9a-f]{12}-3-[0-9a-f]{8}$`)
	key := NewKey(tag, 3)
	if !keyRe.MatchString(key) {
		t.Fatalf("key %q does not match <tag>-<index>-<8 hex>", key)
	}
}

func TestKeysPairwiseDistinct(t *testing.T) {
	seen := make(map[string]bool)
	for b := 0; b < 10; b++ {
		tag := NewBatchTag()
		for i := 0; i < 20; i++ {
			k := NewKey(tag, i)
			if seen[k] {
				t.Fatalf("duplicate key generated: %s", k)
			}
			seen[k] = true
		}
	}
}

func TestFillLifecycle(t *testing.T) {
	r := New(nil)
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	if _, err := r.ConfirmFill("no-such-key", 100, now); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("confirm of unregistered key: err=%v, expected ErrUnknownKey", err)
	}

	o := PendingOrder{Key: "order-abc-0-def", Instrument: "SENSEX25JUN81000CE", Action: "SELL", Lots: 2, SubmittedAt: now}
	if err := r.RegisterPending(o); err != nil {
		t.Fatalf("RegisterPending: %v", err)
	}
	if err := r.RegisterPending(o); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("duplicate register: err=%v, expected ErrDuplicateKey", err)
	}

	f, err := r.ConfirmFill(o.Key, 100.50, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ConfirmFill: %v", err)
	}
	if f.FillPrice != 100.50 || f.Order.Key != o.Key {
		t.Fatalf("unexpected fill: %+v", f)
	}

	if _, err := r.ConfirmFill(o.Key, 101, now); !errors.Is(err, ErrAlreadyFilled) {
		t.Fatalf("second confirm: err=%v, expected ErrAlreadyFilled", err)
	}
	// A filled key can never be re-registered either.
	if err := r.RegisterPending(o); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("register of filled key: err=%v, expected ErrDuplicateKey", err)
	}

	if got := len(r.Pending()); got != 0 {
		t.Fatalf("pending=%d after confirmation, expected 0", got)
	}
	filled := r.Filled()
	if len(filled) != 1 || filled[0].Order.Key != o.Key {
		t.Fatalf("filled snapshot=%+v, expected exactly the confirmed order", filled)
	}
}

func TestSnapshotsAreIndependent(t *testing.T) {
	r := New(nil)
	if err := r.RegisterPending(PendingOrder{Key: "k1", Instrument: "NIFTY", Action: "BUY", Lots: 1}); err != nil {
		t.Fatal(err)
	}

	snap := r.Pending()
	snap[0].Instrument = "mutated"
	snap[0].Lots = 99

	again := r.Pending()
	if again[0].Instrument != "NIFTY" || again[0].Lots != 1 {
		t.Fatalf("snapshot mutation leaked into registry: %+v", again[0])
	}
}

func TestConcurrentConfirmSingleWinner(t *testing.T) {
	r := New(nil)
	const key = "contended-key"
	if err := r.RegisterPending(PendingOrder{Key: key, Instrument: "BANKNIFTY", Action: "SELL", Lots: 1}); err != nil {
		t.Fatal(err)
	}

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.ConfirmFill(key, 55.25, time.Time{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrAlreadyFilled) {
			t.Fatalf("unexpected error from losing confirm: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("confirmations succeeded %d times, expected exactly 1", wins)
	}
}

type fakeJournal struct {
	mu      sync.Mutex
	pending []PendingOrder
	fills   []FilledOrder
}

func (j *fakeJournal) AppendPending(o PendingOrder) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending = append(j.pending, o)
	return nil
}

func (j *fakeJournal) AppendFill(f FilledOrder) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fills = append(j.fills, f)
	return nil
}

func (j *fakeJournal) LoadPending() ([]PendingOrder, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]PendingOrder(nil), j.pending...), nil
}

func TestRestoreFromJournal(t *testing.T) {
	j := &fakeJournal{}
	first := New(j)
	if err := first.RegisterPending(PendingOrder{Key: "persisted", Instrument: "SENSEX", Action: "BUY", Lots: 3}); err != nil {
		t.Fatal(err)
	}

	second := New(j)
	if err := second.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	pending := second.Pending()
	if len(pending) != 1 || pending[0].Key != "persisted" {
		t.Fatalf("restored pending=%+v", pending)
	}
}
