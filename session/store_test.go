package session

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreCreateGet(t *testing.T) {
	store := newTestStore(t)

	id := NewID()
	created, err := store.Create(id, TypeIterations, "lnbc1invoice", "abcd1234", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.CompletedIterations != 0 {
		t.Fatalf("expected 0 completed iterations, got %d", created.CompletedIterations)
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SessionID != id || got.SessionType != TypeIterations {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.PaymentRequest != "lnbc1invoice" || got.RHash != "abcd1234" {
		t.Fatalf("unexpected payment fields: %+v", got)
	}
	if got.NumIterations != 10 || got.Remaining() != 10 {
		t.Fatalf("expected 10 remaining, got %d", got.Remaining())
	}
	if got.EndTime != nil {
		t.Fatalf("expected nil end time, got %v", got.EndTime)
	}
}

func TestStoreGetNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreIncrement(t *testing.T) {
	store := newTestStore(t)

	id := NewID()
	if _, err := store.Create(id, TypeIterations, "inv", "hash", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for want := 1; want <= 3; want++ {
		sess, err := store.Increment(id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sess.CompletedIterations != want {
			t.Fatalf("expected %d completed iterations, got %d", want, sess.CompletedIterations)
		}
		if sess.Remaining() != 3-want {
			t.Fatalf("expected %d remaining, got %d", 3-want, sess.Remaining())
		}
	}
}

func TestStoreIncrementStopsAtQuota(t *testing.T) {
	store := newTestStore(t)

	id := NewID()
	if _, err := store.Create(id, TypeIterations, "inv", "hash", 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := store.Increment(id); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if _, err := store.Increment(id); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted past the quota, got %v", err)
	}
	sess, err := store.Get(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.CompletedIterations != 2 {
		t.Fatalf("expected completed to stay at 2, got %d", sess.CompletedIterations)
	}
}

func TestStoreIncrementConcurrentBoundary(t *testing.T) {
	store := newTestStore(t)

	id := NewID()
	if _, err := store.Create(id, TypeIterations, "inv", "hash", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Increment(id)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, exhausted := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 3 || exhausted != workers-3 {
		t.Fatalf("expected 3 successes and %d exhausted, got %d and %d", workers-3, succeeded, exhausted)
	}

	sess, err := store.Get(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.CompletedIterations != 3 {
		t.Fatalf("expected completed to stop at the quota, got %d", sess.CompletedIterations)
	}
}

func TestStoreIncrementNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Increment("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreIncrementConcurrent(t *testing.T) {
	store := newTestStore(t)

	id := NewID()
	if _, err := store.Create(id, TypeContinuous, "inv", "hash", 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Increment(id); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, err := store.Get(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.CompletedIterations != workers {
		t.Fatalf("expected %d completed iterations, got %d", workers, sess.CompletedIterations)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if len(id) != 64 {
			t.Fatalf("expected 64-char hex id, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
