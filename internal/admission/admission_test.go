package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/storage/state"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestRateGateRejectsWithinWindowAndRecoversAfterBoundary(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := &manualClock{now: start.Add(10 * time.Second)}
	ctrl := New(store, Config{RateLimit: 3, RateWindow: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ticket, err := ctrl.Admit(ctx, "alice")
		if err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
		ticket.Release()
	}
	_, err := ctrl.Admit(ctx, "alice")
	if !xerrors.HasCode(err, xerrors.CodeRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	xe, _ := xerrors.From(err)
	if got := xe.Details()["retryAfterMs"]; got != int64(50_000) {
		t.Fatalf("retryAfterMs = %v, want 50000", got)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("rate limit must be retryable")
	}

	if _, err := ctrl.Admit(ctx, "bob"); err != nil {
		t.Fatalf("identities must be limited independently: %v", err)
	}

	clock.Set(start.Add(time.Minute))
	if _, err := ctrl.Admit(ctx, "alice"); err != nil {
		t.Fatalf("expected admission after window rollover: %v", err)
	}
}

func TestRateKeyAlignsToWallClock(t *testing.T) {
	ctrl := New(state.NewMemoryStore(), Config{RateWindow: time.Minute})
	a := time.Date(2025, 1, 1, 12, 0, 1, 0, time.UTC)
	b := time.Date(2025, 1, 1, 12, 0, 59, 0, time.UTC)
	c := time.Date(2025, 1, 1, 12, 1, 0, 0, time.UTC)
	if ctrl.RateKey("u", a) != ctrl.RateKey("u", b) {
		t.Fatalf("times within one minute must share a window")
	}
	if ctrl.RateKey("u", b) == ctrl.RateKey("u", c) {
		t.Fatalf("a new minute must open a new window")
	}
}

func TestConcurrencyGateRejectsKPlusOneAndFreesOnRelease(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	ctrl := New(store, Config{MaxConcurrent: 2})
	ctx := context.Background()

	first, err := ctrl.Admit(ctx, "a")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := ctrl.Admit(ctx, "b"); err != nil {
		t.Fatalf("second: %v", err)
	}
	_, err = ctrl.Admit(ctx, "c")
	if !xerrors.HasCode(err, xerrors.CodeServerBusy) {
		t.Fatalf("expected server busy, got %v", err)
	}
	if n, _ := ctrl.Inflight(ctx); n != 2 {
		t.Fatalf("rejected admission must not hold a slot, inflight=%d", n)
	}

	first.Release()
	first.Release()
	if n, _ := ctrl.Inflight(ctx); n != 1 {
		t.Fatalf("double release must free one slot, inflight=%d", n)
	}
	if _, err := ctrl.Admit(ctx, "c"); err != nil {
		t.Fatalf("expected capacity after release: %v", err)
	}
}

func TestConcurrentAdmissionsNeverExceedCapacity(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	ctrl := New(store, Config{MaxConcurrent: 5})
	ctx := context.Background()

	var admitted, busy int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ctrl.Admit(ctx, "load")
			switch {
			case err == nil:
				atomic.AddInt32(&admitted, 1)
			case xerrors.HasCode(err, xerrors.CodeServerBusy):
				atomic.AddInt32(&busy, 1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if admitted != 5 || busy != 35 {
		t.Fatalf("admitted=%d busy=%d", admitted, busy)
	}
}

func TestDisabledGatesAdmitEverything(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	ctrl := New(store, Config{})
	for i := 0; i < 100; i++ {
		if _, err := ctrl.Admit(context.Background(), "x"); err != nil {
			t.Fatalf("unexpected rejection: %v", err)
		}
	}
}

func TestInflightCounterIsScopedPerInstance(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	a := New(store, Config{MaxConcurrent: 1}, WithInstanceID("node-a"))
	b := New(store, Config{MaxConcurrent: 1}, WithInstanceID("node-b"))
	defer a.Close()
	defer b.Close()

	if a.InflightKey() != "admission:inflight:node-a" {
		t.Fatalf("unexpected key %q", a.InflightKey())
	}
	if _, err := a.Admit(ctx, "u"); err != nil {
		t.Fatalf("node-a: %v", err)
	}
	if _, err := b.Admit(ctx, "u"); err != nil {
		t.Fatalf("instances must not share capacity: %v", err)
	}
	if _, err := a.Admit(ctx, "u"); !xerrors.HasCode(err, xerrors.CodeServerBusy) {
		t.Fatalf("expected node-a to be busy, got %v", err)
	}
}

func TestInflightLeaseExpiresAfterCrashAndRenewsWhileHeld(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := state.NewMemoryStore(state.WithClock(clock.Now))
	defer store.Close()
	ctx := context.Background()
	cfg := Config{MaxConcurrent: 1, LeaseTTL: time.Minute}

	held := New(store, cfg, WithInstanceID("node-a"))
	defer held.Close()
	ticket, err := held.Admit(ctx, "u")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	clock.Set(clock.Now().Add(50 * time.Second))
	held.renew(ctx)
	clock.Set(clock.Now().Add(50 * time.Second))
	if n, _ := held.Inflight(ctx); n != 1 {
		t.Fatalf("renewed lease must keep the slot, inflight=%d", n)
	}
	ticket.Release()

	crashed := New(store, cfg, WithInstanceID("node-b"))
	if _, err := crashed.Admit(ctx, "u"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	crashed.Close()

	restarted := New(store, cfg, WithInstanceID("node-b"))
	defer restarted.Close()
	if _, err := restarted.Admit(ctx, "u"); !xerrors.HasCode(err, xerrors.CodeServerBusy) {
		t.Fatalf("slot should still be leased before expiry, got %v", err)
	}
	clock.Set(clock.Now().Add(61 * time.Second))
	if n, _ := restarted.Inflight(ctx); n != 0 {
		t.Fatalf("leaked slot must expire with the lease, inflight=%d", n)
	}
	if _, err := restarted.Admit(ctx, "u"); err != nil {
		t.Fatalf("expected capacity after lease expiry: %v", err)
	}
}
