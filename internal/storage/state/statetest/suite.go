// Package statetest 提供 state.Store 实现共享的一致性测试。
package statetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/storage/state"
)

// Factory 为每个子测试创建一个全新的存储实例。
type Factory func(t *testing.T) state.Store

// Elapser 由不随真实时间过期的实现提供，用例通过它推进存储内部时钟。
type Elapser interface {
	Elapse(d time.Duration)
}

// elapse 让 s 经过 d：实现了 Elapser 的存储直接推进时钟，否则真实等待。
func elapse(s state.Store, d time.Duration) {
	if e, ok := s.(Elapser); ok {
		e.Elapse(d)
		return
	}
	time.Sleep(d)
}

// Run 针对给定实现执行全部一致性用例。
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, s state.Store)
	}{
		{"SetGetWithTTL", testSetGetWithTTL},
		{"KeepExisting", testKeepExisting},
		{"IncrementFromAbsent", testIncrementFromAbsent},
		{"DeleteExistsExpire", testDeleteExistsExpire},
		{"BatchOperations", testBatchOperations},
		{"KeysGlob", testKeysGlob},
		{"QueueFIFO", testQueueFIFO},
		{"LockExpiry", testLockExpiry},
		{"OwnedLockRelease", testOwnedLockRelease},
		{"WithLockMutualExclusion", testWithLockMutualExclusion},
		{"WithLockExhaustion", testWithLockExhaustion},
		{"ConcurrentIncrements", testConcurrentIncrements},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func testSetGetWithTTL(t *testing.T, s state.Store) {
	ctx := context.Background()
	if _, err := s.Set(ctx, "greeting", []byte("hello"), state.WithTTL(150*time.Millisecond)); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := s.Get(ctx, "greeting")
	if err != nil || !ok || string(value) != "hello" {
		t.Fatalf("get before expiry = %q, %v, %v", value, ok, err)
	}
	elapse(s, 300*time.Millisecond)
	if _, ok, err := s.Get(ctx, "greeting"); err != nil || ok {
		t.Fatalf("expected key to expire, ok=%v err=%v", ok, err)
	}
}

func testKeepExisting(t *testing.T, s state.Store) {
	ctx := context.Background()
	if _, err := s.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	written, err := s.Set(ctx, "k", []byte("v2"), state.KeepExisting())
	if err != nil {
		t.Fatalf("set keep existing: %v", err)
	}
	if written {
		t.Fatalf("expected second set to be a no-op")
	}
	value, _, _ := s.Get(ctx, "k")
	if string(value) != "v1" {
		t.Fatalf("value = %q, want v1", value)
	}
}

func testIncrementFromAbsent(t *testing.T, s state.Store) {
	ctx := context.Background()
	if _, err := s.Increment(ctx, "counter", 2); err != nil {
		t.Fatalf("increment: %v", err)
	}
	n, err := s.Increment(ctx, "counter", 3)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if n != 5 {
		t.Fatalf("counter = %d, want 5", n)
	}
	got, err := state.GetInt(ctx, s, "counter")
	if err != nil || got != 5 {
		t.Fatalf("GetInt = %d, %v", got, err)
	}
	n, err = s.Decrement(ctx, "counter", 5)
	if err != nil || n != 0 {
		t.Fatalf("decrement = %d, %v", n, err)
	}
	if _, err := s.Set(ctx, "text", []byte("abc")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.Increment(ctx, "text", 1); err == nil {
		t.Fatalf("expected increment of a non-integer to fail")
	}
}

func testDeleteExistsExpire(t *testing.T, s state.Store) {
	ctx := context.Background()
	if _, err := s.Set(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ok, _ := s.Exists(ctx, "a"); !ok {
		t.Fatalf("expected key to exist")
	}
	if ok, _ := s.Expire(ctx, "missing", time.Second); ok {
		t.Fatalf("expire on missing key must report false")
	}
	if ok, err := s.Expire(ctx, "a", 100*time.Millisecond); err != nil || !ok {
		t.Fatalf("expire = %v, %v", ok, err)
	}
	elapse(s, 250*time.Millisecond)
	if ok, _ := s.Exists(ctx, "a"); ok {
		t.Fatalf("expected key to expire")
	}
	if _, err := s.Set(ctx, "b", []byte("2")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if deleted, _ := s.Delete(ctx, "b"); !deleted {
		t.Fatalf("expected delete to report true")
	}
	if deleted, _ := s.Delete(ctx, "b"); deleted {
		t.Fatalf("second delete must report false")
	}
}

func testBatchOperations(t *testing.T, s state.Store) {
	ctx := context.Background()
	if err := s.MSet(ctx, map[string][]byte{"m1": []byte("x"), "m2": []byte("y")}); err != nil {
		t.Fatalf("mset: %v", err)
	}
	values, err := s.MGet(ctx, "m1", "m2", "m3")
	if err != nil {
		t.Fatalf("mget: %v", err)
	}
	if len(values) != 2 || string(values["m1"]) != "x" || string(values["m2"]) != "y" {
		t.Fatalf("unexpected mget result %v", values)
	}
	removed, err := s.MDel(ctx, "m1", "m3")
	if err != nil || removed != 1 {
		t.Fatalf("mdel = %d, %v", removed, err)
	}
	if ok, _ := s.Exists(ctx, "m2"); !ok {
		t.Fatalf("untouched key must survive mdel")
	}
}

func testKeysGlob(t *testing.T, s state.Store) {
	ctx := context.Background()
	_, _ = s.Set(ctx, "user:1", []byte("a"))
	_, _ = s.Set(ctx, "user:2", []byte("b"))
	_, _ = s.Set(ctx, "user:3", []byte("c"), state.WithTTL(100*time.Millisecond))
	_, _ = s.Set(ctx, "user:1/profile", []byte("d"))
	_, _ = s.Set(ctx, "session:1", []byte("e"))
	elapse(s, 250*time.Millisecond)

	keys, err := s.Keys(ctx, "user:*")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	want := []string{"user:1", "user:2"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	keys, err = s.Keys(ctx, "user:?")
	if err != nil || len(keys) != 2 {
		t.Fatalf("single-character glob = %v, %v", keys, err)
	}
	if _, err := s.Keys(ctx, "user:["); !xerrors.HasCode(err, xerrors.CodeValidation) {
		t.Fatalf("expected validation error for malformed pattern, got %v", err)
	}
}

func testQueueFIFO(t *testing.T, s state.Store) {
	ctx := context.Background()
	if _, err := s.Push(ctx, "jobs", []byte("a")); err != nil {
		t.Fatalf("push: %v", err)
	}
	n, err := s.Push(ctx, "jobs", []byte("b"))
	if err != nil || n != 2 {
		t.Fatalf("push = %d, %v", n, err)
	}
	for _, want := range []string{"a", "b"} {
		value, ok, err := s.Pop(ctx, "jobs")
		if err != nil || !ok || string(value) != want {
			t.Fatalf("pop = %q, %v, %v; want %q", value, ok, err, want)
		}
	}
	if _, ok, err := s.Pop(ctx, "jobs"); err != nil || ok {
		t.Fatalf("pop on empty queue = %v, %v", ok, err)
	}
	if length, _ := s.Length(ctx, "jobs"); length != 0 {
		t.Fatalf("length = %d, want 0", length)
	}
}

func testLockExpiry(t *testing.T, s state.Store) {
	ctx := context.Background()
	ok, err := s.AcquireLock(ctx, "L", 150*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if ok, _ := s.AcquireLock(ctx, "L", 150*time.Millisecond); ok {
		t.Fatalf("second acquire before expiry must fail")
	}
	elapse(s, 300*time.Millisecond)
	if ok, _ := s.AcquireLock(ctx, "L", 150*time.Millisecond); !ok {
		t.Fatalf("acquire after expiry must succeed")
	}
	if err := s.ReleaseLock(ctx, "L"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.ReleaseLock(ctx, "L"); err != nil {
		t.Fatalf("release of absent lock must be a no-op: %v", err)
	}
}

func testOwnedLockRelease(t *testing.T, s state.Store) {
	ctx := context.Background()
	if ok, err := s.AcquireOwnedLock(ctx, "owned", "a", 150*time.Millisecond); err != nil || !ok {
		t.Fatalf("holder a acquire = %v, %v", ok, err)
	}
	if ok, _ := s.AcquireOwnedLock(ctx, "owned", "b", 150*time.Millisecond); ok {
		t.Fatalf("holder b must wait for a")
	}
	elapse(s, 300*time.Millisecond)
	if ok, err := s.AcquireOwnedLock(ctx, "owned", "b", time.Minute); err != nil || !ok {
		t.Fatalf("holder b acquire after expiry = %v, %v", ok, err)
	}
	released, err := s.ReleaseOwnedLock(ctx, "owned", "a")
	if err != nil || released {
		t.Fatalf("stale holder release = %v, %v; want false", released, err)
	}
	if ok, _ := s.AcquireLock(ctx, "owned", time.Second); ok {
		t.Fatalf("stale release must not free the lock held by b")
	}
	if released, err := s.ReleaseOwnedLock(ctx, "owned", "b"); err != nil || !released {
		t.Fatalf("owner release = %v, %v; want true", released, err)
	}
	if ok, _ := s.AcquireLock(ctx, "owned", time.Second); !ok {
		t.Fatalf("lock must be free after its owner released it")
	}
	if _, err := s.AcquireOwnedLock(ctx, "other", "", time.Second); !xerrors.HasCode(err, xerrors.CodeValidation) {
		t.Fatalf("empty owner must be rejected, got %v", err)
	}
}

func testWithLockMutualExclusion(t *testing.T, s state.Store) {
	ctx := context.Background()
	var inside, maxInside, entered int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := state.WithLock(ctx, s, "critical", time.Second, func(context.Context) error {
				now := atomic.AddInt32(&inside, 1)
				for {
					prev := atomic.LoadInt32(&maxInside)
					if now <= prev || atomic.CompareAndSwapInt32(&maxInside, prev, now) {
						break
					}
				}
				atomic.AddInt32(&entered, 1)
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			}, state.WithRetries(200), state.WithBackoff(5*time.Millisecond))
			if err != nil {
				t.Errorf("with lock: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("observed %d concurrent holders", maxInside)
	}
	if entered != 8 {
		t.Fatalf("entered = %d, want 8", entered)
	}
	if ok, _ := s.AcquireLock(ctx, "critical", time.Second); !ok {
		t.Fatalf("lock must be released after the last holder")
	}
}

func testWithLockExhaustion(t *testing.T, s state.Store) {
	ctx := context.Background()
	if ok, _ := s.AcquireLock(ctx, "held", time.Minute); !ok {
		t.Fatalf("acquire: expected success")
	}
	called := false
	err := state.WithLock(ctx, s, "held", time.Second, func(context.Context) error {
		called = true
		return nil
	}, state.WithRetries(2), state.WithBackoff(time.Millisecond))
	if !xerrors.HasCode(err, xerrors.CodeLockNotAcquired) {
		t.Fatalf("expected lock not acquired, got %v", err)
	}
	if called {
		t.Fatalf("fn must not run without the lock")
	}

	boom := fmt.Errorf("boom")
	err = state.WithLock(ctx, s, "released", time.Minute, func(context.Context) error { return boom })
	if err != boom {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}
	func() {
		defer func() { _ = recover() }()
		_ = state.WithLock(ctx, s, "released", time.Minute, func(context.Context) error { panic("fn panicked") })
	}()
	if ok, _ := s.AcquireLock(ctx, "released", time.Second); !ok {
		t.Fatalf("lock must be released after error and panic")
	}
}

func testConcurrentIncrements(t *testing.T, s state.Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Increment(ctx, "hits", 1); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()
	if n, _ := state.GetInt(ctx, s, "hits"); n != 50 {
		t.Fatalf("hits = %d, want 50", n)
	}
}
