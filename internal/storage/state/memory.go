package state

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	xerrors "AgentHub/internal/errors"
)

const defaultReapInterval = 30 * time.Second

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore 以进程内存实现 Store，所有操作在同一把互斥锁下完成。
// 多个实例互不影响，便于隔离测试。
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]*memoryEntry
	queues map[string][][]byte
	locks  map[string]memoryLock

	now      func() time.Time
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

// MemoryOption 定义 MemoryStore 的可选配置。
type MemoryOption func(*MemoryStore)

// WithReapInterval 设置后台清理过期条目的周期。
func WithReapInterval(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock 替换时间来源，测试中用于推进虚拟时间。
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore 创建内存存储并启动后台清理协程。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		data:     make(map[string]*memoryEntry),
		queues:   make(map[string][][]byte),
		locks:    make(map[string]memoryLock),
		now:      time.Now,
		interval: defaultReapInterval,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.wg.Add(1)
	go m.reapLoop()
	return m
}

func (m *MemoryStore) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Reap()
		case <-m.done:
			return
		}
	}
}

// Reap 立即移除所有过期的缓存条目与锁，返回移除的数量。
func (m *MemoryStore) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for key, entry := range m.data {
		if entry.expired(now) {
			delete(m.data, key)
			removed++
		}
	}
	for key, lock := range m.locks {
		if !now.Before(lock.expiresAt) {
			delete(m.locks, key)
			removed++
		}
	}
	return removed
}

// Close 停止后台清理协程，可重复调用。
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

// lookupLocked 返回未过期的条目，遇到过期条目时顺带删除。
func (m *MemoryStore) lookupLocked(key string, now time.Time) (*memoryEntry, bool) {
	entry, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if entry.expired(now) {
		delete(m.data, key)
		return nil, false
	}
	return entry, true
}

// Get 实现 Cache 接口。
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lookupLocked(key, m.now())
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(entry.value), true, nil
}

// Set 实现 Cache 接口。
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, opts ...SetOption) (bool, error) {
	options := BuildSetOptions(opts)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(key, value, options, m.now()), nil
}

func (m *MemoryStore) setLocked(key string, value []byte, options SetOptions, now time.Time) bool {
	if options.KeepExisting {
		if _, ok := m.lookupLocked(key, now); ok {
			return false
		}
	}
	entry := &memoryEntry{value: cloneBytes(value)}
	if options.TTL > 0 {
		entry.expiresAt = now.Add(options.TTL)
	}
	m.data[key] = entry
	return true
}

// Delete 实现 Cache 接口。
func (m *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookupLocked(key, m.now())
	delete(m.data, key)
	return ok, nil
}

// Exists 实现 Cache 接口。
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookupLocked(key, m.now())
	return ok, nil
}

// Expire 实现 Cache 接口。
func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	entry, ok := m.lookupLocked(key, now)
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		delete(m.data, key)
		return true, nil
	}
	entry.expiresAt = now.Add(ttl)
	return true, nil
}

// Increment 实现 Cache 接口。已有 TTL 在累加后保持不变。
func (m *MemoryStore) Increment(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var current int64
	entry, ok := m.lookupLocked(key, now)
	if ok {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeValidation, err, "键 "+key+" 的值不是整数")
		}
		current = parsed
	} else {
		entry = &memoryEntry{}
		m.data[key] = entry
	}
	current += delta
	entry.value = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

// Decrement 实现 Cache 接口。
func (m *MemoryStore) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return m.Increment(ctx, key, -delta)
}

// MGet 实现 Cache 接口，缺失或过期的键不会出现在结果中。
func (m *MemoryStore) MGet(_ context.Context, keys ...string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if entry, ok := m.lookupLocked(key, now); ok {
			result[key] = cloneBytes(entry.value)
		}
	}
	return result, nil
}

// MSet 实现 Cache 接口。
func (m *MemoryStore) MSet(_ context.Context, entries map[string][]byte, opts ...SetOption) error {
	options := BuildSetOptions(opts)
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, value := range entries {
		m.setLocked(key, value, options, now)
	}
	return nil
}

// MDel 实现 Cache 接口，返回实际删除的数量。
func (m *MemoryStore) MDel(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for _, key := range keys {
		if _, ok := m.lookupLocked(key, now); ok {
			removed++
		}
		delete(m.data, key)
	}
	return removed, nil
}

// Keys 实现 Cache 接口。
func (m *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	keys := make([]string, 0)
	for key := range m.data {
		if _, ok := m.lookupLocked(key, now); !ok {
			continue
		}
		if Match(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Push 实现 Queue 接口。
func (m *MemoryStore) Push(_ context.Context, queue string, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[queue] = append(m.queues[queue], cloneBytes(value))
	return int64(len(m.queues[queue])), nil
}

// Pop 实现 Queue 接口。
func (m *MemoryStore) Pop(_ context.Context, queue string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, ok := m.queues[queue]
	if !ok || len(items) == 0 {
		return nil, false, nil
	}
	head := items[0]
	items[0] = nil
	if len(items) == 1 {
		delete(m.queues, queue)
	} else {
		m.queues[queue] = items[1:]
	}
	return head, true, nil
}

// Length 实现 Queue 接口。
func (m *MemoryStore) Length(_ context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queues[queue])), nil
}

// QueueNames 返回当前存在的队列名称，主要用于观测与测试。
func (m *MemoryStore) QueueNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AcquireLock 实现 Locker 接口。
func (m *MemoryStore) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return m.acquireLock(key, "", ttl)
}

// AcquireOwnedLock 实现 Locker 接口。
func (m *MemoryStore) AcquireOwnedLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if owner == "" {
		return false, xerrors.New(xerrors.CodeValidation, "锁的持有者令牌不能为空")
	}
	return m.acquireLock(key, owner, ttl)
}

func (m *MemoryStore) acquireLock(key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, xerrors.New(xerrors.CodeValidation, "锁的 TTL 必须大于 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if held, ok := m.locks[key]; ok && now.Before(held.expiresAt) {
		return false, nil
	}
	m.locks[key] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLock 实现 Locker 接口。
func (m *MemoryStore) ReleaseLock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

// ReleaseOwnedLock 实现 Locker 接口。
func (m *MemoryStore) ReleaseOwnedLock(_ context.Context, key, owner string) (bool, error) {
	if owner == "" {
		return false, xerrors.New(xerrors.CodeValidation, "锁的持有者令牌不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.locks[key]
	if !ok || held.owner != owner || !m.now().Before(held.expiresAt) {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var _ Store = (*MemoryStore)(nil)
