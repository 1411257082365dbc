package state

import (
	"context"
	"path"
	"strconv"
	"time"

	xerrors "AgentHub/internal/errors"
)

// Store 是系统唯一的共享可变状态原语：带 TTL 的键值缓存、命名 FIFO 队列以及带 TTL 的互斥锁。
// 所有实现都必须保证单个操作的原子性。
type Store interface {
	Cache
	Queue
	Locker
	// Close 停止后台清理并释放底层连接。
	Close() error
}

// Cache 定义键值缓存能力。值对存储而言是不透明的字节序列。
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set 写入键值，返回是否真正写入。KeepExisting 时键已存在不会报错，只返回 false。
	Set(ctx context.Context, key string, value []byte, opts ...SetOption) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Expire 为已存在的键设置新的 TTL，键不存在时返回 false。
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Increment 以原子方式累加计数器，缺失的键视为 0。
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	Decrement(ctx context.Context, key string, delta int64) (int64, error)
	MGet(ctx context.Context, keys ...string) (map[string][]byte, error)
	// MSet 逐键独立写入，不做整体回滚。
	MSet(ctx context.Context, entries map[string][]byte, opts ...SetOption) error
	MDel(ctx context.Context, keys ...string) (int, error)
	// Keys 返回当前未过期且匹配 glob 模式的键。
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Queue 定义命名 FIFO 队列。队列在最后一个元素被取出后即被移除。
type Queue interface {
	Push(ctx context.Context, queue string, value []byte) (int64, error)
	Pop(ctx context.Context, queue string) ([]byte, bool, error)
	Length(ctx context.Context, queue string) (int64, error)
}

// Locker 定义非阻塞的 TTL 互斥锁。
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// ReleaseLock 无条件删除锁，锁不存在时是安全的空操作。
	ReleaseLock(ctx context.Context, key string) error
	// AcquireOwnedLock 以 owner 作为持有者令牌获取锁。
	AcquireOwnedLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// ReleaseOwnedLock 仅当锁仍由 owner 持有时删除，返回是否删除。
	// 锁过期后被他人取得时，原持有者的释放不会影响新持有者。
	ReleaseOwnedLock(ctx context.Context, key, owner string) (bool, error)
}

// SetOptions 控制 Set/MSet 的行为。
type SetOptions struct {
	TTL          time.Duration
	KeepExisting bool
}

// SetOption 修改 SetOptions。
type SetOption func(*SetOptions)

// WithTTL 指定键的存活时间，0 表示永不过期。
func WithTTL(ttl time.Duration) SetOption {
	return func(o *SetOptions) {
		if ttl > 0 {
			o.TTL = ttl
		}
	}
}

// KeepExisting 对应 overwrite=false：键已存在时保持原值。
func KeepExisting() SetOption {
	return func(o *SetOptions) {
		o.KeepExisting = true
	}
}

// BuildSetOptions 应用可选配置。
func BuildSetOptions(opts []SetOption) SetOptions {
	var o SetOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Match 判断键是否匹配 glob 模式：* 匹配不含 / 的任意字符序列，? 匹配单个字符。
func Match(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

// ValidatePattern 检查 glob 模式是否合法。
func ValidatePattern(pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "非法的键匹配模式")
	}
	return nil
}

// GetInt 读取计数器的整数值，缺失的键返回 0。
func GetInt(ctx context.Context, c Cache, key string) (int64, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeValidation, err, "键 "+key+" 的值不是整数")
	}
	return n, nil
}
