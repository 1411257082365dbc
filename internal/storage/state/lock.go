package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "AgentHub/internal/errors"
	"AgentHub/pkg/logger"
)

const (
	defaultLockRetries = 10
	defaultLockBackoff = 100 * time.Millisecond
)

// LockOptions 控制 WithLock 的重试策略。
type LockOptions struct {
	Retries int
	Backoff time.Duration
}

// LockOption 修改 LockOptions。
type LockOption func(*LockOptions)

// WithRetries 设置获取失败后的重试次数。
func WithRetries(n int) LockOption {
	return func(o *LockOptions) {
		if n >= 0 {
			o.Retries = n
		}
	}
}

// WithBackoff 设置两次尝试之间的固定等待时间。
func WithBackoff(d time.Duration) LockOption {
	return func(o *LockOptions) {
		if d > 0 {
			o.Backoff = d
		}
	}
}

// WithLock 在持有 key 对应的锁时执行 fn。
// 最多尝试 1+Retries 次，每次失败后固定等待 Backoff；
// 无论 fn 正常返回、返回错误还是 panic，锁都会被释放。
// 每次调用使用独立的持有者令牌，fn 超出 TTL 后不会误删他人取得的锁。
func WithLock(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func(ctx context.Context) error, opts ...LockOption) error {
	options := LockOptions{Retries: defaultLockRetries, Backoff: defaultLockBackoff}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	owner := uuid.NewString()
	acquired := false
	for attempt := 0; attempt <= options.Retries; attempt++ {
		ok, err := locker.AcquireOwnedLock(ctx, key, owner, ttl)
		if err != nil {
			return err
		}
		if ok {
			acquired = true
			break
		}
		if attempt == options.Retries {
			break
		}
		timer := time.NewTimer(options.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if !acquired {
		return xerrors.New(xerrors.CodeLockNotAcquired,
			fmt.Sprintf("重试 %d 次后仍未获取锁 %s", options.Retries, key),
			xerrors.WithDetail("key", key))
	}

	defer func() {
		// 使用独立上下文释放，避免调用方上下文已取消时锁残留到 TTL 结束。
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		released, err := locker.ReleaseOwnedLock(releaseCtx, key, owner)
		if err != nil {
			logger.L().Warn("释放锁失败", slog.String("key", key), slog.Any("error", err))
			return
		}
		if !released {
			logger.L().Warn("锁已过期并可能被其他持有者取得", slog.String("key", key), slog.Duration("ttl", ttl))
		}
	}()
	return fn(ctx)
}
