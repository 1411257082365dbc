package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/storage/state"
)

// releaseScript 仅在锁值等于持有者令牌时删除锁。
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config 描述 Redis 共享状态存储的连接参数。
type Config struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Namespace   string        `yaml:"namespace"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ScanCount   int64         `yaml:"scan_count"`
}

// Store 基于 Redis 实现 state.Store。键按用途划分前缀：
// <ns>kv: 缓存，<ns>q: 队列，<ns>lock: 锁。过期由 Redis 自身负责，无需后台清理。
type Store struct {
	client    goredis.UniversalClient
	ns        string
	scanCount int64
}

// New 连接 Redis 并校验可达性。
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeAdapterSetup, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeAdapterSetup, err, "连接 Redis 失败")
	}
	return NewWithClient(client, cfg.Namespace, cfg.ScanCount), nil
}

// NewWithClient 复用已有客户端，便于共享连接池。
func NewWithClient(client goredis.UniversalClient, namespace string, scanCount int64) *Store {
	if namespace == "" {
		namespace = "agenthub:"
	}
	if scanCount <= 0 {
		scanCount = 100
	}
	return &Store{client: client, ns: namespace, scanCount: scanCount}
}

func (s *Store) kv(key string) string     { return s.ns + "kv:" + key }
func (s *Store) queue(name string) string { return s.ns + "q:" + name }
func (s *Store) lock(key string) string   { return s.ns + "lock:" + key }

func storageErr(err error, op string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("Redis %s 失败", op))
}

// Get 实现 state.Cache。
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.kv(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr(err, "GET")
	}
	return value, true, nil
}

// Set 实现 state.Cache。KeepExisting 映射为 SET NX。
func (s *Store) Set(ctx context.Context, key string, value []byte, opts ...state.SetOption) (bool, error) {
	options := state.BuildSetOptions(opts)
	if options.KeepExisting {
		ok, err := s.client.SetNX(ctx, s.kv(key), value, options.TTL).Result()
		if err != nil {
			return false, storageErr(err, "SETNX")
		}
		return ok, nil
	}
	if err := s.client.Set(ctx, s.kv(key), value, options.TTL).Err(); err != nil {
		return false, storageErr(err, "SET")
	}
	return true, nil
}

// Delete 实现 state.Cache。
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.kv(key)).Result()
	if err != nil {
		return false, storageErr(err, "DEL")
	}
	return n > 0, nil
}

// Exists 实现 state.Cache。
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.kv(key)).Result()
	if err != nil {
		return false, storageErr(err, "EXISTS")
	}
	return n > 0, nil
}

// Expire 实现 state.Cache。ttl<=0 时直接删除键。
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}
	ok, err := s.client.PExpire(ctx, s.kv(key), ttl).Result()
	if err != nil {
		return false, storageErr(err, "PEXPIRE")
	}
	return ok, nil
}

// Increment 实现 state.Cache，对应 INCRBY。
func (s *Store) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.client.IncrBy(ctx, s.kv(key), delta).Result()
	if err != nil {
		if strings.Contains(err.Error(), "not an integer") {
			return 0, xerrors.Wrap(xerrors.CodeValidation, err, "键 "+key+" 的值不是整数")
		}
		return 0, storageErr(err, "INCRBY")
	}
	return n, nil
}

// Decrement 实现 state.Cache。
func (s *Store) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return s.Increment(ctx, key, -delta)
}

// MGet 实现 state.Cache。
func (s *Store) MGet(ctx context.Context, keys ...string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	namespaced := make([]string, len(keys))
	for i, key := range keys {
		namespaced[i] = s.kv(key)
	}
	values, err := s.client.MGet(ctx, namespaced...).Result()
	if err != nil {
		return nil, storageErr(err, "MGET")
	}
	for i, value := range values {
		if str, ok := value.(string); ok {
			result[keys[i]] = []byte(str)
		}
	}
	return result, nil
}

// MSet 实现 state.Cache。通过 pipeline 逐键写入，单键失败不影响其他键。
func (s *Store) MSet(ctx context.Context, entries map[string][]byte, opts ...state.SetOption) error {
	if len(entries) == 0 {
		return nil
	}
	options := state.BuildSetOptions(opts)
	pipe := s.client.Pipeline()
	for key, value := range entries {
		if options.KeepExisting {
			pipe.SetNX(ctx, s.kv(key), value, options.TTL)
		} else {
			pipe.Set(ctx, s.kv(key), value, options.TTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr(err, "MSET")
	}
	return nil
}

// MDel 实现 state.Cache。
func (s *Store) MDel(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	namespaced := make([]string, len(keys))
	for i, key := range keys {
		namespaced[i] = s.kv(key)
	}
	n, err := s.client.Del(ctx, namespaced...).Result()
	if err != nil {
		return 0, storageErr(err, "DEL")
	}
	return int(n), nil
}

// Keys 实现 state.Cache。SCAN 的 MATCH 中 * 会跨越 /，因此结果再按 state.Match 过滤一次。
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := state.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	prefix := s.kv("")
	iter := s.client.Scan(ctx, 0, prefix+pattern, s.scanCount).Iterator()
	seen := make(map[string]struct{})
	keys := make([]string, 0)
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), prefix)
		if _, dup := seen[key]; dup || !state.Match(pattern, key) {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, storageErr(err, "SCAN")
	}
	sort.Strings(keys)
	return keys, nil
}

// Push 实现 state.Queue，对应 RPUSH。
func (s *Store) Push(ctx context.Context, queue string, value []byte) (int64, error) {
	n, err := s.client.RPush(ctx, s.queue(queue), value).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis RPUSH 失败")
	}
	return n, nil
}

// Pop 实现 state.Queue，对应 LPOP。Redis 在列表清空后自动删除键。
func (s *Store) Pop(ctx context.Context, queue string) ([]byte, bool, error) {
	value, err := s.client.LPop(ctx, s.queue(queue)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis LPOP 失败")
	}
	return value, true, nil
}

// Length 实现 state.Queue。
func (s *Store) Length(ctx context.Context, queue string) (int64, error) {
	n, err := s.client.LLen(ctx, s.queue(queue)).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis LLEN 失败")
	}
	return n, nil
}

// AcquireLock 实现 state.Locker，对应 SET NX PX。
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, xerrors.New(xerrors.CodeValidation, "锁的 TTL 必须大于 0")
	}
	ok, err := s.client.SetNX(ctx, s.lock(key), strconv.FormatInt(time.Now().UnixMilli(), 10), ttl).Result()
	if err != nil {
		return false, storageErr(err, "SETNX")
	}
	return ok, nil
}

// ReleaseLock 实现 state.Locker。
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.lock(key)).Err(); err != nil {
		return storageErr(err, "DEL")
	}
	return nil
}

// AcquireOwnedLock 实现 state.Locker，锁值即持有者令牌。
func (s *Store) AcquireOwnedLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if owner == "" {
		return false, xerrors.New(xerrors.CodeValidation, "锁的持有者令牌不能为空")
	}
	if ttl <= 0 {
		return false, xerrors.New(xerrors.CodeValidation, "锁的 TTL 必须大于 0")
	}
	ok, err := s.client.SetNX(ctx, s.lock(key), owner, ttl).Result()
	if err != nil {
		return false, storageErr(err, "SETNX")
	}
	return ok, nil
}

// ReleaseOwnedLock 实现 state.Locker，通过 Lua 脚本原子地比较并删除。
func (s *Store) ReleaseOwnedLock(ctx context.Context, key, owner string) (bool, error) {
	if owner == "" {
		return false, xerrors.New(xerrors.CodeValidation, "锁的持有者令牌不能为空")
	}
	n, err := releaseScript.Run(ctx, s.client, []string{s.lock(key)}, owner).Int64()
	if err != nil {
		return false, storageErr(err, "EVALSHA")
	}
	return n == 1, nil
}

// Close 关闭 Redis 连接。
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ state.Store = (*Store)(nil)
