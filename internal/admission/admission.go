package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/observability/metrics"
	"AgentHub/internal/storage/state"
	"AgentHub/pkg/logger"
)

// InflightKeyPrefix 是并发计数器键的前缀。每个实例使用独立的键
// admission:inflight:<instanceID>，键带租约 TTL，持有名额期间持续续期，
// 实例崩溃后计数随租约过期自动清零。
const InflightKeyPrefix = "admission:inflight"

const defaultLeaseTTL = 30 * time.Second

// Config 描述准入控制的两道闸门。任一上限为 0 表示关闭对应闸门。
type Config struct {
	RateLimit     int           `yaml:"rate_limit"`
	RateWindow    time.Duration `yaml:"rate_window"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	// LeaseTTL 是并发计数器的租约时长，默认 30s。
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// Controller 在执行开始前依次检查速率闸门与并发闸门。
// 所有计数都通过存储的原子自增完成。速率计数按身份跨实例共享，
// 并发计数按实例隔离。
type Controller struct {
	cache      state.Cache
	cfg        Config
	instanceID string
	now        func() time.Time
	logger     *slog.Logger

	leaseMu sync.Mutex
	held    int
	stop    chan struct{}
}

// Option 定义可选配置。
type Option func(*Controller)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithInstanceID 指定并发计数器所属的实例标识，默认随机生成。
func WithInstanceID(id string) Option {
	return func(c *Controller) {
		if id != "" {
			c.instanceID = id
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// New 创建准入控制器。
func New(cache state.Cache, cfg Config, opts ...Option) *Controller {
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	c := &Controller{
		cache:      cache,
		cfg:        cfg,
		instanceID: uuid.NewString(),
		now:        time.Now,
		logger:     logger.Named("admission"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Ticket 代表一个已占用的并发名额，Release 可重复调用。
type Ticket struct {
	once    sync.Once
	release func()
}

// Release 归还并发名额。
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.release != nil {
			t.release()
		}
	})
}

// Admit 为 identity 申请一次执行。速率闸门先于并发闸门检查；
// 被拒绝时立即返回错误，从不排队。
func (c *Controller) Admit(ctx context.Context, identity string) (*Ticket, error) {
	if err := c.checkRate(ctx, identity); err != nil {
		return nil, err
	}
	return c.acquireSlot(ctx)
}

// RateKey 返回 identity 在 now 所处窗口的计数器键。窗口按挂钟对齐。
func (c *Controller) RateKey(identity string, now time.Time) string {
	start := now.Truncate(c.cfg.RateWindow)
	return fmt.Sprintf("rate:%s:%d", identity, start.UnixMilli())
}

func (c *Controller) checkRate(ctx context.Context, identity string) error {
	if c.cfg.RateLimit <= 0 {
		return nil
	}
	now := c.now()
	key := c.RateKey(identity, now)
	count, err := c.cache.Increment(ctx, key, 1)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeAdapterSetup, err, "更新速率计数失败")
	}
	if count == 1 {
		if _, err := c.cache.Expire(ctx, key, c.cfg.RateWindow); err != nil {
			c.logger.Warn("设置速率窗口过期时间失败", slog.String("key", key), slog.Any("error", err))
		}
	}
	if count <= int64(c.cfg.RateLimit) {
		return nil
	}
	windowEnd := now.Truncate(c.cfg.RateWindow).Add(c.cfg.RateWindow)
	retryAfter := windowEnd.Sub(now)
	metrics.IncAdmissionRejected(string(xerrors.CodeRateLimited))
	c.logger.Info("请求超出速率限制",
		slog.String("identity", identity),
		slog.Int64("count", count),
		slog.Duration("retry_after", retryAfter))
	return xerrors.New(xerrors.CodeRateLimited,
		fmt.Sprintf("超出速率限制：每 %s 最多 %d 次", c.cfg.RateWindow, c.cfg.RateLimit),
		xerrors.WithDetail("retryAfterMs", retryAfter.Milliseconds()))
}

func (c *Controller) acquireSlot(ctx context.Context) (*Ticket, error) {
	if c.cfg.MaxConcurrent <= 0 {
		return &Ticket{}, nil
	}
	key := c.InflightKey()
	n, err := c.cache.Increment(ctx, key, 1)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterSetup, err, "更新并发计数失败")
	}
	if _, err := c.cache.Expire(ctx, key, c.cfg.LeaseTTL); err != nil {
		c.logger.Warn("设置并发计数租约失败", slog.String("key", key), slog.Any("error", err))
	}
	if n > int64(c.cfg.MaxConcurrent) {
		c.decrement(ctx)
		metrics.IncAdmissionRejected(string(xerrors.CodeServerBusy))
		c.logger.Info("并发执行数已达上限", slog.Int("max_concurrent", c.cfg.MaxConcurrent))
		return nil, xerrors.New(xerrors.CodeServerBusy,
			fmt.Sprintf("服务器繁忙：已有 %d 个执行在进行中", c.cfg.MaxConcurrent),
			xerrors.WithDetail("maxConcurrent", c.cfg.MaxConcurrent))
	}
	metrics.AddInflight(1)
	c.hold()
	return &Ticket{release: func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.decrement(releaseCtx)
		c.unhold()
		metrics.AddInflight(-1)
	}}, nil
}

func (c *Controller) decrement(ctx context.Context) {
	if _, err := c.cache.Decrement(ctx, c.InflightKey(), 1); err != nil {
		c.logger.Error("归还并发名额失败", slog.Any("error", err))
	}
}

// hold 记录一个持有中的名额，第一个名额启动租约续期。
func (c *Controller) hold() {
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()
	c.held++
	if c.held == 1 {
		c.stop = make(chan struct{})
		go c.keepAlive(c.stop)
	}
}

// unhold 在最后一个名额归还时停止续期。
func (c *Controller) unhold() {
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()
	if c.held > 0 {
		c.held--
	}
	if c.held == 0 && c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Controller) keepAlive(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LeaseTTL/3)
			c.renew(ctx)
			cancel()
		}
	}
}

func (c *Controller) renew(ctx context.Context) {
	key := c.InflightKey()
	ok, err := c.cache.Expire(ctx, key, c.cfg.LeaseTTL)
	switch {
	case err != nil:
		c.logger.Warn("续期并发计数租约失败", slog.String("key", key), slog.Any("error", err))
	case !ok:
		c.logger.Warn("并发计数租约已丢失", slog.String("key", key))
	}
}

// Close 停止租约续期，不归还仍被持有的名额。进程退出后计数随租约过期清零。
func (c *Controller) Close() {
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.held = 0
}

// InstanceID 返回计数器所属的实例标识。
func (c *Controller) InstanceID() string { return c.instanceID }

// InflightKey 返回本实例的并发计数器键。
func (c *Controller) InflightKey() string {
	return InflightKeyPrefix + ":" + c.instanceID
}

// Inflight 返回本实例当前占用的并发名额数量。
func (c *Controller) Inflight(ctx context.Context) (int64, error) {
	return state.GetInt(ctx, c.cache, c.InflightKey())
}
