package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentHub/internal/observability/metrics"
	"AgentHub/pkg/logger"
)

const (
	defaultWriteTimeout = 5 * time.Second
	// backlogLimit 限制会话在尚无订阅者时暂存的事件数。
	backlogLimit = 64
)

// Subscriber 是一个事件接收端。Send 须在 ctx 截止前返回。
type Subscriber interface {
	Send(ctx context.Context, ev Event) error
}

// SubscriberFunc 将普通函数适配为 Subscriber。
type SubscriberFunc func(ctx context.Context, ev Event) error

// Send 实现 Subscriber。
func (f SubscriberFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

type channel struct {
	// publishMu 串行化同一会话的发布与首个订阅者的补发。
	publishMu sync.Mutex
	subs      map[string]Subscriber
	order     []string
	backlog   []Event
	attached  bool
}

// Broadcaster 按会话向订阅者扇出事件。同一会话的发布串行进行，
// 每个订阅者看到的顺序与发布顺序一致。
type Broadcaster struct {
	mu           sync.Mutex
	sessions     map[string]*channel
	writeTimeout time.Duration
	logger       *slog.Logger
}

// Option 配置 Broadcaster。
type Option func(*Broadcaster)

// WithWriteTimeout 设置单次投递的写超时。
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.writeTimeout = d
		}
	}
}

// WithLogger 替换默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBroadcaster 创建事件广播器。
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		sessions:     make(map[string]*channel),
		writeTimeout: defaultWriteTimeout,
		logger:       logger.Named("events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(slog.String("component", "broadcaster"))
	return b
}

// Open 登记会话。未登记会话的发布会被丢弃。
func (b *Broadcaster) Open(sessionID string) {
	b.channelFor(sessionID, true)
}

// Drop 移除会话及其全部订阅者和暂存事件。
func (b *Broadcaster) Drop(sessionID string) {
	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()
}

// Subscribers 返回会话当前的订阅者数量。
func (b *Broadcaster) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.sessions[sessionID]; ok {
		return len(ch.subs)
	}
	return 0
}

func (b *Broadcaster) channelFor(sessionID string, create bool) *channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.sessions[sessionID]
	if !ok && create {
		ch = &channel{subs: make(map[string]Subscriber)}
		b.sessions[sessionID] = ch
	}
	return ch
}

// Subscribe 注册订阅者并返回幂等的取消函数。会话的第一个订阅者会先收到
// 此前暂存的事件。未登记或已移除的会话不会被重建，返回空操作的取消函数。
func (b *Broadcaster) Subscribe(sessionID string, sub Subscriber) func() {
	ch := b.channelFor(sessionID, false)
	if ch == nil {
		b.logger.Debug("忽略未登记会话的订阅", slog.String("session_id", sessionID))
		return func() {}
	}
	id := uuid.NewString()

	ch.publishMu.Lock()
	b.mu.Lock()
	backlog := ch.backlog
	ch.backlog = nil
	ch.attached = true
	ch.subs[id] = sub
	ch.order = append(ch.order, id)
	b.mu.Unlock()

	for _, ev := range backlog {
		if !b.deliver(sessionID, id, sub, ev) {
			b.remove(ch, id)
			break
		}
	}
	ch.publishMu.Unlock()

	b.logger.Debug("订阅者已加入", slog.String("session_id", sessionID), slog.String("sub_id", id))

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(ch, id)
			b.logger.Debug("订阅者已退出", slog.String("session_id", sessionID), slog.String("sub_id", id))
		})
	}
}

// Publish 将事件并发投递给会话的每个订阅者，并等待全部投递结束后返回。
// 单个订阅者的停滞最多拖延写超时，不影响其他订阅者收到事件。投递失败的
// 订阅者被移除。
func (b *Broadcaster) Publish(sessionID string, ev Event) {
	if ev.SessionID == "" {
		ev.SessionID = sessionID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ch := b.channelFor(sessionID, false)
	if ch == nil {
		b.logger.Debug("丢弃未登记会话的事件", slog.String("session_id", sessionID), slog.String("type", string(ev.Type)))
		return
	}

	ch.publishMu.Lock()
	defer ch.publishMu.Unlock()

	b.mu.Lock()
	if !ch.attached {
		if len(ch.backlog) < backlogLimit {
			ch.backlog = append(ch.backlog, ev)
		}
		b.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(ch.order))
	targets := make([]Subscriber, 0, len(ch.order))
	for _, id := range ch.order {
		ids = append(ids, id)
		targets = append(targets, ch.subs[id])
	}
	b.mu.Unlock()

	// publishMu 在整个扇出期间持有，下一条事件要等本轮全部投递结束，
	// 每个订阅者因此仍按发布顺序收到事件。
	var wg sync.WaitGroup
	for i, sub := range targets {
		wg.Add(1)
		go func(id string, sub Subscriber) {
			defer wg.Done()
			if !b.deliver(sessionID, id, sub, ev) {
				b.remove(ch, id)
			}
		}(ids[i], sub)
	}
	wg.Wait()
}

func (b *Broadcaster) deliver(sessionID, id string, sub Subscriber, ev Event) bool {
	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()
	if err := sub.Send(ctx, ev); err != nil {
		metrics.ObserveEventDelivery(false)
		b.logger.Warn("事件投递失败，移除订阅者",
			slog.String("session_id", sessionID),
			slog.String("sub_id", id),
			slog.String("type", string(ev.Type)),
			slog.Any("error", err))
		return false
	}
	metrics.ObserveEventDelivery(true)
	return true
}

func (b *Broadcaster) remove(ch *channel, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := ch.subs[id]; !ok {
		return
	}
	delete(ch.subs, id)
	for i, existing := range ch.order {
		if existing == id {
			ch.order = append(ch.order[:i], ch.order[i+1:]...)
			break
		}
	}
}
