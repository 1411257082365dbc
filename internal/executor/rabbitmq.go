package executor

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "AgentHub/internal/errors"
	"AgentHub/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 派发器的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// RabbitMQDispatcher 通过 RabbitMQ 投递子任务 ID；任务记录本身仍保存在共享存储中。
type RabbitMQDispatcher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewRabbitMQDispatcher 建立连接并声明队列。
func NewRabbitMQDispatcher(cfg RabbitMQConfig) (*RabbitMQDispatcher, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeAdapterSetup, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agenthub.subagents"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterSetup, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeAdapterSetup, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeAdapterSetup, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeAdapterSetup, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQDispatcher{conn: conn, ch: ch, queue: queue, logger: logger.Named("executor.rabbitmq")}, nil
}

// Publish 将任务 ID 投递到 RabbitMQ。amqp channel 不支持并发发布，因此加锁串行化。
func (d *RabbitMQDispatcher) Publish(ctx context.Context, taskID string) error {
	if d == nil || d.ch == nil {
		return xerrors.New(xerrors.CodeAdapterSetup, "RabbitMQ 派发器未初始化")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.ch.PublishWithContext(ctx, "", d.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(taskID),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布子任务失败")
	}
	return nil
}

// Consume 使用手动确认模式消费队列。处理失败的消息不重新入队，失败已记录在任务状态中。
func (d *RabbitMQDispatcher) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if d == nil || d.ch == nil {
		return xerrors.New(xerrors.CodeAdapterSetup, "RabbitMQ 派发器未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := d.ch.Consume(d.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					taskID := string(msg.Body)
					if err := handler(ctx, taskID); err != nil {
						d.logger.Error("处理子任务失败", slog.String("task_id", taskID), slog.Any("error", err))
					}
					if err := msg.Ack(false); err != nil {
						d.logger.Warn("确认消息失败", slog.String("task_id", taskID), slog.Any("error", err))
					}
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭 RabbitMQ 连接。
func (d *RabbitMQDispatcher) Close() error {
	if d == nil {
		return nil
	}
	if d.ch != nil {
		_ = d.ch.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

var _ Dispatcher = (*RabbitMQDispatcher)(nil)
