package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/z-wentao/readrepeat/pkg/config"
	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/models"
)

// RabbitMQQueue RabbitMQ 队列实现
// 1. 单一 Consumer（所有 Worker 共享）
// 2. 通过 QoS prefetchCount 控制并发
// 3. 手动 Ack/Nack 保证消息可靠性
type RabbitMQQueue struct {
	url       string
	queueName string
	prefetch  int
	log       *logger.Logger

	closed    chan struct{}
	closeOnce sync.Once

	// 发布消息用的连接和通道
	publishConn    *amqp.Connection
	publishChannel *amqp.Channel
	publishMutex   sync.Mutex

	// 消费消息用的连接和通道
	consumeConn    *amqp.Connection
	consumeChannel *amqp.Channel
	deliveries     <-chan amqp.Delivery // 所有 Worker 共享

	// RabbitMQ Channel 不是并发安全的，Ack/Nack 需要加锁
	ackMutex sync.Mutex
}

// NewRabbitMQQueue 创建 RabbitMQ 队列
func NewRabbitMQQueue(cfg config.RabbitMQConfig, log *logger.Logger) (*RabbitMQQueue, error) {
	rq := &RabbitMQQueue{
		url:       cfg.URL,
		queueName: cfg.QueueName,
		prefetch:  max(1, cfg.Prefetch),
		log:       log.With("component", "rabbitmq", "queue", cfg.QueueName),
		closed:    make(chan struct{}),
	}

	if err := rq.setupPublisher(); err != nil {
		return nil, fmt.Errorf("初始化发布者失败: %w", err)
	}
	if err := rq.setupConsumer(); err != nil {
		rq.closePublisher()
		return nil, fmt.Errorf("初始化消费者失败: %w", err)
	}

	rq.log.Info("RabbitMQ 队列初始化成功", "prefetch", rq.prefetch)
	return rq, nil
}

// 声明持久化队列（幂等操作）
func (rq *RabbitMQQueue) declare(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(
		rq.queueName, // name
		true,         // durable
		false,        // autoDelete
		false,        // exclusive
		false,        // noWait
		nil,          // args
	)
	return err
}

func (rq *RabbitMQQueue) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(rq.url)
	if err != nil {
		return nil, nil, fmt.Errorf("连接失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("创建 RabbitMQ Channel 失败: %w", err)
	}
	if err := rq.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("声明队列失败: %w", err)
	}
	return conn, ch, nil
}

func (rq *RabbitMQQueue) setupPublisher() error {
	conn, ch, err := rq.dial()
	if err != nil {
		return err
	}
	rq.publishConn = conn
	rq.publishChannel = ch
	return nil
}

// setupConsumer 预取数量 = Worker 数量，每个 Worker 同时最多持有一条未确认消息
func (rq *RabbitMQQueue) setupConsumer() error {
	conn, ch, err := rq.dial()
	if err != nil {
		return err
	}

	if err := ch.Qos(rq.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("设置 QoS 失败: %w", err)
	}

	deliveries, err := ch.Consume(
		rq.queueName, // queue
		"",           // consumer tag 由服务端生成
		false,        // autoAck: 手动确认
		false,        // exclusive
		false,        // noLocal
		false,        // noWait
		nil,          // args
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("启动消费失败: %w", err)
	}

	rq.consumeConn = conn
	rq.consumeChannel = ch
	rq.deliveries = deliveries
	return nil
}

func encodeTask(task *models.ProcessingTask) (amqp.Publishing, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("序列化任务失败: %w", err)
	}
	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    task.LessonID + ":" + task.Token,
		Body:         body,
		Timestamp:    task.EnqueuedAt,
	}, nil
}

func decodeTask(body []byte) (*models.ProcessingTask, error) {
	var task models.ProcessingTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("反序列化任务失败: %w", err)
	}
	if task.LessonID == "" || task.Token == "" {
		return nil, errors.New("任务缺少 lesson_id 或 token")
	}
	return &task, nil
}

// Enqueue 发布任务
func (rq *RabbitMQQueue) Enqueue(ctx context.Context, task *models.ProcessingTask) error {
	select {
	case <-rq.closed:
		return ErrClosed
	default:
	}

	msg, err := encodeTask(task)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rq.publishMutex.Lock()
	defer rq.publishMutex.Unlock()

	if err := rq.publishChannel.PublishWithContext(ctx, "", rq.queueName, false, false, msg); err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}
	return nil
}

// Dequeue 所有 Worker 共享同一个 deliveries channel，每条消息只会被一个 Worker 读取
func (rq *RabbitMQQueue) Dequeue(ctx context.Context) (*models.ProcessingTask, error) {
	for {
		select {
		case <-rq.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case delivery, ok := <-rq.deliveries:
			if !ok {
				return nil, fmt.Errorf("消费通道已关闭: %w", ErrClosed)
			}

			task, err := decodeTask(delivery.Body)
			if err != nil {
				// 坏消息直接丢弃，不重新入队
				rq.log.Warn("丢弃无法解析的消息", "delivery_tag", delivery.DeliveryTag, "error", err)
				rq.nackInternal(delivery.DeliveryTag, false)
				continue
			}

			task.DeliveryTag = delivery.DeliveryTag
			task.RabbitMQDelivery = &delivery
			return task, nil
		}
	}
}

// Ack 确认消息
func (rq *RabbitMQQueue) Ack(task *models.ProcessingTask) error {
	if task.RabbitMQDelivery == nil {
		return nil // 不是 RabbitMQ 消息，忽略
	}
	return rq.ackInternal(task.DeliveryTag)
}

// Nack 拒绝消息
func (rq *RabbitMQQueue) Nack(task *models.ProcessingTask, requeue bool) error {
	if task.RabbitMQDelivery == nil {
		return nil
	}
	return rq.nackInternal(task.DeliveryTag, requeue)
}

func (rq *RabbitMQQueue) ackInternal(deliveryTag uint64) error {
	rq.ackMutex.Lock()
	defer rq.ackMutex.Unlock()

	return rq.consumeChannel.Ack(deliveryTag, false)
}

func (rq *RabbitMQQueue) nackInternal(deliveryTag uint64, requeue bool) error {
	rq.ackMutex.Lock()
	defer rq.ackMutex.Unlock()

	return rq.consumeChannel.Nack(deliveryTag, false, requeue)
}

// Close 关闭队列（可重复调用）
func (rq *RabbitMQQueue) Close() error {
	rq.closeOnce.Do(func() {
		close(rq.closed)

		if rq.consumeChannel != nil {
			rq.consumeChannel.Close()
		}
		if rq.consumeConn != nil {
			rq.consumeConn.Close()
		}
		rq.closePublisher()

		rq.log.Info("RabbitMQ 队列已关闭")
	})
	return nil
}

func (rq *RabbitMQQueue) closePublisher() {
	if rq.publishChannel != nil {
		rq.publishChannel.Close()
	}
	if rq.publishConn != nil {
		rq.publishConn.Close()
	}
}

// Depth 队列中等待的消息数（健康检查用）
func (rq *RabbitMQQueue) Depth() (int, error) {
	rq.publishMutex.Lock()
	defer rq.publishMutex.Unlock()

	q, err := rq.publishChannel.QueueDeclarePassive(rq.queueName, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}
