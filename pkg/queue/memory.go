package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/z-wentao/readrepeat/pkg/models"
)

// MemoryQueue 基于 Channel 的内存队列实现，单进程部署使用
type MemoryQueue struct {
	queue     chan *models.ProcessingTask
	closed    chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(bufferSize int) *MemoryQueue {
	return &MemoryQueue{
		queue:  make(chan *models.ProcessingTask, bufferSize),
		closed: make(chan struct{}),
	}
}

// Enqueue 将任务加入队列，队列满时立即返回错误
func (mq *MemoryQueue) Enqueue(_ context.Context, task *models.ProcessingTask) error {
	select {
	case <-mq.closed:
		return ErrClosed
	default:
	}

	select {
	case mq.queue <- task:
		return nil
	default:
		return fmt.Errorf("队列已满 (容量 %d)", cap(mq.queue))
	}
}

// Dequeue 从队列取出任务（阻塞等待）
func (mq *MemoryQueue) Dequeue(ctx context.Context) (*models.ProcessingTask, error) {
	select {
	case task := <-mq.queue:
		return task, nil
	case <-mq.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack 内存队列取出即删除，无需确认
func (mq *MemoryQueue) Ack(*models.ProcessingTask) error {
	return nil
}

// Nack requeue 时放回队尾
func (mq *MemoryQueue) Nack(task *models.ProcessingTask, requeue bool) error {
	if !requeue {
		return nil
	}
	return mq.Enqueue(context.Background(), task)
}

// Depth 当前排队数量
func (mq *MemoryQueue) Depth() (int, error) {
	return len(mq.queue), nil
}

// Close 关闭队列，阻塞中的 Dequeue 返回 ErrClosed
func (mq *MemoryQueue) Close() error {
	mq.closeOnce.Do(func() { close(mq.closed) })
	return nil
}
