// Package queue 课程处理任务队列
package queue

import (
	"context"
	"errors"

	"github.com/z-wentao/readrepeat/pkg/models"
)

// ErrClosed 队列已关闭
var ErrClosed = errors.New("队列已关闭")

// Queue 任务队列接口（内存 / RabbitMQ）
type Queue interface {
	// Enqueue 将任务加入队列
	Enqueue(ctx context.Context, task *models.ProcessingTask) error

	// Dequeue 从队列取出任务（阻塞，直到有任务、ctx 取消或队列关闭）
	Dequeue(ctx context.Context) (*models.ProcessingTask, error)

	// Ack 确认消息（任务处理完成）
	Ack(task *models.ProcessingTask) error

	// Nack 拒绝消息
	// requeue: 是否重新入队
	Nack(task *models.ProcessingTask, requeue bool) error

	// Close 关闭队列
	Close() error
}
