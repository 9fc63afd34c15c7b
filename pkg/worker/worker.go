// Package worker 从队列取课程处理任务的 goroutine 池
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/models"
	"github.com/z-wentao/readrepeat/pkg/queue"
)

// DefaultMaxAttempts 基础设施错误最多尝试次数
const DefaultMaxAttempts = 3

// Handler 任务处理器（pipeline.Processor）
type Handler interface {
	// Process 返回错误表示基础设施故障，任务可以重试
	Process(ctx context.Context, task *models.ProcessingTask) error
	// Abandon 重试用尽后调用
	Abandon(ctx context.Context, task *models.ProcessingTask, cause error) error
}

// Pool 固定数量的 Worker，共享一个队列
type Pool struct {
	queue       queue.Queue
	handler     Handler
	size        int
	maxAttempts int
	retryDelay  time.Duration
	log         *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool 创建 Worker 池
func NewPool(q queue.Queue, h Handler, size int, log *logger.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		queue:       q,
		handler:     h,
		size:        size,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  time.Second,
		log:         log.With("component", "worker"),
	}
}

// Start 启动所有 Worker（各自在独立的 goroutine 中运行）
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.log.Info("Worker 池已启动", "size", p.size)
}

// Stop 取消所有 Worker 并等待正在处理的任务返回
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.log.Info("正在停止 Worker 池...")
	p.cancel()
	p.wg.Wait()
	p.log.Info("Worker 池已停止")
}

// run Worker 主循环
func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With("worker_id", id)

	for {
		// 从队列获取任务（阻塞）
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Error("从队列获取任务失败", "error", err)
			select {
			case <-time.After(p.retryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		p.handle(ctx, log, task)
	}
}

func (p *Pool) handle(ctx context.Context, log *logger.Logger, task *models.ProcessingTask) {
	log = log.With("lesson_id", task.LessonID, "attempt", task.Attempt)
	start := time.Now()

	err := p.safeProcess(ctx, task)
	if err == nil {
		p.ack(log, task)
		log.Debug("任务处理结束", "elapsed", time.Since(start))
		return
	}

	// 停机：放回队列，课程令牌仍有效，下次启动继续处理
	if ctx.Err() != nil {
		log.Info("停机中断任务，重新入队")
		p.nack(log, task, true)
		return
	}

	if task.Attempt+1 < p.maxAttempts {
		log.Warn("任务处理失败，稍后重试", "error", err)
		if retryErr := p.retry(ctx, task); retryErr != nil {
			log.Warn("重试入队失败，原消息放回队列", "error", retryErr)
			p.nack(log, task, true)
			return
		}
		p.ack(log, task)
		return
	}

	log.Error("任务重试次数用尽", "error", err)
	if abandonErr := p.handler.Abandon(ctx, task, err); abandonErr != nil {
		log.Error("标记课程失败状态失败", "error", abandonErr)
	}
	p.nack(log, task, false)
}

func (p *Pool) ack(log *logger.Logger, task *models.ProcessingTask) {
	if err := p.queue.Ack(task); err != nil {
		log.Warn("确认消息失败", "error", err)
	}
}

func (p *Pool) nack(log *logger.Logger, task *models.ProcessingTask, requeue bool) {
	if err := p.queue.Nack(task, requeue); err != nil {
		log.Warn("拒绝消息失败", "requeue", requeue, "error", err)
	}
}

// retry 等待后以 Attempt+1 重新入队
func (p *Pool) retry(ctx context.Context, task *models.ProcessingTask) error {
	select {
	case <-time.After(p.retryDelay * time.Duration(task.Attempt+1)):
	case <-ctx.Done():
		return ctx.Err()
	}
	next := &models.ProcessingTask{
		LessonID:   task.LessonID,
		Token:      task.Token,
		Attempt:    task.Attempt + 1,
		EnqueuedAt: time.Now(),
	}
	return p.queue.Enqueue(ctx, next)
}

func (p *Pool) safeProcess(ctx context.Context, task *models.ProcessingTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("处理任务 panic: %v", r)
		}
	}()
	return p.handler.Process(ctx, task)
}
