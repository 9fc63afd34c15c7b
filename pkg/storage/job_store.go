package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/models"
)

// MemoryJobStore TTS 任务存储（内存实现）
type MemoryJobStore struct {
	jobs map[string]*models.TTSJob
	mu   sync.RWMutex
}

// NewMemoryJobStore 创建任务存储
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]*models.TTSJob),
	}
}

// Save 保存任务
func (js *MemoryJobStore) Save(_ context.Context, job *models.TTSJob) error {
	js.mu.Lock()
	defer js.mu.Unlock()

	j := *job
	js.jobs[job.JobID] = &j
	return nil
}

// Get 获取任务副本
func (js *MemoryJobStore) Get(_ context.Context, jobID string) (*models.TTSJob, error) {
	js.mu.RLock()
	defer js.mu.RUnlock()

	job, exists := js.jobs[jobID]
	if !exists {
		return nil, apperr.NotFound("任务", jobID)
	}

	j := *job
	return &j, nil
}

// Update 更新任务状态
func (js *MemoryJobStore) Update(_ context.Context, jobID string, updateFn func(*models.TTSJob)) error {
	js.mu.Lock()
	defer js.mu.Unlock()

	job, exists := js.jobs[jobID]
	if !exists {
		return apperr.NotFound("任务", jobID)
	}

	updateFn(job)
	return nil
}

// ListByLesson 列出课程的任务
func (js *MemoryJobStore) ListByLesson(_ context.Context, lessonID string) ([]*models.TTSJob, error) {
	js.mu.RLock()
	defer js.mu.RUnlock()

	jobs := make([]*models.TTSJob, 0)
	for _, job := range js.jobs {
		if job.LessonID == lessonID {
			j := *job
			jobs = append(jobs, &j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })

	return jobs, nil
}

// Close 关闭存储（内存存储无需关闭）
func (js *MemoryJobStore) Close() error {
	return nil
}
