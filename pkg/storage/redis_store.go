package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/models"
)

// RedisJobStore Redis TTS 任务存储
// 多实例部署时任何实例都能查询任务进度
type RedisJobStore struct {
	client *redis.Client
	ttl    time.Duration // 数据过期时间
}

// NewRedisJobStore 基于已有连接创建任务存储
func NewRedisJobStore(client *redis.Client, ttl time.Duration) *RedisJobStore {
	return &RedisJobStore{client: client, ttl: ttl}
}

// jobKey 格式: "readrepeat:tts:job:{jobID}"
func jobKey(jobID string) string {
	return fmt.Sprintf("readrepeat:tts:job:%s", jobID)
}

// lessonIndexKey 课程任务索引（Sorted Set，score 为创建时间戳）
func lessonIndexKey(lessonID string) string {
	return fmt.Sprintf("readrepeat:tts:lesson:%s", lessonID)
}

// Save 保存任务到 Redis
func (rs *RedisJobStore) Save(ctx context.Context, job *models.TTSJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}

	pipe := rs.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.JobID), data, rs.ttl)
	pipe.ZAdd(ctx, lessonIndexKey(job.LessonID), redis.Z{
		Score:  float64(job.CreatedAt.UnixMilli()),
		Member: job.JobID,
	})
	pipe.Expire(ctx, lessonIndexKey(job.LessonID), rs.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("保存到 Redis 失败: %w", err)
	}
	return nil
}

// Get 从 Redis 获取任务
func (rs *RedisJobStore) Get(ctx context.Context, jobID string) (*models.TTSJob, error) {
	data, err := rs.client.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.NotFound("任务", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("从 Redis 获取失败: %w", err)
	}

	var job models.TTSJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("反序列化任务失败: %w", err)
	}
	return &job, nil
}

// Update 读-改-写；同一任务只有一个合成 goroutine 在写
func (rs *RedisJobStore) Update(ctx context.Context, jobID string, updateFn func(*models.TTSJob)) error {
	job, err := rs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	updateFn(job)

	return rs.Save(ctx, job)
}

// ListByLesson 按创建时间倒序列出课程的任务
func (rs *RedisJobStore) ListByLesson(ctx context.Context, lessonID string) ([]*models.TTSJob, error) {
	indexKey := lessonIndexKey(lessonID)

	jobIDs, err := rs.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("获取任务索引失败: %w", err)
	}

	jobs := make([]*models.TTSJob, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		job, err := rs.Get(ctx, jobID)
		if err != nil {
			// 任务已过期，顺手从索引中删除
			rs.client.ZRem(ctx, indexKey, jobID)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Close 连接由调用方统一关闭
func (rs *RedisJobStore) Close() error {
	return nil
}
