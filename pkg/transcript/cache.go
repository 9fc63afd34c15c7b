// Package transcript 缓存音频的转录结果，重新处理同一音频时无需再次调用 Whisper
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/z-wentao/readrepeat/pkg/models"
)

// Cache 以 (课程, 音频路径) 为键
// 更换音频后键随之变化，旧结果自然失效
type Cache interface {
	Get(ctx context.Context, lessonID, audioPath string) ([]models.TranscriptionFragment, bool, error)
	Put(ctx context.Context, lessonID, audioPath string, fragments []models.TranscriptionFragment) error
	Delete(ctx context.Context, lessonID string) error
}

type memoryEntry struct {
	audioPath string
	fragments []models.TranscriptionFragment
}

// MemoryCache 每个课程只保留最近一次音频的转录
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, lessonID, audioPath string) ([]models.TranscriptionFragment, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[lessonID]
	if !ok || e.audioPath != audioPath {
		return nil, false, nil
	}
	return append([]models.TranscriptionFragment(nil), e.fragments...), true, nil
}

func (c *MemoryCache) Put(_ context.Context, lessonID, audioPath string, fragments []models.TranscriptionFragment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[lessonID] = memoryEntry{
		audioPath: audioPath,
		fragments: append([]models.TranscriptionFragment(nil), fragments...),
	}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, lessonID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, lessonID)
	return nil
}

// RedisCache JSON 存储，带过期时间
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

type cachedTranscript struct {
	AudioPath string                         `json:"audio_path"`
	Fragments []models.TranscriptionFragment `json:"fragments"`
}

// key 格式: "readrepeat:transcript:{lessonID}"
func key(lessonID string) string {
	return fmt.Sprintf("readrepeat:transcript:%s", lessonID)
}

func (c *RedisCache) Get(ctx context.Context, lessonID, audioPath string) ([]models.TranscriptionFragment, bool, error) {
	data, err := c.client.Get(ctx, key(lessonID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取转录缓存失败: %w", err)
	}

	var cached cachedTranscript
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false, fmt.Errorf("反序列化转录缓存失败: %w", err)
	}
	if cached.AudioPath != audioPath {
		return nil, false, nil
	}
	return cached.Fragments, true, nil
}

func (c *RedisCache) Put(ctx context.Context, lessonID, audioPath string, fragments []models.TranscriptionFragment) error {
	data, err := json.Marshal(cachedTranscript{AudioPath: audioPath, Fragments: fragments})
	if err != nil {
		return fmt.Errorf("序列化转录结果失败: %w", err)
	}
	if err := c.client.Set(ctx, key(lessonID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("写入转录缓存失败: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, lessonID string) error {
	if err := c.client.Del(ctx, key(lessonID)).Err(); err != nil {
		return fmt.Errorf("删除转录缓存失败: %w", err)
	}
	return nil
}
