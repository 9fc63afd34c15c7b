// Package recording 学习者逐句跟读录音
package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/audio"
	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/models"
	"github.com/z-wentao/readrepeat/pkg/storage"
)

const defaultConcurrency = 8

// Store 录音相关的存储操作
type Store interface {
	storage.RecordingStore
	GetLesson(ctx context.Context, id string) (*models.Lesson, error)
	GetSegment(ctx context.Context, lessonID, segmentID string) (*models.SentenceSegment, error)
}

// Tracker 录音跟踪器，每个句子最多一条录音，新录音替换旧录音
type Tracker struct {
	store       Store
	files       storage.FileLayout
	concurrency int
	now         func() time.Time
	newID       func() string
	log         *logger.Logger
}

// NewTracker 创建录音跟踪器
func NewTracker(store Store, files storage.FileLayout, log *logger.Logger) *Tracker {
	return &Tracker{
		store:       store,
		files:       files,
		concurrency: defaultConcurrency,
		now:         time.Now,
		newID:       uuid.NewString,
		log:         log.With("component", "recording"),
	}
}

// LessonRecordings 某课程的录音视图
type LessonRecordings struct {
	t        *Tracker
	lessonID string
}

// ForLesson 获取课程的录音视图
func (t *Tracker) ForLesson(lessonID string) *LessonRecordings {
	return &LessonRecordings{t: t, lessonID: lessonID}
}

// Get 获取句子的录音
func (r *LessonRecordings) Get(ctx context.Context, segmentID string) (*models.Recording, error) {
	return r.t.store.GetRecording(ctx, r.lessonID, segmentID)
}

// Put 登记已保存的录音文件，替换旧录音（旧文件尽力删除）
// 处理中的课程没有句子，返回 AlreadyProcessing
func (r *LessonRecordings) Put(ctx context.Context, segmentID, filePath string, durationMs *int64) (*models.Recording, error) {
	l, err := r.t.store.GetLesson(ctx, r.lessonID)
	if err != nil {
		return nil, err
	}
	if l.Status == models.LessonProcessing {
		return nil, apperr.Conflict(apperr.ErrAlreadyProcessing, r.lessonID)
	}

	rec := &models.Recording{
		ID:         r.t.newID(),
		SegmentID:  segmentID,
		LessonID:   r.lessonID,
		FilePath:   filePath,
		DurationMs: durationMs,
		CreatedAt:  r.t.now(),
	}
	prev, err := r.t.store.PutRecording(ctx, rec)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.FilePath != filePath {
		if err := storage.RemoveFiles(prev.FilePath); err != nil {
			r.t.log.Warn("删除旧录音文件失败", "recording_id", prev.ID, "error", err)
		}
	}
	return rec, nil
}

// SaveUpload 保存上传的录音文件并登记；WAV 文件会读取时长
func (r *LessonRecordings) SaveUpload(ctx context.Context, segmentID string, src io.Reader, ext string) (*models.Recording, error) {
	// 先确认句子存在，避免写出无主文件
	if _, err := r.t.store.GetSegment(ctx, r.lessonID, segmentID); err != nil {
		return nil, err
	}

	path := r.t.files.RecordingPath(r.lessonID, segmentID, r.t.newID(), ext)
	if err := writeFile(path, src); err != nil {
		return nil, fmt.Errorf("保存录音失败: %w", err)
	}

	var durationMs *int64
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		if ms, err := audio.WAVDurationMs(path); err == nil {
			durationMs = &ms
		} else {
			r.t.log.Warn("读取录音时长失败", "path", path, "error", err)
		}
	}

	rec, err := r.Put(ctx, segmentID, path, durationMs)
	if err != nil {
		// 登记失败（句子已被重新处理掉等），文件不再有主
		_ = storage.RemoveFiles(path)
		return nil, err
	}
	return rec, nil
}

func writeFile(path string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Remove 删除录音，幂等
func (r *LessonRecordings) Remove(ctx context.Context, segmentID string) error {
	rec, err := r.t.store.DeleteRecording(ctx, r.lessonID, segmentID)
	if err != nil {
		return err
	}
	if rec != nil {
		if err := storage.RemoveFiles(rec.FilePath); err != nil {
			r.t.log.Warn("删除录音文件失败", "recording_id", rec.ID, "error", err)
		}
	}
	return nil
}

// All 课程的全部录音（练习视图）
func (r *LessonRecordings) All(ctx context.Context) ([]models.Recording, error) {
	if _, err := r.t.store.GetLesson(ctx, r.lessonID); err != nil {
		return nil, err
	}
	return r.t.store.ListRecordings(ctx, r.lessonID)
}

// BatchFetch 并发获取多个句子的录音
// 没有录音或单个查询失败的句子不出现在结果中；只有 ctx 取消才返回错误
func (r *LessonRecordings) BatchFetch(ctx context.Context, segmentIDs []string) (map[string]models.Recording, error) {
	result := make(map[string]models.Recording, len(segmentIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.t.concurrency)

	seen := make(map[string]bool, len(segmentIDs))
	for _, segmentID := range segmentIDs {
		if seen[segmentID] {
			continue
		}
		seen[segmentID] = true

		g.Go(func() error {
			rec, err := r.t.store.GetRecording(gctx, r.lessonID, segmentID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if !errors.Is(err, apperr.ErrNotFound) {
					r.t.log.Warn("获取录音失败", "lesson_id", r.lessonID, "segment_id", segmentID, "error", err)
				}
				return nil
			}

			mu.Lock()
			result[segmentID] = *rec
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
