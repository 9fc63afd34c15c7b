package storage

import (
	"context"
	"time"

	"github.com/z-wentao/readrepeat/pkg/models"
)

// LessonStore 课程及其状态迁移
// 状态迁移都是带条件的写（比较当前状态与处理令牌），多实例下同样成立
type LessonStore interface {
	// CreateLesson 保存新课程（状态 UPLOADED）及其标签
	CreateLesson(ctx context.Context, lesson *models.Lesson, tags []string) error

	GetLesson(ctx context.Context, id string) (*models.Lesson, error)

	// GetLessonDetail 课程、标签与句子来自同一次一致读，
	// 不会出现 READY 状态配空句子这类中间态
	GetLessonDetail(ctx context.Context, id string) (*models.LessonDetail, error)

	// ListLessons 按创建时间倒序
	ListLessons(ctx context.Context) ([]models.Lesson, error)

	// DeleteLesson 级联删除句子、录音与标签关联，返回被删除的录音（用于清理文件）
	DeleteLesson(ctx context.Context, id string) ([]models.Recording, error)

	// BeginProcessing UPLOADED/READY/FAILED -> PROCESSING，写入新令牌，
	// 并在同一事务内删除旧句子和录音；返回被删除的录音
	BeginProcessing(ctx context.Context, id, token string, now time.Time) ([]models.Recording, error)

	// CompleteProcessing PROCESSING -> READY，令牌必须匹配，句子批量写入
	CompleteProcessing(ctx context.Context, id, token string, segments []models.SentenceSegment, mismatch bool, now time.Time) error

	// FailProcessing PROCESSING -> FAILED，令牌必须匹配
	FailProcessing(ctx context.Context, id, token, reason, detail string, now time.Time) error

	// SetAudioPath 替换课程音频，处理中的课程不可替换
	SetAudioPath(ctx context.Context, id, path string, now time.Time) error
}

// SegmentStore 句子
type SegmentStore interface {
	// ListSegments 按 Order 升序
	ListSegments(ctx context.Context, lessonID string) ([]models.SentenceSegment, error)
	GetSegment(ctx context.Context, lessonID, segmentID string) (*models.SentenceSegment, error)
}

// RecordingStore 跟读录音，每个句子最多一条
type RecordingStore interface {
	// PutRecording 写入录音，返回被替换的旧录音（没有则为 nil）
	PutRecording(ctx context.Context, rec *models.Recording) (*models.Recording, error)
	GetRecording(ctx context.Context, lessonID, segmentID string) (*models.Recording, error)
	// DeleteRecording 幂等，返回被删除的录音（没有则为 nil）
	DeleteRecording(ctx context.Context, lessonID, segmentID string) (*models.Recording, error)
	ListRecordings(ctx context.Context, lessonID string) ([]models.Recording, error)
}

// TagStore 标签
type TagStore interface {
	// SetLessonTags 整体替换课程标签，名称应已规范化
	SetLessonTags(ctx context.Context, lessonID string, names []string) error
	TagsForLesson(ctx context.Context, lessonID string) ([]string, error)
	// ListTags 按名称排序，只包含仍被课程使用的标签
	ListTags(ctx context.Context) ([]models.Tag, error)
	// LessonTags 所有课程的标签，重建搜索索引用
	LessonTags(ctx context.Context) (map[string][]string, error)
}

// Store 课程数据存储
type Store interface {
	LessonStore
	SegmentStore
	RecordingStore
	TagStore

	// Close 关闭存储连接
	Close() error
}

// JobStore TTS 任务存储
type JobStore interface {
	Save(ctx context.Context, job *models.TTSJob) error

	Get(ctx context.Context, jobID string) (*models.TTSJob, error)

	// Update 更新任务（使用回调函数模式）
	Update(ctx context.Context, jobID string, updateFn func(*models.TTSJob)) error

	// ListByLesson 某课程的任务，按创建时间倒序
	ListByLesson(ctx context.Context, lessonID string) ([]*models.TTSJob, error)

	Close() error
}
