package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/models"
)

// MemoryStore 内存存储，单进程开发/测试用
// 一把 RWMutex 保护全部数据，读操作返回副本
type MemoryStore struct {
	mu         sync.RWMutex
	lessons    map[string]*models.Lesson
	segments   map[string][]models.SentenceSegment // lessonID -> 按 Order 排序
	recordings map[string]models.Recording         // segmentID -> 录音
	lessonTags map[string][]string                 // lessonID -> 标签名
	tagIDs     map[string]string                   // 标签名 -> ID
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lessons:    make(map[string]*models.Lesson),
		segments:   make(map[string][]models.SentenceSegment),
		recordings: make(map[string]models.Recording),
		lessonTags: make(map[string][]string),
		tagIDs:     make(map[string]string),
	}
}

func (s *MemoryStore) CreateLesson(_ context.Context, lesson *models.Lesson, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.lessons[lesson.ID]; exists {
		return apperr.Validation("课程已存在: %s", lesson.ID)
	}
	l := *lesson
	s.lessons[l.ID] = &l
	s.setTagsLocked(l.ID, tags)
	return nil
}

func (s *MemoryStore) GetLesson(_ context.Context, id string) (*models.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lessons[id]
	if !ok {
		return nil, apperr.NotFound("课程", id)
	}
	out := *l
	return &out, nil
}

// GetLessonDetail 同一把读锁下取课程、标签与句子
func (s *MemoryStore) GetLessonDetail(_ context.Context, id string) (*models.LessonDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lessons[id]
	if !ok {
		return nil, apperr.NotFound("课程", id)
	}
	d := &models.LessonDetail{
		Lesson:   *l,
		Tags:     make([]string, len(s.lessonTags[id])),
		Segments: make([]models.SentenceSegment, len(s.segments[id])),
	}
	copy(d.Tags, s.lessonTags[id])
	copy(d.Segments, s.segments[id])
	return d, nil
}

func (s *MemoryStore) ListLessons(_ context.Context) ([]models.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lessons := make([]models.Lesson, 0, len(s.lessons))
	for _, l := range s.lessons {
		lessons = append(lessons, *l)
	}
	sort.Slice(lessons, func(i, j int) bool {
		if !lessons[i].CreatedAt.Equal(lessons[j].CreatedAt) {
			return lessons[i].CreatedAt.After(lessons[j].CreatedAt)
		}
		return lessons[i].ID < lessons[j].ID
	})
	return lessons, nil
}

func (s *MemoryStore) DeleteLesson(_ context.Context, id string) ([]models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lessons[id]; !ok {
		return nil, apperr.NotFound("课程", id)
	}
	removed := s.discardSegmentsLocked(id)
	delete(s.lessons, id)
	s.setTagsLocked(id, nil)
	return removed, nil
}

// update 在写锁内修改课程（回调返回错误时不做任何修改）
func (s *MemoryStore) update(id string, fn func(l *models.Lesson) error) error {
	l, ok := s.lessons[id]
	if !ok {
		return apperr.NotFound("课程", id)
	}
	next := *l
	if err := fn(&next); err != nil {
		return err
	}
	*l = next
	return nil
}

func (s *MemoryStore) BeginProcessing(_ context.Context, id, token string, now time.Time) ([]models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.update(id, func(l *models.Lesson) error {
		switch l.Status {
		case models.LessonProcessing:
			return apperr.Conflict(apperr.ErrAlreadyProcessing, id)
		case models.LessonUploaded, models.LessonReady, models.LessonFailed:
		default:
			return apperr.InvalidTransition(id, l.Status, models.LessonProcessing)
		}
		l.Status = models.LessonProcessing
		l.ProcessingToken = token
		l.FailureReason = ""
		l.FailureDetail = ""
		l.TranslationMismatch = false
		l.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.discardSegmentsLocked(id), nil
}

// discardSegmentsLocked 删除课程的全部句子和录音
func (s *MemoryStore) discardSegmentsLocked(lessonID string) []models.Recording {
	var removed []models.Recording
	for _, seg := range s.segments[lessonID] {
		if rec, ok := s.recordings[seg.ID]; ok {
			removed = append(removed, rec)
			delete(s.recordings, seg.ID)
		}
	}
	delete(s.segments, lessonID)
	return removed
}

func checkToken(l *models.Lesson, token string, to models.LessonStatus) error {
	if l.Status != models.LessonProcessing || l.ProcessingToken != token {
		return apperr.InvalidTransition(l.ID, l.Status, to)
	}
	return nil
}

func (s *MemoryStore) CompleteProcessing(_ context.Context, id, token string, segments []models.SentenceSegment, mismatch bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.update(id, func(l *models.Lesson) error {
		if err := checkToken(l, token, models.LessonReady); err != nil {
			return err
		}
		l.Status = models.LessonReady
		l.ProcessingToken = ""
		l.TranslationMismatch = mismatch
		l.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}

	segs := make([]models.SentenceSegment, len(segments))
	copy(segs, segments)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Order < segs[j].Order })
	s.segments[id] = segs
	return nil
}

func (s *MemoryStore) FailProcessing(_ context.Context, id, token, reason, detail string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(id, func(l *models.Lesson) error {
		if err := checkToken(l, token, models.LessonFailed); err != nil {
			return err
		}
		l.Status = models.LessonFailed
		l.ProcessingToken = ""
		l.FailureReason = reason
		l.FailureDetail = detail
		l.UpdatedAt = now
		return nil
	})
}

func (s *MemoryStore) SetAudioPath(_ context.Context, id, path string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(id, func(l *models.Lesson) error {
		if l.Status == models.LessonProcessing {
			return apperr.Conflict(apperr.ErrAlreadyProcessing, id)
		}
		l.AudioPath = path
		l.UpdatedAt = now
		return nil
	})
}

func (s *MemoryStore) ListSegments(_ context.Context, lessonID string) ([]models.SentenceSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.lessons[lessonID]; !ok {
		return nil, apperr.NotFound("课程", lessonID)
	}
	segs := make([]models.SentenceSegment, len(s.segments[lessonID]))
	copy(segs, s.segments[lessonID])
	return segs, nil
}

func (s *MemoryStore) GetSegment(_ context.Context, lessonID, segmentID string) (*models.SentenceSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, ok := s.findSegmentLocked(lessonID, segmentID)
	if !ok {
		return nil, apperr.NotFound("句子", segmentID)
	}
	return &seg, nil
}

func (s *MemoryStore) findSegmentLocked(lessonID, segmentID string) (models.SentenceSegment, bool) {
	for _, seg := range s.segments[lessonID] {
		if seg.ID == segmentID {
			return seg, true
		}
	}
	return models.SentenceSegment{}, false
}

func (s *MemoryStore) PutRecording(_ context.Context, rec *models.Recording) (*models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.findSegmentLocked(rec.LessonID, rec.SegmentID); !ok {
		return nil, apperr.NotFound("句子", rec.SegmentID)
	}

	var prev *models.Recording
	if old, ok := s.recordings[rec.SegmentID]; ok {
		prev = &old
	}
	s.recordings[rec.SegmentID] = *rec
	return prev, nil
}

func (s *MemoryStore) GetRecording(_ context.Context, lessonID, segmentID string) (*models.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recordings[segmentID]
	if !ok || rec.LessonID != lessonID {
		return nil, apperr.NotFound("录音", segmentID)
	}
	return &rec, nil
}

func (s *MemoryStore) DeleteRecording(_ context.Context, lessonID, segmentID string) (*models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recordings[segmentID]
	if !ok || rec.LessonID != lessonID {
		return nil, nil
	}
	delete(s.recordings, segmentID)
	return &rec, nil
}

func (s *MemoryStore) ListRecordings(_ context.Context, lessonID string) ([]models.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []models.Recording
	for _, seg := range s.segments[lessonID] {
		if rec, ok := s.recordings[seg.ID]; ok {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (s *MemoryStore) SetLessonTags(_ context.Context, lessonID string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lessons[lessonID]; !ok {
		return apperr.NotFound("课程", lessonID)
	}
	s.setTagsLocked(lessonID, names)
	return nil
}

func (s *MemoryStore) setTagsLocked(lessonID string, names []string) {
	if len(names) == 0 {
		delete(s.lessonTags, lessonID)
	} else {
		tags := make([]string, len(names))
		copy(tags, names)
		sort.Strings(tags)
		s.lessonTags[lessonID] = tags
		for _, name := range tags {
			if _, ok := s.tagIDs[name]; !ok {
				s.tagIDs[name] = uuid.NewString()
			}
		}
	}

	// 清理不再被引用的标签
	used := make(map[string]bool)
	for _, tags := range s.lessonTags {
		for _, name := range tags {
			used[name] = true
		}
	}
	for name := range s.tagIDs {
		if !used[name] {
			delete(s.tagIDs, name)
		}
	}
}

func (s *MemoryStore) TagsForLesson(_ context.Context, lessonID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.lessons[lessonID]; !ok {
		return nil, apperr.NotFound("课程", lessonID)
	}
	tags := make([]string, len(s.lessonTags[lessonID]))
	copy(tags, s.lessonTags[lessonID])
	return tags, nil
}

func (s *MemoryStore) ListTags(_ context.Context) ([]models.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tags := make([]models.Tag, 0, len(s.tagIDs))
	for name, id := range s.tagIDs {
		tags = append(tags, models.Tag{ID: id, Name: name})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags, nil
}

func (s *MemoryStore) LessonTags(_ context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]string, len(s.lessonTags))
	for id, tags := range s.lessonTags {
		out[id] = append([]string(nil), tags...)
	}
	return out, nil
}

// Close 关闭存储（内存存储无需关闭）
func (s *MemoryStore) Close() error {
	return nil
}
