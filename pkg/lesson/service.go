// Package lesson 课程生命周期：创建、状态迁移、标签与音频
package lesson

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/z-wentao/readrepeat/pkg/aligner"
	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/config"
	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/models"
	"github.com/z-wentao/readrepeat/pkg/queue"
	"github.com/z-wentao/readrepeat/pkg/search"
	"github.com/z-wentao/readrepeat/pkg/storage"
	"github.com/z-wentao/readrepeat/pkg/tagger"
	"github.com/z-wentao/readrepeat/pkg/transcript"
)

const (
	maxTitleRunes  = 200
	autoTitleRunes = 60
)

// Suggester 自动打标签
type Suggester interface {
	Suggest(ctx context.Context, title, text string) ([]string, error)
}

// CreateInput 创建课程的字段；除两段文本外均可省略
type CreateInput struct {
	Title           string   `json:"title"`
	ForeignText     string   `json:"foreign_text"`
	TranslationText string   `json:"translation_text"`
	ForeignLang     string   `json:"foreign_lang"`
	TranslationLang string   `json:"translation_lang"`
	WhisperModel    string   `json:"whisper_model"`
	Tags            []string `json:"tags"`
}

// Service 课程状态机
// 所有状态迁移都落到存储层的条件写上，服务本身不持有锁
type Service struct {
	store    storage.Store
	queue    queue.Queue
	index    *search.Index
	cache    transcript.Cache
	files    storage.FileLayout
	tagger   Suggester
	defaults config.LessonDefaults
	now      func() time.Time
	newID    func() string
	log      *logger.Logger
}

// Option 可选依赖
type Option func(*Service)

// WithTagger 创建课程且没有给标签时自动建议标签
func WithTagger(s Suggester) Option {
	return func(svc *Service) { svc.tagger = s }
}

// WithTranscriptCache 删除课程时一并清理转录缓存
func WithTranscriptCache(c transcript.Cache) Option {
	return func(svc *Service) { svc.cache = c }
}

// WithClock 测试用
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// NewService 创建课程服务
func NewService(
	store storage.Store,
	q queue.Queue,
	index *search.Index,
	files storage.FileLayout,
	defaults config.LessonDefaults,
	log *logger.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		store:    store,
		queue:    q,
		index:    index,
		files:    files,
		defaults: defaults,
		now:      time.Now,
		newID:    uuid.NewString,
		log:      log.With("component", "lesson"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create 校验并保存新课程（UPLOADED）
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Lesson, error) {
	if strings.TrimSpace(in.ForeignText) == "" {
		return nil, apperr.Validation("外语文本不能为空")
	}
	if strings.TrimSpace(in.TranslationText) == "" {
		return nil, apperr.Validation("译文不能为空")
	}

	foreignLang, err := s.lang(in.ForeignLang, s.defaults.ForeignLang, "foreign_lang")
	if err != nil {
		return nil, err
	}
	translationLang, err := s.lang(in.TranslationLang, s.defaults.TranslationLang, "translation_lang")
	if err != nil {
		return nil, err
	}

	model := models.WhisperModel(strings.ToLower(strings.TrimSpace(in.WhisperModel)))
	if model == "" {
		model = models.WhisperModel(s.defaults.WhisperModel)
	}
	if !model.Valid() {
		return nil, apperr.Validation("不支持的模型: %s", model)
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = defaultTitle(in.ForeignText)
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return nil, apperr.Validation("标题不能超过 %d 个字符", maxTitleRunes)
	}

	tags := tagger.NormalizeTags(in.Tags)
	if len(tags) == 0 && s.tagger != nil {
		suggested, err := s.tagger.Suggest(ctx, title, in.ForeignText)
		if err != nil {
			// 自动标签失败不影响创建
			s.log.Warn("自动标签失败", "title", title, "error", err)
		} else {
			tags = suggested
		}
	}

	now := s.now()
	l := &models.Lesson{
		ID:                 s.newID(),
		Title:              title,
		ForeignTextRaw:     in.ForeignText,
		TranslationTextRaw: in.TranslationText,
		ForeignLang:        foreignLang,
		TranslationLang:    translationLang,
		WhisperModel:       model,
		Status:             models.LessonUploaded,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateLesson(ctx, l, tags); err != nil {
		return nil, fmt.Errorf("保存课程失败: %w", err)
	}

	s.index.UpsertLesson(*l, tags)
	s.refreshTags(ctx)
	s.log.Info("课程已创建", "lesson_id", l.ID, "lang", foreignLang, "model", model, "tags", len(tags))
	return l, nil
}

func (s *Service) lang(v, def, field string) (string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		v = def
	}
	tag, err := language.Parse(v)
	if err != nil || tag == language.Und {
		return "", apperr.Validation("%s 无效: %q", field, v)
	}
	// 存规范化后的小写形式，如 pt-BR -> pt-br
	return strings.ToLower(tag.String()), nil
}

// defaultTitle 取外语文本第一行（去掉说话人标签前的原文），过长截断
func defaultTitle(foreign string) string {
	for _, line := range strings.Split(foreign, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > autoTitleRunes {
			line = strings.TrimSpace(string([]rune(line)[:autoTitleRunes])) + "…"
		}
		return line
	}
	return "Untitled"
}

// BeginProcessing UPLOADED/READY/FAILED -> PROCESSING，丢弃旧句子与录音后入队
// 处理中的课程返回 AlreadyProcessing，不会重复入队
func (s *Service) BeginProcessing(ctx context.Context, id string) (*models.Lesson, error) {
	token := s.newID()
	now := s.now()

	removed, err := s.store.BeginProcessing(ctx, id, token, now)
	if err != nil {
		return nil, err
	}
	s.removeRecordingFiles(removed)
	// 旧的句子片段随句子一起失效
	if err := os.RemoveAll(s.files.ClipDir(id)); err != nil {
		s.log.Warn("清理句子片段失败", "lesson_id", id, "error", err)
	}

	task := &models.ProcessingTask{LessonID: id, Token: token, EnqueuedAt: now}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.log.Error("任务入队失败", "lesson_id", id, "error", err)
		if ferr := s.store.FailProcessing(ctx, id, token, apperr.CodeQueueUnavailable, err.Error(), s.now()); ferr != nil {
			s.log.Error("标记失败状态失败", "lesson_id", id, "error", ferr)
		}
		s.refresh(ctx, id)
		return nil, fmt.Errorf("任务入队失败: %w", err)
	}

	s.log.Info("课程开始处理", "lesson_id", id, "discarded_recordings", len(removed))
	l := s.refresh(ctx, id)
	if l == nil {
		return nil, apperr.NotFound("课程", id)
	}
	return l, nil
}

// Reprocess 丢弃现有结果重新处理
func (s *Service) Reprocess(ctx context.Context, id string) (*models.Lesson, error) {
	return s.BeginProcessing(ctx, id)
}

// CompleteProcessing PROCESSING -> READY，令牌不匹配（已被新一轮处理取代）时返回 InvalidTransition
func (s *Service) CompleteProcessing(ctx context.Context, id, token string, result *aligner.Result) error {
	if err := s.store.CompleteProcessing(ctx, id, token, result.Segments, result.TranslationMismatch, s.now()); err != nil {
		return err
	}
	s.refresh(ctx, id)
	s.log.Info("课程处理完成", "lesson_id", id, "segments", len(result.Segments), "translation_mismatch", result.TranslationMismatch)
	return nil
}

// FailProcessing PROCESSING -> FAILED，原因码取自错误分类
func (s *Service) FailProcessing(ctx context.Context, id, token string, cause error) error {
	reason := apperr.ReasonCode(cause)
	if err := s.store.FailProcessing(ctx, id, token, reason, cause.Error(), s.now()); err != nil {
		return err
	}
	s.refresh(ctx, id)
	s.log.Warn("课程处理失败", "lesson_id", id, "reason", reason, "error", cause)
	return nil
}

// Status 轮询用，无副作用
func (s *Service) Status(ctx context.Context, id string) (*models.LessonStatusView, error) {
	l, err := s.store.GetLesson(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.LessonStatusView{ID: l.ID, Status: l.Status, FailureReason: l.FailureReason}, nil
}

// Get 课程详情（含句子与标签）
func (s *Service) Get(ctx context.Context, id string) (*models.LessonDetail, error) {
	return s.store.GetLessonDetail(ctx, id)
}

// Lesson 只取课程本身
func (s *Service) Lesson(ctx context.Context, id string) (*models.Lesson, error) {
	return s.store.GetLesson(ctx, id)
}

// Search 课程列表/搜索
func (s *Service) Search(query string) []models.LessonWithTags {
	return s.index.SearchLessons(query)
}

// SearchTags 标签搜索
func (s *Service) SearchTags(query string) []models.Tag {
	return s.index.SearchTags(query)
}

// SetTags 整体替换标签
func (s *Service) SetTags(ctx context.Context, id string, tags []string) ([]string, error) {
	tags = tagger.NormalizeTags(tags)
	if err := s.store.SetLessonTags(ctx, id, tags); err != nil {
		return nil, err
	}
	s.refresh(ctx, id)
	s.refreshTags(ctx)
	return tags, nil
}

// SetAudio 替换课程音频，处理中的课程返回 AlreadyProcessing
func (s *Service) SetAudio(ctx context.Context, id, path string) error {
	old, err := s.store.GetLesson(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.SetAudioPath(ctx, id, path, s.now()); err != nil {
		return err
	}
	if old.AudioPath != "" && old.AudioPath != path {
		if err := storage.RemoveFiles(old.AudioPath); err != nil {
			s.log.Warn("删除旧音频失败", "lesson_id", id, "path", old.AudioPath, "error", err)
		}
	}
	s.refresh(ctx, id)
	return nil
}

// Delete 删除课程及其文件
func (s *Service) Delete(ctx context.Context, id string) error {
	l, err := s.store.GetLesson(ctx, id)
	if err != nil {
		return err
	}
	removed, err := s.store.DeleteLesson(ctx, id)
	if err != nil {
		return err
	}

	s.removeRecordingFiles(removed)
	if err := storage.RemoveFiles(l.AudioPath); err != nil {
		s.log.Warn("删除课程音频失败", "lesson_id", id, "error", err)
	}
	if err := os.RemoveAll(s.files.LessonDir(id)); err != nil {
		s.log.Warn("删除课程目录失败", "lesson_id", id, "error", err)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, id); err != nil {
			s.log.Warn("删除转录缓存失败", "lesson_id", id, "error", err)
		}
	}

	s.index.RemoveLesson(id)
	s.refreshTags(ctx)
	s.log.Info("课程已删除", "lesson_id", id)
	return nil
}

func (s *Service) removeRecordingFiles(recs []models.Recording) {
	for _, r := range recs {
		if err := storage.RemoveFiles(r.FilePath); err != nil {
			s.log.Warn("删除录音文件失败", "recording_id", r.ID, "error", err)
		}
	}
}

// refresh 用存储中的最新状态更新索引；课程已被删除时移出索引
func (s *Service) refresh(ctx context.Context, id string) *models.Lesson {
	l, err := s.store.GetLesson(ctx, id)
	if err != nil {
		s.index.RemoveLesson(id)
		return nil
	}
	tags, err := s.store.TagsForLesson(ctx, id)
	if err != nil {
		s.log.Warn("读取课程标签失败", "lesson_id", id, "error", err)
	}
	s.index.UpsertLesson(*l, tags)
	return l
}

func (s *Service) refreshTags(ctx context.Context) {
	tags, err := s.store.ListTags(ctx)
	if err != nil {
		s.log.Warn("读取标签失败", "error", err)
		return
	}
	s.index.ReplaceTags(tags)
}
