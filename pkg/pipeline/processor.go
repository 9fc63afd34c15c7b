// Package pipeline 课程处理：转录 -> 对齐 -> 切片 -> 写回状态
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/text/language"

	"github.com/z-wentao/readrepeat/pkg/aligner"
	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/models"
	"github.com/z-wentao/readrepeat/pkg/storage"
	"github.com/z-wentao/readrepeat/pkg/transcriber"
	"github.com/z-wentao/readrepeat/pkg/transcript"
)

// Lessons 课程状态机（lesson.Service）
type Lessons interface {
	Lesson(ctx context.Context, id string) (*models.Lesson, error)
	CompleteProcessing(ctx context.Context, id, token string, result *aligner.Result) error
	FailProcessing(ctx context.Context, id, token string, cause error) error
}

// AudioTool ffmpeg 操作
type AudioTool interface {
	Normalize(ctx context.Context, in, out string) error
	ExtractClip(ctx context.Context, in, out string, startMs, endMs int64) error
}

// Options 处理选项
type Options struct {
	Timeout    time.Duration // 转录超时，超过即 ALIGNMENT_TIMEOUT
	Normalize  bool
	SliceClips bool
}

// Processor 单个课程处理任务的执行者
type Processor struct {
	lessons     Lessons
	transcriber transcriber.Transcriber
	aligner     *aligner.Aligner
	cache       transcript.Cache
	audio       AudioTool
	files       storage.FileLayout
	opts        Options
	log         *logger.Logger
}

// NewProcessor 创建处理器；cache、audio 可为 nil
func NewProcessor(
	lessons Lessons,
	tr transcriber.Transcriber,
	al *aligner.Aligner,
	cache transcript.Cache,
	audio AudioTool,
	files storage.FileLayout,
	opts Options,
	log *logger.Logger,
) *Processor {
	if audio == nil {
		opts.Normalize = false
		opts.SliceClips = false
	}
	return &Processor{
		lessons:     lessons,
		transcriber: tr,
		aligner:     al,
		cache:       cache,
		audio:       audio,
		files:       files,
		opts:        opts,
		log:         log.With("component", "pipeline"),
	}
}

// Process 处理一个任务
// 对齐/转录失败会把课程置为 FAILED 并返回 nil；只有基础设施错误（存储不可用、ctx 取消）才返回错误
func (p *Processor) Process(ctx context.Context, task *models.ProcessingTask) error {
	log := p.log.With("lesson_id", task.LessonID, "attempt", task.Attempt)

	l, err := p.lessons.Lesson(ctx, task.LessonID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Info("课程已删除，丢弃任务")
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取课程失败: %w", err)
	}
	if l.Status != models.LessonProcessing || l.ProcessingToken != task.Token {
		// 已被新一轮处理取代或已结束
		log.Info("任务已过期，丢弃", "status", l.Status)
		return nil
	}

	start := time.Now()
	defer os.RemoveAll(filepath.Dir(p.files.NormalizedPath(l.ID)))

	frags, source, err := p.transcribe(ctx, l)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.fail(ctx, l, task.Token, err)
	}

	result, err := p.aligner.Align(aligner.Input{
		LessonID:        l.ID,
		ForeignText:     l.ForeignTextRaw,
		TranslationText: l.TranslationTextRaw,
		ForeignLang:     l.ForeignLang,
		TranslationLang: l.TranslationLang,
		Fragments:       frags,
	})
	if err != nil {
		return p.fail(ctx, l, task.Token, err)
	}

	if p.opts.SliceClips && source != "" {
		p.sliceClips(ctx, l.ID, source, result.Segments)
	}

	err = p.lessons.CompleteProcessing(ctx, l.ID, task.Token, result)
	if errors.Is(err, apperr.ErrInvalidTransition) {
		log.Info("处理期间课程已被重新处理或删除，结果丢弃")
		return nil
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("保存处理结果失败: %w", err)
	}

	log.Info("课程处理完成", "segments", len(result.Segments), "fragments", len(frags), "elapsed", time.Since(start))
	return nil
}

// Abandon 重试次数用尽后把课程置为 FAILED，避免永远停在 PROCESSING
func (p *Processor) Abandon(ctx context.Context, task *models.ProcessingTask, cause error) error {
	err := p.lessons.FailProcessing(ctx, task.LessonID, task.Token, cause)
	if errors.Is(err, apperr.ErrInvalidTransition) || errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

func (p *Processor) fail(ctx context.Context, l *models.Lesson, token string, cause error) error {
	err := p.lessons.FailProcessing(ctx, l.ID, token, cause)
	if errors.Is(err, apperr.ErrInvalidTransition) || errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

// transcribe 返回转录片段和用于切片的音频路径；课程没有音频时两者都为空
func (p *Processor) transcribe(ctx context.Context, l *models.Lesson) ([]models.TranscriptionFragment, string, error) {
	if l.AudioPath == "" {
		return nil, "", nil
	}
	log := p.log.With("lesson_id", l.ID)

	if p.cache != nil {
		frags, ok, err := p.cache.Get(ctx, l.ID, l.AudioPath)
		if err != nil {
			log.Warn("读取转录缓存失败", "error", err)
		} else if ok {
			log.Info("使用缓存的转录结果", "fragments", len(frags))
			return frags, l.AudioPath, nil
		}
	}

	source := l.AudioPath
	if p.opts.Normalize {
		out := p.files.NormalizedPath(l.ID)
		if err := p.audio.Normalize(ctx, l.AudioPath, out); err != nil {
			return nil, "", apperr.Alignment(apperr.ErrTranscriptionFailed, fmt.Errorf("音频转码失败: %w", err))
		}
		source = out
	}

	tctx := ctx
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	frags, err := p.transcriber.Transcribe(tctx, source, whisperLang(l.ForeignLang), l.WhisperModel)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, "", apperr.Alignment(apperr.ErrAlignmentTimeout, fmt.Errorf("转录超过 %s: %w", p.opts.Timeout, err))
		}
		return nil, "", apperr.Alignment(apperr.ErrTranscriptionFailed, err)
	}

	if p.cache != nil {
		if err := p.cache.Put(ctx, l.ID, l.AudioPath, frags); err != nil {
			log.Warn("写入转录缓存失败", "error", err)
		}
	}
	return frags, source, nil
}

// whisperLang Whisper 只接受基础语言码（pt-br -> pt）
func whisperLang(lang string) string {
	tag, err := language.Parse(lang)
	if err != nil {
		return lang
	}
	base, _ := tag.Base()
	return base.String()
}

// sliceClips 为每个有时间的句子截取音频片段；单个失败只记录日志，该句没有片段
func (p *Processor) sliceClips(ctx context.Context, lessonID, source string, segments []models.SentenceSegment) {
	failed := 0
	for i := range segments {
		seg := &segments[i]
		if !seg.Timed() {
			continue
		}
		out := p.files.ClipPath(lessonID, seg.Order)
		if err := p.audio.ExtractClip(ctx, source, out, *seg.StartMs, *seg.EndMs); err != nil {
			failed++
			p.log.Warn("截取句子片段失败", "lesson_id", lessonID, "order", seg.Order, "error", err)
			continue
		}
		seg.ClipPath = out
	}
	if failed > 0 {
		p.log.Warn("部分句子没有音频片段", "lesson_id", lessonID, "failed", failed)
	}
}
