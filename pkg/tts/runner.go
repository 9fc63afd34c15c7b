package tts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/audio"
	"github.com/z-wentao/readrepeat/pkg/dialog"
	"github.com/z-wentao/readrepeat/pkg/lock"
	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/models"
	"github.com/z-wentao/readrepeat/pkg/storage"
)

const (
	dialogGap      = 300 * time.Millisecond
	defaultLockTTL = 10 * time.Minute
)

// Lessons 合成任务需要的课程操作
type Lessons interface {
	Lesson(ctx context.Context, id string) (*models.Lesson, error)
	SetAudio(ctx context.Context, id, path string) error
	Reprocess(ctx context.Context, id string) (*models.Lesson, error)
}

// Options 合成任务配置
type Options struct {
	OutputDir string
	LockTTL   time.Duration
	Reprocess bool // 合成成功后重新处理课程
}

// GenerateRequest 合成请求
type GenerateRequest struct {
	LessonID   string `json:"-"`
	Provider   string `json:"provider"`
	VoiceName  string `json:"voice_name"`
	Voice2Name string `json:"voice2_name"` // 对话课程第二个说话人的音色
	Model      string `json:"model"`
}

// Job 已提交任务的句柄
type Job struct {
	ID     string
	done   chan struct{}
	runner *Runner
}

// Wait 等待任务结束并返回最终状态
func (j *Job) Wait(ctx context.Context) (*models.TTSJob, error) {
	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return j.runner.jobs.Get(ctx, j.ID)
}

// Runner 按课程的异步合成，同一课程同时只有一个任务
type Runner struct {
	providers map[string]Provider
	order     []string
	lessons   Lessons
	jobs      storage.JobStore
	locker    lock.Locker
	opts      Options
	now       func() time.Time
	newID     func() string
	log       *logger.Logger

	// 后台任务不跟随请求的 ctx
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner 创建合成任务执行器
func NewRunner(lessons Lessons, jobs storage.JobStore, locker lock.Locker, opts Options, log *logger.Logger, providers ...Provider) *Runner {
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		providers: make(map[string]Provider, len(providers)),
		lessons:   lessons,
		jobs:      jobs,
		locker:    locker,
		opts:      opts,
		now:       time.Now,
		newID:     uuid.NewString,
		log:       log.With("component", "tts"),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	for _, p := range providers {
		r.providers[p.ID()] = p
		r.order = append(r.order, p.ID())
	}
	return r
}

// Providers 可用的服务商
func (r *Runner) Providers() []ProviderInfo {
	infos := make([]ProviderInfo, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, infoOf(r.providers[id]))
	}
	return infos
}

func lockKey(lessonID string) string {
	return "tts:" + lessonID
}

// Generate 校验请求、加锁并在后台合成，立即返回任务句柄
func (r *Runner) Generate(ctx context.Context, req GenerateRequest) (*Job, error) {
	if req.Provider == "" && len(r.order) > 0 {
		req.Provider = r.order[0]
	}
	p, ok := r.providers[req.Provider]
	if !ok {
		return nil, apperr.InvalidVoice("未知的语音服务商 %q", req.Provider)
	}
	model, err := resolve(p, req.VoiceName, req.Voice2Name, req.Model)
	if err != nil {
		return nil, err
	}
	req.Model = model

	l, err := r.lessons.Lesson(ctx, req.LessonID)
	if err != nil {
		return nil, err
	}
	if l.Status == models.LessonProcessing {
		return nil, apperr.Conflict(apperr.ErrAlreadyProcessing, l.ID)
	}

	token, ok, err := r.locker.Acquire(ctx, lockKey(l.ID), r.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("获取合成锁失败: %w", err)
	}
	if !ok {
		return nil, apperr.Conflict(apperr.ErrAlreadyGenerating, l.ID)
	}

	job := &models.TTSJob{
		JobID:      r.newID(),
		LessonID:   l.ID,
		Provider:   p.ID(),
		VoiceName:  req.VoiceName,
		Voice2Name: req.Voice2Name,
		Model:      model,
		Status:     models.StatusPending,
		CreatedAt:  r.now(),
	}
	if err := r.jobs.Save(ctx, job); err != nil {
		r.release(l.ID, token)
		return nil, fmt.Errorf("保存合成任务失败: %w", err)
	}

	handle := &Job{ID: job.JobID, done: make(chan struct{}), runner: r}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(handle.done)
		r.run(job, l, p, token)
	}()

	r.log.Info("合成任务已提交", "job_id", job.JobID, "lesson_id", l.ID, "provider", p.ID(), "voice", req.VoiceName)
	return handle, nil
}

// Job 查询任务状态
func (r *Runner) Job(ctx context.Context, id string) (*models.TTSJob, error) {
	return r.jobs.Get(ctx, id)
}

// LessonJobs 课程的合成任务，最新在前
func (r *Runner) LessonJobs(ctx context.Context, lessonID string) ([]*models.TTSJob, error) {
	return r.jobs.ListByLesson(ctx, lessonID)
}

func (r *Runner) release(lessonID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.locker.Release(ctx, lockKey(lessonID), token); err != nil {
		r.log.Warn("释放合成锁失败", "lesson_id", lessonID, "error", err)
	}
}

func (r *Runner) run(job *models.TTSJob, l *models.Lesson, p Provider, token string) {
	ctx := r.baseCtx
	defer r.release(l.ID, token)

	r.update(ctx, job.JobID, func(j *models.TTSJob) { j.Status = models.StatusProcessing })

	path, err := r.synthesize(ctx, job, l, p)
	if err == nil {
		err = r.lessons.SetAudio(ctx, l.ID, path)
		if err != nil {
			_ = storage.RemoveFiles(path)
		}
	}
	if err != nil {
		r.log.Error("合成失败", "job_id", job.JobID, "lesson_id", l.ID, "error", err)
		r.update(ctx, job.JobID, func(j *models.TTSJob) {
			j.Status = models.StatusFailed
			j.Error = err.Error()
			j.CompletedAt = r.now()
		})
		return
	}

	if r.opts.Reprocess {
		if _, err := r.lessons.Reprocess(ctx, l.ID); err != nil {
			r.log.Warn("合成后重新处理失败", "lesson_id", l.ID, "error", err)
		}
	}

	r.update(ctx, job.JobID, func(j *models.TTSJob) {
		j.Status = models.StatusCompleted
		j.AudioPath = path
		j.CompletedAt = r.now()
	})
	r.log.Info("合成完成", "job_id", job.JobID, "lesson_id", l.ID, "path", path)
}

func (r *Runner) update(ctx context.Context, jobID string, fn func(*models.TTSJob)) {
	if err := r.jobs.Update(ctx, jobID, fn); err != nil {
		r.log.Warn("更新合成任务失败", "job_id", jobID, "error", err)
	}
}

// synthesize 合成课程外语文本并写出 WAV
// 对话课程指定了第二音色时逐行换音色，行间插入静音；否则去掉说话人标签整体合成
func (r *Runner) synthesize(ctx context.Context, job *models.TTSJob, l *models.Lesson, p Provider) (string, error) {
	text := l.ForeignTextRaw
	var samples []int

	switch {
	case dialog.IsDialog(text) && job.Voice2Name != "":
		turns := dialog.ParseTurns(text, 2)
		parts := make([][]int, 0, len(turns))
		for _, turn := range turns {
			voice := job.VoiceName
			if turn.Speaker == 1 {
				voice = job.Voice2Name
			}
			s, err := p.Synthesize(ctx, turn.Text, voice, job.Model)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		samples = audio.Concat(parts, audio.Silence(p.SampleRate(), dialogGap))
	default:
		if dialog.IsDialog(text) {
			text = dialog.StripSpeakerLabels(text)
		}
		s, err := p.Synthesize(ctx, text, job.VoiceName, job.Model)
		if err != nil {
			return "", err
		}
		samples = s
	}

	if len(samples) == 0 {
		return "", apperr.Provider(p.ID(), errors.New("没有返回音频"))
	}

	path := filepath.Join(r.opts.OutputDir, l.ID, job.JobID+".wav")
	if err := audio.WriteWAV(path, samples, p.SampleRate()); err != nil {
		return "", fmt.Errorf("写入音频失败: %w", err)
	}
	return path, nil
}

// Shutdown 等待进行中的任务结束，ctx 到期后取消它们
func (r *Runner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
