package tts

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/audio"
	"github.com/z-wentao/readrepeat/pkg/config"
	"github.com/z-wentao/readrepeat/pkg/lesson"
	"github.com/z-wentao/readrepeat/pkg/lock"
	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/models"
	"github.com/z-wentao/readrepeat/pkg/queue"
	"github.com/z-wentao/readrepeat/pkg/search"
	"github.com/z-wentao/readrepeat/pkg/storage"
)

const fakeRate = 1000

type synthCall struct {
	text, voice, model string
}

// fakeProvider 每次合成返回 100ms 静音；gate 非空时阻塞到 gate 关闭
type fakeProvider struct {
	mu    sync.Mutex
	calls []synthCall
	gate  chan struct{}
	err   error
}

func (f *fakeProvider) ID() string           { return "fake" }
func (f *fakeProvider) Voices() []string     { return []string{"v1", "v2"} }
func (f *fakeProvider) Models() []string     { return []string{"m1", "m2"} }
func (f *fakeProvider) DefaultModel() string { return "m1" }
func (f *fakeProvider) SampleRate() int      { return fakeRate }

func (f *fakeProvider) Synthesize(ctx context.Context, text, voice, model string) ([]int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, synthCall{text, voice, model})
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return make([]int, fakeRate/10), nil
}

func (f *fakeProvider) recorded() []synthCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]synthCall(nil), f.calls...)
}

type fixture struct {
	runner   *Runner
	lessons  *lesson.Service
	provider *fakeProvider
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	log := logger.NewNop()
	svc := lesson.NewService(
		storage.NewMemoryStore(),
		queue.NewMemoryQueue(10),
		search.NewIndex(log),
		storage.FileLayout{DataDir: t.TempDir()},
		config.LessonDefaults{ForeignLang: "en", TranslationLang: "zh", WhisperModel: "base"},
		log,
	)
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	p := &fakeProvider{}
	r := NewRunner(svc, storage.NewMemoryJobStore(), lock.NewMemoryLocker(), opts, log, p)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return &fixture{runner: r, lessons: svc, provider: p}
}

func (f *fixture) create(t *testing.T, foreign string) *models.Lesson {
	t.Helper()
	translation := strings.Repeat("译文\n", strings.Count(foreign, "\n")+1)
	l, err := f.lessons.Create(t.Context(), lesson.CreateInput{Title: "t", ForeignText: foreign, TranslationText: translation})
	require.NoError(t, err)
	return l
}

func wait(t *testing.T, job *Job) *models.TTSJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	res, err := job.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestGenerateReplacesLessonAudio(t *testing.T) {
	f := newFixture(t, Options{})
	l := f.create(t, "Hello there.")

	job, err := f.runner.Generate(t.Context(), GenerateRequest{LessonID: l.ID, Provider: "fake", VoiceName: "v1"})
	require.NoError(t, err)

	res := wait(t, job)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, "m1", res.Model)
	assert.FileExists(t, res.AudioPath)

	ms, err := audio.WAVDurationMs(res.AudioPath)
	require.NoError(t, err)
	assert.Equal(t, int64(100), ms)

	got, err := f.lessons.Lesson(t.Context(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, res.AudioPath, got.AudioPath)
	assert.Equal(t, models.LessonUploaded, got.Status)

	polled, err := f.runner.Job(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, polled.Status)
}

func TestGenerateSecondRunReplacesFirstFile(t *testing.T) {
	f := newFixture(t, Options{})
	l := f.create(t, "Hello there.")

	job, err := f.runner.Generate(t.Context(), GenerateRequest{LessonID: l.ID, VoiceName: "v1"})
	require.NoError(t, err)
	first := wait(t, job)

	job, err = f.runner.Generate(t.Context(), GenerateRequest{LessonID: l.ID, VoiceName: "v2"})
	require.NoError(t, err)
	second := wait(t, job)

	assert.NotEqual(t, first.AudioPath, second.AudioPath)
	_, err = os.Stat(first.AudioPath)
	assert.True(t, os.IsNotExist(err), "旧音频应被删除")

	jobs, err := f.runner.LessonJobs(t.Context(), l.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestGenerateValidation(t *testing.T) {
	f := newFixture(t, Options{})
	l := f.create(t, "Hello there.")

	tests := []GenerateRequest{
		{LessonID: l.ID, Provider: "gemini", VoiceName: "v1"},
		{LessonID: l.ID, VoiceName: "Zephyr"},
		{LessonID: l.ID, VoiceName: "v1", Voice2Name: "Kore"},
		{LessonID: l.ID, VoiceName: "v1", Model: "m9"},
	}
	for _, req := range tests {
		_, err := f.runner.Generate(t.Context(), req)
		assert.ErrorIs(t, err, apperr.ErrInvalidVoice, "%+v", req)
	}

	_, err := f.runner.Generate(t.Context(), GenerateRequest{LessonID: "missing", VoiceName: "v1"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, f.provider.recorded())
}

func TestGenerateOneJobPerLesson(t *testing.T) {
	f := newFixture(t, Options{})
	f.provider.gate = make(chan struct{})
	l := f.create(t, "Hello there.")

	job, err := f.runner.Generate(t.Context(), GenerateRequest{LessonID: l.ID, VoiceName: "v1"})
	require.NoError(t, err)

	_, err = f.runner.Generate(t.Context(), GenerateRequest{LessonID: l.ID, VoiceName: "v2"})
	assert.ErrorIs(t, err, apperr.ErrAlreadyGenerating)

	// 其他课程不受影响
	other := f.create(t, "Bye.")
	otherJob, err := f.runner.Generate(t.Context(), GenerateRequest{LessonID: other.ID, VoiceName: "v1"})
	require.NoError(t, err)

	close(f.provider.gate)
	assert.Equal(t, models.StatusCompleted, wait(t, job).Status)
	assert.Equal(t, models.StatusCompleted, wait(t, otherJob).Status)

	// 锁已释放
	job, err = f.runner.Generate(t.Context(), GenerateRequest{LessonID: l.ID, VoiceName: "v2"})
	require.NoError(t, err)
	wait(t, job)
}

func TestGenerateRejectsProcessingLesson(t *testing.T) {
	f := newFixture(t, Options{})
	l := f.create(t, "Hello there.")
	_, err := f.lessons.BeginProcessing(t.Context(), l.ID)
	require.NoError(t, err)

	_, err = f.runner.Generate(t.Context(), GenerateRequest{LessonID: l.ID, VoiceName: "v1"})
	assert.ErrorIs(t, err, apperr.ErrAlreadyProcessing)
}

func TestGenerateDialogWithSecondVoice(t *testing.T) {
	f := newFixture(t, Options{})
	l := f.create(t, "Anna: Hi there.\nBen: Hello!\nAnna: How are you?")

	job, err := f.runner.Generate(t.Context(), GenerateRequest{LessonID: l.ID, VoiceName: "v1", Voice2Name: "v2"})
	require.NoError(t, err)
	res := wait(t, job)
	require.Equal(t, models.StatusCompleted, res.Status)

	assert.Equal(t, []synthCall{
		{"Hi there.", "v1", "m1"},
		{"Hello!", "v2", "m1"},
		{"How are you?", "v1", "m1"},
	}, f.provider.recorded())

	// 3 x 100ms + 2 x 300ms 间隔
	ms, err := audio.WAVDurationMs(res.AudioPath)
	require.NoError(t, err)
	assert.Equal(t, int64(900), ms)
}

func TestGenerateDialogSkipsLabelOnlyLines(t *testing.T) {
	f := newFixture(t, Options{})
	l := f.create(t, "Anna: Hi there.\nBen:\nBen: Hello!")

	job, err := f.runner.Generate(t.Context(), GenerateRequest{LessonID: l.ID, VoiceName: "v1", Voice2Name: "v2"})
	require.NoError(t, err)
	res := wait(t, job)
	require.Equal(t, models.StatusCompleted, res.Status)

	assert.Equal(t, []synthCall{
		{"Hi there.", "v1", "m1"},
		{"Hello!", "v2", "m1"},
	}, f.provider.recorded())
}

func TestGenerateDialogWithoutSecondVoiceStripsLabels(t *testing.T) {
	f := newFixture(t, Options{})
	l := f.create(t, "Anna: Hi there.\nBen: Hello!")

	job, err := f.runner.Generate(t.Context(), GenerateRequest{LessonID: l.ID, VoiceName: "v1"})
	require.NoError(t, err)
	wait(t, job)

	assert.Equal(t, []synthCall{{"Hi there.\nHello!", "v1", "m1"}}, f.provider.recorded())
}

func TestGenerateProviderFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.provider.err = apperr.Provider("fake", errors.New("quota"))
	l := f.create(t, "Hello there.")

	job, err := f.runner.Generate(t.Context(), GenerateRequest{LessonID: l.ID, VoiceName: "v1"})
	require.NoError(t, err)

	res := wait(t, job)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "quota")

	got, err := f.lessons.Lesson(t.Context(), l.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AudioPath)

	// 失败后可以再次提交
	f.provider.err = nil
	job, err = f.runner.Generate(t.Context(), GenerateRequest{LessonID: l.ID, VoiceName: "v1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, wait(t, job).Status)
}

func TestGenerateThenReprocess(t *testing.T) {
	f := newFixture(t, Options{Reprocess: true})
	l := f.create(t, "Hello there.")

	job, err := f.runner.Generate(t.Context(), GenerateRequest{LessonID: l.ID, VoiceName: "v1"})
	require.NoError(t, err)
	wait(t, job)

	got, err := f.lessons.Lesson(t.Context(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LessonProcessing, got.Status)
}

func TestProviders(t *testing.T) {
	f := newFixture(t, Options{})
	infos := f.runner.Providers()
	require.Len(t, infos, 1)
	assert.Equal(t, "fake", infos[0].ID)
	assert.Equal(t, "m1", infos[0].DefaultModel)
}
