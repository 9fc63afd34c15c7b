package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z-wentao/readrepeat/pkg/aligner"
	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/config"
	"github.com/z-wentao/readrepeat/pkg/lesson"
	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/models"
	"github.com/z-wentao/readrepeat/pkg/queue"
	"github.com/z-wentao/readrepeat/pkg/search"
	"github.com/z-wentao/readrepeat/pkg/storage"
	"github.com/z-wentao/readrepeat/pkg/transcript"
)

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	frags []models.TranscriptionFragment
	err   error
	block bool
	hook  func()
	langs []string
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, _, lang string, _ models.WhisperModel) ([]models.TranscriptionFragment, error) {
	f.mu.Lock()
	f.calls++
	f.langs = append(f.langs, lang)
	f.mu.Unlock()

	if f.hook != nil {
		f.hook()
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.frags, f.err
}

type fakeAudio struct {
	mu         sync.Mutex
	normalized []string
	clips      []string
	failClip   bool
}

func (f *fakeAudio) Normalize(_ context.Context, in, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.normalized = append(f.normalized, in)
	return nil
}

func (f *fakeAudio) ExtractClip(_ context.Context, _, out string, _, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClip {
		return errors.New("ffmpeg failed")
	}
	f.clips = append(f.clips, out)
	return nil
}

type fixture struct {
	svc   *lesson.Service
	store *storage.MemoryStore
	queue *queue.MemoryQueue
	files storage.FileLayout
	tr    *fakeTranscriber
	audio *fakeAudio
	cache *transcript.MemoryCache
	proc  *Processor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStore(),
		queue: queue.NewMemoryQueue(10),
		files: storage.FileLayout{DataDir: t.TempDir()},
		tr:    &fakeTranscriber{},
		audio: &fakeAudio{},
		cache: transcript.NewMemoryCache(),
	}
	f.svc = lesson.NewService(f.store, f.queue, search.NewIndex(logger.NewNop()), f.files,
		config.LessonDefaults{ForeignLang: "en", TranslationLang: "zh", WhisperModel: "base"}, logger.NewNop())
	f.proc = NewProcessor(f.svc, f.tr, aligner.New(), f.cache, f.audio, f.files, opts, logger.NewNop())
	return f
}

// start 创建课程并开始处理，返回队列中的任务
func (f *fixture) start(t *testing.T, in lesson.CreateInput, audioPath string) *models.ProcessingTask {
	t.Helper()
	l, err := f.svc.Create(t.Context(), in)
	require.NoError(t, err)
	if audioPath != "" {
		require.NoError(t, f.svc.SetAudio(t.Context(), l.ID, audioPath))
	}
	_, err = f.svc.BeginProcessing(t.Context(), l.ID)
	require.NoError(t, err)
	return f.dequeue(t)
}

func (f *fixture) dequeue(t *testing.T) *models.ProcessingTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	task, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	return task
}

func (f *fixture) status(t *testing.T, id string) *models.LessonStatusView {
	t.Helper()
	st, err := f.svc.Status(t.Context(), id)
	require.NoError(t, err)
	return st
}

var prose = lesson.CreateInput{Title: "Greeting", ForeignText: "Hello world. Good morning.", TranslationText: "你好世界。早上好。", ForeignLang: "en-us"}

func words() []models.TranscriptionFragment {
	return []models.TranscriptionFragment{
		{Text: "Hello", StartMs: 0, EndMs: 400},
		{Text: "world", StartMs: 450, EndMs: 900},
		{Text: "Good", StartMs: 1500, EndMs: 1800},
		{Text: "morning", StartMs: 1850, EndMs: 2400},
	}
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t, Options{Timeout: time.Second, Normalize: true, SliceClips: true})
	f.tr.frags = words()
	task := f.start(t, prose, "/audio/lesson.mp3")

	require.NoError(t, f.proc.Process(t.Context(), task))

	assert.Equal(t, models.LessonReady, f.status(t, task.LessonID).Status)
	detail, err := f.svc.Get(t.Context(), task.LessonID)
	require.NoError(t, err)
	require.Len(t, detail.Segments, 2)
	assert.Equal(t, int64(0), *detail.Segments[0].StartMs)
	assert.Equal(t, int64(900), *detail.Segments[0].EndMs)
	assert.Equal(t, int64(1500), *detail.Segments[1].StartMs)
	assert.Equal(t, f.files.ClipPath(task.LessonID, 1), detail.Segments[1].ClipPath)

	assert.Equal(t, []string{"/audio/lesson.mp3"}, f.audio.normalized)
	assert.Len(t, f.audio.clips, 2)
	assert.Equal(t, []string{"en"}, f.tr.langs)

	_, cached, err := f.cache.Get(t.Context(), task.LessonID, "/audio/lesson.mp3")
	require.NoError(t, err)
	assert.True(t, cached)
}

func TestProcessWithoutAudioIsUntimed(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.start(t, prose, "")

	require.NoError(t, f.proc.Process(t.Context(), task))

	detail, err := f.svc.Get(t.Context(), task.LessonID)
	require.NoError(t, err)
	assert.Equal(t, models.LessonReady, detail.Status)
	require.Len(t, detail.Segments, 2)
	assert.Nil(t, detail.Segments[0].StartMs)
	assert.Zero(t, f.tr.calls)
}

func TestProcessClipFailureStillReady(t *testing.T) {
	f := newFixture(t, Options{SliceClips: true})
	f.tr.frags = words()
	f.audio.failClip = true
	task := f.start(t, prose, "/audio/lesson.wav")

	require.NoError(t, f.proc.Process(t.Context(), task))

	detail, err := f.svc.Get(t.Context(), task.LessonID)
	require.NoError(t, err)
	assert.Equal(t, models.LessonReady, detail.Status)
	assert.Empty(t, detail.Segments[0].ClipPath)
}

func TestProcessStaleTokenDropped(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.start(t, prose, "")

	stale := *task
	stale.Token = "old-token"
	require.NoError(t, f.proc.Process(t.Context(), &stale))
	assert.Equal(t, models.LessonProcessing, f.status(t, task.LessonID).Status)
}

func TestProcessDeletedLessonDropped(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.start(t, prose, "/audio/a.wav")
	f.tr.hook = func() { _ = f.svc.Delete(context.Background(), task.LessonID) }

	require.NoError(t, f.proc.Process(t.Context(), task))
	_, err := f.svc.Status(t.Context(), task.LessonID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestProcessTranscriptionFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.err = errors.New("503 from whisper")
	task := f.start(t, prose, "/audio/a.wav")

	require.NoError(t, f.proc.Process(t.Context(), task))

	st := f.status(t, task.LessonID)
	assert.Equal(t, models.LessonFailed, st.Status)
	assert.Equal(t, apperr.CodeTranscriptionFailed, st.FailureReason)
}

func TestProcessTranscriptionTimeout(t *testing.T) {
	f := newFixture(t, Options{Timeout: 20 * time.Millisecond})
	f.tr.block = true
	task := f.start(t, prose, "/audio/a.wav")

	require.NoError(t, f.proc.Process(t.Context(), task))

	st := f.status(t, task.LessonID)
	assert.Equal(t, models.LessonFailed, st.Status)
	assert.Equal(t, apperr.CodeAlignmentTimeout, st.FailureReason)
}

func TestProcessDialogMismatch(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.start(t, lesson.CreateInput{
		ForeignText:     "A: Hi there\nB: Hello\nA: Bye",
		TranslationText: "A: 你好\nB: 你好",
	}, "")

	require.NoError(t, f.proc.Process(t.Context(), task))

	st := f.status(t, task.LessonID)
	assert.Equal(t, models.LessonFailed, st.Status)
	assert.Equal(t, apperr.CodeMismatchedLineCount, st.FailureReason)

	detail, err := f.svc.Get(t.Context(), task.LessonID)
	require.NoError(t, err)
	assert.Empty(t, detail.Segments)
}

func TestReprocessUsesCachedTranscript(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.frags = words()
	task := f.start(t, prose, "/audio/a.wav")
	require.NoError(t, f.proc.Process(t.Context(), task))

	_, err := f.svc.Reprocess(t.Context(), task.LessonID)
	require.NoError(t, err)
	require.NoError(t, f.proc.Process(t.Context(), f.dequeue(t)))

	assert.Equal(t, 1, f.tr.calls)
	assert.Equal(t, models.LessonReady, f.status(t, task.LessonID).Status)
}

func TestProcessShutdownLeavesLessonProcessing(t *testing.T) {
	f := newFixture(t, Options{Timeout: time.Minute})
	f.tr.block = true
	task := f.start(t, prose, "/audio/a.wav")

	ctx, cancel := context.WithCancel(t.Context())
	f.tr.hook = cancel

	err := f.proc.Process(ctx, task)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.LessonProcessing, f.status(t, task.LessonID).Status)
}

func TestAbandon(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.start(t, prose, "")

	require.NoError(t, f.proc.Abandon(t.Context(), task, errors.New("store unavailable")))
	st := f.status(t, task.LessonID)
	assert.Equal(t, models.LessonFailed, st.Status)
	assert.Equal(t, apperr.CodeInternal, st.FailureReason)

	// 已经结束的课程再放弃不报错
	require.NoError(t, f.proc.Abandon(t.Context(), task, errors.New("again")))
}

func TestWhisperLang(t *testing.T) {
	assert.Equal(t, "pt", whisperLang("pt-br"))
	assert.Equal(t, "ja", whisperLang("ja"))
	assert.Equal(t, "zh", whisperLang("zh-hant-tw"))
	assert.Equal(t, "en", whisperLang("EN-us"))
}
