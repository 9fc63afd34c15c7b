package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/z-wentao/readrepeat/pkg/aligner"
	"github.com/z-wentao/readrepeat/pkg/config"
	"github.com/z-wentao/readrepeat/pkg/lesson"
	"github.com/z-wentao/readrepeat/pkg/lock"
	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/models"
	"github.com/z-wentao/readrepeat/pkg/queue"
	"github.com/z-wentao/readrepeat/pkg/recording"
	"github.com/z-wentao/readrepeat/pkg/search"
	"github.com/z-wentao/readrepeat/pkg/storage"
	"github.com/z-wentao/readrepeat/pkg/tts"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubVoice 固定返回 50ms 静音
type stubVoice struct{}

func (stubVoice) ID() string           { return "stub" }
func (stubVoice) Voices() []string     { return []string{"alice", "bob"} }
func (stubVoice) Models() []string     { return []string{"std"} }
func (stubVoice) DefaultModel() string { return "std" }
func (stubVoice) SampleRate() int      { return 8000 }
func (stubVoice) Synthesize(context.Context, string, string, string) ([]int, error) {
	return make([]int, 400), nil
}

type fixture struct {
	router  *gin.Engine
	lessons *lesson.Service
	queue   *queue.MemoryQueue
	files   storage.FileLayout
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewNop()
	store := storage.NewMemoryStore()
	q := queue.NewMemoryQueue(10)
	files := storage.FileLayout{DataDir: t.TempDir()}

	svc := lesson.NewService(store, q, search.NewIndex(log), files,
		config.LessonDefaults{ForeignLang: "en", TranslationLang: "zh", WhisperModel: "base"}, log)
	runner := tts.NewRunner(svc, storage.NewMemoryJobStore(), lock.NewMemoryLocker(),
		tts.Options{OutputDir: t.TempDir()}, log, stubVoice{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})

	srv := New(svc, recording.NewTracker(store, files, log), runner, files, q, 1<<20, log)
	return &fixture{router: srv.Router(), lessons: svc, queue: q, files: files}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) upload(t *testing.T, method, path string, fields map[string]string, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("audio", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (f *fixture) createLesson(t *testing.T, title string) models.Lesson {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/lessons", map[string]any{
		"title":            title,
		"foreign_text":     "Hello there.\nHow are you?",
		"translation_text": "你好。\n你好吗？",
		"tags":             []string{"Greetings"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Lesson](t, w)
}

// makeReady 走一遍处理流程，得到带时间的句子
func (f *fixture) makeReady(t *testing.T, id string) []models.SentenceSegment {
	t.Helper()
	ctx := t.Context()
	_, err := f.lessons.BeginProcessing(ctx, id)
	require.NoError(t, err)

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	task, err := f.queue.Dequeue(dctx)
	require.NoError(t, err)
	require.NoError(t, f.queue.Ack(task))

	segs := make([]models.SentenceSegment, 2)
	for i := range segs {
		start, end := int64(i*2000+1000), int64(i*2000+2500)
		segs[i] = models.SentenceSegment{
			ID:              fmt.Sprintf("%s-s%d", id, i),
			LessonID:        id,
			Order:           i,
			ForeignText:     fmt.Sprintf("sentence %d", i),
			TranslationText: fmt.Sprintf("句子 %d", i),
			StartMs:         &start,
			EndMs:           &end,
		}
	}
	require.NoError(t, f.lessons.CompleteProcessing(ctx, id, task.Token, &aligner.Result{Segments: segs}))
	return segs
}
