package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/models"
)

var baseTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newLesson(title string, createdAt time.Time) *models.Lesson {
	return &models.Lesson{
		ID:                 uuid.NewString(),
		Title:              title,
		ForeignTextRaw:     "Hello. World.",
		TranslationTextRaw: "你好。世界。",
		ForeignLang:        "en",
		TranslationLang:    "zh",
		WhisperModel:       models.WhisperBase,
		Status:             models.LessonUploaded,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}
}

func ms(v int64) *int64 { return &v }

func segmentsFor(lessonID string, texts ...string) []models.SentenceSegment {
	segs := make([]models.SentenceSegment, len(texts))
	for i, text := range texts {
		segs[i] = models.SentenceSegment{
			ID:              uuid.NewString(),
			LessonID:        lessonID,
			Order:           i,
			ForeignText:     text,
			TranslationText: "译 " + text,
			StartMs:         ms(int64(i * 1000)),
			EndMs:           ms(int64(i*1000 + 900)),
			Confidence:      0.9,
		}
	}
	// 故意打乱顺序，存储应按 Order 返回
	if len(segs) > 1 {
		segs[0], segs[len(segs)-1] = segs[len(segs)-1], segs[0]
	}
	return segs
}

// readyLesson 创建一个已完成处理的课程
func readyLesson(t *testing.T, s Store, title string, texts ...string) (*models.Lesson, []models.SentenceSegment) {
	t.Helper()
	ctx := context.Background()
	l := newLesson(title, baseTime)
	require.NoError(t, s.CreateLesson(ctx, l, nil))
	_, err := s.BeginProcessing(ctx, l.ID, "tok", baseTime)
	require.NoError(t, err)
	require.NoError(t, s.CompleteProcessing(ctx, l.ID, "tok", segmentsFor(l.ID, texts...), false, baseTime))
	segs, err := s.ListSegments(ctx, l.ID)
	require.NoError(t, err)
	return l, segs
}

func newRecording(lessonID, segmentID, path string) *models.Recording {
	return &models.Recording{
		ID:         uuid.NewString(),
		SegmentID:  segmentID,
		LessonID:   lessonID,
		FilePath:   path,
		DurationMs: ms(1200),
		CreatedAt:  baseTime,
	}
}

// runStoreContract 所有 Store 实现都必须满足的行为
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create get and list newest first", func(t *testing.T) {
		s := newStore(t)
		older := newLesson("older", baseTime)
		newer := newLesson("newer", baseTime.Add(time.Hour))
		require.NoError(t, s.CreateLesson(ctx, older, []string{"grammar"}))
		require.NoError(t, s.CreateLesson(ctx, newer, nil))

		got, err := s.GetLesson(ctx, older.ID)
		require.NoError(t, err)
		assert.Equal(t, "older", got.Title)
		assert.Equal(t, models.LessonUploaded, got.Status)

		list, err := s.ListLessons(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, newer.ID, list[0].ID)
		assert.Equal(t, older.ID, list[1].ID)

		_, err = s.GetLesson(ctx, "missing")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("begin processing twice is rejected without touching segments", func(t *testing.T) {
		s := newStore(t)
		l, segs := readyLesson(t, s, "lesson", "a", "b")

		_, err := s.BeginProcessing(ctx, l.ID, "tok-2", baseTime)
		require.NoError(t, err)
		require.NoError(t, s.CompleteProcessing(ctx, l.ID, "tok-2", segmentsFor(l.ID, "c", "d", "e"), false, baseTime))

		_, err = s.BeginProcessing(ctx, l.ID, "tok-3", baseTime)
		require.NoError(t, err)
		_, err = s.BeginProcessing(ctx, l.ID, "tok-4", baseTime)
		assert.ErrorIs(t, err, apperr.ErrAlreadyProcessing)

		got, err := s.GetLesson(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LessonProcessing, got.Status)
		assert.Equal(t, "tok-3", got.ProcessingToken)

		_, err = s.GetSegment(ctx, l.ID, segs[0].ID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("already processing leaves stored segments unchanged", func(t *testing.T) {
		s := newStore(t)
		l := newLesson("lesson", baseTime)
		require.NoError(t, s.CreateLesson(ctx, l, nil))
		_, err := s.BeginProcessing(ctx, l.ID, "tok", baseTime)
		require.NoError(t, err)

		_, err = s.BeginProcessing(ctx, l.ID, "other", baseTime)
		require.ErrorIs(t, err, apperr.ErrAlreadyProcessing)

		// 原令牌仍然有效
		require.NoError(t, s.CompleteProcessing(ctx, l.ID, "tok", segmentsFor(l.ID, "x", "y"), true, baseTime))
		segs, err := s.ListSegments(ctx, l.ID)
		require.NoError(t, err)
		require.Len(t, segs, 2)
		assert.Equal(t, "x", segs[0].ForeignText)
		assert.Equal(t, 1, segs[1].Order)

		got, err := s.GetLesson(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LessonReady, got.Status)
		assert.True(t, got.TranslationMismatch)
		assert.Empty(t, got.ProcessingToken)
	})

	t.Run("complete and fail require matching token", func(t *testing.T) {
		s := newStore(t)
		l := newLesson("lesson", baseTime)
		require.NoError(t, s.CreateLesson(ctx, l, nil))

		err := s.CompleteProcessing(ctx, l.ID, "tok", nil, false, baseTime)
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

		_, err = s.BeginProcessing(ctx, l.ID, "tok", baseTime)
		require.NoError(t, err)

		err = s.CompleteProcessing(ctx, l.ID, "stale", segmentsFor(l.ID, "a"), false, baseTime)
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
		err = s.FailProcessing(ctx, l.ID, "stale", apperr.CodeInternal, "", baseTime)
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

		require.NoError(t, s.FailProcessing(ctx, l.ID, "tok", apperr.CodeEmptyInput, "empty", baseTime))
		got, err := s.GetLesson(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LessonFailed, got.Status)
		assert.Equal(t, apperr.CodeEmptyInput, got.FailureReason)

		segs, err := s.ListSegments(ctx, l.ID)
		require.NoError(t, err)
		assert.Empty(t, segs)

		// FAILED 可重新处理，失败原因被清除
		_, err = s.BeginProcessing(ctx, l.ID, "tok-2", baseTime)
		require.NoError(t, err)
		got, err = s.GetLesson(ctx, l.ID)
		require.NoError(t, err)
		assert.Empty(t, got.FailureReason)

		err = s.FailProcessing(ctx, "missing", "tok", apperr.CodeInternal, "", baseTime)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("reprocess discards segments and their recordings", func(t *testing.T) {
		s := newStore(t)
		l, segs := readyLesson(t, s, "lesson", "a", "b")
		_, err := s.PutRecording(ctx, newRecording(l.ID, segs[0].ID, "/rec/a.wav"))
		require.NoError(t, err)

		removed, err := s.BeginProcessing(ctx, l.ID, "tok-2", baseTime)
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, "/rec/a.wav", removed[0].FilePath)

		require.NoError(t, s.CompleteProcessing(ctx, l.ID, "tok-2", segmentsFor(l.ID, "a", "b"), false, baseTime))

		_, err = s.GetSegment(ctx, l.ID, segs[0].ID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = s.GetRecording(ctx, l.ID, segs[0].ID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		recs, err := s.ListRecordings(ctx, l.ID)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("put supersedes previous recording", func(t *testing.T) {
		s := newStore(t)
		l, segs := readyLesson(t, s, "lesson", "a", "b")

		first := newRecording(l.ID, segs[1].ID, "/rec/1.wav")
		prev, err := s.PutRecording(ctx, first)
		require.NoError(t, err)
		assert.Nil(t, prev)

		second := newRecording(l.ID, segs[1].ID, "/rec/2.wav")
		prev, err = s.PutRecording(ctx, second)
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, first.ID, prev.ID)

		got, err := s.GetRecording(ctx, l.ID, segs[1].ID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, got.ID)
		assert.Equal(t, "/rec/2.wav", got.FilePath)
		require.NotNil(t, got.DurationMs)
		assert.Equal(t, int64(1200), *got.DurationMs)

		recs, err := s.ListRecordings(ctx, l.ID)
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("put rejects unknown or foreign segment", func(t *testing.T) {
		s := newStore(t)
		l, _ := readyLesson(t, s, "lesson", "a")
		other, otherSegs := readyLesson(t, s, "other", "b")
		require.NotEqual(t, l.ID, other.ID)

		_, err := s.PutRecording(ctx, newRecording(l.ID, "missing", "/x.wav"))
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = s.PutRecording(ctx, newRecording(l.ID, otherSegs[0].ID, "/x.wav"))
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("delete recording is idempotent", func(t *testing.T) {
		s := newStore(t)
		l, segs := readyLesson(t, s, "lesson", "a")
		_, err := s.PutRecording(ctx, newRecording(l.ID, segs[0].ID, "/rec/a.wav"))
		require.NoError(t, err)

		removed, err := s.DeleteRecording(ctx, l.ID, segs[0].ID)
		require.NoError(t, err)
		require.NotNil(t, removed)
		assert.Equal(t, "/rec/a.wav", removed.FilePath)

		removed, err = s.DeleteRecording(ctx, l.ID, segs[0].ID)
		require.NoError(t, err)
		assert.Nil(t, removed)
	})

	t.Run("tags replace and prune", func(t *testing.T) {
		s := newStore(t)
		a := newLesson("a", baseTime)
		b := newLesson("b", baseTime)
		require.NoError(t, s.CreateLesson(ctx, a, []string{"travel", "beginner"}))
		require.NoError(t, s.CreateLesson(ctx, b, []string{"beginner"}))

		tags, err := s.TagsForLesson(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"beginner", "travel"}, tags)

		require.NoError(t, s.SetLessonTags(ctx, a.ID, []string{"news"}))
		all, err := s.ListTags(ctx)
		require.NoError(t, err)
		names := make([]string, len(all))
		for i, tag := range all {
			names[i] = tag.Name
			assert.NotEmpty(t, tag.ID)
		}
		assert.Equal(t, []string{"beginner", "news"}, names)

		byLesson, err := s.LessonTags(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"news"}, byLesson[a.ID])
		assert.Equal(t, []string{"beginner"}, byLesson[b.ID])

		assert.ErrorIs(t, s.SetLessonTags(ctx, "missing", []string{"x"}), apperr.ErrNotFound)
	})

	t.Run("delete lesson cascades", func(t *testing.T) {
		s := newStore(t)
		l, segs := readyLesson(t, s, "lesson", "a")
		require.NoError(t, s.SetLessonTags(ctx, l.ID, []string{"solo"}))
		_, err := s.PutRecording(ctx, newRecording(l.ID, segs[0].ID, "/rec/a.wav"))
		require.NoError(t, err)

		removed, err := s.DeleteLesson(ctx, l.ID)
		require.NoError(t, err)
		assert.Len(t, removed, 1)

		_, err = s.GetLesson(ctx, l.ID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = s.GetRecording(ctx, l.ID, segs[0].ID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		tags, err := s.ListTags(ctx)
		require.NoError(t, err)
		assert.Empty(t, tags)

		_, err = s.DeleteLesson(ctx, l.ID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("detail follows the lesson status", func(t *testing.T) {
		s := newStore(t)
		l, segs := readyLesson(t, s, "lesson", "one", "two")
		require.NoError(t, s.SetLessonTags(ctx, l.ID, []string{"travel"}))

		d, err := s.GetLessonDetail(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LessonReady, d.Status)
		assert.Equal(t, []string{"travel"}, d.Tags)
		assert.Equal(t, segs, d.Segments)

		_, err = s.BeginProcessing(ctx, l.ID, "tok2", baseTime)
		require.NoError(t, err)
		d, err = s.GetLessonDetail(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LessonProcessing, d.Status)
		assert.Empty(t, d.Segments)

		_, err = s.GetLessonDetail(ctx, "missing")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("audio cannot change while processing", func(t *testing.T) {
		s := newStore(t)
		l := newLesson("lesson", baseTime)
		require.NoError(t, s.CreateLesson(ctx, l, nil))
		require.NoError(t, s.SetAudioPath(ctx, l.ID, "/audio/1.wav", baseTime))

		_, err := s.BeginProcessing(ctx, l.ID, "tok", baseTime)
		require.NoError(t, err)
		err = s.SetAudioPath(ctx, l.ID, "/audio/2.wav", baseTime)
		assert.ErrorIs(t, err, apperr.ErrAlreadyProcessing)

		got, err := s.GetLesson(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, "/audio/1.wav", got.AudioPath)

		assert.ErrorIs(t, s.SetAudioPath(ctx, "missing", "/x", baseTime), apperr.ErrNotFound)
	})
}
