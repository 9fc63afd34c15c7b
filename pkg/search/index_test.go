package search

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func lesson(id, title string, age time.Duration) models.Lesson {
	return models.Lesson{
		ID:                 id,
		Title:              title,
		ForeignTextRaw:     "Text of " + title,
		TranslationTextRaw: "译文",
		CreatedAt:          t0.Add(-age),
	}
}

func ids(results []models.LessonWithTags) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func newTestIndex() *Index {
	return NewIndex(logger.NewNop())
}

func TestSearchLessonsEmptyQueryByRecency(t *testing.T) {
	ix := newTestIndex()
	ix.UpsertLesson(lesson("old", "Old", 3*time.Hour), nil)
	ix.UpsertLesson(lesson("new", "New", time.Hour), nil)
	ix.UpsertLesson(lesson("mid", "Mid", 2*time.Hour), nil)

	assert.Equal(t, []string{"new", "mid", "old"}, ids(ix.SearchLessons("")))
	assert.Equal(t, []string{"new", "mid", "old"}, ids(ix.SearchLessons("   ")))
}

func TestSearchLessonsExactTitleFirst(t *testing.T) {
	ix := newTestIndex()
	ix.UpsertLesson(lesson("a", "At the Café, part 2", time.Minute), nil)
	ix.UpsertLesson(lesson("b", "at the café", time.Hour), nil)
	ix.UpsertLesson(models.Lesson{ID: "c", Title: "Other", ForeignTextRaw: "we met at the café", CreatedAt: t0}, nil)

	assert.Equal(t, []string{"b", "a", "c"}, ids(ix.SearchLessons("At the CAFÉ")))
}

func TestSearchLessonsMatchesTagsAndTranslation(t *testing.T) {
	ix := newTestIndex()
	ix.UpsertLesson(lesson("a", "Morning", time.Hour), []string{"travel"})
	ix.UpsertLesson(models.Lesson{ID: "b", Title: "Evening", TranslationTextRaw: "晚上好", CreatedAt: t0}, nil)

	assert.Equal(t, []string{"a"}, ids(ix.SearchLessons("TRAV")))
	assert.Equal(t, []string{"b"}, ids(ix.SearchLessons("晚上")))
	assert.Empty(t, ix.SearchLessons("nothing-matches"))
}

func TestSearchLessonsAllTermsAcrossFields(t *testing.T) {
	ix := newTestIndex()
	ix.UpsertLesson(lesson("a", "Morning", time.Hour), []string{"travel"})

	assert.Equal(t, []string{"a"}, ids(ix.SearchLessons("morning travel")))
	assert.Empty(t, ix.SearchLessons("morning cooking"))
}

func TestSearchLessonsFullWidthFolding(t *testing.T) {
	ix := newTestIndex()
	ix.UpsertLesson(lesson("a", "ＡＢＣ Song", time.Hour), nil)

	assert.Equal(t, []string{"a"}, ids(ix.SearchLessons("abc")))
}

func TestSearchReflectsMutationsImmediately(t *testing.T) {
	ix := newTestIndex()
	ix.UpsertLesson(lesson("a", "Greetings", time.Hour), nil)
	require.Len(t, ix.SearchLessons("greet"), 1)

	// 缓存命中后再修改，结果必须更新
	ix.UpsertLesson(lesson("a", "Farewells", time.Hour), []string{"basics"})
	assert.Empty(t, ix.SearchLessons("greet"))
	res := ix.SearchLessons("basics")
	require.Len(t, res, 1)
	assert.Equal(t, []string{"basics"}, res[0].Tags)

	ix.RemoveLesson("a")
	assert.Empty(t, ix.SearchLessons(""))
}

func TestSearchTags(t *testing.T) {
	ix := newTestIndex()
	ix.ReplaceTags([]models.Tag{
		{ID: "1", Name: "travel"},
		{ID: "2", Name: "business"},
		{ID: "3", Name: "time travel"},
		{ID: "4", Name: "grammar"},
	})

	names := func(tags []models.Tag) []string {
		out := make([]string, len(tags))
		for i, tag := range tags {
			out[i] = tag.Name
		}
		return out
	}

	assert.Equal(t, []string{"business", "grammar", "time travel", "travel"}, names(ix.SearchTags("")))
	assert.Equal(t, []string{"travel", "time travel"}, names(ix.SearchTags("TRA")))
	assert.Empty(t, ix.SearchTags("zzz"))

	ix.ReplaceTags([]models.Tag{{ID: "1", Name: "travel"}})
	assert.Equal(t, []string{"travel"}, names(ix.SearchTags("")))
}

type fakeSource struct {
	lessons []models.Lesson
	tags    map[string][]string
	all     []models.Tag
}

func (f fakeSource) ListLessons(context.Context) ([]models.Lesson, error) { return f.lessons, nil }
func (f fakeSource) LessonTags(context.Context) (map[string][]string, error) {
	return f.tags, nil
}
func (f fakeSource) ListTags(context.Context) ([]models.Tag, error) { return f.all, nil }

func TestRebuild(t *testing.T) {
	ix := newTestIndex()
	ix.UpsertLesson(lesson("stale", "Stale", time.Hour), nil)

	src := fakeSource{
		lessons: []models.Lesson{lesson("a", "Alpha", time.Hour), lesson("b", "Beta", 2*time.Hour)},
		tags:    map[string][]string{"b": {"greek"}},
		all:     []models.Tag{{ID: "g", Name: "greek"}},
	}
	require.NoError(t, ix.Rebuild(t.Context(), src))

	assert.Equal(t, []string{"a", "b"}, ids(ix.SearchLessons("")))
	assert.Equal(t, []string{"b"}, ids(ix.SearchLessons("greek")))
	assert.Len(t, ix.SearchTags("gr"), 1)
}

func TestConcurrentReadWrite(t *testing.T) {
	ix := newTestIndex()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ix.UpsertLesson(lesson("a", "Alpha", time.Hour), []string{"x"})
		}()
		go func() {
			defer wg.Done()
			ix.SearchLessons("alp")
			ix.SearchTags("")
		}()
	}
	wg.Wait()
	assert.Len(t, ix.SearchLessons("alp"), 1)
}
