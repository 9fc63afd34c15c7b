// Package search 课程与标签的进程内搜索索引
package search

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/models"
)

// 排名：数值越小越靠前
const (
	rankExactTitle = iota
	rankTitle
	rankContent
)

// Source 重建索引的数据来源
type Source interface {
	ListLessons(ctx context.Context) ([]models.Lesson, error)
	LessonTags(ctx context.Context) (map[string][]string, error)
	ListTags(ctx context.Context) ([]models.Tag, error)
}

type document struct {
	lesson      models.Lesson
	tags        []string
	title       string // 以下均为折叠后的文本
	foreign     string
	translation string
	foldedTags  []string
}

// Index 写操作同步更新文档并清空结果缓存，同一进程内读到的总是最新结果
type Index struct {
	mu    sync.RWMutex
	docs  map[string]*document
	tags  []models.Tag // 按名称排序
	cache *gocache.Cache
	log   *logger.Logger
}

// NewIndex 创建空索引
func NewIndex(log *logger.Logger) *Index {
	return &Index{
		docs:  make(map[string]*document),
		cache: gocache.New(10*time.Minute, 30*time.Minute),
		log:   log.With("component", "search"),
	}
}

// fold NFKC 规范化 + 大小写折叠，全角/半角、大小写都视为相同
// Caser 有状态，不能跨 goroutine 共用
func fold(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

// Rebuild 启动时从存储全量构建
func (ix *Index) Rebuild(ctx context.Context, src Source) error {
	lessons, err := src.ListLessons(ctx)
	if err != nil {
		return fmt.Errorf("加载课程失败: %w", err)
	}
	lessonTags, err := src.LessonTags(ctx)
	if err != nil {
		return fmt.Errorf("加载课程标签失败: %w", err)
	}
	tags, err := src.ListTags(ctx)
	if err != nil {
		return fmt.Errorf("加载标签失败: %w", err)
	}

	docs := make(map[string]*document, len(lessons))
	for _, l := range lessons {
		docs[l.ID] = newDocument(l, lessonTags[l.ID])
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docs = docs
	ix.tags = sortedTags(tags)
	ix.cache.Flush()

	ix.log.Info("搜索索引已重建", "lessons", len(docs), "tags", len(tags))
	return nil
}

func newDocument(l models.Lesson, tags []string) *document {
	d := &document{
		lesson:      l,
		tags:        slices.Clone(tags),
		title:       fold(l.Title),
		foreign:     fold(l.ForeignTextRaw),
		translation: fold(l.TranslationTextRaw),
	}
	if d.tags == nil {
		d.tags = []string{}
	}
	for _, t := range tags {
		d.foldedTags = append(d.foldedTags, fold(t))
	}
	return d
}

func sortedTags(tags []models.Tag) []models.Tag {
	out := slices.Clone(tags)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpsertLesson 新建或更新课程文档
func (ix *Index) UpsertLesson(l models.Lesson, tags []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.docs[l.ID] = newDocument(l, tags)
	ix.cache.Flush()
}

// RemoveLesson 删除课程文档
func (ix *Index) RemoveLesson(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	delete(ix.docs, id)
	ix.cache.Flush()
}

// ReplaceTags 替换全部标签（标签增删后由调用方传入存储中的最新列表）
func (ix *Index) ReplaceTags(tags []models.Tag) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.tags = sortedTags(tags)
	ix.cache.Flush()
}

// SearchTags 前缀匹配在前，其次子串匹配，各自按名称排序；空查询返回全部标签
func (ix *Index) SearchTags(query string) []models.Tag {
	q := fold(query)
	key := "tags:" + q

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if cached, ok := ix.cache.Get(key); ok {
		return slices.Clone(cached.([]models.Tag))
	}

	var prefix, substr []models.Tag
	for _, t := range ix.tags {
		name := fold(t.Name)
		switch {
		case q == "" || strings.HasPrefix(name, q):
			prefix = append(prefix, t)
		case strings.Contains(name, q):
			substr = append(substr, t)
		}
	}
	result := append(prefix, substr...)
	if result == nil {
		result = []models.Tag{}
	}

	ix.cache.Set(key, result, gocache.DefaultExpiration)
	return slices.Clone(result)
}

type hit struct {
	doc  *document
	rank int
}

// SearchLessons 匹配标题、外语文本、译文和标签
// 完全匹配标题排第一，其次标题子串，再次正文/标签；同级按创建时间倒序
func (ix *Index) SearchLessons(query string) []models.LessonWithTags {
	q := fold(query)
	key := "lessons:" + q

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if cached, ok := ix.cache.Get(key); ok {
		return slices.Clone(cached.([]models.LessonWithTags))
	}

	terms := strings.Fields(q)
	hits := make([]hit, 0, len(ix.docs))
	for _, d := range ix.docs {
		if q == "" {
			hits = append(hits, hit{doc: d, rank: rankContent})
			continue
		}
		if rank, ok := d.match(q, terms); ok {
			hits = append(hits, hit{doc: d, rank: rank})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		if !a.doc.lesson.CreatedAt.Equal(b.doc.lesson.CreatedAt) {
			return a.doc.lesson.CreatedAt.After(b.doc.lesson.CreatedAt)
		}
		return a.doc.lesson.ID < b.doc.lesson.ID
	})

	result := make([]models.LessonWithTags, len(hits))
	for i, h := range hits {
		result[i] = models.LessonWithTags{Lesson: h.doc.lesson, Tags: slices.Clone(h.doc.tags)}
	}

	ix.cache.Set(key, result, gocache.DefaultExpiration)
	return slices.Clone(result)
}

func (d *document) match(q string, terms []string) (int, bool) {
	switch {
	case d.title == q:
		return rankExactTitle, true
	case strings.Contains(d.title, q):
		return rankTitle, true
	case d.contains(q):
		return rankContent, true
	}

	// 多个词分散在不同字段时，每个词都出现即算命中
	if len(terms) < 2 {
		return 0, false
	}
	for _, term := range terms {
		if !strings.Contains(d.title, term) && !d.contains(term) {
			return 0, false
		}
	}
	return rankContent, true
}

func (d *document) contains(s string) bool {
	if strings.Contains(d.foreign, s) || strings.Contains(d.translation, s) {
		return true
	}
	for _, t := range d.foldedTags {
		if strings.Contains(t, s) {
			return true
		}
	}
	return false
}
