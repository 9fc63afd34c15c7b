// Package aligner 把课程文本切分成句子，并与转录结果对齐出每句的时间范围
package aligner

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/dialog"
	"github.com/z-wentao/readrepeat/pkg/models"
)

// RedistributeFunc 译文句数与外语句数不一致时，把译文句子重新分配成 n 块
type RedistributeFunc func(translations []string, n int) []string

// Input 对齐输入
type Input struct {
	LessonID        string
	ForeignText     string
	TranslationText string
	ForeignLang     string
	TranslationLang string
	Fragments       []models.TranscriptionFragment
}

// Result 对齐结果
type Result struct {
	Segments            []models.SentenceSegment
	TranslationMismatch bool // 译文句数不一致，已按 Redistribute 重新分配
	Dialog              bool
}

// Aligner 句子切分与时间对齐
type Aligner struct {
	redistribute RedistributeFunc
	newID        func() string
}

// Option 配置项
type Option func(*Aligner)

// WithRedistribute 替换译文重新分配策略
func WithRedistribute(fn RedistributeFunc) Option {
	return func(a *Aligner) {
		if fn != nil {
			a.redistribute = fn
		}
	}
}

// New 创建对齐器
func New(opts ...Option) *Aligner {
	a := &Aligner{
		redistribute: EvenRedistribute,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Align 生成课程的句子片段，Order 从 0 连续递增
func (a *Aligner) Align(in Input) (*Result, error) {
	if strings.TrimSpace(in.ForeignText) == "" || strings.TrimSpace(in.TranslationText) == "" {
		return nil, apperr.Alignment(apperr.ErrEmptyInput, fmt.Errorf("课程 %s 的外语或译文为空", in.LessonID))
	}

	if dialog.IsDialog(in.ForeignText) {
		return a.alignDialog(in)
	}
	return a.alignProse(in)
}

func (a *Aligner) alignDialog(in Input) (*Result, error) {
	turns := dialog.ParseTurns(in.ForeignText, 0)
	translations := splitLines(dialog.StripSpeakerLabels(in.TranslationText))

	if len(turns) == 0 {
		return nil, apperr.Alignment(apperr.ErrEmptyInput, fmt.Errorf("课程 %s 去掉标签后没有台词", in.LessonID))
	}
	if len(turns) != len(translations) {
		return nil, apperr.Alignment(apperr.ErrMismatchedLineCount,
			fmt.Errorf("对话行数不一致: 外语 %d 行, 译文 %d 行", len(turns), len(translations)))
	}

	foreign := make([]string, len(turns))
	speakers := make([]int, len(turns))
	for i, t := range turns {
		foreign[i] = t.Text
		speakers[i] = t.Speaker
	}

	segments := a.buildSegments(in.LessonID, foreign, translations, in.Fragments)
	for i := range segments {
		segments[i].Speaker = speakers[i]
	}
	return &Result{Segments: segments, Dialog: true}, nil
}

func (a *Aligner) alignProse(in Input) (*Result, error) {
	foreign := SplitSentences(in.ForeignText, in.ForeignLang)
	if len(foreign) == 0 {
		return nil, apperr.Alignment(apperr.ErrEmptyInput, fmt.Errorf("课程 %s 的外语文本没有句子", in.LessonID))
	}

	translations := SplitSentences(in.TranslationText, in.TranslationLang)
	mismatch := len(translations) != len(foreign)
	if mismatch {
		translations = a.redistribute(translations, len(foreign))
	}

	return &Result{
		Segments:            a.buildSegments(in.LessonID, foreign, translations, in.Fragments),
		TranslationMismatch: mismatch,
	}, nil
}

// buildSegments 按顺序为每句找转录窗口，游标只向前移动
func (a *Aligner) buildSegments(lessonID string, foreign, translations []string, fragments []models.TranscriptionFragment) []models.SentenceSegment {
	tokens := expandFragments(fragments)
	segments := make([]models.SentenceSegment, len(foreign))

	cursor := 0
	var prevEnd int64 = -1
	for i, text := range foreign {
		seg := models.SentenceSegment{
			ID:          a.newID(),
			LessonID:    lessonID,
			Order:       i,
			ForeignText: text,
		}
		if i < len(translations) {
			seg.TranslationText = translations[i]
		}

		if w, ok := findWindow(Tokenize(text), tokens, cursor); ok {
			cursor = w.end + 1
			start, end := tokens[w.start].startMs, tokens[w.end].endMs
			if start < prevEnd {
				start = prevEnd
			}
			if start < end {
				seg.StartMs, seg.EndMs = &start, &end
				seg.Confidence = w.score
				prevEnd = end
			}
		}

		segments[i] = seg
	}
	return segments
}

func splitLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// EvenRedistribute 默认的译文重新分配策略
// 译文较多时按顺序均分成 n 个连续块并拼接；较少时按比例映射下标。
// 译文句数少于 n 时结果里会出现重复的译文句子，这是预期行为：
// 每个外语句子都能拿到与其位置最接近的一句译文。
func EvenRedistribute(translations []string, n int) []string {
	out := make([]string, n)
	m := len(translations)
	if m == 0 || n == 0 {
		return out
	}

	if m >= n {
		for i := 0; i < n; i++ {
			lo, hi := i*m/n, (i+1)*m/n
			out[i] = joinSentences(translations[lo:hi])
		}
		return out
	}

	for i := 0; i < n; i++ {
		out[i] = translations[min(i*m/n, m-1)]
	}
	return out
}

// joinSentences 中日文之间不加空格
func joinSentences(parts []string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			prev, _ := utf8.DecodeLastRuneInString(parts[i-1])
			next, _ := utf8.DecodeRuneInString(p)
			if !(isCJKText(prev) && isCJKText(next)) {
				b.WriteByte(' ')
			}
		}
		b.WriteString(p)
	}
	return b.String()
}

func isCJKText(r rune) bool {
	return isCJKRune(r) || strings.ContainsRune("。！？，、；：」』）", r)
}
