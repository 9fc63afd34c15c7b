package aligner

import (
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/z-wentao/readrepeat/pkg/models"
)

// 匹配阈值
const (
	wordMatchThreshold = 0.5 // 单词相似度超过该值才算匹配
	minWindowScore     = 0.3 // 窗口得分低于该值视为未对齐
)

// timedToken 转录词及其时间范围
type timedToken struct {
	text    string
	startMs int64
	endMs   int64
}

// expandFragments 把转录片段展开成词
// 一个片段含多个词时（段级时间戳），按词序在片段内均分时间。
func expandFragments(fragments []models.TranscriptionFragment) []timedToken {
	var tokens []timedToken
	for _, f := range fragments {
		words := Tokenize(f.Text)
		if len(words) == 0 {
			continue
		}
		span := f.EndMs - f.StartMs
		if span < 0 {
			span = 0
		}
		k := int64(len(words))
		for i, w := range words {
			idx := int64(i)
			tokens = append(tokens, timedToken{
				text:    w,
				startMs: f.StartMs + span*idx/k,
				endMs:   f.StartMs + span*(idx+1)/k,
			})
		}
	}
	return tokens
}

// similarity 基于编辑距离的相似度，取值 0-1
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

// window 匹配到的转录词区间 [start, end]
type window struct {
	start, end int
	score      float64
}

// findWindow 从 from 开始向后找与句子最匹配的连续词窗口
// 起点最多向后看 n+5 个词，整个搜索范围不超过 3n+10 个词。
func findWindow(sentence []string, tokens []timedToken, from int) (window, bool) {
	n := len(sentence)
	if n == 0 || from >= len(tokens) {
		return window{}, false
	}

	searchEnd := min(from+3*n+10, len(tokens))

	// 句子词 × 搜索范围内转录词的相似度表
	sims := make([][]float64, n)
	for i, sw := range sentence {
		sims[i] = make([]float64, searchEnd-from)
		for k := from; k < searchEnd; k++ {
			sims[i][k-from] = similarity(sw, tokens[k].text)
		}
	}

	best := window{score: -1}
	found := false
	for start := from; start < min(from+n+5, searchEnd); start++ {
		for size := max(1, n-2); size <= 2*n+2; size++ {
			end := start + size - 1
			if end >= searchEnd {
				break
			}
			score := windowScore(sims, start-from, end-from)
			if score > best.score {
				best = window{start: start, end: end, score: score}
				found = true
			}
		}
	}

	if !found || best.score < minWindowScore {
		return window{}, false
	}
	return best, true
}

// windowScore 贪心匹配：句子每个词取窗口内未用过的最相似词
// 得分 = (覆盖率 + 平均相似度) / 2，窗口长度与句长比例偏离 0.5-2 时乘 0.8。
func windowScore(sims [][]float64, lo, hi int) float64 {
	n := len(sims)
	if n == 0 || hi < lo {
		return 0
	}

	used := make(map[int]bool, hi-lo+1)
	matched := 0
	total := 0.0
	for i := range sims {
		bestSim, bestIdx := 0.0, -1
		for k := lo; k <= hi; k++ {
			if used[k] {
				continue
			}
			if s := sims[i][k]; s > bestSim {
				bestSim, bestIdx = s, k
			}
		}
		if bestIdx >= 0 && bestSim > wordMatchThreshold {
			used[bestIdx] = true
			total += bestSim
			matched++
		}
	}

	coverage := float64(matched) / float64(n)
	avgSim := total / float64(n)

	ratio := float64(hi-lo+1) / float64(n)
	penalty := 1.0
	if ratio < 0.5 || ratio > 2.0 {
		penalty = 0.8
	}
	return (coverage*0.5 + avgSim*0.5) * penalty
}
