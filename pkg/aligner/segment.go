package aligner

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// 各语言的句末标点
var sentenceEndings = map[string]string{
	"en": ".!?",
	"fr": ".!?",
	"de": ".!?",
	"es": ".!?", // ¡¿ 是句首标点，不参与切分
	"zh": "。！？",
	"ja": "。！？",
	"ko": "。！？.!?",
}

const defaultEndings = ".!?。！？"

// 句末标点后面紧跟的闭合引号/括号归入当前句
const closers = `"')]}»”’」』）`

// 不结束句子的英文缩写
var abbreviations = map[string]map[string]bool{
	"en": {
		"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sr": true, "jr": true,
		"vs": true, "etc": true, "e.g": true, "i.e": true, "no": true, "vol": true,
	},
}

func endingsFor(lang string) string {
	if e, ok := sentenceEndings[strings.ToLower(lang)]; ok {
		return e
	}
	return defaultEndings
}

func isCJKLang(lang string) bool {
	l := strings.ToLower(lang)
	return l == "zh" || l == "ja"
}

// SplitSentences 按标点切句
// 中日文遇句末标点即切；其他语言会跳过缩写、单字母缩写、小数以及后接小写词的情况。
func SplitSentences(text, lang string) []string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}

	endings := endingsFor(lang)
	runes := []rune(text)
	var sentences []string
	start := 0

	for i := 0; i < len(runes); {
		if !strings.ContainsRune(endings, runes[i]) {
			i++
			continue
		}

		j := i
		for j < len(runes) && strings.ContainsRune(endings, runes[j]) {
			j++
		}
		for j < len(runes) && strings.ContainsRune(closers, runes[j]) {
			j++
		}

		candidate := string(runes[start:j])
		if isCJKLang(lang) || !continuesSentence(candidate, runes[i], runes[j:], abbreviations[strings.ToLower(lang)], endings) {
			if s := strings.TrimSpace(candidate); s != "" {
				sentences = append(sentences, s)
			}
			start = j
		}
		i = j
	}

	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// continuesSentence 判断句末标点后是否仍属于同一句
func continuesSentence(candidate string, mark rune, rest []rune, abbrevs map[string]bool, endings string) bool {
	// 3.5 这样的小数
	if mark == '.' && len(rest) > 0 && unicode.IsDigit(rest[0]) {
		return true
	}

	if mark == '.' {
		words := strings.Fields(strings.ToLower(candidate))
		if len(words) > 0 {
			last := strings.TrimRight(words[len(words)-1], endings+closers)
			last = strings.TrimLeft(last, `"'([{«“‘`)
			if abbrevs[last] {
				return true
			}
			if r := []rune(last); len(r) == 1 && unicode.IsLetter(r[0]) {
				return true
			}
		}
	}

	for _, r := range rest {
		if unicode.IsSpace(r) {
			continue
		}
		return unicode.IsLower(r)
	}
	return false
}

func isCJKRune(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// Tokenize 对齐用分词：NFKC 归一、小写、去标点
// 中日韩字符逐字成词，其余按字母/数字/撇号连续成词。
func Tokenize(text string) []string {
	text = strings.ToLower(norm.NFKC.String(text))

	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			w := strings.Trim(b.String(), "'")
			if w != "" {
				tokens = append(tokens, w)
			}
			b.Reset()
		}
	}

	for _, r := range text {
		switch {
		case isCJKRune(r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) || r == '\'':
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}
