// Package dialog 识别 "说话人: 台词" 形式的对话文本
package dialog

import (
	"regexp"
	"strings"
)

var (
	// 行首标签：1-40 个字母/数字/空格，可选 1-20 字符的括号注释，冒号后必须有内容
	labelPattern = regexp.MustCompile(`^([\p{L}\p{N} ]{1,40})(\([^)]{1,20}\))?:\s*\S`)
	// 剥离时不要求冒号后有内容
	stripPattern = regexp.MustCompile(`^[\p{L}\p{N} ]{1,40}(\([^)]{1,20}\))?:\s*`)
)

// Turn 一行台词
type Turn struct {
	Speaker int    // 说话人序号，按首次出现顺序从 0 开始
	Label   string // 规范化后的标签，无标签时为空
	Text    string // 去掉标签后的台词
}

// nonBlankLines 返回去除首尾空白后的非空行
func nonBlankLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// label 返回行的规范化标签（小写、去空白，不含括号注释）
func label(line string) (string, bool) {
	m := labelPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	name := strings.ToLower(strings.TrimSpace(m[1]))
	if name == "" {
		return "", false
	}
	return name, true
}

// IsDialog 至少两行非空、半数以上带标签、且至少两个不同标签
func IsDialog(text string) bool {
	lines := nonBlankLines(text)
	if len(lines) < 2 {
		return false
	}

	labelled := 0
	distinct := make(map[string]struct{})
	for _, line := range lines {
		if name, ok := label(line); ok {
			labelled++
			distinct[name] = struct{}{}
		}
	}

	return labelled*2 >= len(lines) && len(distinct) >= 2
}

// StripSpeakerLabels 去掉每行的说话人标签，丢弃空行，保持顺序
func StripSpeakerLabels(text string) string {
	var out []string
	for _, line := range nonBlankLines(text) {
		line = strings.TrimSpace(stripPattern.ReplaceAllString(line, ""))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// ParseTurns 逐行归属说话人
// 带标签的行按标签首次出现顺序编号；maxSpeakers > 0 时对其取模。
// 无标签的行在前一行说话人的基础上轮换（0 -> 1 -> 0），第一行为 0。
func ParseTurns(text string, maxSpeakers int) []Turn {
	lines := nonBlankLines(text)
	turns := make([]Turn, 0, len(lines))
	seen := make(map[string]int)
	prev := -1

	for _, line := range lines {
		// 与 StripSpeakerLabels 一致：只有标签的行直接丢弃
		content := strings.TrimSpace(stripPattern.ReplaceAllString(line, ""))
		if content == "" {
			continue
		}

		speaker := 0
		name, ok := label(line)
		if ok {
			idx, known := seen[name]
			if !known {
				idx = len(seen)
				seen[name] = idx
			}
			speaker = idx
			if maxSpeakers > 0 {
				speaker = idx % maxSpeakers
			}
		} else if prev >= 0 {
			speaker = (prev + 1) % 2
		}

		turns = append(turns, Turn{Speaker: speaker, Label: name, Text: content})
		prev = speaker
	}
	return turns
}
