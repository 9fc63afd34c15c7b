// Package subtitle 把已对齐的句子导出为 SRT / WebVTT 字幕
package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/z-wentao/readrepeat/pkg/models"
)

// WriteSRT 生成 SRT 字幕，没有时间的句子跳过
// bilingual 为 true 时译文作为第二行
//
//	1
//	00:00:00,000 --> 00:00:05,200
//	字幕文本
func WriteSRT(w io.Writer, segments []models.SentenceSegment, bilingual bool) error {
	bw := bufio.NewWriter(w)
	index := 1
	for _, seg := range segments {
		text, ok := cueText(seg, bilingual)
		if !ok {
			continue
		}
		fmt.Fprintf(bw, "%d\n", index)
		fmt.Fprintf(bw, "%s --> %s\n", formatSRTTime(*seg.StartMs), formatSRTTime(*seg.EndMs))
		fmt.Fprintf(bw, "%s\n\n", text)
		index++
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("写入 SRT 失败: %w", err)
	}
	return nil
}

// WriteVTT 生成 WebVTT 字幕（网页 <track> 使用）
func WriteVTT(w io.Writer, segments []models.SentenceSegment, bilingual bool) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("WEBVTT\n\n")
	for _, seg := range segments {
		text, ok := cueText(seg, bilingual)
		if !ok {
			continue
		}
		fmt.Fprintf(bw, "%s --> %s\n", formatVTTTime(*seg.StartMs), formatVTTTime(*seg.EndMs))
		fmt.Fprintf(bw, "%s\n\n", text)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("写入 VTT 失败: %w", err)
	}
	return nil
}

func cueText(seg models.SentenceSegment, bilingual bool) (string, bool) {
	if !seg.Timed() {
		return "", false
	}
	text := strings.TrimSpace(seg.ForeignText)
	if text == "" {
		return "", false
	}
	if tr := strings.TrimSpace(seg.TranslationText); bilingual && tr != "" {
		text += "\n" + tr
	}
	return text, true
}

// 65500 -> 00:01:05,500
func formatSRTTime(ms int64) string {
	h, m, s, milli := split(ms)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, milli)
}

// 65500 -> 00:01:05.500
func formatVTTTime(ms int64) string {
	h, m, s, milli := split(ms)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, milli)
}

func split(ms int64) (h, m, s, milli int64) {
	ms = max(0, ms)
	return ms / 3_600_000, ms % 3_600_000 / 60_000, ms % 60_000 / 1000, ms % 1000
}
