// Package transcriber 语音转录：返回带毫秒时间戳的文本片段
package transcriber

import (
	"context"

	"github.com/z-wentao/readrepeat/pkg/models"
)

// Transcriber 转录服务
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, lang string, model models.WhisperModel) ([]models.TranscriptionFragment, error)
}

// Nop 不做转录（provider: none），课程只有文本没有时间
type Nop struct{}

func (Nop) Transcribe(context.Context, string, string, models.WhisperModel) ([]models.TranscriptionFragment, error) {
	return nil, nil
}
