package transcriber

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/z-wentao/readrepeat/pkg/config"
	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/models"
)

type audioAPI interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// WhisperClient OpenAI（或兼容服务）Whisper 客户端
type WhisperClient struct {
	api        audioAPI
	selfHosted bool
	maxRetries int
	backoff    func(attempt int) time.Duration
	log        *logger.Logger
}

// NewWhisperClient 创建 Whisper 客户端
// 配置了 base_url 时视为自建服务，课程的模型规格直接作为模型名
func NewWhisperClient(cfg config.OpenAIConfig, maxRetries int, log *logger.Logger) *WhisperClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newWhisperClient(openai.NewClientWithConfig(clientCfg), cfg.BaseURL != "", maxRetries, log)
}

func newWhisperClient(api audioAPI, selfHosted bool, maxRetries int, log *logger.Logger) *WhisperClient {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &WhisperClient{
		api:        api,
		selfHosted: selfHosted,
		maxRetries: maxRetries,
		backoff:    exponentialBackoff,
		log:        log.With("component", "whisper"),
	}
}

// 1s, 2s, 4s, 8s...
func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

func (wc *WhisperClient) modelName(model models.WhisperModel) string {
	if !wc.selfHosted {
		return openai.Whisper1
	}
	if model == "" {
		return string(models.WhisperBase)
	}
	return string(model)
}

// Transcribe 带重试的转录
func (wc *WhisperClient) Transcribe(ctx context.Context, audioPath, lang string, model models.WhisperModel) ([]models.TranscriptionFragment, error) {
	return wc.TranscribeWithRetry(ctx, audioPath, lang, model)
}

// TranscribeWithRetry 指数退避重试；ctx 取消或 4xx（429 除外）不再重试
func (wc *WhisperClient) TranscribeWithRetry(ctx context.Context, audioPath, lang string, model models.WhisperModel) ([]models.TranscriptionFragment, error) {
	var lastErr error

	for i := 0; i < wc.maxRetries; i++ {
		frags, err := wc.transcribeOnce(ctx, audioPath, lang, model)
		if err == nil {
			return frags, nil
		}
		lastErr = err

		// 检查是否因为 Context 取消
		if ctx.Err() != nil {
			return nil, fmt.Errorf("转录被取消: %w", ctx.Err())
		}
		if !retryable(err) {
			return nil, err
		}

		if i < wc.maxRetries-1 {
			wait := wc.backoff(i)
			wc.log.Warn("转录失败，准备重试", "path", audioPath, "attempt", i+1, "wait", wait, "error", err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, fmt.Errorf("转录被取消: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("重试 %d 次后仍然失败: %w", wc.maxRetries, lastErr)
}

func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.HTTPStatusCode
		return code == http.StatusTooManyRequests || code >= 500 || code == 0
	}
	return true
}

func (wc *WhisperClient) transcribeOnce(ctx context.Context, audioPath, lang string, model models.WhisperModel) ([]models.TranscriptionFragment, error) {
	resp, err := wc.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    wc.modelName(model),
		FilePath: audioPath,
		Language: lang,
		Format:   openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
			openai.TranscriptionTimestampGranularitySegment,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("调用转录接口失败: %w", err)
	}
	return fragmentsFrom(resp), nil
}

// fragmentsFrom 优先使用词级时间戳，服务端不支持时退回到句段级
func fragmentsFrom(resp openai.AudioResponse) []models.TranscriptionFragment {
	var frags []models.TranscriptionFragment
	if len(resp.Words) > 0 {
		frags = make([]models.TranscriptionFragment, 0, len(resp.Words))
		for _, w := range resp.Words {
			frags = appendFragment(frags, w.Word, w.Start, w.End)
		}
		return frags
	}

	frags = make([]models.TranscriptionFragment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		frags = appendFragment(frags, s.Text, s.Start, s.End)
	}
	return frags
}

func appendFragment(frags []models.TranscriptionFragment, text string, start, end float64) []models.TranscriptionFragment {
	text = strings.TrimSpace(text)
	if text == "" {
		return frags
	}
	return append(frags, models.TranscriptionFragment{
		Text:    text,
		StartMs: secondsToMs(start),
		EndMs:   secondsToMs(end),
	})
}

func secondsToMs(s float64) int64 {
	return int64(math.Round(s * 1000))
}
