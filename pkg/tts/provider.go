// Package tts 语音合成：服务商适配与按课程的异步合成任务
package tts

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/audio"
	"github.com/z-wentao/readrepeat/pkg/config"
)

// Provider 语音合成服务商
type Provider interface {
	ID() string
	Voices() []string
	Models() []string
	DefaultModel() string
	// SampleRate Synthesize 返回采样的采样率
	SampleRate() int
	// Synthesize 合成单声道 16bit 采样
	Synthesize(ctx context.Context, text, voice, model string) ([]int, error)
}

// ProviderInfo 对外展示的服务商信息
type ProviderInfo struct {
	ID           string   `json:"id"`
	Voices       []string `json:"voices"`
	Models       []string `json:"models"`
	DefaultModel string   `json:"default_model"`
}

func infoOf(p Provider) ProviderInfo {
	return ProviderInfo{
		ID:           p.ID(),
		Voices:       p.Voices(),
		Models:       p.Models(),
		DefaultModel: p.DefaultModel(),
	}
}

// 校验音色与模型，model 为空时取默认模型
func resolve(p Provider, voice, voice2, model string) (string, error) {
	if model == "" {
		model = p.DefaultModel()
	}
	if !slices.Contains(p.Models(), model) {
		return "", apperr.InvalidVoice("%s 不支持模型 %q", p.ID(), model)
	}
	if !slices.Contains(p.Voices(), voice) {
		return "", apperr.InvalidVoice("%s 不支持音色 %q", p.ID(), voice)
	}
	if voice2 != "" && !slices.Contains(p.Voices(), voice2) {
		return "", apperr.InvalidVoice("%s 不支持音色 %q", p.ID(), voice2)
	}
	return model, nil
}

const (
	openAISampleRate = 24000 // pcm 输出固定 24kHz
	openAIInputLimit = 4000  // 接口上限 4096 字符，留余量
)

type speechAPI interface {
	CreateSpeech(ctx context.Context, request openai.CreateSpeechRequest) (openai.RawResponse, error)
}

// OpenAIProvider OpenAI 语音合成
type OpenAIProvider struct {
	api speechAPI
}

// NewOpenAIProvider 创建 OpenAI 语音合成服务商
func NewOpenAIProvider(cfg config.OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{api: openai.NewClientWithConfig(clientCfg)}
}

func (p *OpenAIProvider) ID() string { return "openai" }

func (p *OpenAIProvider) Voices() []string {
	return []string{"alloy", "ash", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer"}
}

func (p *OpenAIProvider) Models() []string {
	return []string{string(openai.TTSModel1), string(openai.TTSModel1HD), string(openai.TTSModelGPT4oMini)}
}

func (p *OpenAIProvider) DefaultModel() string { return string(openai.TTSModel1) }

func (p *OpenAIProvider) SampleRate() int { return openAISampleRate }

// Synthesize 超长文本按行拆成多次请求后直接拼接
func (p *OpenAIProvider) Synthesize(ctx context.Context, text, voice, model string) ([]int, error) {
	var samples []int
	for _, part := range splitInput(text, openAIInputLimit) {
		resp, err := p.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(model),
			Input:          part,
			Voice:          openai.SpeechVoice(voice),
			ResponseFormat: openai.SpeechResponseFormatPcm,
		})
		if err != nil {
			return nil, apperr.Provider(p.ID(), err)
		}
		data, err := io.ReadAll(resp)
		resp.Close()
		if err != nil {
			return nil, apperr.Provider(p.ID(), fmt.Errorf("读取音频失败: %w", err))
		}
		samples = append(samples, audio.PCM16ToInts(data)...)
	}
	return samples, nil
}

// splitInput 按行打包成不超过 limit 个字符的片段，单行超长时硬切
func splitInput(text string, limit int) []string {
	var (
		parts []string
		cur   []rune
	)
	flush := func() {
		if s := strings.TrimSpace(string(cur)); s != "" {
			parts = append(parts, s)
		}
		cur = cur[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		r := []rune(strings.TrimSpace(line))
		if len(r) == 0 {
			continue
		}
		if len(cur) > 0 && len(cur)+1+len(r) > limit {
			flush()
		}
		for len(r) > limit {
			flush()
			parts = append(parts, string(r[:limit]))
			r = r[limit:]
		}
		if len(cur) > 0 {
			cur = append(cur, '\n')
		}
		cur = append(cur, r...)
	}
	flush()
	return parts
}
