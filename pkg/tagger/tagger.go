// Package tagger 标签规范化与 AI 自动打标签
package tagger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"

	"github.com/z-wentao/readrepeat/pkg/config"
)

const (
	MaxTags      = 10
	MaxTagLength = 32 // 按字符计
)

type chatAPI interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Tagger AI 标签建议
type Tagger struct {
	client chatAPI
	model  string
}

// New 创建 Tagger，model 为空时使用 gpt-4o-mini
func New(cfg config.OpenAIConfig, model string) *Tagger {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newTagger(openai.NewClientWithConfig(clientCfg), model)
}

func newTagger(client chatAPI, model string) *Tagger {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Tagger{client: client, model: model}
}

// Suggest 根据标题和正文建议标签，结果已规范化
func (t *Tagger) Suggest(ctx context.Context, title, text string) ([]string, error) {
	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "你是语言学习课程的分类助手。根据课程标题和正文给出 3 到 5 个简短的主题标签（如 travel、business、grammar），只返回 JSON。",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildPrompt(title, text),
			},
		},
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("调用 OpenAI API 失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("OpenAI API 未返回结果")
	}

	content := resp.Choices[0].Message.Content
	var result struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("解析 AI 响应失败: %w, 原始响应: %s", err, content)
	}
	return NormalizeTags(result.Tags), nil
}

func buildPrompt(title, text string) string {
	// 限制文本长度（避免超出 token 限制）
	const maxRunes = 3000
	if utf8.RuneCountInString(text) > maxRunes {
		text = string([]rune(text)[:maxRunes]) + "..."
	}
	return fmt.Sprintf(`输出格式：{"tags": ["标签1", "标签2"]}
标签使用小写英文单词或短语，每个不超过 %d 个字符。

标题：%s

正文：
%s`, MaxTagLength, title, text)
}

// NormalizeTags 去首尾空白、合并空格、转小写、去重，保留原顺序
// 超长标签截断，最多保留 MaxTags 个
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))

	for _, tag := range tags {
		name := strings.ToLower(strings.Join(strings.Fields(tag), " "))
		if utf8.RuneCountInString(name) > MaxTagLength {
			name = strings.TrimSpace(string([]rune(name)[:MaxTagLength]))
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}
