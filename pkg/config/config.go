package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config 应用配置
type Config struct {
	OpenAI      OpenAIConfig      `yaml:"openai"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Lessons     LessonDefaults    `yaml:"lessons"`
	Queue       QueueConfig       `yaml:"queue"`
	Storage     StorageConfig     `yaml:"storage"`
	TTS         TTSConfig         `yaml:"tts"`
	Audio       AudioConfig       `yaml:"audio"`
	Tagger      TaggerConfig      `yaml:"tagger"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

// OpenAIConfig OpenAI 配置
// BaseURL 指向自建的 OpenAI 兼容 Whisper 服务时，课程的模型规格会作为模型名发送
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// TranscriberConfig 转录配置
type TranscriberConfig struct {
	Provider       string `yaml:"provider"`         // openai | none
	WorkerPoolSize int    `yaml:"worker_pool_size"` // 同时处理的课程数
	MaxRetries     int    `yaml:"max_retries"`
	TimeoutSeconds int    `yaml:"timeout_seconds"` // 超过即 ALIGNMENT_TIMEOUT
}

// Timeout 转录等待上限
func (c TranscriberConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LessonDefaults 创建课程时的默认偏好（语言、模型）
type LessonDefaults struct {
	ForeignLang     string `yaml:"foreign_lang"`
	TranslationLang string `yaml:"translation_lang"`
	WhisperModel    string `yaml:"whisper_model"`
}

// QueueConfig 队列配置
type QueueConfig struct {
	Type       string         `yaml:"type"`
	BufferSize int            `yaml:"buffer_size"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	URL       string `yaml:"url"`
	QueueName string `yaml:"queue_name"`
	Prefetch  int    `yaml:"prefetch"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Type     string         `yaml:"type"` // memory | postgres
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig Redis 配置，Addr 为空时锁与转录缓存退化为内存实现
type RedisConfig struct {
	Addr               string `yaml:"addr"`
	Password           string `yaml:"password"`
	DB                 int    `yaml:"db"`
	TranscriptTTLHours int    `yaml:"transcript_ttl_hours"`
}

// TranscriptTTL 转录缓存过期时间
func (c RedisConfig) TranscriptTTL() time.Duration {
	return time.Duration(c.TranscriptTTLHours) * time.Hour
}

// TTSConfig 语音合成配置
type TTSConfig struct {
	OutputDir              string `yaml:"output_dir"`
	LockTTLSeconds         int    `yaml:"lock_ttl_seconds"`
	ReprocessAfterGenerate bool   `yaml:"reprocess_after_generate"`
}

// LockTTL 每课程合成锁的过期时间
func (c TTSConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// AudioConfig ffmpeg 相关配置
type AudioConfig struct {
	Normalize  bool   `yaml:"normalize"`   // 转录前转为 16kHz 单声道 WAV
	SliceClips bool   `yaml:"slice_clips"` // 按句切分音频片段
	FFmpegPath string `yaml:"ffmpeg_path"`
	FFprobe    string `yaml:"ffprobe_path"`
}

// TaggerConfig 自动打标签配置
type TaggerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port          int    `yaml:"port"`
	MaxUploadSize int64  `yaml:"max_upload_size"`
	DataDir       string `yaml:"data_dir"`
}

// LogConfig 日志配置
type LogConfig struct {
	Mode string `yaml:"mode"` // dev | prod
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 内容并校验
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// applyEnv 环境变量覆盖敏感配置
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	if c.Transcriber.Provider == "" {
		c.Transcriber.Provider = "openai"
	}
	switch c.Transcriber.Provider {
	case "openai":
		if c.OpenAI.BaseURL == "" && (c.OpenAI.APIKey == "" || c.OpenAI.APIKey == "your-openai-api-key-here") {
			return fmt.Errorf("请在配置文件中设置有效的 OpenAI API Key")
		}
	case "none":
	default:
		return fmt.Errorf("不支持的转录服务: %s", c.Transcriber.Provider)
	}

	if c.Transcriber.WorkerPoolSize <= 0 {
		c.Transcriber.WorkerPoolSize = 2
	}
	if c.Transcriber.MaxRetries <= 0 {
		c.Transcriber.MaxRetries = 3
	}
	if c.Transcriber.TimeoutSeconds <= 0 {
		c.Transcriber.TimeoutSeconds = 600
	}

	if c.Lessons.ForeignLang == "" {
		c.Lessons.ForeignLang = "en"
	}
	if c.Lessons.TranslationLang == "" {
		c.Lessons.TranslationLang = "zh"
	}
	if c.Lessons.WhisperModel == "" {
		c.Lessons.WhisperModel = "base"
	}

	if c.Queue.Type == "" {
		c.Queue.Type = "memory"
	}
	if c.Queue.Type != "memory" && c.Queue.Type != "rabbitmq" {
		return fmt.Errorf("不支持的队列类型: %s", c.Queue.Type)
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = 100
	}
	if c.Queue.Type == "rabbitmq" && c.Queue.RabbitMQ.URL == "" {
		return fmt.Errorf("使用 RabbitMQ 时必须设置 queue.rabbitmq.url")
	}
	if c.Queue.RabbitMQ.QueueName == "" {
		c.Queue.RabbitMQ.QueueName = "readrepeat.lessons"
	}
	if c.Queue.RabbitMQ.Prefetch <= 0 {
		c.Queue.RabbitMQ.Prefetch = c.Transcriber.WorkerPoolSize
	}

	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.Type != "memory" && c.Storage.Type != "postgres" {
		return fmt.Errorf("不支持的存储类型: %s", c.Storage.Type)
	}
	if c.Storage.Type == "postgres" && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("使用 PostgreSQL 时必须设置 storage.postgres.dsn")
	}
	if c.Storage.Redis.TranscriptTTLHours <= 0 {
		c.Storage.Redis.TranscriptTTLHours = 24 * 7
	}

	if c.Server.DataDir == "" {
		c.Server.DataDir = "data"
	}
	if c.TTS.OutputDir == "" {
		c.TTS.OutputDir = c.Server.DataDir + "/tts"
	}
	if c.TTS.LockTTLSeconds <= 0 {
		c.TTS.LockTTLSeconds = 900
	}

	if c.Audio.FFmpegPath == "" {
		c.Audio.FFmpegPath = "ffmpeg"
	}
	if c.Audio.FFprobe == "" {
		c.Audio.FFprobe = "ffprobe"
	}

	if c.Tagger.Model == "" {
		c.Tagger.Model = "gpt-4o-mini"
	}

	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxUploadSize <= 0 {
		c.Server.MaxUploadSize = 100 << 20
	}

	if c.Log.Mode == "" {
		c.Log.Mode = "dev"
	}

	return nil
}
