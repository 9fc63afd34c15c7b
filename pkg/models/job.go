package models

import "time"

// JobStatus 异步任务状态（TTS 合成任务使用）
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Done 任务是否已结束
func (s JobStatus) Done() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ProcessingTask 课程处理任务（队列消息体）
// Token 与课程上的 ProcessingToken 对应，旧任务的 Token 失效后直接丢弃
type ProcessingTask struct {
	LessonID   string    `json:"lesson_id"`
	Token      string    `json:"token"`
	Attempt    int       `json:"attempt"` // 从 0 开始，基础设施错误重试时递增
	EnqueuedAt time.Time `json:"enqueued_at"`

	// RabbitMQ 相关（不序列化到 JSON）
	DeliveryTag      uint64 `json:"-"`
	RabbitMQDelivery any    `json:"-"` // RabbitMQ delivery 对象（用于 Ack/Nack）
}

// TTSJob 语音合成任务
type TTSJob struct {
	JobID       string    `json:"job_id"`
	LessonID    string    `json:"lesson_id"`
	Provider    string    `json:"provider"`
	VoiceName   string    `json:"voice_name"`
	Voice2Name  string    `json:"voice2_name,omitempty"`
	Model       string    `json:"model"`
	Status      JobStatus `json:"status"`
	AudioPath   string    `json:"audio_path,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// TranscriptionFragment 转录片段（文本 + 毫秒时间戳）
type TranscriptionFragment struct {
	Text    string `json:"text"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}
