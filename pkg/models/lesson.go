package models

import "time"

// LessonStatus 课程状态
type LessonStatus string

const (
	LessonUploaded   LessonStatus = "UPLOADED"
	LessonProcessing LessonStatus = "PROCESSING"
	LessonReady      LessonStatus = "READY"
	LessonFailed     LessonStatus = "FAILED"
)

// Terminal 轮询方看到 READY / FAILED 即可停止
func (s LessonStatus) Terminal() bool {
	return s == LessonReady || s == LessonFailed
}

// Valid 是否为已知状态
func (s LessonStatus) Valid() bool {
	switch s {
	case LessonUploaded, LessonProcessing, LessonReady, LessonFailed:
		return true
	}
	return false
}

// WhisperModel 转录模型规格
type WhisperModel string

const (
	WhisperTiny    WhisperModel = "tiny"
	WhisperBase    WhisperModel = "base"
	WhisperSmall   WhisperModel = "small"
	WhisperMedium  WhisperModel = "medium"
	WhisperLargeV3 WhisperModel = "large-v3"
)

// Valid 是否为支持的模型
func (m WhisperModel) Valid() bool {
	switch m {
	case WhisperTiny, WhisperBase, WhisperSmall, WhisperMedium, WhisperLargeV3:
		return true
	}
	return false
}

// Lesson 课程
// ForeignTextRaw / TranslationTextRaw 创建后不可修改
type Lesson struct {
	ID                  string       `json:"id"`
	Title               string       `json:"title"`
	ForeignTextRaw      string       `json:"foreign_text_raw"`
	TranslationTextRaw  string       `json:"translation_text_raw"`
	ForeignLang         string       `json:"foreign_lang"`
	TranslationLang     string       `json:"translation_lang"`
	WhisperModel        WhisperModel `json:"whisper_model"`
	Status              LessonStatus `json:"status"`
	AudioPath           string       `json:"audio_path,omitempty"`
	FailureReason       string       `json:"failure_reason,omitempty"`
	FailureDetail       string       `json:"failure_detail,omitempty"`
	TranslationMismatch bool         `json:"translation_mismatch"`
	ProcessingToken     string       `json:"-"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// SentenceSegment 句子片段
// StartMs / EndMs 在无法对齐时为 nil
type SentenceSegment struct {
	ID              string  `json:"id"`
	LessonID        string  `json:"lesson_id"`
	Order           int     `json:"order"`
	ForeignText     string  `json:"foreign_text"`
	TranslationText string  `json:"translation_text"`
	StartMs         *int64  `json:"start_ms"`
	EndMs           *int64  `json:"end_ms"`
	Confidence      float64 `json:"confidence"`
	Speaker         int     `json:"speaker"` // 对话课程的说话人序号，非对话为 0
	ClipPath        string  `json:"clip_path,omitempty"`
}

// Timed 是否带有时间范围
func (s SentenceSegment) Timed() bool {
	return s.StartMs != nil && s.EndMs != nil
}

// Recording 学习者对某个句子的跟读录音
type Recording struct {
	ID         string    `json:"id"`
	SegmentID  string    `json:"segment_id"`
	LessonID   string    `json:"lesson_id"`
	FilePath   string    `json:"file_path"`
	DurationMs *int64    `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Tag 标签
type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LessonWithTags 列表 / 搜索结果
type LessonWithTags struct {
	Lesson
	Tags []string `json:"tags"`
}

// LessonDetail 课程详情（含句子与标签）
type LessonDetail struct {
	Lesson
	Tags     []string          `json:"tags"`
	Segments []SentenceSegment `json:"segments"`
}

// LessonStatusView 轮询接口返回的只读投影
type LessonStatusView struct {
	ID            string       `json:"id"`
	Status        LessonStatus `json:"status"`
	FailureReason string       `json:"failure_reason,omitempty"`
}
