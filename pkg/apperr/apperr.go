// Package apperr 定义核心流程的错误分类
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// 错误分类（用 errors.Is 判断）
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyProcessing = errors.New("already processing")
	ErrAlreadyGenerating = errors.New("already generating")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidVoice      = errors.New("invalid voice")
	ErrProvider          = errors.New("provider error")

	// 对齐失败族：终止本次处理并将课程置为 FAILED
	ErrAlignment           = errors.New("alignment error")
	ErrEmptyInput          = errors.New("empty input")
	ErrMismatchedLineCount = errors.New("mismatched line count")
	ErrAlignmentTimeout    = errors.New("alignment timeout")
	ErrTranscriptionFailed = errors.New("transcription failed")
)

// 课程 FAILED 时保存的原因码
const (
	CodeEmptyInput          = "EMPTY_INPUT"
	CodeMismatchedLineCount = "MISMATCHED_LINE_COUNT"
	CodeAlignmentTimeout    = "ALIGNMENT_TIMEOUT"
	CodeTranscriptionFailed = "TRANSCRIPTION_FAILED"
	CodeQueueUnavailable    = "QUEUE_UNAVAILABLE"
	CodeInternal            = "INTERNAL"
)

// Error 带分类与原因码的错误
type Error struct {
	Kind error  // 分类哨兵
	Code string // 原因码（可为空）
	Err  error  // 原始错误
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Validation 参数校验失败
func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Err: fmt.Errorf(format, args...)}
}

// NotFound 资源不存在
func NotFound(kind, id string) error {
	return &Error{Kind: ErrNotFound, Err: fmt.Errorf("%s 不存在: %s", kind, id)}
}

// Conflict 并发冲突（ErrAlreadyProcessing / ErrAlreadyGenerating）
func Conflict(kind error, id string) error {
	return &Error{Kind: kind, Err: fmt.Errorf("%w: %s", kind, id)}
}

// InvalidTransition 状态不允许该操作（含处理令牌已失效）
func InvalidTransition(id string, from, to any) error {
	return &Error{Kind: ErrInvalidTransition, Err: fmt.Errorf("课程 %s 不能从 %v 变为 %v", id, from, to)}
}

// Alignment 对齐失败族，kind 为 ErrEmptyInput 等具体哨兵
func Alignment(kind error, err error) error {
	code := CodeInternal
	switch kind {
	case ErrEmptyInput:
		code = CodeEmptyInput
	case ErrMismatchedLineCount:
		code = CodeMismatchedLineCount
	case ErrAlignmentTimeout:
		code = CodeAlignmentTimeout
	case ErrTranscriptionFailed:
		code = CodeTranscriptionFailed
	}
	if err == nil {
		err = kind
	}
	return &Error{Kind: kind, Code: code, Err: fmt.Errorf("%w: %w", ErrAlignment, err)}
}

// InvalidVoice 服务商、音色或模型不可用
func InvalidVoice(format string, args ...any) error {
	return &Error{Kind: ErrInvalidVoice, Err: fmt.Errorf(format, args...)}
}

// Provider TTS 服务商错误
func Provider(provider string, err error) error {
	return &Error{Kind: ErrProvider, Err: fmt.Errorf("%s 合成失败: %w", provider, err)}
}

// ReasonCode 提取写入课程的失败原因码
func ReasonCode(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeAlignmentTimeout
	}
	return CodeInternal
}

// HTTPStatus 映射到 HTTP 状态码
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidVoice):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyProcessing), errors.Is(err, ErrAlreadyGenerating), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrAlignment):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
