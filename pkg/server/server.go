// Package server HTTP 接口
package server

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/lesson"
	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/recording"
	"github.com/z-wentao/readrepeat/pkg/storage"
	"github.com/z-wentao/readrepeat/pkg/tts"
)

// DepthReporter 队列积压（健康检查用）
type DepthReporter interface {
	Depth() (int, error)
}

// Server 路由与处理函数
type Server struct {
	lessons    *lesson.Service
	recordings *recording.Tracker
	tts        *tts.Runner
	files      storage.FileLayout
	queue      DepthReporter
	maxUpload  int64
	log        *logger.Logger
}

// New 创建 HTTP 服务
func New(
	lessons *lesson.Service,
	recordings *recording.Tracker,
	runner *tts.Runner,
	files storage.FileLayout,
	q DepthReporter,
	maxUpload int64,
	log *logger.Logger,
) *Server {
	return &Server{
		lessons:    lessons,
		recordings: recordings,
		tts:        runner,
		files:      files,
		queue:      q,
		maxUpload:  maxUpload,
		log:        log.With("component", "http"),
	}
}

// Router 设置路由
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api")
	{
		api.GET("/ping", s.handlePing)

		api.POST("/lessons", s.handleCreateLesson)
		api.GET("/lessons", s.handleListLessons)
		api.GET("/lessons/:id", s.handleGetLesson)
		api.GET("/lessons/:id/status", s.handleLessonStatus)
		api.POST("/lessons/:id/reprocess", s.handleReprocess)
		api.PUT("/lessons/:id/tags", s.handleSetTags)
		api.DELETE("/lessons/:id", s.handleDeleteLesson)
		api.POST("/lessons/:id/audio", s.handleUploadAudio)
		api.GET("/lessons/:id/audio", s.handleLessonAudio)
		api.GET("/lessons/:id/subtitles.srt", s.handleSubtitles(formatSRT))
		api.GET("/lessons/:id/subtitles.vtt", s.handleSubtitles(formatVTT))
		api.GET("/lessons/:id/segments/:segment_id/clip", s.handleSegmentClip)

		api.GET("/tags", s.handleSearchTags)

		api.GET("/lessons/:id/recordings", s.handleListRecordings)
		api.PUT("/lessons/:id/segments/:segment_id/recording", s.handlePutRecording)
		api.GET("/lessons/:id/segments/:segment_id/recording", s.handleGetRecording)
		api.GET("/lessons/:id/segments/:segment_id/recording/audio", s.handleRecordingAudio)
		api.DELETE("/lessons/:id/segments/:segment_id/recording", s.handleDeleteRecording)

		api.POST("/lessons/:id/tts", s.handleGenerateTTS)
		api.GET("/lessons/:id/tts/jobs", s.handleLessonTTSJobs)
		api.GET("/tts/jobs/:job_id", s.handleGetTTSJob)
		api.GET("/tts/providers", s.handleTTSProviders)
	}

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		kv := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("请求失败", kv...)
			return
		}
		s.log.Debug("请求完成", kv...)
	}
}

// errorCode 错误分类对应的机器可读代码
func errorCode(err error) string {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return "VALIDATION"
	case errors.Is(err, apperr.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, apperr.ErrAlreadyProcessing):
		return "ALREADY_PROCESSING"
	case errors.Is(err, apperr.ErrAlreadyGenerating):
		return "ALREADY_GENERATING"
	case errors.Is(err, apperr.ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, apperr.ErrInvalidVoice):
		return "INVALID_VOICE"
	case errors.Is(err, apperr.ErrProvider):
		return "PROVIDER_ERROR"
	case errors.Is(err, apperr.ErrAlignment):
		return apperr.ReasonCode(err)
	}
	return apperr.CodeInternal
}

// fail 按错误分类返回状态码；5xx 不暴露内部细节
func (s *Server) fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && !errors.Is(err, apperr.ErrProvider) {
		s.log.Error("处理请求出错", "path", c.FullPath(), "error", err)
		msg = "服务内部错误"
	}
	c.JSON(status, gin.H{"error": msg, "code": errorCode(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": "VALIDATION"})
}

// isValidAudioFormat 课程音频格式（Whisper 支持的格式）
func isValidAudioFormat(ext string) bool {
	validFormats := map[string]bool{
		".mp3":  true,
		".mp4":  true, // 视频文件，ffmpeg/Whisper 可以提取音频
		".mpeg": true,
		".mpga": true,
		".m4a":  true,
		".wav":  true,
		".webm": true,
		".flac": true,
		".aac":  true,
		".ogg":  true,
	}
	return validFormats[strings.ToLower(ext)]
}

// isValidRecordingFormat 浏览器 MediaRecorder 常见输出
func isValidRecordingFormat(ext string) bool {
	switch strings.ToLower(ext) {
	case ".webm", ".ogg", ".wav", ".m4a", ".mp4", ".mp3":
		return true
	}
	return false
}

// formFile 取上传文件并校验格式与大小
func (s *Server) formFile(c *gin.Context, field string, valid func(string) bool) (*multipart.FileHeader, string, bool) {
	file, err := c.FormFile(field)
	if err != nil {
		badRequest(c, "请上传文件")
		return nil, "", false
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !valid(ext) {
		badRequest(c, fmt.Sprintf("不支持的文件格式 %q", ext))
		return nil, "", false
	}

	if s.maxUpload > 0 && file.Size > s.maxUpload {
		badRequest(c, fmt.Sprintf("文件太大，最大 %.0f MB", float64(s.maxUpload)/1024/1024))
		return nil, "", false
	}
	return file, ext, true
}
