package server

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/z-wentao/readrepeat/pkg/apperr"
	"github.com/z-wentao/readrepeat/pkg/lesson"
	"github.com/z-wentao/readrepeat/pkg/models"
	"github.com/z-wentao/readrepeat/pkg/subtitle"
)

// handlePing 健康检查，附带队列积压
func (s *Server) handlePing(c *gin.Context) {
	depth, err := s.queue.Depth()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "queue unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     "pong",
		"queue_depth": depth,
	})
}

// splitTags 表单中的标签可以重复字段，也可以逗号分隔
func splitTags(values []string) []string {
	var tags []string
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}
	return tags
}

// handleCreateLesson 创建课程
// JSON 只创建课程；multipart 可同时上传音频，上传后立即开始处理
func (s *Server) handleCreateLesson(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		in   lesson.CreateInput
		file *multipart.FileHeader
		ext  string
	)

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		in = lesson.CreateInput{
			Title:           c.PostForm("title"),
			ForeignText:     c.PostForm("foreign_text"),
			TranslationText: c.PostForm("translation_text"),
			ForeignLang:     c.PostForm("foreign_lang"),
			TranslationLang: c.PostForm("translation_lang"),
			WhisperModel:    c.PostForm("whisper_model"),
			Tags:            splitTags(c.PostFormArray("tags")),
		}
		if _, err := c.FormFile("audio"); err == nil {
			var ok bool
			if file, ext, ok = s.formFile(c, "audio", isValidAudioFormat); !ok {
				return
			}
		}
	} else if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "请求参数错误: "+err.Error())
		return
	}

	l, err := s.lessons.Create(ctx, in)
	if err != nil {
		s.fail(c, err)
		return
	}

	if file != nil {
		if err := s.saveAudio(c, l.ID, file, ext); err != nil {
			// 音频没保存成功，不留下半成品课程
			if derr := s.lessons.Delete(context.WithoutCancel(ctx), l.ID); derr != nil {
				s.log.Warn("回滚课程失败", "lesson_id", l.ID, "error", derr)
			}
			s.fail(c, err)
			return
		}
		// 入队失败时课程已被置为 FAILED(QUEUE_UNAVAILABLE)，照常返回课程
		if _, err := s.lessons.BeginProcessing(ctx, l.ID); err != nil {
			s.log.Warn("课程创建后开始处理失败", "lesson_id", l.ID, "error", err)
		}
		if l, err = s.lessons.Lesson(ctx, l.ID); err != nil {
			s.fail(c, err)
			return
		}
	}

	c.JSON(http.StatusCreated, l)
}

func (s *Server) saveAudio(c *gin.Context, lessonID string, file *multipart.FileHeader, ext string) error {
	path := s.files.AudioPath(lessonID, ext)
	if err := c.SaveUploadedFile(file, path); err != nil {
		return err
	}
	if err := s.lessons.SetAudio(c.Request.Context(), lessonID, path); err != nil {
		return err
	}
	s.log.Info("课程音频已保存", "lesson_id", lessonID, "size_mb", float64(file.Size)/1024/1024)
	return nil
}

// handleListLessons 列表 / 搜索（?q=）
func (s *Server) handleListLessons(c *gin.Context) {
	lessons := s.lessons.Search(c.Query("q"))
	c.JSON(http.StatusOK, gin.H{
		"lessons": lessons,
		"total":   len(lessons),
	})
}

func (s *Server) handleGetLesson(c *gin.Context) {
	detail, err := s.lessons.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// handleLessonStatus 轮询接口
func (s *Server) handleLessonStatus(c *gin.Context) {
	view, err := s.lessons.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleReprocess(c *gin.Context) {
	l, err := s.lessons.Reprocess(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, l)
}

// SetTagsRequest 替换标签
type SetTagsRequest struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleSetTags(c *gin.Context) {
	var req SetTagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误: "+err.Error())
		return
	}
	tags, err := s.lessons.SetTags(c.Request.Context(), c.Param("id"), req.Tags)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

func (s *Server) handleDeleteLesson(c *gin.Context) {
	if err := s.lessons.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleUploadAudio 替换课程音频，默认随后重新处理（?process=false 跳过）
func (s *Server) handleUploadAudio(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	l, err := s.lessons.Lesson(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	// 处理中的音频文件正在被读取，不能覆盖
	if l.Status == models.LessonProcessing {
		s.fail(c, apperr.Conflict(apperr.ErrAlreadyProcessing, id))
		return
	}

	file, ext, ok := s.formFile(c, "audio", isValidAudioFormat)
	if !ok {
		return
	}
	if err := s.saveAudio(c, id, file, ext); err != nil {
		s.fail(c, err)
		return
	}

	if c.DefaultQuery("process", "true") != "false" {
		if l, err = s.lessons.BeginProcessing(ctx, id); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, l)
		return
	}

	if l, err = s.lessons.Lesson(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) handleLessonAudio(c *gin.Context) {
	l, err := s.lessons.Lesson(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if l.AudioPath == "" {
		s.fail(c, apperr.NotFound("课程音频", l.ID))
		return
	}
	c.File(l.AudioPath)
}

// handleSegmentClip 句子音频片段
func (s *Server) handleSegmentClip(c *gin.Context) {
	detail, err := s.lessons.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	segmentID := c.Param("segment_id")
	for _, seg := range detail.Segments {
		if seg.ID == segmentID && seg.ClipPath != "" {
			c.File(seg.ClipPath)
			return
		}
	}
	s.fail(c, apperr.NotFound("句子片段", segmentID))
}

type subtitleFormat struct {
	contentType string
	ext         string
	write       func(io.Writer, []models.SentenceSegment, bool) error
}

var (
	formatSRT = subtitleFormat{"application/x-subrip; charset=utf-8", ".srt", subtitle.WriteSRT}
	formatVTT = subtitleFormat{"text/vtt; charset=utf-8", ".vtt", subtitle.WriteVTT}
)

// handleSubtitles 导出字幕，?bilingual=true 附带译文
func (s *Server) handleSubtitles(f subtitleFormat) gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := s.lessons.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		if detail.Status != models.LessonReady {
			s.fail(c, apperr.InvalidTransition(detail.ID, detail.Status, "字幕导出"))
			return
		}

		var buf bytes.Buffer
		if err := f.write(&buf, detail.Segments, c.Query("bilingual") == "true"); err != nil {
			s.fail(c, err)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="`+detail.ID+f.ext+`"`)
		c.Data(http.StatusOK, f.contentType, buf.Bytes())
	}
}

// handleSearchTags 标签补全（?q=）
func (s *Server) handleSearchTags(c *gin.Context) {
	tags := s.lessons.SearchTags(c.Query("q"))
	c.JSON(http.StatusOK, gin.H{
		"tags":  tags,
		"total": len(tags),
	})
}
