package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/z-wentao/readrepeat/pkg/models"
)

// handleListRecordings 课程的全部录音；?segment_ids=a,b 时只取指定句子
func (s *Server) handleListRecordings(c *gin.Context) {
	recs := s.recordings.ForLesson(c.Param("id"))

	if ids := c.Query("segment_ids"); ids != "" {
		found, err := recs.BatchFetch(c.Request.Context(), strings.Split(ids, ","))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"recordings": found, "total": len(found)})
		return
	}

	all, err := recs.All(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if all == nil {
		all = []models.Recording{}
	}
	c.JSON(http.StatusOK, gin.H{"recordings": all, "total": len(all)})
}

// handlePutRecording 上传跟读录音，替换该句已有录音
func (s *Server) handlePutRecording(c *gin.Context) {
	file, ext, ok := s.formFile(c, "audio", isValidRecordingFormat)
	if !ok {
		return
	}

	src, err := file.Open()
	if err != nil {
		badRequest(c, "读取上传文件失败")
		return
	}
	defer src.Close()

	rec, err := s.recordings.ForLesson(c.Param("id")).SaveUpload(c.Request.Context(), c.Param("segment_id"), src, ext)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleGetRecording(c *gin.Context) {
	rec, err := s.recordings.ForLesson(c.Param("id")).Get(c.Request.Context(), c.Param("segment_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleRecordingAudio(c *gin.Context) {
	rec, err := s.recordings.ForLesson(c.Param("id")).Get(c.Request.Context(), c.Param("segment_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.File(rec.FilePath)
}

// handleDeleteRecording 幂等
func (s *Server) handleDeleteRecording(c *gin.Context) {
	if err := s.recordings.ForLesson(c.Param("id")).Remove(c.Request.Context(), c.Param("segment_id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
