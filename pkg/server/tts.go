package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/z-wentao/readrepeat/pkg/tts"
)

// handleGenerateTTS 提交语音合成任务，立即返回任务 ID
func (s *Server) handleGenerateTTS(c *gin.Context) {
	var req tts.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误: "+err.Error())
		return
	}
	req.LessonID = c.Param("id")

	job, err := s.tts.Generate(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  job.ID,
		"message": "合成任务已提交",
	})
}

func (s *Server) handleGetTTSJob(c *gin.Context) {
	job, err := s.tts.Job(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleLessonTTSJobs(c *gin.Context) {
	jobs, err := s.tts.LessonJobs(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

func (s *Server) handleTTSProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.tts.Providers()})
}
