package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jobvault/jobvault/pkg/queue"
)

const defaultCleanRetention = 24 * time.Hour

func (s *Server) handleEnqueue(c *gin.Context) {
	var req queue.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = c.GetString(requestIDKey)
	}

	job, err := s.provider.Enqueue(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.provider.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type reserveRequest struct {
	WorkerID string `json:"workerId"`
}

func (s *Server) handleReserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	job, err := s.provider.Reserve(c.Request.Context(), req.WorkerID)
	if err != nil {
		writeError(c, err)
		return
	}
	if job == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, job)
}

type heartbeatRequest struct {
	WorkerID string `json:"workerId"`
	// Progress is optional; nil leaves the stored value unchanged.
	Progress *int `json:"progress,omitempty"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	progress := -1
	if req.Progress != nil {
		progress = *req.Progress
	}
	if err := s.provider.Heartbeat(c.Request.Context(), c.Param("id"), req.WorkerID, progress); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type completeRequest struct {
	WorkerID string          `json:"workerId"`
	Result   json.RawMessage `json:"result,omitempty"`
}

func (s *Server) handleComplete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	if err := s.provider.Complete(c.Request.Context(), c.Param("id"), req.WorkerID, req.Result); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type failRequest struct {
	WorkerID string `json:"workerId"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func (s *Server) handleFail(c *gin.Context) {
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Code == "" {
		req.Code = "HANDLER_ERROR"
	}

	err := s.provider.Fail(c.Request.Context(), c.Param("id"), req.WorkerID, queue.JobError{
		Code:    req.Code,
		Message: req.Message,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.provider.GetStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleClean(c *gin.Context) {
	retention := defaultCleanRetention
	if raw := c.Query("older_than_seconds"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeBadRequest(c, "invalid older_than_seconds value: "+err.Error())
			return
		}
		retention = time.Duration(seconds) * time.Second
	}

	removed, err := s.provider.CleanOldJobs(c.Request.Context(), retention)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
