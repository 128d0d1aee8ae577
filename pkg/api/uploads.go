package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jobvault/jobvault/pkg/storage/s3"
)

type signedUploadRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType,omitempty"`
}

func (s *Server) handleSignedUpload(c *gin.Context) {
	var req signedUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	url, err := s.payloads.SignedUploadURL(c.Request.Context(), req.Key, req.ContentType)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key, "url": url})
}

func (s *Server) handleSignedRead(c *gin.Context) {
	key := c.Param("key")
	url, err := s.payloads.SignedReadURL(c.Request.Context(), key)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "url": url})
}

func (s *Server) handleInitResumable(c *gin.Context) {
	var req signedUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	upload, err := s.payloads.InitResumableUpload(c.Request.Context(), req.Key, req.ContentType)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusCreated, upload)
}

type resumablePartRequest struct {
	Key        string `json:"key"`
	UploadID   string `json:"uploadId"`
	PartNumber int32  `json:"partNumber"`
}

func (s *Server) handleResumablePart(c *gin.Context) {
	var req resumablePartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	url, err := s.payloads.ResumablePartURL(c.Request.Context(),
		s3.ResumableUpload{Key: req.Key, UploadID: req.UploadID}, req.PartNumber)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"partNumber": req.PartNumber, "url": url})
}

type completeResumableRequest struct {
	Key      string            `json:"key"`
	UploadID string            `json:"uploadId"`
	Parts    []s3.UploadedPart `json:"parts"`
}

func (s *Server) handleCompleteResumable(c *gin.Context) {
	var req completeResumableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	err := s.payloads.CompleteResumableUpload(c.Request.Context(),
		s3.ResumableUpload{Key: req.Key, UploadID: req.UploadID}, req.Parts)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

type abortResumableRequest struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

func (s *Server) handleAbortResumable(c *gin.Context) {
	var req abortResumableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	err := s.payloads.AbortResumableUpload(c.Request.Context(),
		s3.ResumableUpload{Key: req.Key, UploadID: req.UploadID})
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}
