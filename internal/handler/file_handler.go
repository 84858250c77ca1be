package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/classhub/assignment-api/internal/service"
	appErrors "github.com/classhub/assignment-api/pkg/errors"
	"github.com/classhub/assignment-api/pkg/response"
)

// FileHandler manages attachment HTTP endpoints.
type FileHandler struct {
	uploads *service.UploadService
}

// NewFileHandler constructs the handler.
func NewFileHandler(uploads *service.UploadService) *FileHandler {
	return &FileHandler{uploads: uploads}
}

// Upload godoc
// @Summary Upload instruction attachments to an existing assignment
// @Description Validates and commits a batch; each file succeeds or fails independently and the response reports the batch outcome.
// @Tags Files
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Assignment ID"
// @Param files formData file true "Attachments (cap includes already persisted files)"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /assignments/{id}/files [post]
func (h *FileHandler) Upload(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	assignmentID := c.Param("id")

	form, err := c.MultipartForm()
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid multipart form"))
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "at least one file is required"))
		return
	}

	batch, err := h.uploads.NewBatchFor(c.Request.Context(), assignmentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	for _, header := range headers {
		staged, stageErr := stagedFromHeader(header)
		if stageErr != nil {
			response.Error(c, stageErr)
			return
		}
		if stageErr := h.uploads.Stage(batch, staged); stageErr != nil {
			response.Error(c, stageErr)
			return
		}
	}

	report, err := h.uploads.Commit(c.Request.Context(), assignmentID, batch, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// List godoc
// @Summary List instruction attachments
// @Tags Files
// @Produce json
// @Param id path string true "Assignment ID"
// @Success 200 {object} response.Envelope
// @Router /assignments/{id}/files [get]
func (h *FileHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	files, err := h.uploads.ListFiles(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, files, nil)
}

// GetDownloadURL godoc
// @Summary Get a signed download URL for a file
// @Tags Files
// @Produce json
// @Param id path string true "File ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /files/{id}/url [get]
func (h *FileHandler) GetDownloadURL(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	url, err := h.uploads.GetDownloadURL(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"download_url": url}, nil)
}

// Download godoc
// @Summary Download a file via signed token
// @Tags Files
// @Produce octet-stream
// @Param id path string true "File ID"
// @Param token query string true "Signed token"
// @Success 200 {file} binary
// @Failure 403 {object} response.Envelope
// @Router /files/{id}/download [get]
func (h *FileHandler) Download(c *gin.Context) {
	token := c.Query("token")
	if strings.TrimSpace(token) == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	result, err := h.uploads.Download(c.Request.Context(), c.Param("id"), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer result.File.Close() //nolint:errcheck
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, result.SizeBytes, result.MimeType, result.File, nil)
}

// Delete godoc
// @Summary Delete an attachment
// @Description Deletion is immediate and not staged.
// @Tags Files
// @Produce json
// @Param id path string true "File ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /files/{id} [delete]
func (h *FileHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.uploads.DeleteFile(c.Request.Context(), c.Param("id"), claims); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
