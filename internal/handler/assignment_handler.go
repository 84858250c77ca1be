package handler

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/classhub/assignment-api/internal/dto"
	"github.com/classhub/assignment-api/internal/models"
	"github.com/classhub/assignment-api/internal/service"
	appErrors "github.com/classhub/assignment-api/pkg/errors"
	"github.com/classhub/assignment-api/pkg/response"
)

type assignmentService interface {
	Create(ctx context.Context, req dto.CreateAssignmentRequest, actor *models.JWTClaims) (*models.Assignment, error)
	Update(ctx context.Context, id string, patch dto.UpdateAssignmentRequest, actor *models.JWTClaims) (*models.Assignment, error)
	Publish(ctx context.Context, id string, actor *models.JWTClaims) (*models.Assignment, error)
	Close(ctx context.Context, id string, actor *models.JWTClaims) (*models.Assignment, error)
	Delete(ctx context.Context, id string, actor *models.JWTClaims) error
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Assignment, error)
	List(ctx context.Context, query dto.AssignmentQuery, actor *models.JWTClaims) (*service.AssignmentList, error)
}

type gradeExporter interface {
	ExportGrades(ctx context.Context, assignmentID string, format service.ExportFormat, actor *models.JWTClaims) (*service.ExportResult, error)
}

// AssignmentHandler manages assignment HTTP endpoints.
type AssignmentHandler struct {
	service assignmentService
	uploads *service.UploadService
	export  gradeExporter
}

// NewAssignmentHandler constructs the handler.
func NewAssignmentHandler(svc assignmentService, uploads *service.UploadService, export gradeExporter) *AssignmentHandler {
	return &AssignmentHandler{service: svc, uploads: uploads, export: export}
}

// Create godoc
// @Summary Create a draft assignment
// @Description Creates an assignment in DRAFT, optionally committing staged attachments in the same request. Attachment failures never roll back the assignment.
// @Tags Assignments
// @Accept multipart/form-data
// @Produce json
// @Param payload formData string true "Assignment JSON"
// @Param files formData file false "Instruction attachments (max 2)"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /assignments [post]
func (h *AssignmentHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	req, fileHeaders, err := h.bindCreate(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	// Stage attachments first so validation failures surface before the
	// assignment row exists.
	var batch *service.UploadBatch
	if len(fileHeaders) > 0 {
		if h.uploads == nil {
			response.Error(c, appErrors.Clone(appErrors.ErrInternal, "upload service not configured"))
			return
		}
		batch = h.uploads.NewBatch()
		for _, header := range fileHeaders {
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
	}

	assignment, err := h.service.Create(c.Request.Context(), *req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	result := dto.AssignmentWithReport{Assignment: assignment}
	if batch != nil {
		report, commitErr := h.uploads.Commit(c.Request.Context(), assignment.ID, batch, claims)
		if commitErr != nil {
			response.Error(c, commitErr)
			return
		}
		result.Uploads = report
	}
	response.JSON(c, http.StatusCreated, result, nil)
}

// bindCreate accepts either a JSON body or a multipart form with a "payload"
// JSON field plus "files" parts.
func (h *AssignmentHandler) bindCreate(c *gin.Context) (*dto.CreateAssignmentRequest, []*multipart.FileHeader, error) {
	var req dto.CreateAssignmentRequest
	contentType := c.ContentType()
	if !strings.HasPrefix(contentType, "multipart/") {
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, nil, appErrors.Clone(appErrors.ErrValidation, "invalid assignment payload")
		}
		return &req, nil, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "invalid multipart form")
	}
	payloads := form.Value["payload"]
	if len(payloads) == 0 {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "payload field is required")
	}
	if err := json.Unmarshal([]byte(payloads[0]), &req); err != nil {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "invalid assignment payload")
	}
	return &req, form.File["files"], nil
}

// Update godoc
// @Summary Update a draft assignment
// @Tags Assignments
// @Accept json
// @Produce json
// @Param id path string true "Assignment ID"
// @Param payload body dto.UpdateAssignmentRequest true "Field patch"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /assignments/{id} [patch]
func (h *AssignmentHandler) Update(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var patch dto.UpdateAssignmentRequest
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid assignment patch"))
		return
	}
	updated, err := h.service.Update(c.Request.Context(), c.Param("id"), patch, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, updated, nil)
}

// Publish godoc
// @Summary Publish an assignment
// @Description Transitions DRAFT to PUBLISHED. Any other current status is rejected with ILLEGAL_TRANSITION.
// @Tags Assignments
// @Produce json
// @Param id path string true "Assignment ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /assignments/{id}/publish [post]
func (h *AssignmentHandler) Publish(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	published, err := h.service.Publish(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, published, nil)
}

// Close godoc
// @Summary Close an assignment
// @Description Transitions PUBLISHED to CLOSED. Closing before the due date is legal.
// @Tags Assignments
// @Produce json
// @Param id path string true "Assignment ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /assignments/{id}/close [post]
func (h *AssignmentHandler) Close(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	closed, err := h.service.Close(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, closed, nil)
}

// Delete godoc
// @Summary Delete a draft assignment
// @Tags Assignments
// @Produce json
// @Param id path string true "Assignment ID"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /assignments/{id} [delete]
func (h *AssignmentHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), claims); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Get godoc
// @Summary Get an assignment
// @Tags Assignments
// @Produce json
// @Param id path string true "Assignment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /assignments/{id} [get]
func (h *AssignmentHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	assignment, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, assignment, nil)
}

// List godoc
// @Summary List assignments
// @Tags Assignments
// @Produce json
// @Param class_id query string false "Class filter"
// @Param status query string false "Status filter"
// @Param search query string false "Title search"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /assignments [get]
func (h *AssignmentHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var query dto.AssignmentQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid query parameters"))
		return
	}
	list, err := h.service.List(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, list.Items, &list.Pagination)
}

// ExportGrades godoc
// @Summary Export the grade sheet
// @Tags Assignments
// @Produce text/csv
// @Param id path string true "Assignment ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} binary
// @Failure 409 {object} response.Envelope
// @Router /assignments/{id}/grades/export [get]
func (h *AssignmentHandler) ExportGrades(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if h.export == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "export service not configured"))
		return
	}
	format := service.ExportFormat(strings.ToLower(c.DefaultQuery("format", "csv")))
	result, err := h.export.ExportGrades(c.Request.Context(), c.Param("id"), format, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	c.Data(http.StatusOK, result.ContentType, result.Content)
}

func stagedFromHeader(header *multipart.FileHeader) (service.StagedFile, error) {
	src, err := header.Open()
	if err != nil {
		return service.StagedFile{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file")
	}
	defer src.Close()
	content, err := io.ReadAll(src)
	if err != nil {
		return service.StagedFile{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to buffer file")
	}
	return service.StagedFile{
		FileName:  header.Filename,
		SizeBytes: header.Size,
		MimeType:  header.Header.Get("Content-Type"),
		Content:   content,
	}, nil
}
