package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/classhub/assignment-api/internal/dto"
	"github.com/classhub/assignment-api/internal/service"
	appErrors "github.com/classhub/assignment-api/pkg/errors"
	"github.com/classhub/assignment-api/pkg/response"
)

// SubmissionHandler manages submission HTTP endpoints.
type SubmissionHandler struct {
	service *service.SubmissionService
}

// NewSubmissionHandler constructs the handler.
func NewSubmissionHandler(svc *service.SubmissionService) *SubmissionHandler {
	return &SubmissionHandler{service: svc}
}

// Submit godoc
// @Summary Submit an attempt against a published assignment
// @Tags Submissions
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Assignment ID"
// @Param text_content formData string false "Answer text (TEXT assignments)"
// @Param file formData file false "Answer file (FILE assignments)"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /assignments/{id}/submissions [post]
func (h *SubmissionHandler) Submit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.CreateSubmissionRequest
	var file *service.StagedFile

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if text := c.PostForm("text_content"); text != "" {
			req.TextContent = &text
		}
		if header, err := c.FormFile("file"); err == nil {
			staged, stageErr := stagedFromHeader(header)
			if stageErr != nil {
				response.Error(c, stageErr)
				return
			}
			file = &staged
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid submission payload"))
		return
	}

	created, err := h.service.Submit(c.Request.Context(), c.Param("id"), req, file, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, created, nil)
}

// Grade godoc
// @Summary Grade a submission
// @Description Records score and feedback; late submissions get the assignment's penalty applied to the effective score.
// @Tags Submissions
// @Accept json
// @Produce json
// @Param id path string true "Submission ID"
// @Param payload body dto.GradeSubmissionRequest true "Grading decision"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /submissions/{id}/grade [post]
func (h *SubmissionHandler) Grade(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.GradeSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid grading payload"))
		return
	}
	graded, err := h.service.Grade(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, graded, nil)
}

// Get godoc
// @Summary Get a submission
// @Tags Submissions
// @Produce json
// @Param id path string true "Submission ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /submissions/{id} [get]
func (h *SubmissionHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	submission, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, submission, nil)
}

// List godoc
// @Summary List submissions for an assignment
// @Tags Submissions
// @Produce json
// @Param id path string true "Assignment ID"
// @Param state query string false "Grading state filter"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /assignments/{id}/submissions [get]
func (h *SubmissionHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var query dto.SubmissionQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid query parameters"))
		return
	}
	submissions, err := h.service.List(c.Request.Context(), c.Param("id"), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, submissions, nil)
}
