package dto

import (
	"time"

	"github.com/classhub/assignment-api/internal/models"
)

// CreateAssignmentRequest carries the fields for a new draft assignment.
type CreateAssignmentRequest struct {
	Title       string `json:"title" validate:"required,min=3,max=255"`
	Description string `json:"description" validate:"max=10000"`
	ClassID     string `json:"class_id" validate:"required"`

	DueDate   time.Time  `json:"due_date" validate:"required"`
	PublishAt *time.Time `json:"publish_at,omitempty"`
	CloseDate *time.Time `json:"close_date,omitempty"`

	SubmissionType        models.SubmissionType `json:"submission_type" validate:"required,oneof=FILE TEXT"`
	MaxFileSizeMB         int                   `json:"max_file_size_mb" validate:"omitempty,min=1,max=100"`
	AllowedExtensions     []string              `json:"allowed_extensions,omitempty"`
	MaxSubmissions        int                   `json:"max_submissions" validate:"required,min=1,max=10"`
	AllowLateSubmission   bool                  `json:"allow_late_submission"`
	LatePenaltyPercentage int                   `json:"late_penalty_percentage" validate:"min=0,max=100"`

	MaxScore             int     `json:"max_score" validate:"required,min=1,max=10000"`
	GradingRubric        *string `json:"grading_rubric,omitempty"`
	ShowRubricToStudents bool    `json:"show_rubric_to_students"`

	CleanSubmissionsAfter  models.RetentionPeriod `json:"clean_submissions_after" validate:"omitempty,oneof=7d 30d 90d 180d 365d never"`
	CleanInstructionsAfter models.RetentionPeriod `json:"clean_instructions_after" validate:"omitempty,oneof=7d 30d 90d 180d 365d never"`
}

// UpdateAssignmentRequest is a partial patch; nil fields are left unchanged.
// Edits are only legal while the assignment is in DRAFT.
type UpdateAssignmentRequest struct {
	Title       *string `json:"title,omitempty" validate:"omitempty,min=3,max=255"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=10000"`

	DueDate   *time.Time `json:"due_date,omitempty"`
	PublishAt *time.Time `json:"publish_at,omitempty"`
	CloseDate *time.Time `json:"close_date,omitempty"`

	SubmissionType        *models.SubmissionType `json:"submission_type,omitempty" validate:"omitempty,oneof=FILE TEXT"`
	MaxFileSizeMB         *int                   `json:"max_file_size_mb,omitempty" validate:"omitempty,min=1,max=100"`
	AllowedExtensions     []string               `json:"allowed_extensions,omitempty"`
	MaxSubmissions        *int                   `json:"max_submissions,omitempty" validate:"omitempty,min=1,max=10"`
	AllowLateSubmission   *bool                  `json:"allow_late_submission,omitempty"`
	LatePenaltyPercentage *int                   `json:"late_penalty_percentage,omitempty" validate:"omitempty,min=0,max=100"`

	MaxScore             *int    `json:"max_score,omitempty" validate:"omitempty,min=1,max=10000"`
	GradingRubric        *string `json:"grading_rubric,omitempty"`
	ShowRubricToStudents *bool   `json:"show_rubric_to_students,omitempty"`

	CleanSubmissionsAfter  *models.RetentionPeriod `json:"clean_submissions_after,omitempty" validate:"omitempty,oneof=7d 30d 90d 180d 365d never"`
	CleanInstructionsAfter *models.RetentionPeriod `json:"clean_instructions_after,omitempty" validate:"omitempty,oneof=7d 30d 90d 180d 365d never"`
}

// AssignmentQuery captures list filters from the query string.
type AssignmentQuery struct {
	ClassID  string `form:"class_id"`
	Status   string `form:"status"`
	Search   string `form:"search"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

// AssignmentWithReport pairs a created assignment with its attachment batch
// outcome so a single response covers both.
type AssignmentWithReport struct {
	Assignment *models.Assignment `json:"assignment"`
	Uploads    interface{}        `json:"uploads,omitempty"`
}
