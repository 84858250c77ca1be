package models

import (
	"time"

	"github.com/lib/pq"
)

// AssignmentStatus captures the assignment lifecycle. Transitions are
// monotonic: DRAFT -> PUBLISHED -> CLOSED, never skipping or reversing.
type AssignmentStatus string

const (
	AssignmentStatusDraft     AssignmentStatus = "DRAFT"
	AssignmentStatusPublished AssignmentStatus = "PUBLISHED"
	AssignmentStatusClosed    AssignmentStatus = "CLOSED"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentStatusDraft, AssignmentStatusPublished, AssignmentStatusClosed:
		return true
	}
	return false
}

// SubmissionType enumerates how students answer an assignment.
type SubmissionType string

const (
	SubmissionTypeFile SubmissionType = "FILE"
	SubmissionTypeText SubmissionType = "TEXT"
)

// RetentionPeriod enumerates how long payloads are kept after close.
type RetentionPeriod string

const (
	Retention7Days   RetentionPeriod = "7d"
	Retention30Days  RetentionPeriod = "30d"
	Retention90Days  RetentionPeriod = "90d"
	Retention180Days RetentionPeriod = "180d"
	Retention365Days RetentionPeriod = "365d"
	RetentionNever   RetentionPeriod = "never"
)

// Duration resolves the retention window. ok is false for "never" or empty.
func (p RetentionPeriod) Duration() (time.Duration, bool) {
	switch p {
	case Retention7Days:
		return 7 * 24 * time.Hour, true
	case Retention30Days:
		return 30 * 24 * time.Hour, true
	case Retention90Days:
		return 90 * 24 * time.Hour, true
	case Retention180Days:
		return 180 * 24 * time.Hour, true
	case Retention365Days:
		return 365 * 24 * time.Hour, true
	}
	return 0, false
}

// Assignment represents one unit of work issued by a teacher to a class.
type Assignment struct {
	ID          string           `db:"id" json:"id"`
	TeacherID   string           `db:"teacher_id" json:"teacher_id"`
	ClassID     string           `db:"class_id" json:"class_id"`
	Title       string           `db:"title" json:"title"`
	Description string           `db:"description" json:"description"`
	Status      AssignmentStatus `db:"status" json:"status"`

	DueDate   time.Time  `db:"due_date" json:"due_date"`
	PublishAt *time.Time `db:"publish_at" json:"publish_at,omitempty"`
	CloseDate *time.Time `db:"close_date" json:"close_date,omitempty"`

	SubmissionType        SubmissionType `db:"submission_type" json:"submission_type"`
	MaxFileSizeMB         int            `db:"max_file_size_mb" json:"max_file_size_mb"`
	AllowedExtensions     pq.StringArray `db:"allowed_extensions" json:"allowed_extensions"`
	MaxSubmissions        int            `db:"max_submissions" json:"max_submissions"`
	AllowLateSubmission   bool           `db:"allow_late_submission" json:"allow_late_submission"`
	LatePenaltyPercentage int            `db:"late_penalty_percentage" json:"late_penalty_percentage"`

	MaxScore             int     `db:"max_score" json:"max_score"`
	GradingRubric        *string `db:"grading_rubric" json:"grading_rubric,omitempty"`
	ShowRubricToStudents bool    `db:"show_rubric_to_students" json:"show_rubric_to_students"`

	CleanSubmissionsAfter  RetentionPeriod `db:"clean_submissions_after" json:"clean_submissions_after"`
	CleanInstructionsAfter RetentionPeriod `db:"clean_instructions_after" json:"clean_instructions_after"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	PublishedAt *time.Time `db:"published_at" json:"published_at,omitempty"`
	ClosedAt    *time.Time `db:"closed_at" json:"closed_at,omitempty"`
}

// CanEdit reports whether field edits are legal.
func (a *Assignment) CanEdit() bool { return a.Status == AssignmentStatusDraft }

// CanPublish reports whether a DRAFT -> PUBLISHED transition is legal.
func (a *Assignment) CanPublish() bool { return a.Status == AssignmentStatusDraft }

// CanClose reports whether a PUBLISHED -> CLOSED transition is legal.
func (a *Assignment) CanClose() bool { return a.Status == AssignmentStatusPublished }

// CanDelete reports whether deletion is legal.
func (a *Assignment) CanDelete() bool { return a.Status == AssignmentStatusDraft }

// AssignmentFilter constrains listing queries.
type AssignmentFilter struct {
	TeacherID string
	ClassID   string
	Status    []AssignmentStatus
	Search    string
	Page      int
	PageSize  int
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
