package models

import "time"

// GradingState tracks whether a submission has been graded.
type GradingState string

const (
	GradingStateNotGraded GradingState = "NOT_GRADED"
	GradingStateGraded    GradingState = "GRADED"
)

// Submission is one student's attempt against a published assignment.
type Submission struct {
	ID            string       `db:"id" json:"id"`
	AssignmentID  string       `db:"assignment_id" json:"assignment_id"`
	StudentID     string       `db:"student_id" json:"student_id"`
	AttemptNumber int          `db:"attempt_number" json:"attempt_number"`
	IsLate        bool         `db:"is_late" json:"is_late"`
	TextContent   *string      `db:"text_content" json:"text_content,omitempty"`
	FileID        *string      `db:"file_id" json:"file_id,omitempty"`
	State         GradingState `db:"state" json:"state"`

	Score          *float64   `db:"score" json:"score,omitempty"`
	EffectiveScore *float64   `db:"effective_score" json:"effective_score,omitempty"`
	Feedback       *string    `db:"feedback" json:"feedback,omitempty"`
	PrivateNotes   *string    `db:"private_notes" json:"-"`
	GradedBy       *string    `db:"graded_by" json:"graded_by,omitempty"`
	GradedAt       *time.Time `db:"graded_at" json:"graded_at,omitempty"`

	SubmittedAt     time.Time  `db:"submitted_at" json:"submitted_at"`
	PayloadPurgedAt *time.Time `db:"payload_purged_at" json:"payload_purged_at,omitempty"`
}

// SubmissionFilter constrains submission listing queries.
type SubmissionFilter struct {
	AssignmentID string
	StudentID    string
	State        GradingState
	Page         int
	PageSize     int
}
