package models

import "time"

// FilePurpose distinguishes instruction attachments from submission payloads.
type FilePurpose string

const (
	FilePurposeInstruction FilePurpose = "INSTRUCTION"
	FilePurposeSubmission  FilePurpose = "SUBMISSION"
)

// StoredFile is the metadata record for a persisted attachment.
type StoredFile struct {
	ID           string      `db:"id" json:"id"`
	AssignmentID string      `db:"assignment_id" json:"assignment_id"`
	SubmissionID *string     `db:"submission_id" json:"submission_id,omitempty"`
	Purpose      FilePurpose `db:"purpose" json:"purpose"`
	FileName     string      `db:"file_name" json:"file_name"`
	FilePath     string      `db:"file_path" json:"-"`
	MimeType     string      `db:"mime_type" json:"mime_type"`
	SizeBytes    int64       `db:"size_bytes" json:"size_bytes"`
	UploadedBy   string      `db:"uploaded_by" json:"uploaded_by"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
}
