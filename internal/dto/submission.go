package dto

// CreateSubmissionRequest carries a student's attempt payload. Exactly one of
// the text content or an uploaded file is expected depending on the
// assignment's submission type.
type CreateSubmissionRequest struct {
	TextContent *string `json:"text_content,omitempty" form:"text_content"`
}

// GradeSubmissionRequest carries a teacher's grading decision.
type GradeSubmissionRequest struct {
	Score        float64 `json:"score" validate:"min=0"`
	Feedback     *string `json:"feedback,omitempty" validate:"omitempty,max=10000"`
	PrivateNotes *string `json:"private_notes,omitempty" validate:"omitempty,max=10000"`
}

// SubmissionQuery captures list filters from the query string.
type SubmissionQuery struct {
	State    string `form:"state"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}
