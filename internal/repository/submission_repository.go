package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/classhub/assignment-api/internal/models"
)

const submissionColumns = `id, assignment_id, student_id, attempt_number, is_late, text_content, file_id, state,
       score, effective_score, feedback, private_notes, graded_by, graded_at,
       submitted_at, payload_purged_at`

// SubmissionRepository persists student submissions.
type SubmissionRepository struct {
	db *sqlx.DB
}

// NewSubmissionRepository constructs the repository.
func NewSubmissionRepository(db *sqlx.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// Create inserts a new submission row.
func (r *SubmissionRepository) Create(ctx context.Context, s *models.Submission) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.State == "" {
		s.State = models.GradingStateNotGraded
	}
	if s.SubmittedAt.IsZero() {
		s.SubmittedAt = time.Now().UTC()
	}
	const query = `INSERT INTO submissions
	(id, assignment_id, student_id, attempt_number, is_late, text_content, file_id, state,
	 score, effective_score, feedback, private_notes, graded_by, graded_at,
	 submitted_at, payload_purged_at)
	VALUES (:id, :assignment_id, :student_id, :attempt_number, :is_late, :text_content, :file_id, :state,
	 :score, :effective_score, :feedback, :private_notes, :graded_by, :graded_at,
	 :submitted_at, :payload_purged_at)`
	if _, err := r.db.NamedExecContext(ctx, query, s); err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

// GetByID fetches a submission by identifier.
func (r *SubmissionRepository) GetByID(ctx context.Context, id string) (*models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`
	var s models.Submission
	if err := r.db.GetContext(ctx, &s, query, id); err != nil {
		return nil, err
	}
	return &s, nil
}

// CountByStudent returns how many attempts a student has made against an
// assignment. The service derives the next attempt number from it.
func (r *SubmissionRepository) CountByStudent(ctx context.Context, assignmentID, studentID string) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM submissions WHERE assignment_id = $1 AND student_id = $2`, assignmentID, studentID); err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return count, nil
}

// List returns submissions matching the filter (latest first).
func (r *SubmissionRepository) List(ctx context.Context, filter models.SubmissionFilter) ([]models.Submission, error) {
	conditions := make([]string, 0, 3)
	args := make([]interface{}, 0, 3)

	if filter.AssignmentID != "" {
		args = append(args, filter.AssignmentID)
		conditions = append(conditions, fmt.Sprintf("assignment_id = $%d", len(args)))
	}
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, filter.State)
		conditions = append(conditions, fmt.Sprintf("state = $%d", len(args)))
	}

	query := `SELECT ` + submissionColumns + ` FROM submissions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY submitted_at DESC"

	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", pageSize, (page-1)*pageSize)

	var submissions []models.Submission
	if err := r.db.SelectContext(ctx, &submissions, query, args...); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return submissions, nil
}

// GradeParams groups the columns written by a grading operation.
type GradeParams struct {
	ID             string
	Score          float64
	EffectiveScore float64
	Feedback       *string
	PrivateNotes   *string
	GradedBy       string
	GradedAt       time.Time
}

// Grade records a grading decision. Returns sql.ErrNoRows when the submission
// does not exist.
func (r *SubmissionRepository) Grade(ctx context.Context, params GradeParams) error {
	const query = `UPDATE submissions SET state = 'GRADED', score = $1, effective_score = $2,
	 feedback = $3, private_notes = $4, graded_by = $5, graded_at = $6
	WHERE id = $7`
	result, err := r.db.ExecContext(ctx, query, params.Score, params.EffectiveScore, params.Feedback, params.PrivateNotes, params.GradedBy, params.GradedAt, params.ID)
	if err != nil {
		return fmt.Errorf("grade submission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("grade submission: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// PurgePayloads blanks submission text payloads for an assignment and stamps
// the purge time. Grading results survive a purge.
func (r *SubmissionRepository) PurgePayloads(ctx context.Context, assignmentID string, at time.Time) (int64, error) {
	const query = `UPDATE submissions SET text_content = NULL, payload_purged_at = $1
	WHERE assignment_id = $2 AND payload_purged_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, at, assignmentID)
	if err != nil {
		return 0, fmt.Errorf("purge submissions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge submissions: %w", err)
	}
	return affected, nil
}
