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

const assignmentColumns = `id, teacher_id, class_id, title, description, status,
       due_date, publish_at, close_date,
       submission_type, max_file_size_mb, allowed_extensions, max_submissions,
       allow_late_submission, late_penalty_percentage,
       max_score, grading_rubric, show_rubric_to_students,
       clean_submissions_after, clean_instructions_after,
       created_at, updated_at, published_at, closed_at`

// AssignmentRepository persists assignment records.
type AssignmentRepository struct {
	db *sqlx.DB
}

// NewAssignmentRepository constructs the repository.
func NewAssignmentRepository(db *sqlx.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// Create inserts a new assignment row. New assignments always start as DRAFT.
func (r *AssignmentRepository) Create(ctx context.Context, a *models.Assignment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.AssignmentStatusDraft
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	const query = `INSERT INTO assignments
	(id, teacher_id, class_id, title, description, status,
	 due_date, publish_at, close_date,
	 submission_type, max_file_size_mb, allowed_extensions, max_submissions,
	 allow_late_submission, late_penalty_percentage,
	 max_score, grading_rubric, show_rubric_to_students,
	 clean_submissions_after, clean_instructions_after,
	 created_at, updated_at, published_at, closed_at)
	VALUES (:id, :teacher_id, :class_id, :title, :description, :status,
	 :due_date, :publish_at, :close_date,
	 :submission_type, :max_file_size_mb, :allowed_extensions, :max_submissions,
	 :allow_late_submission, :late_penalty_percentage,
	 :max_score, :grading_rubric, :show_rubric_to_students,
	 :clean_submissions_after, :clean_instructions_after,
	 :created_at, :updated_at, :published_at, :closed_at)`
	if _, err := r.db.NamedExecContext(ctx, query, a); err != nil {
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

// GetByID fetches an assignment by identifier.
func (r *AssignmentRepository) GetByID(ctx context.Context, id string) (*models.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE id = $1`
	var a models.Assignment
	if err := r.db.GetContext(ctx, &a, query, id); err != nil {
		return nil, err
	}
	return &a, nil
}

// List returns assignments matching the filter (newest first) plus the total count.
func (r *AssignmentRepository) List(ctx context.Context, filter models.AssignmentFilter) ([]models.Assignment, int, error) {
	conditions := make([]string, 0, 4)
	args := make([]interface{}, 0, 6)

	if filter.TeacherID != "" {
		args = append(args, filter.TeacherID)
		conditions = append(conditions, fmt.Sprintf("teacher_id = $%d", len(args)))
	}
	if filter.ClassID != "" {
		args = append(args, filter.ClassID)
		conditions = append(conditions, fmt.Sprintf("class_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		conditions = append(conditions, fmt.Sprintf("title ILIKE $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM assignments"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count assignments: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	query := `SELECT ` + assignmentColumns + ` FROM assignments` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", pageSize, (page-1)*pageSize)

	var assignments []models.Assignment
	if err := r.db.SelectContext(ctx, &assignments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list assignments: %w", err)
	}
	return assignments, total, nil
}

// Update rewrites the mutable columns of a draft assignment.
func (r *AssignmentRepository) Update(ctx context.Context, a *models.Assignment) error {
	a.UpdatedAt = time.Now().UTC()
	const query = `UPDATE assignments SET
	 title = :title, description = :description,
	 due_date = :due_date, publish_at = :publish_at, close_date = :close_date,
	 submission_type = :submission_type, max_file_size_mb = :max_file_size_mb,
	 allowed_extensions = :allowed_extensions, max_submissions = :max_submissions,
	 allow_late_submission = :allow_late_submission, late_penalty_percentage = :late_penalty_percentage,
	 max_score = :max_score, grading_rubric = :grading_rubric, show_rubric_to_students = :show_rubric_to_students,
	 clean_submissions_after = :clean_submissions_after, clean_instructions_after = :clean_instructions_after,
	 updated_at = :updated_at
	WHERE id = :id AND status = 'DRAFT'`
	result, err := r.db.NamedExecContext(ctx, query, a)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateStatusIfCurrent performs a guarded status transition. It returns
// sql.ErrNoRows when the row is missing or no longer in the expected status,
// which makes the transition a serialization point for concurrent callers.
func (r *AssignmentRepository) UpdateStatusIfCurrent(ctx context.Context, id string, from, to models.AssignmentStatus, at time.Time) error {
	var tsColumn string
	switch to {
	case models.AssignmentStatusPublished:
		tsColumn = "published_at"
	case models.AssignmentStatusClosed:
		tsColumn = "closed_at"
	default:
		return fmt.Errorf("unsupported transition target %q", to)
	}
	query := fmt.Sprintf(`UPDATE assignments SET status = $1, %s = $2, updated_at = $2 WHERE id = $3 AND status = $4`, tsColumn)
	result, err := r.db.ExecContext(ctx, query, to, at, id, from)
	if err != nil {
		return fmt.Errorf("transition assignment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition assignment: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes a draft assignment. Returns sql.ErrNoRows when the row is
// missing or no longer a draft.
func (r *AssignmentRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM assignments WHERE id = $1 AND status = 'DRAFT'`, id)
	if err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListClosedBefore returns closed assignments whose close timestamp precedes
// the cutoff. Used by the retention sweeper.
func (r *AssignmentRepository) ListClosedBefore(ctx context.Context, cutoff time.Time) ([]models.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE status = 'CLOSED' AND closed_at IS NOT NULL AND closed_at < $1`
	var assignments []models.Assignment
	if err := r.db.SelectContext(ctx, &assignments, query, cutoff); err != nil {
		return nil, fmt.Errorf("list closed assignments: %w", err)
	}
	return assignments, nil
}
