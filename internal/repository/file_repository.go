package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/classhub/assignment-api/internal/models"
)

const fileColumns = `id, assignment_id, submission_id, purpose, file_name, file_path, mime_type, size_bytes, uploaded_by, created_at`

// FileRepository persists attachment metadata.
type FileRepository struct {
	db *sqlx.DB
}

// NewFileRepository constructs the repository.
func NewFileRepository(db *sqlx.DB) *FileRepository {
	return &FileRepository{db: db}
}

// Create inserts a new file metadata row.
func (r *FileRepository) Create(ctx context.Context, f *models.StoredFile) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO files
	(id, assignment_id, submission_id, purpose, file_name, file_path, mime_type, size_bytes, uploaded_by, created_at)
	VALUES (:id, :assignment_id, :submission_id, :purpose, :file_name, :file_path, :mime_type, :size_bytes, :uploaded_by, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, f); err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	return nil
}

// GetByID fetches file metadata by identifier.
func (r *FileRepository) GetByID(ctx context.Context, id string) (*models.StoredFile, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`
	var f models.StoredFile
	if err := r.db.GetContext(ctx, &f, query, id); err != nil {
		return nil, err
	}
	return &f, nil
}

// ListByAssignment returns files for an assignment filtered by purpose
// (oldest first, matching upload order).
func (r *FileRepository) ListByAssignment(ctx context.Context, assignmentID string, purpose models.FilePurpose) ([]models.StoredFile, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE assignment_id = $1 AND purpose = $2 ORDER BY created_at ASC`
	var files []models.StoredFile
	if err := r.db.SelectContext(ctx, &files, query, assignmentID, purpose); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// CountByAssignment returns the number of persisted files for an assignment
// and purpose. The upload coordinator uses this to enforce the attachment cap.
func (r *FileRepository) CountByAssignment(ctx context.Context, assignmentID string, purpose models.FilePurpose) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM files WHERE assignment_id = $1 AND purpose = $2`, assignmentID, purpose); err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return count, nil
}

// Delete removes a file metadata row.
func (r *FileRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
