package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/classhub/assignment-api/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func assignmentRows(id string, status models.AssignmentStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "teacher_id", "class_id", "title", "description", "status",
		"due_date", "publish_at", "close_date",
		"submission_type", "max_file_size_mb", "allowed_extensions", "max_submissions",
		"allow_late_submission", "late_penalty_percentage",
		"max_score", "grading_rubric", "show_rubric_to_students",
		"clean_submissions_after", "clean_instructions_after",
		"created_at", "updated_at", "published_at", "closed_at",
	}).AddRow(
		id, "teacher-1", "class-1", "Essay", "Write an essay", string(status),
		now.Add(72*time.Hour), nil, nil,
		"FILE", 10, "{pdf,docx}", 3,
		false, 0,
		100, nil, false,
		"90d", "90d",
		now, now, nil, nil,
	)
}

func TestAssignmentRepositoryCreateAndGet(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewAssignmentRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assignments")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assignment := &models.Assignment{
		TeacherID:      "teacher-1",
		ClassID:        "class-1",
		Title:          "Essay",
		DueDate:        time.Now().Add(72 * time.Hour),
		SubmissionType: models.SubmissionTypeFile,
		MaxSubmissions: 3,
		MaxScore:       100,
	}
	require.NoError(t, repo.Create(context.Background(), assignment))
	require.NotEmpty(t, assignment.ID)
	require.Equal(t, models.AssignmentStatusDraft, assignment.Status)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, teacher_id, class_id")).
		WithArgs(assignment.ID).
		WillReturnRows(assignmentRows(assignment.ID, models.AssignmentStatusDraft))

	found, err := repo.GetByID(context.Background(), assignment.ID)
	require.NoError(t, err)
	require.Equal(t, assignment.ID, found.ID)
	require.True(t, found.CanEdit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewAssignmentRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM assignments")).
		WithArgs("teacher-1", "PUBLISHED").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, teacher_id, class_id")).
		WithArgs("teacher-1", "PUBLISHED").
		WillReturnRows(assignmentRows("a-1", models.AssignmentStatusPublished))

	list, total, err := repo.List(context.Background(), models.AssignmentFilter{
		TeacherID: "teacher-1",
		Status:    []models.AssignmentStatus{models.AssignmentStatusPublished},
	})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, list, 1)
	require.Equal(t, "a-1", list[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryGuardedTransition(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewAssignmentRepository(db)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE assignments SET status")).
		WithArgs("PUBLISHED", now, "a-1", "DRAFT").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateStatusIfCurrent(context.Background(), "a-1", models.AssignmentStatusDraft, models.AssignmentStatusPublished, now))

	// The same transition again finds no row still in DRAFT.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE assignments SET status")).
		WithArgs("PUBLISHED", now, "a-1", "DRAFT").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.UpdateStatusIfCurrent(context.Background(), "a-1", models.AssignmentStatusDraft, models.AssignmentStatusPublished, now)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryDeleteNonDraft(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewAssignmentRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM assignments")).
		WithArgs("a-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), "a-1")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}
