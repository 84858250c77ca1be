package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/classhub/assignment-api/internal/models"
)

func TestSubmissionRepositoryCreateDefaults(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewSubmissionRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO submissions")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	text := "my answer"
	submission := &models.Submission{
		AssignmentID:  "a-1",
		StudentID:     "student-1",
		AttemptNumber: 1,
		TextContent:   &text,
	}
	require.NoError(t, repo.Create(context.Background(), submission))
	require.NotEmpty(t, submission.ID)
	require.Equal(t, models.GradingStateNotGraded, submission.State)
	require.False(t, submission.SubmittedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepositoryCountByStudent(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewSubmissionRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM submissions")).
		WithArgs("a-1", "student-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := repo.CountByStudent(context.Background(), "a-1", "student-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepositoryGradeMissingRow(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewSubmissionRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions SET state = 'GRADED'")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Grade(context.Background(), GradeParams{
		ID:             "missing",
		Score:          80,
		EffectiveScore: 80,
		GradedBy:       "teacher-1",
		GradedAt:       time.Now(),
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepositoryPurgePayloads(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewSubmissionRepository(db)
	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions SET text_content = NULL")).
		WithArgs(now, "a-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	purged, err := repo.PurgePayloads(context.Background(), "a-1", now)
	require.NoError(t, err)
	require.EqualValues(t, 3, purged)
	require.NoError(t, mock.ExpectationsWereMet())
}
