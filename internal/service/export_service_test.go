package service

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/classhub/assignment-api/internal/models"
	appErrors "github.com/classhub/assignment-api/pkg/errors"
)

func newExportFixture(t *testing.T) (*ExportService, *submissionStoreStub) {
	t.Helper()
	assignment := publishedAssignment("a-1")
	reader := assignmentReaderStub{items: map[string]*models.Assignment{"a-1": assignment}}
	store := newSubmissionStoreStub()
	svc := NewExportService(reader, store, nil)

	score := 90.0
	effective := 72.0
	feedback := "solid work"
	require.NoError(t, store.Create(context.Background(), &models.Submission{
		AssignmentID:   "a-1",
		StudentID:      "s-1",
		AttemptNumber:  1,
		IsLate:         true,
		State:          models.GradingStateGraded,
		Score:          &score,
		EffectiveScore: &effective,
		Feedback:       &feedback,
		SubmittedAt:    time.Now().UTC(),
	}))
	return svc, store
}

func TestExportGradesCSV(t *testing.T) {
	svc, _ := newExportFixture(t)

	result, err := svc.ExportGrades(context.Background(), "a-1", ExportFormatCSV, teacherActor("t-1"))
	require.NoError(t, err)
	require.Equal(t, "text/csv", result.ContentType)
	require.True(t, strings.HasSuffix(result.Filename, ".csv"))

	content := string(result.Content)
	require.Contains(t, content, "Student")
	require.Contains(t, content, "s-1")
	require.Contains(t, content, "90.00")
	require.Contains(t, content, "72.00")
	require.Contains(t, content, "solid work")
}

func TestExportGradesPDF(t *testing.T) {
	svc, _ := newExportFixture(t)

	result, err := svc.ExportGrades(context.Background(), "a-1", ExportFormatPDF, teacherActor("t-1"))
	require.NoError(t, err)
	require.Equal(t, "application/pdf", result.ContentType)
	require.True(t, bytes.HasPrefix(result.Content, []byte("%PDF")))
}

func TestExportGradesAccessControl(t *testing.T) {
	svc, _ := newExportFixture(t)

	_, err := svc.ExportGrades(context.Background(), "a-1", ExportFormatCSV, studentActor("s-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = svc.ExportGrades(context.Background(), "a-1", ExportFormatCSV, teacherActor("t-2"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = svc.ExportGrades(context.Background(), "a-1", "xlsx", teacherActor("t-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestExportGradesRejectsDrafts(t *testing.T) {
	assignment := publishedAssignment("a-2")
	assignment.Status = models.AssignmentStatusDraft
	reader := assignmentReaderStub{items: map[string]*models.Assignment{"a-2": assignment}}
	svc := NewExportService(reader, newSubmissionStoreStub(), nil)

	_, err := svc.ExportGrades(context.Background(), "a-2", ExportFormatCSV, teacherActor("t-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}
