package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/classhub/assignment-api/internal/dto"
	"github.com/classhub/assignment-api/internal/models"
	"github.com/classhub/assignment-api/internal/repository"
	appErrors "github.com/classhub/assignment-api/pkg/errors"
)

type submissionStoreStub struct {
	items map[string]*models.Submission
}

func newSubmissionStoreStub() *submissionStoreStub {
	return &submissionStoreStub{items: make(map[string]*models.Submission)}
}

func (r *submissionStoreStub) Create(ctx context.Context, s *models.Submission) error {
	if s.ID == "" {
		s.ID = fmt.Sprintf("sub-%d", len(r.items)+1)
	}
	if s.State == "" {
		s.State = models.GradingStateNotGraded
	}
	copy := *s
	r.items[s.ID] = &copy
	return nil
}

func (r *submissionStoreStub) GetByID(ctx context.Context, id string) (*models.Submission, error) {
	if s, ok := r.items[id]; ok {
		copy := *s
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (r *submissionStoreStub) CountByStudent(ctx context.Context, assignmentID, studentID string) (int, error) {
	count := 0
	for _, s := range r.items {
		if s.AssignmentID == assignmentID && s.StudentID == studentID {
			count++
		}
	}
	return count, nil
}

func (r *submissionStoreStub) List(ctx context.Context, filter models.SubmissionFilter) ([]models.Submission, error) {
	result := make([]models.Submission, 0)
	for _, s := range r.items {
		if filter.AssignmentID != "" && s.AssignmentID != filter.AssignmentID {
			continue
		}
		if filter.StudentID != "" && s.StudentID != filter.StudentID {
			continue
		}
		if filter.State != "" && s.State != filter.State {
			continue
		}
		result = append(result, *s)
	}
	return result, nil
}

func (r *submissionStoreStub) Grade(ctx context.Context, params repository.GradeParams) error {
	stored, ok := r.items[params.ID]
	if !ok {
		return sql.ErrNoRows
	}
	stored.State = models.GradingStateGraded
	stored.Score = &params.Score
	stored.EffectiveScore = &params.EffectiveScore
	stored.Feedback = params.Feedback
	stored.PrivateNotes = params.PrivateNotes
	stored.GradedBy = &params.GradedBy
	stored.GradedAt = &params.GradedAt
	return nil
}

type assignmentReaderStub struct {
	items map[string]*models.Assignment
}

func (r assignmentReaderStub) GetByID(ctx context.Context, id string) (*models.Assignment, error) {
	if a, ok := r.items[id]; ok {
		copy := *a
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func publishedAssignment(id string) *models.Assignment {
	now := time.Now().UTC()
	published := now.Add(-24 * time.Hour)
	return &models.Assignment{
		ID:             id,
		TeacherID:      "t-1",
		ClassID:        "class-1",
		Title:          "Weekly Essay",
		Status:         models.AssignmentStatusPublished,
		DueDate:        now.Add(48 * time.Hour),
		SubmissionType: models.SubmissionTypeText,
		MaxSubmissions: 2,
		MaxScore:       100,
		PublishedAt:    &published,
	}
}

func newSubmissionFixture(assignments ...*models.Assignment) (*SubmissionService, *submissionStoreStub) {
	store := newSubmissionStoreStub()
	reader := assignmentReaderStub{items: make(map[string]*models.Assignment)}
	for _, a := range assignments {
		reader.items[a.ID] = a
	}
	svc := NewSubmissionService(store, reader, nil, &auditStub{}, nil, nil)
	return svc, store
}

func textRequest(content string) dto.CreateSubmissionRequest {
	return dto.CreateSubmissionRequest{TextContent: &content}
}

func TestSubmitRecordsAttempt(t *testing.T) {
	svc, _ := newSubmissionFixture(publishedAssignment("a-1"))

	created, err := svc.Submit(context.Background(), "a-1", textRequest("my answer"), nil, studentActor("s-1"))
	require.NoError(t, err)
	require.Equal(t, 1, created.AttemptNumber)
	require.False(t, created.IsLate)
	require.Equal(t, models.GradingStateNotGraded, created.State)
}

func TestSubmitRejectsDraftAndClosed(t *testing.T) {
	draft := publishedAssignment("a-draft")
	draft.Status = models.AssignmentStatusDraft
	closed := publishedAssignment("a-closed")
	closed.Status = models.AssignmentStatusClosed
	svc, _ := newSubmissionFixture(draft, closed)

	for _, id := range []string{"a-draft", "a-closed"} {
		_, err := svc.Submit(context.Background(), id, textRequest("late to the party"), nil, studentActor("s-1"))
		require.Error(t, err)
		require.Equal(t, appErrors.ErrIllegalTransition.Code, appErrors.FromError(err).Code)
	}
}

func TestSubmitEnforcesAttemptCap(t *testing.T) {
	svc, _ := newSubmissionFixture(publishedAssignment("a-1"))
	actor := studentActor("s-1")

	for i := 0; i < 2; i++ {
		_, err := svc.Submit(context.Background(), "a-1", textRequest("attempt"), nil, actor)
		require.NoError(t, err)
	}
	_, err := svc.Submit(context.Background(), "a-1", textRequest("one too many"), nil, actor)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrCapacityExceeded.Code, appErrors.FromError(err).Code)
}

func TestSubmitAfterDueDate(t *testing.T) {
	strict := publishedAssignment("a-strict")
	strict.DueDate = time.Now().Add(-time.Hour)
	lenient := publishedAssignment("a-lenient")
	lenient.DueDate = time.Now().Add(-time.Hour)
	lenient.AllowLateSubmission = true
	svc, _ := newSubmissionFixture(strict, lenient)

	_, err := svc.Submit(context.Background(), "a-strict", textRequest("too late"), nil, studentActor("s-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)

	created, err := svc.Submit(context.Background(), "a-lenient", textRequest("still counts"), nil, studentActor("s-1"))
	require.NoError(t, err)
	require.True(t, created.IsLate)
}

func TestSubmitRequiresTextForTextAssignments(t *testing.T) {
	svc, _ := newSubmissionFixture(publishedAssignment("a-1"))

	_, err := svc.Submit(context.Background(), "a-1", dto.CreateSubmissionRequest{}, nil, studentActor("s-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestGradeAppliesLatePenalty(t *testing.T) {
	assignment := publishedAssignment("a-1")
	assignment.AllowLateSubmission = true
	assignment.LatePenaltyPercentage = 20
	assignment.DueDate = time.Now().Add(-time.Hour)
	svc, _ := newSubmissionFixture(assignment)

	created, err := svc.Submit(context.Background(), "a-1", textRequest("late answer"), nil, studentActor("s-1"))
	require.NoError(t, err)
	require.True(t, created.IsLate)

	graded, err := svc.Grade(context.Background(), created.ID, dto.GradeSubmissionRequest{Score: 90}, teacherActor("t-1"))
	require.NoError(t, err)
	require.Equal(t, models.GradingStateGraded, graded.State)
	require.InDelta(t, 90, *graded.Score, 0.001)
	require.InDelta(t, 72, *graded.EffectiveScore, 0.001)
}

func TestGradeRejectsScoreAboveMax(t *testing.T) {
	svc, _ := newSubmissionFixture(publishedAssignment("a-1"))

	created, err := svc.Submit(context.Background(), "a-1", textRequest("answer"), nil, studentActor("s-1"))
	require.NoError(t, err)

	_, err = svc.Grade(context.Background(), created.ID, dto.GradeSubmissionRequest{Score: 150}, teacherActor("t-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestGradeOwnershipEnforced(t *testing.T) {
	svc, _ := newSubmissionFixture(publishedAssignment("a-1"))

	created, err := svc.Submit(context.Background(), "a-1", textRequest("answer"), nil, studentActor("s-1"))
	require.NoError(t, err)

	_, err = svc.Grade(context.Background(), created.ID, dto.GradeSubmissionRequest{Score: 50}, teacherActor("t-2"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = svc.Grade(context.Background(), created.ID, dto.GradeSubmissionRequest{Score: 50}, studentActor("s-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestStudentsSeeOnlyOwnSubmissionsWithoutNotes(t *testing.T) {
	svc, store := newSubmissionFixture(publishedAssignment("a-1"))

	mine, err := svc.Submit(context.Background(), "a-1", textRequest("mine"), nil, studentActor("s-1"))
	require.NoError(t, err)
	theirs, err := svc.Submit(context.Background(), "a-1", textRequest("theirs"), nil, studentActor("s-2"))
	require.NoError(t, err)

	notes := "struggled with the intro"
	store.items[mine.ID].PrivateNotes = &notes

	seen, err := svc.Get(context.Background(), mine.ID, studentActor("s-1"))
	require.NoError(t, err)
	require.Nil(t, seen.PrivateNotes)

	_, err = svc.Get(context.Background(), theirs.ID, studentActor("s-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	listed, err := svc.List(context.Background(), "a-1", dto.SubmissionQuery{}, studentActor("s-1"))
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, mine.ID, listed[0].ID)
}

func TestEffectiveScoreNeverNegative(t *testing.T) {
	require.InDelta(t, 0, EffectiveScore(10, true, 150), 0.001)
	require.InDelta(t, 10, EffectiveScore(10, false, 150), 0.001)
	require.InDelta(t, 50, EffectiveScore(50, true, 0), 0.001)
}
