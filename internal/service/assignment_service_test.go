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
	appErrors "github.com/classhub/assignment-api/pkg/errors"
)

type assignmentStoreStub struct {
	items           map[string]*models.Assignment
	transitionCalls int
	updateCalls     int
	deleteCalls     int
}

func newAssignmentStoreStub() *assignmentStoreStub {
	return &assignmentStoreStub{items: make(map[string]*models.Assignment)}
}

func (r *assignmentStoreStub) Create(ctx context.Context, a *models.Assignment) error {
	if a.ID == "" {
		a.ID = fmt.Sprintf("a-%d", len(r.items)+1)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	copy := *a
	r.items[a.ID] = &copy
	return nil
}

func (r *assignmentStoreStub) GetByID(ctx context.Context, id string) (*models.Assignment, error) {
	if a, ok := r.items[id]; ok {
		copy := *a
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (r *assignmentStoreStub) List(ctx context.Context, filter models.AssignmentFilter) ([]models.Assignment, int, error) {
	result := make([]models.Assignment, 0, len(r.items))
	for _, a := range r.items {
		result = append(result, *a)
	}
	return result, len(result), nil
}

func (r *assignmentStoreStub) Update(ctx context.Context, a *models.Assignment) error {
	r.updateCalls++
	stored, ok := r.items[a.ID]
	if !ok || stored.Status != models.AssignmentStatusDraft {
		return sql.ErrNoRows
	}
	copy := *a
	r.items[a.ID] = &copy
	return nil
}

func (r *assignmentStoreStub) UpdateStatusIfCurrent(ctx context.Context, id string, from, to models.AssignmentStatus, at time.Time) error {
	r.transitionCalls++
	stored, ok := r.items[id]
	if !ok || stored.Status != from {
		return sql.ErrNoRows
	}
	stored.Status = to
	switch to {
	case models.AssignmentStatusPublished:
		stored.PublishedAt = &at
	case models.AssignmentStatusClosed:
		stored.ClosedAt = &at
	}
	return nil
}

func (r *assignmentStoreStub) Delete(ctx context.Context, id string) error {
	r.deleteCalls++
	stored, ok := r.items[id]
	if !ok || stored.Status != models.AssignmentStatusDraft {
		return sql.ErrNoRows
	}
	delete(r.items, id)
	return nil
}

type auditStub struct {
	actions []string
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.actions = append(a.actions, log.Action)
	return nil
}

func teacherActor(id string) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: models.RoleTeacher}
}

func studentActor(id string) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: models.RoleStudent}
}

func validCreateRequest() dto.CreateAssignmentRequest {
	return dto.CreateAssignmentRequest{
		ClassID:        "class-1",
		Title:          "Weekly Essay",
		DueDate:        time.Now().Add(7 * 24 * time.Hour),
		SubmissionType: models.SubmissionTypeText,
		MaxSubmissions: 3,
		MaxScore:       100,
	}
}

func newLifecycleFixture() (*AssignmentService, *assignmentStoreStub, *auditStub) {
	store := newAssignmentStoreStub()
	audit := &auditStub{}
	svc := NewAssignmentService(store, nil, audit, nil, nil, nil)
	return svc, store, audit
}

func TestAssignmentCreateStartsInDraft(t *testing.T) {
	svc, _, audit := newLifecycleFixture()

	created, err := svc.Create(context.Background(), validCreateRequest(), teacherActor("t-1"))
	require.NoError(t, err)
	require.Equal(t, models.AssignmentStatusDraft, created.Status)
	require.Equal(t, "t-1", created.TeacherID)
	require.True(t, created.CanEdit())
	require.True(t, created.CanPublish())
	require.False(t, created.CanClose())
	require.Contains(t, audit.actions, models.AuditActionAssignmentCreate)
}

func TestAssignmentCreateRejectsStudents(t *testing.T) {
	svc, _, _ := newLifecycleFixture()

	_, err := svc.Create(context.Background(), validCreateRequest(), studentActor("s-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestAssignmentCreateValidatesSchedule(t *testing.T) {
	svc, _, _ := newLifecycleFixture()

	req := validCreateRequest()
	early := req.DueDate.Add(-48 * time.Hour)
	req.CloseDate = &early
	_, err := svc.Create(context.Background(), req, teacherActor("t-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestAssignmentLifecycleIsMonotonic(t *testing.T) {
	svc, _, _ := newLifecycleFixture()
	actor := teacherActor("t-1")

	created, err := svc.Create(context.Background(), validCreateRequest(), actor)
	require.NoError(t, err)

	published, err := svc.Publish(context.Background(), created.ID, actor)
	require.NoError(t, err)
	require.Equal(t, models.AssignmentStatusPublished, published.Status)
	require.NotNil(t, published.PublishedAt)
	require.False(t, published.CanEdit())
	require.True(t, published.CanClose())

	closed, err := svc.Close(context.Background(), created.ID, actor)
	require.NoError(t, err)
	require.Equal(t, models.AssignmentStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	require.False(t, closed.CanEdit())
	require.False(t, closed.CanClose())
}

func TestAssignmentDoublePublishFailsWithoutRepoWrite(t *testing.T) {
	svc, store, _ := newLifecycleFixture()
	actor := teacherActor("t-1")

	created, err := svc.Create(context.Background(), validCreateRequest(), actor)
	require.NoError(t, err)
	_, err = svc.Publish(context.Background(), created.ID, actor)
	require.NoError(t, err)
	writes := store.transitionCalls

	_, err = svc.Publish(context.Background(), created.ID, actor)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrIllegalTransition.Code, appErrors.FromError(err).Code)
	// The illegal attempt is rejected before any status write.
	require.Equal(t, writes, store.transitionCalls)
}

func TestAssignmentCloseFromDraftIsIllegal(t *testing.T) {
	svc, store, _ := newLifecycleFixture()
	actor := teacherActor("t-1")

	created, err := svc.Create(context.Background(), validCreateRequest(), actor)
	require.NoError(t, err)

	_, err = svc.Close(context.Background(), created.ID, actor)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrIllegalTransition.Code, appErrors.FromError(err).Code)
	require.Zero(t, store.transitionCalls)
}

func TestAssignmentCloseBeforeDueDateIsLegal(t *testing.T) {
	svc, _, _ := newLifecycleFixture()
	actor := teacherActor("t-1")

	req := validCreateRequest()
	req.DueDate = time.Now().Add(30 * 24 * time.Hour)
	created, err := svc.Create(context.Background(), req, actor)
	require.NoError(t, err)
	_, err = svc.Publish(context.Background(), created.ID, actor)
	require.NoError(t, err)

	// Closing early is a deliberate action; the due date does not gate it.
	closed, err := svc.Close(context.Background(), created.ID, actor)
	require.NoError(t, err)
	require.Equal(t, models.AssignmentStatusClosed, closed.Status)
	require.True(t, closed.ClosedAt.Before(closed.DueDate))
}

func TestAssignmentTransitionLosingRaceReportsIllegal(t *testing.T) {
	svc, store, _ := newLifecycleFixture()
	actor := teacherActor("t-1")

	created, err := svc.Create(context.Background(), validCreateRequest(), actor)
	require.NoError(t, err)

	// The row leaves DRAFT between the service's read and its write.
	store.items[created.ID].Status = models.AssignmentStatusPublished
	_, err = svc.Publish(context.Background(), created.ID, actor)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrIllegalTransition.Code, appErrors.FromError(err).Code)
}

func TestAssignmentUpdateOnlyInDraft(t *testing.T) {
	svc, store, _ := newLifecycleFixture()
	actor := teacherActor("t-1")

	created, err := svc.Create(context.Background(), validCreateRequest(), actor)
	require.NoError(t, err)

	title := "Revised Essay"
	updated, err := svc.Update(context.Background(), created.ID, dto.UpdateAssignmentRequest{Title: &title}, actor)
	require.NoError(t, err)
	require.Equal(t, "Revised Essay", updated.Title)

	_, err = svc.Publish(context.Background(), created.ID, actor)
	require.NoError(t, err)
	writes := store.updateCalls

	_, err = svc.Update(context.Background(), created.ID, dto.UpdateAssignmentRequest{Title: &title}, actor)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrIllegalTransition.Code, appErrors.FromError(err).Code)
	require.Equal(t, writes, store.updateCalls)
}

func TestAssignmentDeleteOnlyInDraft(t *testing.T) {
	svc, _, _ := newLifecycleFixture()
	actor := teacherActor("t-1")

	created, err := svc.Create(context.Background(), validCreateRequest(), actor)
	require.NoError(t, err)
	_, err = svc.Publish(context.Background(), created.ID, actor)
	require.NoError(t, err)

	err = svc.Delete(context.Background(), created.ID, actor)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrIllegalTransition.Code, appErrors.FromError(err).Code)
}

func TestAssignmentOwnershipEnforced(t *testing.T) {
	svc, _, _ := newLifecycleFixture()

	created, err := svc.Create(context.Background(), validCreateRequest(), teacherActor("t-1"))
	require.NoError(t, err)

	_, err = svc.Publish(context.Background(), created.ID, teacherActor("t-2"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestAssignmentDraftHiddenFromStudents(t *testing.T) {
	svc, _, _ := newLifecycleFixture()
	teacher := teacherActor("t-1")

	created, err := svc.Create(context.Background(), validCreateRequest(), teacher)
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), created.ID, studentActor("s-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	_, err = svc.Publish(context.Background(), created.ID, teacher)
	require.NoError(t, err)
	visible, err := svc.Get(context.Background(), created.ID, studentActor("s-1"))
	require.NoError(t, err)
	require.Equal(t, models.AssignmentStatusPublished, visible.Status)
}

func TestAssignmentRubricHiddenUnlessShared(t *testing.T) {
	svc, store, _ := newLifecycleFixture()
	teacher := teacherActor("t-1")

	req := validCreateRequest()
	rubric := "full marks for structure"
	req.GradingRubric = &rubric
	created, err := svc.Create(context.Background(), req, teacher)
	require.NoError(t, err)
	store.items[created.ID].Status = models.AssignmentStatusPublished

	seen, err := svc.Get(context.Background(), created.ID, studentActor("s-1"))
	require.NoError(t, err)
	require.Nil(t, seen.GradingRubric)

	store.items[created.ID].ShowRubricToStudents = true
	seen, err = svc.Get(context.Background(), created.ID, studentActor("s-1"))
	require.NoError(t, err)
	require.NotNil(t, seen.GradingRubric)
}

func TestAssignmentSingleFlightGuard(t *testing.T) {
	svc, _, _ := newLifecycleFixture()

	require.NoError(t, svc.beginOp("publish", "a-1"))
	err := svc.beginOp("publish", "a-1")
	require.Error(t, err)
	require.Equal(t, appErrors.ErrInFlight.Code, appErrors.FromError(err).Code)

	// A different operation on the same assignment is not blocked.
	require.NoError(t, svc.beginOp("close", "a-1"))

	svc.endOp("publish", "a-1")
	require.NoError(t, svc.beginOp("publish", "a-1"))
}

func TestAssignmentListScopesStudentsToVisible(t *testing.T) {
	svc, _, _ := newLifecycleFixture()

	_, err := svc.List(context.Background(), dto.AssignmentQuery{Status: "DRAFT"}, studentActor("s-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = svc.List(context.Background(), dto.AssignmentQuery{Status: "bogus"}, teacherActor("t-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}
