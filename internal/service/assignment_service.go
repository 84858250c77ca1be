package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/classhub/assignment-api/internal/dto"
	"github.com/classhub/assignment-api/internal/models"
	appErrors "github.com/classhub/assignment-api/pkg/errors"
)

type assignmentStore interface {
	Create(ctx context.Context, a *models.Assignment) error
	GetByID(ctx context.Context, id string) (*models.Assignment, error)
	List(ctx context.Context, filter models.AssignmentFilter) ([]models.Assignment, int, error)
	Update(ctx context.Context, a *models.Assignment) error
	UpdateStatusIfCurrent(ctx context.Context, id string, from, to models.AssignmentStatus, at time.Time) error
	Delete(ctx context.Context, id string) error
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AssignmentList bundles a page of assignments with pagination metadata.
type AssignmentList struct {
	Items      []models.Assignment `json:"items"`
	Pagination models.Pagination   `json:"pagination"`
}

// AssignmentService owns the assignment lifecycle: it decides which actions
// are legal for the current status and performs the four mutating operations.
type AssignmentService struct {
	repo      assignmentStore
	cache     *CacheService
	audit     auditLogger
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewAssignmentService constructs the service with defaults.
func NewAssignmentService(repo assignmentStore, cache *CacheService, audit auditLogger, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *AssignmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &AssignmentService{
		repo:      repo,
		cache:     cache,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// beginOp reserves the single-flight slot for a mutating operation. A second
// request for the same slot fails fast instead of queueing.
func (s *AssignmentService) beginOp(op, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := op + ":" + key
	if _, busy := s.inflight[slot]; busy {
		return appErrors.Clone(appErrors.ErrInFlight, fmt.Sprintf("%s already in progress", op))
	}
	s.inflight[slot] = struct{}{}
	return nil
}

func (s *AssignmentService) endOp(op, key string) {
	s.mu.Lock()
	delete(s.inflight, op+":"+key)
	s.mu.Unlock()
}

// Create persists a new draft assignment owned by the acting teacher.
func (s *AssignmentService) Create(ctx context.Context, req dto.CreateAssignmentRequest, actor *models.JWTClaims) (*models.Assignment, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleTeacher && actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}
	if err := s.beginOp("create", actor.UserID); err != nil {
		return nil, err
	}
	defer s.endOp("create", actor.UserID)

	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, validationMessage(err))
	}
	if err := validateSchedule(req.DueDate, req.PublishAt, req.CloseDate); err != nil {
		return nil, err
	}

	assignment := &models.Assignment{
		TeacherID:             actor.UserID,
		ClassID:               req.ClassID,
		Title:                 strings.TrimSpace(req.Title),
		Description:           req.Description,
		Status:                models.AssignmentStatusDraft,
		DueDate:               req.DueDate,
		PublishAt:             req.PublishAt,
		CloseDate:             req.CloseDate,
		SubmissionType:        req.SubmissionType,
		MaxFileSizeMB:         req.MaxFileSizeMB,
		AllowedExtensions:     normalizeExtensions(req.AllowedExtensions),
		MaxSubmissions:        req.MaxSubmissions,
		AllowLateSubmission:   req.AllowLateSubmission,
		LatePenaltyPercentage: req.LatePenaltyPercentage,
		MaxScore:              req.MaxScore,
		GradingRubric:         req.GradingRubric,
		ShowRubricToStudents:  req.ShowRubricToStudents,
		CleanSubmissionsAfter: defaultRetention(req.CleanSubmissionsAfter),
		CleanInstructionsAfter: defaultRetention(req.CleanInstructionsAfter),
	}
	if assignment.MaxFileSizeMB <= 0 {
		assignment.MaxFileSizeMB = 10
	}
	if err := s.repo.Create(ctx, assignment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create assignment")
	}

	created, err := s.reload(ctx, assignment.ID)
	if err != nil {
		return nil, err
	}
	s.invalidateLists(ctx)
	s.emitAudit(ctx, actor, models.AuditActionAssignmentCreate, created.ID, []byte(fmt.Sprintf(`{"title":%q}`, created.Title)))
	return created, nil
}

// Update applies a field patch. Edits are legal only while the assignment is
// in DRAFT; any other status fails with an illegal-transition error before a
// repository write is attempted.
func (s *AssignmentService) Update(ctx context.Context, id string, patch dto.UpdateAssignmentRequest, actor *models.JWTClaims) (*models.Assignment, error) {
	assignment, err := s.loadOwned(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if !assignment.CanEdit() {
		return nil, illegalTransition("edit", assignment.Status)
	}
	if err := s.beginOp("update", id); err != nil {
		return nil, err
	}
	defer s.endOp("update", id)

	if err := s.validator.Struct(patch); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, validationMessage(err))
	}
	applyPatch(assignment, patch)
	if err := validateSchedule(assignment.DueDate, assignment.PublishAt, assignment.CloseDate); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, assignment); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, illegalTransition("edit", assignment.Status)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update assignment")
	}

	updated, err := s.reload(ctx, id)
	if err != nil {
		return nil, err
	}
	s.invalidateLists(ctx)
	s.emitAudit(ctx, actor, models.AuditActionAssignmentUpdate, id, nil)
	return updated, nil
}

// Publish transitions DRAFT -> PUBLISHED.
func (s *AssignmentService) Publish(ctx context.Context, id string, actor *models.JWTClaims) (*models.Assignment, error) {
	return s.transition(ctx, id, actor, "publish",
		models.AssignmentStatusDraft, models.AssignmentStatusPublished, models.AuditActionAssignmentPublish)
}

// Close transitions PUBLISHED -> CLOSED.
func (s *AssignmentService) Close(ctx context.Context, id string, actor *models.JWTClaims) (*models.Assignment, error) {
	return s.transition(ctx, id, actor, "close",
		models.AssignmentStatusPublished, models.AssignmentStatusClosed, models.AuditActionAssignmentClose)
}

func (s *AssignmentService) transition(ctx context.Context, id string, actor *models.JWTClaims, op string, from, to models.AssignmentStatus, auditAction string) (*models.Assignment, error) {
	assignment, err := s.loadOwned(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if assignment.Status != from {
		return nil, illegalTransition(op, assignment.Status)
	}
	if err := s.beginOp(op, id); err != nil {
		return nil, err
	}
	defer s.endOp(op, id)

	if err := s.repo.UpdateStatusIfCurrent(ctx, id, from, to, time.Now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Lost a race: the row left the expected status between read and write.
			return nil, illegalTransition(op, assignment.Status)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, fmt.Sprintf("failed to %s assignment", op))
	}

	updated, err := s.reload(ctx, id)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveTransition(from, to)
	s.invalidateLists(ctx)
	s.emitAudit(ctx, actor, auditAction, id, []byte(fmt.Sprintf(`{"from":%q,"to":%q}`, from, to)))
	return updated, nil
}

// Delete removes a draft assignment.
func (s *AssignmentService) Delete(ctx context.Context, id string, actor *models.JWTClaims) error {
	assignment, err := s.loadOwned(ctx, id, actor)
	if err != nil {
		return err
	}
	if !assignment.CanDelete() {
		return illegalTransition("delete", assignment.Status)
	}
	if err := s.beginOp("delete", id); err != nil {
		return err
	}
	defer s.endOp("delete", id)

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return illegalTransition("delete", assignment.Status)
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete assignment")
	}
	s.invalidateLists(ctx)
	s.emitAudit(ctx, actor, models.AuditActionAssignmentDelete, id, nil)
	return nil
}

// Get returns one assignment, hiding drafts from students.
func (s *AssignmentService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Assignment, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	assignment, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignment")
	}
	if actor.Role == models.RoleStudent && assignment.Status == models.AssignmentStatusDraft {
		return nil, appErrors.ErrNotFound
	}
	if actor.Role == models.RoleStudent && !assignment.ShowRubricToStudents {
		assignment.GradingRubric = nil
	}
	return assignment, nil
}

// List returns assignments visible to the actor. Teacher listings are scoped
// to their own assignments; student listings exclude drafts. Results are
// served from the list cache when enabled.
func (s *AssignmentService) List(ctx context.Context, query dto.AssignmentQuery, actor *models.JWTClaims) (*AssignmentList, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	filter := models.AssignmentFilter{
		ClassID:  strings.TrimSpace(query.ClassID),
		Search:   strings.TrimSpace(query.Search),
		Page:     query.Page,
		PageSize: query.PageSize,
	}
	switch actor.Role {
	case models.RoleTeacher:
		filter.TeacherID = actor.UserID
	case models.RoleStudent:
		filter.Status = []models.AssignmentStatus{models.AssignmentStatusPublished, models.AssignmentStatusClosed}
	}
	if query.Status != "" {
		status := models.AssignmentStatus(strings.ToUpper(query.Status))
		if !status.Valid() {
			return nil, appErrors.Clone(appErrors.ErrValidation, "unknown status filter")
		}
		if actor.Role == models.RoleStudent && status == models.AssignmentStatusDraft {
			return nil, appErrors.ErrForbidden
		}
		filter.Status = []models.AssignmentStatus{status}
	}

	cacheKey := listCacheKey(filter, actor)
	var cached AssignmentList
	if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
		return &cached, nil
	}

	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list assignments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	result := &AssignmentList{
		Items:      items,
		Pagination: models.Pagination{Page: page, PageSize: pageSize, TotalCount: total},
	}
	if err := s.cache.Set(ctx, cacheKey, result, 0); err != nil {
		s.logger.Warn("failed to cache assignment list", zap.Error(err))
	}
	return result, nil
}

func (s *AssignmentService) loadOwned(ctx context.Context, id string, actor *models.JWTClaims) (*models.Assignment, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	assignment, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignment")
	}
	if actor.Role != models.RoleAdmin && assignment.TeacherID != actor.UserID {
		return nil, appErrors.ErrForbidden
	}
	return assignment, nil
}

// reload re-reads the row after a mutation: the repository is the source of
// truth, the in-memory copy is never patched and returned directly.
func (s *AssignmentService) reload(ctx context.Context, id string) (*models.Assignment, error) {
	assignment, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload assignment")
	}
	return assignment, nil
}

func (s *AssignmentService) invalidateLists(ctx context.Context) {
	if err := s.cache.Invalidate(ctx, "assignments:*"); err != nil {
		s.logger.Warn("failed to invalidate assignment list cache", zap.Error(err))
	}
}

func (s *AssignmentService) emitAudit(ctx context.Context, actor *models.JWTClaims, action, resourceID string, payload []byte) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		Action:     action,
		Resource:   "assignment",
		ResourceID: &resourceID,
		NewValues:  payload,
		IPAddress:  "system",
		UserAgent:  "assignment-service",
	}
	if actor != nil {
		log.UserID = &actor.UserID
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to create assignment audit", zap.Error(err))
	}
}

func illegalTransition(op string, current models.AssignmentStatus) *appErrors.Error {
	return appErrors.Clone(appErrors.ErrIllegalTransition, fmt.Sprintf("cannot %s assignment in status %s", op, current))
}

// validateSchedule enforces publish_at <= due_date <= close_date.
func validateSchedule(due time.Time, publishAt, closeDate *time.Time) error {
	if publishAt != nil && publishAt.After(due) {
		return appErrors.Clone(appErrors.ErrValidation, "publish_at must not be after due_date")
	}
	if closeDate != nil && closeDate.Before(due) {
		return appErrors.Clone(appErrors.ErrValidation, "close_date must not be before due_date")
	}
	return nil
}

func applyPatch(a *models.Assignment, patch dto.UpdateAssignmentRequest) {
	if patch.Title != nil {
		a.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		a.Description = *patch.Description
	}
	if patch.DueDate != nil {
		a.DueDate = *patch.DueDate
	}
	if patch.PublishAt != nil {
		a.PublishAt = patch.PublishAt
	}
	if patch.CloseDate != nil {
		a.CloseDate = patch.CloseDate
	}
	if patch.SubmissionType != nil {
		a.SubmissionType = *patch.SubmissionType
	}
	if patch.MaxFileSizeMB != nil {
		a.MaxFileSizeMB = *patch.MaxFileSizeMB
	}
	if patch.AllowedExtensions != nil {
		a.AllowedExtensions = normalizeExtensions(patch.AllowedExtensions)
	}
	if patch.MaxSubmissions != nil {
		a.MaxSubmissions = *patch.MaxSubmissions
	}
	if patch.AllowLateSubmission != nil {
		a.AllowLateSubmission = *patch.AllowLateSubmission
	}
	if patch.LatePenaltyPercentage != nil {
		a.LatePenaltyPercentage = *patch.LatePenaltyPercentage
	}
	if patch.MaxScore != nil {
		a.MaxScore = *patch.MaxScore
	}
	if patch.GradingRubric != nil {
		a.GradingRubric = patch.GradingRubric
	}
	if patch.ShowRubricToStudents != nil {
		a.ShowRubricToStudents = *patch.ShowRubricToStudents
	}
	if patch.CleanSubmissionsAfter != nil {
		a.CleanSubmissionsAfter = *patch.CleanSubmissionsAfter
	}
	if patch.CleanInstructionsAfter != nil {
		a.CleanInstructionsAfter = *patch.CleanInstructionsAfter
	}
}

func normalizeExtensions(exts []string) []string {
	if len(exts) == 0 {
		return nil
	}
	result := make([]string, 0, len(exts))
	for _, ext := range exts {
		trimmed := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func defaultRetention(p models.RetentionPeriod) models.RetentionPeriod {
	if p == "" {
		return models.Retention90Days
	}
	return p
}

func listCacheKey(filter models.AssignmentFilter, actor *models.JWTClaims) string {
	scope := string(actor.Role)
	if filter.TeacherID != "" {
		scope += ":" + filter.TeacherID
	}
	return fmt.Sprintf("assignments:%s:%s:%v:%s:%d:%d", scope, filter.ClassID, filter.Status, filter.Search, filter.Page, filter.PageSize)
}

// validationMessage extracts a compact field-scoped message from validator errors.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		return fmt.Sprintf("field %s failed %s validation", first.Field(), first.Tag())
	}
	return "validation failed"
}
