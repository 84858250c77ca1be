package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/classhub/assignment-api/internal/dto"
	"github.com/classhub/assignment-api/internal/models"
	"github.com/classhub/assignment-api/internal/repository"
	appErrors "github.com/classhub/assignment-api/pkg/errors"
)

type submissionStore interface {
	Create(ctx context.Context, s *models.Submission) error
	GetByID(ctx context.Context, id string) (*models.Submission, error)
	CountByStudent(ctx context.Context, assignmentID, studentID string) (int, error)
	List(ctx context.Context, filter models.SubmissionFilter) ([]models.Submission, error)
	Grade(ctx context.Context, params repository.GradeParams) error
}

type assignmentReader interface {
	GetByID(ctx context.Context, id string) (*models.Assignment, error)
}

// SubmissionService handles student attempts and teacher grading. It enforces
// the attempt cap, the submission window, and late-penalty scoring.
type SubmissionService struct {
	repo        submissionStore
	assignments assignmentReader
	uploads     *UploadService
	audit       auditLogger
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewSubmissionService constructs the service with defaults.
func NewSubmissionService(repo submissionStore, assignments assignmentReader, uploads *UploadService, audit auditLogger, validate *validator.Validate, logger *zap.Logger) *SubmissionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &SubmissionService{
		repo:        repo,
		assignments: assignments,
		uploads:     uploads,
		audit:       audit,
		validator:   validate,
		logger:      logger,
	}
}

// Submit records a student attempt. Only PUBLISHED assignments accept
// submissions; the attempt count, window, and payload type are all checked
// before anything is written.
func (s *SubmissionService) Submit(ctx context.Context, assignmentID string, req dto.CreateSubmissionRequest, file *StagedFile, actor *models.JWTClaims) (*models.Submission, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleStudent {
		return nil, appErrors.ErrForbidden
	}

	assignment, err := s.loadAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if assignment.Status != models.AssignmentStatusPublished {
		return nil, appErrors.Clone(appErrors.ErrIllegalTransition, fmt.Sprintf("assignment is %s and does not accept submissions", assignment.Status))
	}

	now := time.Now().UTC()
	isLate := now.After(assignment.DueDate)
	if isLate && !assignment.AllowLateSubmission {
		return nil, appErrors.Clone(appErrors.ErrConflict, "the submission deadline has passed")
	}
	if assignment.CloseDate != nil && now.After(*assignment.CloseDate) {
		return nil, appErrors.Clone(appErrors.ErrConflict, "the submission window is closed")
	}

	attempts, err := s.repo.CountByStudent(ctx, assignmentID, actor.UserID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count attempts")
	}
	if assignment.MaxSubmissions > 0 && attempts >= assignment.MaxSubmissions {
		return nil, appErrors.Clone(appErrors.ErrCapacityExceeded, fmt.Sprintf("at most %d submissions allowed", assignment.MaxSubmissions))
	}

	submission := &models.Submission{
		AssignmentID:  assignmentID,
		StudentID:     actor.UserID,
		AttemptNumber: attempts + 1,
		IsLate:        isLate,
		SubmittedAt:   now,
	}

	switch assignment.SubmissionType {
	case models.SubmissionTypeText:
		if req.TextContent == nil || strings.TrimSpace(*req.TextContent) == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "text content is required")
		}
		submission.TextContent = req.TextContent
	case models.SubmissionTypeFile:
		if file == nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "a file is required")
		}
		if s.uploads == nil {
			return nil, appErrors.Clone(appErrors.ErrInternal, "upload service unavailable")
		}
		policy := s.uploads.PolicyFor(assignment)
		batch := s.uploads.NewBatchWithPolicy(policy)
		if err := s.uploads.Stage(batch, *file); err != nil {
			return nil, err
		}
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown submission type")
	}

	if err := s.repo.Create(ctx, submission); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record submission")
	}

	if assignment.SubmissionType == models.SubmissionTypeFile && file != nil {
		stored, err := s.uploads.StoreSubmissionFile(ctx, assignmentID, submission.ID, *file, actor)
		if err != nil {
			return nil, err
		}
		submission.FileID = &stored.ID
	}

	created, err := s.repo.GetByID(ctx, submission.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload submission")
	}
	if submission.FileID != nil {
		created.FileID = submission.FileID
	}
	s.emitAudit(ctx, actor, models.AuditActionSubmissionCreate, created.ID,
		[]byte(fmt.Sprintf(`{"attempt":%d,"late":%t}`, created.AttemptNumber, created.IsLate)))
	return created, nil
}

// Grade records the teacher's score and feedback. Late submissions are scored
// against the raw score with the assignment's penalty applied to the
// effective score; grading is idempotent in the sense that regrading
// overwrites the previous decision.
func (s *SubmissionService) Grade(ctx context.Context, submissionID string, req dto.GradeSubmissionRequest, actor *models.JWTClaims) (*models.Submission, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleTeacher && actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, validationMessage(err))
	}

	submission, err := s.repo.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load submission")
	}
	assignment, err := s.loadAssignment(ctx, submission.AssignmentID)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleTeacher && assignment.TeacherID != actor.UserID {
		return nil, appErrors.ErrForbidden
	}
	if req.Score > float64(assignment.MaxScore) {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("score must not exceed %d", assignment.MaxScore))
	}

	effective := EffectiveScore(req.Score, submission.IsLate, assignment.LatePenaltyPercentage)
	err = s.repo.Grade(ctx, repository.GradeParams{
		ID:             submissionID,
		Score:          req.Score,
		EffectiveScore: effective,
		Feedback:       req.Feedback,
		PrivateNotes:   req.PrivateNotes,
		GradedBy:       actor.UserID,
		GradedAt:       time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to grade submission")
	}

	graded, err := s.repo.GetByID(ctx, submissionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload submission")
	}
	s.emitAudit(ctx, actor, models.AuditActionSubmissionGrade, submissionID,
		[]byte(fmt.Sprintf(`{"score":%.2f,"effective":%.2f}`, req.Score, effective)))
	return graded, nil
}

// Get returns one submission. Students see only their own, with private
// notes always stripped.
func (s *SubmissionService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Submission, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	submission, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load submission")
	}
	if actor.Role == models.RoleStudent {
		if submission.StudentID != actor.UserID {
			return nil, appErrors.ErrNotFound
		}
		submission.PrivateNotes = nil
	}
	return submission, nil
}

// List returns the submissions for an assignment. Teachers see every attempt;
// students only their own.
func (s *SubmissionService) List(ctx context.Context, assignmentID string, query dto.SubmissionQuery, actor *models.JWTClaims) ([]models.Submission, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	assignment, err := s.loadAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	filter := models.SubmissionFilter{
		AssignmentID: assignmentID,
		Page:         query.Page,
		PageSize:     query.PageSize,
	}
	switch actor.Role {
	case models.RoleStudent:
		filter.StudentID = actor.UserID
	case models.RoleTeacher:
		if assignment.TeacherID != actor.UserID {
			return nil, appErrors.ErrForbidden
		}
	}
	if query.State != "" {
		state := models.GradingState(strings.ToUpper(query.State))
		if state != models.GradingStateNotGraded && state != models.GradingStateGraded {
			return nil, appErrors.Clone(appErrors.ErrValidation, "unknown grading state filter")
		}
		filter.State = state
	}
	submissions, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list submissions")
	}
	if actor.Role == models.RoleStudent {
		for i := range submissions {
			submissions[i].PrivateNotes = nil
		}
	}
	return submissions, nil
}

func (s *SubmissionService) loadAssignment(ctx context.Context, id string) (*models.Assignment, error) {
	assignment, err := s.assignments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignment")
	}
	return assignment, nil
}

func (s *SubmissionService) emitAudit(ctx context.Context, actor *models.JWTClaims, action, resourceID string, payload []byte) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		Action:     action,
		Resource:   "submission",
		ResourceID: &resourceID,
		NewValues:  payload,
		IPAddress:  "system",
		UserAgent:  "submission-service",
	}
	if actor != nil {
		log.UserID = &actor.UserID
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to create submission audit", zap.Error(err))
	}
}

// EffectiveScore applies the late penalty to a raw score. The result never
// drops below zero.
func EffectiveScore(score float64, isLate bool, penaltyPercentage int) float64 {
	if !isLate || penaltyPercentage <= 0 {
		return score
	}
	effective := score * (1 - float64(penaltyPercentage)/100)
	if effective < 0 {
		return 0
	}
	return effective
}
