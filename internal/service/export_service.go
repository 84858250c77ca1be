package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/classhub/assignment-api/internal/models"
	appErrors "github.com/classhub/assignment-api/pkg/errors"
	"github.com/classhub/assignment-api/pkg/export"
)

// ExportFormat enumerates supported grade sheet formats.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

// ExportResult carries a rendered grade sheet.
type ExportResult struct {
	Content     []byte
	Filename    string
	ContentType string
}

type exportSubmissionStore interface {
	List(ctx context.Context, filter models.SubmissionFilter) ([]models.Submission, error)
}

// ExportService renders grade sheets for closed or published assignments.
type ExportService struct {
	assignments assignmentReader
	submissions exportSubmissionStore
	csv         *export.CSVExporter
	pdf         *export.PDFExporter
	logger      *zap.Logger
}

// NewExportService constructs the service.
func NewExportService(assignments assignmentReader, submissions exportSubmissionStore, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		assignments: assignments,
		submissions: submissions,
		csv:         export.NewCSVExporter(),
		pdf:         export.NewPDFExporter(),
		logger:      logger,
	}
}

var gradeSheetHeaders = []string{"Student", "Attempt", "Submitted At", "Late", "State", "Score", "Effective Score", "Feedback"}

// ExportGrades renders every attempt for an assignment as CSV or PDF. Drafts
// have no grades to export and are rejected.
func (s *ExportService) ExportGrades(ctx context.Context, assignmentID string, format ExportFormat, actor *models.JWTClaims) (*ExportResult, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleTeacher && actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}
	assignment, err := s.assignments.GetByID(ctx, assignmentID)
	if err != nil {
		return nil, appErrors.ErrNotFound
	}
	if actor.Role == models.RoleTeacher && assignment.TeacherID != actor.UserID {
		return nil, appErrors.ErrForbidden
	}
	if assignment.Status == models.AssignmentStatusDraft {
		return nil, appErrors.Clone(appErrors.ErrConflict, "draft assignments have no grades to export")
	}

	submissions, err := s.submissions.List(ctx, models.SubmissionFilter{AssignmentID: assignmentID, PageSize: 200})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list submissions")
	}

	dataset := export.Dataset{Headers: gradeSheetHeaders, Rows: make([]map[string]string, 0, len(submissions))}
	for _, sub := range submissions {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Student":         sub.StudentID,
			"Attempt":         strconv.Itoa(sub.AttemptNumber),
			"Submitted At":    sub.SubmittedAt.Format(time.RFC3339),
			"Late":            strconv.FormatBool(sub.IsLate),
			"State":           string(sub.State),
			"Score":           formatScore(sub.Score),
			"Effective Score": formatScore(sub.EffectiveScore),
			"Feedback":        derefString(sub.Feedback),
		})
	}

	stamp := time.Now().UTC().Format("20060102")
	base := fmt.Sprintf("grades_%s_%s", sanitizeFilename(assignment.Title), stamp)

	switch format {
	case ExportFormatCSV:
		content, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return &ExportResult{Content: content, Filename: base + ".csv", ContentType: "text/csv"}, nil
	case ExportFormatPDF:
		content, err := s.pdf.Render(dataset, assignment.Title)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return &ExportResult{Content: content, Filename: base + ".pdf", ContentType: "application/pdf"}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
}

func formatScore(score *float64) string {
	if score == nil {
		return ""
	}
	return strconv.FormatFloat(*score, 'f', 2, 64)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sanitizeFilename(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-")
	name = replacer.Replace(name)
	if len(name) > 40 {
		name = name[:40]
	}
	return name
}
