package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/classhub/assignment-api/internal/models"
	appErrors "github.com/classhub/assignment-api/pkg/errors"
)

type fileStore interface {
	Create(ctx context.Context, f *models.StoredFile) error
	GetByID(ctx context.Context, id string) (*models.StoredFile, error)
	ListByAssignment(ctx context.Context, assignmentID string, purpose models.FilePurpose) ([]models.StoredFile, error)
	CountByAssignment(ctx context.Context, assignmentID string, purpose models.FilePurpose) (int, error)
	Delete(ctx context.Context, id string) error
}

type blobStorage interface {
	SaveStream(filename string, r io.Reader) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
}

type urlSigner interface {
	Generate(fileID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (fileID, relPath string, expiresAt time.Time, err error)
}

// UploadPolicy holds the validation parameters applied while staging.
type UploadPolicy struct {
	MaxFileSizeBytes  int64
	AllowedExtensions []string
	AllowedMIMEs      []string
	MaxAttachments    int
}

// StagedFile is a file held in memory before its owning assignment exists.
// The transient key defaults to the file name and identifies the entry until
// the upload produces a server-assigned identifier.
type StagedFile struct {
	Key       string
	FileName  string
	SizeBytes int64
	MimeType  string
	Content   []byte
}

// UploadBatch collects staged files against the attachment cap. It is not
// safe for concurrent use; each request builds its own batch.
type UploadBatch struct {
	policy    UploadPolicy
	staged    []StagedFile
	persisted int
	committed bool
}

// BatchOutcome classifies the result of committing a batch.
type BatchOutcome string

const (
	BatchAllSucceeded   BatchOutcome = "ALL_SUCCEEDED"
	BatchPartialFailure BatchOutcome = "PARTIAL_FAILURE"
	BatchTotalFailure   BatchOutcome = "TOTAL_FAILURE"
	BatchEmpty          BatchOutcome = "EMPTY"
)

// FileResult reports the outcome for a single file in a committed batch.
type FileResult struct {
	Key      string `json:"key"`
	FileName string `json:"file_name"`
	FileID   string `json:"file_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BatchReport aggregates per-file outcomes. A failed batch never rolls back
// the assignment it belongs to.
type BatchReport struct {
	Outcome   BatchOutcome `json:"outcome"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Results   []FileResult `json:"results"`
}

// UploadService coordinates staged attachments: validation before an
// assignment exists, sequential commit once an identifier is available, and
// signed-URL downloads of persisted files.
type UploadService struct {
	repo    fileStore
	storage blobStorage
	signer  urlSigner
	audit   auditLogger
	metrics *MetricsService
	logger  *zap.Logger
	policy  UploadPolicy
	prefix  string
	mimeSet map[string]struct{}
}

// UploadServiceConfig holds construction parameters.
type UploadServiceConfig struct {
	Policy    UploadPolicy
	APIPrefix string
}

// NewUploadService constructs the service with defaults.
func NewUploadService(repo fileStore, storage blobStorage, signer urlSigner, audit auditLogger, metrics *MetricsService, logger *zap.Logger, cfg UploadServiceConfig) *UploadService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Policy.MaxFileSizeBytes <= 0 {
		cfg.Policy.MaxFileSizeBytes = 10 * 1024 * 1024
	}
	if cfg.Policy.MaxAttachments <= 0 {
		cfg.Policy.MaxAttachments = 2
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	mimeSet := make(map[string]struct{}, len(cfg.Policy.AllowedMIMEs))
	for _, mt := range cfg.Policy.AllowedMIMEs {
		mimeSet[strings.ToLower(mt)] = struct{}{}
	}
	return &UploadService{
		repo:    repo,
		storage: storage,
		signer:  signer,
		audit:   audit,
		metrics: metrics,
		logger:  logger,
		policy:  cfg.Policy,
		prefix:  strings.TrimRight(cfg.APIPrefix, "/"),
		mimeSet: mimeSet,
	}
}

// NewBatch starts an empty batch for an assignment that does not exist yet.
func (s *UploadService) NewBatch() *UploadBatch {
	return &UploadBatch{policy: s.policy}
}

// NewBatchFor starts a batch for an existing assignment, counting its
// already-persisted instruction files against the cap.
func (s *UploadService) NewBatchFor(ctx context.Context, assignmentID string) (*UploadBatch, error) {
	persisted, err := s.repo.CountByAssignment(ctx, assignmentID, models.FilePurposeInstruction)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count existing attachments")
	}
	return &UploadBatch{policy: s.policy, persisted: persisted}, nil
}

// Stage validates and holds a file in memory. Extension and size violations
// reject only this file; a cap violation rejects it without touching files
// staged earlier. A MIME mismatch is diagnostic only.
func (s *UploadService) Stage(batch *UploadBatch, file StagedFile) error {
	if batch == nil {
		return appErrors.Clone(appErrors.ErrInternal, "upload batch missing")
	}
	if batch.committed {
		return appErrors.Clone(appErrors.ErrConflict, "batch already committed")
	}
	if file.FileName == "" || len(file.Content) == 0 {
		return appErrors.Clone(appErrors.ErrFileRejected, "file is empty")
	}
	if file.Key == "" {
		file.Key = file.FileName
	}
	if file.SizeBytes == 0 {
		file.SizeBytes = int64(len(file.Content))
	}

	ext := extensionOf(file.FileName)
	if !extensionAllowed(ext, batch.policy.AllowedExtensions) {
		return appErrors.Clone(appErrors.ErrFileRejected, fmt.Sprintf("%s: extension %q is not allowed", file.FileName, ext))
	}
	if file.SizeBytes > batch.policy.MaxFileSizeBytes {
		return appErrors.Clone(appErrors.ErrFileRejected, fmt.Sprintf("%s: exceeds %d bytes limit", file.FileName, batch.policy.MaxFileSizeBytes))
	}
	if len(s.mimeSet) > 0 && file.MimeType != "" {
		if _, ok := s.mimeSet[strings.ToLower(file.MimeType)]; !ok {
			// Browsers routinely misreport MIME types; log and carry on.
			s.logger.Warn("staged file reported unexpected mime type",
				zap.String("file", file.FileName), zap.String("mime", file.MimeType))
		}
	}
	if len(batch.staged)+batch.persisted >= batch.policy.MaxAttachments {
		return appErrors.Clone(appErrors.ErrCapacityExceeded, fmt.Sprintf("at most %d attachments per assignment", batch.policy.MaxAttachments))
	}

	batch.staged = append(batch.staged, file)
	return nil
}

// Remove drops a staged file by its transient key. Removal is only legal
// before the commit phase starts.
func (s *UploadService) Remove(batch *UploadBatch, key string) bool {
	if batch == nil || batch.committed {
		return false
	}
	for i, f := range batch.staged {
		if f.Key == key {
			batch.staged = append(batch.staged[:i], batch.staged[i+1:]...)
			return true
		}
	}
	return false
}

// Staged returns the current staged files in order.
func (s *UploadService) Staged(batch *UploadBatch) []StagedFile {
	if batch == nil {
		return nil
	}
	return batch.staged
}

// Commit uploads the staged files against the now-known assignment
// identifier. Uploads run strictly sequentially so progress is attributable
// per file; an individual failure is tallied and the loop continues.
func (s *UploadService) Commit(ctx context.Context, assignmentID string, batch *UploadBatch, actor *models.JWTClaims) (*BatchReport, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if batch == nil || assignmentID == "" {
		return nil, appErrors.Clone(appErrors.ErrInternal, "batch or assignment id missing")
	}
	if batch.committed {
		return nil, appErrors.Clone(appErrors.ErrConflict, "batch already committed")
	}
	batch.committed = true

	report := &BatchReport{Results: make([]FileResult, 0, len(batch.staged))}
	for _, file := range batch.staged {
		result := FileResult{Key: file.Key, FileName: file.FileName}
		stored, err := s.uploadOne(ctx, assignmentID, file, actor)
		if err != nil {
			report.Failed++
			result.Error = err.Error()
			s.logger.Warn("attachment upload failed",
				zap.String("assignment_id", assignmentID), zap.String("file", file.FileName), zap.Error(err))
		} else {
			report.Succeeded++
			result.FileID = stored.ID
		}
		report.Results = append(report.Results, result)
	}

	switch {
	case len(batch.staged) == 0:
		report.Outcome = BatchEmpty
	case report.Failed == 0:
		report.Outcome = BatchAllSucceeded
	case report.Succeeded == 0:
		report.Outcome = BatchTotalFailure
	default:
		report.Outcome = BatchPartialFailure
	}
	if s.metrics != nil && report.Outcome != BatchEmpty {
		s.metrics.ObserveUploadBatch(string(report.Outcome))
	}
	if report.Succeeded > 0 {
		s.emitAudit(ctx, actor, models.AuditActionFileUpload, assignmentID,
			[]byte(fmt.Sprintf(`{"succeeded":%d,"failed":%d}`, report.Succeeded, report.Failed)))
	}
	return report, nil
}

func (s *UploadService) uploadOne(ctx context.Context, assignmentID string, file StagedFile, actor *models.JWTClaims) (*models.StoredFile, error) {
	filename := s.generateFilename(assignmentID, file.FileName)
	path, err := s.storage.SaveStream(filename, bytes.NewReader(file.Content))
	if err != nil {
		return nil, fmt.Errorf("persist file: %w", err)
	}
	stored := &models.StoredFile{
		AssignmentID: assignmentID,
		Purpose:      models.FilePurposeInstruction,
		FileName:     file.FileName,
		FilePath:     path,
		MimeType:     file.MimeType,
		SizeBytes:    file.SizeBytes,
		UploadedBy:   actor.UserID,
	}
	if err := s.repo.Create(ctx, stored); err != nil {
		_ = s.storage.Delete(path)
		return nil, fmt.Errorf("record file metadata: %w", err)
	}
	return stored, nil
}

// ListFiles returns the persisted instruction attachments of an assignment.
func (s *UploadService) ListFiles(ctx context.Context, assignmentID string, actor *models.JWTClaims) ([]models.StoredFile, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	files, err := s.repo.ListByAssignment(ctx, assignmentID, models.FilePurposeInstruction)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list attachments")
	}
	return files, nil
}

// DeleteFile removes a persisted attachment immediately: metadata first, then
// the blob. Deletion is not staged.
func (s *UploadService) DeleteFile(ctx context.Context, fileID string, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleTeacher && actor.Role != models.RoleAdmin {
		return appErrors.ErrForbidden
	}
	file, err := s.repo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load file")
	}
	if err := s.repo.Delete(ctx, fileID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete file")
	}
	if err := s.storage.Delete(file.FilePath); err != nil {
		s.logger.Warn("failed to delete file blob", zap.String("path", file.FilePath), zap.Error(err))
	}
	s.emitAudit(ctx, actor, models.AuditActionFileDelete, fileID, nil)
	return nil
}

// GetDownloadURL generates a signed URL for a persisted file.
func (s *UploadService) GetDownloadURL(ctx context.Context, fileID string, actor *models.JWTClaims) (string, error) {
	if actor == nil {
		return "", appErrors.ErrUnauthorized
	}
	if s.signer == nil {
		return "", appErrors.Clone(appErrors.ErrInternal, "download signer unavailable")
	}
	file, err := s.repo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", appErrors.ErrNotFound
		}
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load file")
	}
	token, _, err := s.signer.Generate(file.ID, file.FilePath)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download token")
	}
	return fmt.Sprintf("%s/files/%s/download?token=%s", s.prefix, file.ID, token), nil
}

// FileDownload bundles a file reader with metadata for streaming.
type FileDownload struct {
	File      *os.File
	Filename  string
	MimeType  string
	SizeBytes int64
	ExpiresAt time.Time
}

// Download validates the signed token and opens the blob for streaming.
func (s *UploadService) Download(ctx context.Context, fileID, token string) (*FileDownload, error) {
	if s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "download signer unavailable")
	}
	file, err := s.repo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load file")
	}
	tokenFileID, relPath, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired token")
	}
	if tokenFileID != file.ID || relPath != file.FilePath {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "token mismatch")
	}
	handle, err := s.storage.Open(relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file")
	}
	info, err := handle.Stat()
	if err != nil {
		handle.Close() //nolint:errcheck
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to stat file")
	}
	return &FileDownload{
		File:      handle,
		Filename:  file.FileName,
		MimeType:  file.MimeType,
		SizeBytes: info.Size(),
		ExpiresAt: expiresAt,
	}, nil
}

// PolicyFor derives a per-assignment staging policy from the assignment's
// submission settings, falling back to service defaults.
func (s *UploadService) PolicyFor(a *models.Assignment) UploadPolicy {
	policy := s.policy
	if a == nil {
		return policy
	}
	if a.MaxFileSizeMB > 0 {
		policy.MaxFileSizeBytes = int64(a.MaxFileSizeMB) * 1024 * 1024
	}
	if len(a.AllowedExtensions) > 0 {
		policy.AllowedExtensions = a.AllowedExtensions
	}
	return policy
}

// NewBatchWithPolicy starts a batch using an explicit policy (submission uploads).
func (s *UploadService) NewBatchWithPolicy(policy UploadPolicy) *UploadBatch {
	if policy.MaxFileSizeBytes <= 0 {
		policy.MaxFileSizeBytes = s.policy.MaxFileSizeBytes
	}
	if policy.MaxAttachments <= 0 {
		policy.MaxAttachments = s.policy.MaxAttachments
	}
	return &UploadBatch{policy: policy}
}

// StoreSubmissionFile persists a single already-validated submission payload.
func (s *UploadService) StoreSubmissionFile(ctx context.Context, assignmentID, submissionID string, file StagedFile, actor *models.JWTClaims) (*models.StoredFile, error) {
	filename := s.generateFilename(assignmentID, file.FileName)
	path, err := s.storage.SaveStream(filename, bytes.NewReader(file.Content))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist submission file")
	}
	stored := &models.StoredFile{
		AssignmentID: assignmentID,
		SubmissionID: &submissionID,
		Purpose:      models.FilePurposeSubmission,
		FileName:     file.FileName,
		FilePath:     path,
		MimeType:     file.MimeType,
		SizeBytes:    file.SizeBytes,
		UploadedBy:   actor.UserID,
	}
	if err := s.repo.Create(ctx, stored); err != nil {
		_ = s.storage.Delete(path)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record submission file")
	}
	return stored, nil
}

func (s *UploadService) generateFilename(assignmentID, original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	return fmt.Sprintf("attachments/%s/%d_%s%s", assignmentID, time.Now().Unix(), randomSuffix(), ext)
}

func (s *UploadService) emitAudit(ctx context.Context, actor *models.JWTClaims, action, resourceID string, payload []byte) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		Action:     action,
		Resource:   "file",
		ResourceID: &resourceID,
		NewValues:  payload,
		IPAddress:  "system",
		UserAgent:  "upload-service",
	}
	if actor != nil {
		log.UserID = &actor.UserID
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to create upload audit", zap.Error(err))
	}
}

// extensionOf returns the lowercase substring after the final dot, or "".
func extensionOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}

// extensionAllowed matches case-insensitively; an empty allow-list permits all.
func extensionAllowed(ext string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimPrefix(a, "."), ext) {
			return true
		}
	}
	return false
}

func randomSuffix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
