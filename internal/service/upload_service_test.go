package service

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/classhub/assignment-api/internal/models"
	appErrors "github.com/classhub/assignment-api/pkg/errors"
)

type fileStoreStub struct {
	files      map[string]*models.StoredFile
	failNames  map[string]bool
	createSeen []string
}

func newFileStoreStub() *fileStoreStub {
	return &fileStoreStub{files: make(map[string]*models.StoredFile), failNames: make(map[string]bool)}
}

func (r *fileStoreStub) Create(ctx context.Context, f *models.StoredFile) error {
	if r.failNames[f.FileName] {
		return fmt.Errorf("insert failed")
	}
	if f.ID == "" {
		f.ID = fmt.Sprintf("f-%d", len(r.files)+1)
	}
	copy := *f
	r.files[f.ID] = &copy
	r.createSeen = append(r.createSeen, f.FileName)
	return nil
}

func (r *fileStoreStub) GetByID(ctx context.Context, id string) (*models.StoredFile, error) {
	if f, ok := r.files[id]; ok {
		copy := *f
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (r *fileStoreStub) ListByAssignment(ctx context.Context, assignmentID string, purpose models.FilePurpose) ([]models.StoredFile, error) {
	result := make([]models.StoredFile, 0)
	for _, f := range r.files {
		if f.AssignmentID == assignmentID && f.Purpose == purpose {
			result = append(result, *f)
		}
	}
	return result, nil
}

func (r *fileStoreStub) CountByAssignment(ctx context.Context, assignmentID string, purpose models.FilePurpose) (int, error) {
	files, _ := r.ListByAssignment(ctx, assignmentID, purpose)
	return len(files), nil
}

func (r *fileStoreStub) Delete(ctx context.Context, id string) error {
	if _, ok := r.files[id]; !ok {
		return sql.ErrNoRows
	}
	delete(r.files, id)
	return nil
}

type uploadStorageStub struct {
	saved   map[string][]byte
	paths   map[string]string
	deleted []string
}

func newUploadStorageStub() *uploadStorageStub {
	return &uploadStorageStub{saved: make(map[string][]byte), paths: make(map[string]string)}
}

func (s *uploadStorageStub) SaveStream(filename string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.saved[filename] = data
	path := filepath.Join(os.TempDir(), "upload-test-"+filepath.Base(filename))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	s.paths[filename] = path
	return filename, nil
}

func (s *uploadStorageStub) Open(filename string) (*os.File, error) {
	path, ok := s.paths[filename]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return os.Open(path)
}

func (s *uploadStorageStub) Delete(filename string) error {
	s.deleted = append(s.deleted, filename)
	if path, ok := s.paths[filename]; ok {
		_ = os.Remove(path)
		delete(s.paths, filename)
	}
	delete(s.saved, filename)
	return nil
}

type signerStub struct{}

func (signerStub) Generate(fileID, relPath string) (string, time.Time, error) {
	return fileID + "." + relPath, time.Now().Add(time.Hour), nil
}

func (signerStub) Parse(token string, allowExpired bool) (string, string, time.Time, error) {
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			return token[:i], token[i+1:], time.Now().Add(time.Hour), nil
		}
	}
	return "", "", time.Time{}, fmt.Errorf("malformed token")
}

func newUploadFixture() (*UploadService, *fileStoreStub, *uploadStorageStub) {
	repo := newFileStoreStub()
	storage := newUploadStorageStub()
	svc := NewUploadService(repo, storage, signerStub{}, &auditStub{}, nil, nil, UploadServiceConfig{
		Policy: UploadPolicy{
			MaxFileSizeBytes:  1024,
			AllowedExtensions: []string{"pdf", "docx"},
			MaxAttachments:    2,
		},
	})
	return svc, repo, storage
}

func stagedFile(name string, size int) StagedFile {
	content := make([]byte, size)
	return StagedFile{FileName: name, Content: content}
}

func TestUploadStageRejectsDisallowedExtension(t *testing.T) {
	svc, _, _ := newUploadFixture()
	batch := svc.NewBatch()

	err := svc.Stage(batch, stagedFile("malware.exe", 10))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrFileRejected.Code, appErrors.FromError(err).Code)
	require.Empty(t, svc.Staged(batch))

	// The comparison is case-insensitive on the substring after the final dot.
	require.NoError(t, svc.Stage(batch, stagedFile("Essay.PDF", 10)))
	require.NoError(t, svc.Stage(batch, stagedFile("report.final.docx", 10)))
}

func TestUploadStageRejectsOversizedFile(t *testing.T) {
	svc, _, _ := newUploadFixture()
	batch := svc.NewBatch()

	err := svc.Stage(batch, stagedFile("big.pdf", 2048))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrFileRejected.Code, appErrors.FromError(err).Code)
}

func TestUploadStageEnforcesAttachmentCap(t *testing.T) {
	svc, _, _ := newUploadFixture()
	batch := svc.NewBatch()

	require.NoError(t, svc.Stage(batch, stagedFile("one.pdf", 10)))
	require.NoError(t, svc.Stage(batch, stagedFile("two.pdf", 10)))

	err := svc.Stage(batch, stagedFile("three.pdf", 10))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrCapacityExceeded.Code, appErrors.FromError(err).Code)
	// Earlier staged files are untouched by the rejection.
	require.Len(t, svc.Staged(batch), 2)
}

func TestUploadCapCountsPersistedFiles(t *testing.T) {
	svc, repo, _ := newUploadFixture()
	require.NoError(t, repo.Create(context.Background(), &models.StoredFile{
		AssignmentID: "a-1", Purpose: models.FilePurposeInstruction, FileName: "existing.pdf",
	}))

	batch, err := svc.NewBatchFor(context.Background(), "a-1")
	require.NoError(t, err)
	require.NoError(t, svc.Stage(batch, stagedFile("one.pdf", 10)))

	err = svc.Stage(batch, stagedFile("two.pdf", 10))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrCapacityExceeded.Code, appErrors.FromError(err).Code)
}

func TestUploadRemoveFreesCapacity(t *testing.T) {
	svc, _, _ := newUploadFixture()
	batch := svc.NewBatch()

	require.NoError(t, svc.Stage(batch, stagedFile("one.pdf", 10)))
	require.NoError(t, svc.Stage(batch, stagedFile("two.pdf", 10)))
	require.True(t, svc.Remove(batch, "one.pdf"))
	require.False(t, svc.Remove(batch, "one.pdf"))
	require.NoError(t, svc.Stage(batch, stagedFile("three.pdf", 10)))
}

func TestUploadCommitAllSucceeded(t *testing.T) {
	svc, repo, _ := newUploadFixture()
	batch := svc.NewBatch()
	require.NoError(t, svc.Stage(batch, stagedFile("one.pdf", 10)))
	require.NoError(t, svc.Stage(batch, stagedFile("two.docx", 10)))

	report, err := svc.Commit(context.Background(), "a-1", batch, teacherActor("t-1"))
	require.NoError(t, err)
	require.Equal(t, BatchAllSucceeded, report.Outcome)
	require.Equal(t, 2, report.Succeeded)
	require.Zero(t, report.Failed)
	require.Len(t, repo.files, 2)
	for _, result := range report.Results {
		require.NotEmpty(t, result.FileID)
		require.Empty(t, result.Error)
	}
}

func TestUploadCommitPartialFailureContinues(t *testing.T) {
	svc, repo, storage := newUploadFixture()
	repo.failNames["broken.pdf"] = true

	batch := svc.NewBatch()
	require.NoError(t, svc.Stage(batch, stagedFile("broken.pdf", 10)))
	require.NoError(t, svc.Stage(batch, stagedFile("fine.pdf", 10)))

	report, err := svc.Commit(context.Background(), "a-1", batch, teacherActor("t-1"))
	require.NoError(t, err)
	require.Equal(t, BatchPartialFailure, report.Outcome)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, 1, report.Failed)
	// The failed file's blob is rolled back, the good one persists.
	require.Len(t, storage.deleted, 1)
	require.Equal(t, []string{"fine.pdf"}, repo.createSeen)
}

func TestUploadCommitTotalFailure(t *testing.T) {
	svc, repo, _ := newUploadFixture()
	repo.failNames["one.pdf"] = true
	repo.failNames["two.pdf"] = true

	batch := svc.NewBatch()
	require.NoError(t, svc.Stage(batch, stagedFile("one.pdf", 10)))
	require.NoError(t, svc.Stage(batch, stagedFile("two.pdf", 10)))

	report, err := svc.Commit(context.Background(), "a-1", batch, teacherActor("t-1"))
	require.NoError(t, err)
	require.Equal(t, BatchTotalFailure, report.Outcome)
	require.Zero(t, report.Succeeded)
	require.Equal(t, 2, report.Failed)
}

func TestUploadCommitIsSingleShot(t *testing.T) {
	svc, _, _ := newUploadFixture()
	batch := svc.NewBatch()
	require.NoError(t, svc.Stage(batch, stagedFile("one.pdf", 10)))

	_, err := svc.Commit(context.Background(), "a-1", batch, teacherActor("t-1"))
	require.NoError(t, err)

	_, err = svc.Commit(context.Background(), "a-1", batch, teacherActor("t-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)

	err = svc.Stage(batch, stagedFile("late.pdf", 10))
	require.Error(t, err)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	svc, _, _ := newUploadFixture()
	batch := svc.NewBatch()
	file := stagedFile("one.pdf", 10)
	file.MimeType = "application/pdf"
	require.NoError(t, svc.Stage(batch, file))

	report, err := svc.Commit(context.Background(), "a-1", batch, teacherActor("t-1"))
	require.NoError(t, err)
	fileID := report.Results[0].FileID

	url, err := svc.GetDownloadURL(context.Background(), fileID, studentActor("s-1"))
	require.NoError(t, err)
	require.Contains(t, url, fileID)

	files, err := svc.ListFiles(context.Background(), "a-1", studentActor("s-1"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	token, _, err := signerStub{}.Generate(fileID, files[0].FilePath)
	require.NoError(t, err)
	download, err := svc.Download(context.Background(), fileID, token)
	require.NoError(t, err)
	defer download.File.Close()
	require.Equal(t, "one.pdf", download.Filename)
	require.EqualValues(t, 10, download.SizeBytes)
}

func TestUploadDeleteFileRequiresTeacher(t *testing.T) {
	svc, repo, storage := newUploadFixture()
	batch := svc.NewBatch()
	require.NoError(t, svc.Stage(batch, stagedFile("one.pdf", 10)))
	report, err := svc.Commit(context.Background(), "a-1", batch, teacherActor("t-1"))
	require.NoError(t, err)
	fileID := report.Results[0].FileID

	err = svc.DeleteFile(context.Background(), fileID, studentActor("s-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	require.NoError(t, svc.DeleteFile(context.Background(), fileID, teacherActor("t-1")))
	require.Empty(t, repo.files)
	require.NotEmpty(t, storage.deleted)
}
