package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/classhub/assignment-api/internal/models"
)

type retentionAssignmentsStub struct {
	closed []models.Assignment
}

func (r retentionAssignmentsStub) ListClosedBefore(ctx context.Context, cutoff time.Time) ([]models.Assignment, error) {
	return r.closed, nil
}

type retentionSubmissionsStub struct {
	purged map[string]int64
}

func (r *retentionSubmissionsStub) PurgePayloads(ctx context.Context, assignmentID string, at time.Time) (int64, error) {
	if r.purged == nil {
		r.purged = make(map[string]int64)
	}
	r.purged[assignmentID] = 3
	return 3, nil
}

func closedAssignment(id string, closedAgo time.Duration, retention models.RetentionPeriod) models.Assignment {
	closedAt := time.Now().UTC().Add(-closedAgo)
	return models.Assignment{
		ID:                     id,
		Status:                 models.AssignmentStatusClosed,
		ClosedAt:               &closedAt,
		CleanSubmissionsAfter:  retention,
		CleanInstructionsAfter: retention,
	}
}

func newRetentionFixture(closed ...models.Assignment) (*RetentionService, *retentionSubmissionsStub, *fileStoreStub, *uploadStorageStub) {
	submissions := &retentionSubmissionsStub{}
	files := newFileStoreStub()
	storage := newUploadStorageStub()
	svc := NewRetentionService(retentionAssignmentsStub{closed: closed}, submissions, files, storage, nil, nil, RetentionConfig{
		SweepInterval: time.Minute,
	})
	return svc, submissions, files, storage
}

func TestRetentionSweepPurgesExpiredAssignments(t *testing.T) {
	expired := closedAssignment("a-old", 10*24*time.Hour, models.Retention7Days)
	fresh := closedAssignment("a-new", time.Hour, models.Retention7Days)
	kept := closedAssignment("a-never", 400*24*time.Hour, models.RetentionNever)

	svc, submissions, files, storage := newRetentionFixture(expired, fresh, kept)
	require.NoError(t, files.Create(context.Background(), &models.StoredFile{
		AssignmentID: "a-old", Purpose: models.FilePurposeInstruction, FileName: "brief.pdf", FilePath: "attachments/brief.pdf",
	}))

	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop()

	require.NoError(t, svc.Sweep(ctx))
	require.Eventually(t, func() bool {
		return submissions.purged["a-old"] == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		count, _ := files.CountByAssignment(ctx, "a-old", models.FilePurposeInstruction)
		return count == 0 && len(storage.deleted) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Zero(t, submissions.purged["a-new"])
	require.Zero(t, submissions.purged["a-never"])
}

func TestRetentionWindowExpiry(t *testing.T) {
	now := time.Now().UTC()
	require.True(t, expired(models.Retention7Days, now.Add(-8*24*time.Hour), now))
	require.False(t, expired(models.Retention7Days, now.Add(-6*24*time.Hour), now))
	require.False(t, expired(models.RetentionNever, now.Add(-10*365*24*time.Hour), now))
	require.False(t, expired("", now.Add(-10*365*24*time.Hour), now))
}
