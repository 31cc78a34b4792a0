package prune

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orgsec/offboard/internal/mirror"
	"github.com/orgsec/offboard/internal/pipeline"
	"github.com/orgsec/offboard/internal/store"
)

const (
	testRepositoryNameConstant   = "alice/core"
	testSourceRepositoryConstant = "acme/core"
	testSourceCloneURLConstant   = "https://github.com/acme/core.git"
	testArchiveRootConstant      = "/var/archives"
	testRetentionDaysConstant    = 28
)

type fakeArchiveStore struct {
	groupedRecords    map[string][]store.ArchiveRecord
	listingError      error
	finalizedStatuses map[int64]store.ArchiveStatus
	finalizationError map[int64]error
}

func newFakeArchiveStore(groupedRecords map[string][]store.ArchiveRecord) *fakeArchiveStore {
	return &fakeArchiveStore{
		groupedRecords:    groupedRecords,
		finalizedStatuses: map[int64]store.ArchiveStatus{},
		finalizationError: map[int64]error{},
	}
}

func (archiveStore *fakeArchiveStore) ListArchivedRecordsForPruning(executionContext context.Context) (map[string][]store.ArchiveRecord, error) {
	if archiveStore.listingError != nil {
		return nil, archiveStore.listingError
	}
	return archiveStore.groupedRecords, nil
}

func (archiveStore *fakeArchiveStore) FinalizeArchiveRecord(executionContext context.Context, recordIdentifier int64, status store.ArchiveStatus, finalizationTime time.Time) error {
	if mappedError, errorMapped := archiveStore.finalizationError[recordIdentifier]; errorMapped {
		return mappedError
	}
	if _, alreadyFinalized := archiveStore.finalizedStatuses[recordIdentifier]; alreadyFinalized {
		return store.ErrAlreadyFinalized
	}
	archiveStore.finalizedStatuses[recordIdentifier] = status
	return nil
}

type recordingBranchPruner struct {
	openedPaths    []string
	deletedRemotes []string
	openError      error
	deletionError  error
	deletedAny     bool
}

func (branchPruner *recordingBranchPruner) OpenOrClone(executionContext context.Context, localPath string, remoteURL string) (mirror.Handle, error) {
	if branchPruner.openError != nil {
		return mirror.Handle{}, branchPruner.openError
	}
	branchPruner.openedPaths = append(branchPruner.openedPaths, localPath)
	return mirror.Handle{Path: localPath}, nil
}

func (branchPruner *recordingBranchPruner) DeleteRemoteBranches(executionContext context.Context, handle mirror.Handle, remoteName string) (bool, error) {
	if branchPruner.deletionError != nil {
		return false, branchPruner.deletionError
	}
	branchPruner.deletedRemotes = append(branchPruner.deletedRemotes, remoteName)
	return branchPruner.deletedAny, nil
}

func pruneSettings(archiveEnabled bool) pipeline.Settings {
	return pipeline.Settings{
		ArchiveEnabled:       archiveEnabled,
		ArchiveRetentionDays: testRetentionDaysConstant,
		ArchiveRoot:          testArchiveRootConstant,
	}
}

func archivedRecord(recordIdentifier int64, repositoryName string, createdAt time.Time) store.ArchiveRecord {
	return store.ArchiveRecord{
		ID:                  recordIdentifier,
		RepositoryName:      repositoryName,
		SourceRepository:    testSourceRepositoryConstant,
		SourceRepositoryURL: testSourceCloneURLConstant,
		Status:              store.ArchiveStatusArchived,
		CreatedAt:           createdAt,
	}
}

func newTestService(testInstance *testing.T, archiveStore ArchiveStore, branchPruner BranchPruner, settings pipeline.Settings, currentTime time.Time) *Service {
	service, creationError := NewService(zap.NewNop(), archiveStore, branchPruner, settings)
	require.NoError(testInstance, creationError)
	service.timeProvider = func() time.Time { return currentTime }
	return service
}

func TestPruneReportsDisabledWithoutStoreAccess(testInstance *testing.T) {
	archiveStore := newFakeArchiveStore(nil)
	archiveStore.listingError = errors.New("store must not be touched")
	service := newTestService(testInstance, archiveStore, &recordingBranchPruner{}, pruneSettings(false), time.Now().UTC())

	pruneOutcome, pruneError := service.Prune(context.Background())
	require.NoError(testInstance, pruneError)
	require.Equal(testInstance, pipeline.OutcomePruningDisabled, pruneOutcome)
}

func TestPruneSupersedesAllButNewestRecord(testInstance *testing.T) {
	currentTime := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	archiveStore := newFakeArchiveStore(map[string][]store.ArchiveRecord{
		testRepositoryNameConstant: {
			archivedRecord(2, testRepositoryNameConstant, currentTime.Add(-10*24*time.Hour)),
			archivedRecord(1, testRepositoryNameConstant, currentTime.Add(-20*24*time.Hour)),
			archivedRecord(3, testRepositoryNameConstant, currentTime.Add(-5*24*time.Hour)),
		},
	})
	branchPruner := &recordingBranchPruner{deletedAny: true}
	service := newTestService(testInstance, archiveStore, branchPruner, pruneSettings(true), currentTime)

	pruneOutcome, pruneError := service.Prune(context.Background())
	require.NoError(testInstance, pruneError)
	require.Equal(testInstance, pipeline.OutcomeDone, pruneOutcome)

	// the two oldest are superseded, the newest is still within retention
	require.Equal(testInstance, store.ArchiveStatusSuperseded, archiveStore.finalizedStatuses[1])
	require.Equal(testInstance, store.ArchiveStatusSuperseded, archiveStore.finalizedStatuses[2])
	require.NotContains(testInstance, archiveStore.finalizedStatuses, int64(3))
	require.Empty(testInstance, branchPruner.deletedRemotes)
}

func TestPruneRetentionBoundaryIsInclusive(testInstance *testing.T) {
	currentTime := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	retentionAge := time.Duration(testRetentionDaysConstant) * 24 * time.Hour

	testCases := []struct {
		name           string
		createdAt      time.Time
		expectDeletion bool
	}{
		{name: "exactly_at_boundary_deleted", createdAt: currentTime.Add(-retentionAge), expectDeletion: true},
		{name: "one_day_younger_retained", createdAt: currentTime.Add(-retentionAge).Add(24 * time.Hour), expectDeletion: false},
		{name: "one_day_older_deleted", createdAt: currentTime.Add(-retentionAge).Add(-24 * time.Hour), expectDeletion: true},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			archiveStore := newFakeArchiveStore(map[string][]store.ArchiveRecord{
				testRepositoryNameConstant: {archivedRecord(1, testRepositoryNameConstant, testCase.createdAt)},
			})
			branchPruner := &recordingBranchPruner{deletedAny: true}
			service := newTestService(testInstance, archiveStore, branchPruner, pruneSettings(true), currentTime)

			pruneOutcome, pruneError := service.Prune(context.Background())
			require.NoError(testInstance, pruneError)
			require.Equal(testInstance, pipeline.OutcomeDone, pruneOutcome)

			if !testCase.expectDeletion {
				require.NotContains(testInstance, archiveStore.finalizedStatuses, int64(1))
				require.Empty(testInstance, branchPruner.deletedRemotes)
				return
			}
			require.Equal(testInstance, store.ArchiveStatusDeleted, archiveStore.finalizedStatuses[1])
			require.Equal(testInstance, []string{"alice"}, branchPruner.deletedRemotes)
			require.Equal(testInstance, []string{filepath.Join(testArchiveRootConstant, "acme", "core")}, branchPruner.openedPaths)
		})
	}
}

func TestPruneMarksDeletionFailedAndContinues(testInstance *testing.T) {
	currentTime := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	oldEnough := currentTime.Add(-40 * 24 * time.Hour)
	archiveStore := newFakeArchiveStore(map[string][]store.ArchiveRecord{
		"alice/broken": {archivedRecord(1, "alice/broken", oldEnough)},
		"alice/core":   {archivedRecord(2, "alice/core", oldEnough)},
	})
	branchPruner := &recordingBranchPruner{deletedAny: true}
	branchPruner.deletionError = errors.New("branch deletion rejected")
	service := newTestService(testInstance, archiveStore, branchPruner, pruneSettings(true), currentTime)

	pruneOutcome, pruneError := service.Prune(context.Background())
	require.NoError(testInstance, pruneError)
	require.Equal(testInstance, pipeline.OutcomeDoneWithErrors, pruneOutcome)

	// both groups were attempted despite the first one failing
	require.Equal(testInstance, store.ArchiveStatusDeletionFailed, archiveStore.finalizedStatuses[1])
	require.Equal(testInstance, store.ArchiveStatusDeletionFailed, archiveStore.finalizedStatuses[2])
	require.Len(testInstance, branchPruner.openedPaths, 2)
}

func TestPruneReportsFinalizationFailureAfterRefDeletion(testInstance *testing.T) {
	currentTime := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	archiveStore := newFakeArchiveStore(map[string][]store.ArchiveRecord{
		testRepositoryNameConstant: {archivedRecord(1, testRepositoryNameConstant, currentTime.Add(-40*24*time.Hour))},
	})
	archiveStore.finalizationError[1] = errors.New("database is locked")
	branchPruner := &recordingBranchPruner{deletedAny: true}
	service := newTestService(testInstance, archiveStore, branchPruner, pruneSettings(true), currentTime)

	pruneOutcome, pruneError := service.Prune(context.Background())
	require.NoError(testInstance, pruneError)

	// the mirror was mutated but the record is still ARCHIVED, so the
	// batch must not report a clean run
	require.Equal(testInstance, []string{"alice"}, branchPruner.deletedRemotes)
	require.Equal(testInstance, pipeline.OutcomeDoneWithErrors, pruneOutcome)
}

func TestPruneSkipsConcurrentlyFinalizedRecords(testInstance *testing.T) {
	currentTime := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	archiveStore := newFakeArchiveStore(map[string][]store.ArchiveRecord{
		testRepositoryNameConstant: {
			archivedRecord(1, testRepositoryNameConstant, currentTime.Add(-40*24*time.Hour)),
			archivedRecord(2, testRepositoryNameConstant, currentTime.Add(-39*24*time.Hour)),
		},
	})
	archiveStore.finalizationError[1] = store.ErrAlreadyFinalized
	branchPruner := &recordingBranchPruner{deletedAny: true}
	service := newTestService(testInstance, archiveStore, branchPruner, pruneSettings(true), currentTime)

	pruneOutcome, pruneError := service.Prune(context.Background())
	require.NoError(testInstance, pruneError)

	// a concurrently finalized record is skipped with a warning, not an error
	require.Equal(testInstance, pipeline.OutcomeDone, pruneOutcome)
	require.NotContains(testInstance, archiveStore.finalizedStatuses, int64(1))
	require.Equal(testInstance, store.ArchiveStatusDeleted, archiveStore.finalizedStatuses[2])
}

func TestPruneReportsListingFailure(testInstance *testing.T) {
	archiveStore := newFakeArchiveStore(nil)
	archiveStore.listingError = errors.New("database is locked")
	service := newTestService(testInstance, archiveStore, &recordingBranchPruner{}, pruneSettings(true), time.Now().UTC())

	pruneOutcome, pruneError := service.Prune(context.Background())
	require.ErrorIs(testInstance, pruneError, archiveStore.listingError)
	require.Equal(testInstance, pipeline.OutcomeDoneWithErrors, pruneOutcome)
}
