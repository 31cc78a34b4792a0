// Package prune retires old fork archives: duplicates are superseded and the
// newest archive past retention has its mirrored refs deleted.
package prune

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/orgsec/offboard/internal/mirror"
	"github.com/orgsec/offboard/internal/pipeline"
	"github.com/orgsec/offboard/internal/store"
)

const (
	hoursPerDayConstant = 24

	prunerLoggerMissingMessageConstant = "logger not configured"
	prunerStoreMissingMessageConstant  = "archive store not configured"
	prunerMirrorMissingMessageConstant = "mirror store not configured"

	archiveListingFailedErrorTemplateConstant = "loading prunable archive records failed: %w"

	pruningDisabledMessageConstant        = "archive pruning is disabled"
	pruningStartedMessageConstant         = "archive pruning started"
	pruningFinishedMessageConstant        = "archive pruning finished"
	recordSupersededMessageConstant       = "older archive record superseded"
	recordAlreadyFinalizedMessageConstant = "archive record already finalized by another run, skipping"
	recordRetainedMessageConstant         = "newest archive record still within retention, keeping"
	recordDeletedMessageConstant          = "archived refs deleted from mirror"
	archiveDeletionFailedMessageConstant  = "deleting archived refs failed"
	finalizationFailedMessageConstant     = "finalizing archive record failed"
	supersessionFailedMessageConstant     = "superseding archive record failed"
	noBranchesDeletedMessageConstant      = "no remote branches found under the fork owner's namespace"

	logFieldRepositoryConstant    = "repository"
	logFieldRecordIDConstant      = "record_id"
	logFieldGroupCountConstant    = "groups"
	logFieldOutcomeConstant       = "outcome"
	logFieldOwnerConstant         = "owner"
	logFieldRetentionDaysConstant = "retention_days"
)

var (
	// ErrLoggerNotConfigured indicates the service was constructed without a logger.
	ErrLoggerNotConfigured = errors.New(prunerLoggerMissingMessageConstant)
	// ErrStoreNotConfigured indicates the service was constructed without an archive store.
	ErrStoreNotConfigured = errors.New(prunerStoreMissingMessageConstant)
	// ErrMirrorNotConfigured indicates the service was constructed without a mirror store.
	ErrMirrorNotConfigured = errors.New(prunerMirrorMissingMessageConstant)
)

// ArchiveStore is the subset of the persistent store the pruner mutates.
type ArchiveStore interface {
	ListArchivedRecordsForPruning(executionContext context.Context) (map[string][]store.ArchiveRecord, error)
	FinalizeArchiveRecord(executionContext context.Context, recordIdentifier int64, status store.ArchiveStatus, finalizationTime time.Time) error
}

// BranchPruner opens source repository mirrors and deletes archived refs.
type BranchPruner interface {
	OpenOrClone(executionContext context.Context, localPath string, remoteURL string) (mirror.Handle, error)
	DeleteRemoteBranches(executionContext context.Context, handle mirror.Handle, remoteName string) (bool, error)
}

// Service prunes fork archives past their retention period.
type Service struct {
	archiveStore ArchiveStore
	branchPruner BranchPruner
	settings     pipeline.Settings
	logger       *zap.Logger
	timeProvider func() time.Time
}

// NewService constructs an archive pruner.
func NewService(logger *zap.Logger, archiveStore ArchiveStore, branchPruner BranchPruner, settings pipeline.Settings) (*Service, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if archiveStore == nil {
		return nil, ErrStoreNotConfigured
	}
	if branchPruner == nil {
		return nil, ErrMirrorNotConfigured
	}
	return &Service{
		archiveStore: archiveStore,
		branchPruner: branchPruner,
		settings:     settings,
		logger:       logger,
		timeProvider: time.Now,
	}, nil
}

// Prune supersedes duplicate archives per repository and deletes the refs of
// the newest archive once it has aged past the retention period. Failures
// stay confined to their repository group; the batch always runs to the end.
func (service *Service) Prune(executionContext context.Context) (pipeline.Outcome, error) {
	if !service.settings.ArchiveEnabled {
		service.logger.Info(pruningDisabledMessageConstant)
		return pipeline.OutcomePruningDisabled, nil
	}

	groupedRecords, listingError := service.archiveStore.ListArchivedRecordsForPruning(executionContext)
	if listingError != nil {
		return pipeline.OutcomeDoneWithErrors, fmt.Errorf(archiveListingFailedErrorTemplateConstant, listingError)
	}
	service.logger.Info(
		pruningStartedMessageConstant,
		zap.Int(logFieldGroupCountConstant, len(groupedRecords)),
		zap.Int(logFieldRetentionDaysConstant, service.settings.ArchiveRetentionDays),
	)

	repositoryNames := make([]string, 0, len(groupedRecords))
	for repositoryName := range groupedRecords {
		repositoryNames = append(repositoryNames, repositoryName)
	}
	sort.Strings(repositoryNames)

	batchSuccessful := true
	for _, repositoryName := range repositoryNames {
		if groupSuccessful := service.pruneRepositoryGroup(executionContext, repositoryName, groupedRecords[repositoryName]); !groupSuccessful {
			batchSuccessful = false
		}
	}

	batchOutcome := pipeline.OutcomeDone
	if !batchSuccessful {
		batchOutcome = pipeline.OutcomeDoneWithErrors
	}
	service.logger.Info(pruningFinishedMessageConstant, zap.String(logFieldOutcomeConstant, string(batchOutcome)))
	return batchOutcome, nil
}

// pruneRepositoryGroup handles one repository's archive records, oldest
// first. Everything but the newest record is superseded; the newest is
// deleted once old enough.
func (service *Service) pruneRepositoryGroup(executionContext context.Context, repositoryName string, groupRecords []store.ArchiveRecord) bool {
	if len(groupRecords) == 0 {
		return true
	}

	sortedRecords := make([]store.ArchiveRecord, len(groupRecords))
	copy(sortedRecords, groupRecords)
	sort.Slice(sortedRecords, func(leftIndex int, rightIndex int) bool {
		return sortedRecords[leftIndex].CreatedAt.Before(sortedRecords[rightIndex].CreatedAt)
	})

	groupLogger := service.logger.With(zap.String(logFieldRepositoryConstant, repositoryName))
	groupSuccessful := true

	for _, supersededRecord := range sortedRecords[:len(sortedRecords)-1] {
		finalizationError := service.archiveStore.FinalizeArchiveRecord(executionContext, supersededRecord.ID, store.ArchiveStatusSuperseded, service.timeProvider().UTC())
		if errors.Is(finalizationError, store.ErrAlreadyFinalized) {
			groupLogger.Warn(recordAlreadyFinalizedMessageConstant, zap.Int64(logFieldRecordIDConstant, supersededRecord.ID))
			continue
		}
		if finalizationError != nil {
			groupLogger.Error(supersessionFailedMessageConstant, zap.Int64(logFieldRecordIDConstant, supersededRecord.ID), zap.Error(finalizationError))
			groupSuccessful = false
			continue
		}
		groupLogger.Info(recordSupersededMessageConstant, zap.Int64(logFieldRecordIDConstant, supersededRecord.ID))
	}

	newestRecord := sortedRecords[len(sortedRecords)-1]
	retentionBoundary := service.timeProvider().UTC().Add(-time.Duration(service.settings.ArchiveRetentionDays) * hoursPerDayConstant * time.Hour)
	// the boundary is inclusive: a record created exactly retentionDays ago is eligible
	if newestRecord.CreatedAt.After(retentionBoundary) {
		groupLogger.Info(recordRetainedMessageConstant, zap.Int64(logFieldRecordIDConstant, newestRecord.ID))
		return groupSuccessful
	}

	if deletionError := service.deleteArchivedRefs(executionContext, groupLogger, newestRecord); deletionError != nil {
		groupLogger.Error(archiveDeletionFailedMessageConstant, zap.Int64(logFieldRecordIDConstant, newestRecord.ID), zap.Error(deletionError))
		_ = service.finalizeRecord(executionContext, groupLogger, newestRecord.ID, store.ArchiveStatusDeletionFailed)
		return false
	}

	finalizationError := service.finalizeRecord(executionContext, groupLogger, newestRecord.ID, store.ArchiveStatusDeleted)
	if errors.Is(finalizationError, store.ErrAlreadyFinalized) {
		return groupSuccessful
	}
	if finalizationError != nil {
		return false
	}
	groupLogger.Info(recordDeletedMessageConstant, zap.Int64(logFieldRecordIDConstant, newestRecord.ID))
	return groupSuccessful
}

func (service *Service) deleteArchivedRefs(executionContext context.Context, groupLogger *zap.Logger, record store.ArchiveRecord) error {
	mirrorPath := filepath.Join(service.settings.ArchiveRoot, filepath.FromSlash(record.SourceRepository))
	mirrorHandle, openError := service.branchPruner.OpenOrClone(executionContext, mirrorPath, record.SourceRepositoryURL)
	if openError != nil {
		return openError
	}

	ownerLogin := record.OwnerLogin()
	deletedAny, deletionError := service.branchPruner.DeleteRemoteBranches(executionContext, mirrorHandle, ownerLogin)
	if deletionError != nil {
		return deletionError
	}
	if !deletedAny {
		groupLogger.Warn(noBranchesDeletedMessageConstant, zap.String(logFieldOwnerConstant, ownerLogin))
	}
	return nil
}

// finalizeRecord writes the terminal status. A concurrent run having
// finalized the record first surfaces as store.ErrAlreadyFinalized so the
// caller can skip it without failing the group; any other error is a
// genuine store failure.
func (service *Service) finalizeRecord(executionContext context.Context, groupLogger *zap.Logger, recordIdentifier int64, status store.ArchiveStatus) error {
	finalizationError := service.archiveStore.FinalizeArchiveRecord(executionContext, recordIdentifier, status, service.timeProvider().UTC())
	if errors.Is(finalizationError, store.ErrAlreadyFinalized) {
		groupLogger.Warn(recordAlreadyFinalizedMessageConstant, zap.Int64(logFieldRecordIDConstant, recordIdentifier))
		return finalizationError
	}
	if finalizationError != nil {
		groupLogger.Error(finalizationFailedMessageConstant, zap.Int64(logFieldRecordIDConstant, recordIdentifier), zap.Error(finalizationError))
		return finalizationError
	}
	return nil
}
