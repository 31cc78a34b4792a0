package removal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgsec/offboard/internal/discovery"
	"github.com/orgsec/offboard/internal/identity"
	"github.com/orgsec/offboard/internal/mirror"
	"github.com/orgsec/offboard/internal/pipeline"
	"github.com/orgsec/offboard/internal/store"
	"github.com/orgsec/offboard/internal/utils"
)

const (
	dispatcherLoggerMissingMessageConstant     = "logger not configured"
	dispatcherStoreMissingMessageConstant      = "state store not configured"
	dispatcherResolverMissingMessageConstant   = "identity resolver not configured"
	dispatcherDiscovererMissingMessageConstant = "fork discoverer not configured"
	dispatcherArchiverMissingMessageConstant   = "fork archiver not configured"
	dispatcherRevokerMissingMessageConstant    = "membership revoker not configured"

	claimFailedErrorTemplateConstant        = "claiming removal batch failed: %w"
	statusUpdateFailedErrorTemplateConstant = "recording terminal status of removal %d failed: %w"

	invalidIdentityFieldsMessageTemplateConstant = "ignoring removal #%d, exactly one of platform username and directory username must be set"
	unknownDirectoryUserMessageTemplateConstant  = "ignoring removal #%d, directory username %q has no registered platform identity"
	identityResolutionFailedTemplateConstant     = "resolving platform identity for removal #%d failed"
	discoveryFailedMessageTemplateConstant       = "discovering forks of %q in organization %q failed"
	archivalFailedMessageTemplateConstant        = "archiving fork %q failed"
	archiveRecordFailedMessageTemplateConstant   = "recording archive state for fork %q failed"
	revocationFailedMessageTemplateConstant      = "revoking memberships of %q in organization %q failed"

	removalBatchStartedMessageConstant  = "removal batch started"
	removalBatchFinishedMessageConstant = "removal batch finished"
	removalProcessingMessageConstant    = "processing removal request"
	removalUnknownUserMessageConstant   = "removal request references an unregistered directory user"
	forkArchivedMessageConstant         = "fork archived"

	logFieldRunIdentifierConstant     = "run_id"
	logFieldRemovalIDConstant         = "removal_id"
	logFieldClaimedCountConstant      = "claimed"
	logFieldOutcomeConstant           = "outcome"
	logFieldPlatformUsernameConstant  = "platform_username"
	logFieldDirectoryUsernameConstant = "directory_username"
	logFieldForkConstant              = "fork"
	logFieldMirrorPathConstant        = "mirror_path"
)

var (
	// ErrLoggerNotConfigured indicates the service was constructed without a logger.
	ErrLoggerNotConfigured = errors.New(dispatcherLoggerMissingMessageConstant)
	// ErrStoreNotConfigured indicates the service was constructed without a state store.
	ErrStoreNotConfigured = errors.New(dispatcherStoreMissingMessageConstant)
	// ErrResolverNotConfigured indicates the service was constructed without an identity resolver.
	ErrResolverNotConfigured = errors.New(dispatcherResolverMissingMessageConstant)
	// ErrDiscovererNotConfigured indicates the service was constructed without a fork discoverer.
	ErrDiscovererNotConfigured = errors.New(dispatcherDiscovererMissingMessageConstant)
	// ErrArchiverNotConfigured indicates the service was constructed without a fork archiver.
	ErrArchiverNotConfigured = errors.New(dispatcherArchiverMissingMessageConstant)
	// ErrRevokerNotConfigured indicates the service was constructed without a membership revoker.
	ErrRevokerNotConfigured = errors.New(dispatcherRevokerMissingMessageConstant)
)

// StateStore is the subset of the persistent store the dispatcher mutates.
type StateStore interface {
	ClaimPendingRemovals(executionContext context.Context, claimTime time.Time) ([]store.RemovalRequest, error)
	SetRemovalStatus(executionContext context.Context, removalIdentifier int64, status store.RemovalStatus, completionTime time.Time) error
	InsertArchiveRecord(executionContext context.Context, record store.ArchiveRecord) (store.ArchiveRecord, error)
	SetArchiveRecordStatus(executionContext context.Context, recordIdentifier int64, status store.ArchiveStatus) error
	InsertRemovalLog(executionContext context.Context, logEntry store.RemovalLog) error
}

// IdentityResolver resolves directory usernames to current platform logins.
type IdentityResolver interface {
	ResolvePlatformUsername(executionContext context.Context, directoryUsername string) (string, error)
}

// ForkDiscoverer finds the private forks a user owns inside an organization.
type ForkDiscoverer interface {
	FindForksToArchive(executionContext context.Context, organizationName string, username string) ([]discovery.Fork, error)
}

// ForkArchiver mirrors upstream repositories and fetches fork refs into them.
type ForkArchiver interface {
	OpenOrClone(executionContext context.Context, localPath string, remoteURL string) (mirror.Handle, error)
	AddRemoteAndFetch(executionContext context.Context, handle mirror.Handle, remoteName string, remoteURL string) error
}

// MembershipRevoker revokes team and organization memberships.
type MembershipRevoker interface {
	RevokeTeamMembership(executionContext context.Context, removalIdentifier int64, organizationName string, teamSlug string, teamName string, username string) error
	RevokeOrganizationMembership(executionContext context.Context, removalIdentifier int64, organizationName string, username string) error
}

// Service claims pending removal requests and processes each sequentially.
// Failures stay confined to their own request: every claimed request reaches
// a terminal status even when a step fails unexpectedly.
type Service struct {
	stateStore      StateStore
	resolver        IdentityResolver
	discoverer      ForkDiscoverer
	archiver        ForkArchiver
	revoker         MembershipRevoker
	settings        pipeline.Settings
	logger          *zap.Logger
	contextAccessor utils.CommandContextAccessor
}

// NewService constructs a removal dispatcher.
func NewService(
	logger *zap.Logger,
	stateStore StateStore,
	resolver IdentityResolver,
	discoverer ForkDiscoverer,
	archiver ForkArchiver,
	revoker MembershipRevoker,
	settings pipeline.Settings,
) (*Service, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if stateStore == nil {
		return nil, ErrStoreNotConfigured
	}
	if resolver == nil {
		return nil, ErrResolverNotConfigured
	}
	if discoverer == nil {
		return nil, ErrDiscovererNotConfigured
	}
	if archiver == nil {
		return nil, ErrArchiverNotConfigured
	}
	if revoker == nil {
		return nil, ErrRevokerNotConfigured
	}
	return &Service{
		stateStore:      stateStore,
		resolver:        resolver,
		discoverer:      discoverer,
		archiver:        archiver,
		revoker:         revoker,
		settings:        settings,
		logger:          logger,
		contextAccessor: utils.NewCommandContextAccessor(),
	}, nil
}

// ProcessBatch claims every due removal request and processes each one to a
// terminal status. The batch outcome is DONE only when every claimed request
// completed; any other terminal status turns it into DONE_WITH_ERRORS.
func (service *Service) ProcessBatch(executionContext context.Context) (pipeline.Outcome, error) {
	runIdentifier, runIdentifierAvailable := service.contextAccessor.RunIdentifier(executionContext)
	if !runIdentifierAvailable {
		runIdentifier = uuid.NewString()
	}
	batchLogger := service.logger.With(zap.String(logFieldRunIdentifierConstant, runIdentifier))

	claimedRequests, claimError := service.stateStore.ClaimPendingRemovals(executionContext, time.Now().UTC())
	if claimError != nil {
		return pipeline.OutcomeDoneWithErrors, fmt.Errorf(claimFailedErrorTemplateConstant, claimError)
	}
	batchLogger.Info(removalBatchStartedMessageConstant, zap.Int(logFieldClaimedCountConstant, len(claimedRequests)))

	batchSuccessful := true
	for _, claimedRequest := range claimedRequests {
		requestLogger := batchLogger.With(zap.Int64(logFieldRemovalIDConstant, claimedRequest.ID))
		requestLogger.Info(removalProcessingMessageConstant)

		terminalStatus := service.processRemoval(executionContext, requestLogger, claimedRequest)
		if statusError := service.stateStore.SetRemovalStatus(executionContext, claimedRequest.ID, terminalStatus, time.Now().UTC()); statusError != nil {
			return pipeline.OutcomeDoneWithErrors, fmt.Errorf(statusUpdateFailedErrorTemplateConstant, claimedRequest.ID, statusError)
		}
		batchSuccessful = batchSuccessful && terminalStatus == store.RemovalStatusCompleted
	}

	batchOutcome := pipeline.OutcomeDone
	if !batchSuccessful {
		batchOutcome = pipeline.OutcomeDoneWithErrors
	}
	batchLogger.Info(removalBatchFinishedMessageConstant, zap.String(logFieldOutcomeConstant, string(batchOutcome)))
	return batchOutcome, nil
}

// processRemoval walks one request through validation, identity resolution,
// per-organization archival, and revocation. It always returns a terminal
// status; failures are written to the request's diagnostic trail.
func (service *Service) processRemoval(executionContext context.Context, requestLogger *zap.Logger, request store.RemovalRequest) store.RemovalStatus {
	directoryUsername := strings.TrimSpace(request.DirectoryUsername)
	platformUsername := strings.TrimSpace(request.PlatformUsername)

	if (len(directoryUsername) == 0) == (len(platformUsername) == 0) {
		service.recordDiagnostic(executionContext, requestLogger, request.ID,
			fmt.Sprintf(invalidIdentityFieldsMessageTemplateConstant, request.ID), nil)
		return store.RemovalStatusInvalid
	}

	if len(platformUsername) == 0 {
		resolvedUsername, resolutionError := service.resolver.ResolvePlatformUsername(executionContext, directoryUsername)
		if errors.Is(resolutionError, identity.ErrUnknownIdentity) {
			// expected outcome, recorded but never surfaced as an error
			requestLogger.Info(removalUnknownUserMessageConstant, zap.String(logFieldDirectoryUsernameConstant, directoryUsername))
			service.recordDiagnostic(executionContext, requestLogger, request.ID,
				fmt.Sprintf(unknownDirectoryUserMessageTemplateConstant, request.ID, directoryUsername), nil)
			return store.RemovalStatusUnknownUser
		}
		if resolutionError != nil {
			service.recordDiagnostic(executionContext, requestLogger, request.ID,
				fmt.Sprintf(identityResolutionFailedTemplateConstant, request.ID), resolutionError)
			return store.RemovalStatusFailed
		}
		platformUsername = resolvedUsername
	}
	requestLogger = requestLogger.With(zap.String(logFieldPlatformUsernameConstant, platformUsername))

	for _, monitoredOrganization := range service.settings.Organizations {
		if archivalError := service.archiveUserForks(executionContext, requestLogger, request.ID, monitoredOrganization.Name, platformUsername); archivalError != nil {
			return store.RemovalStatusFailed
		}

		if !service.settings.RevocationEnabled {
			continue
		}
		if revocationError := service.revokeMemberships(executionContext, request.ID, monitoredOrganization, platformUsername); revocationError != nil {
			service.recordDiagnostic(executionContext, requestLogger, request.ID,
				fmt.Sprintf(revocationFailedMessageTemplateConstant, platformUsername, monitoredOrganization.Name), revocationError)
			return store.RemovalStatusFailed
		}
	}

	return store.RemovalStatusCompleted
}

// archiveUserForks discovers the user's private forks in one organization and
// mirrors each into the local archive. The upstream repository is mirrored
// once; the fork's refs land under a remote named after the fork owner.
func (service *Service) archiveUserForks(executionContext context.Context, requestLogger *zap.Logger, removalIdentifier int64, organizationName string, platformUsername string) error {
	discoveredForks, discoveryError := service.discoverer.FindForksToArchive(executionContext, organizationName, platformUsername)
	if discoveryError != nil {
		service.recordDiagnostic(executionContext, requestLogger, removalIdentifier,
			fmt.Sprintf(discoveryFailedMessageTemplateConstant, platformUsername, organizationName), discoveryError)
		return discoveryError
	}

	for _, discoveredFork := range discoveredForks {
		archiveRecord, insertError := service.stateStore.InsertArchiveRecord(executionContext, store.ArchiveRecord{
			RemovalID:           removalIdentifier,
			RepositoryName:      discoveredFork.FullName,
			RepositoryURL:       discoveredFork.CloneURL,
			SourceRepository:    discoveredFork.SourceFullName,
			SourceRepositoryURL: discoveredFork.SourceCloneURL,
			Status:              store.ArchiveStatusNew,
		})
		if insertError != nil {
			service.recordDiagnostic(executionContext, requestLogger, removalIdentifier,
				fmt.Sprintf(archiveRecordFailedMessageTemplateConstant, discoveredFork.FullName), insertError)
			return insertError
		}

		if archivalError := service.archiveFork(executionContext, requestLogger, discoveredFork); archivalError != nil {
			service.recordDiagnostic(executionContext, requestLogger, removalIdentifier,
				fmt.Sprintf(archivalFailedMessageTemplateConstant, discoveredFork.FullName), archivalError)
			if statusError := service.stateStore.SetArchiveRecordStatus(executionContext, archiveRecord.ID, store.ArchiveStatusArchivalFailed); statusError != nil {
				service.recordDiagnostic(executionContext, requestLogger, removalIdentifier,
					fmt.Sprintf(archiveRecordFailedMessageTemplateConstant, discoveredFork.FullName), statusError)
			}
			return archivalError
		}

		if statusError := service.stateStore.SetArchiveRecordStatus(executionContext, archiveRecord.ID, store.ArchiveStatusArchived); statusError != nil {
			service.recordDiagnostic(executionContext, requestLogger, removalIdentifier,
				fmt.Sprintf(archiveRecordFailedMessageTemplateConstant, discoveredFork.FullName), statusError)
			return statusError
		}
	}
	return nil
}

func (service *Service) archiveFork(executionContext context.Context, requestLogger *zap.Logger, discoveredFork discovery.Fork) error {
	mirrorPath := service.mirrorPathFor(discoveredFork.SourceFullName)
	mirrorHandle, openError := service.archiver.OpenOrClone(executionContext, mirrorPath, discoveredFork.SourceCloneURL)
	if openError != nil {
		return openError
	}
	if fetchError := service.archiver.AddRemoteAndFetch(executionContext, mirrorHandle, discoveredFork.OwnerLogin, discoveredFork.CloneURL); fetchError != nil {
		return fetchError
	}

	requestLogger.Info(
		forkArchivedMessageConstant,
		zap.String(logFieldForkConstant, discoveredFork.FullName),
		zap.String(logFieldMirrorPathConstant, mirrorPath),
	)
	return nil
}

// revokeMemberships removes the user from each monitored team, then from the
// organization itself when its revoke flag is set. Team-then-organization
// ordering is fixed: the organization removal would cascade team memberships
// on the platform side and hide the per-team audit trail.
func (service *Service) revokeMemberships(executionContext context.Context, removalIdentifier int64, monitoredOrganization pipeline.MonitoredOrganization, platformUsername string) error {
	for _, monitoredTeam := range monitoredOrganization.Teams {
		if teamError := service.revoker.RevokeTeamMembership(
			executionContext,
			removalIdentifier,
			monitoredOrganization.Name,
			monitoredTeam.Slug,
			monitoredTeam.Name,
			platformUsername,
		); teamError != nil {
			return teamError
		}
	}

	if monitoredOrganization.RevokeOrganizationMembership {
		if organizationError := service.revoker.RevokeOrganizationMembership(
			executionContext,
			removalIdentifier,
			monitoredOrganization.Name,
			platformUsername,
		); organizationError != nil {
			return organizationError
		}
	}
	return nil
}

func (service *Service) mirrorPathFor(sourceFullName string) string {
	return filepath.Join(service.settings.ArchiveRoot, filepath.FromSlash(sourceFullName))
}

// recordDiagnostic writes a removal-scoped log row. Store failures while
// logging are reported to the process log only; they never mask the
// triggering failure.
func (service *Service) recordDiagnostic(executionContext context.Context, requestLogger *zap.Logger, removalIdentifier int64, message string, cause error) {
	errorText := ""
	if cause != nil {
		errorText = cause.Error()
		requestLogger.Error(message, zap.Error(cause))
	}

	logEntry := store.RemovalLog{
		RemovalID: &removalIdentifier,
		Message:   message,
		ErrorText: errorText,
	}
	if insertError := service.stateStore.InsertRemovalLog(executionContext, logEntry); insertError != nil {
		requestLogger.Error(message, zap.Error(insertError))
	}
}
