package removal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orgsec/offboard/internal/store"
)

const (
	intakeIdentityFieldsMessageConstant      = "exactly one of platform username and directory username must be set"
	retryWithoutDirectoryUserMessageConstant = "removal request has no directory username to retry with"

	enqueueFailedErrorTemplateConstant   = "enqueuing removal request failed: %w"
	retryLoadFailedErrorTemplateConstant = "loading removal request %d for retry failed: %w"

	removalEnqueuedMessageConstant = "removal request enqueued"
	removalRetriedMessageConstant  = "removal request re-enqueued"

	logFieldOriginalRemovalIDConstant = "original_removal_id"
	logFieldRemoveOnConstant          = "remove_on"
)

var (
	// ErrExactlyOneIdentityField indicates a request carried neither or both identity fields.
	ErrExactlyOneIdentityField = errors.New(intakeIdentityFieldsMessageConstant)
	// ErrNoDirectoryUsername indicates a retried request has no directory username to re-enqueue.
	ErrNoDirectoryUsername = errors.New(retryWithoutDirectoryUserMessageConstant)
)

// IntakeStore is the subset of the persistent store the intake operations use.
type IntakeStore interface {
	InsertRemovalRequest(executionContext context.Context, request store.RemovalRequest) (store.RemovalRequest, error)
	GetRemovalRequest(executionContext context.Context, removalIdentifier int64) (store.RemovalRequest, error)
}

// Intake creates removal requests from the manual trigger surface.
type Intake struct {
	intakeStore IntakeStore
	logger      *zap.Logger
}

// NewIntake constructs the manual intake operations.
func NewIntake(logger *zap.Logger, intakeStore IntakeStore) (*Intake, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if intakeStore == nil {
		return nil, ErrStoreNotConfigured
	}
	return &Intake{intakeStore: intakeStore, logger: logger}, nil
}

// EnqueueRemoval queues a new removal request carrying exactly one identity
// field and an optional not-before date.
func (intake *Intake) EnqueueRemoval(executionContext context.Context, directoryUsername string, platformUsername string, removeOn *time.Time) (store.RemovalRequest, error) {
	trimmedDirectoryUsername := strings.TrimSpace(directoryUsername)
	trimmedPlatformUsername := strings.TrimSpace(platformUsername)
	if (len(trimmedDirectoryUsername) == 0) == (len(trimmedPlatformUsername) == 0) {
		return store.RemovalRequest{}, ErrExactlyOneIdentityField
	}

	insertedRequest, insertError := intake.intakeStore.InsertRemovalRequest(executionContext, store.RemovalRequest{
		DirectoryUsername: trimmedDirectoryUsername,
		PlatformUsername:  trimmedPlatformUsername,
		RemoveOn:          removeOn,
	})
	if insertError != nil {
		return store.RemovalRequest{}, fmt.Errorf(enqueueFailedErrorTemplateConstant, insertError)
	}

	logFields := []zap.Field{zap.Int64(logFieldRemovalIDConstant, insertedRequest.ID)}
	if removeOn != nil {
		logFields = append(logFields, zap.Time(logFieldRemoveOnConstant, *removeOn))
	}
	intake.logger.Info(removalEnqueuedMessageConstant, logFields...)
	return insertedRequest, nil
}

// RetryRemoval loads an existing removal request and enqueues a fresh one
// carrying its original directory username. A request that was created with
// a platform username only cannot be retried this way.
func (intake *Intake) RetryRemoval(executionContext context.Context, removalIdentifier int64) (store.RemovalRequest, error) {
	originalRequest, loadError := intake.intakeStore.GetRemovalRequest(executionContext, removalIdentifier)
	if loadError != nil {
		return store.RemovalRequest{}, fmt.Errorf(retryLoadFailedErrorTemplateConstant, removalIdentifier, loadError)
	}
	if len(strings.TrimSpace(originalRequest.DirectoryUsername)) == 0 {
		return store.RemovalRequest{}, ErrNoDirectoryUsername
	}

	retriedRequest, insertError := intake.intakeStore.InsertRemovalRequest(executionContext, store.RemovalRequest{
		DirectoryUsername: originalRequest.DirectoryUsername,
	})
	if insertError != nil {
		return store.RemovalRequest{}, fmt.Errorf(enqueueFailedErrorTemplateConstant, insertError)
	}

	intake.logger.Info(
		removalRetriedMessageConstant,
		zap.Int64(logFieldOriginalRemovalIDConstant, removalIdentifier),
		zap.Int64(logFieldRemovalIDConstant, retriedRequest.ID),
	)
	return retriedRequest, nil
}
