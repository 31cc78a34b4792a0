package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/orgsec/offboard/internal/execshell"
)

const (
	cloneSubcommandConstant       = "clone"
	mirrorFlagConstant            = "--mirror"
	remoteSubcommandConstant      = "remote"
	remoteAddSubcommandConstant   = "add"
	fetchSubcommandConstant       = "fetch"
	tagsFlagConstant              = "--tags"
	branchSubcommandConstant      = "branch"
	remotesFlagConstant           = "--remotes"
	deleteFlagConstant            = "--delete"
	forceFlagConstant             = "--force"
	formatFlagConstant            = "--format"
	referenceShortFormatConstant  = "%(refname:short)"
	remoteNameSeparatorConstant   = "/"
	remoteExistsIndicatorConstant = "already exists"

	executorNotConfiguredMessageConstant = "git executor not configured"
	loggerNotConfiguredMessageConstant   = "logger not configured"

	repositoryUnavailableTemplateConstant  = "repository %s is unavailable: %s"
	remoteFetchErrorTemplateConstant       = "fetching remote %s into %s failed: %w"
	remoteAddErrorTemplateConstant         = "adding remote %s to %s failed: %w"
	branchDeletionErrorTemplateConstant    = "deleting branch %s in %s failed: %w"
	branchListingErrorTemplateConstant     = "listing branches in %s failed: %w"
	directoryCreationErrorTemplateConstant = "creating mirror parent directory for %s failed: %w"

	mirrorClonedMessageConstant        = "mirror repository cloned"
	mirrorOpenedMessageConstant        = "existing mirror repository opened"
	remoteAlreadyExistsMessageConstant = "remote already registered on mirror"
	branchDeletedMessageConstant       = "remote branch deleted from mirror"

	logFieldMirrorPathConstant = "mirror_path"
	logFieldRemoteNameConstant = "remote_name"
	logFieldRemoteURLConstant  = "remote_url"
	logFieldBranchNameConstant = "branch_name"
)

// Initialization failure sentinels.
var (
	// ErrExecutorNotConfigured indicates the store was constructed without a git executor.
	ErrExecutorNotConfigured = errors.New(executorNotConfiguredMessageConstant)
	// ErrLoggerNotConfigured indicates the store was constructed without a logger.
	ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)
)

// RepositoryUnavailableError reports that a mirror could not be opened or cloned.
type RepositoryUnavailableError struct {
	RemoteURL string
	Cause     error
}

// Error describes the unavailable repository.
func (unavailableError RepositoryUnavailableError) Error() string {
	return fmt.Sprintf(repositoryUnavailableTemplateConstant, unavailableError.RemoteURL, unavailableError.Cause)
}

// Unwrap exposes the underlying cause.
func (unavailableError RepositoryUnavailableError) Unwrap() error {
	return unavailableError.Cause
}

// GitCommandExecutor is the minimal interface required from execshell.ShellExecutor.
type GitCommandExecutor interface {
	ExecuteGit(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

// Handle references an opened local mirror repository.
type Handle struct {
	Path string
}

// Store manages local mirror repositories keyed by filesystem path.
type Store struct {
	executor GitCommandExecutor
	logger   *zap.Logger
}

// NewStore constructs a mirror store backed by the provided git executor.
func NewStore(logger *zap.Logger, executor GitCommandExecutor) (*Store, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if executor == nil {
		return nil, ErrExecutorNotConfigured
	}
	return &Store{executor: executor, logger: logger}, nil
}

// OpenOrClone opens the mirror directory at localPath, performing a full mirror clone when it does not exist yet.
func (store *Store) OpenOrClone(executionContext context.Context, localPath string, remoteURL string) (Handle, error) {
	if _, statError := os.Stat(localPath); statError == nil {
		store.logger.Debug(
			mirrorOpenedMessageConstant,
			zap.String(logFieldMirrorPathConstant, localPath),
		)
		return Handle{Path: localPath}, nil
	}

	if directoryError := os.MkdirAll(filepath.Dir(localPath), 0o755); directoryError != nil {
		return Handle{}, fmt.Errorf(directoryCreationErrorTemplateConstant, localPath, directoryError)
	}

	cloneDetails := execshell.CommandDetails{
		Arguments: []string{
			cloneSubcommandConstant,
			mirrorFlagConstant,
			remoteURL,
			localPath,
		},
	}

	if _, cloneError := store.executor.ExecuteGit(executionContext, cloneDetails); cloneError != nil {
		return Handle{}, RepositoryUnavailableError{RemoteURL: remoteURL, Cause: cloneError}
	}

	store.logger.Info(
		mirrorClonedMessageConstant,
		zap.String(logFieldMirrorPathConstant, localPath),
		zap.String(logFieldRemoteURLConstant, remoteURL),
	)

	return Handle{Path: localPath}, nil
}

// AddRemoteAndFetch registers remoteURL under remoteName and fetches all of its branches and tags.
// Registration tolerates a remote that already exists on the mirror.
func (store *Store) AddRemoteAndFetch(executionContext context.Context, handle Handle, remoteName string, remoteURL string) error {
	remoteAddDetails := execshell.CommandDetails{
		Arguments: []string{
			remoteSubcommandConstant,
			remoteAddSubcommandConstant,
			remoteName,
			remoteURL,
		},
		WorkingDirectory: handle.Path,
	}

	if _, remoteAddError := store.executor.ExecuteGit(executionContext, remoteAddDetails); remoteAddError != nil {
		if !isRemoteAlreadyExistsFailure(remoteAddError) {
			return fmt.Errorf(remoteAddErrorTemplateConstant, remoteName, handle.Path, remoteAddError)
		}
		store.logger.Debug(
			remoteAlreadyExistsMessageConstant,
			zap.String(logFieldMirrorPathConstant, handle.Path),
			zap.String(logFieldRemoteNameConstant, remoteName),
		)
	}

	fetchDetails := execshell.CommandDetails{
		Arguments: []string{
			fetchSubcommandConstant,
			tagsFlagConstant,
			remoteName,
		},
		WorkingDirectory: handle.Path,
	}

	if _, fetchError := store.executor.ExecuteGit(executionContext, fetchDetails); fetchError != nil {
		return fmt.Errorf(remoteFetchErrorTemplateConstant, remoteName, handle.Path, fetchError)
	}

	return nil
}

// DeleteRemoteBranches force-deletes every remote-tracking branch belonging to remoteName
// and reports whether any branch was found and deleted.
func (store *Store) DeleteRemoteBranches(executionContext context.Context, handle Handle, remoteName string) (bool, error) {
	branchListingDetails := execshell.CommandDetails{
		Arguments: []string{
			branchSubcommandConstant,
			remotesFlagConstant,
			formatFlagConstant,
			referenceShortFormatConstant,
		},
		WorkingDirectory: handle.Path,
	}

	listingResult, listingError := store.executor.ExecuteGit(executionContext, branchListingDetails)
	if listingError != nil {
		return false, fmt.Errorf(branchListingErrorTemplateConstant, handle.Path, listingError)
	}

	remotePrefix := remoteName + remoteNameSeparatorConstant
	deletedAny := false

	for _, branchLine := range strings.Split(listingResult.StandardOutput, "\n") {
		branchName := strings.TrimSpace(branchLine)
		if len(branchName) == 0 || !strings.HasPrefix(branchName, remotePrefix) {
			continue
		}

		branchDeletionDetails := execshell.CommandDetails{
			Arguments: []string{
				branchSubcommandConstant,
				remotesFlagConstant,
				deleteFlagConstant,
				forceFlagConstant,
				branchName,
			},
			WorkingDirectory: handle.Path,
		}

		if _, deletionError := store.executor.ExecuteGit(executionContext, branchDeletionDetails); deletionError != nil {
			return deletedAny, fmt.Errorf(branchDeletionErrorTemplateConstant, branchName, handle.Path, deletionError)
		}

		store.logger.Info(
			branchDeletedMessageConstant,
			zap.String(logFieldMirrorPathConstant, handle.Path),
			zap.String(logFieldBranchNameConstant, branchName),
		)
		deletedAny = true
	}

	return deletedAny, nil
}

func isRemoteAlreadyExistsFailure(candidateError error) bool {
	failedError := execshell.CommandFailedError{}
	if !errors.As(candidateError, &failedError) {
		return false
	}
	return strings.Contains(strings.ToLower(failedError.Result.StandardError), remoteExistsIndicatorConstant)
}
