package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/orgsec/offboard/internal/githubcli"
)

const (
	listingAttemptLimitConstant = 3

	discoveryLoggerMissingMessageConstant = "logger not configured"
	discoveryListerMissingMessageConstant = "repository lister not configured"

	timeoutErrorTemplateConstant = "listing %s timed out after %d attempts: %s"
	listErrorTemplateConstant    = "listing %s failed: %s"

	listingRetriedMessageConstant       = "repository listing retried after transient failure"
	hostResolutionFailedMessageConstant = "API host did not resolve during timeout diagnostics"
	hostResolutionMessageConstant       = "API host resolved during timeout diagnostics"
	forkDiscoveredMessageConstant       = "private fork discovered"

	logFieldEndpointDescriptionConstant = "listing"
	logFieldAttemptConstant             = "attempt"
	logFieldHostConstant                = "host"
	logFieldAddressesConstant           = "addresses"
	logFieldForkConstant                = "fork"
	logFieldSourceRepositoryConstant    = "source_repository"

	organizationListingDescriptionTemplateConstant = "repositories of organization %s"
	forkListingDescriptionTemplateConstant         = "forks of repository %s"
)

var (
	// ErrLoggerNotConfigured indicates the service was constructed without a logger.
	ErrLoggerNotConfigured = errors.New(discoveryLoggerMissingMessageConstant)
	// ErrListerNotConfigured indicates the service was constructed without a repository lister.
	ErrListerNotConfigured = errors.New(discoveryListerMissingMessageConstant)
)

// TimeoutError reports retry exhaustion caused by timeout-class transport failures.
type TimeoutError struct {
	Description string
	Attempts    int
	Cause       error
}

// Error describes the exhausted listing.
func (timeoutError TimeoutError) Error() string {
	return fmt.Sprintf(timeoutErrorTemplateConstant, timeoutError.Description, timeoutError.Attempts, timeoutError.Cause)
}

// Unwrap exposes the final attempt's failure.
func (timeoutError TimeoutError) Unwrap() error {
	return timeoutError.Cause
}

// ListError reports a listing failure that is not timeout-class.
type ListError struct {
	Description string
	Cause       error
}

// Error describes the failed listing.
func (listError ListError) Error() string {
	return fmt.Sprintf(listErrorTemplateConstant, listError.Description, listError.Cause)
}

// Unwrap exposes the underlying failure.
func (listError ListError) Unwrap() error {
	return listError.Cause
}

// Fork describes a private fork selected for archival.
type Fork struct {
	FullName       string
	CloneURL       string
	OwnerLogin     string
	SourceFullName string
	SourceCloneURL string
}

// RepositoryLister is the subset of the platform client discovery depends on.
type RepositoryLister interface {
	ListOrganizationRepositories(executionContext context.Context, organizationName string) ([]githubcli.Repository, error)
	ListRepositoryForks(executionContext context.Context, repositoryFullName string) ([]githubcli.Repository, error)
}

// Service walks an organization's private repositories and selects the forks
// owned by a departing user.
type Service struct {
	lister       RepositoryLister
	logger       *zap.Logger
	hostResolver func(host string) ([]string, error)
}

// NewService constructs a discovery service.
func NewService(logger *zap.Logger, lister RepositoryLister) (*Service, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if lister == nil {
		return nil, ErrListerNotConfigured
	}
	return &Service{lister: lister, logger: logger, hostResolver: net.LookupHost}, nil
}

// FindForksToArchive lists the organization's private repositories, collects
// the forks each has, and keeps the ones owned by username. Results are
// deduplicated by full name. Every listing call retries transient transport
// failures; rejections from the API fail immediately.
func (service *Service) FindForksToArchive(executionContext context.Context, organizationName string, username string) ([]Fork, error) {
	organizationListingDescription := fmt.Sprintf(organizationListingDescriptionTemplateConstant, organizationName)
	organizationRepositories, organizationListingError := service.listWithRetry(executionContext, organizationListingDescription, func() ([]githubcli.Repository, error) {
		return service.lister.ListOrganizationRepositories(executionContext, organizationName)
	})
	if organizationListingError != nil {
		return nil, organizationListingError
	}

	discoveredForks := make([]Fork, 0)
	seenForkNames := make(map[string]struct{})
	for _, organizationRepository := range organizationRepositories {
		if !organizationRepository.Private {
			continue
		}

		forkListingDescription := fmt.Sprintf(forkListingDescriptionTemplateConstant, organizationRepository.FullName)
		repositoryForks, forkListingError := service.listWithRetry(executionContext, forkListingDescription, func() ([]githubcli.Repository, error) {
			return service.lister.ListRepositoryForks(executionContext, organizationRepository.FullName)
		})
		if forkListingError != nil {
			return nil, forkListingError
		}

		for _, candidateFork := range repositoryForks {
			if !strings.EqualFold(candidateFork.OwnerLogin, username) {
				continue
			}
			if _, alreadySeen := seenForkNames[candidateFork.FullName]; alreadySeen {
				continue
			}
			seenForkNames[candidateFork.FullName] = struct{}{}

			service.logger.Info(
				forkDiscoveredMessageConstant,
				zap.String(logFieldForkConstant, candidateFork.FullName),
				zap.String(logFieldSourceRepositoryConstant, organizationRepository.FullName),
			)
			discoveredForks = append(discoveredForks, Fork{
				FullName:       candidateFork.FullName,
				CloneURL:       candidateFork.CloneURL,
				OwnerLogin:     candidateFork.OwnerLogin,
				SourceFullName: organizationRepository.FullName,
				SourceCloneURL: organizationRepository.CloneURL,
			})
		}
	}
	return discoveredForks, nil
}

func (service *Service) listWithRetry(executionContext context.Context, listingDescription string, listOnce func() ([]githubcli.Repository, error)) ([]githubcli.Repository, error) {
	var lastAttemptError error
	for attemptNumber := 1; attemptNumber <= listingAttemptLimitConstant; attemptNumber++ {
		listedRepositories, attemptError := listOnce()
		if attemptError == nil {
			return listedRepositories, nil
		}
		if !githubcli.IsTransient(attemptError) {
			return nil, ListError{Description: listingDescription, Cause: attemptError}
		}

		lastAttemptError = attemptError
		service.logger.Warn(
			listingRetriedMessageConstant,
			zap.String(logFieldEndpointDescriptionConstant, listingDescription),
			zap.Int(logFieldAttemptConstant, attemptNumber),
			zap.Error(attemptError),
		)
	}

	if githubcli.IsTimeout(lastAttemptError) {
		service.logHostResolution()
		return nil, TimeoutError{Description: listingDescription, Attempts: listingAttemptLimitConstant, Cause: lastAttemptError}
	}
	return nil, ListError{Description: listingDescription, Cause: lastAttemptError}
}

// logHostResolution records whether the API host resolves at all, to separate
// DNS trouble from plain slowness when a listing timed out repeatedly.
func (service *Service) logHostResolution() {
	resolvedAddresses, resolutionError := service.hostResolver(githubcli.APIHostName)
	if resolutionError != nil {
		service.logger.Warn(
			hostResolutionFailedMessageConstant,
			zap.String(logFieldHostConstant, githubcli.APIHostName),
			zap.Error(resolutionError),
		)
		return
	}
	service.logger.Warn(
		hostResolutionMessageConstant,
		zap.String(logFieldHostConstant, githubcli.APIHostName),
		zap.Strings(logFieldAddressesConstant, resolvedAddresses),
	)
}
