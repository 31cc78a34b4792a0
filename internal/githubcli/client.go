package githubcli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/orgsec/offboard/internal/execshell"
)

const (
	apiSubcommandConstant        = "api"
	paginateFlagConstant         = "--paginate"
	slurpFlagConstant            = "--slurp"
	methodFlagConstant           = "-X"
	httpMethodDeleteConstant     = "DELETE"
	executorNotConfiguredMessage = "github cli executor not configured"
	requiredValueMessageConstant = "value required"

	organizationFieldNameConstant = "organization"
	repositoryFieldNameConstant   = "repository"
	teamSlugFieldNameConstant     = "team_slug"
	usernameFieldNameConstant     = "username"
	userIdentifierFieldConstant   = "user_id"

	organizationRepositoriesEndpointTemplateConstant = "orgs/%s/repos"
	repositoryForksEndpointTemplateConstant          = "repos/%s/forks"
	teamMembershipEndpointTemplateConstant           = "orgs/%s/teams/%s/memberships/%s"
	organizationMemberEndpointTemplateConstant       = "orgs/%s/members/%s"
	organizationMembershipEndpointTemplateConstant   = "orgs/%s/memberships/%s"
	userByIdentifierEndpointTemplateConstant         = "user/%d"

	listOrganizationRepositoriesOperationConstant = OperationName("ListOrganizationRepositories")
	listRepositoryForksOperationConstant          = OperationName("ListRepositoryForks")
	checkTeamMembershipOperationConstant          = OperationName("CheckTeamMembership")
	removeTeamMemberOperationConstant             = OperationName("RemoveTeamMember")
	checkOrganizationMemberOperationConstant      = OperationName("CheckOrganizationMember")
	removeOrganizationMemberOperationConstant     = OperationName("RemoveOrganizationMember")
	lookupUserByIdentifierOperationConstant       = OperationName("LookupUserByIdentifier")

	// APIHostName is the platform API host used for diagnostic resolution.
	APIHostName = "api.github.com"
)

// OperationName describes a named GitHub CLI workflow supported by the client.
type OperationName string

// Repository describes the repository attributes consumed by the pipeline.
type Repository struct {
	FullName   string
	Name       string
	OwnerLogin string
	CloneURL   string
	Private    bool
	Fork       bool
}

// GitHubCommandExecutor is the minimal interface required from execshell.ShellExecutor.
type GitHubCommandExecutor interface {
	ExecuteGitHubCLI(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

// Client coordinates GitHub CLI invocations through execshell.
type Client struct {
	executor GitHubCommandExecutor
}

// ErrExecutorNotConfigured indicates the client was constructed without an executor.
var ErrExecutorNotConfigured = errors.New(executorNotConfiguredMessage)

// NewClient constructs a GitHub CLI client.
func NewClient(executor GitHubCommandExecutor) (*Client, error) {
	if executor == nil {
		return nil, ErrExecutorNotConfigured
	}
	return &Client{executor: executor}, nil
}

type wireRepository struct {
	FullName string `json:"full_name"`
	Name     string `json:"name"`
	CloneURL string `json:"clone_url"`
	Private  bool   `json:"private"`
	Fork     bool   `json:"fork"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
}

func (repository wireRepository) toRepository() Repository {
	return Repository{
		FullName:   repository.FullName,
		Name:       repository.Name,
		OwnerLogin: repository.Owner.Login,
		CloneURL:   repository.CloneURL,
		Private:    repository.Private,
		Fork:       repository.Fork,
	}
}

// ListOrganizationRepositories enumerates repositories of an organization including private ones.
func (client *Client) ListOrganizationRepositories(executionContext context.Context, organizationName string) ([]Repository, error) {
	trimmedOrganization := strings.TrimSpace(organizationName)
	if len(trimmedOrganization) == 0 {
		return nil, InvalidInputError{FieldName: organizationFieldNameConstant, Message: requiredValueMessageConstant}
	}

	endpoint := fmt.Sprintf(organizationRepositoriesEndpointTemplateConstant, trimmedOrganization)
	return client.listRepositories(executionContext, listOrganizationRepositoriesOperationConstant, endpoint)
}

// ListRepositoryForks enumerates forks of the identified repository.
func (client *Client) ListRepositoryForks(executionContext context.Context, repositoryFullName string) ([]Repository, error) {
	trimmedRepository := strings.TrimSpace(repositoryFullName)
	if len(trimmedRepository) == 0 {
		return nil, InvalidInputError{FieldName: repositoryFieldNameConstant, Message: requiredValueMessageConstant}
	}

	endpoint := fmt.Sprintf(repositoryForksEndpointTemplateConstant, trimmedRepository)
	return client.listRepositories(executionContext, listRepositoryForksOperationConstant, endpoint)
}

func (client *Client) listRepositories(executionContext context.Context, operation OperationName, endpoint string) ([]Repository, error) {
	commandDetails := execshell.CommandDetails{
		Arguments: []string{
			apiSubcommandConstant,
			endpoint,
			paginateFlagConstant,
			slurpFlagConstant,
		},
	}

	executionResult, executionError := client.executor.ExecuteGitHubCLI(executionContext, commandDetails)
	if executionError != nil {
		return nil, classifyExecutionError(operation, executionError)
	}

	// --slurp wraps every fetched page into an enclosing JSON array.
	var responsePages [][]wireRepository
	decodingError := json.Unmarshal([]byte(executionResult.StandardOutput), &responsePages)
	if decodingError != nil {
		return nil, ResponseDecodingError{Operation: operation, Cause: decodingError}
	}

	repositories := make([]Repository, 0)
	for _, responsePage := range responsePages {
		for _, repositoryEntry := range responsePage {
			repositories = append(repositories, repositoryEntry.toRepository())
		}
	}

	return repositories, nil
}

// IsTeamMember reports whether the user currently holds a membership in the team.
func (client *Client) IsTeamMember(executionContext context.Context, organizationName string, teamSlug string, username string) (bool, error) {
	if validationError := requireValues(map[string]string{
		organizationFieldNameConstant: organizationName,
		teamSlugFieldNameConstant:     teamSlug,
		usernameFieldNameConstant:     username,
	}); validationError != nil {
		return false, validationError
	}

	endpoint := fmt.Sprintf(teamMembershipEndpointTemplateConstant, strings.TrimSpace(organizationName), strings.TrimSpace(teamSlug), strings.TrimSpace(username))
	return client.checkMembership(executionContext, checkTeamMembershipOperationConstant, endpoint)
}

// RemoveTeamMember revokes the user's membership in the team.
func (client *Client) RemoveTeamMember(executionContext context.Context, organizationName string, teamSlug string, username string) error {
	if validationError := requireValues(map[string]string{
		organizationFieldNameConstant: organizationName,
		teamSlugFieldNameConstant:     teamSlug,
		usernameFieldNameConstant:     username,
	}); validationError != nil {
		return validationError
	}

	endpoint := fmt.Sprintf(teamMembershipEndpointTemplateConstant, strings.TrimSpace(organizationName), strings.TrimSpace(teamSlug), strings.TrimSpace(username))
	return client.deleteEndpoint(executionContext, removeTeamMemberOperationConstant, endpoint)
}

// IsOrganizationMember reports whether the user currently belongs to the organization.
func (client *Client) IsOrganizationMember(executionContext context.Context, organizationName string, username string) (bool, error) {
	if validationError := requireValues(map[string]string{
		organizationFieldNameConstant: organizationName,
		usernameFieldNameConstant:     username,
	}); validationError != nil {
		return false, validationError
	}

	endpoint := fmt.Sprintf(organizationMemberEndpointTemplateConstant, strings.TrimSpace(organizationName), strings.TrimSpace(username))
	return client.checkMembership(executionContext, checkOrganizationMemberOperationConstant, endpoint)
}

// RemoveOrganizationMember revokes the user's membership in the organization.
func (client *Client) RemoveOrganizationMember(executionContext context.Context, organizationName string, username string) error {
	if validationError := requireValues(map[string]string{
		organizationFieldNameConstant: organizationName,
		usernameFieldNameConstant:     username,
	}); validationError != nil {
		return validationError
	}

	endpoint := fmt.Sprintf(organizationMembershipEndpointTemplateConstant, strings.TrimSpace(organizationName), strings.TrimSpace(username))
	return client.deleteEndpoint(executionContext, removeOrganizationMemberOperationConstant, endpoint)
}

// GetUserLoginByID resolves the current login of the platform account with the given numeric identifier.
func (client *Client) GetUserLoginByID(executionContext context.Context, userIdentifier int64) (string, error) {
	if userIdentifier <= 0 {
		return "", InvalidInputError{FieldName: userIdentifierFieldConstant, Message: requiredValueMessageConstant}
	}

	commandDetails := execshell.CommandDetails{
		Arguments: []string{
			apiSubcommandConstant,
			fmt.Sprintf(userByIdentifierEndpointTemplateConstant, userIdentifier),
		},
	}

	executionResult, executionError := client.executor.ExecuteGitHubCLI(executionContext, commandDetails)
	if executionError != nil {
		return "", classifyExecutionError(lookupUserByIdentifierOperationConstant, executionError)
	}

	var response struct {
		Login string `json:"login"`
	}

	decodingError := json.Unmarshal([]byte(executionResult.StandardOutput), &response)
	if decodingError != nil {
		return "", ResponseDecodingError{Operation: lookupUserByIdentifierOperationConstant, Cause: decodingError}
	}

	return response.Login, nil
}

func (client *Client) checkMembership(executionContext context.Context, operation OperationName, endpoint string) (bool, error) {
	commandDetails := execshell.CommandDetails{
		Arguments: []string{
			apiSubcommandConstant,
			endpoint,
		},
	}

	_, executionError := client.executor.ExecuteGitHubCLI(executionContext, commandDetails)
	if executionError != nil {
		classifiedError := classifyExecutionError(operation, executionError)
		if IsNotFound(classifiedError) {
			return false, nil
		}
		return false, classifiedError
	}

	return true, nil
}

func (client *Client) deleteEndpoint(executionContext context.Context, operation OperationName, endpoint string) error {
	commandDetails := execshell.CommandDetails{
		Arguments: []string{
			apiSubcommandConstant,
			methodFlagConstant,
			httpMethodDeleteConstant,
			endpoint,
		},
	}

	_, executionError := client.executor.ExecuteGitHubCLI(executionContext, commandDetails)
	if executionError != nil {
		return classifyExecutionError(operation, executionError)
	}

	return nil
}

func requireValues(fieldValues map[string]string) error {
	for fieldName, fieldValue := range fieldValues {
		if len(strings.TrimSpace(fieldValue)) == 0 {
			return InvalidInputError{FieldName: fieldName, Message: requiredValueMessageConstant}
		}
	}
	return nil
}
