package mirror_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orgsec/offboard/internal/execshell"
	"github.com/orgsec/offboard/internal/mirror"
)

const (
	testUpstreamURLConstant   = "https://github.com/acme/core.git"
	testForkURLConstant       = "https://github.com/alice/core.git"
	testForkOwnerNameConstant = "alice"
	testBranchListingOutput   = "alice/main\nalice/feature\nbob/main\n"
)

type scriptedGitExecutor struct {
	results          map[string]execshell.ExecutionResult
	failures         map[string]error
	recordedCommands []execshell.CommandDetails
}

func (executor *scriptedGitExecutor) ExecuteGit(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error) {
	executor.recordedCommands = append(executor.recordedCommands, details)
	commandKey := strings.Join(details.Arguments, " ")
	if failure, failureFound := executor.failures[commandKey]; failureFound {
		return execshell.ExecutionResult{}, failure
	}
	if result, resultFound := executor.results[commandKey]; resultFound {
		return result, nil
	}
	return execshell.ExecutionResult{}, nil
}

func (executor *scriptedGitExecutor) commandKeys() []string {
	commandKeys := make([]string, 0, len(executor.recordedCommands))
	for _, details := range executor.recordedCommands {
		commandKeys = append(commandKeys, strings.Join(details.Arguments, " "))
	}
	return commandKeys
}

func newTestStore(testInstance *testing.T, executor *scriptedGitExecutor) *mirror.Store {
	store, creationError := mirror.NewStore(zap.NewNop(), executor)
	require.NoError(testInstance, creationError)
	return store
}

func TestOpenOrCloneClonesMissingMirror(testInstance *testing.T) {
	executor := &scriptedGitExecutor{}
	store := newTestStore(testInstance, executor)

	mirrorPath := filepath.Join(testInstance.TempDir(), "acme", "core")
	handle, openError := store.OpenOrClone(context.Background(), mirrorPath, testUpstreamURLConstant)
	require.NoError(testInstance, openError)
	require.Equal(testInstance, mirrorPath, handle.Path)

	expectedCloneCommand := fmt.Sprintf("clone --mirror %s %s", testUpstreamURLConstant, mirrorPath)
	require.Equal(testInstance, []string{expectedCloneCommand}, executor.commandKeys())
}

func TestOpenOrCloneOpensExistingMirrorWithoutCloning(testInstance *testing.T) {
	executor := &scriptedGitExecutor{}
	store := newTestStore(testInstance, executor)

	existingMirrorPath := testInstance.TempDir()
	handle, openError := store.OpenOrClone(context.Background(), existingMirrorPath, testUpstreamURLConstant)
	require.NoError(testInstance, openError)
	require.Equal(testInstance, existingMirrorPath, handle.Path)
	require.Empty(testInstance, executor.recordedCommands)
}

func TestOpenOrCloneReportsUnavailableRepository(testInstance *testing.T) {
	mirrorPath := filepath.Join(testInstance.TempDir(), "acme", "core")
	cloneCommandKey := fmt.Sprintf("clone --mirror %s %s", testUpstreamURLConstant, mirrorPath)

	executor := &scriptedGitExecutor{
		failures: map[string]error{
			cloneCommandKey: execshell.CommandFailedError{
				Result: execshell.ExecutionResult{ExitCode: 128, StandardError: "fatal: unable to access"},
			},
		},
	}
	store := newTestStore(testInstance, executor)

	_, openError := store.OpenOrClone(context.Background(), mirrorPath, testUpstreamURLConstant)
	unavailableError := mirror.RepositoryUnavailableError{}
	require.ErrorAs(testInstance, openError, &unavailableError)
	require.Equal(testInstance, testUpstreamURLConstant, unavailableError.RemoteURL)
}

func TestAddRemoteAndFetch(testInstance *testing.T) {
	testCases := []struct {
		name              string
		remoteAddFailure  error
		fetchFailure      error
		expectError       bool
		expectFetchIssued bool
	}{
		{
			name:              "registers_and_fetches",
			expectFetchIssued: true,
		},
		{
			name: "tolerates_existing_remote",
			remoteAddFailure: execshell.CommandFailedError{
				Result: execshell.ExecutionResult{ExitCode: 3, StandardError: "error: remote alice already exists."},
			},
			expectFetchIssued: true,
		},
		{
			name: "propagates_remote_add_failure",
			remoteAddFailure: execshell.CommandFailedError{
				Result: execshell.ExecutionResult{ExitCode: 128, StandardError: "fatal: not a git repository"},
			},
			expectError: true,
		},
		{
			name: "propagates_fetch_failure",
			fetchFailure: execshell.CommandFailedError{
				Result: execshell.ExecutionResult{ExitCode: 128, StandardError: "fatal: could not read from remote repository"},
			},
			expectError:       true,
			expectFetchIssued: true,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			remoteAddCommandKey := fmt.Sprintf("remote add %s %s", testForkOwnerNameConstant, testForkURLConstant)
			fetchCommandKey := fmt.Sprintf("fetch --tags %s", testForkOwnerNameConstant)

			executor := &scriptedGitExecutor{failures: map[string]error{}}
			if testCase.remoteAddFailure != nil {
				executor.failures[remoteAddCommandKey] = testCase.remoteAddFailure
			}
			if testCase.fetchFailure != nil {
				executor.failures[fetchCommandKey] = testCase.fetchFailure
			}

			store := newTestStore(testInstance, executor)
			handle := mirror.Handle{Path: testInstance.TempDir()}

			fetchError := store.AddRemoteAndFetch(context.Background(), handle, testForkOwnerNameConstant, testForkURLConstant)
			if testCase.expectError {
				require.Error(testInstance, fetchError)
			} else {
				require.NoError(testInstance, fetchError)
			}

			recordedKeys := executor.commandKeys()
			require.Contains(testInstance, recordedKeys, remoteAddCommandKey)
			if testCase.expectFetchIssued {
				require.Contains(testInstance, recordedKeys, fetchCommandKey)
			} else {
				require.NotContains(testInstance, recordedKeys, fetchCommandKey)
			}
		})
	}
}

func TestDeleteRemoteBranchesRemovesOnlyMatchingNamespace(testInstance *testing.T) {
	executor := &scriptedGitExecutor{
		results: map[string]execshell.ExecutionResult{
			"branch --remotes --format %(refname:short)": {StandardOutput: testBranchListingOutput},
		},
	}
	store := newTestStore(testInstance, executor)
	handle := mirror.Handle{Path: testInstance.TempDir()}

	deletedAny, deletionError := store.DeleteRemoteBranches(context.Background(), handle, testForkOwnerNameConstant)
	require.NoError(testInstance, deletionError)
	require.True(testInstance, deletedAny)

	recordedKeys := executor.commandKeys()
	require.Contains(testInstance, recordedKeys, "branch --remotes --delete --force alice/main")
	require.Contains(testInstance, recordedKeys, "branch --remotes --delete --force alice/feature")
	require.NotContains(testInstance, recordedKeys, "branch --remotes --delete --force bob/main")
}

func TestDeleteRemoteBranchesReportsNothingDeleted(testInstance *testing.T) {
	executor := &scriptedGitExecutor{
		results: map[string]execshell.ExecutionResult{
			"branch --remotes --format %(refname:short)": {StandardOutput: "bob/main\n"},
		},
	}
	store := newTestStore(testInstance, executor)
	handle := mirror.Handle{Path: testInstance.TempDir()}

	deletedAny, deletionError := store.DeleteRemoteBranches(context.Background(), handle, testForkOwnerNameConstant)
	require.NoError(testInstance, deletionError)
	require.False(testInstance, deletedAny)
	require.Len(testInstance, executor.recordedCommands, 1)
}
