package execshell

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	gitCommandNameConstant    = "git"
	githubCommandNameConstant = "gh"

	loggerNotConfiguredMessageConstant        = "logger not configured"
	commandRunnerNotConfiguredMessageConstant = "command runner not configured"

	commandStartedMessageConstant        = "executing command"
	commandCompletedMessageConstant      = "command completed"
	commandFailedMessageConstant         = "command returned non-zero exit code"
	commandExecutionFailedMessageChannel = "command execution failed"

	logFieldCommandNameConstant      = "command_name"
	logFieldCommandArgumentsConstant = "command_arguments"
	logFieldWorkingDirectoryConstant = "working_directory"
	logFieldExitCodeConstant         = "exit_code"
	logFieldStandardErrorConstant    = "standard_error"

	commandFailedErrorTemplateConstant    = "%s %s failed with exit code %d: %s"
	commandStartErrorTemplateConstant     = "%s %s could not be executed: %s"
	commandArgumentsJoinSeparatorConstant = " "
)

// CommandName identifies an external executable supported by the executor.
type CommandName string

// Supported external commands.
const (
	CommandGit    CommandName = CommandName(gitCommandNameConstant)
	CommandGitHub CommandName = CommandName(githubCommandNameConstant)
)

// CommandDetails captures the invocation parameters of a shell command.
type CommandDetails struct {
	Arguments            []string
	WorkingDirectory     string
	EnvironmentVariables map[string]string
	StandardInput        []byte
}

// ShellCommand couples an executable name with its invocation details.
type ShellCommand struct {
	Name    CommandName
	Details CommandDetails
}

// ExecutionResult captures the observable outputs of a completed command.
type ExecutionResult struct {
	StandardOutput string
	StandardError  string
	ExitCode       int
}

// CommandRunner executes a shell command and reports its result.
type CommandRunner interface {
	Run(executionContext context.Context, command ShellCommand) (ExecutionResult, error)
}

// Initialization failure sentinels.
var (
	// ErrLoggerNotConfigured indicates the executor was constructed without a logger.
	ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)
	// ErrCommandRunnerNotConfigured indicates the executor was constructed without a runner.
	ErrCommandRunnerNotConfigured = errors.New(commandRunnerNotConfiguredMessageConstant)
)

// CommandFailedError reports a command that ran to completion with a non-zero exit code.
type CommandFailedError struct {
	Command ShellCommand
	Result  ExecutionResult
}

// Error describes the command failure including captured standard error output.
func (failure CommandFailedError) Error() string {
	return fmt.Sprintf(
		commandFailedErrorTemplateConstant,
		failure.Command.Name,
		strings.Join(failure.Command.Details.Arguments, commandArgumentsJoinSeparatorConstant),
		failure.Result.ExitCode,
		strings.TrimSpace(failure.Result.StandardError),
	)
}

// CommandStartError reports a command that could not be executed at all.
type CommandStartError struct {
	Command ShellCommand
	Cause   error
}

// Error describes the execution failure.
func (failure CommandStartError) Error() string {
	return fmt.Sprintf(
		commandStartErrorTemplateConstant,
		failure.Command.Name,
		strings.Join(failure.Command.Details.Arguments, commandArgumentsJoinSeparatorConstant),
		failure.Cause,
	)
}

// Unwrap exposes the underlying cause.
func (failure CommandStartError) Unwrap() error {
	return failure.Cause
}

// ShellExecutor coordinates external command execution with structured logging.
type ShellExecutor struct {
	logger *zap.Logger
	runner CommandRunner
}

// NewShellExecutor constructs a ShellExecutor with the supplied logger and runner.
func NewShellExecutor(logger *zap.Logger, runner CommandRunner) (*ShellExecutor, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if runner == nil {
		return nil, ErrCommandRunnerNotConfigured
	}
	return &ShellExecutor{logger: logger, runner: runner}, nil
}

// ExecuteGit runs the git executable with the provided details.
func (executor *ShellExecutor) ExecuteGit(executionContext context.Context, details CommandDetails) (ExecutionResult, error) {
	return executor.execute(executionContext, ShellCommand{Name: CommandGit, Details: details})
}

// ExecuteGitHubCLI runs the gh executable with the provided details.
func (executor *ShellExecutor) ExecuteGitHubCLI(executionContext context.Context, details CommandDetails) (ExecutionResult, error) {
	return executor.execute(executionContext, ShellCommand{Name: CommandGitHub, Details: details})
}

func (executor *ShellExecutor) execute(executionContext context.Context, command ShellCommand) (ExecutionResult, error) {
	executor.logger.Debug(
		commandStartedMessageConstant,
		zap.String(logFieldCommandNameConstant, string(command.Name)),
		zap.Strings(logFieldCommandArgumentsConstant, command.Details.Arguments),
		zap.String(logFieldWorkingDirectoryConstant, command.Details.WorkingDirectory),
	)

	executionResult, executionError := executor.runner.Run(executionContext, command)
	if executionError != nil {
		executor.logger.Error(
			commandExecutionFailedMessageChannel,
			zap.String(logFieldCommandNameConstant, string(command.Name)),
			zap.Strings(logFieldCommandArgumentsConstant, command.Details.Arguments),
			zap.Error(executionError),
		)
		return ExecutionResult{}, CommandStartError{Command: command, Cause: executionError}
	}

	if executionResult.ExitCode != 0 {
		executor.logger.Debug(
			commandFailedMessageConstant,
			zap.String(logFieldCommandNameConstant, string(command.Name)),
			zap.Strings(logFieldCommandArgumentsConstant, command.Details.Arguments),
			zap.Int(logFieldExitCodeConstant, executionResult.ExitCode),
			zap.String(logFieldStandardErrorConstant, strings.TrimSpace(executionResult.StandardError)),
		)
		return executionResult, CommandFailedError{Command: command, Result: executionResult}
	}

	executor.logger.Debug(
		commandCompletedMessageConstant,
		zap.String(logFieldCommandNameConstant, string(command.Name)),
		zap.Strings(logFieldCommandArgumentsConstant, command.Details.Arguments),
	)

	return executionResult, nil
}
