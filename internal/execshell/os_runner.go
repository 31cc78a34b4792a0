package execshell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

const environmentEntryTemplateConstant = "%s=%s"

// OSCommandRunner runs shell commands through os/exec.
type OSCommandRunner struct{}

// NewOSCommandRunner constructs a runner backed by os/exec.
func NewOSCommandRunner() *OSCommandRunner {
	return &OSCommandRunner{}
}

// Run executes the supplied command and captures its output streams. A
// non-zero exit status is reported through ExecutionResult.ExitCode rather
// than as an error.
func (runner *OSCommandRunner) Run(executionContext context.Context, command ShellCommand) (ExecutionResult, error) {
	processArguments := append([]string{}, command.Details.Arguments...)
	osProcess := exec.CommandContext(executionContext, string(command.Name), processArguments...)

	if len(command.Details.WorkingDirectory) > 0 {
		osProcess.Dir = command.Details.WorkingDirectory
	}
	if len(command.Details.EnvironmentVariables) > 0 {
		osProcess.Env = buildProcessEnvironment(command)
	}
	if len(command.Details.StandardInput) > 0 {
		osProcess.Stdin = bytes.NewReader(command.Details.StandardInput)
	}

	var capturedOutput bytes.Buffer
	var capturedError bytes.Buffer
	osProcess.Stdout = &capturedOutput
	osProcess.Stderr = &capturedError

	runError := osProcess.Run()
	if runError != nil {
		var exitError *exec.ExitError
		if !errors.As(runError, &exitError) {
			return ExecutionResult{}, runError
		}
		return ExecutionResult{
			StandardOutput: capturedOutput.String(),
			StandardError:  capturedError.String(),
			ExitCode:       exitError.ExitCode(),
		}, nil
	}

	return ExecutionResult{
		StandardOutput: capturedOutput.String(),
		StandardError:  capturedError.String(),
		ExitCode:       0,
	}, nil
}

// buildProcessEnvironment layers the command's environment variables over the
// parent process environment.
func buildProcessEnvironment(command ShellCommand) []string {
	processEnvironment := append([]string{}, os.Environ()...)
	for environmentKey, environmentValue := range command.Details.EnvironmentVariables {
		processEnvironment = append(processEnvironment, fmt.Sprintf(environmentEntryTemplateConstant, environmentKey, environmentValue))
	}
	return processEnvironment
}
