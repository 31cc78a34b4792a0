package prune

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orgsec/offboard/internal/execshell"
	"github.com/orgsec/offboard/internal/mirror"
	"github.com/orgsec/offboard/internal/pipeline"
	"github.com/orgsec/offboard/internal/store"
)

const (
	commandUseConstant              = "prune-archives"
	commandShortDescriptionConstant = "Supersede duplicate fork archives and delete the ones past retention"
	commandLongDescriptionConstant  = "prune-archives supersedes older archives per repository and deletes the mirrored refs of archives older than the configured retention period."

	unexpectedArgumentsMessageConstant    = "prune-archives does not accept positional arguments"
	batchReportedErrorsMessageConstant    = "archive pruning completed with errors"
	commandExecutionErrorTemplateConstant = "archive pruning failed: %w"
	outcomeOutputTemplateConstant         = "%s\n"
)

var (
	errUnexpectedArguments      = errors.New(unexpectedArgumentsMessageConstant)
	errBatchCompletedWithErrors = errors.New(batchReportedErrorsMessageConstant)
)

// LoggerProvider supplies a zap logger instance.
type LoggerProvider func() *zap.Logger

// SettingsProvider supplies the sanitized pipeline settings.
type SettingsProvider func() pipeline.Settings

// StoreProvider opens the persistent store backing the pipeline.
type StoreProvider func(command *cobra.Command) (*store.Store, error)

// CommandBuilder assembles the Cobra command for archive pruning.
type CommandBuilder struct {
	LoggerProvider   LoggerProvider
	SettingsProvider SettingsProvider
	StoreProvider    StoreProvider
}

// Build constructs the prune-archives command.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   commandUseConstant,
		Short: commandShortDescriptionConstant,
		Long:  commandLongDescriptionConstant,
		RunE:  builder.run,
	}
	return command, nil
}

func (builder *CommandBuilder) run(command *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return errUnexpectedArguments
	}

	logger := builder.resolveLogger()

	settings := pipeline.Settings{}
	if builder.SettingsProvider != nil {
		settings = builder.SettingsProvider().Sanitize()
	}

	// the disabled branch must not touch the store at all
	if !settings.ArchiveEnabled {
		fmt.Fprintf(command.OutOrStdout(), outcomeOutputTemplateConstant, pipeline.OutcomePruningDisabled)
		return nil
	}

	persistentStore, storeError := builder.StoreProvider(command)
	if storeError != nil {
		return storeError
	}
	defer func() {
		_ = persistentStore.Close()
	}()

	shellExecutor, executorError := execshell.NewShellExecutor(logger, execshell.NewOSCommandRunner())
	if executorError != nil {
		return executorError
	}
	mirrorStore, mirrorError := mirror.NewStore(logger, shellExecutor)
	if mirrorError != nil {
		return mirrorError
	}

	service, serviceError := NewService(logger, persistentStore, mirrorStore, settings)
	if serviceError != nil {
		return serviceError
	}

	pruneOutcome, pruneError := service.Prune(command.Context())
	if pruneError != nil {
		return fmt.Errorf(commandExecutionErrorTemplateConstant, pruneError)
	}

	fmt.Fprintf(command.OutOrStdout(), outcomeOutputTemplateConstant, pruneOutcome)
	if !pruneOutcome.Successful() {
		return errBatchCompletedWithErrors
	}
	return nil
}

func (builder *CommandBuilder) resolveLogger() *zap.Logger {
	if builder.LoggerProvider == nil {
		return zap.NewNop()
	}
	logger := builder.LoggerProvider()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
