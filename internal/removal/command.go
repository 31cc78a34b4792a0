package removal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orgsec/offboard/internal/discovery"
	"github.com/orgsec/offboard/internal/execshell"
	"github.com/orgsec/offboard/internal/githubcli"
	"github.com/orgsec/offboard/internal/identity"
	"github.com/orgsec/offboard/internal/membership"
	"github.com/orgsec/offboard/internal/mirror"
	"github.com/orgsec/offboard/internal/pipeline"
	"github.com/orgsec/offboard/internal/store"
	"github.com/orgsec/offboard/internal/utils"
)

const (
	processCommandUseConstant              = "process-removals"
	processCommandShortDescriptionConstant = "Claim queued removal requests and process each to a terminal status"
	processCommandLongDescriptionConstant  = "process-removals claims every due removal request, archives the user's private forks, revokes monitored memberships when enabled, and records a terminal status per request."

	enqueueCommandUseConstant              = "enqueue-removal"
	enqueueCommandShortDescriptionConstant = "Queue a removal request for a departing user"
	enqueueCommandLongDescriptionConstant  = "enqueue-removal queues a removal request identified by exactly one of a directory username or a platform username, optionally deferred until a removal date."

	retryCommandUseConstant              = "retry-removal"
	retryCommandShortDescriptionConstant = "Re-enqueue an existing removal request"
	retryCommandLongDescriptionConstant  = "retry-removal loads a previously processed removal request and queues a fresh request carrying its original directory username."

	flagDirectoryUsernameNameConstant        = "directory-username"
	flagDirectoryUsernameDescriptionConstant = "Directory username of the departing user"
	flagPlatformUsernameNameConstant         = "platform-username"
	flagPlatformUsernameDescriptionConstant  = "Platform username of the departing user"
	flagRemoveOnNameConstant                 = "remove-on"
	flagRemoveOnDescriptionConstant          = "Earliest processing date in YYYY-MM-DD format"
	flagRemovalIdentifierNameConstant        = "id"
	flagRemovalIdentifierDescriptionConstant = "Identifier of the removal request to retry"

	removeOnDateLayoutConstant = "2006-01-02"

	unexpectedArgumentsMessageConstant    = "the command does not accept positional arguments"
	batchReportedErrorsMessageConstant    = "removal batch completed with errors"
	removeOnParseErrorTemplateConstant    = "parsing %s value %q failed: %w"
	outcomeOutputTemplateConstant         = "%s\n"
	enqueueOutputTemplateConstant         = "enqueued removal request %d\n"
	retryOutputTemplateConstant           = "re-enqueued removal request %d as %d\n"
	commandExecutionErrorTemplateConstant = "removal processing failed: %w"
	intakeExecutionErrorTemplateConstant  = "removal intake failed: %w"

	logFieldConfigurationFileConstant = "config_file"
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

// CommandBuilder assembles the Cobra commands of the removal pipeline stage.
type CommandBuilder struct {
	LoggerProvider   LoggerProvider
	SettingsProvider SettingsProvider
	StoreProvider    StoreProvider
}

// BuildProcessCommand constructs the process-removals command.
func (builder *CommandBuilder) BuildProcessCommand() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   processCommandUseConstant,
		Short: processCommandShortDescriptionConstant,
		Long:  processCommandLongDescriptionConstant,
		RunE:  builder.runProcess,
	}
	return command, nil
}

// BuildEnqueueCommand constructs the enqueue-removal command.
func (builder *CommandBuilder) BuildEnqueueCommand() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   enqueueCommandUseConstant,
		Short: enqueueCommandShortDescriptionConstant,
		Long:  enqueueCommandLongDescriptionConstant,
		RunE:  builder.runEnqueue,
	}

	command.Flags().String(flagDirectoryUsernameNameConstant, "", flagDirectoryUsernameDescriptionConstant)
	command.Flags().String(flagPlatformUsernameNameConstant, "", flagPlatformUsernameDescriptionConstant)
	command.Flags().String(flagRemoveOnNameConstant, "", flagRemoveOnDescriptionConstant)

	return command, nil
}

// BuildRetryCommand constructs the retry-removal command.
func (builder *CommandBuilder) BuildRetryCommand() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   retryCommandUseConstant,
		Short: retryCommandShortDescriptionConstant,
		Long:  retryCommandLongDescriptionConstant,
		RunE:  builder.runRetry,
	}

	command.Flags().Int64(flagRemovalIdentifierNameConstant, 0, flagRemovalIdentifierDescriptionConstant)
	if markError := command.MarkFlagRequired(flagRemovalIdentifierNameConstant); markError != nil {
		return nil, markError
	}

	return command, nil
}

func (builder *CommandBuilder) runProcess(command *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return errUnexpectedArguments
	}

	logger := builder.resolveLogger()
	contextAccessor := utils.NewCommandContextAccessor()
	if configurationFilePath, configurationFileAvailable := contextAccessor.ConfigurationFilePath(command.Context()); configurationFileAvailable {
		logger = logger.With(zap.String(logFieldConfigurationFileConstant, configurationFilePath))
	}
	processContext := contextAccessor.WithRunIdentifier(command.Context(), uuid.NewString())

	persistentStore, storeError := builder.StoreProvider(command)
	if storeError != nil {
		return storeError
	}
	defer func() {
		_ = persistentStore.Close()
	}()

	service, serviceError := builder.buildService(logger, persistentStore)
	if serviceError != nil {
		return serviceError
	}

	batchOutcome, batchError := service.ProcessBatch(processContext)
	if batchError != nil {
		return fmt.Errorf(commandExecutionErrorTemplateConstant, batchError)
	}

	fmt.Fprintf(command.OutOrStdout(), outcomeOutputTemplateConstant, batchOutcome)
	if !batchOutcome.Successful() {
		return errBatchCompletedWithErrors
	}
	return nil
}

func (builder *CommandBuilder) runEnqueue(command *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return errUnexpectedArguments
	}

	directoryUsernameValue, _ := command.Flags().GetString(flagDirectoryUsernameNameConstant)
	platformUsernameValue, _ := command.Flags().GetString(flagPlatformUsernameNameConstant)
	removeOnValue, _ := command.Flags().GetString(flagRemoveOnNameConstant)

	var removeOn *time.Time
	if trimmedRemoveOn := strings.TrimSpace(removeOnValue); len(trimmedRemoveOn) > 0 {
		parsedRemoveOn, parseError := time.Parse(removeOnDateLayoutConstant, trimmedRemoveOn)
		if parseError != nil {
			return fmt.Errorf(removeOnParseErrorTemplateConstant, flagRemoveOnNameConstant, trimmedRemoveOn, parseError)
		}
		removeOn = &parsedRemoveOn
	}

	persistentStore, storeError := builder.StoreProvider(command)
	if storeError != nil {
		return storeError
	}
	defer func() {
		_ = persistentStore.Close()
	}()

	intake, intakeError := NewIntake(builder.resolveLogger(), persistentStore)
	if intakeError != nil {
		return intakeError
	}

	enqueuedRequest, enqueueError := intake.EnqueueRemoval(command.Context(), directoryUsernameValue, platformUsernameValue, removeOn)
	if enqueueError != nil {
		return fmt.Errorf(intakeExecutionErrorTemplateConstant, enqueueError)
	}

	fmt.Fprintf(command.OutOrStdout(), enqueueOutputTemplateConstant, enqueuedRequest.ID)
	return nil
}

func (builder *CommandBuilder) runRetry(command *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return errUnexpectedArguments
	}

	removalIdentifier, _ := command.Flags().GetInt64(flagRemovalIdentifierNameConstant)

	persistentStore, storeError := builder.StoreProvider(command)
	if storeError != nil {
		return storeError
	}
	defer func() {
		_ = persistentStore.Close()
	}()

	intake, intakeError := NewIntake(builder.resolveLogger(), persistentStore)
	if intakeError != nil {
		return intakeError
	}

	retriedRequest, retryError := intake.RetryRemoval(command.Context(), removalIdentifier)
	if retryError != nil {
		return fmt.Errorf(intakeExecutionErrorTemplateConstant, retryError)
	}

	fmt.Fprintf(command.OutOrStdout(), retryOutputTemplateConstant, removalIdentifier, retriedRequest.ID)
	return nil
}

// buildService wires the dispatcher's collaborators over the shared shell
// executor and persistent store.
func (builder *CommandBuilder) buildService(logger *zap.Logger, persistentStore *store.Store) (*Service, error) {
	shellExecutor, executorError := execshell.NewShellExecutor(logger, execshell.NewOSCommandRunner())
	if executorError != nil {
		return nil, executorError
	}

	platformClient, clientError := githubcli.NewClient(shellExecutor)
	if clientError != nil {
		return nil, clientError
	}

	mirrorStore, mirrorError := mirror.NewStore(logger, shellExecutor)
	if mirrorError != nil {
		return nil, mirrorError
	}

	discoveryService, discoveryError := discovery.NewService(logger, platformClient)
	if discoveryError != nil {
		return nil, discoveryError
	}

	membershipService, membershipError := membership.NewService(logger, platformClient, persistentStore)
	if membershipError != nil {
		return nil, membershipError
	}

	identityResolver, resolverError := identity.NewResolver(logger, persistentStore, platformClient)
	if resolverError != nil {
		return nil, resolverError
	}

	settings := pipeline.Settings{}
	if builder.SettingsProvider != nil {
		settings = builder.SettingsProvider().Sanitize()
	}

	return NewService(
		logger,
		persistentStore,
		identityResolver,
		discoveryService,
		mirrorStore,
		membershipService,
		settings,
	)
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
