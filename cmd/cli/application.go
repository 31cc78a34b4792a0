package cli

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/orgsec/offboard/internal/pipeline"
	"github.com/orgsec/offboard/internal/prune"
	"github.com/orgsec/offboard/internal/removal"
	"github.com/orgsec/offboard/internal/store"
	"github.com/orgsec/offboard/internal/utils"
)

const (
	applicationNameConstant                 = "offboard"
	applicationShortDescriptionConstant     = "Command-line interface for the offboard removal pipeline"
	applicationLongDescriptionConstant      = "offboard archives departing users' private forks, revokes their monitored memberships, and prunes fork archives past their retention period."
	configFileFlagNameConstant              = "config"
	configFileFlagUsageConstant             = "Optional path to a configuration file (YAML or JSON)."
	logLevelFlagNameConstant                = "log-level"
	logLevelFlagUsageConstant               = "Override the configured log level."
	logFormatFlagNameConstant               = "log-format"
	logFormatFlagUsageConstant              = "Override the configured log format (structured or console)."
	databasePathFlagNameConstant            = "database"
	databasePathFlagUsageConstant           = "Override the configured database path."
	commonConfigurationKeyConstant          = "common"
	commonLogLevelConfigKeyConstant         = commonConfigurationKeyConstant + ".log_level"
	commonLogFormatConfigKeyConstant        = commonConfigurationKeyConstant + ".log_format"
	databaseConfigurationKeyConstant        = "database"
	databasePathConfigKeyConstant           = databaseConfigurationKeyConstant + ".path"
	archiveConfigurationKeyConstant         = "archive"
	archiveEnabledConfigKeyConstant         = archiveConfigurationKeyConstant + ".enabled"
	archiveRetentionConfigKeyConstant       = archiveConfigurationKeyConstant + ".retention_days"
	archiveRootConfigKeyConstant            = archiveConfigurationKeyConstant + ".root"
	revocationConfigurationKeyConstant      = "revocation"
	revocationEnabledConfigKeyConstant      = revocationConfigurationKeyConstant + ".enabled"
	environmentPrefixConstant               = "OFFBOARD"
	configurationNameConstant               = "config"
	configurationTypeConstant               = "yaml"
	configurationInitializedMessageConstant = "configuration initialized"
	configurationLogLevelFieldConstant      = "log_level"
	configurationLogFormatFieldConstant     = "log_format"
	configurationFileFieldConstant          = "config_file"
	configurationDatabaseFieldConstant      = "database_path"
	configurationLoadErrorTemplateConstant  = "unable to load configuration: %w"
	loggerCreationErrorTemplateConstant     = "unable to create logger: %w"
	loggerSyncErrorTemplateConstant         = "unable to flush logger: %w"
	rootCommandInfoMessageConstant          = "offboard CLI executed"
	rootCommandDebugMessageConstant         = "offboard CLI diagnostics"
	logFieldCommandNameConstant             = "command_name"
	logFieldArgumentCountConstant           = "argument_count"
	logFieldArgumentsConstant               = "arguments"
	loggerNotInitializedMessageConstant     = "logger not initialized"
	defaultConfigurationSearchPathConstant  = "."
	defaultLogLevelConstant                 = string(utils.LogLevelInfo)
	defaultLogFormatConstant                = string(utils.LogFormatStructured)
	defaultDatabasePathConstant             = "offboard.db"
	defaultArchiveRootConstant              = "archives"
	defaultArchiveRetentionDaysConstant     = 28
)

// ApplicationConfiguration describes the persisted configuration for the CLI entrypoint.
type ApplicationConfiguration struct {
	Common        ApplicationCommonConfiguration     `mapstructure:"common"`
	Database      ApplicationDatabaseConfiguration   `mapstructure:"database"`
	Archive       ApplicationArchiveConfiguration    `mapstructure:"archive"`
	Revocation    ApplicationRevocationConfiguration `mapstructure:"revocation"`
	Organizations []pipeline.MonitoredOrganization   `mapstructure:"organizations"`
}

// ApplicationCommonConfiguration stores logging configuration shared across commands.
type ApplicationCommonConfiguration struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// ApplicationDatabaseConfiguration locates the SQLite database backing the pipeline state.
type ApplicationDatabaseConfiguration struct {
	Path string `mapstructure:"path"`
}

// ApplicationArchiveConfiguration controls fork archival and archive retention.
type ApplicationArchiveConfiguration struct {
	Enabled       bool   `mapstructure:"enabled"`
	RetentionDays int    `mapstructure:"retention_days"`
	Root          string `mapstructure:"root"`
}

// ApplicationRevocationConfiguration controls the membership revocation stage.
type ApplicationRevocationConfiguration struct {
	Enabled bool `mapstructure:"enabled"`
}

// Application wires the Cobra root command, configuration loader, and structured logger.
type Application struct {
	rootCommand            *cobra.Command
	configurationLoader    *utils.ConfigurationLoader
	loggerFactory          *utils.LoggerFactory
	logger                 *zap.Logger
	configuration          ApplicationConfiguration
	configurationMetadata  utils.LoadedConfiguration
	configurationFilePath  string
	logLevelFlagValue      string
	logFormatFlagValue     string
	databasePathFlagValue  string
	commandContextAccessor utils.CommandContextAccessor
}

// NewApplication assembles a fully wired CLI application instance.
func NewApplication() *Application {
	configurationLoader := utils.NewConfigurationLoader(
		configurationNameConstant,
		configurationTypeConstant,
		environmentPrefixConstant,
		[]string{defaultConfigurationSearchPathConstant},
	)
	configurationLoader.SetEmbeddedConfiguration(EmbeddedDefaultConfiguration())

	application := &Application{
		configurationLoader:    configurationLoader,
		loggerFactory:          utils.NewLoggerFactory(),
		logger:                 zap.NewNop(),
		commandContextAccessor: utils.NewCommandContextAccessor(),
	}

	cobraCommand := &cobra.Command{
		Use:           applicationNameConstant,
		Short:         applicationShortDescriptionConstant,
		Long:          applicationLongDescriptionConstant,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(command *cobra.Command, arguments []string) error {
			return application.initializeConfiguration(command)
		},
		RunE: func(command *cobra.Command, arguments []string) error {
			return application.runRootCommand(command, arguments)
		},
	}

	cobraCommand.SetContext(context.Background())
	cobraCommand.PersistentFlags().StringVar(&application.configurationFilePath, configFileFlagNameConstant, "", configFileFlagUsageConstant)
	cobraCommand.PersistentFlags().StringVar(&application.logLevelFlagValue, logLevelFlagNameConstant, "", logLevelFlagUsageConstant)
	cobraCommand.PersistentFlags().StringVar(&application.logFormatFlagValue, logFormatFlagNameConstant, "", logFormatFlagUsageConstant)
	cobraCommand.PersistentFlags().StringVar(&application.databasePathFlagValue, databasePathFlagNameConstant, "", databasePathFlagUsageConstant)

	removalBuilder := removal.CommandBuilder{
		LoggerProvider:   application.provideLogger,
		SettingsProvider: application.providePipelineSettings,
		StoreProvider:    application.openPersistentStore,
	}
	if processCommand, processBuildError := removalBuilder.BuildProcessCommand(); processBuildError == nil {
		cobraCommand.AddCommand(processCommand)
	}
	if enqueueCommand, enqueueBuildError := removalBuilder.BuildEnqueueCommand(); enqueueBuildError == nil {
		cobraCommand.AddCommand(enqueueCommand)
	}
	if retryCommand, retryBuildError := removalBuilder.BuildRetryCommand(); retryBuildError == nil {
		cobraCommand.AddCommand(retryCommand)
	}

	pruneBuilder := prune.CommandBuilder{
		LoggerProvider:   application.provideLogger,
		SettingsProvider: application.providePipelineSettings,
		StoreProvider:    application.openPersistentStore,
	}
	if pruneCommand, pruneBuildError := pruneBuilder.Build(); pruneBuildError == nil {
		cobraCommand.AddCommand(pruneCommand)
	}

	application.rootCommand = cobraCommand

	return application
}

// Execute runs the configured Cobra command hierarchy and ensures logger flushing.
func (application *Application) Execute() error {
	executionError := application.rootCommand.Execute()
	if syncError := application.flushLogger(); syncError != nil {
		return fmt.Errorf(loggerSyncErrorTemplateConstant, syncError)
	}
	return executionError
}

// Execute builds a fresh application instance and executes the root command hierarchy.
func Execute() error {
	return NewApplication().Execute()
}

func (application *Application) provideLogger() *zap.Logger {
	return application.logger
}

func (application *Application) providePipelineSettings() pipeline.Settings {
	return pipeline.Settings{
		RevocationEnabled:    application.configuration.Revocation.Enabled,
		ArchiveEnabled:       application.configuration.Archive.Enabled,
		ArchiveRetentionDays: application.configuration.Archive.RetentionDays,
		ArchiveRoot:          application.configuration.Archive.Root,
		Organizations:        application.configuration.Organizations,
	}
}

func (application *Application) openPersistentStore(command *cobra.Command) (*store.Store, error) {
	return store.Open(command.Context(), application.configuration.Database.Path)
}

func (application *Application) initializeConfiguration(command *cobra.Command) error {
	defaultValues := map[string]any{
		commonLogLevelConfigKeyConstant:    defaultLogLevelConstant,
		commonLogFormatConfigKeyConstant:   defaultLogFormatConstant,
		databasePathConfigKeyConstant:      defaultDatabasePathConstant,
		archiveEnabledConfigKeyConstant:    true,
		archiveRetentionConfigKeyConstant:  defaultArchiveRetentionDaysConstant,
		archiveRootConfigKeyConstant:       defaultArchiveRootConstant,
		revocationEnabledConfigKeyConstant: false,
	}

	loadedConfiguration, loadError := application.configurationLoader.LoadConfiguration(application.configurationFilePath, defaultValues, &application.configuration)
	if loadError != nil {
		return fmt.Errorf(configurationLoadErrorTemplateConstant, loadError)
	}

	application.configurationMetadata = loadedConfiguration

	if application.persistentFlagChanged(command, logLevelFlagNameConstant) {
		application.configuration.Common.LogLevel = application.logLevelFlagValue
	}

	if application.persistentFlagChanged(command, logFormatFlagNameConstant) {
		application.configuration.Common.LogFormat = application.logFormatFlagValue
	}

	if application.persistentFlagChanged(command, databasePathFlagNameConstant) {
		application.configuration.Database.Path = application.databasePathFlagValue
	}

	logger, loggerCreationError := application.loggerFactory.CreateLogger(
		utils.LogLevel(application.configuration.Common.LogLevel),
		utils.LogFormat(application.configuration.Common.LogFormat),
	)
	if loggerCreationError != nil {
		return fmt.Errorf(loggerCreationErrorTemplateConstant, loggerCreationError)
	}

	application.logger = logger

	application.logger.Info(
		configurationInitializedMessageConstant,
		zap.String(configurationLogLevelFieldConstant, application.configuration.Common.LogLevel),
		zap.String(configurationLogFormatFieldConstant, application.configuration.Common.LogFormat),
		zap.String(configurationDatabaseFieldConstant, application.configuration.Database.Path),
		zap.String(configurationFileFieldConstant, application.configurationMetadata.ConfigFileUsed),
	)

	if command != nil {
		updatedContext := application.commandContextAccessor.WithConfigurationFilePath(
			command.Context(),
			application.configurationMetadata.ConfigFileUsed,
		)
		command.SetContext(updatedContext)
		if rootCommand := command.Root(); rootCommand != nil {
			rootCommand.SetContext(updatedContext)
		}
	}

	return nil
}

func (application *Application) runRootCommand(command *cobra.Command, arguments []string) error {
	if application.logger == nil {
		return errors.New(loggerNotInitializedMessageConstant)
	}

	application.logger.Info(
		rootCommandInfoMessageConstant,
		zap.String(logFieldCommandNameConstant, command.Name()),
		zap.Int(logFieldArgumentCountConstant, len(arguments)),
	)

	application.logger.Debug(
		rootCommandDebugMessageConstant,
		zap.Strings(logFieldArgumentsConstant, arguments),
	)

	if len(arguments) == 0 {
		return command.Help()
	}

	return nil
}

func (application *Application) flushLogger() error {
	if application.logger == nil {
		return nil
	}

	syncError := application.logger.Sync()
	switch {
	case syncError == nil:
		return nil
	case errors.Is(syncError, syscall.ENOTSUP):
		return nil
	case errors.Is(syncError, syscall.EINVAL):
		return nil
	default:
		return syncError
	}
}

func (application *Application) persistentFlagChanged(command *cobra.Command, flagName string) bool {
	if command == nil {
		return false
	}

	flagSetsToInspect := []*pflag.FlagSet{
		command.PersistentFlags(),
		command.InheritedFlags(),
	}

	rootCommand := command.Root()
	if rootCommand != nil {
		flagSetsToInspect = append(flagSetsToInspect, rootCommand.PersistentFlags())
	}

	for _, flagSet := range flagSetsToInspect {
		if flagSet == nil {
			continue
		}

		if flagSet.Changed(flagName) {
			return true
		}
	}

	return false
}
