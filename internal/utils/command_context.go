package utils

import "context"

const (
	configurationFilePathContextKeyConstant = commandContextKey("configurationFilePath")
	runIdentifierContextKeyConstant         = commandContextKey("runIdentifier")
)

type commandContextKey string

// CommandContextAccessor manages values stored in command execution contexts.
type CommandContextAccessor struct{}

// NewCommandContextAccessor constructs a CommandContextAccessor instance.
func NewCommandContextAccessor() CommandContextAccessor {
	return CommandContextAccessor{}
}

// WithConfigurationFilePath attaches the configuration file path to the provided context.
func (accessor CommandContextAccessor) WithConfigurationFilePath(parentContext context.Context, configurationFilePath string) context.Context {
	if parentContext == nil {
		parentContext = context.Background()
	}
	return context.WithValue(parentContext, configurationFilePathContextKeyConstant, configurationFilePath)
}

// ConfigurationFilePath extracts the configuration file path from the provided context.
func (accessor CommandContextAccessor) ConfigurationFilePath(executionContext context.Context) (string, bool) {
	if executionContext == nil {
		return "", false
	}
	configurationFilePath, configurationFilePathAvailable := executionContext.Value(configurationFilePathContextKeyConstant).(string)
	if !configurationFilePathAvailable {
		return "", false
	}
	return configurationFilePath, true
}

// WithRunIdentifier attaches a batch run identifier to the provided context.
func (accessor CommandContextAccessor) WithRunIdentifier(parentContext context.Context, runIdentifier string) context.Context {
	if parentContext == nil {
		parentContext = context.Background()
	}
	return context.WithValue(parentContext, runIdentifierContextKeyConstant, runIdentifier)
}

// RunIdentifier extracts the batch run identifier from the provided context.
func (accessor CommandContextAccessor) RunIdentifier(executionContext context.Context) (string, bool) {
	if executionContext == nil {
		return "", false
	}
	runIdentifier, runIdentifierAvailable := executionContext.Value(runIdentifierContextKeyConstant).(string)
	if !runIdentifierAvailable {
		return "", false
	}
	return runIdentifier, true
}
