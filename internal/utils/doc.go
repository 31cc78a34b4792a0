// Package utils exposes reusable helpers consumed by multiple commands.
//
// It houses the ConfigurationLoader and LoggerFactory abstractions that
// integrate Viper, environment variables, and zap logging for the CLI, plus
// the CommandContextAccessor used to thread batch run identifiers through
// command execution contexts.
package utils
