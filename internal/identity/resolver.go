// Package identity maps directory accounts to current platform accounts.
package identity

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/orgsec/offboard/internal/store"
)

const (
	unknownIdentityMessageConstant       = "directory username has no registered platform identity"
	resolverLoggerMissingMessageConstant = "logger not configured"
	resolverUsersMissingMessageConstant  = "registered user source not configured"
	resolverLookupMissingMessageConstant = "platform user lookup not configured"

	registeredUserLookupErrorTemplateConstant = "resolving registered user %q failed: %w"
	platformLoginLookupErrorTemplateConstant  = "resolving platform login for user id %d failed: %w"

	platformUsernameResolvedMessageConstant = "platform username resolved"

	logFieldDirectoryUsernameConstant = "directory_username"
	logFieldPlatformUserIDConstant    = "platform_user_id"
	logFieldPlatformUsernameConstant  = "platform_username"
)

var (
	// ErrUnknownIdentity indicates the directory username maps to no usable platform identity.
	ErrUnknownIdentity = errors.New(unknownIdentityMessageConstant)
	// ErrLoggerNotConfigured indicates the resolver was constructed without a logger.
	ErrLoggerNotConfigured = errors.New(resolverLoggerMissingMessageConstant)
	// ErrUserSourceNotConfigured indicates the resolver was constructed without a registered user source.
	ErrUserSourceNotConfigured = errors.New(resolverUsersMissingMessageConstant)
	// ErrPlatformLookupNotConfigured indicates the resolver was constructed without a platform user lookup.
	ErrPlatformLookupNotConfigured = errors.New(resolverLookupMissingMessageConstant)
)

// RegisteredUserSource provides directory-to-platform account mappings.
type RegisteredUserSource interface {
	FindRegisteredUserByDirectoryUsername(executionContext context.Context, directoryUsername string) (store.RegisteredUser, error)
}

// PlatformUserLookup resolves a stable platform user identifier to its current login.
type PlatformUserLookup interface {
	GetUserLoginByID(executionContext context.Context, userIdentifier int64) (string, error)
}

// DirectoryAccountChecker reports whether a directory account still exists.
// The scanning collaborator that feeds removals lives outside this module.
type DirectoryAccountChecker interface {
	DirectoryAccountExists(executionContext context.Context, directoryUsername string) (bool, error)
}

// Resolver resolves directory usernames to current platform logins. The
// lookup goes through the stored numeric platform user identifier, so a
// renamed platform account still resolves to its current login.
type Resolver struct {
	registeredUsers RegisteredUserSource
	platformLookup  PlatformUserLookup
	logger          *zap.Logger
}

// NewResolver constructs an identity resolver.
func NewResolver(logger *zap.Logger, registeredUsers RegisteredUserSource, platformLookup PlatformUserLookup) (*Resolver, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if registeredUsers == nil {
		return nil, ErrUserSourceNotConfigured
	}
	if platformLookup == nil {
		return nil, ErrPlatformLookupNotConfigured
	}
	return &Resolver{registeredUsers: registeredUsers, platformLookup: platformLookup, logger: logger}, nil
}

// ResolvePlatformUsername returns the current platform login for the
// directory username. An unregistered directory username or a mapping without
// a platform user identifier reports ErrUnknownIdentity.
func (resolver *Resolver) ResolvePlatformUsername(executionContext context.Context, directoryUsername string) (string, error) {
	registeredUser, lookupError := resolver.registeredUsers.FindRegisteredUserByDirectoryUsername(executionContext, directoryUsername)
	if errors.Is(lookupError, store.ErrRegisteredUserNotFound) {
		return "", ErrUnknownIdentity
	}
	if lookupError != nil {
		return "", fmt.Errorf(registeredUserLookupErrorTemplateConstant, directoryUsername, lookupError)
	}
	if registeredUser.PlatformUserID == 0 {
		return "", ErrUnknownIdentity
	}

	currentLogin, loginError := resolver.platformLookup.GetUserLoginByID(executionContext, registeredUser.PlatformUserID)
	if loginError != nil {
		return "", fmt.Errorf(platformLoginLookupErrorTemplateConstant, registeredUser.PlatformUserID, loginError)
	}

	resolver.logger.Info(
		platformUsernameResolvedMessageConstant,
		zap.String(logFieldDirectoryUsernameConstant, directoryUsername),
		zap.Int64(logFieldPlatformUserIDConstant, registeredUser.PlatformUserID),
		zap.String(logFieldPlatformUsernameConstant, currentLogin),
	)
	return currentLogin, nil
}
