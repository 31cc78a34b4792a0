// Package membership revokes a departing user's team and organization
// memberships and records every attempted revocation.
package membership

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/orgsec/offboard/internal/store"
)

const (
	membershipLoggerMissingMessageConstant  = "logger not configured"
	membershipManagerMissingMessageConstant = "membership manager not configured"
	membershipAuditorMissingMessageConstant = "revocation auditor not configured"

	teamMembershipCheckErrorTemplateConstant           = "checking membership of %s in team %s/%s failed: %w"
	teamMembershipRemovalErrorTemplateConstant         = "removing %s from team %s/%s failed: %w"
	organizationMembershipCheckErrorTemplateConstant   = "checking membership of %s in organization %s failed: %w"
	organizationMembershipRemovalErrorTemplateConstant = "removing %s from organization %s failed: %w"

	teamMembershipAbsentMessageConstant          = "user is not a team member, nothing to revoke"
	teamMembershipRevokedMessageConstant         = "team membership revoked"
	organizationMembershipAbsentMessageConstant  = "user is not an organization member, nothing to revoke"
	organizationMembershipRevokedMessageConstant = "organization membership revoked"

	logFieldUsernameConstant     = "username"
	logFieldOrganizationConstant = "organization"
	logFieldTeamConstant         = "team"
)

var (
	// ErrLoggerNotConfigured indicates the service was constructed without a logger.
	ErrLoggerNotConfigured = errors.New(membershipLoggerMissingMessageConstant)
	// ErrManagerNotConfigured indicates the service was constructed without a membership manager.
	ErrManagerNotConfigured = errors.New(membershipManagerMissingMessageConstant)
	// ErrAuditorNotConfigured indicates the service was constructed without a revocation auditor.
	ErrAuditorNotConfigured = errors.New(membershipAuditorMissingMessageConstant)
)

// MembershipManager is the subset of the platform client revocation depends on.
type MembershipManager interface {
	IsTeamMember(executionContext context.Context, organizationName string, teamSlug string, username string) (bool, error)
	RemoveTeamMember(executionContext context.Context, organizationName string, teamSlug string, username string) error
	IsOrganizationMember(executionContext context.Context, organizationName string, username string) (bool, error)
	RemoveOrganizationMember(executionContext context.Context, organizationName string, username string) error
}

// RevocationAuditor records every attempted revocation.
type RevocationAuditor interface {
	InsertTeamUnsubscription(executionContext context.Context, unsubscription store.TeamUnsubscription) error
	InsertOrganizationUnsubscription(executionContext context.Context, unsubscription store.OrganizationUnsubscription) error
}

// Service revokes team and organization memberships. Revocations are
// attempted only for current members; every attempt leaves an audit row with
// its outcome, while a skipped non-member leaves none.
type Service struct {
	manager MembershipManager
	auditor RevocationAuditor
	logger  *zap.Logger
}

// NewService constructs a membership revocation service.
func NewService(logger *zap.Logger, manager MembershipManager, auditor RevocationAuditor) (*Service, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if manager == nil {
		return nil, ErrManagerNotConfigured
	}
	if auditor == nil {
		return nil, ErrAuditorNotConfigured
	}
	return &Service{manager: manager, auditor: auditor, logger: logger}, nil
}

// RevokeTeamMembership removes username from the team when they are currently
// a member. The audit row records COMPLETED or FAILED; a failed removal is
// returned to the caller after the audit row is written.
func (service *Service) RevokeTeamMembership(executionContext context.Context, removalIdentifier int64, organizationName string, teamSlug string, teamName string, username string) error {
	isMember, checkError := service.manager.IsTeamMember(executionContext, organizationName, teamSlug, username)
	if checkError != nil {
		return fmt.Errorf(teamMembershipCheckErrorTemplateConstant, username, organizationName, teamSlug, checkError)
	}
	if !isMember {
		service.logger.Info(
			teamMembershipAbsentMessageConstant,
			zap.String(logFieldUsernameConstant, username),
			zap.String(logFieldOrganizationConstant, organizationName),
			zap.String(logFieldTeamConstant, teamName),
		)
		return nil
	}

	auditOutcome := store.AuditOutcomeCompleted
	removalError := service.manager.RemoveTeamMember(executionContext, organizationName, teamSlug, username)
	if removalError != nil {
		auditOutcome = store.AuditOutcomeFailed
	}

	if auditError := service.auditor.InsertTeamUnsubscription(executionContext, store.TeamUnsubscription{
		RemovalID:        removalIdentifier,
		PlatformUsername: username,
		OrganizationName: organizationName,
		TeamName:         teamName,
		Outcome:          auditOutcome,
	}); auditError != nil {
		return auditError
	}

	if removalError != nil {
		return fmt.Errorf(teamMembershipRemovalErrorTemplateConstant, username, organizationName, teamSlug, removalError)
	}

	service.logger.Info(
		teamMembershipRevokedMessageConstant,
		zap.String(logFieldUsernameConstant, username),
		zap.String(logFieldOrganizationConstant, organizationName),
		zap.String(logFieldTeamConstant, teamName),
	)
	return nil
}

// RevokeOrganizationMembership removes username from the organization when
// they are currently a member, with the same audit contract as team
// revocation.
func (service *Service) RevokeOrganizationMembership(executionContext context.Context, removalIdentifier int64, organizationName string, username string) error {
	isMember, checkError := service.manager.IsOrganizationMember(executionContext, organizationName, username)
	if checkError != nil {
		return fmt.Errorf(organizationMembershipCheckErrorTemplateConstant, username, organizationName, checkError)
	}
	if !isMember {
		service.logger.Info(
			organizationMembershipAbsentMessageConstant,
			zap.String(logFieldUsernameConstant, username),
			zap.String(logFieldOrganizationConstant, organizationName),
		)
		return nil
	}

	auditOutcome := store.AuditOutcomeCompleted
	removalError := service.manager.RemoveOrganizationMember(executionContext, organizationName, username)
	if removalError != nil {
		auditOutcome = store.AuditOutcomeFailed
	}

	if auditError := service.auditor.InsertOrganizationUnsubscription(executionContext, store.OrganizationUnsubscription{
		RemovalID:        removalIdentifier,
		PlatformUsername: username,
		OrganizationName: organizationName,
		Outcome:          auditOutcome,
	}); auditError != nil {
		return auditError
	}

	if removalError != nil {
		return fmt.Errorf(organizationMembershipRemovalErrorTemplateConstant, username, organizationName, removalError)
	}

	service.logger.Info(
		organizationMembershipRevokedMessageConstant,
		zap.String(logFieldUsernameConstant, username),
		zap.String(logFieldOrganizationConstant, organizationName),
	)
	return nil
}
