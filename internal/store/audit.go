package store

import (
	"context"
	"fmt"
	"time"
)

const (
	insertTeamUnsubscriptionQueryConstant = `INSERT INTO unsubscribed_users_from_teams
		(user_removal_id, platform_username, organization_name, team_name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	insertOrganizationUnsubscriptionQueryConstant = `INSERT INTO unsubscribed_users_from_orgs
		(user_removal_id, platform_username, organization_name, status, created_at)
		VALUES (?, ?, ?, ?, ?)`

	teamAuditInsertErrorTemplateConstant         = "inserting team unsubscription audit row failed: %w"
	organizationAuditInsertErrorTemplateConstant = "inserting organization unsubscription audit row failed: %w"
)

// InsertTeamUnsubscription appends an audit row for a team revocation attempt.
func (persistentStore *Store) InsertTeamUnsubscription(executionContext context.Context, unsubscription TeamUnsubscription) error {
	if unsubscription.CreatedAt.IsZero() {
		unsubscription.CreatedAt = time.Now().UTC()
	}
	if _, insertError := persistentStore.database.ExecContext(
		executionContext,
		insertTeamUnsubscriptionQueryConstant,
		unsubscription.RemovalID,
		unsubscription.PlatformUsername,
		unsubscription.OrganizationName,
		unsubscription.TeamName,
		string(unsubscription.Outcome),
		encodeTimestamp(unsubscription.CreatedAt),
	); insertError != nil {
		return fmt.Errorf(teamAuditInsertErrorTemplateConstant, insertError)
	}
	return nil
}

// InsertOrganizationUnsubscription appends an audit row for an organization revocation attempt.
func (persistentStore *Store) InsertOrganizationUnsubscription(executionContext context.Context, unsubscription OrganizationUnsubscription) error {
	if unsubscription.CreatedAt.IsZero() {
		unsubscription.CreatedAt = time.Now().UTC()
	}
	if _, insertError := persistentStore.database.ExecContext(
		executionContext,
		insertOrganizationUnsubscriptionQueryConstant,
		unsubscription.RemovalID,
		unsubscription.PlatformUsername,
		unsubscription.OrganizationName,
		string(unsubscription.Outcome),
		encodeTimestamp(unsubscription.CreatedAt),
	); insertError != nil {
		return fmt.Errorf(organizationAuditInsertErrorTemplateConstant, insertError)
	}
	return nil
}
