package pipeline

import "strings"

// MonitoredTeam identifies one platform team whose memberships are in scope for revocation.
type MonitoredTeam struct {
	Name string `mapstructure:"name"`
	Slug string `mapstructure:"slug"`
}

// MonitoredOrganization identifies one platform organization in scope for archival and revocation.
type MonitoredOrganization struct {
	Name                         string          `mapstructure:"name"`
	RevokeOrganizationMembership bool            `mapstructure:"revoke_org_membership"`
	Teams                        []MonitoredTeam `mapstructure:"teams"`
}

// Settings is the immutable configuration value handed to each pipeline stage invocation.
type Settings struct {
	RevocationEnabled    bool                    `mapstructure:"revocation_enabled"`
	ArchiveEnabled       bool                    `mapstructure:"archive_enabled"`
	ArchiveRetentionDays int                     `mapstructure:"archive_retention_days"`
	ArchiveRoot          string                  `mapstructure:"archive_root"`
	Organizations        []MonitoredOrganization `mapstructure:"organizations"`
}

// Sanitize trims whitespace from names and drops empty organization and team entries.
func (settings Settings) Sanitize() Settings {
	sanitized := settings
	sanitized.ArchiveRoot = strings.TrimSpace(settings.ArchiveRoot)
	sanitized.Organizations = make([]MonitoredOrganization, 0, len(settings.Organizations))

	for _, organization := range settings.Organizations {
		trimmedName := strings.TrimSpace(organization.Name)
		if len(trimmedName) == 0 {
			continue
		}

		sanitizedOrganization := MonitoredOrganization{
			Name:                         trimmedName,
			RevokeOrganizationMembership: organization.RevokeOrganizationMembership,
			Teams:                        make([]MonitoredTeam, 0, len(organization.Teams)),
		}

		for _, team := range organization.Teams {
			trimmedTeamName := strings.TrimSpace(team.Name)
			trimmedTeamSlug := strings.TrimSpace(team.Slug)
			if len(trimmedTeamName) == 0 && len(trimmedTeamSlug) == 0 {
				continue
			}
			if len(trimmedTeamSlug) == 0 {
				trimmedTeamSlug = trimmedTeamName
			}
			sanitizedOrganization.Teams = append(sanitizedOrganization.Teams, MonitoredTeam{
				Name: trimmedTeamName,
				Slug: trimmedTeamSlug,
			})
		}

		sanitized.Organizations = append(sanitized.Organizations, sanitizedOrganization)
	}

	return sanitized
}
