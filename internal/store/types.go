package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// RemovalStatus captures the lifecycle state of a removal request.
type RemovalStatus string

const (
	// RemovalStatusStarted marks a claimed removal that is being processed.
	RemovalStatusStarted RemovalStatus = "STARTED"
	// RemovalStatusCompleted marks a removal whose every step succeeded.
	RemovalStatusCompleted RemovalStatus = "COMPLETED"
	// RemovalStatusFailed marks a removal that hit an unrecoverable failure.
	RemovalStatusFailed RemovalStatus = "FAILED"
	// RemovalStatusUnknownUser marks a removal whose directory username has no registered mapping.
	RemovalStatusUnknownUser RemovalStatus = "UNKNOWN_USER"
	// RemovalStatusInvalid marks a removal whose identity fields failed validation.
	RemovalStatusInvalid RemovalStatus = "INVALID"
)

// ArchiveStatus captures the lifecycle state of a fork archive record.
type ArchiveStatus string

const (
	// ArchiveStatusNew marks a freshly discovered fork awaiting archival.
	ArchiveStatusNew ArchiveStatus = "NEW"
	// ArchiveStatusArchived marks a fork whose refs were mirrored successfully.
	ArchiveStatusArchived ArchiveStatus = "ARCHIVED"
	// ArchiveStatusArchivalFailed marks a fork whose mirroring failed.
	ArchiveStatusArchivalFailed ArchiveStatus = "ARCHIVAL_FAILED"
	// ArchiveStatusSuperseded marks an archive replaced by a newer one for the same repository.
	ArchiveStatusSuperseded ArchiveStatus = "SUPERSEDED"
	// ArchiveStatusDeleted marks an archive whose mirrored refs were pruned.
	ArchiveStatusDeleted ArchiveStatus = "DELETED"
	// ArchiveStatusDeletionFailed marks an archive whose pruning attempt failed.
	ArchiveStatusDeletionFailed ArchiveStatus = "DELETION_FAILED"
)

// AuditOutcome records whether a revocation attempt succeeded.
type AuditOutcome string

const (
	// AuditOutcomeCompleted marks a revocation that succeeded.
	AuditOutcomeCompleted AuditOutcome = "COMPLETED"
	// AuditOutcomeFailed marks a revocation attempt that failed.
	AuditOutcomeFailed AuditOutcome = "FAILED"
)

const (
	repositoryNameSeparatorConstant = "/"

	// Fixed-width UTC layout keeps lexicographic order of stored values equal
	// to chronological order, which the due-date comparison in SQL relies on.
	storedTimestampLayoutConstant = "2006-01-02T15:04:05.000000000Z"

	timestampParseErrorTemplateConstant = "parsing stored timestamp %q failed: %w"
)

// RemovalRequest represents one queued offboarding request.
type RemovalRequest struct {
	ID                int64
	DirectoryUsername string
	PlatformUsername  string
	RemoveOn          *time.Time
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	Status            RemovalStatus
}

// ArchiveRecord represents one fork archival attempt tied to a removal.
type ArchiveRecord struct {
	ID                  int64
	RemovalID           int64
	RepositoryName      string
	RepositoryURL       string
	SourceRepository    string
	SourceRepositoryURL string
	Status              ArchiveStatus
	CreatedAt           time.Time
	DeletedAt           *time.Time
}

// OwnerLogin derives the fork owner's platform login from the repository full name.
func (record ArchiveRecord) OwnerLogin() string {
	separatorIndex := strings.Index(record.RepositoryName, repositoryNameSeparatorConstant)
	if separatorIndex < 0 {
		return record.RepositoryName
	}
	return record.RepositoryName[:separatorIndex]
}

// RegisteredUser maps a directory account to a platform account.
type RegisteredUser struct {
	ID                int64
	DirectoryUsername string
	PlatformUsername  string
	PlatformUserID    int64
}

// TeamUnsubscription is an append-only audit row for a team revocation attempt.
type TeamUnsubscription struct {
	ID               int64
	RemovalID        int64
	PlatformUsername string
	OrganizationName string
	TeamName         string
	Outcome          AuditOutcome
	CreatedAt        time.Time
}

// OrganizationUnsubscription is an append-only audit row for an organization revocation attempt.
type OrganizationUnsubscription struct {
	ID               int64
	RemovalID        int64
	PlatformUsername string
	OrganizationName string
	Outcome          AuditOutcome
	CreatedAt        time.Time
}

// RemovalLog is a diagnostic trail entry optionally tied to a removal.
type RemovalLog struct {
	ID        int64
	RemovalID *int64
	Message   string
	ErrorText string
	CreatedAt time.Time
}

func encodeTimestamp(value time.Time) string {
	return value.UTC().Format(storedTimestampLayoutConstant)
}

func encodeOptionalTimestamp(value *time.Time) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTimestamp(*value), Valid: true}
}

func decodeTimestamp(storedValue string) (time.Time, error) {
	// RFC3339Nano accepts the fixed-width layout written by encodeTimestamp.
	parsedValue, parseError := time.Parse(time.RFC3339Nano, storedValue)
	if parseError != nil {
		return time.Time{}, fmt.Errorf(timestampParseErrorTemplateConstant, storedValue, parseError)
	}
	return parsedValue, nil
}

func decodeOptionalTimestamp(storedValue sql.NullString) (*time.Time, error) {
	if !storedValue.Valid {
		return nil, nil
	}
	parsedValue, parseError := decodeTimestamp(storedValue.String)
	if parseError != nil {
		return nil, parseError
	}
	return &parsedValue, nil
}
