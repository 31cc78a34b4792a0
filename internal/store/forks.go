package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	insertArchiveRecordQueryConstant = `INSERT INTO repository_forks
		(user_removal_id, repository_name, repository_url, source_repository_name, source_repository_url, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	updateArchiveStatusQueryConstant   = `UPDATE repository_forks SET status = ? WHERE id = ?`
	selectPrunableRecordsQueryConstant = `SELECT id, user_removal_id, repository_name, repository_url,
		source_repository_name, source_repository_url, status, created_at, deleted_at
		FROM repository_forks
		WHERE deleted_at IS NULL AND status = ?
		ORDER BY repository_name, created_at`
	finalizeArchiveRecordQueryConstant = `UPDATE repository_forks SET status = ?, deleted_at = ?
		WHERE id = ? AND deleted_at IS NULL`

	archiveInsertErrorTemplateConstant       = "inserting archive record failed: %w"
	archiveStatusUpdateErrorTemplateConstant = "updating archive record %d status failed: %w"
	archiveListingErrorTemplateConstant      = "listing prunable archive records failed: %w"
	archiveFinalizeErrorTemplateConstant     = "finalizing archive record %d failed: %w"

	archiveAlreadyFinalizedMessageConstant = "archive record already finalized"
)

// ErrAlreadyFinalized indicates an archive record's deleted_at was already written.
var ErrAlreadyFinalized = errors.New(archiveAlreadyFinalizedMessageConstant)

// InsertArchiveRecord persists a discovered fork for a removal and returns it with its identifier assigned.
func (persistentStore *Store) InsertArchiveRecord(executionContext context.Context, record ArchiveRecord) (ArchiveRecord, error) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if len(record.Status) == 0 {
		record.Status = ArchiveStatusNew
	}

	insertResult, insertError := persistentStore.database.ExecContext(
		executionContext,
		insertArchiveRecordQueryConstant,
		record.RemovalID,
		record.RepositoryName,
		record.RepositoryURL,
		record.SourceRepository,
		record.SourceRepositoryURL,
		string(record.Status),
		encodeTimestamp(record.CreatedAt),
	)
	if insertError != nil {
		return ArchiveRecord{}, fmt.Errorf(archiveInsertErrorTemplateConstant, insertError)
	}

	insertedIdentifier, identifierError := insertResult.LastInsertId()
	if identifierError != nil {
		return ArchiveRecord{}, fmt.Errorf(archiveInsertErrorTemplateConstant, identifierError)
	}
	record.ID = insertedIdentifier
	return record, nil
}

// SetArchiveRecordStatus updates a record's status without touching deleted_at.
func (persistentStore *Store) SetArchiveRecordStatus(executionContext context.Context, recordIdentifier int64, status ArchiveStatus) error {
	if _, updateError := persistentStore.database.ExecContext(
		executionContext,
		updateArchiveStatusQueryConstant,
		string(status),
		recordIdentifier,
	); updateError != nil {
		return fmt.Errorf(archiveStatusUpdateErrorTemplateConstant, recordIdentifier, updateError)
	}
	return nil
}

// ListArchivedRecordsForPruning returns the live ARCHIVED records grouped by
// repository name, each group ordered oldest first.
func (persistentStore *Store) ListArchivedRecordsForPruning(executionContext context.Context) (map[string][]ArchiveRecord, error) {
	prunableRows, queryError := persistentStore.database.QueryContext(executionContext, selectPrunableRecordsQueryConstant, string(ArchiveStatusArchived))
	if queryError != nil {
		return nil, fmt.Errorf(archiveListingErrorTemplateConstant, queryError)
	}
	defer prunableRows.Close()

	groupedRecords := make(map[string][]ArchiveRecord)
	for prunableRows.Next() {
		var (
			scannedRecord  ArchiveRecord
			statusValue    string
			createdAtValue string
			deletedAtValue sql.NullString
		)
		if scanError := prunableRows.Scan(
			&scannedRecord.ID,
			&scannedRecord.RemovalID,
			&scannedRecord.RepositoryName,
			&scannedRecord.RepositoryURL,
			&scannedRecord.SourceRepository,
			&scannedRecord.SourceRepositoryURL,
			&statusValue,
			&createdAtValue,
			&deletedAtValue,
		); scanError != nil {
			return nil, fmt.Errorf(archiveListingErrorTemplateConstant, scanError)
		}

		createdAt, createdAtError := decodeTimestamp(createdAtValue)
		if createdAtError != nil {
			return nil, fmt.Errorf(archiveListingErrorTemplateConstant, createdAtError)
		}
		deletedAt, deletedAtError := decodeOptionalTimestamp(deletedAtValue)
		if deletedAtError != nil {
			return nil, fmt.Errorf(archiveListingErrorTemplateConstant, deletedAtError)
		}

		scannedRecord.Status = ArchiveStatus(statusValue)
		scannedRecord.CreatedAt = createdAt
		scannedRecord.DeletedAt = deletedAt
		groupedRecords[scannedRecord.RepositoryName] = append(groupedRecords[scannedRecord.RepositoryName], scannedRecord)
	}
	if rowsError := prunableRows.Err(); rowsError != nil {
		return nil, fmt.Errorf(archiveListingErrorTemplateConstant, rowsError)
	}
	return groupedRecords, nil
}

// FinalizeArchiveRecord writes the terminal status and deleted_at in a single
// compare-and-set update. The guard on deleted_at makes finalization happen at
// most once per record; a second attempt reports ErrAlreadyFinalized.
func (persistentStore *Store) FinalizeArchiveRecord(executionContext context.Context, recordIdentifier int64, status ArchiveStatus, finalizationTime time.Time) error {
	updateResult, updateError := persistentStore.database.ExecContext(
		executionContext,
		finalizeArchiveRecordQueryConstant,
		string(status),
		encodeTimestamp(finalizationTime),
		recordIdentifier,
	)
	if updateError != nil {
		return fmt.Errorf(archiveFinalizeErrorTemplateConstant, recordIdentifier, updateError)
	}

	affectedRows, affectedError := updateResult.RowsAffected()
	if affectedError != nil {
		return fmt.Errorf(archiveFinalizeErrorTemplateConstant, recordIdentifier, affectedError)
	}
	if affectedRows == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}
