package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	insertRemovalLogQueryConstant = `INSERT INTO removal_logs
		(user_removal_id, message, error_text, created_at)
		VALUES (?, ?, ?, ?)`

	removalLogInsertErrorTemplateConstant = "inserting removal log entry failed: %w"
)

// InsertRemovalLog appends a diagnostic entry, optionally tied to a removal.
func (persistentStore *Store) InsertRemovalLog(executionContext context.Context, logEntry RemovalLog) error {
	if logEntry.CreatedAt.IsZero() {
		logEntry.CreatedAt = time.Now().UTC()
	}

	removalIdentifier := sql.NullInt64{}
	if logEntry.RemovalID != nil {
		removalIdentifier = sql.NullInt64{Int64: *logEntry.RemovalID, Valid: true}
	}

	if _, insertError := persistentStore.database.ExecContext(
		executionContext,
		insertRemovalLogQueryConstant,
		removalIdentifier,
		logEntry.Message,
		logEntry.ErrorText,
		encodeTimestamp(logEntry.CreatedAt),
	); insertError != nil {
		return fmt.Errorf(removalLogInsertErrorTemplateConstant, insertError)
	}
	return nil
}
