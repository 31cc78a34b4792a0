package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	insertRemovalQueryConstant = `INSERT INTO user_removals
		(directory_username, platform_username, remove_on, created_at, status)
		VALUES (?, ?, ?, ?, ?)`
	selectRemovalQueryConstant = `SELECT id, directory_username, platform_username,
		remove_on, created_at, started_at, completed_at, status
		FROM user_removals WHERE id = ?`
	selectPendingRemovalsQueryConstant = `SELECT id, directory_username, platform_username,
		remove_on, created_at, started_at, completed_at, status
		FROM user_removals
		WHERE started_at IS NULL AND (remove_on IS NULL OR remove_on <= ?)
		ORDER BY id`
	claimRemovalQueryConstant        = `UPDATE user_removals SET started_at = ?, status = ? WHERE id = ?`
	updateRemovalStatusQueryConstant = `UPDATE user_removals SET status = ?, completed_at = ? WHERE id = ?`

	removalInsertErrorTemplateConstant       = "inserting removal request failed: %w"
	removalLoadErrorTemplateConstant         = "loading removal request %d failed: %w"
	removalClaimErrorTemplateConstant        = "claiming pending removal requests failed: %w"
	removalStatusUpdateErrorTemplateConstant = "updating removal request %d status failed: %w"

	removalNotFoundMessageConstant = "removal request not found"
)

// ErrRemovalNotFound indicates a removal request identifier matched no row.
var ErrRemovalNotFound = errors.New(removalNotFoundMessageConstant)

// InsertRemovalRequest queues a new removal request and returns it with its identifier assigned.
func (persistentStore *Store) InsertRemovalRequest(executionContext context.Context, request RemovalRequest) (RemovalRequest, error) {
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now().UTC()
	}

	insertResult, insertError := persistentStore.database.ExecContext(
		executionContext,
		insertRemovalQueryConstant,
		request.DirectoryUsername,
		request.PlatformUsername,
		encodeOptionalTimestamp(request.RemoveOn),
		encodeTimestamp(request.CreatedAt),
		string(request.Status),
	)
	if insertError != nil {
		return RemovalRequest{}, fmt.Errorf(removalInsertErrorTemplateConstant, insertError)
	}

	insertedIdentifier, identifierError := insertResult.LastInsertId()
	if identifierError != nil {
		return RemovalRequest{}, fmt.Errorf(removalInsertErrorTemplateConstant, identifierError)
	}
	request.ID = insertedIdentifier
	return request, nil
}

// GetRemovalRequest loads a removal request by identifier.
func (persistentStore *Store) GetRemovalRequest(executionContext context.Context, removalIdentifier int64) (RemovalRequest, error) {
	requestRow := persistentStore.database.QueryRowContext(executionContext, selectRemovalQueryConstant, removalIdentifier)
	loadedRequest, scanError := scanRemovalRequest(requestRow.Scan)
	if errors.Is(scanError, sql.ErrNoRows) {
		return RemovalRequest{}, ErrRemovalNotFound
	}
	if scanError != nil {
		return RemovalRequest{}, fmt.Errorf(removalLoadErrorTemplateConstant, removalIdentifier, scanError)
	}
	return loadedRequest, nil
}

// ClaimPendingRemovals selects every removal that is due and not yet started,
// stamps it STARTED inside a single transaction, and returns the claimed set.
// The transaction is the exclusivity boundary: a request claimed once is
// never handed to a second run.
func (persistentStore *Store) ClaimPendingRemovals(executionContext context.Context, claimTime time.Time) ([]RemovalRequest, error) {
	claimTransaction, transactionError := persistentStore.database.BeginTx(executionContext, nil)
	if transactionError != nil {
		return nil, fmt.Errorf(removalClaimErrorTemplateConstant, transactionError)
	}
	defer func() {
		_ = claimTransaction.Rollback()
	}()

	pendingRows, queryError := claimTransaction.QueryContext(executionContext, selectPendingRemovalsQueryConstant, encodeTimestamp(claimTime))
	if queryError != nil {
		return nil, fmt.Errorf(removalClaimErrorTemplateConstant, queryError)
	}

	claimedRequests := make([]RemovalRequest, 0)
	for pendingRows.Next() {
		pendingRequest, scanError := scanRemovalRequest(pendingRows.Scan)
		if scanError != nil {
			pendingRows.Close()
			return nil, fmt.Errorf(removalClaimErrorTemplateConstant, scanError)
		}
		claimedRequests = append(claimedRequests, pendingRequest)
	}
	if rowsError := pendingRows.Err(); rowsError != nil {
		pendingRows.Close()
		return nil, fmt.Errorf(removalClaimErrorTemplateConstant, rowsError)
	}
	pendingRows.Close()

	claimTimestamp := claimTime.UTC()
	for requestIndex := range claimedRequests {
		claimedRequests[requestIndex].StartedAt = &claimTimestamp
		claimedRequests[requestIndex].Status = RemovalStatusStarted
		if _, updateError := claimTransaction.ExecContext(
			executionContext,
			claimRemovalQueryConstant,
			encodeTimestamp(claimTimestamp),
			string(RemovalStatusStarted),
			claimedRequests[requestIndex].ID,
		); updateError != nil {
			return nil, fmt.Errorf(removalClaimErrorTemplateConstant, updateError)
		}
	}

	if commitError := claimTransaction.Commit(); commitError != nil {
		return nil, fmt.Errorf(removalClaimErrorTemplateConstant, commitError)
	}
	return claimedRequests, nil
}

// SetRemovalStatus records the terminal status of a removal and stamps its completion time.
func (persistentStore *Store) SetRemovalStatus(executionContext context.Context, removalIdentifier int64, status RemovalStatus, completionTime time.Time) error {
	if _, updateError := persistentStore.database.ExecContext(
		executionContext,
		updateRemovalStatusQueryConstant,
		string(status),
		encodeTimestamp(completionTime),
		removalIdentifier,
	); updateError != nil {
		return fmt.Errorf(removalStatusUpdateErrorTemplateConstant, removalIdentifier, updateError)
	}
	return nil
}

func scanRemovalRequest(scanRow func(destinations ...any) error) (RemovalRequest, error) {
	var (
		scannedRequest   RemovalRequest
		removeOnValue    sql.NullString
		createdAtValue   string
		startedAtValue   sql.NullString
		completedAtValue sql.NullString
		statusValue      string
	)

	if scanError := scanRow(
		&scannedRequest.ID,
		&scannedRequest.DirectoryUsername,
		&scannedRequest.PlatformUsername,
		&removeOnValue,
		&createdAtValue,
		&startedAtValue,
		&completedAtValue,
		&statusValue,
	); scanError != nil {
		return RemovalRequest{}, scanError
	}

	createdAt, createdAtError := decodeTimestamp(createdAtValue)
	if createdAtError != nil {
		return RemovalRequest{}, createdAtError
	}
	removeOn, removeOnError := decodeOptionalTimestamp(removeOnValue)
	if removeOnError != nil {
		return RemovalRequest{}, removeOnError
	}
	startedAt, startedAtError := decodeOptionalTimestamp(startedAtValue)
	if startedAtError != nil {
		return RemovalRequest{}, startedAtError
	}
	completedAt, completedAtError := decodeOptionalTimestamp(completedAtValue)
	if completedAtError != nil {
		return RemovalRequest{}, completedAtError
	}

	scannedRequest.CreatedAt = createdAt
	scannedRequest.RemoveOn = removeOn
	scannedRequest.StartedAt = startedAt
	scannedRequest.CompletedAt = completedAt
	scannedRequest.Status = RemovalStatus(statusValue)
	return scannedRequest, nil
}
