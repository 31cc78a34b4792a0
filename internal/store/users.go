package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	insertRegisteredUserQueryConstant = `INSERT INTO registered_users
		(directory_username, platform_username, platform_user_id)
		VALUES (?, ?, ?)`
	selectRegisteredUserQueryConstant = `SELECT id, directory_username, platform_username, platform_user_id
		FROM registered_users WHERE directory_username = ?`

	registeredUserInsertErrorTemplateConstant = "inserting registered user failed: %w"
	registeredUserLookupErrorTemplateConstant = "looking up registered user %q failed: %w"

	registeredUserNotFoundMessageConstant = "registered user not found"
	ambiguousDirectoryUserMessageConstant = "multiple registered users share the directory username"
)

var (
	// ErrRegisteredUserNotFound indicates no registered user carries the directory username.
	ErrRegisteredUserNotFound = errors.New(registeredUserNotFoundMessageConstant)
	// ErrAmbiguousDirectoryUser indicates more than one registered user carries the directory username.
	ErrAmbiguousDirectoryUser = errors.New(ambiguousDirectoryUserMessageConstant)
)

// InsertRegisteredUser persists a directory-to-platform account mapping.
func (persistentStore *Store) InsertRegisteredUser(executionContext context.Context, registeredUser RegisteredUser) (RegisteredUser, error) {
	insertResult, insertError := persistentStore.database.ExecContext(
		executionContext,
		insertRegisteredUserQueryConstant,
		registeredUser.DirectoryUsername,
		registeredUser.PlatformUsername,
		registeredUser.PlatformUserID,
	)
	if insertError != nil {
		return RegisteredUser{}, fmt.Errorf(registeredUserInsertErrorTemplateConstant, insertError)
	}

	insertedIdentifier, identifierError := insertResult.LastInsertId()
	if identifierError != nil {
		return RegisteredUser{}, fmt.Errorf(registeredUserInsertErrorTemplateConstant, identifierError)
	}
	registeredUser.ID = insertedIdentifier
	return registeredUser, nil
}

// FindRegisteredUserByDirectoryUsername returns the single registered user
// mapped to the directory username. A duplicate mapping is a data defect and
// reported as ErrAmbiguousDirectoryUser.
func (persistentStore *Store) FindRegisteredUserByDirectoryUsername(executionContext context.Context, directoryUsername string) (RegisteredUser, error) {
	matchingRows, queryError := persistentStore.database.QueryContext(executionContext, selectRegisteredUserQueryConstant, directoryUsername)
	if queryError != nil {
		return RegisteredUser{}, fmt.Errorf(registeredUserLookupErrorTemplateConstant, directoryUsername, queryError)
	}
	defer matchingRows.Close()

	matches := make([]RegisteredUser, 0, 1)
	for matchingRows.Next() {
		var scannedUser RegisteredUser
		if scanError := matchingRows.Scan(
			&scannedUser.ID,
			&scannedUser.DirectoryUsername,
			&scannedUser.PlatformUsername,
			&scannedUser.PlatformUserID,
		); scanError != nil {
			return RegisteredUser{}, fmt.Errorf(registeredUserLookupErrorTemplateConstant, directoryUsername, scanError)
		}
		matches = append(matches, scannedUser)
	}
	if rowsError := matchingRows.Err(); rowsError != nil && !errors.Is(rowsError, sql.ErrNoRows) {
		return RegisteredUser{}, fmt.Errorf(registeredUserLookupErrorTemplateConstant, directoryUsername, rowsError)
	}

	switch len(matches) {
	case 0:
		return RegisteredUser{}, ErrRegisteredUserNotFound
	case 1:
		return matches[0], nil
	default:
		return RegisteredUser{}, ErrAmbiguousDirectoryUser
	}
}
