package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/orgsec/offboard/internal/store"
)

func newMockedStore(testInstance *testing.T) (*store.Store, sqlmock.Sqlmock) {
	mockedDatabase, databaseMock, mockError := sqlmock.New()
	require.NoError(testInstance, mockError)
	testInstance.Cleanup(func() {
		_ = mockedDatabase.Close()
	})

	persistentStore, creationError := store.NewStoreWithDatabase(mockedDatabase)
	require.NoError(testInstance, creationError)
	return persistentStore, databaseMock
}

func TestClaimPendingRemovalsRollsBackOnQueryFailure(testInstance *testing.T) {
	persistentStore, databaseMock := newMockedStore(testInstance)

	driverFailure := errors.New("database handle is closed")
	databaseMock.ExpectBegin()
	databaseMock.ExpectQuery("SELECT id, directory_username").WillReturnError(driverFailure)
	databaseMock.ExpectRollback()

	_, claimError := persistentStore.ClaimPendingRemovals(context.Background(), time.Now())
	require.ErrorIs(testInstance, claimError, driverFailure)
	require.NoError(testInstance, databaseMock.ExpectationsWereMet())
}

func TestClaimPendingRemovalsRollsBackOnStampFailure(testInstance *testing.T) {
	persistentStore, databaseMock := newMockedStore(testInstance)

	pendingColumns := []string{
		"id", "directory_username", "platform_username",
		"remove_on", "created_at", "started_at", "completed_at", "status",
	}
	pendingRows := sqlmock.NewRows(pendingColumns).
		AddRow(int64(7), "jdoe", "", nil, "2026-08-01T00:00:00.000000000Z", nil, nil, "")

	driverFailure := errors.New("disk I/O error")
	databaseMock.ExpectBegin()
	databaseMock.ExpectQuery("SELECT id, directory_username").WillReturnRows(pendingRows)
	databaseMock.ExpectExec("UPDATE user_removals SET started_at").WillReturnError(driverFailure)
	databaseMock.ExpectRollback()

	_, claimError := persistentStore.ClaimPendingRemovals(context.Background(), time.Now())
	require.ErrorIs(testInstance, claimError, driverFailure)
	require.NoError(testInstance, databaseMock.ExpectationsWereMet())
}

func TestFinalizeArchiveRecordReportsDriverFailure(testInstance *testing.T) {
	persistentStore, databaseMock := newMockedStore(testInstance)

	driverFailure := errors.New("database is locked")
	databaseMock.ExpectExec("UPDATE repository_forks SET status").WillReturnError(driverFailure)

	finalizationError := persistentStore.FinalizeArchiveRecord(context.Background(), 3, store.ArchiveStatusDeleted, time.Now())
	require.ErrorIs(testInstance, finalizationError, driverFailure)
	require.NoError(testInstance, databaseMock.ExpectationsWereMet())
}
