package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/orgsec/offboard/internal/store"
)

const (
	testDirectoryUsernameConstant = "jdoe"
	testPlatformUsernameConstant  = "johndoe"
	testForkFullNameConstant      = "johndoe/core"
	testForkCloneURLConstant      = "https://github.com/johndoe/core.git"
	testSourceFullNameConstant    = "acme/core"
	testSourceCloneURLConstant    = "https://github.com/acme/core.git"
)

func newTestStore(testInstance *testing.T) *store.Store {
	databaseName := fmt.Sprintf("file:testdb_%s?mode=memory&cache=shared", ulid.Make().String())
	database, openError := sql.Open("sqlite", databaseName)
	require.NoError(testInstance, openError)
	testInstance.Cleanup(func() {
		_ = database.Close()
	})

	persistentStore, creationError := store.NewStoreWithDatabase(database)
	require.NoError(testInstance, creationError)
	require.NoError(testInstance, persistentStore.Migrate(context.Background()))
	return persistentStore
}

func insertTestRemoval(testInstance *testing.T, persistentStore *store.Store, request store.RemovalRequest) store.RemovalRequest {
	insertedRequest, insertError := persistentStore.InsertRemovalRequest(context.Background(), request)
	require.NoError(testInstance, insertError)
	return insertedRequest
}

func TestClaimPendingRemovalsClaimsEachRequestExactlyOnce(testInstance *testing.T) {
	persistentStore := newTestStore(testInstance)
	insertTestRemoval(testInstance, persistentStore, store.RemovalRequest{DirectoryUsername: testDirectoryUsernameConstant})
	insertTestRemoval(testInstance, persistentStore, store.RemovalRequest{PlatformUsername: testPlatformUsernameConstant})

	claimTime := time.Now().UTC()
	firstClaim, firstClaimError := persistentStore.ClaimPendingRemovals(context.Background(), claimTime)
	require.NoError(testInstance, firstClaimError)
	require.Len(testInstance, firstClaim, 2)
	for _, claimedRequest := range firstClaim {
		require.Equal(testInstance, store.RemovalStatusStarted, claimedRequest.Status)
		require.NotNil(testInstance, claimedRequest.StartedAt)
	}

	secondClaim, secondClaimError := persistentStore.ClaimPendingRemovals(context.Background(), claimTime.Add(time.Minute))
	require.NoError(testInstance, secondClaimError)
	require.Empty(testInstance, secondClaim)
}

func TestClaimPendingRemovalsHonorsRemoveOnDate(testInstance *testing.T) {
	persistentStore := newTestStore(testInstance)
	claimTime := time.Now().UTC()

	futureRemoveOn := claimTime.Add(24 * time.Hour)
	pastRemoveOn := claimTime.Add(-24 * time.Hour)
	insertTestRemoval(testInstance, persistentStore, store.RemovalRequest{DirectoryUsername: "future", RemoveOn: &futureRemoveOn})
	dueRequest := insertTestRemoval(testInstance, persistentStore, store.RemovalRequest{DirectoryUsername: "due", RemoveOn: &pastRemoveOn})

	claimedRequests, claimError := persistentStore.ClaimPendingRemovals(context.Background(), claimTime)
	require.NoError(testInstance, claimError)
	require.Len(testInstance, claimedRequests, 1)
	require.Equal(testInstance, dueRequest.ID, claimedRequests[0].ID)
}

func TestSetRemovalStatusStampsCompletionTime(testInstance *testing.T) {
	persistentStore := newTestStore(testInstance)
	insertedRequest := insertTestRemoval(testInstance, persistentStore, store.RemovalRequest{DirectoryUsername: testDirectoryUsernameConstant})

	completionTime := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(testInstance, persistentStore.SetRemovalStatus(context.Background(), insertedRequest.ID, store.RemovalStatusCompleted, completionTime))

	loadedRequest, loadError := persistentStore.GetRemovalRequest(context.Background(), insertedRequest.ID)
	require.NoError(testInstance, loadError)
	require.Equal(testInstance, store.RemovalStatusCompleted, loadedRequest.Status)
	require.NotNil(testInstance, loadedRequest.CompletedAt)
	require.True(testInstance, loadedRequest.CompletedAt.Equal(completionTime))
}

func TestGetRemovalRequestReportsMissingRow(testInstance *testing.T) {
	persistentStore := newTestStore(testInstance)

	_, loadError := persistentStore.GetRemovalRequest(context.Background(), 42)
	require.ErrorIs(testInstance, loadError, store.ErrRemovalNotFound)
}

func TestFinalizeArchiveRecordWritesDeletedAtAtMostOnce(testInstance *testing.T) {
	persistentStore := newTestStore(testInstance)
	insertedRequest := insertTestRemoval(testInstance, persistentStore, store.RemovalRequest{DirectoryUsername: testDirectoryUsernameConstant})

	insertedRecord, insertError := persistentStore.InsertArchiveRecord(context.Background(), store.ArchiveRecord{
		RemovalID:           insertedRequest.ID,
		RepositoryName:      testForkFullNameConstant,
		RepositoryURL:       testForkCloneURLConstant,
		SourceRepository:    testSourceFullNameConstant,
		SourceRepositoryURL: testSourceCloneURLConstant,
	})
	require.NoError(testInstance, insertError)
	require.Equal(testInstance, store.ArchiveStatusNew, insertedRecord.Status)

	require.NoError(testInstance, persistentStore.SetArchiveRecordStatus(context.Background(), insertedRecord.ID, store.ArchiveStatusArchived))

	finalizationTime := time.Now().UTC()
	require.NoError(testInstance, persistentStore.FinalizeArchiveRecord(context.Background(), insertedRecord.ID, store.ArchiveStatusDeleted, finalizationTime))

	secondFinalizationError := persistentStore.FinalizeArchiveRecord(context.Background(), insertedRecord.ID, store.ArchiveStatusSuperseded, finalizationTime.Add(time.Minute))
	require.ErrorIs(testInstance, secondFinalizationError, store.ErrAlreadyFinalized)
}

func TestListArchivedRecordsForPruningGroupsByRepository(testInstance *testing.T) {
	persistentStore := newTestStore(testInstance)
	insertedRequest := insertTestRemoval(testInstance, persistentStore, store.RemovalRequest{DirectoryUsername: testDirectoryUsernameConstant})

	baseTime := time.Now().UTC().Add(-72 * time.Hour)
	recordDefinitions := []struct {
		repositoryName string
		status         store.ArchiveStatus
		createdOffset  time.Duration
		finalized      bool
	}{
		{repositoryName: testForkFullNameConstant, status: store.ArchiveStatusArchived, createdOffset: 0},
		{repositoryName: testForkFullNameConstant, status: store.ArchiveStatusArchived, createdOffset: time.Hour},
		{repositoryName: "johndoe/tools", status: store.ArchiveStatusArchived, createdOffset: 2 * time.Hour},
		{repositoryName: "johndoe/tools", status: store.ArchiveStatusArchivalFailed, createdOffset: 3 * time.Hour},
		{repositoryName: "johndoe/legacy", status: store.ArchiveStatusArchived, createdOffset: 4 * time.Hour, finalized: true},
	}

	for _, recordDefinition := range recordDefinitions {
		insertedRecord, insertError := persistentStore.InsertArchiveRecord(context.Background(), store.ArchiveRecord{
			RemovalID:           insertedRequest.ID,
			RepositoryName:      recordDefinition.repositoryName,
			RepositoryURL:       testForkCloneURLConstant,
			SourceRepository:    testSourceFullNameConstant,
			SourceRepositoryURL: testSourceCloneURLConstant,
			Status:              recordDefinition.status,
			CreatedAt:           baseTime.Add(recordDefinition.createdOffset),
		})
		require.NoError(testInstance, insertError)
		if recordDefinition.finalized {
			require.NoError(testInstance, persistentStore.FinalizeArchiveRecord(context.Background(), insertedRecord.ID, store.ArchiveStatusDeleted, time.Now().UTC()))
		}
	}

	groupedRecords, listingError := persistentStore.ListArchivedRecordsForPruning(context.Background())
	require.NoError(testInstance, listingError)
	require.Len(testInstance, groupedRecords, 2)
	require.Len(testInstance, groupedRecords[testForkFullNameConstant], 2)
	require.Len(testInstance, groupedRecords["johndoe/tools"], 1)
	require.True(testInstance, groupedRecords[testForkFullNameConstant][0].CreatedAt.Before(groupedRecords[testForkFullNameConstant][1].CreatedAt))
}

func TestArchiveRecordOwnerLogin(testInstance *testing.T) {
	testCases := []struct {
		name           string
		repositoryName string
		expectedOwner  string
	}{
		{name: "owner_and_name", repositoryName: testForkFullNameConstant, expectedOwner: testPlatformUsernameConstant},
		{name: "bare_name", repositoryName: "core", expectedOwner: "core"},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			record := store.ArchiveRecord{RepositoryName: testCase.repositoryName}
			require.Equal(testInstance, testCase.expectedOwner, record.OwnerLogin())
		})
	}
}

func TestFindRegisteredUserByDirectoryUsername(testInstance *testing.T) {
	persistentStore := newTestStore(testInstance)

	_, missingError := persistentStore.FindRegisteredUserByDirectoryUsername(context.Background(), testDirectoryUsernameConstant)
	require.ErrorIs(testInstance, missingError, store.ErrRegisteredUserNotFound)

	insertedUser, insertError := persistentStore.InsertRegisteredUser(context.Background(), store.RegisteredUser{
		DirectoryUsername: testDirectoryUsernameConstant,
		PlatformUsername:  testPlatformUsernameConstant,
		PlatformUserID:    12345,
	})
	require.NoError(testInstance, insertError)

	foundUser, lookupError := persistentStore.FindRegisteredUserByDirectoryUsername(context.Background(), testDirectoryUsernameConstant)
	require.NoError(testInstance, lookupError)
	require.Equal(testInstance, insertedUser, foundUser)

	_, duplicateError := persistentStore.InsertRegisteredUser(context.Background(), store.RegisteredUser{
		DirectoryUsername: testDirectoryUsernameConstant,
		PlatformUsername:  "other",
		PlatformUserID:    67890,
	})
	require.NoError(testInstance, duplicateError)

	_, ambiguousError := persistentStore.FindRegisteredUserByDirectoryUsername(context.Background(), testDirectoryUsernameConstant)
	require.ErrorIs(testInstance, ambiguousError, store.ErrAmbiguousDirectoryUser)
}

func TestInsertAuditAndLogRows(testInstance *testing.T) {
	persistentStore := newTestStore(testInstance)
	insertedRequest := insertTestRemoval(testInstance, persistentStore, store.RemovalRequest{DirectoryUsername: testDirectoryUsernameConstant})

	require.NoError(testInstance, persistentStore.InsertTeamUnsubscription(context.Background(), store.TeamUnsubscription{
		RemovalID:        insertedRequest.ID,
		PlatformUsername: testPlatformUsernameConstant,
		OrganizationName: "acme",
		TeamName:         "platform",
		Outcome:          store.AuditOutcomeCompleted,
	}))
	require.NoError(testInstance, persistentStore.InsertOrganizationUnsubscription(context.Background(), store.OrganizationUnsubscription{
		RemovalID:        insertedRequest.ID,
		PlatformUsername: testPlatformUsernameConstant,
		OrganizationName: "acme",
		Outcome:          store.AuditOutcomeFailed,
	}))
	require.NoError(testInstance, persistentStore.InsertRemovalLog(context.Background(), store.RemovalLog{
		RemovalID: &insertedRequest.ID,
		Message:   "archiving failed",
		ErrorText: "repository unavailable",
	}))
	require.NoError(testInstance, persistentStore.InsertRemovalLog(context.Background(), store.RemovalLog{
		Message: "batch finished",
	}))
}
