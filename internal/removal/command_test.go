package removal_test

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orgsec/offboard/internal/pipeline"
	"github.com/orgsec/offboard/internal/removal"
	"github.com/orgsec/offboard/internal/store"
	"github.com/orgsec/offboard/internal/utils"
)

const testCommandConfigurationPathConstant = "/etc/offboard/config.yaml"

func newCommandTestStore(testInstance *testing.T) *store.Store {
	testInstance.Helper()

	databaseName := fmt.Sprintf("file:testdb_%s?mode=memory&cache=shared", ulid.Make().String())
	database, openError := sql.Open("sqlite", databaseName)
	require.NoError(testInstance, openError)

	persistentStore, storeError := store.NewStoreWithDatabase(database)
	require.NoError(testInstance, storeError)
	require.NoError(testInstance, persistentStore.Migrate(context.Background()))
	return persistentStore
}

func TestProcessCommandStampsRunIdentifierAndConfigurationFile(testInstance *testing.T) {
	observedCore, observedEntries := observer.New(zapcore.InfoLevel)
	builder := removal.CommandBuilder{
		LoggerProvider: func() *zap.Logger {
			return zap.New(observedCore)
		},
		SettingsProvider: defaultDispatcherSettings,
		StoreProvider: func(command *cobra.Command) (*store.Store, error) {
			return newCommandTestStore(testInstance), nil
		},
	}

	processCommand, buildError := builder.BuildProcessCommand()
	require.NoError(testInstance, buildError)

	commandContext := utils.NewCommandContextAccessor().WithConfigurationFilePath(context.Background(), testCommandConfigurationPathConstant)
	processCommand.SetContext(commandContext)

	outputBuffer := &bytes.Buffer{}
	processCommand.SetOut(outputBuffer)
	processCommand.SetArgs(nil)

	require.NoError(testInstance, processCommand.Execute())
	require.Equal(testInstance, fmt.Sprintf("%s\n", pipeline.OutcomeDone), outputBuffer.String())

	loggedEntries := observedEntries.All()
	require.NotEmpty(testInstance, loggedEntries)
	for _, loggedEntry := range loggedEntries {
		loggedFields := loggedEntry.ContextMap()
		require.Equal(testInstance, testCommandConfigurationPathConstant, loggedFields["config_file"])
		require.NotEmpty(testInstance, loggedFields["run_id"])
	}
}
