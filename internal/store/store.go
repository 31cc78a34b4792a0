package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverNameConstant         = "sqlite"
	sqliteDataSourceTemplateConstant = "file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"

	databaseOpenErrorTemplateConstant    = "opening database at %s failed: %w"
	databaseMigrateErrorTemplateConstant = "applying schema statement failed: %w"

	missingDatabasePathMessageConstant = "database path not configured"
	missingDatabaseMessageConstant     = "database handle not configured"
)

var (
	// ErrDatabasePathNotConfigured indicates Open was called without a database path.
	ErrDatabasePathNotConfigured = errors.New(missingDatabasePathMessageConstant)
	// ErrDatabaseNotConfigured indicates the store was constructed without a database handle.
	ErrDatabaseNotConfigured = errors.New(missingDatabaseMessageConstant)
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS registered_users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		directory_username TEXT NOT NULL,
		platform_username TEXT NOT NULL,
		platform_user_id INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_removals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		directory_username TEXT NOT NULL DEFAULT '',
		platform_username TEXT NOT NULL DEFAULT '',
		remove_on TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS repository_forks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_removal_id INTEGER NOT NULL REFERENCES user_removals(id),
		repository_name TEXT NOT NULL,
		repository_url TEXT NOT NULL,
		source_repository_name TEXT NOT NULL,
		source_repository_url TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		deleted_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS unsubscribed_users_from_teams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_removal_id INTEGER NOT NULL REFERENCES user_removals(id),
		platform_username TEXT NOT NULL,
		organization_name TEXT NOT NULL,
		team_name TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS unsubscribed_users_from_orgs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_removal_id INTEGER NOT NULL REFERENCES user_removals(id),
		platform_username TEXT NOT NULL,
		organization_name TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS removal_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_removal_id INTEGER REFERENCES user_removals(id),
		message TEXT NOT NULL,
		error_text TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
}

// Store provides access to the pipeline's persistent state.
type Store struct {
	database *sql.DB
}

// Open opens the SQLite database at databasePath and applies the schema.
func Open(executionContext context.Context, databasePath string) (*Store, error) {
	if len(databasePath) == 0 {
		return nil, ErrDatabasePathNotConfigured
	}

	dataSourceName := fmt.Sprintf(sqliteDataSourceTemplateConstant, databasePath)
	database, openError := sql.Open(sqliteDriverNameConstant, dataSourceName)
	if openError != nil {
		return nil, fmt.Errorf(databaseOpenErrorTemplateConstant, databasePath, openError)
	}

	persistentStore, creationError := NewStoreWithDatabase(database)
	if creationError != nil {
		return nil, creationError
	}
	if migrationError := persistentStore.Migrate(executionContext); migrationError != nil {
		return nil, migrationError
	}
	return persistentStore, nil
}

// NewStoreWithDatabase wraps an already opened database handle.
func NewStoreWithDatabase(database *sql.DB) (*Store, error) {
	if database == nil {
		return nil, ErrDatabaseNotConfigured
	}
	return &Store{database: database}, nil
}

// Migrate creates the schema when it does not exist yet.
func (persistentStore *Store) Migrate(executionContext context.Context) error {
	for _, schemaStatement := range schemaStatements {
		if _, executionError := persistentStore.database.ExecContext(executionContext, schemaStatement); executionError != nil {
			return fmt.Errorf(databaseMigrateErrorTemplateConstant, executionError)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (persistentStore *Store) Close() error {
	return persistentStore.database.Close()
}
