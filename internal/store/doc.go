// Package store persists removal requests, fork archive records, revocation
// audit rows, and diagnostic logs in a SQLite database shared by the batch
// commands.
package store
