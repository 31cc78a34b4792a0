// Package removal claims queued removal requests and drives each one through
// fork archival and membership revocation to a terminal status.
package removal
