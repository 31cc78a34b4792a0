// Package discovery finds the private forks a departing user owns inside
// monitored organizations.
package discovery
