// Package mirror maintains local bare mirror repositories for archived
// forks. It clones upstream repositories on first use, registers fork owners
// as named remotes, fetches their branches and tags, and removes a remote's
// branches when an archive is pruned. All operations drive the git CLI
// through execshell.
package mirror
