// Package githubcli adapts GitHub REST operations consumed by the
// offboarding pipeline to GitHub CLI invocations executed through execshell.
// It exposes repository listing, membership management, and user lookup
// operations together with an error taxonomy that distinguishes API
// rejections from transient transport failures.
package githubcli
