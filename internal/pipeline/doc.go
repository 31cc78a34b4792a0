// Package pipeline defines the shared vocabulary of the offboarding
// pipeline: the outcome codes reported by each batch stage and the immutable
// settings value describing monitored organizations, revocation flags, and
// archive retention that every stage receives on invocation.
package pipeline
