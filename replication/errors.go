// Package replication keeps replicated objects consistent on one participant:
// per-object snapshot history with render-time queries, the grab ownership
// state machine, and the tag dispatch from inbound packets. A Session owns
// all of it and is advanced by an external loop through Tick.
package replication

import "errors"

var (
	ErrUnknownObject     = errors.New("replication: unknown object")
	ErrInvalidTransition = errors.New("replication: invalid ownership transition")
	ErrNotAuthoritative  = errors.New("replication: object is not locally authoritative")
)
