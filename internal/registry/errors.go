package registry

import (
	"errors"
	"fmt"
)

// ConflictKind classifies a registration conflict.
type ConflictKind string

const (
	// ConflictExclusive: the DID already has an owner and the new agent is not shared.
	ConflictExclusive ConflictKind = "exclusive_conflict"
	// ConflictMissingPrefix: a shared agent was created without a path prefix.
	ConflictMissingPrefix ConflictKind = "missing_prefix"
	// ConflictMode: a shared agent was requested on an exclusively-owned DID.
	ConflictMode ConflictKind = "mode_conflict"
	// ConflictPrefix: two shared agents under one DID declared the same prefix.
	ConflictPrefix ConflictKind = "prefix_conflict"
	// ConflictPrimary: a second primary agent was requested for a shared DID.
	ConflictPrimary ConflictKind = "primary_conflict"
)

// ConflictError reports a registration that violates the ownership rules of
// a DID. Conflicts are non-retryable; the registry never replaces an
// existing entry.
type ConflictError struct {
	Kind     ConflictKind
	DID      string
	Existing string // name of the conflicting agent, when one exists
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case ConflictExclusive:
		return fmt.Sprintf("DID %s is already registered to agent %q", e.DID, e.Existing)
	case ConflictMissingPrefix:
		return fmt.Sprintf("shared agent on DID %s requires a path prefix", e.DID)
	case ConflictMode:
		return fmt.Sprintf("DID %s is exclusively owned by agent %q and cannot be shared", e.DID, e.Existing)
	case ConflictPrefix:
		return fmt.Sprintf("DID %s already has agent %q with the same prefix", e.DID, e.Existing)
	case ConflictPrimary:
		return fmt.Sprintf("DID %s already has primary agent %q", e.DID, e.Existing)
	default:
		return fmt.Sprintf("registration conflict on DID %s", e.DID)
	}
}

// ErrMessagePermission is returned when a non-primary shared agent tries to
// register a message handler. Only the primary agent of a shared DID
// receives peer messages.
var ErrMessagePermission = errors.New("only the primary agent of a shared DID may register message handlers")

// ErrNoRoute is returned by an agent when no handler matches the request.
var ErrNoRoute = errors.New("no handler registered for request")

// ErrAgentNotFound is returned by lookups that miss.
var ErrAgentNotFound = errors.New("agent not found")
