// Package errors defines sentinel errors used across the Zeppelin meta server.
package errors

import "errors"

// Sentinel errors mirroring the meta command status taxonomy.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument indicates a caller-supplied invariant violation,
	// such as an expired epoch or a node in the wrong role.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCorruption indicates a stored record cannot be parsed or a stored
	// invariant is broken.
	ErrCorruption = errors.New("corruption")

	// ErrIncomplete indicates a transient condition; the caller may retry.
	ErrIncomplete = errors.New("incomplete")

	// ErrIO indicates a network failure.
	ErrIO = errors.New("io error")
)

// Sentinel errors for leader tracking and migration.
var (
	// ErrNoLeader indicates the consensus group has not elected a leader yet.
	ErrNoLeader = errors.New("no leader yet")

	// ErrNoConnection indicates there is no open connection to the leader.
	ErrNoConnection = errors.New("no leader connection")

	// ErrMigrateActive indicates a bulk migration is already registered
	// and not yet drained.
	ErrMigrateActive = errors.New("migrate batch already active")
)

// StatusWord maps an error chain to the wire status word carried in
// command replies. Unrecognized errors report as Corruption.
func StatusWord(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrMigrateActive):
		return "InvalidArgument"
	case errors.Is(err, ErrIncomplete), errors.Is(err, ErrNoLeader):
		return "Incomplete"
	case errors.Is(err, ErrIO), errors.Is(err, ErrNoConnection):
		return "IOError"
	default:
		return "Corruption"
	}
}
