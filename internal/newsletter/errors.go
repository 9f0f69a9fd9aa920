package newsletter

import "errors"

// Sentinel errors returned by the service and the store adapters. Handlers
// classify these with errors.Is; anything else is an upstream failure and
// surfaces as a retryable 500.
var (
	// ErrNotFound means no subscriber record matches the given key.
	ErrNotFound = errors.New("subscriber not found")

	// ErrInvalidEmail means the address fails the local@domain.tld shape check.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrInvalidToken means the token matches no record. Burned confirmation
	// tokens land here too: once consumed they are indistinguishable from
	// tokens that never existed.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrAlreadySubscribed means the address is already confirmed. The
	// duplicate subscribe is rejected with no side effects.
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrDuplicate is returned by store adapters when an insert hits the
	// unique email constraint. The service resolves it by re-reading.
	ErrDuplicate = errors.New("subscriber already exists")

	// ErrConflict is returned by store adapters when a conditional update
	// matched no row: another request already transitioned the record.
	ErrConflict = errors.New("record transitioned concurrently")
)
