// Package newsletter implements the subscription lifecycle state machine:
// how an address moves through pending → confirmed → unsubscribed, how
// single-use confirmation tokens are issued and burned, and which duplicate
// or replayed requests are benign no-ops versus errors.
//
// The service is stateless per request. Every operation re-reads what it
// needs from the store and relies on conditional updates for the only
// cross-request race that matters: two concurrent transitions of the same
// record. A failed condition means someone else already transitioned the
// record and is reported as an idempotent no-op, never a crash.
package newsletter
