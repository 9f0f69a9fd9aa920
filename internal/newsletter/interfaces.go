package newsletter

import (
	"context"

	"github.com/lumenfolio/newsletter-engine/internal/domain"
)

// Store is the subscriber persistence interface. Two adapters implement it
// (PostgreSQL and DynamoDB); the state machine never sees which.
//
// All transition methods are conditional single-record updates: the write
// only applies when the record is still in the expected prior state, and a
// failed condition returns ErrConflict (or ErrNotFound when no record
// matches the key at all). This is the sole correctness mechanism against
// concurrent requests for the same email.
type Store interface {
	GetByEmail(ctx context.Context, email string) (*domain.Subscriber, error)
	GetByUnsubscribeToken(ctx context.Context, token string) (*domain.Subscriber, error)

	// Insert creates a new pending record. Returns ErrDuplicate when a
	// record for the email already exists.
	Insert(ctx context.Context, sub *domain.Subscriber) error

	// Reactivate flips an unsubscribed record back to pending with fresh
	// tokens. Condition: status is still unsubscribed.
	Reactivate(ctx context.Context, email, confirmationToken, unsubscribeToken string) error

	// Confirm burns the confirmation token and marks the record confirmed.
	// Condition: the token matches a record that is still pending. Returns
	// the post-transition record, or ErrNotFound when nothing matches:
	// either the token never existed or it was already consumed.
	Confirm(ctx context.Context, confirmationToken string) (*domain.Subscriber, error)

	// Unsubscribe marks the record unsubscribed. The unsubscribe token is
	// deliberately left in place so the link stays safely repeatable.
	// Condition: status is not already unsubscribed.
	Unsubscribe(ctx context.Context, unsubscribeToken string) (*domain.Subscriber, error)

	// ListConfirmed returns every confirmed subscriber, in whatever order
	// the store yields them.
	ListConfirmed(ctx context.Context) ([]domain.Subscriber, error)

	// RecordEvent appends to the analytics log. Never read back by the core.
	RecordEvent(ctx context.Context, ev *domain.AnalyticsEvent) error

	// SaveBroadcast persists one broadcast summary row.
	SaveBroadcast(ctx context.Context, b *domain.BroadcastSummary) error

	// CountByStatus returns subscriber counts per lifecycle state.
	CountByStatus(ctx context.Context) (map[domain.SubscriberStatus]int, error)
}

// Gateway sends a single fully-resolved email through an external provider.
// Implementations must be safe for concurrent use. The gateway reports
// accept/reject of the API call only; no delivery guarantee is surfaced.
type Gateway interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}

// TokenIssuer mints opaque bearer tokens for confirmation and unsubscribe
// links.
type TokenIssuer interface {
	Issue() (string, error)
}

// Mailer renders and dispatches the three transactional lifecycle emails.
type Mailer interface {
	SendConfirmation(ctx context.Context, email, confirmationToken string) error
	SendWelcome(ctx context.Context, email, unsubscribeToken string) error
	SendGoodbye(ctx context.Context, email string) error
}
