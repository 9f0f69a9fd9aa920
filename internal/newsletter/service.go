package newsletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lumenfolio/newsletter-engine/internal/domain"
	"github.com/lumenfolio/newsletter-engine/internal/pkg/logger"
)

// Service is the subscription state machine. It holds no per-request state;
// every call re-reads the store, decides, writes, and returns.
type Service struct {
	store  Store
	tokens TokenIssuer
	mailer Mailer
}

// NewService creates the subscription service.
func NewService(store Store, tokens TokenIssuer, mailer Mailer) *Service {
	return &Service{store: store, tokens: tokens, mailer: mailer}
}

// SubscribeResult reports what a subscribe call did.
type SubscribeResult struct {
	Email string `json:"email"`
	// Resent is true when the address was already pending and the existing
	// confirmation email was sent again instead of creating a record.
	Resent bool `json:"resent"`
	// Reactivated is true when an unsubscribed address re-subscribed.
	Reactivated bool `json:"reactivated"`
}

// Subscribe handles a subscribe(email) event for any prior state.
//
//	no record      → create pending, send confirmation
//	pending        → resend confirmation with the existing token
//	confirmed      → ErrAlreadySubscribed, no side effects
//	unsubscribed   → fresh tokens, back to pending, send confirmation
func (s *Service) Subscribe(ctx context.Context, email, source string, metadata map[string]string) (*SubscribeResult, error) {
	email = domain.NormalizeEmail(email)
	if !domain.ValidEmail(email) {
		return nil, ErrInvalidEmail
	}

	// One retry: an insert or reactivation can lose a race with a
	// concurrent subscribe for the same address, in which case the record
	// is re-read and handled in whatever state the winner left it.
	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.subscribeOnce(ctx, email, source, metadata)
		if errors.Is(err, ErrDuplicate) || errors.Is(err, ErrConflict) {
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("subscribe %s: %w", logger.RedactEmail(email), ErrConflict)
}

func (s *Service) subscribeOnce(ctx context.Context, email, source string, metadata map[string]string) (*SubscribeResult, error) {
	sub, err := s.store.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		return s.subscribeNew(ctx, email, source, metadata)
	case err != nil:
		return nil, fmt.Errorf("lookup subscriber: %w", err)
	}

	switch sub.Status {
	case domain.SubscriberPending:
		// Duplicate while unconfirmed: resend with the existing token, no
		// new token is issued.
		if err := s.mailer.SendConfirmation(ctx, sub.Email, sub.ConfirmationToken); err != nil {
			return nil, fmt.Errorf("resend confirmation: %w", err)
		}
		logger.Info("confirmation resent", "email", sub.Email)
		return &SubscribeResult{Email: sub.Email, Resent: true}, nil

	case domain.SubscriberConfirmed:
		return nil, ErrAlreadySubscribed

	case domain.SubscriberUnsubscribed:
		return s.reactivate(ctx, sub)

	default:
		return nil, fmt.Errorf("subscriber in unknown state %q", sub.Status)
	}
}

func (s *Service) subscribeNew(ctx context.Context, email, source string, metadata map[string]string) (*SubscribeResult, error) {
	confirmTok, err := s.tokens.Issue()
	if err != nil {
		return nil, fmt.Errorf("issue confirmation token: %w", err)
	}
	unsubTok, err := s.tokens.Issue()
	if err != nil {
		return nil, fmt.Errorf("issue unsubscribe token: %w", err)
	}

	sub := &domain.Subscriber{
		Email:             email,
		Status:            domain.SubscriberPending,
		ConfirmationToken: confirmTok,
		UnsubscribeToken:  unsubTok,
		Source:            source,
		Metadata:          metadata,
		SubscribedAt:      time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, sub); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, domain.EventSubscriptionStarted, email, metadata)
	s.notify(ctx, "confirmation", email, func() error {
		return s.mailer.SendConfirmation(ctx, email, confirmTok)
	})
	logger.Info("subscription started", "email", email, "source", source)
	return &SubscribeResult{Email: email}, nil
}

func (s *Service) reactivate(ctx context.Context, sub *domain.Subscriber) (*SubscribeResult, error) {
	// Fresh tokens: the old unsubscribe link must stop working once the
	// address opts back in.
	confirmTok, err := s.tokens.Issue()
	if err != nil {
		return nil, fmt.Errorf("issue confirmation token: %w", err)
	}
	unsubTok, err := s.tokens.Issue()
	if err != nil {
		return nil, fmt.Errorf("issue unsubscribe token: %w", err)
	}

	if err := s.store.Reactivate(ctx, sub.Email, confirmTok, unsubTok); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, domain.EventSubscriptionStarted, sub.Email, map[string]string{"reactivation": "true"})
	s.notify(ctx, "confirmation", sub.Email, func() error {
		return s.mailer.SendConfirmation(ctx, sub.Email, confirmTok)
	})
	logger.Info("subscription restarted", "email", sub.Email)
	return &SubscribeResult{Email: sub.Email, Reactivated: true}, nil
}

// ConfirmResult reports a successful confirm transition.
type ConfirmResult struct {
	Email string `json:"email"`
}

// Confirm consumes a confirmation token. The token is burned on the first
// success; replays and unknown tokens both return ErrInvalidToken, since a
// consumed token is indistinguishable from one that never existed.
func (s *Service) Confirm(ctx context.Context, tok string) (*ConfirmResult, error) {
	if tok == "" {
		return nil, ErrInvalidToken
	}

	sub, err := s.store.Confirm(ctx, tok)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("confirm subscription: %w", err)
	}

	s.recordEvent(ctx, domain.EventSubscriptionConfirmed, sub.Email, nil)
	s.notify(ctx, "welcome", sub.Email, func() error {
		return s.mailer.SendWelcome(ctx, sub.Email, sub.UnsubscribeToken)
	})
	logger.Info("subscription confirmed", "email", sub.Email)
	return &ConfirmResult{Email: sub.Email}, nil
}

// UnsubscribeResult reports an unsubscribe call.
type UnsubscribeResult struct {
	Email string `json:"email"`
	// AlreadyUnsubscribed is true on a benign replay: the link was clicked
	// twice, or a mail client prefetched it.
	AlreadyUnsubscribed bool `json:"already_unsubscribed"`
}

// Unsubscribe consumes an unsubscribe token. The token is never cleared, so
// repeated clicks are idempotent: the first transitions the record, every
// later one reports AlreadyUnsubscribed without error.
func (s *Service) Unsubscribe(ctx context.Context, tok string) (*UnsubscribeResult, error) {
	if tok == "" {
		return nil, ErrInvalidToken
	}

	sub, err := s.store.Unsubscribe(ctx, tok)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ErrInvalidToken
	case errors.Is(err, ErrConflict):
		// Someone else unsubscribed this record between our read and
		// write, or the link is being replayed. Same benign answer.
		existing, lookupErr := s.store.GetByUnsubscribeToken(ctx, tok)
		if lookupErr != nil {
			return nil, ErrInvalidToken
		}
		return &UnsubscribeResult{Email: existing.Email, AlreadyUnsubscribed: true}, nil
	case err != nil:
		return nil, fmt.Errorf("unsubscribe: %w", err)
	}

	s.recordEvent(ctx, domain.EventUnsubscribed, sub.Email, nil)
	s.notify(ctx, "goodbye", sub.Email, func() error {
		return s.mailer.SendGoodbye(ctx, sub.Email)
	})
	logger.Info("unsubscribed", "email", sub.Email)
	return &UnsubscribeResult{Email: sub.Email}, nil
}

// ResendConfirmation dispatches the confirmation email for an address/token
// pair without touching state. Backs the dispatch-only endpoint.
func (s *Service) ResendConfirmation(ctx context.Context, email, confirmationToken string) error {
	email = domain.NormalizeEmail(email)
	if !domain.ValidEmail(email) {
		return ErrInvalidEmail
	}
	return s.mailer.SendConfirmation(ctx, email, confirmationToken)
}

// SendWelcome dispatches the welcome email for an address/token pair
// without touching state. Backs the dispatch-only endpoint.
func (s *Service) SendWelcome(ctx context.Context, email, unsubscribeToken string) error {
	email = domain.NormalizeEmail(email)
	if !domain.ValidEmail(email) {
		return ErrInvalidEmail
	}
	return s.mailer.SendWelcome(ctx, email, unsubscribeToken)
}

// Stats returns subscriber counts per lifecycle state for reporting.
func (s *Service) Stats(ctx context.Context) (map[domain.SubscriberStatus]int, error) {
	return s.store.CountByStatus(ctx)
}

// notify runs a best-effort email dispatch after a successful state
// mutation. A gateway failure is logged but never rolls the mutation back:
// the record's state is authoritative, the notification is not.
func (s *Service) notify(ctx context.Context, kind, email string, send func() error) {
	if err := send(); err != nil {
		logger.Warn("notification email failed", "kind", kind, "email", email, "error", err.Error())
	}
}

// recordEvent appends to the analytics log. The log is non-authoritative,
// so a write failure is logged and swallowed.
func (s *Service) recordEvent(ctx context.Context, typ domain.EventType, email string, metadata map[string]string) {
	ev := &domain.AnalyticsEvent{
		Type:      typ,
		Email:     email,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.RecordEvent(ctx, ev); err != nil {
		logger.Warn("analytics event write failed", "type", string(typ), "email", email, "error", err.Error())
	}
}
