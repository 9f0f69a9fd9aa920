package newsletter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lumenfolio/newsletter-engine/internal/domain"
)

// =============================================================================
// TEST FAKES
// =============================================================================

// memStore is an in-memory Store with the same conditional-update semantics
// as the real adapters.
type memStore struct {
	mu     sync.Mutex
	subs   map[string]*domain.Subscriber // keyed by email
	events []domain.AnalyticsEvent
	casts  []domain.BroadcastSummary

	failReads  bool
	failWrites bool
}

func newMemStore() *memStore {
	return &memStore{subs: make(map[string]*domain.Subscriber)}
}

var errStoreDown = errors.New("store unavailable")

func (m *memStore) GetByEmail(_ context.Context, email string) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, errStoreDown
	}
	sub, ok := m.subs[email]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *memStore) GetByUnsubscribeToken(_ context.Context, tok string) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.UnsubscribeToken == tok {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) Insert(_ context.Context, sub *domain.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errStoreDown
	}
	if _, exists := m.subs[sub.Email]; exists {
		return ErrDuplicate
	}
	cp := *sub
	m.subs[sub.Email] = &cp
	return nil
}

func (m *memStore) Reactivate(_ context.Context, email, confirmTok, unsubTok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[email]
	if !ok {
		return ErrNotFound
	}
	if sub.Status != domain.SubscriberUnsubscribed {
		return ErrConflict
	}
	sub.Status = domain.SubscriberPending
	sub.ConfirmationToken = confirmTok
	sub.UnsubscribeToken = unsubTok
	sub.SubscribedAt = time.Now().UTC()
	sub.UnsubscribedAt = nil
	return nil
}

func (m *memStore) Confirm(_ context.Context, tok string) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.ConfirmationToken == tok && sub.Status == domain.SubscriberPending {
			now := time.Now().UTC()
			sub.Status = domain.SubscriberConfirmed
			sub.ConfirmationToken = ""
			sub.ConfirmedAt = &now
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) Unsubscribe(_ context.Context, tok string) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.UnsubscribeToken == tok {
			if sub.Status == domain.SubscriberUnsubscribed {
				return nil, ErrConflict
			}
			now := time.Now().UTC()
			sub.Status = domain.SubscriberUnsubscribed
			sub.UnsubscribedAt = &now
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) ListConfirmed(_ context.Context) ([]domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Subscriber
	for _, sub := range m.subs {
		if sub.Status == domain.SubscriberConfirmed {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (m *memStore) RecordEvent(_ context.Context, ev *domain.AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

func (m *memStore) SaveBroadcast(_ context.Context, b *domain.BroadcastSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.casts = append(m.casts, *b)
	return nil
}

func (m *memStore) CountByStatus(_ context.Context) (map[domain.SubscriberStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.SubscriberStatus]int)
	for _, sub := range m.subs {
		out[sub.Status]++
	}
	return out, nil
}

// seqIssuer hands out predictable tokens for assertions.
type seqIssuer struct {
	mu sync.Mutex
	n  int
}

func (s *seqIssuer) Issue() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("tok-%04d", s.n), nil
}

// recordingMailer counts dispatched lifecycle emails.
type recordingMailer struct {
	mu            sync.Mutex
	confirmations []string // "email:token"
	welcomes      []string
	goodbyes      []string
	fail          bool
}

func (m *recordingMailer) SendConfirmation(_ context.Context, email, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("gateway down")
	}
	m.confirmations = append(m.confirmations, email+":"+tok)
	return nil
}

func (m *recordingMailer) SendWelcome(_ context.Context, email, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("gateway down")
	}
	m.welcomes = append(m.welcomes, email+":"+tok)
	return nil
}

func (m *recordingMailer) SendGoodbye(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("gateway down")
	}
	m.goodbyes = append(m.goodbyes, email)
	return nil
}

func newTestService() (*Service, *memStore, *recordingMailer) {
	store := newMemStore()
	mailer := &recordingMailer{}
	return NewService(store, &seqIssuer{}, mailer), store, mailer
}

// =============================================================================
// SUBSCRIBE
// =============================================================================

func TestSubscribe_NewAddress(t *testing.T) {
	svc, store, mailer := newTestService()

	res, err := svc.Subscribe(context.Background(), "A@X.com", "footer-form", map[string]string{"referrer": "/blog"})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if res.Email != "a@x.com" {
		t.Errorf("email not normalized: %q", res.Email)
	}
	if res.Resent || res.Reactivated {
		t.Errorf("fresh subscribe should be neither resent nor reactivated: %+v", res)
	}

	sub := store.subs["a@x.com"]
	if sub == nil {
		t.Fatal("record not created")
	}
	if sub.Status != domain.SubscriberPending {
		t.Errorf("status = %q, want pending", sub.Status)
	}
	if sub.ConfirmationToken == "" || sub.UnsubscribeToken == "" {
		t.Error("both tokens must be issued on first subscribe")
	}
	if sub.SubscribedAt.IsZero() {
		t.Error("subscribedAt must be set")
	}
	if len(mailer.confirmations) != 1 {
		t.Errorf("confirmation emails sent = %d, want 1", len(mailer.confirmations))
	}
	if len(store.events) != 1 || store.events[0].Type != domain.EventSubscriptionStarted {
		t.Errorf("expected one subscription_started event, got %+v", store.events)
	}
}

func TestSubscribe_InvalidEmail(t *testing.T) {
	svc, store, mailer := newTestService()

	for _, bad := range []string{"", "nope", "a@b", "a b@x.com", "@x.com"} {
		_, err := svc.Subscribe(context.Background(), bad, "", nil)
		if !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("Subscribe(%q) error = %v, want ErrInvalidEmail", bad, err)
		}
	}
	if len(store.subs) != 0 || len(mailer.confirmations) != 0 {
		t.Error("invalid email must cause no side effects")
	}
}

func TestSubscribe_DuplicateWhilePending(t *testing.T) {
	svc, store, mailer := newTestService()
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "b@x.com", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	firstToken := store.subs["b@x.com"].ConfirmationToken

	// Scenario: subscribe twice in a row while still pending.
	res, err := svc.Subscribe(ctx, "b@x.com", "", nil)
	if err != nil {
		t.Fatalf("duplicate Subscribe() error = %v", err)
	}
	if !res.Resent {
		t.Error("duplicate pending subscribe should resend, not recreate")
	}
	if len(store.subs) != 1 {
		t.Errorf("records = %d, want exactly 1", len(store.subs))
	}
	if got := store.subs["b@x.com"].ConfirmationToken; got != firstToken {
		t.Errorf("resend must reuse the existing token: got %q, want %q", got, firstToken)
	}
	if len(mailer.confirmations) != 2 {
		t.Errorf("confirmation emails = %d, want 2", len(mailer.confirmations))
	}
}

func TestSubscribe_AlreadyConfirmed(t *testing.T) {
	svc, store, mailer := newTestService()
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "c@x.com", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Confirm(ctx, store.subs["c@x.com"].ConfirmationToken); err != nil {
		t.Fatal(err)
	}

	sentBefore := len(mailer.confirmations)
	_, err = svc.Subscribe(ctx, "c@x.com", "", nil)
	if !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("error = %v, want ErrAlreadySubscribed", err)
	}
	if len(mailer.confirmations) != sentBefore {
		t.Error("rejecting a confirmed duplicate must have no side effects")
	}
}

func TestSubscribe_ReactivationIssuesFreshTokens(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "d@x.com", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	oldConfirm := store.subs["d@x.com"].ConfirmationToken
	oldUnsub := store.subs["d@x.com"].UnsubscribeToken

	if _, err := svc.Confirm(ctx, oldConfirm); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Unsubscribe(ctx, oldUnsub); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Subscribe(ctx, "d@x.com", "", nil)
	if err != nil {
		t.Fatalf("re-subscribe error = %v", err)
	}
	if !res.Reactivated {
		t.Error("re-subscribe of an unsubscribed address should reactivate")
	}

	sub := store.subs["d@x.com"]
	if sub.Status != domain.SubscriberPending {
		t.Errorf("status = %q, want pending", sub.Status)
	}
	if sub.ConfirmationToken == oldConfirm {
		t.Error("reactivation must issue a fresh confirmation token")
	}
	if sub.UnsubscribeToken == oldUnsub {
		t.Error("reactivation must invalidate the old unsubscribe token")
	}
	// The old unsubscribe link is dead now.
	if _, err := svc.Unsubscribe(ctx, oldUnsub); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("old unsubscribe token should be invalid, got %v", err)
	}
}

func TestSubscribe_UniquenessUnderRepeatedCalls(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	variants := []string{"e@x.com", "E@X.COM", "  e@x.com  ", "e@x.com"}
	for _, v := range variants {
		if _, err := svc.Subscribe(ctx, v, "", nil); err != nil {
			t.Fatalf("Subscribe(%q) error = %v", v, err)
		}
	}
	if len(store.subs) != 1 {
		t.Errorf("records after %d subscribes = %d, want 1", len(variants), len(store.subs))
	}
}

func TestSubscribe_StoreDown(t *testing.T) {
	svc, store, mailer := newTestService()
	store.failReads = true

	_, err := svc.Subscribe(context.Background(), "f@x.com", "", nil)
	if err == nil || errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if len(mailer.confirmations) != 0 {
		t.Error("no email may be sent when the store read fails")
	}
}

// =============================================================================
// CONFIRM
// =============================================================================

func TestConfirm_HappyPath(t *testing.T) {
	svc, store, mailer := newTestService()
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "a@x.com", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	tok := store.subs["a@x.com"].ConfirmationToken

	res, err := svc.Confirm(ctx, tok)
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if res.Email != "a@x.com" {
		t.Errorf("confirmed email = %q", res.Email)
	}

	sub := store.subs["a@x.com"]
	if sub.Status != domain.SubscriberConfirmed {
		t.Errorf("status = %q, want confirmed", sub.Status)
	}
	if sub.ConfirmationToken != "" {
		t.Error("confirmation token must be burned on use")
	}
	if sub.ConfirmedAt == nil {
		t.Error("confirmedAt must be set")
	}
	if len(mailer.welcomes) != 1 {
		t.Errorf("welcome emails = %d, want 1", len(mailer.welcomes))
	}
}

func TestConfirm_TokenSingleUse(t *testing.T) {
	svc, store, mailer := newTestService()
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "a@x.com", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	tok := store.subs["a@x.com"].ConfirmationToken

	if _, err := svc.Confirm(ctx, tok); err != nil {
		t.Fatal(err)
	}
	// Replay with the same token: no transition, no second welcome email.
	_, err = svc.Confirm(ctx, tok)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("replayed Confirm() error = %v, want ErrInvalidToken", err)
	}
	if len(mailer.welcomes) != 1 {
		t.Errorf("welcome emails after replay = %d, want 1", len(mailer.welcomes))
	}
	if store.subs["a@x.com"].Status != domain.SubscriberConfirmed {
		t.Error("replay must not change state")
	}
}

func TestConfirm_UnknownToken(t *testing.T) {
	svc, store, mailer := newTestService()

	_, err := svc.Confirm(context.Background(), "nonexistent-token")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("error = %v, want ErrInvalidToken", err)
	}
	if len(store.events) != 0 || len(mailer.welcomes) != 0 {
		t.Error("unknown token must cause no state change anywhere")
	}
}

func TestConfirm_EmptyToken(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.Confirm(context.Background(), ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("error = %v, want ErrInvalidToken", err)
	}
}

// =============================================================================
// UNSUBSCRIBE
// =============================================================================

func TestUnsubscribe_Idempotent(t *testing.T) {
	svc, store, mailer := newTestService()
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "a@x.com", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Confirm(ctx, store.subs["a@x.com"].ConfirmationToken); err != nil {
		t.Fatal(err)
	}
	tok := store.subs["a@x.com"].UnsubscribeToken

	first, err := svc.Unsubscribe(ctx, tok)
	if err != nil {
		t.Fatalf("first Unsubscribe() error = %v", err)
	}
	if first.AlreadyUnsubscribed {
		t.Error("first call should perform the transition")
	}
	if store.subs["a@x.com"].Status != domain.SubscriberUnsubscribed {
		t.Error("status should be unsubscribed after first call")
	}
	if store.subs["a@x.com"].UnsubscribedAt == nil {
		t.Error("unsubscribedAt must be set")
	}
	// confirmedAt is retained for analytics even after unsubscribing.
	if store.subs["a@x.com"].ConfirmedAt == nil {
		t.Error("confirmedAt must survive the unsubscribe")
	}

	// Second click on the same link: benign, not an error.
	second, err := svc.Unsubscribe(ctx, tok)
	if err != nil {
		t.Fatalf("replayed Unsubscribe() error = %v", err)
	}
	if !second.AlreadyUnsubscribed {
		t.Error("replay should report already unsubscribed")
	}
	if len(mailer.goodbyes) != 1 {
		t.Errorf("goodbye emails = %d, want 1", len(mailer.goodbyes))
	}
}

func TestUnsubscribe_FromPending(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "p@x.com", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.Unsubscribe(ctx, store.subs["p@x.com"].UnsubscribeToken)
	if err != nil {
		t.Fatalf("Unsubscribe() from pending error = %v", err)
	}
	if res.AlreadyUnsubscribed {
		t.Error("pending records unsubscribe directly")
	}
	if store.subs["p@x.com"].Status != domain.SubscriberUnsubscribed {
		t.Error("pending subscriber should transition to unsubscribed")
	}
}

func TestUnsubscribe_UnknownToken(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.Unsubscribe(context.Background(), "bogus"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("error = %v, want ErrInvalidToken", err)
	}
}

// =============================================================================
// NOTIFICATION POLICY
// =============================================================================

func TestConfirm_StateSurvivesGatewayFailure(t *testing.T) {
	svc, store, mailer := newTestService()
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "a@x.com", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	tok := store.subs["a@x.com"].ConfirmationToken

	// Gateway dies after the state mutation: confirm still succeeds.
	mailer.fail = true
	if _, err := svc.Confirm(ctx, tok); err != nil {
		t.Fatalf("Confirm() should not fail on notification error, got %v", err)
	}
	if store.subs["a@x.com"].Status != domain.SubscriberConfirmed {
		t.Error("state mutation must not roll back when the welcome email fails")
	}
}

// =============================================================================
// FULL LIFECYCLE
// =============================================================================

func TestLifecycle_EndToEnd(t *testing.T) {
	svc, store, mailer := newTestService()
	ctx := context.Background()

	if _, err := svc.Subscribe(ctx, "a@x.com", "", nil); err != nil {
		t.Fatal(err)
	}
	if store.subs["a@x.com"].Status != domain.SubscriberPending {
		t.Fatal("expected pending after subscribe")
	}

	if _, err := svc.Confirm(ctx, store.subs["a@x.com"].ConfirmationToken); err != nil {
		t.Fatal(err)
	}
	if store.subs["a@x.com"].Status != domain.SubscriberConfirmed {
		t.Fatal("expected confirmed after confirm")
	}
	if store.subs["a@x.com"].ConfirmedAt == nil {
		t.Fatal("confirmedAt not set")
	}
	if len(mailer.welcomes) != 1 {
		t.Fatal("welcome email not dispatched")
	}

	if _, err := svc.Unsubscribe(ctx, store.subs["a@x.com"].UnsubscribeToken); err != nil {
		t.Fatal(err)
	}
	if store.subs["a@x.com"].Status != domain.SubscriberUnsubscribed {
		t.Fatal("expected unsubscribed at end of lifecycle")
	}

	// Event log saw one entry per transition.
	types := make(map[domain.EventType]int)
	for _, ev := range store.events {
		types[ev.Type]++
	}
	if types[domain.EventSubscriptionStarted] != 1 ||
		types[domain.EventSubscriptionConfirmed] != 1 ||
		types[domain.EventUnsubscribed] != 1 {
		t.Errorf("unexpected event counts: %v", types)
	}
}

func TestStats(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		email := fmt.Sprintf("s%d@x.com", i)
		if _, err := svc.Subscribe(ctx, email, "", nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.Confirm(ctx, store.subs["s0@x.com"].ConfirmationToken); err != nil {
		t.Fatal(err)
	}

	counts, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.SubscriberPending] != 2 || counts[domain.SubscriberConfirmed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
