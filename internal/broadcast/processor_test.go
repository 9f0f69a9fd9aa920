package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lumenfolio/newsletter-engine/internal/domain"
	"github.com/lumenfolio/newsletter-engine/internal/newsletter"
	"github.com/lumenfolio/newsletter-engine/internal/templates"
)

// stubStore serves a fixed confirmed-subscriber list and records the
// summary row. The lifecycle methods are unused by the processor.
type stubStore struct {
	mu        sync.Mutex
	confirmed []domain.Subscriber
	saved     []domain.BroadcastSummary
	events    []domain.AnalyticsEvent
	listErr   error
}

func (s *stubStore) ListConfirmed(context.Context) ([]domain.Subscriber, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.confirmed, nil
}

func (s *stubStore) SaveBroadcast(_ context.Context, b *domain.BroadcastSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, *b)
	return nil
}

func (s *stubStore) GetByEmail(context.Context, string) (*domain.Subscriber, error) {
	return nil, newsletter.ErrNotFound
}
func (s *stubStore) GetByUnsubscribeToken(context.Context, string) (*domain.Subscriber, error) {
	return nil, newsletter.ErrNotFound
}
func (s *stubStore) Insert(context.Context, *domain.Subscriber) error { return nil }
func (s *stubStore) Reactivate(context.Context, string, string, string) error {
	return nil
}
func (s *stubStore) Confirm(context.Context, string) (*domain.Subscriber, error) {
	return nil, newsletter.ErrNotFound
}
func (s *stubStore) Unsubscribe(context.Context, string) (*domain.Subscriber, error) {
	return nil, newsletter.ErrNotFound
}
func (s *stubStore) RecordEvent(_ context.Context, ev *domain.AnalyticsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}
func (s *stubStore) CountByStatus(context.Context) (map[domain.SubscriberStatus]int, error) {
	return nil, nil
}

// stubGateway records every message and fails the addresses listed in
// failFor.
type stubGateway struct {
	mu      sync.Mutex
	sent    []domain.EmailMessage
	failFor map[string]bool
}

func (g *stubGateway) Send(_ context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failFor[msg.To] {
		return nil, errors.New("provider 502")
	}
	g.sent = append(g.sent, *msg)
	return &domain.SendResult{Success: true, MessageID: "m-" + msg.To, SentAt: time.Now()}, nil
}

func confirmedSubs(n int) []domain.Subscriber {
	subs := make([]domain.Subscriber, n)
	for i := range subs {
		subs[i] = domain.Subscriber{
			Email:            fmt.Sprintf("user%d@example.com", i),
			Status:           domain.SubscriberConfirmed,
			UnsubscribeToken: fmt.Sprintf("unsub-%d", i),
		}
	}
	return subs
}

func testLinks() newsletter.LinkConfig {
	return newsletter.LinkConfig{
		APIBaseURL: "https://api.example.dev",
		SiteName:   "Example Weekly",
		FromName:   "Example Weekly",
		FromEmail:  "news@example.dev",
	}
}

func newTestProcessor(store *stubStore, gw *stubGateway, batchSize int) (*Processor, *[]time.Duration) {
	p := NewProcessor(store, gw, templates.New(), testLinks(), batchSize, time.Second)
	var delays []time.Duration
	p.sleep = func(d time.Duration) { delays = append(delays, d) }
	return p, &delays
}

func TestBroadcast_NoSubscribers(t *testing.T) {
	store := &stubStore{}
	gw := &stubGateway{}
	p, _ := newTestProcessor(store, gw, 100)

	res, err := p.Broadcast(context.Background(), "Issue #1", "<p>hi</p>", false)
	if err != nil {
		t.Fatalf("Broadcast() with empty list must not error, got %v", err)
	}
	if res.TotalTargeted != 0 || res.TotalSent != 0 || res.TotalFailed != 0 {
		t.Errorf("counts = %+v, want all zero", res)
	}
	if res.Message == "" {
		t.Error("empty broadcast should carry a descriptive message")
	}
	if !res.Success {
		t.Error("an empty broadcast still completes; success must be true")
	}
	if len(gw.sent) != 0 {
		t.Error("nothing should be dispatched")
	}
}

func TestBroadcast_BatchingAndDelays(t *testing.T) {
	// Scenario: 250 confirmed subscribers, batch size 100 → batches of
	// 100/100/50 with exactly two inter-batch delays.
	store := &stubStore{confirmed: confirmedSubs(250)}
	gw := &stubGateway{}
	p, delays := newTestProcessor(store, gw, 100)

	res, err := p.Broadcast(context.Background(), "Issue #2", "<p>hi</p>", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalSent != 250 || res.TotalFailed != 0 || res.TotalTargeted != 250 {
		t.Errorf("counts = %+v, want 250/0/250", res)
	}
	if len(*delays) != 2 {
		t.Errorf("inter-batch delays = %d, want 2 (none after the last batch)", len(*delays))
	}
	for _, d := range *delays {
		if d != time.Second {
			t.Errorf("delay = %v, want 1s", d)
		}
	}
	if len(gw.sent) != 250 {
		t.Errorf("dispatched = %d, want 250", len(gw.sent))
	}
}

func TestBroadcast_PartialFailureAccounting(t *testing.T) {
	for _, batchSize := range []int{1, 3, 10, 100} {
		t.Run(fmt.Sprintf("batch_%d", batchSize), func(t *testing.T) {
			store := &stubStore{confirmed: confirmedSubs(17)}
			gw := &stubGateway{failFor: map[string]bool{
				"user3@example.com":  true,
				"user9@example.com":  true,
				"user16@example.com": true,
			}}
			p, _ := newTestProcessor(store, gw, batchSize)

			res, err := p.Broadcast(context.Background(), "Issue #3", "<p>hi</p>", false)
			if err != nil {
				t.Fatal(err)
			}
			if res.TotalSent != 14 || res.TotalFailed != 3 {
				t.Errorf("counts = %d sent / %d failed, want 14/3", res.TotalSent, res.TotalFailed)
			}
			if res.TotalSent+res.TotalFailed != res.TotalTargeted {
				t.Errorf("sent+failed = %d, targeted = %d; accounting must balance",
					res.TotalSent+res.TotalFailed, res.TotalTargeted)
			}
			if !res.Success {
				t.Error("partial failures complete the run; success must be true")
			}
			if len(store.events) != 3 {
				t.Errorf("recorded %d bounce events, want 3", len(store.events))
			}
			for _, ev := range store.events {
				if ev.Type != domain.EventBounced {
					t.Errorf("event type = %q, want %q", ev.Type, domain.EventBounced)
				}
			}
		})
	}
}

func TestBroadcast_PerRecipientUnsubscribeLink(t *testing.T) {
	store := &stubStore{confirmed: confirmedSubs(3)}
	gw := &stubGateway{}
	p, _ := newTestProcessor(store, gw, 100)

	_, err := p.Broadcast(context.Background(), "Issue #4", "<html><body><p>hi</p></body></html>", false)
	if err != nil {
		t.Fatal(err)
	}
	for _, msg := range gw.sent {
		var idx int
		fmt.Sscanf(msg.To, "user%d@example.com", &idx)
		want := fmt.Sprintf("token=unsub-%d", idx)
		if !strings.Contains(msg.HTML, want) {
			t.Errorf("message to %s missing its own unsubscribe link %q", msg.To, want)
		}
		if !strings.Contains(msg.Text, want) {
			t.Errorf("plain text for %s missing unsubscribe link", msg.To)
		}
	}
}

func TestBroadcast_TestModePrefixesSubject(t *testing.T) {
	store := &stubStore{confirmed: confirmedSubs(2)}
	gw := &stubGateway{}
	p, _ := newTestProcessor(store, gw, 100)

	res, err := p.Broadcast(context.Background(), "Issue #5", "<p>hi</p>", true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Subject != "[TEST] Issue #5" {
		t.Errorf("subject = %q", res.Subject)
	}
	// Test mode still goes down the real dispatch path.
	if res.TotalSent != 2 {
		t.Errorf("test mode sent = %d, want 2", res.TotalSent)
	}
	for _, msg := range gw.sent {
		if !strings.HasPrefix(msg.Subject, "[TEST] ") {
			t.Errorf("dispatched subject %q missing test marker", msg.Subject)
		}
	}
}

func TestBroadcast_SummaryPersisted(t *testing.T) {
	store := &stubStore{confirmed: confirmedSubs(5)}
	gw := &stubGateway{failFor: map[string]bool{"user0@example.com": true}}
	p, _ := newTestProcessor(store, gw, 2)

	_, err := p.Broadcast(context.Background(), "Issue #6", "<p>hi</p>", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("summary rows = %d, want 1", len(store.saved))
	}
	sum := store.saved[0]
	if sum.TotalTargeted != 5 || sum.TotalSent != 4 || sum.TotalFailed != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.ID == "" || sum.SentAt.IsZero() {
		t.Error("summary must carry an ID and timestamp")
	}
}

func TestBroadcast_StoreDown(t *testing.T) {
	store := &stubStore{listErr: errors.New("store unavailable")}
	p, _ := newTestProcessor(store, &stubGateway{}, 100)

	if _, err := p.Broadcast(context.Background(), "Issue #7", "<p>hi</p>", false); err == nil {
		t.Fatal("store failure must surface as a retryable error")
	}
}
