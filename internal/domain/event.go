package domain

import "time"

// EventType identifies an entry in the append-only analytics log.
type EventType string

const (
	EventSubscriptionStarted   EventType = "subscription_started"
	EventSubscriptionConfirmed EventType = "subscription_confirmed"
	EventUnsubscribed          EventType = "unsubscribed"
	EventBounced               EventType = "bounced"
)

// AnalyticsEvent is one row of the append-only lifecycle log. Events are
// written on every state transition and never mutated or read back by the
// core; external reporting consumes them as aggregate counts.
type AnalyticsEvent struct {
	ID        string            `json:"id" db:"id"`
	Type      EventType         `json:"type" db:"event_type"`
	Email     string            `json:"email" db:"email"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}
