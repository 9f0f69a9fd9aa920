package domain

import (
	"regexp"
	"strings"
	"time"
)

// SubscriberStatus enumerates the states a subscriber can be in.
type SubscriberStatus string

const (
	SubscriberPending      SubscriberStatus = "pending"
	SubscriberConfirmed    SubscriberStatus = "confirmed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
)

// Subscriber represents a single mailing-list member. The normalized
// (lower-cased, trimmed) email address is the natural key; at most one
// record exists per address at any time.
//
// Token rules: ConfirmationToken is non-empty exactly while Status is
// pending and is burned on the first successful confirm. UnsubscribeToken
// lives for the lifetime of the record and is regenerated when an
// unsubscribed address re-subscribes, invalidating any previously mailed
// unsubscribe link.
type Subscriber struct {
	Email             string            `json:"email" db:"email"`
	Status            SubscriberStatus  `json:"status" db:"status"`
	ConfirmationToken string            `json:"-" db:"confirmation_token"`
	UnsubscribeToken  string            `json:"-" db:"unsubscribe_token"`
	Source            string            `json:"source,omitempty" db:"source"`
	Metadata          map[string]string `json:"metadata,omitempty" db:"metadata"`

	SubscribedAt   time.Time  `json:"subscribed_at" db:"subscribed_at"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty" db:"unsubscribed_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// local@domain.tld shape; deliberately loose, no deliverability check.
var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]{2,}$`)

// NormalizeEmail lower-cases and trims an address for use as the natural key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether email has a plausible local@domain.tld shape.
func ValidEmail(email string) bool {
	return emailRe.MatchString(NormalizeEmail(email))
}
