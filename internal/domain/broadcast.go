package domain

import "time"

// BroadcastSummary is the single persisted record of one newsletter
// send-out. Per-recipient outcomes are not retained, only the counts;
// TotalSent + TotalFailed always equals TotalTargeted.
type BroadcastSummary struct {
	ID            string    `json:"id" db:"id"`
	Subject       string    `json:"subject" db:"subject"`
	TotalTargeted int       `json:"total_targeted" db:"total_targeted"`
	TotalSent     int       `json:"total_sent" db:"total_sent"`
	TotalFailed   int       `json:"total_failed" db:"total_failed"`
	IsTest        bool      `json:"is_test" db:"is_test"`
	SentAt        time.Time `json:"sent_at" db:"sent_at"`
}

// EmailMessage is a fully-resolved message ready for a gateway. By the
// time a message reaches this struct, all template substitution and footer
// injection is complete.
type EmailMessage struct {
	To       string `json:"to"`
	FromName string `json:"from_name"`
	From     string `json:"from"`
	ReplyTo  string `json:"reply_to,omitempty"`
	Subject  string `json:"subject"`
	HTML     string `json:"html"`
	Text     string `json:"text"`
}

// SendResult is returned by a gateway after attempting delivery. The
// gateway reports accept/reject of the API call only; no downstream
// delivery guarantee is surfaced.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
	Error     string    `json:"error,omitempty"`
}
