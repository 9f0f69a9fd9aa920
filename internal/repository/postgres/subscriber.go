// Package postgres implements the subscriber store against PostgreSQL.
//
// Every state transition is a single conditional UPDATE whose WHERE clause
// encodes the expected prior state; zero rows affected with an existing
// record means another request won the race and maps to ErrConflict.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lumenfolio/newsletter-engine/internal/domain"
	"github.com/lumenfolio/newsletter-engine/internal/newsletter"
)

const uniqueViolation = "23505"

// SubscriberStore implements newsletter.Store against PostgreSQL.
type SubscriberStore struct{ db *sql.DB }

// NewSubscriberStore creates a Postgres-backed subscriber store.
func NewSubscriberStore(db *sql.DB) *SubscriberStore { return &SubscriberStore{db: db} }

const subscriberCols = `
	email, status, COALESCE(confirmation_token,''), unsubscribe_token,
	COALESCE(source,''), COALESCE(metadata,'{}'),
	subscribed_at, confirmed_at, unsubscribed_at, updated_at`

func (s *SubscriberStore) GetByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriberCols+`
		FROM newsletter_subscribers
		WHERE email = $1
	`, email)
	return scanSubscriber(row, "get subscriber")
}

func (s *SubscriberStore) GetByUnsubscribeToken(ctx context.Context, token string) (*domain.Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriberCols+`
		FROM newsletter_subscribers
		WHERE unsubscribe_token = $1
	`, token)
	return scanSubscriber(row, "get subscriber by token")
}

func (s *SubscriberStore) Insert(ctx context.Context, sub *domain.Subscriber) error {
	meta, err := metadataJSON(sub.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO newsletter_subscribers
			(email, status, confirmation_token, unsubscribe_token, source,
			 metadata, subscribed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`, sub.Email, sub.Status, sub.ConfirmationToken, sub.UnsubscribeToken,
		sub.Source, meta)
	if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
		return newsletter.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

func (s *SubscriberStore) Reactivate(ctx context.Context, email, confirmationToken, unsubscribeToken string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE newsletter_subscribers
		SET status = $2, confirmation_token = $3, unsubscribe_token = $4,
		    subscribed_at = NOW(), confirmed_at = NULL, unsubscribed_at = NULL,
		    updated_at = NOW()
		WHERE email = $1 AND status = $5
	`, email, domain.SubscriberPending, confirmationToken, unsubscribeToken,
		domain.SubscriberUnsubscribed)
	if err != nil {
		return fmt.Errorf("reactivate subscriber: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, `SELECT 1 FROM newsletter_subscribers WHERE email = $1`, email)
	}
	return nil
}

func (s *SubscriberStore) Confirm(ctx context.Context, confirmationToken string) (*domain.Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE newsletter_subscribers
		SET status = $2, confirmation_token = NULL, confirmed_at = NOW(),
		    updated_at = NOW()
		WHERE confirmation_token = $1 AND status = $3
		RETURNING `+subscriberCols+`
	`, confirmationToken, domain.SubscriberConfirmed, domain.SubscriberPending)
	sub, err := scanSubscriber(row, "confirm subscriber")
	// A burned token leaves no row behind to distinguish "never existed"
	// from "already used"; both surface as ErrNotFound.
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *SubscriberStore) Unsubscribe(ctx context.Context, unsubscribeToken string) (*domain.Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE newsletter_subscribers
		SET status = $2, unsubscribed_at = NOW(), updated_at = NOW()
		WHERE unsubscribe_token = $1 AND status <> $2
		RETURNING `+subscriberCols+`
	`, unsubscribeToken, domain.SubscriberUnsubscribed)
	sub, err := scanSubscriber(row, "unsubscribe subscriber")
	if err == newsletter.ErrNotFound {
		// The token stays on the record after unsubscribing, so a miss here
		// may be a repeat click rather than a bad token.
		return nil, s.missOrConflict(ctx,
			`SELECT 1 FROM newsletter_subscribers WHERE unsubscribe_token = $1`, unsubscribeToken)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *SubscriberStore) ListConfirmed(ctx context.Context) ([]domain.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriberCols+`
		FROM newsletter_subscribers
		WHERE status = $1
		ORDER BY subscribed_at
	`, domain.SubscriberConfirmed)
	if err != nil {
		return nil, fmt.Errorf("list confirmed: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		sub, err := scanSubscriberRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (s *SubscriberStore) RecordEvent(ctx context.Context, ev *domain.AnalyticsEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	meta, err := metadataJSON(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO newsletter_events (id, event_type, email, metadata, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, ev.ID, ev.Type, ev.Email, meta)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (s *SubscriberStore) SaveBroadcast(ctx context.Context, b *domain.BroadcastSummary) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO newsletter_broadcasts
			(id, subject, total_targeted, total_sent, total_failed, is_test, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, b.ID, b.Subject, b.TotalTargeted, b.TotalSent, b.TotalFailed, b.IsTest, b.SentAt)
	if err != nil {
		return fmt.Errorf("save broadcast: %w", err)
	}
	return nil
}

func (s *SubscriberStore) CountByStatus(ctx context.Context) (map[domain.SubscriberStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM newsletter_subscribers GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := map[domain.SubscriberStatus]int{}
	for rows.Next() {
		var st domain.SubscriberStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// missOrConflict runs an existence probe after a conditional update matched
// nothing: ErrNotFound when the record is absent, ErrConflict when it exists
// but was already past the expected state.
func (s *SubscriberStore) missOrConflict(ctx context.Context, probe string, arg string) error {
	var one int
	err := s.db.QueryRowContext(ctx, probe, arg).Scan(&one)
	if err == sql.ErrNoRows {
		return newsletter.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("probe subscriber: %w", err)
	}
	return newsletter.ErrConflict
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscriber(row rowScanner, op string) (*domain.Subscriber, error) {
	sub, err := scanSubscriberRow(row)
	if err == sql.ErrNoRows {
		return nil, newsletter.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

func scanSubscriberRow(row rowScanner) (*domain.Subscriber, error) {
	sub := &domain.Subscriber{}
	var meta []byte
	var confirmedAt, unsubscribedAt sql.NullTime
	err := row.Scan(
		&sub.Email, &sub.Status, &sub.ConfirmationToken, &sub.UnsubscribeToken,
		&sub.Source, &meta,
		&sub.SubscribedAt, &confirmedAt, &unsubscribedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if confirmedAt.Valid {
		sub.ConfirmedAt = &confirmedAt.Time
	}
	if unsubscribedAt.Valid {
		sub.UnsubscribedAt = &unsubscribedAt.Time
	}
	if len(meta) > 0 && string(meta) != "{}" {
		if err := json.Unmarshal(meta, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return sub, nil
}

func metadataJSON(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}
