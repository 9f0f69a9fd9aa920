// Package broadcast fans a newsletter issue out to every confirmed
// subscriber: bounded concurrent batches, a fixed throttle between batches,
// and partial-failure accounting that always resolves into counts rather
// than a hard error.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lumenfolio/newsletter-engine/internal/domain"
	"github.com/lumenfolio/newsletter-engine/internal/newsletter"
	"github.com/lumenfolio/newsletter-engine/internal/pkg/logger"
	"github.com/lumenfolio/newsletter-engine/internal/templates"
)

// testSubjectPrefix marks test sends. Test mode follows the identical
// dispatch and batching path; only the subject differs.
const testSubjectPrefix = "[TEST] "

// Result is the outcome of one broadcast invocation. Success reports that
// the run completed; individual send failures show up in TotalFailed.
type Result struct {
	Success       bool   `json:"success"`
	Subject       string `json:"subject"`
	TotalTargeted int    `json:"total_targeted"`
	TotalSent     int    `json:"total_sent"`
	TotalFailed   int    `json:"total_failed"`
	IsTest        bool   `json:"is_test"`
	Message       string `json:"message"`
}

// Processor dispatches one newsletter issue to all confirmed subscribers.
// It holds no state between invocations.
type Processor struct {
	store    newsletter.Store
	gateway  newsletter.Gateway
	renderer *templates.Renderer
	links    newsletter.LinkConfig

	batchSize int
	delay     time.Duration

	// sleep is swappable so tests don't wait out real throttle delays.
	sleep func(time.Duration)
}

// NewProcessor creates a broadcast processor. batchSize bounds the number
// of in-flight gateway calls; delay is the pause between batches.
func NewProcessor(store newsletter.Store, gateway newsletter.Gateway, renderer *templates.Renderer, links newsletter.LinkConfig, batchSize int, delay time.Duration) *Processor {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Processor{
		store:     store,
		gateway:   gateway,
		renderer:  renderer,
		links:     links,
		batchSize: batchSize,
		delay:     delay,
		sleep:     time.Sleep,
	}
}

// Broadcast sends subject/htmlContent to every confirmed subscriber.
//
// Dispatch is concurrent within a batch and strictly sequential across
// batches, with the throttle delay between them (but not after the last).
// A per-subscriber failure increments TotalFailed and never affects the
// rest; TotalSent + TotalFailed always equals TotalTargeted. An empty
// recipient list is a zero-count result, not an error.
func (p *Processor) Broadcast(ctx context.Context, subject, htmlContent string, isTest bool) (*Result, error) {
	if isTest {
		subject = testSubjectPrefix + subject
	}

	subs, err := p.store.ListConfirmed(ctx)
	if err != nil {
		return nil, fmt.Errorf("list confirmed subscribers: %w", err)
	}
	if len(subs) == 0 {
		return &Result{
			Success: true,
			Subject: subject,
			IsTest:  isTest,
			Message: "no confirmed subscribers to send to",
		}, nil
	}

	logger.Info("broadcast starting",
		"subject", subject,
		"targeted", len(subs),
		"batch_size", p.batchSize,
		"is_test", isTest)

	var sent, failed atomic.Int64
	batches := 0
	for start := 0; start < len(subs); start += p.batchSize {
		end := start + p.batchSize
		if end > len(subs) {
			end = len(subs)
		}
		if batches > 0 {
			p.sleep(p.delay)
		}
		p.dispatchBatch(ctx, subs[start:end], subject, htmlContent, &sent, &failed)
		batches++
	}

	result := &Result{
		Success:       true,
		Subject:       subject,
		TotalTargeted: len(subs),
		TotalSent:     int(sent.Load()),
		TotalFailed:   int(failed.Load()),
		IsTest:        isTest,
		Message:       fmt.Sprintf("broadcast complete: %d sent, %d failed of %d targeted", sent.Load(), failed.Load(), len(subs)),
	}

	summary := &domain.BroadcastSummary{
		ID:            uuid.New().String(),
		Subject:       subject,
		TotalTargeted: result.TotalTargeted,
		TotalSent:     result.TotalSent,
		TotalFailed:   result.TotalFailed,
		IsTest:        isTest,
		SentAt:        time.Now().UTC(),
	}
	if err := p.store.SaveBroadcast(ctx, summary); err != nil {
		// The send already happened; losing the summary row is reportable
		// but must not turn a completed broadcast into an error.
		logger.Warn("broadcast summary write failed", "subject", subject, "error", err.Error())
	}

	logger.Info("broadcast finished",
		"subject", subject,
		"sent", result.TotalSent,
		"failed", result.TotalFailed,
		"batches", batches)
	return result, nil
}

// dispatchBatch sends to every subscriber in the slice concurrently and
// waits for all of them. Counters are atomic: increments race within the
// batch by design.
func (p *Processor) dispatchBatch(ctx context.Context, batch []domain.Subscriber, subject, htmlContent string, sent, failed *atomic.Int64) {
	var wg sync.WaitGroup
	for i := range batch {
		sub := batch[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.sendOne(ctx, &sub, subject, htmlContent); err != nil {
				failed.Add(1)
				logger.Warn("broadcast send failed", "recipient", sub.Email, "error", err.Error())
				p.recordBounce(ctx, sub.Email, err)
				return
			}
			sent.Add(1)
		}()
	}
	wg.Wait()
}

// recordBounce appends a bounce to the analytics log. The log is
// non-authoritative, so a write failure is logged and swallowed.
func (p *Processor) recordBounce(ctx context.Context, email string, sendErr error) {
	ev := &domain.AnalyticsEvent{
		Type:      domain.EventBounced,
		Email:     email,
		Metadata:  map[string]string{"reason": sendErr.Error()},
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.RecordEvent(ctx, ev); err != nil {
		logger.Warn("analytics event write failed", "type", string(domain.EventBounced), "email", email, "error", err.Error())
	}
}

func (p *Processor) sendOne(ctx context.Context, sub *domain.Subscriber, subject, htmlContent string) error {
	unsubURL := p.links.UnsubscribeURL(sub.UnsubscribeToken)
	footer, err := p.renderer.BroadcastFooter(p.links.SiteName, unsubURL)
	if err != nil {
		return fmt.Errorf("render footer: %w", err)
	}

	msg := &domain.EmailMessage{
		To:       sub.Email,
		FromName: p.links.FromName,
		From:     p.links.FromEmail,
		ReplyTo:  p.links.ReplyTo,
		Subject:  subject,
		HTML:     templates.AppendFooter(htmlContent, footer),
		Text:     fmt.Sprintf("This issue is best viewed in an HTML-capable client.\n\nUnsubscribe: %s", unsubURL),
	}

	res, err := p.gateway.Send(ctx, msg)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("gateway rejected: %s", res.Error)
	}
	return nil
}
