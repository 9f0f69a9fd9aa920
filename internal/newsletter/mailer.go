package newsletter

import (
	"context"
	"fmt"
	"net/url"

	"github.com/lumenfolio/newsletter-engine/internal/domain"
	"github.com/lumenfolio/newsletter-engine/internal/templates"
)

// LinkConfig holds everything needed to build the URLs and sender identity
// embedded in lifecycle emails.
type LinkConfig struct {
	APIBaseURL string // e.g. https://api.example.dev
	SiteName   string
	FromName   string
	FromEmail  string
	ReplyTo    string
}

// ConfirmURL builds the confirmation link for a token.
func (c LinkConfig) ConfirmURL(token string) string {
	return fmt.Sprintf("%s/confirm-subscription?token=%s", c.APIBaseURL, url.QueryEscape(token))
}

// UnsubscribeURL builds the one-click unsubscribe link for a token.
func (c LinkConfig) UnsubscribeURL(token string) string {
	return fmt.Sprintf("%s/unsubscribe?token=%s", c.APIBaseURL, url.QueryEscape(token))
}

// TemplateMailer renders the lifecycle emails with the Liquid templates and
// dispatches them through a Gateway.
type TemplateMailer struct {
	gateway  Gateway
	renderer *templates.Renderer
	links    LinkConfig
}

// NewTemplateMailer creates the production Mailer.
func NewTemplateMailer(gateway Gateway, renderer *templates.Renderer, links LinkConfig) *TemplateMailer {
	return &TemplateMailer{gateway: gateway, renderer: renderer, links: links}
}

// SendConfirmation dispatches the double-opt-in email.
func (m *TemplateMailer) SendConfirmation(ctx context.Context, email, confirmationToken string) error {
	html, text, err := m.renderer.Confirmation(m.links.SiteName, m.links.ConfirmURL(confirmationToken))
	if err != nil {
		return err
	}
	return m.send(ctx, email, fmt.Sprintf("Confirm your subscription to %s", m.links.SiteName), html, text)
}

// SendWelcome dispatches the post-confirmation email.
func (m *TemplateMailer) SendWelcome(ctx context.Context, email, unsubscribeToken string) error {
	html, text, err := m.renderer.Welcome(m.links.SiteName, m.links.UnsubscribeURL(unsubscribeToken))
	if err != nil {
		return err
	}
	return m.send(ctx, email, fmt.Sprintf("Welcome to %s", m.links.SiteName), html, text)
}

// SendGoodbye dispatches the unsubscribe acknowledgement.
func (m *TemplateMailer) SendGoodbye(ctx context.Context, email string) error {
	html, text, err := m.renderer.Goodbye(m.links.SiteName)
	if err != nil {
		return err
	}
	return m.send(ctx, email, "You've been unsubscribed", html, text)
}

func (m *TemplateMailer) send(ctx context.Context, to, subject, html, text string) error {
	res, err := m.gateway.Send(ctx, &domain.EmailMessage{
		To:       to,
		FromName: m.links.FromName,
		From:     m.links.FromEmail,
		ReplyTo:  m.links.ReplyTo,
		Subject:  subject,
		HTML:     html,
		Text:     text,
	})
	if err != nil {
		return fmt.Errorf("dispatch %q: %w", subject, err)
	}
	if !res.Success {
		return fmt.Errorf("dispatch %q rejected: %s", subject, res.Error)
	}
	return nil
}
