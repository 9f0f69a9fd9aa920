// Package mailtrap sends newsletter email through the Mailtrap sending
// API. It is the default gateway when SES is disabled, which keeps local
// and staging sends off the production identity.
package mailtrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lumenfolio/newsletter-engine/internal/config"
	"github.com/lumenfolio/newsletter-engine/internal/domain"
	"github.com/lumenfolio/newsletter-engine/internal/pkg/httpretry"
)

// Gateway implements newsletter.Gateway against the Mailtrap HTTP API.
type Gateway struct {
	client  httpretry.Doer
	baseURL string
	token   string
	timeout time.Duration
}

// NewGateway creates a Mailtrap gateway with retrying transport.
func NewGateway(cfg config.MailtrapConfig) *Gateway {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		client:  httpretry.New(&http.Client{Timeout: timeout}, 3),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.APIToken,
		timeout: timeout,
	}
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendRequest struct {
	From    address   `json:"from"`
	To      []address `json:"to"`
	ReplyTo *address  `json:"reply_to,omitempty"`
	Subject string    `json:"subject"`
	Text    string    `json:"text,omitempty"`
	HTML    string    `json:"html,omitempty"`
}

type sendResponse struct {
	Success    bool     `json:"success"`
	MessageIDs []string `json:"message_ids"`
	Errors     []string `json:"errors"`
}

// Send dispatches a single message via POST /api/send.
func (g *Gateway) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	payload := sendRequest{
		From:    address{Email: msg.From, Name: msg.FromName},
		To:      []address{{Email: msg.To}},
		Subject: msg.Subject,
		Text:    msg.Text,
		HTML:    msg.HTML,
	}
	if msg.ReplyTo != "" {
		payload.ReplyTo = &address{Email: msg.ReplyTo}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return &domain.SendResult{
			Success: false,
			SentAt:  time.Now().UTC(),
			Error:   err.Error(),
		}, fmt.Errorf("mailtrap send to %s: %w", msg.To, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read send response: %w", err)
	}

	var apiResp sendResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse send response: %w (body: %s)", err, string(respBody))
	}

	if resp.StatusCode >= 400 || !apiResp.Success {
		errMsg := fmt.Sprintf("mailtrap API error %d: %s", resp.StatusCode, strings.Join(apiResp.Errors, "; "))
		return &domain.SendResult{
			Success: false,
			SentAt:  time.Now().UTC(),
			Error:   errMsg,
		}, fmt.Errorf("mailtrap send to %s: %s", msg.To, errMsg)
	}

	result := &domain.SendResult{
		Success: true,
		SentAt:  time.Now().UTC(),
	}
	if len(apiResp.MessageIDs) > 0 {
		result.MessageID = apiResp.MessageIDs[0]
	}
	return result, nil
}
