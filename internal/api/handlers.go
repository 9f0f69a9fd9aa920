// Package api exposes the newsletter engine over HTTP: the public
// subscription lifecycle endpoints, the dispatch-only send endpoints, and
// the API-key-guarded broadcast trigger.
package api

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/lumenfolio/newsletter-engine/internal/broadcast"
	"github.com/lumenfolio/newsletter-engine/internal/newsletter"
	"github.com/lumenfolio/newsletter-engine/internal/pkg/distlock"
	"github.com/lumenfolio/newsletter-engine/internal/pkg/httputil"
	"github.com/lumenfolio/newsletter-engine/internal/pkg/logger"
	"github.com/lumenfolio/newsletter-engine/internal/ratelimit"
)

// Handlers carries the wired services behind the HTTP surface.
type Handlers struct {
	svc         *newsletter.Service
	processor   *broadcast.Processor
	limiter     *ratelimit.Limiter
	sendLock    distlock.DistLock
	siteBaseURL string
	apiKey      string
	health      *HealthChecker
}

// NewHandlers wires the HTTP layer. limiter and sendLock may be nil, which
// disables throttling and broadcast mutual exclusion respectively.
func NewHandlers(svc *newsletter.Service, processor *broadcast.Processor, limiter *ratelimit.Limiter, sendLock distlock.DistLock, siteBaseURL, apiKey string, health *HealthChecker) *Handlers {
	return &Handlers{
		svc:         svc,
		processor:   processor,
		limiter:     limiter,
		sendLock:    sendLock,
		siteBaseURL: siteBaseURL,
		apiKey:      apiKey,
		health:      health,
	}
}

type subscribeRequest struct {
	Email    string            `json:"email"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata"`
}

// HandleSubscribe starts (or restarts) a subscription.
//
//	POST /subscribe
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(r.Context(), clientIP(r)) {
		httputil.TooManyRequests(w, "too many subscribe attempts, try again in a minute")
		return
	}

	var req subscribeRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	res, err := h.svc.Subscribe(r.Context(), req.Email, req.Source, req.Metadata)
	switch {
	case errors.Is(err, newsletter.ErrInvalidEmail):
		httputil.BadRequest(w, "invalid email address")
	case errors.Is(err, newsletter.ErrAlreadySubscribed):
		httputil.Conflict(w, "this address is already subscribed")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, res)
	}
}

type sendConfirmationRequest struct {
	Email             string `json:"email"`
	ConfirmationToken string `json:"confirmationToken"`
}

// HandleSendConfirmation dispatches a confirmation email for an existing
// email/token pair. Pure dispatch; no state is read or written.
//
//	POST /send-confirmation
func (h *Handlers) HandleSendConfirmation(w http.ResponseWriter, r *http.Request) {
	var req sendConfirmationRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Email == "" || req.ConfirmationToken == "" {
		httputil.BadRequest(w, "email and confirmationToken are required")
		return
	}

	err := h.svc.ResendConfirmation(r.Context(), req.Email, req.ConfirmationToken)
	switch {
	case errors.Is(err, newsletter.ErrInvalidEmail):
		httputil.BadRequest(w, "invalid email address")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]bool{"success": true})
	}
}

type sendWelcomeRequest struct {
	Email            string `json:"email"`
	UnsubscribeToken string `json:"unsubscribeToken"`
}

// HandleSendWelcome dispatches a welcome email. Pure dispatch.
//
//	POST /send-welcome
func (h *Handlers) HandleSendWelcome(w http.ResponseWriter, r *http.Request) {
	var req sendWelcomeRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Email == "" || req.UnsubscribeToken == "" {
		httputil.BadRequest(w, "email and unsubscribeToken are required")
		return
	}

	err := h.svc.SendWelcome(r.Context(), req.Email, req.UnsubscribeToken)
	switch {
	case errors.Is(err, newsletter.ErrInvalidEmail):
		httputil.BadRequest(w, "invalid email address")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]bool{"success": true})
	}
}

// HandleConfirm consumes a confirmation token and redirects the browser to
// the site. Unknown and already-burned tokens land on 404: once consumed,
// a token leaves nothing behind to tell the two apart.
//
//	GET /confirm-subscription?token=
func (h *Handlers) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		httputil.BadRequest(w, "missing token")
		return
	}

	_, err := h.svc.Confirm(r.Context(), tok)
	switch {
	case errors.Is(err, newsletter.ErrInvalidToken):
		httputil.NotFound(w, "this confirmation link is invalid or was already used")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		http.Redirect(w, r, h.siteBaseURL+"/newsletter/confirmed", http.StatusFound)
	}
}

// HandleUnsubscribe consumes an unsubscribe token and redirects. The token
// survives the transition, so repeat clicks land on the already-unsubscribed
// page instead of an error.
//
//	GET /unsubscribe?token=
func (h *Handlers) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		httputil.BadRequest(w, "missing token")
		return
	}

	res, err := h.svc.Unsubscribe(r.Context(), tok)
	switch {
	case errors.Is(err, newsletter.ErrInvalidToken):
		httputil.NotFound(w, "this unsubscribe link is invalid")
	case err != nil:
		httputil.InternalError(w, err)
	case res.AlreadyUnsubscribed:
		http.Redirect(w, r, h.siteBaseURL+"/newsletter/already-unsubscribed", http.StatusFound)
	default:
		http.Redirect(w, r, h.siteBaseURL+"/newsletter/unsubscribed", http.StatusFound)
	}
}

type sendNewsletterRequest struct {
	Subject string `json:"subject"`
	Content string `json:"content"`
	IsTest  bool   `json:"isTest"`
}

// HandleSendNewsletter triggers a broadcast to all confirmed subscribers.
// Requires the broadcast API key; at most one broadcast runs at a time.
//
//	POST /send-newsletter
func (h *Handlers) HandleSendNewsletter(w http.ResponseWriter, r *http.Request) {
	if h.apiKey == "" || r.Header.Get("X-API-Key") != h.apiKey {
		httputil.Error(w, http.StatusUnauthorized, "invalid or missing API key")
		return
	}

	var req sendNewsletterRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Subject == "" || req.Content == "" {
		httputil.BadRequest(w, "subject and content are required")
		return
	}

	if h.sendLock != nil {
		ok, err := h.sendLock.Acquire(r.Context())
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		if !ok {
			httputil.Conflict(w, "a broadcast is already running")
			return
		}
		defer func() {
			if err := h.sendLock.Release(r.Context()); err != nil {
				logger.Warn("broadcast lock release failed", "error", err.Error())
			}
		}()
	}

	res, err := h.processor.Broadcast(r.Context(), req.Subject, req.Content, req.IsTest)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, res)
}

// HandleStats reports subscriber counts per lifecycle state.
//
//	GET /stats
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.Stats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"subscribers": counts,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// clientIP trusts chi's RealIP middleware to have rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
