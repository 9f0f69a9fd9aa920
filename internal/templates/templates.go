// Package templates renders the transactional lifecycle emails and the
// broadcast footer using the Liquid template language.
package templates

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer parses the built-in templates once and renders them with
// per-message bindings. Safe for concurrent use.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// New creates a renderer with the engine's custom filters registered.
func New() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}

	// {{ site_name | default: "our newsletter" }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	return r
}

func (r *Renderer) render(name, src string, bindings map[string]interface{}) (string, error) {
	var tpl *liquid.Template
	if cached, ok := r.cache.Load(name); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(src)
		if err != nil {
			return "", fmt.Errorf("parse template %s: %w", name, err)
		}
		r.cache.Store(name, parsed)
		tpl = parsed
	}

	out, err := tpl.Render(bindings)
	if err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return string(out), nil
}

// Confirmation renders the double-opt-in email. confirmURL carries the
// single-use confirmation token.
func (r *Renderer) Confirmation(siteName, confirmURL string) (html, text string, err error) {
	bindings := map[string]interface{}{"site_name": siteName, "confirm_url": confirmURL}
	if html, err = r.render("confirmation_html", confirmationHTML, bindings); err != nil {
		return "", "", err
	}
	if text, err = r.render("confirmation_text", confirmationText, bindings); err != nil {
		return "", "", err
	}
	return html, text, nil
}

// Welcome renders the post-confirmation email. unsubURL carries the
// long-lived unsubscribe token.
func (r *Renderer) Welcome(siteName, unsubURL string) (html, text string, err error) {
	bindings := map[string]interface{}{"site_name": siteName, "unsubscribe_url": unsubURL}
	if html, err = r.render("welcome_html", welcomeHTML, bindings); err != nil {
		return "", "", err
	}
	if text, err = r.render("welcome_text", welcomeText, bindings); err != nil {
		return "", "", err
	}
	return html, text, nil
}

// Goodbye renders the unsubscribe acknowledgement email.
func (r *Renderer) Goodbye(siteName string) (html, text string, err error) {
	bindings := map[string]interface{}{"site_name": siteName}
	if html, err = r.render("goodbye_html", goodbyeHTML, bindings); err != nil {
		return "", "", err
	}
	if text, err = r.render("goodbye_text", goodbyeText, bindings); err != nil {
		return "", "", err
	}
	return html, text, nil
}

// BroadcastFooter renders the per-recipient footer appended to every
// broadcast message. Each recipient gets their own unsubscribe link.
func (r *Renderer) BroadcastFooter(siteName, unsubURL string) (string, error) {
	return r.render("broadcast_footer", broadcastFooter, map[string]interface{}{
		"site_name":       siteName,
		"unsubscribe_url": unsubURL,
	})
}

// AppendFooter attaches the footer before </body> when present, otherwise
// at the end of the document.
func AppendFooter(html, footer string) string {
	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + footer + html[idx:]
	}
	return html + footer
}
