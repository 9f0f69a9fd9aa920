package templates

// Built-in template sources. Kept as Go constants rather than files on disk
// so the binary is self-contained.

const confirmationHTML = `<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, Helvetica, Arial, sans-serif; color: #1a1a1a; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h2>Confirm your subscription</h2>
  <p>Thanks for subscribing to {{ site_name | default: "our newsletter" }}. One more step: confirm that this address is yours.</p>
  <p style="margin: 32px 0;">
    <a href="{{ confirm_url }}" style="background: #1a1a1a; color: #ffffff; padding: 12px 24px; border-radius: 6px; text-decoration: none;">Confirm subscription</a>
  </p>
  <p style="color: #6b6b6b; font-size: 13px;">If the button doesn't work, paste this link into your browser:<br>{{ confirm_url }}</p>
  <p style="color: #6b6b6b; font-size: 13px;">Didn't sign up? You can safely ignore this email — you won't receive anything else from us.</p>
</body>
</html>`

const confirmationText = `Confirm your subscription to {{ site_name | default: "our newsletter" }}.

Open this link to confirm your address:
{{ confirm_url }}

Didn't sign up? Ignore this email and you won't receive anything else.`

const welcomeHTML = `<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, Helvetica, Arial, sans-serif; color: #1a1a1a; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h2>You're in</h2>
  <p>Your subscription to {{ site_name | default: "our newsletter" }} is confirmed. New issues will land in this inbox.</p>
  <p style="color: #6b6b6b; font-size: 13px; margin-top: 40px;">Change your mind anytime: <a href="{{ unsubscribe_url }}">unsubscribe</a>.</p>
</body>
</html>`

const welcomeText = `Your subscription to {{ site_name | default: "our newsletter" }} is confirmed.

Unsubscribe anytime: {{ unsubscribe_url }}`

const goodbyeHTML = `<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, Helvetica, Arial, sans-serif; color: #1a1a1a; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h2>You're unsubscribed</h2>
  <p>You won't receive any more emails from {{ site_name | default: "us" }}. Sorry to see you go.</p>
  <p style="color: #6b6b6b; font-size: 13px;">Unsubscribed by mistake? Just subscribe again on the site.</p>
</body>
</html>`

const goodbyeText = `You're unsubscribed from {{ site_name | default: "our newsletter" }} and won't receive any more emails.

Unsubscribed by mistake? Subscribe again on the site.`

const broadcastFooter = `
<div style="margin-top: 40px; padding-top: 16px; border-top: 1px solid #e5e5e5; color: #6b6b6b; font-size: 12px;">
  <p>You're receiving this because you subscribed to {{ site_name | default: "our newsletter" }}.</p>
  <p><a href="{{ unsubscribe_url }}" style="color: #6b6b6b;">Unsubscribe</a></p>
</div>`
