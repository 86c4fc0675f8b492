// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"elder/api/internal/store"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-elder"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type conflictData struct {
	ConnectionName string
	Platform       string
	Kind           string
	ConflictID     string
	ResolveURL     string
}

// SendConflictNotice tells operators a sync conflict needs a manual decision.
func (s *Service) SendConflictNotice(to string, conn store.Connection, c store.Conflict, baseURL string) error {
	data := conflictData{
		ConnectionName: conn.Name,
		Platform:       conn.Platform,
		Kind:           c.Kind,
		ConflictID:     c.ID,
		ResolveURL:     fmt.Sprintf("%s/api/sync/conflicts/%s", strings.TrimRight(baseURL, "/"), c.ID),
	}

	subject := fmt.Sprintf("Sync conflict on %s needs a decision", conn.Name)
	html, err := renderTemplate(conflictNoticeTemplate, data)
	if err != nil {
		return fmt.Errorf("render conflict template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, html)
}

type degradedData struct {
	ConnectionName string
	Platform       string
	LastWebhook    string
}

// SendDegradedNotice warns that a connection's webhooks have gone quiet and
// the scheduler is carrying the sync alone.
func (s *Service) SendDegradedNotice(to string, conn store.Connection, lastWebhook string) error {
	data := degradedData{
		ConnectionName: conn.Name,
		Platform:       conn.Platform,
		LastWebhook:    lastWebhook,
	}

	subject := fmt.Sprintf("Webhooks degraded on %s", conn.Name)
	html, err := renderTemplate(degradedNoticeTemplate, data)
	if err != nil {
		return fmt.Errorf("render degraded template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const conflictNoticeTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Sync conflict on {{.ConnectionName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Elder</h1>
    </div>

    <h2>Sync conflict needs a decision</h2>

    <p>The connection <strong>{{.ConnectionName}}</strong> ({{.Platform}}) hit a
    <strong>{{.Kind}}</strong> conflict that cannot be resolved automatically.</p>

    <div class="warning">
        Sync for the affected record is paused until someone chooses which side wins.
    </div>

    <p>Resolve it via the API:</p>
    <p class="link">{{.ResolveURL}}</p>

    <div class="footer">
        <p>Conflict id: {{.ConflictID}}</p>
    </div>
</body>
</html>`

const degradedNoticeTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Webhooks degraded on {{.ConnectionName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Elder</h1>
    </div>

    <h2>Webhooks have gone quiet</h2>

    <p>The connection <strong>{{.ConnectionName}}</strong> ({{.Platform}}) keeps
    changing on the remote side, but no webhook delivery has arrived since
    {{.LastWebhook}}.</p>

    <div class="warning">
        Scheduled polling is keeping the data in sync, with higher latency.
        Check the webhook registration and secret on the platform.
    </div>

    <div class="footer">
        <p>This notice repeats while the condition persists.</p>
    </div>
</body>
</html>`
