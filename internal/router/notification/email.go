package notification

import (
	"fmt"
	"html"
	"log/slog"
	"net/smtp"
	"strings"
	"time"
)

// EmailConfig holds the SMTP channel settings.
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	FromAddress string
	ToAddress   string
	Enabled     bool
}

// EmailService sends HTML alert mails over SMTP.
type EmailService struct {
	config *EmailConfig
	auth   smtp.Auth

	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailService(config *EmailConfig) *EmailService {
	svc := &EmailService{
		config: config,
		send:   smtp.SendMail,
	}
	if config.Username != "" && config.Password != "" {
		svc.auth = smtp.PlainAuth("", config.Username, config.Password, config.SMTPHost)
	}

	slog.Info("Email notification channel initialized",
		"enabled", config.Enabled,
		"from", config.FromAddress,
		"to", config.ToAddress)
	return svc
}

func (s *EmailService) NotifyWarning(warning *Warning) {
	if !s.config.Enabled {
		return
	}

	subject := fmt.Sprintf("[FlowCatalyst] %s - %s", warning.Severity, warning.Category)
	body := emailBody(
		fmt.Sprintf("%s - %s", warning.Severity, warning.Category),
		severityColor(warning.Severity),
		[][2]string{
			{"Category", warning.Category},
			{"Source", warning.Source},
			{"Timestamp", warning.Timestamp.Format(time.RFC3339)},
		},
		warning.Message,
	)

	if err := s.sendMail(subject, body); err != nil {
		slog.Error("Email warning notification failed",
			"error", err,
			"category", warning.Category)
		return
	}
	slog.Info("Email notification sent",
		"severity", warning.Severity,
		"category", warning.Category)
}

func (s *EmailService) NotifyCriticalError(message, source string) {
	if !s.config.Enabled {
		return
	}

	subject := "[FlowCatalyst] CRITICAL ERROR"
	body := emailBody(
		"CRITICAL ERROR",
		severityColor("CRITICAL"),
		[][2]string{
			{"Source", source},
			{"Timestamp", time.Now().UTC().Format(time.RFC3339)},
		},
		message,
	)

	if err := s.sendMail(subject, body); err != nil {
		slog.Error("Critical error email failed", "error", err)
		return
	}
	slog.Info("Critical error email sent", "to", s.config.ToAddress)
}

func (s *EmailService) NotifySystemEvent(eventType, message string) {
	if !s.config.Enabled {
		return
	}

	subject := fmt.Sprintf("[FlowCatalyst] System Event - %s", eventType)
	body := emailBody(
		fmt.Sprintf("System Event: %s", eventType),
		severityColor("INFO"),
		nil,
		message,
	)

	if err := s.sendMail(subject, body); err != nil {
		slog.Error("System event email failed", "error", err)
		return
	}
	slog.Debug("System event email sent", "eventType", eventType)
}

func (s *EmailService) IsEnabled() bool {
	return s.config.Enabled
}

func (s *EmailService) sendMail(subject, htmlBody string) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.config.FromAddress)
	fmt.Fprintf(&msg, "To: %s\r\n", s.config.ToAddress)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody)

	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)
	return s.send(addr, s.auth, s.config.FromAddress,
		[]string{s.config.ToAddress}, []byte(msg.String()))
}

// emailBody renders the shared alert layout: a colored banner, an
// optional detail table and the message in a bordered block.
func emailBody(title, color string, rows [][2]string, message string) string {
	var b strings.Builder
	b.WriteString(`<html><body style="font-family: Arial, sans-serif; color: #212529;">`)
	fmt.Fprintf(&b,
		`<div style="background-color: %s; color: white; padding: 16px; border-radius: 4px;"><h2 style="margin: 0;">%s</h2></div>`,
		color, html.EscapeString(title))

	b.WriteString(`<div style="padding: 16px; background-color: #f8f9fa; margin-top: 8px; border-radius: 4px;">`)
	if len(rows) > 0 {
		b.WriteString(`<table cellpadding="4">`)
		for _, row := range rows {
			fmt.Fprintf(&b,
				`<tr><td style="font-weight: bold; color: #6c757d;">%s</td><td>%s</td></tr>`,
				html.EscapeString(row[0]), html.EscapeString(row[1]))
		}
		b.WriteString(`</table>`)
	}
	fmt.Fprintf(&b,
		`<pre style="background-color: white; padding: 12px; border-left: 4px solid %s; white-space: pre-wrap;">%s</pre>`,
		color, html.EscapeString(message))
	b.WriteString(`</div>`)

	b.WriteString(`<div style="margin-top: 16px; font-size: 12px; color: #6c757d;">FlowCatalyst Message Router</div>`)
	b.WriteString(`</body></html>`)
	return b.String()
}
