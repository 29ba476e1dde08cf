package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TeamsConfig holds the Microsoft Teams channel settings.
type TeamsConfig struct {
	WebhookURL string
	Enabled    bool
}

// TeamsService posts Adaptive Cards to a Teams incoming webhook.
type TeamsService struct {
	config *TeamsConfig
	client *http.Client
}

func NewTeamsService(config *TeamsConfig) *TeamsService {
	slog.Info("Teams notification channel initialized", "enabled", config.Enabled)
	return &TeamsService{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Adaptive Card envelope for Teams incoming webhooks. The webhook
// expects a "message" wrapper around one adaptive card attachment.
type teamsMessage struct {
	Type        string            `json:"type"`
	Attachments []teamsAttachment `json:"attachments"`
}

type teamsAttachment struct {
	ContentType string       `json:"contentType"`
	Content     adaptiveCard `json:"content"`
}

type adaptiveCard struct {
	Schema  string        `json:"$schema"`
	Type    string        `json:"type"`
	Version string        `json:"version"`
	Body    []cardElement `json:"body"`
}

type cardElement struct {
	Type   string     `json:"type"`
	Text   string     `json:"text,omitempty"`
	Size   string     `json:"size,omitempty"`
	Weight string     `json:"weight,omitempty"`
	Color  string     `json:"color,omitempty"`
	Wrap   bool       `json:"wrap,omitempty"`
	Facts  []cardFact `json:"facts,omitempty"`
}

type cardFact struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

func (s *TeamsService) NotifyWarning(warning *Warning) {
	if !s.config.Enabled {
		return
	}

	card := newCard(
		fmt.Sprintf("%s: %s", warning.Severity, warning.Category),
		cardColor(warning.Severity),
		[]cardFact{
			{Title: "Category", Value: warning.Category},
			{Title: "Source", Value: warning.Source},
			{Title: "Timestamp", Value: warning.Timestamp.Format(time.RFC3339)},
		},
		warning.Message,
	)

	if err := s.post(card); err != nil {
		slog.Error("Teams warning notification failed",
			"error", err,
			"category", warning.Category)
		return
	}
	slog.Info("Teams notification sent",
		"severity", warning.Severity,
		"category", warning.Category)
}

func (s *TeamsService) NotifyCriticalError(message, source string) {
	if !s.config.Enabled {
		return
	}

	card := newCard(
		"CRITICAL ERROR",
		"attention",
		[]cardFact{
			{Title: "Source", Value: source},
			{Title: "Timestamp", Value: time.Now().UTC().Format(time.RFC3339)},
		},
		message,
	)

	if err := s.post(card); err != nil {
		slog.Error("Teams critical error notification failed", "error", err)
		return
	}
	slog.Info("Teams critical error notification sent", "source", source)
}

func (s *TeamsService) NotifySystemEvent(eventType, message string) {
	if !s.config.Enabled {
		return
	}

	card := newCard(
		fmt.Sprintf("System Event: %s", eventType),
		"accent",
		nil,
		message,
	)

	if err := s.post(card); err != nil {
		slog.Error("Teams system event notification failed", "error", err)
		return
	}
	slog.Debug("Teams system event notification sent", "eventType", eventType)
}

func (s *TeamsService) IsEnabled() bool {
	return s.config.Enabled
}

// newCard assembles a heading, optional fact table and message body.
func newCard(title, color string, facts []cardFact, message string) adaptiveCard {
	body := []cardElement{{
		Type:   "TextBlock",
		Text:   title,
		Size:   "Large",
		Weight: "Bolder",
		Color:  color,
		Wrap:   true,
	}}
	if len(facts) > 0 {
		body = append(body, cardElement{Type: "FactSet", Facts: facts})
	}
	if message != "" {
		body = append(body, cardElement{Type: "TextBlock", Text: message, Wrap: true})
	}
	return adaptiveCard{
		Schema:  "http://adaptivecards.io/schemas/adaptive-card.json",
		Type:    "AdaptiveCard",
		Version: "1.4",
		Body:    body,
	}
}

// cardColor maps a severity to an Adaptive Card color keyword.
func cardColor(severity string) string {
	switch strings.ToUpper(severity) {
	case "CRITICAL", "ERROR":
		return "attention"
	case "WARNING":
		return "warning"
	default:
		return "accent"
	}
}

func (s *TeamsService) post(card adaptiveCard) error {
	payload, err := json.Marshal(teamsMessage{
		Type: "message",
		Attachments: []teamsAttachment{{
			ContentType: "application/vnd.microsoft.card.adaptive",
			Content:     card,
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}

	resp, err := s.client.Post(s.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("post to webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
