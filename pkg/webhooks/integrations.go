package webhooks

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bec-project/bec-atlas/pkg/models"
)

// Format selects the payload shape posted to a webhook
type Format string

const (
	// FormatJSON posts the message as a Payload document
	FormatJSON Format = "json"
	// FormatTeams posts a Microsoft Teams message card
	FormatTeams Format = "teams"
)

// Payload is the generic webhook body
type Payload struct {
	DeploymentID string                   `json:"deployment_id"`
	Service      string                   `json:"service_name"`
	Scope        []string                 `json:"scope,omitempty"`
	Text         string                   `json:"text"`
	Message      []map[string]interface{} `json:"message,omitempty"`
	Metadata     map[string]interface{}   `json:"metadata,omitempty"`
	Timestamp    time.Time                `json:"timestamp"`
}

// TeamsMessage represents a Microsoft Teams webhook message
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	Summary    string         `json:"summary,omitempty"`
	Title      string         `json:"title,omitempty"`
	Text       string         `json:"text,omitempty"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

// TeamsSection represents a section in a Teams message
type TeamsSection struct {
	ActivityTitle    string      `json:"activityTitle,omitempty"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	Facts            []TeamsFact `json:"facts,omitempty"`
	Text             string      `json:"text,omitempty"`
}

// TeamsFact represents a fact in a Teams section
type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FormatPayload builds the generic webhook body for msg
func FormatPayload(deploymentID string, msg *models.MessagingServiceMessage, now time.Time) Payload {
	return Payload{
		DeploymentID: deploymentID,
		Service:      msg.ServiceName,
		Scope:        msg.Scope,
		Text:         MessageText(msg),
		Message:      msg.Message,
		Metadata:     msg.Metadata,
		Timestamp:    now.UTC(),
	}
}

// FormatTeamsMessage formats msg as a Microsoft Teams message card
func FormatTeamsMessage(deploymentID string, msg *models.MessagingServiceMessage, now time.Time) TeamsMessage {
	title := fmt.Sprintf("BEC deployment %s", deploymentID)
	facts := []TeamsFact{
		{Name: "Deployment", Value: deploymentID},
		{Name: "Timestamp", Value: now.UTC().Format("2006-01-02 15:04:05")},
	}
	if len(msg.Scope) > 0 {
		facts = append(facts, TeamsFact{Name: "Scope", Value: strings.Join(msg.Scope, ", ")})
	}

	return TeamsMessage{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		Summary:    title,
		Title:      title,
		ThemeColor: "007bff",
		Sections: []TeamsSection{
			{
				Facts: facts,
				Text:  MessageText(msg),
			},
		},
	}
}

// MessageText renders the parts of msg as text, one paragraph per part. A
// part's "content" or "text" string is used as is; other parts are
// rendered as JSON.
func MessageText(msg *models.MessagingServiceMessage) string {
	parts := make([]string, 0, len(msg.Message))
	for _, part := range msg.Message {
		if s, ok := part["content"].(string); ok {
			parts = append(parts, s)
			continue
		}
		if s, ok := part["text"].(string); ok {
			parts = append(parts, s)
			continue
		}
		parts = append(parts, renderPart(part))
	}
	return strings.Join(parts, "\n\n")
}

func renderPart(part map[string]interface{}) string {
	keys := make([]string, 0, len(part))
	for k := range part {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		v, err := json.Marshal(part[k])
		if err != nil {
			v = []byte(fmt.Sprint(part[k]))
		}
		fmt.Fprintf(&b, "%s: %s", k, v)
	}
	return b.String()
}
