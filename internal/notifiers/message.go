// Package notifiers provides notification integrations.
package notifiers

import (
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// attachmentColor is the sidebar color of the chat attachment.
const attachmentColor = "#36a64f"

// statusLabel is the display form of a converged status.
type statusLabel struct {
	Name  string
	Emoji string
}

var statusLabels = map[string]statusLabel{
	types.StatusAvailable: {Name: "AVAILABLE", Emoji: "🤩"},
	types.StatusStopped:   {Name: "STOPPED", Emoji: "😴"},
}

func labelFor(status string) statusLabel {
	if l, ok := statusLabels[status]; ok {
		return l
	}
	return statusLabel{Name: strings.ToUpper(status)}
}

// Message is a rendered notification in every form a channel may need.
type Message struct {
	// Subject is the one-line headline (email subject).
	Subject string
	// Text is the plain text body.
	Text string
	// Attachment is the chat-formatted body.
	Attachment slack.Attachment
}

// ChatPayload is the JSON document delivered to chat-forwarding subscribers.
type ChatPayload struct {
	Attachments []slack.Attachment `json:"attachments"`
}

// Format renders the notification for a converged resource.
func Format(ev types.NotificationEvent) Message {
	label := labelFor(ev.ResultingStatus)
	kind := string(ev.Kind)

	subject := fmt.Sprintf("%s [%s] AWS RDS DB %s Running Notification [%s][%s]",
		label.Emoji, label.Name, ev.Mode, ev.Account, ev.Region)

	text := fmt.Sprintf("Account : %s\nRegion : %s\nType : %s\nIdentifier : %s\nStatus : %s",
		ev.Account, ev.Region, kind, ev.Identifier, label.Name)

	attachment := slack.Attachment{
		Color:   attachmentColor,
		Pretext: fmt.Sprintf("%s The status of the RDS %s changed to %s due to the schedule.", label.Emoji, kind, label.Name),
		Fields: []slack.AttachmentField{
			{Title: "Account", Value: ev.Account, Short: true},
			{Title: "Region", Value: ev.Region, Short: true},
			{Title: "Type", Value: kind, Short: true},
			{Title: "Identifier", Value: ev.Identifier, Short: true},
			{Title: "Status", Value: label.Name, Short: true},
		},
	}

	return Message{
		Subject:    strings.TrimSpace(subject),
		Text:       text,
		Attachment: attachment,
	}
}
