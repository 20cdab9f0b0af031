package notifiers

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/slack-go/slack"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// SlackNotifier sends notifications to Slack.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	apiURL  string
}

// NewSlackNotifier creates a new Slack notifier.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(token),
		channel: channel,
	}
}

// NewSlackNotifierWithAPIURL creates a Slack notifier with a custom API URL (for testing).
func NewSlackNotifierWithAPIURL(token, channel, apiURL string) *SlackNotifier {
	opts := []slack.Option{}
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackNotifier{
		client:  slack.New(token, opts...),
		channel: channel,
		apiURL:  apiURL,
	}
}

// Notify posts the status change attachment to the channel.
func (n *SlackNotifier) Notify(ctx context.Context, ev types.NotificationEvent) error {
	msg := Format(ev)

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(msg.Subject, false),
		slack.MsgOptionAttachments(msg.Attachment),
	)
	if err != nil {
		return errors.Wrapf(err, "post slack message for %s %s", ev.Kind, ev.Identifier)
	}
	return nil
}
