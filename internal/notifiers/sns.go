package notifiers

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/cockroachdb/errors"
	"github.com/slack-go/slack"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// maxSubjectLength is the SNS limit on the subject line.
const maxSubjectLength = 100

// PublishAPI is the subset of the SNS service used by the notifier.
type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes notifications to an SNS topic with a different body
// per subscription protocol.
type SNSNotifier struct {
	api      PublishAPI
	topicARN string
}

// SNSConfig contains configuration for the SNS notifier.
type SNSConfig struct {
	AWSConfig aws.Config
	TopicARN  string
	BaseURL   string // optional, for testing
}

// NewSNSNotifier creates a new SNS notifier.
func NewSNSNotifier(cfg SNSConfig) *SNSNotifier {
	opts := []func(*sns.Options){}
	if cfg.BaseURL != "" {
		opts = append(opts, func(o *sns.Options) {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		})
	}
	return &SNSNotifier{
		api:      sns.NewFromConfig(cfg.AWSConfig, opts...),
		topicARN: cfg.TopicARN,
	}
}

// NewSNSNotifierWithAPI creates a notifier over an existing API implementation (for testing).
func NewSNSNotifierWithAPI(api PublishAPI, topicARN string) *SNSNotifier {
	return &SNSNotifier{api: api, topicARN: topicARN}
}

// Notify publishes one message: email and default subscribers get the text
// body, lambda subscribers get the chat payload as a JSON string.
func (n *SNSNotifier) Notify(ctx context.Context, ev types.NotificationEvent) error {
	msg := Format(ev)
	body, err := BuildSNSMessage(msg)
	if err != nil {
		return err
	}

	subject := msg.Subject
	if len([]rune(subject)) > maxSubjectLength {
		subject = string([]rune(subject)[:maxSubjectLength])
	}

	_, err = n.api.Publish(ctx, &sns.PublishInput{
		TopicArn:         aws.String(n.topicARN),
		Subject:          aws.String(subject),
		Message:          aws.String(body),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return errors.Wrapf(err, "publish notification for %s %s", ev.Kind, ev.Identifier)
	}
	return nil
}

// BuildSNSMessage renders the per-protocol message document.
func BuildSNSMessage(msg Message) (string, error) {
	chat, err := json.Marshal(ChatPayload{Attachments: []slack.Attachment{msg.Attachment}})
	if err != nil {
		return "", errors.Wrap(err, "marshal chat payload")
	}

	doc, err := json.Marshal(map[string]string{
		"default": msg.Text,
		"email":   msg.Text,
		"lambda":  string(chat),
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal sns message")
	}
	return string(doc), nil
}
