// Package notify publishes renewal results to an SNS topic.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	acme "github.com/caasmo/cloudfront-acme"
)

// SNS subjects are limited to 100 characters.
const maxSubjectLength = 100

type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Notifier struct {
	client   SNSAPI
	topicArn string
	logger   *slog.Logger
}

func New(client SNSAPI, topicArn string, logger *slog.Logger) *Notifier {
	if client == nil || logger == nil {
		panic("notify.New: received nil client or logger")
	}
	return &Notifier{client: client, topicArn: topicArn, logger: logger.With("component", "notifier")}
}

func (n *Notifier) Notify(ctx context.Context, res acme.Result) error {
	out, err := n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Subject:  aws.String(Subject(res)),
		Message:  aws.String(Message(res)),
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification to %s: %w", n.topicArn, err)
	}
	n.logger.Debug("Published notification", "message_id", aws.ToString(out.MessageId), "outcome", res.Outcome)
	return nil
}

func Subject(res acme.Result) string {
	var verb string
	switch res.Outcome {
	case acme.OutcomeIssued:
		verb = "Certificate issued"
	case acme.OutcomeRenewed:
		verb = "Certificate renewed"
	case acme.OutcomeSkipped:
		verb = "Certificate renewal skipped"
	default:
		verb = "Certificate renewal FAILED"
	}
	subject := fmt.Sprintf("[cdn-acme] %s: %s", verb, res.DomainSet.Primary())
	if len(subject) > maxSubjectLength {
		subject = subject[:maxSubjectLength]
	}
	return subject
}

func Message(res acme.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Outcome: %s\n", res.Outcome)
	fmt.Fprintf(&b, "Domains: %s\n", strings.Join(res.DomainSet.Names(), ", "))
	fmt.Fprintf(&b, "Domain set: %s\n", res.DomainSet.ID())
	fmt.Fprintf(&b, "Run: %s\n", res.RunID)
	if res.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", res.Reason)
	}
	if c := res.Cert; c != nil {
		fmt.Fprintf(&b, "Certificate: %s\n", c.StoreIdentifier)
		if !c.ExpiresAt.IsZero() {
			fmt.Fprintf(&b, "Expires: %s\n", c.ExpiresAt.UTC().Format(time.RFC3339))
		}
	}
	if len(res.Distributions) > 0 {
		fmt.Fprintf(&b, "Distributions updated: %s\n", strings.Join(res.Distributions, ", "))
	}
	fmt.Fprintf(&b, "Duration: %s\n", res.Duration.Round(time.Millisecond))
	return b.String()
}
