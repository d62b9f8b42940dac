package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/events"
	"github.com/mitchellh/mapstructure"

	acme "github.com/caasmo/cloudfront-acme"
)

const physicalResourceID = "cdn-acme-certificate-renewal"

// Runner is the part of the renewal handler an invocation drives.
type Runner interface {
	Handle(ctx context.Context, opts acme.RunOptions) ([]acme.Result, error)
}

// LifecycleProperties are the custom resource properties. CloudFormation
// sends every value as a string.
type LifecycleProperties struct {
	Force bool `mapstructure:"Force"`
}

type Summary struct {
	RunID   string `json:"run_id,omitempty"`
	Issued  int    `json:"issued"`
	Renewed int    `json:"renewed"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

func summarize(results []acme.Result) Summary {
	var s Summary
	for _, r := range results {
		s.RunID = r.RunID
		switch r.Outcome {
		case acme.OutcomeIssued:
			s.Issued++
		case acme.OutcomeRenewed:
			s.Renewed++
		case acme.OutcomeSkipped:
			s.Skipped++
		case acme.OutcomeFailed:
			s.Failed++
		}
	}
	return s
}

type invocation struct {
	runner Runner
	logger *slog.Logger
	// wrap sends the custom resource response. Replaced in tests.
	wrap func(cfn.CustomResourceFunction) cfn.CustomResourceLambdaFunction
}

func newInvocation(runner Runner, logger *slog.Logger) *invocation {
	return &invocation{runner: runner, logger: logger, wrap: cfn.LambdaWrap}
}

type eventProbe struct {
	RequestType string `json:"RequestType"`
	ResponseURL string `json:"ResponseURL"`
	Source      string `json:"source"`
}

// Handle accepts scheduled events, CloudFormation custom resource events
// and empty payloads from direct invocations.
func (i *invocation) Handle(ctx context.Context, payload json.RawMessage) (any, error) {
	var probe eventProbe
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &probe); err != nil {
			i.logger.Warn("Ignoring unparsable invocation payload", "error", err)
		}
	}

	if probe.RequestType != "" && probe.ResponseURL != "" {
		var event cfn.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("failed to decode CloudFormation event: %w", err)
		}
		return i.wrap(i.lifecycle)(ctx, event)
	}

	if probe.Source != "" {
		var event events.CloudWatchEvent
		if err := json.Unmarshal(payload, &event); err == nil {
			i.logger.Info("Scheduled invocation", "source", event.Source, "detail_type", event.DetailType, "time", event.Time)
		}
	}
	return i.run(ctx, acme.RunOptions{})
}

func (i *invocation) run(ctx context.Context, opts acme.RunOptions) (Summary, error) {
	results, err := i.runner.Handle(ctx, opts)
	if err != nil {
		return Summary{}, err
	}
	summary := summarize(results)
	i.logger.Info("Renewal run finished", "run_id", summary.RunID, "issued", summary.Issued, "renewed", summary.Renewed, "skipped", summary.Skipped, "failed", summary.Failed)
	return summary, nil
}

// lifecycle runs on stack create and update. Delete leaves certificates
// in place. Failed domain sets are reported by notification and do not
// fail the stack operation.
func (i *invocation) lifecycle(ctx context.Context, event cfn.Event) (string, map[string]interface{}, error) {
	physicalID := event.PhysicalResourceID
	if physicalID == "" {
		physicalID = physicalResourceID
	}

	switch event.RequestType {
	case cfn.RequestCreate, cfn.RequestUpdate:
	case cfn.RequestDelete:
		i.logger.Info("Stack resource deleted, leaving certificates in place", "stack_id", event.StackID)
		return physicalID, nil, nil
	default:
		return physicalID, nil, fmt.Errorf("unknown request type %s", event.RequestType)
	}

	var props LifecycleProperties
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &props,
	})
	if err != nil {
		return physicalID, nil, err
	}
	if err := decoder.Decode(event.ResourceProperties); err != nil {
		return physicalID, nil, fmt.Errorf("failed to decode event.ResourceProperties: %w", err)
	}

	i.logger.Info("Lifecycle invocation", "request_type", event.RequestType, "force", props.Force)
	summary, err := i.run(ctx, acme.RunOptions{Force: props.Force})
	if err != nil {
		return physicalID, nil, err
	}
	return physicalID, map[string]interface{}{
		"RunId":   summary.RunID,
		"Issued":  summary.Issued,
		"Renewed": summary.Renewed,
		"Skipped": summary.Skipped,
		"Failed":  summary.Failed,
	}, nil
}
