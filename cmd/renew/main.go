// Command renew is the Lambda function fired by the renewal schedule and by
// the stack lifecycle.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	acme "github.com/caasmo/cloudfront-acme"
	"github.com/caasmo/cloudfront-acme/bootstrap"
)

func main() {
	runner, logger := setup()
	lambda.Start(newInvocation(runner, logger).Handle)
}

// setup builds the renewal handler once per execution environment. When
// that fails the runtime still starts, so every invocation, including a
// lifecycle event waiting for its response, reports the error.
func setup() (Runner, *slog.Logger) {
	cfg, err := acme.LoadFromEnv()
	if err != nil {
		logger := acme.NewLogger(acme.LogConfig{Level: "info", Format: "json"}, os.Stdout)
		logger.Error("Failed to load configuration", "error", err)
		return setupFailure{err: err}, logger
	}
	logger := acme.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	awsCfg, err := bootstrap.LoadAWSConfig(context.Background(), bootstrap.SettingsFrom(cfg))
	if err != nil {
		logger.Error("Failed to load AWS configuration", "error", err)
		return setupFailure{err: err}, logger
	}
	renewal, err := bootstrap.NewRenewal(awsCfg, cfg, logger)
	if err != nil {
		logger.Error("Failed to build renewal components", "error", err)
		return setupFailure{err: err}, logger
	}
	return renewal.Handler, logger
}

// setupFailure answers every run with the error that stopped setup.
type setupFailure struct {
	err error
}

func (f setupFailure) Handle(context.Context, acme.RunOptions) ([]acme.Result, error) {
	return nil, fmt.Errorf("renewal function is not configured: %w", f.err)
}
