package dnschallenge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"
)

var (
	ErrProviderUnavailable = errors.New("dns provider unavailable")
	ErrNoHostedZone        = errors.New("no hosted zone for domain")
	ErrRecordConflict      = errors.New("dns record conflict")
)

// classifyRoute53Error maps Route 53 failures onto the package errors.
func classifyRoute53Error(err error, operation string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s operation: %w", operation, err)
	}

	var noZone *types.NoSuchHostedZone
	if errors.As(err, &noZone) {
		return fmt.Errorf("%w: %s: %w", ErrNoHostedZone, operation, err)
	}
	var invalid *types.InvalidChangeBatch
	if errors.As(err, &invalid) {
		return fmt.Errorf("%w: %s: %w", ErrRecordConflict, operation, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "PriorRequestNotComplete", "ServiceUnavailable", "InternalFailure":
			return fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, operation, err)
		case "InvalidChangeBatch":
			return fmt.Errorf("%w: %s: %w", ErrRecordConflict, operation, err)
		default:
			return fmt.Errorf("%s operation failed (code: %s): %w", operation, apiErr.ErrorCode(), err)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, operation, err)
}

// isRecordMissing reports a DELETE that failed because the record is
// already gone.
func isRecordMissing(err error) bool {
	var invalid *types.InvalidChangeBatch
	if !errors.As(err, &invalid) {
		return false
	}
	msg := invalid.ErrorMessage() + " " + strings.Join(invalid.Messages, " ")
	return strings.Contains(strings.ToLower(msg), "not found")
}
