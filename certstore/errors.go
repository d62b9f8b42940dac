package certstore

import (
	"context"
	"errors"
	"fmt"

	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	acme "github.com/caasmo/cloudfront-acme"
)

var (
	// ErrNotFound is acme.ErrCertificateNotFound so the orchestrator can
	// detect a missing record without importing this package.
	ErrNotFound         = acme.ErrCertificateNotFound
	ErrConflict         = errors.New("certificate store conflict")
	ErrStoreUnavailable = errors.New("certificate store unavailable")
)

func classifyIAMError(err error, operation string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s operation: %w", operation, err)
	}

	var noEntity *iamtypes.NoSuchEntityException
	if errors.As(err, &noEntity) {
		return fmt.Errorf("%w: %s: %w", ErrNotFound, operation, err)
	}
	var exists *iamtypes.EntityAlreadyExistsException
	if errors.As(err, &exists) {
		return fmt.Errorf("%w: %s: %w", ErrConflict, operation, err)
	}
	var inUse *iamtypes.DeleteConflictException
	if errors.As(err, &inUse) {
		return fmt.Errorf("%w: %s: certificate is still in use: %w", ErrConflict, operation, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ServiceFailure", "ServiceUnavailable", "RequestLimitExceeded":
			return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, operation, err)
		default:
			return fmt.Errorf("%s operation failed (code: %s): %w", operation, apiErr.ErrorCode(), err)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, operation, err)
}

func classifyS3Error(err error, operation string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s operation: %w", operation, err)
	}

	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %s: %w", ErrNotFound, operation, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey":
			return fmt.Errorf("%w: %s: %w", ErrNotFound, operation, err)
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "InternalError":
			return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, operation, err)
		default:
			return fmt.Errorf("%s operation failed (code: %s): %w", operation, apiErr.ErrorCode(), err)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, operation, err)
}
