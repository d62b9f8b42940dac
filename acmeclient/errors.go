package acmeclient

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	legoacme "github.com/go-acme/lego/v4/acme"
)

var (
	ErrAuthorizationFailed  = errors.New("acme authorization failed")
	ErrAuthorityUnavailable = errors.New("acme authority unavailable")
	ErrOrderTimeout         = errors.New("acme order timed out")
)

// isTransient reports errors worth retrying right away: server errors and
// transport failures. Rate limits are not transient at this time scale.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var problem *legoacme.ProblemDetails
	if errors.As(err, &problem) {
		if strings.HasSuffix(problem.Type, ":rateLimited") {
			return false
		}
		return problem.HTTPStatus >= http.StatusInternalServerError || problem.HTTPStatus == http.StatusTooManyRequests
	}
	return true
}

// classify wraps err with the sentinel matching its cause.
func classify(err error, operation string) error {
	var problem *legoacme.ProblemDetails
	if errors.As(err, &problem) {
		if isTransient(err) || strings.HasSuffix(problem.Type, ":rateLimited") {
			return fmt.Errorf("%w: %s: %w", ErrAuthorityUnavailable, operation, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrAuthorizationFailed, operation, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrAuthorityUnavailable, operation, err)
}

func authorizationError(authz legoacme.Authorization) error {
	for _, chlg := range authz.Challenges {
		if chlg.Error != nil {
			return fmt.Errorf("%w: %s: %w", ErrAuthorizationFailed, authz.Identifier.Value, chlg.Error)
		}
	}
	return fmt.Errorf("%w: %s: authorization is %s", ErrAuthorizationFailed, authz.Identifier.Value, authz.Status)
}
