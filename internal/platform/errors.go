package platform

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/google/go-github/v57/github"

	"foliodeploy/internal/derrors"
)

// statusOf returns the HTTP status of a failed call, or 0 when no response
// was received.
func statusOf(resp *github.Response, err error) int {
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	return 0
}

// isTimeout reports a client-side deadline, including http.Client.Timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isRateLimited(err error) bool {
	var rl *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	return errors.As(err, &rl) || errors.As(err, &abuse)
}

// classify maps a failed API call on a repository to the error taxonomy.
// 404 is left to the caller since its meaning depends on the call.
func classify(resp *github.Response, err error, owner, name string) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return derrors.Timeout(err)
	}
	if errors.Is(err, context.Canceled) {
		return derrors.As(err)
	}
	if isRateLimited(err) {
		return derrors.PlatformUnavailable(err)
	}

	switch status := statusOf(resp, err); {
	case status == 0:
		// connection refused, reset, DNS
		return derrors.PlatformUnavailable(err)
	case status >= 500:
		return derrors.PlatformUnavailable(err)
	case status == http.StatusNotFound:
		return derrors.RepositoryNotFound(owner, name)
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return derrors.PushConflict(err)
	case status == http.StatusForbidden:
		return derrors.WriteNotPermitted(owner, name)
	case status == http.StatusUnauthorized:
		return derrors.AuthExchange(err, false)
	default:
		return derrors.Internal(err)
	}
}

// classifyExchange maps a failed token exchange. Every client error means
// the installation or the assertion is no longer good.
func classifyExchange(resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) || isRateLimited(err) {
		return derrors.AuthExchange(err, true)
	}
	if errors.Is(err, context.Canceled) {
		return derrors.As(err)
	}
	status := statusOf(resp, err)
	if status == 0 || status >= 500 {
		return derrors.AuthExchange(err, true)
	}
	return derrors.AuthExchange(err, false)
}
