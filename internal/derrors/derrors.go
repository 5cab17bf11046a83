// Package derrors defines the error taxonomy shared by every deployment
// component. Errors carry a stable machine-readable code, a retry
// classification and a short hint that can be shown to the user.
package derrors

import (
	"context"
	"errors"
	"fmt"
)

// Code identifies a failure condition. Codes are strings so they read well
// in logs and serialize directly into API responses.
type Code string

const (
	// CodeAuthExchange indicates the installation token exchange failed.
	CodeAuthExchange Code = "AUTH_EXCHANGE_FAILED"

	// CodeRepositoryNotFound indicates the target repository does not exist
	// or is invisible to the installation.
	CodeRepositoryNotFound Code = "REPOSITORY_NOT_FOUND"

	// CodeOutOfScope indicates the repository exists but the installation
	// was not granted access to it.
	CodeOutOfScope Code = "REPOSITORY_OUT_OF_SCOPE"

	// CodeWriteNotPermitted indicates the installation cannot write content.
	CodeWriteNotPermitted Code = "WRITE_NOT_PERMITTED"

	// CodePlatformUnavailable indicates a network failure, a 5xx or rate limiting.
	CodePlatformUnavailable Code = "PLATFORM_UNAVAILABLE"

	// CodePushConflict indicates the repository changed underneath a push.
	CodePushConflict Code = "PUSH_CONFLICT"

	// CodeTimeout indicates a call or the whole job ran out of time.
	CodeTimeout Code = "TIMEOUT"

	// CodeSigning indicates the application private key is unusable.
	CodeSigning Code = "SIGNING_FAILED"

	// CodeCancelled indicates the caller cancelled the deployment.
	CodeCancelled Code = "CANCELLED"

	// CodeAlreadyInProgress indicates another deployment holds the repository lease.
	CodeAlreadyInProgress Code = "ALREADY_IN_PROGRESS"

	// CodeInvalidInput indicates a malformed request.
	CodeInvalidInput Code = "INVALID_INPUT"

	// CodeInterrupted indicates the process stopped while the job was running.
	CodeInterrupted Code = "INTERRUPTED"

	// CodeNotFound indicates a local record (job, session, bundle) is missing.
	CodeNotFound Code = "NOT_FOUND"

	// CodeInternal indicates an unexpected failure.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is the single error type used across the orchestrator.
type Error struct {
	Code      Code
	Retryable bool
	Message   string
	Hint      string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so sentinel
// values like ErrOutOfScope match any error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrAuthExchange        = &Error{Code: CodeAuthExchange}
	ErrRepositoryNotFound  = &Error{Code: CodeRepositoryNotFound}
	ErrOutOfScope          = &Error{Code: CodeOutOfScope}
	ErrWriteNotPermitted   = &Error{Code: CodeWriteNotPermitted}
	ErrPlatformUnavailable = &Error{Code: CodePlatformUnavailable}
	ErrPushConflict        = &Error{Code: CodePushConflict}
	ErrTimeout             = &Error{Code: CodeTimeout}
	ErrSigning             = &Error{Code: CodeSigning}
	ErrCancelled           = &Error{Code: CodeCancelled}
	ErrAlreadyInProgress   = &Error{Code: CodeAlreadyInProgress}
	ErrInvalidInput        = &Error{Code: CodeInvalidInput}
	ErrNotFound            = &Error{Code: CodeNotFound}
)

// AuthExchange wraps a token exchange failure. Transient failures (network,
// 5xx, rate limit) may be retried; permanent ones (revoked installation,
// rejected assertion) may not.
func AuthExchange(err error, transient bool) *Error {
	hint := "The installation could not be authorised; reinstall the app and try again."
	if transient {
		hint = "The hosting platform did not answer the token request; retry shortly."
	}
	return &Error{
		Code:      CodeAuthExchange,
		Retryable: transient,
		Message:   "installation token exchange failed",
		Hint:      hint,
		Err:       err,
	}
}

// RepositoryNotFound reports a missing repository.
func RepositoryNotFound(owner, name string) *Error {
	return &Error{
		Code:    CodeRepositoryNotFound,
		Message: fmt.Sprintf("repository %s/%s not found", owner, name),
		Hint:    "Check the repository name, or create the repository before deploying.",
	}
}

// OutOfScope reports a repository the installation cannot reach.
func OutOfScope(owner, name string) *Error {
	return &Error{
		Code:    CodeOutOfScope,
		Message: fmt.Sprintf("repository %s/%s is not covered by the installation", owner, name),
		Hint:    "Open the app's installation settings and grant it access to this repository.",
	}
}

// WriteNotPermitted reports an installation without content write access.
func WriteNotPermitted(owner, name string) *Error {
	return &Error{
		Code:    CodeWriteNotPermitted,
		Message: fmt.Sprintf("installation cannot write to %s/%s", owner, name),
		Hint:    "Accept the app's updated permissions (contents: write) and try again.",
	}
}

// PublishingNotPermitted reports a repository the platform refuses to serve,
// such as a private repository on a plan without private sites.
func PublishingNotPermitted(owner, name string, err error) *Error {
	return &Error{
		Code:    CodeWriteNotPermitted,
		Message: fmt.Sprintf("publishing is not available for %s/%s", owner, name),
		Hint:    "Make the repository public, or upgrade the account plan to serve private repositories.",
		Err:     err,
	}
}

// PlatformUnavailable wraps a transient platform failure.
func PlatformUnavailable(err error) *Error {
	return &Error{
		Code:      CodePlatformUnavailable,
		Retryable: true,
		Message:   "hosting platform unavailable",
		Hint:      "The hosting platform is not responding; retry in a few minutes.",
		Err:       err,
	}
}

// PushConflict wraps a write that lost a race with another writer.
func PushConflict(err error) *Error {
	return &Error{
		Code:      CodePushConflict,
		Retryable: true,
		Message:   "repository changed during push",
		Hint:      "The repository was edited while the site was being published; redeploy once the other change lands.",
		Err:       err,
	}
}

// Timeout wraps a deadline overrun.
func Timeout(err error) *Error {
	return &Error{
		Code:      CodeTimeout,
		Retryable: true,
		Message:   "operation timed out",
		Hint:      "The deployment took too long; retry in a few minutes.",
		Err:       err,
	}
}

// Signing wraps an unusable private key.
func Signing(err error) *Error {
	return &Error{
		Code:    CodeSigning,
		Message: "cannot sign application assertion",
		Hint:    "Check the configured private key.",
		Err:     err,
	}
}

// Cancelled reports a caller cancellation.
func Cancelled() *Error {
	return &Error{
		Code:      CodeCancelled,
		Retryable: true,
		Message:   "deployment cancelled",
		Hint:      "Deploy again when ready.",
	}
}

// AlreadyInProgress reports a held repository lease.
func AlreadyInProgress(jobID string) *Error {
	return &Error{
		Code:    CodeAlreadyInProgress,
		Message: fmt.Sprintf("deployment %s is already running for this repository", jobID),
		Hint:    "Wait for the running deployment to finish.",
	}
}

// InvalidInput reports a malformed request.
func InvalidInput(format string, args ...any) *Error {
	return &Error{
		Code:    CodeInvalidInput,
		Message: fmt.Sprintf(format, args...),
	}
}

// NotFound reports a missing local record.
func NotFound(kind, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %q not found", kind, id),
	}
}

// Internal wraps an unexpected error.
func Internal(err error) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// As extracts the *Error from err. Context errors are translated into
// Timeout and Cancelled; anything else unknown becomes Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	if errors.Is(err, context.Canceled) {
		c := Cancelled()
		c.Err = err
		return c
	}
	return Internal(err)
}

// Final returns a copy of err that is no longer retryable.
func Final(err error) *Error {
	e := *As(err)
	e.Retryable = false
	return &e
}

// CodeOf returns the code of err, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return As(err).Code
}

// IsRetryable reports whether err is classified as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return As(err).Retryable
}
