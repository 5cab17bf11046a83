// Package server implements the HTTP API of the deployment orchestrator.
//
// This package provides:
//   - The app installation redirect and callback
//   - Session continuity for the deployment wizard
//   - Bundle intake, repository validation and deployment submission
//   - Job status and cancellation
//   - Health and metrics endpoints
//
// The server integrates with other packages:
//   - internal/deployment: job submission and the state machine
//   - internal/repository: repository validation
//   - internal/session: wizard progress
//   - internal/store: bundles and installation records
//
// Security features:
//   - HMAC-SHA256 signed install state bound to the caller's session
//   - Content-Type validation (application/json only)
//   - Payload size limits
//   - Per-IP rate limiting (global and for deploy/bundle writes)
package server
