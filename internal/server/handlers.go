package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"foliodeploy/internal/content"
	"foliodeploy/internal/deployment"
	"foliodeploy/internal/derrors"
	"foliodeploy/internal/security"
	"foliodeploy/internal/session"
	"foliodeploy/internal/store"
)

const (
	MaxPayloadBytes = 1 << 20  // 1 MiB, JSON requests
	MaxBundleBytes  = 32 << 20 // 32 MiB, base64 encoded bundles

	// SessionCookie carries the session id in browsers.
	SessionCookie = "foliodeploy_session"
	// SessionHeader carries the session id for API clients.
	SessionHeader = "X-Session-ID"

	setupActionRequest = "request"
)

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{"status": "ok"}
	if s.opts.Deployments != nil {
		response["running_jobs"] = s.opts.Deployments.Running()
	}

	if s.opts.Records != nil {
		if err := s.opts.Records.Ping(r.Context()); err != nil {
			s.logger.Error("Health check failed", "error", err)
			response["status"] = "degraded"
			s.respondJSON(w, http.StatusServiceUnavailable, response)
			return
		}
	}
	s.respondJSON(w, http.StatusOK, response)
}

// HandleInstall sends the user to the platform's install page with a state
// bound to their session.
func (s *Server) HandleInstall(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(w, r)
	if err != nil {
		s.respondError(w, err)
		return
	}

	state := security.SignState(sess.ID, s.opts.StateSecret)
	http.Redirect(w, r, s.opts.InstallURL(state), http.StatusFound)
}

// HandleCallback completes an installation. The platform's OAuth code is
// never read.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	installationID, err := strconv.ParseInt(q.Get("installation_id"), 10, 64)
	if err != nil || installationID <= 0 {
		s.respondError(w, derrors.InvalidInput("installation_id must be a positive integer"))
		return
	}
	setupAction := q.Get("setup_action")

	sessionID, ok := s.callbackSession(r, q.Get("state"))
	if !ok {
		s.logger.Warn("Install callback with invalid state", "installation_id", installationID)
		s.respondJSON(w, http.StatusForbidden, errorBody(derrors.InvalidInput("invalid or missing install state")))
		return
	}

	logger := s.logger.With("installation_id", installationID, "setup_action", setupAction)

	if setupAction == setupActionRequest {
		// An organization owner still has to approve the request.
		logger.Info("Installation requested, awaiting approval")
		http.Redirect(w, r, s.wizardURL("pending"), http.StatusFound)
		return
	}

	inst, err := s.opts.Installations.GetInstallation(r.Context(), installationID)
	if err != nil {
		logger.Warn("Failed to look up installation", "error", err)
		s.respondError(w, err)
		return
	}

	if err := s.opts.Records.RecordInstallation(r.Context(), &store.Installation{
		InstallationID:      inst.ID,
		AccountLogin:        inst.AccountLogin,
		AccountType:         inst.AccountType,
		RepositorySelection: inst.RepositorySelection,
		SetupAction:         setupAction,
	}); err != nil {
		logger.Error("Failed to record installation", "error", err)
		s.respondError(w, derrors.Internal(err))
		return
	}

	// Permissions or repository selection may have changed.
	s.opts.Resolver.Forget(installationID)
	if s.opts.Tokens != nil {
		s.opts.Tokens.Invalidate(installationID)
	}

	if err := s.opts.Sessions.Save(r.Context(), sessionID, session.Partial{InstallationID: &installationID}); err != nil {
		logger.Error("Failed to save session", "error", err)
		s.respondError(w, err)
		return
	}
	s.setSessionCookie(w, sessionID)

	logger.Info("Installation recorded",
		"account", inst.AccountLogin,
		"repository_selection", inst.RepositorySelection)
	http.Redirect(w, r, s.wizardURL("ok"), http.StatusFound)
}

// callbackSession recovers the session from the signed state, or from the
// cookie when the platform sent no state.
func (s *Server) callbackSession(r *http.Request, state string) (string, bool) {
	if state != "" {
		id, ok := security.VerifyState(state, s.opts.StateSecret)
		if !ok || !session.ValidID(id) {
			return "", false
		}
		return id, true
	}
	id := requestSessionID(r)
	if !session.ValidID(id) {
		return "", false
	}
	if _, err := s.opts.Sessions.Load(r.Context(), id); err != nil {
		return "", false
	}
	return id, true
}

func (s *Server) wizardURL(result string) string {
	u, err := url.Parse(s.opts.WizardURL)
	if err != nil {
		return s.opts.WizardURL
	}
	q := u.Query()
	q.Set("installation", result)
	u.RawQuery = q.Encode()
	return u.String()
}

// HandleGetSession returns the caller's session, creating it on first visit.
func (s *Server) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(w, r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

type validateRequest struct {
	InstallationID int64  `json:"installationId"`
	OwnerLogin     string `json:"ownerLogin"`
	RepoName       string `json:"repoName"`
}

// HandleValidateRepository resolves a repository and remembers it in the
// session.
func (s *Server) HandleValidateRepository(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !s.decodeJSON(w, r, MaxPayloadBytes, &req) {
		return
	}

	sess, err := s.session(w, r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var ok bool
	if req.InstallationID, ok = s.sessionInstallation(w, sess, req.InstallationID); !ok {
		return
	}

	ref, err := s.opts.Resolver.Validate(r.Context(), req.OwnerLogin, req.RepoName, req.InstallationID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	if err := s.opts.Sessions.Save(r.Context(), sess.ID, session.Partial{
		InstallationID: &req.InstallationID,
		Repository:     ref,
	}); err != nil {
		s.logger.Error("Failed to save session", "error", err, "session_id", sess.ID)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{"repositoryRef": ref})
}

type bundleRequest struct {
	ThemeID string         `json:"themeId"`
	Files   []content.File `json:"files"`
}

// HandleCreateBundle packages and stores a rendered site. File contents
// arrive base64 encoded.
func (s *Server) HandleCreateBundle(w http.ResponseWriter, r *http.Request) {
	var req bundleRequest
	if !s.decodeJSON(w, r, MaxBundleBytes, &req) {
		return
	}

	bundle, err := content.Package(req.Files, req.ThemeID)
	if err != nil {
		s.respondError(w, derrors.InvalidInput("invalid bundle: %v", err))
		return
	}

	if err := s.opts.Records.SaveBundle(r.Context(), bundle); err != nil {
		s.logger.Error("Failed to save bundle", "error", err)
		s.respondError(w, derrors.Internal(err))
		return
	}

	s.logger.Info("Bundle stored",
		"fingerprint", content.ShortFingerprint(bundle.Fingerprint),
		"files", len(bundle.Files),
		"bytes", bundle.Size())
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"bundleRef": bundle.Fingerprint,
		"files":     len(bundle.Files),
		"bytes":     bundle.Size(),
	})
}

// HandleDeploy accepts a deployment and answers before it runs.
func (s *Server) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployment.Request
	if !s.decodeJSON(w, r, MaxPayloadBytes, &req) {
		return
	}

	sess, err := s.session(w, r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var ok bool
	if req.InstallationID, ok = s.sessionInstallation(w, sess, req.InstallationID); !ok {
		return
	}

	job, err := s.opts.Deployments.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, derrors.ErrAlreadyInProgress) {
			body := errorBody(err)
			if holder, ok := s.opts.Deployments.ActiveJob(req.InstallationID, req.OwnerLogin, req.RepoName); ok {
				body["jobId"] = holder
			}
			s.logger.Warn("Deployment already in progress, rejecting",
				"installation_id", req.InstallationID,
				"repository", req.OwnerLogin+"/"+req.RepoName)
			s.respondJSON(w, http.StatusConflict, body)
			return
		}
		s.respondError(w, err)
		return
	}

	if err := s.opts.Sessions.Save(r.Context(), sess.ID, session.Partial{LastJobID: &job.ID}); err != nil {
		s.logger.Error("Failed to save session", "error", err, "session_id", sess.ID)
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId": job.ID,
		"state": job.State,
	})
}

// HandleGetJob reports a job's state.
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.opts.Deployments.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

// HandleCancelJob requests cancellation. A job already pushing stops after
// its push.
func (s *Server) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, cancelled, err := s.opts.Deployments.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, err)
		return
	}

	status := http.StatusOK
	if cancelled {
		status = http.StatusAccepted
	}
	s.respondJSON(w, status, map[string]interface{}{
		"jobId":     job.ID,
		"state":     job.State,
		"cancelled": cancelled,
	})
}

// sessionInstallation returns the installation bound to sess by the install
// callback. A requested id must match it; a session without one may not act
// on any installation.
func (s *Server) sessionInstallation(w http.ResponseWriter, sess *session.Session, requested int64) (int64, bool) {
	if sess.InstallationID == nil {
		e := derrors.InvalidInput("no installation is bound to this session")
		e.Hint = "Install the app from the wizard first."
		s.respondJSON(w, http.StatusForbidden, errorBody(e))
		return 0, false
	}
	if requested != 0 && requested != *sess.InstallationID {
		s.logger.Warn("Request for an installation not bound to the session",
			"session_id", sess.ID,
			"installation_id", requested)
		s.respondJSON(w, http.StatusForbidden, errorBody(derrors.InvalidInput("installationId does not match this session")))
		return 0, false
	}
	return *sess.InstallationID, true
}

// session resolves the caller's session and refreshes its cookie.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, error) {
	sess, err := s.opts.Sessions.Ensure(r.Context(), requestSessionID(r))
	if err != nil {
		return nil, err
	}
	s.setSessionCookie(w, sess.ID)
	return sess, nil
}

func requestSessionID(r *http.Request) string {
	if id := r.Header.Get(SessionHeader); id != "" {
		return id
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func (s *Server) setSessionCookie(w http.ResponseWriter, id string) {
	w.Header().Set(SessionHeader, id)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.opts.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		// Lax so the cookie survives the top-level redirect back from the platform.
		SameSite: http.SameSiteLaxMode,
	})
}

// decodeJSON reads a JSON body of at most limit bytes into v and writes the
// error response itself.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) bool {
	if r.ContentLength > limit {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, errorBody(derrors.InvalidInput("payload too large")))
		return false
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		s.respondJSON(w, http.StatusUnsupportedMediaType, errorBody(derrors.InvalidInput("invalid content type")))
		return false
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			s.respondJSON(w, http.StatusRequestEntityTooLarge, errorBody(derrors.InvalidInput("payload too large")))
		case errors.Is(err, io.EOF):
			s.respondError(w, derrors.InvalidInput("empty request body"))
		default:
			s.respondError(w, derrors.InvalidInput("invalid JSON payload: %v", err))
		}
		return false
	}
	return true
}

// statusFor maps an error code to an HTTP status.
func statusFor(e *derrors.Error) int {
	switch e.Code {
	case derrors.CodeInvalidInput:
		return http.StatusBadRequest
	case derrors.CodeNotFound, derrors.CodeRepositoryNotFound:
		return http.StatusNotFound
	case derrors.CodeOutOfScope, derrors.CodeWriteNotPermitted:
		return http.StatusForbidden
	case derrors.CodeAlreadyInProgress, derrors.CodePushConflict, derrors.CodeCancelled:
		return http.StatusConflict
	case derrors.CodeAuthExchange:
		if e.Retryable {
			return http.StatusBadGateway
		}
		return http.StatusUnauthorized
	case derrors.CodePlatformUnavailable:
		return http.StatusServiceUnavailable
	case derrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorBody renders err as {"error": {code, message, hint, retryable}}.
// Wrapped causes stay in the logs.
func errorBody(err error) map[string]interface{} {
	e := derrors.As(err)
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	return map[string]interface{}{
		"error": &deployment.JobError{
			Code:      e.Code,
			Message:   msg,
			Hint:      e.Hint,
			Retryable: e.Retryable,
		},
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := statusFor(derrors.As(err))
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "code", derrors.CodeOf(err), "error", err)
	}
	s.respondJSON(w, status, errorBody(err))
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}
