package token

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/rorycl/BlingNFeTokenServer/logging"
	"github.com/rorycl/BlingNFeTokenServer/randstring"
	"github.com/rorycl/BlingNFeTokenServer/response"
)

const sessionName = "bling_oauth"
const sessionStateKey = "state"

// callbackURL returns the redirect_uri to present to Bling, derived
// from the request when no fixed redirect url is configured
func (b *Broker) callbackURL(r *http.Request) string {
	if b.redirectURL != "" {
		return b.redirectURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.TrimSpace(strings.Split(p, ",")[0])
	}
	return scheme + "://" + r.Host + CallbackPath
}

// redirectFrontend sends the browser back to the frontend with q as
// the query string
func (b *Broker) redirectFrontend(w http.ResponseWriter, r *http.Request, q url.Values) {
	http.Redirect(w, r, b.frontendURL+"/?"+q.Encode(), http.StatusFound)
}

// HandleAuthorize starts the authorization flow. A random state is
// stored in a signed cookie and checked again in the callback.
func (b *Broker) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), b.logger)

	state, err := randstring.State()
	if err != nil {
		log.Error("state generation failed", zap.Error(err))
		response.Internal(w, err)
		return
	}
	session, _ := b.sessions.Get(r, sessionName)
	session.Values[sessionStateKey] = state
	if err := session.Save(r, w); err != nil {
		log.Error("session save failed", zap.Error(err))
		response.Internal(w, err)
		return
	}
	http.Redirect(w, r, b.AuthURL(state, b.callbackURL(r)), http.StatusFound)
}

// HandleCallback receives the Bling authorization redirect and passes
// the code (or error) on to the frontend, which then calls the token
// endpoint. If the flow was started by HandleAuthorize the state must
// match the one saved in the session.
func (b *Broker) HandleCallback(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), b.logger)
	query := r.URL.Query()
	code, state, authErr := query.Get("code"), query.Get("state"), query.Get("error")

	log.Info("oauth callback received",
		zap.Bool("has_code", code != ""),
		zap.String("state", state),
		zap.String("error", authErr),
	)

	if authErr != "" {
		log.Warn("bling authorization failed", zap.String("error", authErr))
		b.redirectFrontend(w, r, url.Values{
			"error":   {"authorization_failed"},
			"details": {authErr},
		})
		return
	}
	if code == "" {
		log.Warn("no authorization code received")
		b.redirectFrontend(w, r, url.Values{"error": {"no_code"}})
		return
	}

	// a decode error yields a fresh session, which is treated as no
	// saved state
	session, _ := b.sessions.Get(r, sessionName)
	if saved, ok := session.Values[sessionStateKey].(string); ok && saved != "" {
		if saved != state {
			log.Warn("url state != saved state", zap.String("state", state))
			b.redirectFrontend(w, r, url.Values{"error": {"invalid_state"}})
			return
		}
		delete(session.Values, sessionStateKey)
		session.Options.MaxAge = -1
		if err := session.Save(r, w); err != nil {
			log.Warn("session clear failed", zap.Error(err))
		}
	}

	q := url.Values{"code": {code}}
	if state != "" {
		q.Set("state", state)
	}
	b.redirectFrontend(w, r, q)
}

// tokenRequest is the body of the token endpoint
type tokenRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// refreshRequest is the body of the refresh endpoint
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// HandleToken exchanges an authorization code for tokens and returns
// the Bling token json unchanged
func (b *Broker) HandleToken(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), b.logger)

	var req tokenRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.BadRequest(w, "invalid json body", err.Error())
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		response.BadRequest(w, "authorization code is required", nil)
		return
	}

	log.Info("exchanging code for tokens")
	body, _, err := b.Exchange(r.Context(), code, b.callbackURL(r))
	if err != nil {
		b.writeTokenError(w, log, "bling authentication failed", err)
		return
	}
	log.Info("tokens obtained")
	response.Raw(w, http.StatusOK, body)
}

// HandleRefresh exchanges a refresh token for a new token pair
func (b *Broker) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), b.logger)

	var req refreshRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.BadRequest(w, "invalid json body", err.Error())
		return
	}
	if req.RefreshToken == "" {
		response.BadRequest(w, "refresh token is required", nil)
		return
	}

	log.Info("refreshing tokens")
	body, _, err := b.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		b.writeTokenError(w, log, "token refresh failed", err)
		return
	}
	log.Info("tokens refreshed")
	response.Raw(w, http.StatusOK, body)
}

// writeTokenError relays upstream failures with their status code and
// turns everything else into a 500
func (b *Broker) writeTokenError(w http.ResponseWriter, log *zap.Logger, message string, err error) {
	var hce *HTTPClientError
	if errors.As(err, &hce) {
		log.Error(message, zap.Int("status", hce.Code), zap.ByteString("body", hce.Body))
		response.Upstream(w, hce.Code, message,
			response.DetailsFromBody(hce.Body, "error_description"))
		return
	}
	log.Error(message, zap.Error(err))
	response.Internal(w, err)
}
