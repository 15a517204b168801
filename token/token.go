package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"github.com/rorycl/BlingNFeTokenServer/metrics"
)

// BlingBaseURL is the Bling v3 API root
const BlingBaseURL = "https://www.bling.com.br/Api/v3"

// DefaultFrontendURL is where callbacks are sent when no frontend is
// configured
const DefaultFrontendURL = "http://localhost:5173"

// CallbackPath is the path Bling redirects to after authorization
const CallbackPath = "/api/bling/callback"

// DefaultTimeout is the http client timeout for calls to Bling
const DefaultTimeout = 10 * time.Second

// Config configures a Broker
type Config struct {
	ClientID     string
	ClientSecret string
	// BaseURL is the Bling API root; the oauth endpoints are
	// {BaseURL}/oauth/authorize and {BaseURL}/oauth/token
	BaseURL     string
	FrontendURL string
	// RedirectURL fixes the redirect_uri sent to Bling. When empty it
	// is derived from the incoming request host.
	RedirectURL string
	// SessionKey signs the cookie holding the oauth state
	SessionKey []byte
	Timeout    time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Broker exchanges authorization codes and refresh tokens with Bling
// on behalf of a browser client, so that the client secret never
// leaves the server. The Broker holds no tokens itself; results are
// handed back to the caller verbatim.
type Broker struct {
	clientID          string
	clientSecret      string
	authURL           string
	tokenURL          string
	frontendURL       string
	redirectURL       string
	httpclientTimeout time.Duration
	sessions          sessions.Store
	logger            *zap.Logger
	metrics           *metrics.Metrics
}

// Results is the token payload returned by Bling
type Results struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
}

// NewBroker returns a new Broker
func NewBroker(cfg Config) (b *Broker, err error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("client id or secret is empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = BlingBaseURL
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, errors.New("base url invalid")
	}
	if cfg.FrontendURL == "" {
		cfg.FrontendURL = DefaultFrontendURL
	}
	if _, err := url.ParseRequestURI(cfg.FrontendURL); err != nil {
		return nil, errors.New("frontend url invalid")
	}
	if cfg.RedirectURL != "" {
		if _, err := url.ParseRequestURI(cfg.RedirectURL); err != nil {
			return nil, errors.New("redirect url invalid")
		}
	}
	if len(cfg.SessionKey) < 32 {
		return nil, errors.New("session key must be at least 32 bytes")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	store := sessions.NewCookieStore(cfg.SessionKey)
	store.Options = &sessions.Options{
		Path:     "/api/bling",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	b = &Broker{
		clientID:          cfg.ClientID,
		clientSecret:      cfg.ClientSecret,
		authURL:           base + "/oauth/authorize",
		tokenURL:          base + "/oauth/token",
		frontendURL:       strings.TrimRight(cfg.FrontendURL, "/"),
		redirectURL:       cfg.RedirectURL,
		httpclientTimeout: cfg.Timeout,
		sessions:          store,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
	}
	return b, nil
}

// AuthURL returns the Bling authorization url which begins the
// authorization code flow
func (b *Broker) AuthURL(state, redirectURI string) string {
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", b.clientID)
	v.Set("state", state)
	if redirectURI != "" {
		v.Set("redirect_uri", redirectURI)
	}
	return b.authURL + "?" + v.Encode()
}

// encodeIDSecret encodes the clientid and clientsecret into a "basic"
// string suitable for an authentication header
func (b *Broker) encodeIDSecret() string {
	s := fmt.Sprintf("%s:%s", b.clientID, b.clientSecret)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(s))
}

// Exchange swaps an authorization code for tokens. The raw Bling
// response body is returned alongside the decoded results.
func (b *Broker) Exchange(ctx context.Context, code, redirectURI string) ([]byte, *Results, error) {
	form := url.Values{}
	form.Add("grant_type", "authorization_code")
	form.Add("code", code)
	form.Add("redirect_uri", redirectURI)
	headers := http.Header{}
	headers.Set("Authorization", b.encodeIDSecret())
	headers.Set("Accept", "1.0")
	return b.postToken(ctx, "token_exchange", form, headers)
}

// Refresh uses a refresh token to retrieve a new token pair
func (b *Broker) Refresh(ctx context.Context, refreshToken string) ([]byte, *Results, error) {
	if refreshToken == "" {
		return nil, nil, errors.New("refresh token is empty")
	}
	form := url.Values{}
	form.Add("grant_type", "refresh_token")
	form.Add("refresh_token", refreshToken)
	form.Add("client_id", b.clientID)
	form.Add("client_secret", b.clientSecret)
	return b.postToken(ctx, "token_refresh", form, nil)
}

// postToken posts form to the token endpoint with any extra headers.
// Only one client authentication method may be used per request, so
// callers putting credentials in the form pass no Authorization header.
func (b *Broker) postToken(ctx context.Context, operation string, form url.Values, headers http.Header) ([]byte, *Results, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", b.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := http.Client{
		Timeout: b.httpclientTimeout,
	}

	resp, err := client.Do(req)
	if err != nil {
		b.metrics.ObserveUpstream(operation, 0)
		return nil, nil, err
	}
	defer resp.Body.Close()
	b.metrics.ObserveUpstream(operation, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &HTTPClientError{resp.StatusCode, body}
	}

	var results Results
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, nil, fmt.Errorf("json decoding error: %w", err)
	}
	if results.AccessToken == "" || results.ExpiresIn == 0 {
		return nil, nil, errors.New("empty response received from server")
	}
	return body, &results, nil
}
