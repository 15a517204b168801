// Package client is the consumer side of the broker: it drives the
// authorization flow, caches tokens in a Store, refreshes them when
// they near expiry and retries a rejected call once after a refresh.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rorycl/BlingNFeTokenServer/nfe"
)

// DefaultState is the oauth state used when the caller supplies none
const DefaultState = "default_state"

// DefaultBlingBaseURL is the Bling API root used for authorization
const DefaultBlingBaseURL = "https://www.bling.com.br/Api/v3"

const (
	// a token this close to expiry no longer counts as authenticated
	expiryMargin = 5 * time.Minute
	// a token this close to expiry is refreshed before use
	refreshMargin = 10 * time.Minute
)

var (
	// ErrNotAuthenticated is returned when no usable token is stored
	ErrNotAuthenticated = errors.New("not authenticated, log in first")
	// ErrRefreshFailed is returned when a pre-emptive refresh fails
	ErrRefreshFailed = errors.New("token refresh failed, log in again")
	// ErrSessionExpired is returned when a rejected call could not be
	// retried with a fresh token
	ErrSessionExpired = errors.New("token expired, log in again")
	// ErrNoAccessToken is returned when the stored state has no token
	ErrNoAccessToken = errors.New("access token not available")
)

// Tokens is the token json passed through by the broker
type Tokens struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token"`
}

// AuthState is the persisted login. TokenExpiry is in unix
// milliseconds.
type AuthState struct {
	IsAuthenticated bool    `json:"isAuthenticated"`
	Tokens          *Tokens `json:"tokens"`
	TokenExpiry     int64   `json:"tokenExpiry"`
}

func (a *AuthState) clone() *AuthState {
	if a == nil {
		return nil
	}
	c := *a
	if a.Tokens != nil {
		t := *a.Tokens
		c.Tokens = &t
	}
	return &c
}

// BrokerError is a non-2xx answer from the broker
type BrokerError struct {
	Status  int
	Message string
	Details json.RawMessage
}

func (e *BrokerError) Error() string {
	if len(e.Details) > 0 && string(e.Details) != "null" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// Config configures a Client
type Config struct {
	// BrokerURL is the root of the broker server
	BrokerURL string
	// ClientID is the Bling app client id, used to build the
	// authorization url
	ClientID     string
	BlingBaseURL string
	Store        Store
	Timeout      time.Duration
}

// Client talks to the broker on behalf of a single user
type Client struct {
	brokerURL    string
	clientID     string
	blingBaseURL string
	store        Store
	httpClient   *http.Client
	now          func() time.Time
}

// New returns a Client
func New(cfg Config) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.BrokerURL); err != nil {
		return nil, errors.New("broker url invalid")
	}
	if cfg.BlingBaseURL == "" {
		cfg.BlingBaseURL = DefaultBlingBaseURL
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		brokerURL:    strings.TrimRight(cfg.BrokerURL, "/"),
		clientID:     cfg.ClientID,
		blingBaseURL: strings.TrimRight(cfg.BlingBaseURL, "/"),
		store:        cfg.Store,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		now:          time.Now,
	}, nil
}

// AuthorizationURL returns the Bling url the user visits to grant
// access; Bling then redirects to the broker callback
func (c *Client) AuthorizationURL(state string) string {
	if state == "" {
		state = DefaultState
	}
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", c.clientID)
	v.Set("state", state)
	v.Set("redirect_uri", c.brokerURL+"/api/bling/callback")
	return c.blingBaseURL + "/oauth/authorize?" + v.Encode()
}

func (c *Client) nowMillis() int64 {
	return c.now().UnixMilli()
}

// IsAuthenticated reports whether a token is stored that is not within
// five minutes of expiry
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	state, err := c.store.Load(ctx)
	if err != nil || state == nil || !state.IsAuthenticated || state.Tokens == nil {
		return false
	}
	if state.TokenExpiry != 0 && state.TokenExpiry < c.nowMillis()+expiryMargin.Milliseconds() {
		return false
	}
	return true
}

// TokenInfo returns the stored tokens, or nil
func (c *Client) TokenInfo(ctx context.Context) *Tokens {
	state, err := c.store.Load(ctx)
	if err != nil || state == nil {
		return nil
	}
	return state.Tokens
}

// Logout forgets the stored tokens
func (c *Client) Logout(ctx context.Context) error {
	return c.store.Clear(ctx)
}

func (c *Client) storeTokens(ctx context.Context, tokens *Tokens) error {
	return c.store.Save(ctx, &AuthState{
		IsAuthenticated: true,
		Tokens:          tokens,
		TokenExpiry:     c.nowMillis() + int64(tokens.ExpiresIn)*1000,
	})
}

// ExchangeCode swaps the code from the callback redirect for tokens
// and stores them
func (c *Client) ExchangeCode(ctx context.Context, code, state string) error {
	if code == "" {
		return errors.New("authorization code is empty")
	}
	raw, err := c.post(ctx, "/api/bling/token", map[string]string{"code": code, "state": state})
	if err != nil {
		return err
	}
	var tokens Tokens
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return fmt.Errorf("json decoding error: %w", err)
	}
	return c.storeTokens(ctx, &tokens)
}

// RefreshAccessToken renews the stored tokens. On failure the stored
// state is cleared, so the user has to log in again.
func (c *Client) RefreshAccessToken(ctx context.Context) error {
	state, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	if state == nil || state.Tokens == nil || state.Tokens.RefreshToken == "" {
		return errors.New("no refresh token stored")
	}
	raw, err := c.post(ctx, "/api/bling/refresh", map[string]string{"refresh_token": state.Tokens.RefreshToken})
	if err == nil {
		var tokens Tokens
		if err = json.Unmarshal(raw, &tokens); err == nil {
			return c.storeTokens(ctx, &tokens)
		}
	}
	_ = c.store.Clear(ctx)
	return err
}

// accessToken returns the stored access token
func (c *Client) accessToken(ctx context.Context) (string, error) {
	state, err := c.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if state == nil || state.Tokens == nil || state.Tokens.AccessToken == "" {
		return "", ErrNoAccessToken
	}
	return state.Tokens.AccessToken, nil
}

// withRetry runs call with the stored token. A 401 triggers a single
// refresh and retry; if the refresh fails the state is cleared.
func (c *Client) withRetry(ctx context.Context, call func(token string) ([]byte, error)) ([]byte, error) {
	tok, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := call(tok)
	var be *BrokerError
	if !errors.As(err, &be) || be.Status != http.StatusUnauthorized {
		return raw, err
	}

	if err := c.RefreshAccessToken(ctx); err == nil {
		if tok, err := c.accessToken(ctx); err == nil {
			return call(tok)
		}
	}
	_ = c.store.Clear(ctx)
	return nil, ErrSessionExpired
}

// proxyRequest is the body of the broker's generic routes
type proxyRequest struct {
	AccessToken string      `json:"access_token"`
	Endpoint    string      `json:"endpoint"`
	Method      string      `json:"method"`
	RequestData interface{} `json:"requestData,omitempty"`
}

// Request calls a Bling endpoint through the broker. Tokens within ten
// minutes of expiry are refreshed first.
func (c *Client) Request(ctx context.Context, endpoint, method string, data interface{}) (json.RawMessage, error) {
	if !c.IsAuthenticated(ctx) {
		return nil, ErrNotAuthenticated
	}
	state, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if state != nil && state.TokenExpiry != 0 && state.TokenExpiry < c.nowMillis()+refreshMargin.Milliseconds() {
		if err := c.RefreshAccessToken(ctx); err != nil {
			return nil, ErrRefreshFailed
		}
	}
	if method == "" {
		method = http.MethodGet
	}

	path := "/api/bling/proxy"
	if endpoint == "/nfe" || endpoint == "nfe" {
		path = "/api/bling/test-nfe"
	}
	return c.withRetry(ctx, func(tok string) ([]byte, error) {
		return c.post(ctx, path, proxyRequest{
			AccessToken: tok,
			Endpoint:    endpoint,
			Method:      method,
			RequestData: data,
		})
	})
}

// TestConnection lists invoices to check the stored token works
func (c *Client) TestConnection(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, "/nfe", http.MethodGet, nil)
}

// UserInfo returns the authenticated Bling user
func (c *Client) UserInfo(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, "/me", http.MethodGet, nil)
}

// CreateNFe creates an invoice from req
func (c *Client) CreateNFe(ctx context.Context, req *nfe.Request) (*nfe.CreateResponse, error) {
	if !c.IsAuthenticated(ctx) {
		return nil, ErrNotAuthenticated
	}
	raw, err := c.withRetry(ctx, func(tok string) ([]byte, error) {
		return c.post(ctx, "/api/bling/create-nfe", map[string]interface{}{
			"access_token": tok,
			"nfeData":      req,
		})
	})
	if err != nil {
		return nil, err
	}
	var resp nfe.CreateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("json decoding error: %w", err)
	}
	return &resp, nil
}

// post sends a json body to the broker
func (c *Client) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.brokerURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		be := &BrokerError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var envelope struct {
			Error   string          `json:"error"`
			Details json.RawMessage `json:"details"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
			be.Message = envelope.Error
			be.Details = envelope.Details
		}
		return nil, be
	}
	return raw, nil
}
