// Package bling is a small client for the Bling v3 REST API. Every call
// is authorised by a bearer token supplied by the caller; the client
// itself holds no credentials.
package bling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rorycl/BlingNFeTokenServer/metrics"
	"github.com/rorycl/BlingNFeTokenServer/response"
)

// DefaultTimeout is the http client timeout for Bling calls
const DefaultTimeout = 15 * time.Second

// ErrInvalidEndpoint is returned for endpoints that are not relative
// paths under the API root
var ErrInvalidEndpoint = errors.New("endpoint must be a relative path starting with /")

// ErrInvalidMethod is returned for unsupported forwarding methods
var ErrInvalidMethod = errors.New("method not allowed")

// APIError reports a non-2xx answer from Bling
type APIError struct {
	Status int
	Body   []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bling returned %d: %s", e.Status, e.Body)
}

// Details returns the most useful part of the error body for relaying
// to callers
func (e *APIError) Details(fields ...string) interface{} {
	return response.DetailsFromBody(e.Body, fields...)
}

// Client calls the Bling API
type Client struct {
	baseURL    string
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// NewClient returns a Client for the API rooted at baseURL
func NewClient(baseURL string, timeout time.Duration, m *metrics.Metrics) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, errors.New("base url invalid")
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		metrics:    m,
	}, nil
}

// NFe is a single invoice summary from the nfe listing; only the fields
// used by the broker are decoded
type NFe struct {
	ID     int64  `json:"id"`
	Numero Numero `json:"numero"`
	Serie  Numero `json:"serie"`
}

// NFeList is the nfe listing envelope
type NFeList struct {
	Data []NFe `json:"data"`
}

// Numero decodes invoice numbers which Bling sends either as a string
// or as a number. A missing, empty or null number is zero; Invalid is
// set when the value is present but not an integer.
type Numero struct {
	Value   int64
	Invalid bool
}

// UnmarshalJSON accepts "123", 123, "" and null. Parsing is strict:
// values such as "12a" or "1.0" are marked Invalid, not read as 12 or 1.
func (n *Numero) UnmarshalJSON(buf []byte) error {
	s := strings.TrimSpace(strings.Trim(strings.TrimSpace(string(buf)), `"`))
	if s == "" || s == "null" {
		*n = Numero{}
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*n = Numero{Invalid: true}
		return nil
	}
	*n = Numero{Value: v}
	return nil
}

// MarshalJSON writes the number as a json number
func (n Numero) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(n.Value, 10)), nil
}

// ListNFe lists invoices. A limit of 0 leaves the page size to Bling.
// The raw body is returned for passthrough with the decoded list.
func (c *Client) ListNFe(ctx context.Context, accessToken string, limit int) ([]byte, *NFeList, error) {
	endpoint := "/nfe"
	if limit > 0 {
		endpoint += "?limite=" + strconv.Itoa(limit)
	}
	body, err := c.do(ctx, "list_nfe", accessToken, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, err
	}
	var list NFeList
	if err := json.Unmarshal(body, &list); err != nil {
		return body, nil, fmt.Errorf("json decoding error: %w", err)
	}
	return body, &list, nil
}

// CreateNFe posts an invoice payload and returns the raw response body
func (c *Client) CreateNFe(ctx context.Context, accessToken string, payload interface{}) ([]byte, error) {
	return c.do(ctx, "create_nfe", accessToken, http.MethodPost, "/nfe", payload)
}

var forwardMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Forward makes an arbitrary call to the API, for endpoints with no
// dedicated route
func (c *Client) Forward(ctx context.Context, accessToken, method, endpoint string, data interface{}) ([]byte, error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	if !forwardMethods[method] {
		return nil, ErrInvalidMethod
	}
	if err := validEndpoint(endpoint); err != nil {
		return nil, err
	}
	if method == http.MethodGet || method == http.MethodDelete {
		data = nil
	}
	return c.do(ctx, "forward", accessToken, method, endpoint, data)
}

// validEndpoint rejects anything that could move the request off the
// API root
func validEndpoint(endpoint string) error {
	if !strings.HasPrefix(endpoint, "/") || strings.HasPrefix(endpoint, "//") {
		return ErrInvalidEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ErrInvalidEndpoint
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == ".." {
			return ErrInvalidEndpoint
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, operation, accessToken, method, endpoint string, data interface{}) ([]byte, error) {
	if accessToken == "" {
		return nil, errors.New("access token is empty")
	}
	var reader io.Reader
	if data != nil {
		buf, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("json encoding error: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Authorization", "Bearer "+accessToken)
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream(operation, 0)
		return nil, err
	}
	defer resp.Body.Close()
	c.metrics.ObserveUpstream(operation, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Body: body}
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	return body, nil
}
