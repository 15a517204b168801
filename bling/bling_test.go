package bling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	c, err := NewClient(server.URL+"/Api/v3", 0, nil)
	require.NoError(t, err)
	return c
}

func TestListNFe(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Api/v3/nfe", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("limite"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":[{"id":1,"numero":"000123"},{"id":2,"numero":77},{"id":3,"numero":"abc"},{"id":4}]}`))
	})

	raw, list, err := c.ListNFe(context.Background(), "tok", 100)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"numero":"000123"`)
	require.Len(t, list.Data, 4)

	assert.Equal(t, Numero{Value: 123}, list.Data[0].Numero)
	assert.Equal(t, Numero{Value: 77}, list.Data[1].Numero)
	assert.True(t, list.Data[2].Numero.Invalid)
	// absent numbers count as zero
	assert.Equal(t, Numero{}, list.Data[3].Numero)
}

func TestListNFeNoLimit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		w.Write([]byte(`{"data":[]}`))
	})
	_, list, err := c.ListNFe(context.Background(), "tok", 0)
	require.NoError(t, err)
	assert.Empty(t, list.Data)
}

func TestListNFeUnauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"invalid_token","message":"invalid_token"}}`))
	})

	_, _, err := c.ListNFe(context.Background(), "tok", 0)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.Status)
	details, ok := apiErr.Details("error").(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "invalid_token", details["type"])
}

func TestCreateNFe(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, float64(501), payload["numero"])
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":9}}`))
	})

	raw, err := c.CreateNFe(context.Background(), "tok", map[string]int{"numero": 501})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"id":9}}`, string(raw))
}

func TestEmptyToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made")
	})
	_, _, err := c.ListNFe(context.Background(), "", 0)
	assert.EqualError(t, err, "access token is empty")
}

func TestForward(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/Api/v3/contatos/5", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	raw, err := c.Forward(context.Background(), "tok", "put", "/contatos/5", map[string]string{"nome": "x"})
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))
}

func TestForwardRejects(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made")
	})
	tests := []struct {
		name     string
		method   string
		endpoint string
		err      error
	}{
		{"no_slash", "GET", "me", ErrInvalidEndpoint},
		{"absolute", "GET", "https://evil.example/me", ErrInvalidEndpoint},
		{"protocol_relative", "GET", "//evil.example/me", ErrInvalidEndpoint},
		{"traversal", "GET", "/nfe/../../oauth/token", ErrInvalidEndpoint},
		{"method", "TRACE", "/me", ErrInvalidMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Forward(context.Background(), "tok", tt.method, tt.endpoint, nil)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestNumeroUnmarshal(t *testing.T) {
	var n Numero
	require.NoError(t, json.Unmarshal([]byte(`""`), &n))
	assert.Equal(t, Numero{}, n)
	require.NoError(t, json.Unmarshal([]byte(`null`), &n))
	assert.Equal(t, Numero{}, n)
	require.NoError(t, json.Unmarshal([]byte(`"12"`), &n))
	assert.Equal(t, Numero{Value: 12}, n)
	require.NoError(t, json.Unmarshal([]byte(`"1.5"`), &n))
	assert.True(t, n.Invalid)

	// no prefix parsing: trailing characters invalidate the number
	for _, v := range []string{`"12a"`, `"1.0"`, `1.0`} {
		require.NoError(t, json.Unmarshal([]byte(v), &n))
		assert.Equal(t, Numero{Invalid: true}, n, v)
	}
}
