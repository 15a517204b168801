package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rorycl/BlingNFeTokenServer/bling"
	"github.com/rorycl/BlingNFeTokenServer/nfe"
	"github.com/rorycl/BlingNFeTokenServer/token"
)

// fakeBling stands in for the Bling API
type fakeBling struct {
	mu        sync.Mutex
	listBody  string
	listCode  int
	created   map[string]interface{}
	meCalls   int
	createErr int
}

func (f *fakeBling) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer tok" {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"invalid_token"}}`))
		return
	}
	switch {
	case r.Method == "GET" && r.URL.Path == "/nfe":
		code := f.listCode
		if code == 0 {
			code = 200
		}
		w.WriteHeader(code)
		w.Write([]byte(f.listBody))
	case r.Method == "POST" && r.URL.Path == "/nfe":
		if f.createErr != 0 {
			w.WriteHeader(f.createErr)
			w.Write([]byte(`{"error":{"type":"VALIDATION_ERROR","fields":[{"msg":"numero"}]}}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &f.created)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":12345}}`))
	case r.URL.Path == "/me":
		f.meCalls++
		w.Write([]byte(`{"data":{"nome":"Loja"}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestServer(t *testing.T, fb *fakeBling, env string) (*Server, http.Handler) {
	t.Helper()
	upstream := httptest.NewServer(fb)
	t.Cleanup(upstream.Close)

	broker, err := token.NewBroker(token.Config{
		ClientID:     "40f4dc7c6b9be201808cb9ab54d7e1894e850d55",
		ClientSecret: "secret",
		BaseURL:      upstream.URL,
		SessionKey:   []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)
	client, err := bling.NewClient(upstream.URL, 0, nil)
	require.NoError(t, err)

	s := New(Config{
		Version:      "1.0.0",
		Env:          env,
		BlingBaseURL: upstream.URL,
		FrontendURL:  "http://localhost:5173",
		ClientID:     "40f4dc7c6b9be201808cb9ab54d7e1894e850d55",
		HasSecret:    true,
	}, broker, client, nil, nil)
	s.now = func() time.Time { return time.UnixMilli(1700000000456) }
	return s, s.Handler(nil)
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestIndexAndHealth(t *testing.T) {
	_, h := newTestServer(t, &fakeBling{}, "development")

	w := do(h, "GET", "/", "")
	require.Equal(t, 200, w.Code)
	m := decode(t, w)
	assert.Equal(t, "running", m["status"])
	assert.Equal(t, "1.0.0", m["version"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(h, "GET", "/health", "")
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestDebug(t *testing.T) {
	_, h := newTestServer(t, &fakeBling{}, "development")
	w := do(h, "GET", "/debug", "")
	require.Equal(t, 200, w.Code)
	m := decode(t, w)
	assert.Equal(t, true, m["clientIdExists"])
	assert.Equal(t, true, m["clientSecretExists"])
	assert.Equal(t, "40f4dc7c6b", m["clientIdFirst10"])
	assert.NotContains(t, w.Body.String(), "secret\"")

	_, h = newTestServer(t, &fakeBling{}, "production")
	assert.Equal(t, 404, do(h, "GET", "/debug", "").Code)
}

func TestCORS(t *testing.T) {
	_, h := newTestServer(t, &fakeBling{}, "development")

	req := httptest.NewRequest("OPTIONS", "/api/bling/token", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCleanOrigins(t *testing.T) {
	assert.Equal(t,
		[]string{"http://a.example", "http://b.example"},
		CleanOrigins([]string{"http://a.example", " http://b.example ", " "}),
	)
	assert.Nil(t, CleanOrigins(nil))
}

func TestCORSSpacedOrigins(t *testing.T) {
	s := New(Config{AllowedOrigins: []string{"http://a.example", " http://b.example"}}, nil, nil, nil, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "http://b.example")
	w := httptest.NewRecorder()
	s.Handler(nil).ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "http://b.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestTestNFe(t *testing.T) {
	fb := &fakeBling{listBody: `{"data":[{"id":1,"numero":"10"}]}`}
	_, h := newTestServer(t, fb, "development")

	w := do(h, "POST", "/api/bling/test-nfe", `{"access_token":"tok"}`)
	require.Equal(t, 200, w.Code)
	assert.JSONEq(t, fb.listBody, w.Body.String())

	w = do(h, "POST", "/api/bling/test-nfe", `{}`)
	assert.Equal(t, 400, w.Code)

	w = do(h, "POST", "/api/bling/test-nfe", `{"access_token":"expired"}`)
	require.Equal(t, 401, w.Code)
	m := decode(t, w)
	assert.Equal(t, float64(401), m["status"])
	assert.Equal(t, "bling api request failed", m["error"])
}

func TestTestNFeBearerHeader(t *testing.T) {
	fb := &fakeBling{listBody: `{"data":[]}`}
	_, h := newTestServer(t, fb, "development")

	req := httptest.NewRequest("POST", "/api/bling/test-nfe", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
}

const createBody = `{
  "access_token": "tok",
  "nfeData": {
    "nome": "ACTUM INDUSTRIA E COMERCIO LTDA",
    "tipoPessoa": "J",
    "numeroDocumento": "07.429.818/0030-08",
    "contribuinte": 1,
    "cep": "20940-010",
    "uf": "RJ",
    "cidade": "Rio de Janeiro",
    "bairro": "Centro",
    "endereco": "Rua Alfa",
    "nomeProduto": "Parafuso",
    "valor": 10.5,
    "produtos": [{"nome": "Parafuso", "valor": 10.5, "quantidade": 2, "unidade": "UN"}]
  }
}`

func TestCreateNFe(t *testing.T) {
	fb := &fakeBling{listBody: `{"data":[{"numero":"120"},{"numero":"98"},{"numero":"x"}]}`}
	_, h := newTestServer(t, fb, "development")

	w := do(h, "POST", "/api/bling/create-nfe", createBody)
	require.Equal(t, 200, w.Code, w.Body.String())

	var resp nfe.CreateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"data":{"id":12345}}`, string(resp.Data))
	assert.Equal(t, int64(121), resp.NFeInfo.Numero)
	assert.Equal(t, "ACTUM INDUSTRIA E COMERCIO LTDA", resp.NFeInfo.Cliente)
	assert.Equal(t, 10.5, resp.NFeInfo.Valor)

	require.NotNil(t, fb.created)
	assert.Equal(t, float64(121), fb.created["numero"])
	assert.Equal(t, "2023-11-14", fb.created["dataOperacao"])
	contato := fb.created["contato"].(map[string]interface{})
	assert.Equal(t, "07429818003008", contato["numeroDocumento"])
	itens := fb.created["itens"].([]interface{})
	require.Len(t, itens, 1)
	assert.Equal(t, "PROD_1700000000456_1", itens[0].(map[string]interface{})["codigo"])
}

func TestCreateNFeListFailureFallback(t *testing.T) {
	fb := &fakeBling{listCode: 500, listBody: `{}`}
	_, h := newTestServer(t, fb, "development")

	w := do(h, "POST", "/api/bling/create-nfe", createBody)
	require.Equal(t, 200, w.Code, w.Body.String())
	var resp nfe.CreateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(200+456), resp.NFeInfo.Numero)
}

func TestCreateNFeEmptyListing(t *testing.T) {
	fb := &fakeBling{listBody: `{"data":[]}`}
	_, h := newTestServer(t, fb, "development")

	w := do(h, "POST", "/api/bling/create-nfe", createBody)
	require.Equal(t, 200, w.Code, w.Body.String())
	var resp nfe.CreateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(500), resp.NFeInfo.Numero)
}

func TestCreateNFeInvalid(t *testing.T) {
	fb := &fakeBling{listBody: `{"data":[]}`}
	_, h := newTestServer(t, fb, "development")

	w := do(h, "POST", "/api/bling/create-nfe", `{"access_token":"tok"}`)
	assert.Equal(t, 400, w.Code)

	w = do(h, "POST", "/api/bling/create-nfe", `{"access_token":"tok","nfeData":{"nome":"x","cep":"1"}}`)
	require.Equal(t, 400, w.Code)
	details := decode(t, w)["details"].(map[string]interface{})
	assert.Equal(t, "required", details["numeroDocumento"])
	assert.Equal(t, "required", details["nomeProduto"])
	assert.Equal(t, "gt", details["valor"])
	assert.Nil(t, fb.created)

	w = do(h, "POST", "/api/bling/create-nfe", `{"nfeData":{}}`)
	assert.Equal(t, 400, w.Code)
}

func TestCreateNFeUpstreamError(t *testing.T) {
	fb := &fakeBling{listBody: `{"data":[]}`, createErr: 400}
	_, h := newTestServer(t, fb, "development")

	w := do(h, "POST", "/api/bling/create-nfe", createBody)
	require.Equal(t, 400, w.Code)
	m := decode(t, w)
	assert.Equal(t, "nfe creation failed", m["error"])
	details := m["details"].(map[string]interface{})
	assert.Contains(t, details, "error")
}

func TestProxy(t *testing.T) {
	fb := &fakeBling{}
	_, h := newTestServer(t, fb, "development")

	w := do(h, "POST", "/api/bling/proxy", `{"access_token":"tok","endpoint":"/me","method":"GET"}`)
	require.Equal(t, 200, w.Code)
	assert.JSONEq(t, `{"data":{"nome":"Loja"}}`, w.Body.String())
	assert.Equal(t, 1, fb.meCalls)

	w = do(h, "POST", "/api/bling/proxy", `{"access_token":"tok","endpoint":"https://evil.example/","method":"GET"}`)
	assert.Equal(t, 400, w.Code)

	w = do(h, "POST", "/api/bling/proxy", `{"access_token":"tok","endpoint":"/me","method":"CONNECT"}`)
	assert.Equal(t, 400, w.Code)
}

func TestWrongMethod(t *testing.T) {
	_, h := newTestServer(t, &fakeBling{}, "development")
	// api routes are registered by method on a subrouter, so a wrong
	// method falls through to not found
	assert.Equal(t, 404, do(h, "GET", "/api/bling/create-nfe", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	fb := &fakeBling{listBody: `{"data":[]}`}
	_, h := newTestServer(t, fb, "development")
	do(h, "POST", "/api/bling/test-nfe", `{"access_token":"tok"}`)

	w := do(h, "GET", "/metrics", "")
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), `http_requests_total{method="POST",path="/api/bling/test-nfe",status="200"} 1`)
}
