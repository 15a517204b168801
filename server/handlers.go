package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rorycl/BlingNFeTokenServer/bling"
	"github.com/rorycl/BlingNFeTokenServer/logging"
	"github.com/rorycl/BlingNFeTokenServer/nfe"
	"github.com/rorycl/BlingNFeTokenServer/response"
)

// nfeListLimit is the page size used to find the highest invoice number
const nfeListLimit = 100

// HandleIndex reports that the service is up
func (s *Server) HandleIndex(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"message":   "Bling NFe token broker",
		"status":    "running",
		"version":   s.cfg.Version,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// HandleHealth is the liveness endpoint
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// HandleDebug shows which settings are present. Secrets are reported
// only as present or absent.
func (s *Server) HandleDebug(w http.ResponseWriter, r *http.Request) {
	idPrefix := s.cfg.ClientID
	if len(idPrefix) > 10 {
		idPrefix = idPrefix[:10]
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"env":                s.cfg.Env,
		"clientIdExists":     s.cfg.ClientID != "",
		"clientSecretExists": s.cfg.HasSecret,
		"blingBaseUrl":       s.cfg.BlingBaseURL,
		"allowedOrigins":     s.cfg.AllowedOrigins,
		"frontendUrl":        s.cfg.FrontendURL,
		"clientIdFirst10":    idPrefix,
	})
}

// accessToken returns the token from the body, falling back to a
// bearer Authorization header
func accessToken(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// writeBlingError relays Bling failures with their status code and
// turns everything else into a 500
func (s *Server) writeBlingError(w http.ResponseWriter, log *zap.Logger, message string, err error, fields ...string) {
	var apiErr *bling.APIError
	if errors.As(err, &apiErr) {
		log.Error(message, zap.Int("status", apiErr.Status), zap.ByteString("body", apiErr.Body))
		response.Upstream(w, apiErr.Status, message, apiErr.Details(fields...))
		return
	}
	log.Error(message, zap.Error(err))
	response.Internal(w, err)
}

type testNFeRequest struct {
	AccessToken string `json:"access_token"`
}

// HandleTestNFe checks the connection by listing invoices, returning
// the Bling response unchanged
func (s *Server) HandleTestNFe(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), s.logger)

	var req testNFeRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.BadRequest(w, "invalid json body", err.Error())
		return
	}
	tok := accessToken(r, req.AccessToken)
	if tok == "" {
		response.BadRequest(w, "access token is required", nil)
		return
	}

	body, _, err := s.bling.ListNFe(r.Context(), tok, 0)
	if err != nil {
		s.writeBlingError(w, log, "bling api request failed", err, "error")
		return
	}
	log.Info("connection test succeeded")
	response.Raw(w, http.StatusOK, body)
}

type createNFeRequest struct {
	AccessToken string       `json:"access_token"`
	NFeData     *nfe.Request `json:"nfeData"`
}

// HandleCreateNFe validates the form data, numbers the invoice after
// the highest existing one and creates it in Bling
func (s *Server) HandleCreateNFe(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), s.logger)

	var req createNFeRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.BadRequest(w, "invalid json body", err.Error())
		return
	}
	tok := accessToken(r, req.AccessToken)
	if tok == "" {
		response.BadRequest(w, "access token is required", nil)
		return
	}
	if req.NFeData == nil {
		response.BadRequest(w, "required data: nome, numeroDocumento, nomeProduto and valor", nil)
		return
	}

	data := req.NFeData
	data.Sanitize()
	if err := data.Validate(); err != nil {
		var ve *nfe.ValidationError
		if errors.As(err, &ve) {
			response.BadRequest(w, "required data: nome, numeroDocumento, nomeProduto and valor", ve.Fields)
			return
		}
		response.Internal(w, err)
		return
	}

	now := s.now()
	_, list, err := s.bling.ListNFe(r.Context(), tok, nfeListLimit)
	if err != nil {
		log.Warn("nfe listing failed, using timestamp number", zap.Error(err))
	}
	numero := nfe.NextNumber(list, err, now)
	log.Info("nfe number chosen", zap.Int64("numero", numero))

	payload := nfe.BuildPayload(data, numero, now)
	body, err := s.bling.CreateNFe(r.Context(), tok, payload)
	if err != nil {
		s.writeBlingError(w, log, "nfe creation failed", err)
		return
	}
	log.Info("nfe created", zap.Int64("numero", numero), zap.Int("itens", len(payload.Itens)))

	response.JSON(w, http.StatusOK, nfe.CreateResponse{
		Success: true,
		Message: "NFe created",
		Data:    json.RawMessage(body),
		NFeInfo: nfe.Info{
			Cliente:   data.Nome,
			Documento: data.NumeroDocumento,
			Produto:   data.NomeProduto,
			Valor:     data.Valor,
			Numero:    numero,
		},
	})
}

type proxyRequest struct {
	AccessToken string          `json:"access_token"`
	Endpoint    string          `json:"endpoint"`
	Method      string          `json:"method"`
	RequestData json.RawMessage `json:"requestData"`
}

// HandleProxy forwards a call to any Bling endpoint
func (s *Server) HandleProxy(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), s.logger)

	var req proxyRequest
	if err := response.DecodeBody(r, &req); err != nil {
		response.BadRequest(w, "invalid json body", err.Error())
		return
	}
	tok := accessToken(r, req.AccessToken)
	if tok == "" {
		response.BadRequest(w, "access token is required", nil)
		return
	}

	var data interface{}
	if len(req.RequestData) > 0 && string(req.RequestData) != "null" {
		data = req.RequestData
	}
	body, err := s.bling.Forward(r.Context(), tok, req.Method, req.Endpoint, data)
	switch {
	case errors.Is(err, bling.ErrInvalidEndpoint), errors.Is(err, bling.ErrInvalidMethod):
		response.BadRequest(w, err.Error(), nil)
		return
	case err != nil:
		s.writeBlingError(w, log, "bling api request failed", err, "error")
		return
	}
	response.Raw(w, http.StatusOK, body)
}
