package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alovak/khqr-gateway/gateway/models"
	"github.com/alovak/khqr-gateway/internal/expiry"
)

const maxBodyBytes = 64 << 10

// API is a HTTP API for the gateway service
type API struct {
	service *Service
}

func NewAPI(service *Service) *API {
	return &API{
		service: service,
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Post("/issue", a.issue)
	r.Post("/check-status", a.checkStatus)
	r.Get("/health", a.health)

	// paths used by the first browser clients
	r.Route("/api", func(r chi.Router) {
		r.Post("/generate-qr", a.generateQR)
		r.Post("/check-status", a.checkStatus)
	})
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (a *API) issue(w http.ResponseWriter, r *http.Request) {
	pr, ok := a.issuePayment(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, pr)
}

// generateQR returns the issued request with the legacy keys added.
func (a *API) generateQR(w http.ResponseWriter, r *http.Request) {
	pr, ok := a.issuePayment(w, r)
	if !ok {
		return
	}
	// PaymentRequest has its own MarshalJSON, so it cannot be embedded here
	expiresAt := expiry.EpochMillis(pr.ExpiresAt)
	writeJSON(w, http.StatusOK, struct {
		Code          string `json:"code"`
		Fingerprint   string `json:"fingerprint"`
		BillReference string `json:"billReference"`
		ExpiresAt     int64  `json:"expiresAt"`
		QRString      string `json:"qrString"`
		MD5           string `json:"md5"`
		BillNumber    string `json:"billNumber"`
		ExpireTime    int64  `json:"expireTime"`
	}{pr.Code, pr.Fingerprint, pr.BillReference, expiresAt, pr.Code, pr.Fingerprint, pr.BillReference, expiresAt})
}

func (a *API) issuePayment(w http.ResponseWriter, r *http.Request) (*models.PaymentRequest, bool) {
	create := models.CreatePayment{}
	if err := decodeOptional(r, &create); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, models.ErrInvalidRequest))
		return nil, false
	}

	pr, err := a.service.Issue(r.Context(), create)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return pr, true
}

func (a *API) checkStatus(w http.ResponseWriter, r *http.Request) {
	check := models.CheckStatus{}
	if err := decodeOptional(r, &check); err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, models.ErrInvalidRequest))
		return
	}
	fingerprint := check.Fingerprint
	if fingerprint == "" {
		fingerprint = check.MD5
	}

	result, err := a.service.CheckStatus(r.Context(), fingerprint)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"settlementEnabled": a.service.SettlementEnabled(),
	})
}

// decodeOptional decodes a JSON body into v. An empty body leaves v untouched.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal_error"

	switch {
	case errors.Is(err, models.ErrMissingFingerprint):
		status, code = http.StatusBadRequest, "missing_fingerprint"
	case errors.Is(err, models.ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, models.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, models.ErrSettlementUnavailable):
		status, code = http.StatusServiceUnavailable, "settlement_unavailable"
	case errors.Is(err, models.ErrMisconfiguredIdentity):
		code = "misconfigured_identity"
	case errors.Is(err, models.ErrGenerationFailed):
		code = "generation_failed"
	case errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, "conflict"
	}

	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
