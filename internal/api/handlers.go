/**
 * @description
 * HTTP handlers for the link service. Handlers decode requests, call the application
 * service and map its errors to status codes. This is the only layer that knows
 * about HTTP status codes.
 *
 * @dependencies
 * - internal/app: business logic.
 * - github.com/shopspring/decimal: amounts in request bodies.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kessai/link-service/internal/app"
	"github.com/kessai/link-service/internal/domain"
	"github.com/kessai/link-service/internal/provider"
)

const (
	maxRequestBodyBytes = 64 << 10
	maxWebhookBodyBytes = 1 << 20
)

// Handler holds the application service used by the handlers.
type Handler struct {
	service *app.Service
	logger  *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(service *app.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// ---- configs ----

type createConfigRequest struct {
	Provider    string            `json:"provider"`
	DisplayName string            `json:"display_name"`
	Credentials map[string]string `json:"credentials"`
	IsTestMode  bool              `json:"is_test_mode"`
	IsActive    *bool             `json:"is_active"`
}

type updateConfigRequest struct {
	DisplayName *string           `json:"display_name"`
	Credentials map[string]string `json:"credentials"`
	IsTestMode  *bool             `json:"is_test_mode"`
	IsActive    *bool             `json:"is_active"`
}

type configResponse struct {
	domain.PaymentLinkConfig
	WebhookURL string `json:"webhook_url"`
}

func (h *Handler) configResponse(cfg domain.PaymentLinkConfig) configResponse {
	return configResponse{PaymentLinkConfig: cfg, WebhookURL: h.service.WebhookURL(cfg)}
}

func (h *Handler) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var req createConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg, err := h.service.CreateConfig(r.Context(), app.CreateConfigInput{
		Provider:    req.Provider,
		DisplayName: req.DisplayName,
		Credentials: req.Credentials,
		IsTestMode:  req.IsTestMode,
		IsActive:    req.IsActive,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.configResponse(*cfg))
}

func (h *Handler) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.service.ListConfigs(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]configResponse, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, h.configResponse(cfg))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"configs": out})
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	cfg, err := h.service.GetConfig(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.configResponse(*cfg))
}

func (h *Handler) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg, err := h.service.UpdateConfig(r.Context(), id, app.UpdateConfigInput{
		DisplayName: req.DisplayName,
		Credentials: req.Credentials,
		IsTestMode:  req.IsTestMode,
		IsActive:    req.IsActive,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.configResponse(*cfg))
}

func (h *Handler) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteConfig(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTestConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	result, err := h.service.TestConfig(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":     result.Valid,
		"tested_at": result.TestedAt,
		"config":    h.configResponse(*result.Config),
	})
}

// ---- links ----

type createLinkRequest struct {
	ConfigID      string          `json:"config_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	ProductName   string          `json:"product_name"`
	Description   string          `json:"description"`
	CustomerEmail string          `json:"customer_email"`
	SuccessURL    string          `json:"success_url"`
	CancelURL     string          `json:"cancel_url"`
	ExpiresAt     *time.Time      `json:"expires_at"`
}

type createLinkResponse struct {
	Success bool                `json:"success"`
	URL     string              `json:"url,omitempty"`
	LinkID  string              `json:"link_id,omitempty"`
	Error   string              `json:"error,omitempty"`
	Link    *domain.PaymentLink `json:"link,omitempty"`
}

func (h *Handler) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var req createLinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	configID, err := uuid.Parse(strings.TrimSpace(req.ConfigID))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, createLinkResponse{Error: "config_id must be a uuid"})
		return
	}

	link, err := h.service.CreatePaymentLink(r.Context(), app.CreateLinkInput{
		ConfigID:      configID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		ProductName:   req.ProductName,
		Description:   req.Description,
		CustomerEmail: req.CustomerEmail,
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		status, message := h.classify(r, err)
		setRetryAfter(w, err)
		writeJSON(w, status, createLinkResponse{Error: message})
		return
	}
	writeJSON(w, http.StatusCreated, createLinkResponse{Success: true, URL: link.URL, LinkID: link.ID.String(), Link: link})
}

func (h *Handler) handleListLinks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := app.ListLinksInput{Status: q.Get("status")}
	if raw := q.Get("config_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "config_id must be a uuid")
			return
		}
		in.ConfigID = &id
	}
	var ok bool
	if in.Limit, ok = queryInt(w, q.Get("limit"), "limit"); !ok {
		return
	}
	if in.Offset, ok = queryInt(w, q.Get("offset"), "offset"); !ok {
		return
	}

	links, err := h.service.ListPaymentLinks(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"links": links})
}

func (h *Handler) handleGetLink(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	link, err := h.service.GetPaymentLink(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (h *Handler) handleCancelLink(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	link, err := h.service.CancelPaymentLink(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	txns, err := h.service.ListTransactions(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns})
}

// ---- webhooks ----

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}

	result, err := h.service.IngestWebhook(r.Context(), app.WebhookInput{
		Provider: chi.URLParam(r, "provider"),
		ConfigID: chi.URLParam(r, "configID"),
		Request: provider.WebhookRequest{
			Body:   body,
			Header: r.Header.Clone(),
			URL:    requestURL(r),
		},
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if len(result.AckBody) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(result.AckBody)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "events": len(result.Outcomes)})
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
}

// ---- helpers ----

// classify maps a service error to a status code and a client-safe message.
func (h *Handler) classify(r *http.Request, err error) (int, string) {
	var (
		validationErr *domain.ValidationError
		credentialErr *domain.CredentialError
		signatureErr  *domain.SignatureVerificationError
		providerErr   *domain.ProviderError
		rateErr       *app.RateLimitError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, validationErr.Error()
	case errors.As(err, &credentialErr):
		return http.StatusUnprocessableEntity, credentialErr.Error()
	case errors.As(err, &signatureErr):
		return http.StatusUnauthorized, "invalid webhook signature"
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, rateErr.Error()
	case errors.As(err, &providerErr):
		return http.StatusBadGateway, providerErr.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrOriginalNotFound):
		return http.StatusConflict, err.Error()
	}
	h.logger.Error("request failed", "component", "api", "method", r.Method, "path", r.URL.Path, "error", err)
	return http.StatusInternalServerError, "internal server error"
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := h.classify(r, err)
	setRetryAfter(w, err)
	writeError(w, status, message)
}

func setRetryAfter(w http.ResponseWriter, err error) {
	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
