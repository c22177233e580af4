/**
 * @description
 * HTTP handlers for the billing service.
 * User handlers resolve the Clerk subject to the internal user id before calling the service.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/reportly/billing-service/internal/app"
	"github.com/reportly/billing-service/internal/domain"
)

// BillingService is the subset of the billing service the handlers call.
type BillingService interface {
	ResolveUserID(ctx context.Context, clerkUserID string) (string, error)
	GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error)
	GetEntitlement(ctx context.Context, userID string) (*domain.UserQuota, error)
	ListPayments(ctx context.Context, userID string, limit int) ([]domain.Payment, error)
	CreateSubscription(ctx context.Context, userID string, req app.CreateSubscriptionRequest) (*app.LifecycleResult, error)
	CancelSubscription(ctx context.Context, userID string, req app.CancelSubscriptionRequest) (*app.LifecycleResult, error)
	ReactivateSubscription(ctx context.Context, userID string, req app.ReactivateSubscriptionRequest) (*app.LifecycleResult, error)
	ChangeCard(ctx context.Context, userID string, req app.ChangeCardRequest) (*app.LifecycleResult, error)
	RunBatch(ctx context.Context, today time.Time) (*domain.BatchSummary, error)
	ExpireCancellations(ctx context.Context, today time.Time) (*domain.ExpirySummary, error)
}

// Handler holds the billing service that handlers interact with.
type Handler struct {
	service  BillingService
	location *time.Location
	now      func() time.Time
}

// NewHandler creates a new Handler. The location decides "today" when a job request omits the date.
func NewHandler(service BillingService, location *time.Location) *Handler {
	if location == nil {
		location = time.UTC
	}
	return &Handler{service: service, location: location, now: time.Now}
}

type jobRequest struct {
	Date string `json:"date"`
}

func (h *Handler) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	today, err := h.jobDate(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	summary, err := h.service.RunBatch(r.Context(), today)
	if err != nil {
		log.Printf("Error running billing batch for %s: %v", today.Format(time.DateOnly), err)
		h.writeServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleExpireCancellations(w http.ResponseWriter, r *http.Request) {
	today, err := h.jobDate(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	summary, err := h.service.ExpireCancellations(r.Context(), today)
	if err != nil {
		log.Printf("Error expiring cancellations for %s: %v", today.Format(time.DateOnly), err)
		h.writeServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}

	sub, err := h.service.GetSubscription(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}

	quota, err := h.service.GetEntitlement(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, quota)
}

func (h *Handler) handleListPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondWithError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	payments, err := h.service.ListPayments(r.Context(), userID, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{"payments": payments})
}

func (h *Handler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}

	var req app.CreateSubscriptionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.CreateSubscription(r.Context(), userID, req)
	if err != nil {
		log.Printf("Error creating subscription for user %s: %v", userID, err)
		h.writeServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}

	var req app.CancelSubscriptionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.CancelSubscription(r.Context(), userID, req)
	if err != nil {
		log.Printf("Error cancelling subscription for user %s: %v", userID, err)
		h.writeServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}

	var req app.ReactivateSubscriptionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.ReactivateSubscription(r.Context(), userID, req)
	if err != nil {
		log.Printf("Error reactivating subscription for user %s: %v", userID, err)
		h.writeServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleChangeCard(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}

	var req app.ChangeCardRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.ChangeCard(r.Context(), userID, req)
	if err != nil {
		log.Printf("Error changing card for user %s: %v", userID, err)
		h.writeServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) resolveUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	clerkUserID, ok := ClerkUserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return "", false
	}

	userID, err := h.service.ResolveUserID(r.Context(), clerkUserID)
	if err != nil {
		h.writeServiceError(w, err)
		return "", false
	}
	return userID, true
}

// jobDate reads the optional {"date":"YYYY-MM-DD"} body; an empty body means today in the business timezone.
func (h *Handler) jobDate(r *http.Request) (time.Time, error) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return time.Time{}, fmt.Errorf("invalid request body")
	}
	if req.Date == "" {
		now := h.now().In(h.location)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	date, err := time.Parse(time.DateOnly, req.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be formatted as YYYY-MM-DD")
	}
	return date, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return false
	}
	return true
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeServiceError maps the domain error taxonomy to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var rateLimited *app.RateLimitError
	if errors.As(err, &rateLimited) {
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
		respondWithError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many card registrations, try again later")
		return
	}

	var gwErr *app.GatewayError
	if errors.As(err, &gwErr) {
		status := http.StatusBadGateway
		if gwErr.Err.Status >= 400 && gwErr.Err.Status < 500 {
			status = http.StatusPaymentRequired
		}
		respondWithError(w, status, gwErr.Err.Code, gwErr.Err.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		respondWithError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, domain.ErrUserNotFound):
		respondWithError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		respondWithError(w, http.StatusNotFound, "SUBSCRIPTION_NOT_FOUND", "Subscription not found")
	case errors.Is(err, domain.ErrAlreadySubscribed):
		respondWithError(w, http.StatusConflict, "ALREADY_SUBSCRIBED", "User already has an open subscription")
	case errors.Is(err, domain.ErrCannotReactivate):
		respondWithError(w, http.StatusConflict, "CANNOT_REACTIVATE", "Subscription cannot be reactivated")
	case errors.Is(err, domain.ErrInvalidState):
		respondWithError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, domain.ErrConcurrentModification):
		respondWithError(w, http.StatusConflict, "CONCURRENT_MODIFICATION", "Subscription was modified concurrently, retry the request")
	case errors.Is(err, domain.ErrRateLimited):
		respondWithError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
	case errors.Is(err, domain.ErrGateway):
		respondWithError(w, http.StatusBadGateway, "GATEWAY_ERROR", "Billing gateway unavailable")
	case errors.Is(err, domain.ErrDatabase):
		respondWithError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Internal Server Error")
	default:
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal Server Error")
	}
}

func respondWithError(w http.ResponseWriter, code int, errCode, message string) {
	respondWithJSON(w, code, errorBody{Error: errorDetail{Code: errCode, Message: message}})
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
