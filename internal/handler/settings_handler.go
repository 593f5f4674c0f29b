package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"settings-service/internal/auth"
	"settings-service/internal/model"
	"settings-service/internal/service"
	"settings-service/internal/util"
)

// SettingsHandler handles HTTP requests for account settings operations
type SettingsHandler struct {
	settingsService *service.SettingsService
	logger          *zap.Logger
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(settingsService *service.SettingsService, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		settingsService: settingsService,
		logger:          logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all account-settings routes
func (h *SettingsHandler) RegisterRoutes(router chi.Router) {
	router.Route("/account-settings/{userID}", func(r chi.Router) {
		r.Get("/", h.GetSettings)
		r.Put("/", h.ReplaceSettings)

		r.Patch("/communication", h.PatchCommunication)
		r.Patch("/shipping-payment", h.PatchShippingPayment)
		r.Patch("/security", h.PatchSecurity)

		r.Post("/delivery-addresses", h.AddAddress)
		r.Delete("/delivery-addresses/{addressID}", h.RemoveAddress)

		r.Post("/deactivate", h.Deactivate)
		r.Post("/reactivate", h.Reactivate)
		r.Post("/delete-request", h.RequestDeletion)
		r.Post("/data-export", h.RequestDataExport)
		r.Get("/data-export", h.ListExportRequests)

		r.Post("/sync", h.Sync)

		r.Get("/history", h.ChangeHistory)
	})
}

// GetSettings returns the caller's settings document, creating it with
// defaults on first access.
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	callerID, userID := h.identities(r)

	settings, err := h.settingsService.GetSettings(ctx, callerID, userID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get settings")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(settings, "Settings retrieved successfully"))
	h.logger.Debug("Settings retrieved via HTTP",
		util.String("user_id", userID),
		util.Int64("version", settings.Version),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "GetSettings"),
	)
}

// ReplaceSettings replaces the full settings document.
func (h *SettingsHandler) ReplaceSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	callerID, userID := h.identities(r)

	var doc model.AccountSettings
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	settings, err := h.settingsService.ReplaceSettings(ctx, callerID, userID, &doc)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to replace settings")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(settings, "Settings updated successfully"))
	h.logger.Info("Settings replaced via HTTP",
		util.String("user_id", userID),
		util.Int64("version", settings.Version),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "ReplaceSettings"),
	)
}

// PatchCommunication replaces the communication section.
func (h *SettingsHandler) PatchCommunication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	callerID, userID := h.identities(r)

	var section model.CommunicationSettings
	if err := json.NewDecoder(r.Body).Decode(&section); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.settingsService.UpdateCommunication(ctx, callerID, userID, section); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to update communication settings")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Communication settings updated successfully"))
	h.logger.Info("Communication settings updated via HTTP",
		util.String("user_id", userID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "PatchCommunication"),
	)
}

// PatchShippingPayment replaces the shipping and payment section.
func (h *SettingsHandler) PatchShippingPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	callerID, userID := h.identities(r)

	var section model.ShippingPaymentSettings
	if err := json.NewDecoder(r.Body).Decode(&section); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.settingsService.UpdateShippingPayment(ctx, callerID, userID, section); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to update shipping/payment settings")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Shipping/payment settings updated successfully"))
	h.logger.Info("Shipping/payment settings updated via HTTP",
		util.String("user_id", userID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "PatchShippingPayment"),
	)
}

// PatchSecurity replaces the security section.
func (h *SettingsHandler) PatchSecurity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	callerID, userID := h.identities(r)

	var section model.SecuritySettings
	if err := json.NewDecoder(r.Body).Decode(&section); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.settingsService.UpdateSecurity(ctx, callerID, userID, section); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to update security settings")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Security settings updated successfully"))
	h.logger.Info("Security settings updated via HTTP",
		util.String("user_id", userID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "PatchSecurity"),
	)
}

// AddAddress appends a delivery address and returns it with its generated id.
func (h *SettingsHandler) AddAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	callerID, userID := h.identities(r)

	var addr model.Address
	if err := json.NewDecoder(r.Body).Decode(&addr); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	stored, err := h.settingsService.AddAddress(ctx, callerID, userID, addr)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to add delivery address")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(stored, "Delivery address added successfully"))
	h.logger.Info("Delivery address added via HTTP",
		util.String("user_id", userID),
		util.String("address_id", stored.ID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "AddAddress"),
	)
}

// RemoveAddress removes a delivery address; unknown ids succeed as a no-op.
func (h *SettingsHandler) RemoveAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	callerID, userID := h.identities(r)
	addressID := chi.URLParam(r, "addressID")

	if err := h.settingsService.RemoveAddress(ctx, callerID, userID, addressID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to remove delivery address")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Delivery address removed successfully"))
	h.logger.Info("Delivery address removed via HTTP",
		util.String("user_id", userID),
		util.String("address_id", addressID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "RemoveAddress"),
	)
}

// Deactivate marks the account deactivated and revokes active sessions.
func (h *SettingsHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	callerID, userID := h.identities(r)

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.settingsService.Deactivate(ctx, callerID, userID, req.Reason); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to deactivate account")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Account deactivated successfully"))
	h.logger.Warn("Account deactivated via HTTP",
		util.String("user_id", userID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Deactivate"),
	)
}

// Reactivate flips a deactivated account back to active.
func (h *SettingsHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	callerID, userID := h.identities(r)

	if err := h.settingsService.Reactivate(ctx, callerID, userID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to reactivate account")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Account reactivated successfully"))
	h.logger.Info("Account reactivated via HTTP",
		util.String("user_id", userID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Reactivate"),
	)
}

// RequestDeletion records a deletion request without erasing anything.
func (h *SettingsHandler) RequestDeletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	callerID, userID := h.identities(r)

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.settingsService.RequestDeletion(ctx, callerID, userID, req.Reason); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to request account deletion")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Account deletion requested successfully"))
	h.logger.Warn("Account deletion requested via HTTP",
		util.String("user_id", userID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "RequestDeletion"),
	)
}

// RequestDataExport creates a pending export job record.
func (h *SettingsHandler) RequestDataExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	callerID, userID := h.identities(r)

	req, err := h.settingsService.RequestDataExport(ctx, callerID, userID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to request data export")
		return
	}

	h.respondWithJSON(w, http.StatusAccepted, successResponse(req, "Data export requested; you will be notified when it is ready"))
	h.logger.Info("Data export requested via HTTP",
		util.String("user_id", userID),
		util.String("request_id", req.RequestID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "RequestDataExport"),
	)
}

// ListExportRequests returns the caller's export job records.
func (h *SettingsHandler) ListExportRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	callerID, userID := h.identities(r)

	requests, err := h.settingsService.ListExportRequests(ctx, callerID, userID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list export requests")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(requests, "Export requests retrieved successfully"))
}

// Sync reconciles a client-held settings snapshot with the server copy and
// returns whichever document won.
func (h *SettingsHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	callerID, userID := h.identities(r)

	var doc model.AccountSettings
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	reconciled, err := h.settingsService.Sync(ctx, callerID, userID, &doc)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to sync settings")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(reconciled, "Settings synced successfully"))
	h.logger.Info("Settings synced via HTTP",
		util.String("user_id", userID),
		util.Int64("version", reconciled.Version),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Sync"),
	)
}

// ChangeHistory returns the caller's audit trail, newest first. The limit
// query parameter caps the page size.
func (h *SettingsHandler) ChangeHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	callerID, userID := h.identities(r)

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	entries, err := h.settingsService.ChangeHistory(ctx, callerID, userID, limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load change history")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(entries, "Change history retrieved successfully"))
}

// DependencyChecker reports per-dependency health; the factory implements
// it. Nil errors are omitted from the report.
type DependencyChecker interface {
	HealthCheck(ctx context.Context) map[string]error
	IsHealthy(ctx context.Context) bool
}

// Readiness performs the deep health check: the settings store plus every
// configured dependency. Degraded audit sinks are reported but do not fail
// readiness; a dead mandatory dependency returns 503.
func (h *SettingsHandler) Readiness(deps DependencyChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if err := h.settingsService.HealthCheck(ctx); err != nil {
			h.respondWithError(w, http.StatusServiceUnavailable, err, "Service unhealthy")
			return
		}

		report := map[string]string{}
		for name, err := range deps.HealthCheck(ctx) {
			report[name] = err.Error()
		}
		if !deps.IsHealthy(ctx) {
			h.respondWithJSON(w, http.StatusServiceUnavailable, Response{
				Success: false,
				Data:    report,
				Error:   "dependency unhealthy",
			})
			return
		}

		h.respondWithJSON(w, http.StatusOK, successResponse(report, "Service is healthy"))
	}
}

// Helper Methods

// identities returns the authenticated caller (set by the auth middleware)
// and the path userID. Authorization itself happens in the service layer.
func (h *SettingsHandler) identities(r *http.Request) (callerID, userID string) {
	callerID, _ = auth.UserIDFrom(r.Context())
	return callerID, chi.URLParam(r, "userID")
}

// respondWithJSON sends a JSON response
func (h *SettingsHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *SettingsHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *SettingsHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrNoToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
