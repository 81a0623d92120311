package whatsapp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/reserveja/backend/internal/tenancy"
	"github.com/reserveja/backend/pkg/logging"
)

// Handler exposes the gateway over HTTP. Tenant routes resolve the
// company from the authenticated request context; the webhook ingress
// route is public and resolves the tenant from the payload instead.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger.Named("whatsapp.handler")}
}

// Routes returns the tenant-scoped routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/connect", h.Connect)
	r.Get("/status", h.Status)
	r.Post("/send", h.Send)
	r.Get("/messages", h.Messages)
	r.Post("/appointments/{appointmentID}/confirmation", h.SendConfirmation)
	return r
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenancy.CompanyIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing company scope")
		return
	}
	resp, err := h.service.Connect(r.Context(), companyID)
	if err != nil {
		h.logger.Error("connect failed", "company_id", companyID, "error", err)
		writeError(w, http.StatusBadGateway, "could not initialize whatsapp session")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenancy.CompanyIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing company scope")
		return
	}
	writeJSON(w, http.StatusOK, h.service.Status(r.Context(), companyID))
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenancy.CompanyIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing company scope")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "to and message are required")
		return
	}
	if err := h.service.SendText(r.Context(), companyID, req.To, req.Message); err != nil {
		h.writeSendError(w, companyID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (h *Handler) SendConfirmation(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenancy.CompanyIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing company scope")
		return
	}
	appointmentID, err := uuid.Parse(chi.URLParam(r, "appointmentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}
	if err := h.service.SendConfirmation(r.Context(), companyID, appointmentID); err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			writeError(w, http.StatusNotFound, "appointment not found")
			return
		}
		h.writeSendError(w, companyID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenancy.CompanyIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing company scope")
		return
	}
	limit := int64(50)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 || parsed > 200 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = parsed
	}
	msgs, err := h.service.RecentMessages(r.Context(), companyID, limit)
	if err != nil {
		h.logger.Error("failed to list messages", "company_id", companyID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list messages")
		return
	}
	if msgs == nil {
		msgs = []LoggedMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// HandleInboundWebhook is the public ingress for the upstream gateway's
// message callbacks.
func (h *Handler) HandleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	var payload InboundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.service.HandleInbound(r.Context(), payload)
	if err != nil {
		if errors.Is(err, ErrUnknownInstance) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		h.logger.Error("inbound webhook failed", "session_id", payload.instanceID(), "error", err)
		writeError(w, http.StatusInternalServerError, "could not process message")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) writeSendError(w http.ResponseWriter, companyID string, err error) {
	switch {
	case errors.Is(err, ErrInvalidNumberFormat):
		writeError(w, http.StatusBadRequest, "invalid phone number format")
	case errors.Is(err, ErrSessionNotConnected):
		writeError(w, http.StatusBadRequest, "whatsapp session is not connected")
	default:
		h.logger.Error("send failed", "company_id", companyID, "error", err)
		writeError(w, http.StatusBadGateway, "could not send message")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
