package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/lorrc/studio-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/studio-realtime/internal/adapters/primary/validation"
	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/core/ports"
)

var knownRoles = []string{
	string(domain.RoleAdmin),
	string(domain.RoleSuperAdmin),
	string(domain.RoleClient),
	string(domain.RolePhotographer),
	string(domain.RoleEditor),
}

// SessionRequest switches the identity the relay listens for.
// UserID may be sent as a number or a string.
type SessionRequest struct {
	Role   string `json:"role"`
	UserID any    `json:"userId"`
}

// RealtimeHandler exposes the relay's realtime session.
type RealtimeHandler struct {
	session      ports.RealtimeSession
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewRealtimeHandler creates a new realtime handler
func NewRealtimeHandler(session ports.RealtimeSession, errorHandler *ErrorHandler, logger *slog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		session:      session,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// RegisterPublicRoutes registers routes that need no credentials.
func (h *RealtimeHandler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/status", h.HandleStatus)
}

// RegisterAdminRoutes registers routes that change the session. The caller
// is expected to wrap them in authentication.
func (h *RealtimeHandler) RegisterAdminRoutes(r chi.Router) {
	r.Put("/session", h.HandleStartSession)
	r.Delete("/session", h.HandleStopSession)
}

// HandleStatus reports the current session.
func (h *RealtimeHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.session.Status())
}

// HandleStartSession (re)starts the session for the requested viewer.
func (h *RealtimeHandler) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	req, err := validation.DecodeAndValidate[SessionRequest](r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	viewer := domain.Viewer{
		Role:   domain.ParseRole(req.Role),
		UserID: domain.ParseID(req.UserID),
	}

	v := validation.NewValidator().
		Required("role", string(viewer.Role)).
		OneOf("role", string(viewer.Role), knownRoles).
		RequiredIf("userId", viewer.UserID.String(), viewer.Role.HasPrivateChannel(), "This field is required for this role").
		ID("userId", viewer.UserID.String()).
		MaxLength("userId", viewer.UserID.String(), 64)
	if v.HasErrors() {
		h.errorHandler.Handle(w, r, v.Errors())
		return
	}

	if HandleError(w, r, h.session.Start(r.Context(), viewer), h.errorHandler) {
		return
	}

	status := h.session.Status()
	mw.NoteSession(r.Context(), status.SessionID)

	h.logger.Info("realtime session switched",
		"request_id", GetRequestID(r.Context()),
		"session_id", status.SessionID,
		"role", viewer.Role,
		"user_id", viewer.UserID,
	)

	WriteJSON(w, http.StatusOK, status)
}

// HandleStopSession stops the session. Stopping an idle session succeeds.
func (h *RealtimeHandler) HandleStopSession(w http.ResponseWriter, r *http.Request) {
	h.session.Stop()

	h.logger.Info("realtime session stopped",
		"request_id", GetRequestID(r.Context()),
	)

	WriteNoContent(w)
}
