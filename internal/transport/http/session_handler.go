package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"rhinobridge/internal/broker"
	"rhinobridge/internal/config"
	apperrors "rhinobridge/internal/errors"
	"rhinobridge/internal/session"
)

// SessionHandler serves session creation, listing and teardown.
type SessionHandler struct {
	store  *session.Store
	broker *broker.Broker
	cfg    config.ServerConfig
	errs   *apperrors.ErrorHandler
	logger *slog.Logger
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(store *session.Store, b *broker.Broker, cfg config.ServerConfig, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		store:  store,
		broker: b,
		cfg:    cfg,
		errs:   apperrors.NewErrorHandler(logger),
		logger: logger.With(slog.String("handler", "session")),
	}
}

// Routes returns the session route tree, mounted at /sessions.
//
// GET /{id} reads the path segment as a user id and lists that user's
// sessions; DELETE /{id} reads it as a session id and closes the session.
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/create", h.Create)
	// Older plugin builds call /connect; same semantics.
	r.Post("/connect", h.Create)
	r.Get("/{id}", h.ListByUser)
	r.Delete("/{id}", h.Close)
	return r
}

// CreateSessionRequest is the POST /sessions/create payload.
type CreateSessionRequest struct {
	UserID       string `json:"user_id" validate:"required,max=256"`
	LicenseID    string `json:"license_id" validate:"required"`
	FilePath     string `json:"file_path" validate:"required,max=4096"`
	DocumentGUID string `json:"document_guid" validate:"omitempty,max=128"`
}

// Bind implements render.Binder.
func (req *CreateSessionRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// SessionResponse is the wire shape of one session.
type SessionResponse struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	LicenseID     string    `json:"license_id"`
	FilePath      string    `json:"file_path"`
	DocumentGUID  string    `json:"document_guid"`
	Status        string    `json:"status"`
	WebSocketURL  string    `json:"websocket_url"`
	WebSocketPort int       `json:"websocket_port"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (h *SessionHandler) toResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		SessionID:     s.ID,
		UserID:        s.UserID,
		LicenseID:     s.LicenseID,
		FilePath:      s.FilePath,
		DocumentGUID:  s.DocumentGUID,
		Status:        string(s.Status),
		WebSocketURL:  s.Endpoint,
		WebSocketPort: h.cfg.Port,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// CreateSessionResponse is the POST /sessions/create payload.
type CreateSessionResponse struct {
	SessionResponse
	Created bool `json:"created"`
}

// Create handles POST /sessions/create and /sessions/connect. Requesting a
// session for a (user, file) pair that already has an open one returns the
// existing session.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("session-handler")
	ctx, span := tracer.Start(ctx, "session.create")
	defer span.End()

	req := &CreateSessionRequest{}
	if err := render.Bind(r, req); err != nil {
		h.errs.HandleError(w, r, apperrors.InvalidRequestWithError(err))
		return
	}

	sess, created, err := h.store.Create(ctx, req.UserID, req.LicenseID, req.FilePath, req.DocumentGUID)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("session_id", sess.ID),
		attribute.Bool("created", created),
	)

	if created {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, CreateSessionResponse{
		SessionResponse: h.toResponse(sess),
		Created:         created,
	})
}

// SessionListResponse is the GET /sessions/{user_id} payload.
type SessionListResponse struct {
	UserID        string            `json:"user_id"`
	ValidSessions []SessionResponse `json:"valid_sessions"`
	Timestamp     time.Time         `json:"timestamp"`
}

// ListByUser handles GET /sessions/{user_id}.
func (h *SessionHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	tracer := otel.Tracer("session-handler")
	ctx, span := tracer.Start(ctx, "session.list",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	sessions := h.store.ListByUser(ctx, userID)

	resp := SessionListResponse{
		UserID:        userID,
		ValidSessions: make([]SessionResponse, 0, len(sessions)),
		Timestamp:     time.Now().UTC(),
	}
	for _, s := range sessions {
		resp.ValidSessions = append(resp.ValidSessions, h.toResponse(s))
	}

	render.JSON(w, r, resp)
}

// Close handles DELETE /sessions/{session_id}. Closing notifies and drops
// any connected peers.
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	if err := h.broker.CloseSession(ctx, sessionID); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"session_id": sessionID,
		"closed":     true,
		"timestamp":  time.Now().UTC(),
	})
}
