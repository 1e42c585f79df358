package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"rhinobridge/internal/broker"
	"rhinobridge/internal/config"
	apperrors "rhinobridge/internal/errors"
	"rhinobridge/internal/protocol"
	"rhinobridge/internal/session"
)

// WSHandler upgrades peer connections and hands them to the broker.
type WSHandler struct {
	broker   *broker.Broker
	upgrader websocket.Upgrader
	errs     *apperrors.ErrorHandler
	logger   *slog.Logger
}

// NewWSHandler creates the websocket attach handler.
func NewWSHandler(b *broker.Broker, cfg config.WebSocketConfig, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		broker: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			// Peers are desktop processes, not browsers; Origin carries no
			// trust signal here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		errs:   apperrors.NewErrorHandler(logger),
		logger: logger.With(slog.String("handler", "ws")),
	}
}

// Routes returns the websocket route tree, mounted at /ws.
func (h *WSHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{sessionID}", h.Attach)
	return r
}

// Attach handles GET /ws/{sessionID}?role=host|plugin. A bad role fails
// over HTTP; admission failures after the upgrade arrive as a close frame
// carrying the reason.
func (h *WSHandler) Attach(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	role, ok := session.ParseRole(r.URL.Query().Get("role"))
	if !ok {
		h.errs.HandleError(w, r, apperrors.ErrInvalidRole)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.WarnContext(ctx, "websocket upgrade failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}

	if _, err := h.broker.Attach(ctx, sessionID, role, broker.WrapConn(conn)); err != nil {
		h.logger.WarnContext(ctx, "peer attach rejected",
			slog.String("session_id", sessionID),
			slog.String("role", string(role)),
			slog.String("error", err.Error()))

		problem := apperrors.ErrorToProblem(err, r.URL.Path)
		if frame, encErr := protocol.NewError(rejectCode(err), problem.Title).Encode(); encErr == nil {
			conn.WriteMessage(websocket.TextMessage, frame)
		}
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, problem.Title)
		conn.WriteMessage(websocket.CloseMessage, msg)
		conn.Close()
		return
	}
}

// rejectCode maps an admission failure to the error code sent on the wire
// before the close frame.
func rejectCode(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrSessionNotFound):
		return protocol.CodeUnknownSession
	case errors.Is(err, apperrors.ErrSessionClosed):
		return protocol.CodeSessionClosed
	default:
		return protocol.CodePeerUnavailable
	}
}
