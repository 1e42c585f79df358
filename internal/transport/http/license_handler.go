// Package http holds the HTTP handlers: license administration, session
// management, the websocket attach point, and health.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "rhinobridge/internal/errors"
	"rhinobridge/internal/license"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// SessionCounter reports how many open sessions a license holds. Implemented
// by the session store.
type SessionCounter interface {
	OpenCount(licenseID string) int
}

// LicenseHandler serves license issuance and inspection.
type LicenseHandler struct {
	registry *license.Registry
	sessions SessionCounter
	errs     *apperrors.ErrorHandler
	logger   *slog.Logger
}

// NewLicenseHandler creates a license handler.
func NewLicenseHandler(registry *license.Registry, sessions SessionCounter, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		registry: registry,
		sessions: sessions,
		errs:     apperrors.NewErrorHandler(logger),
		logger:   logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the license route tree, mounted at /license.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/generate", h.Generate)
	r.Post("/register", h.Register)
	r.Get("/{licenseID}/info", h.Info)
	r.Post("/{licenseID}/revoke", h.Revoke)
	return r
}

// GenerateRequest is the POST /license/generate payload.
type GenerateRequest struct {
	IssuedTo           string `json:"issued_to" validate:"required,max=256"`
	Tier               string `json:"tier" validate:"omitempty,max=64"`
	ValidityDays       int    `json:"validity_days" validate:"gte=0,lte=3650"`
	MaxConcurrentFiles int    `json:"max_concurrent_files" validate:"gte=0,lte=1000"`
}

// Bind implements render.Binder.
func (req *GenerateRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// RegisterRequest is the POST /license/register payload: a plugin presenting
// its bearer key.
type RegisterRequest struct {
	LicenseID  string `json:"license_id" validate:"required,uuid4"`
	LicenseKey string `json:"license_key" validate:"required,min=8"`
}

// Bind implements render.Binder.
func (req *RegisterRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// LicenseInfoResponse is the GET /license/{id}/info payload.
type LicenseInfoResponse struct {
	license.License
	ActiveSessions int       `json:"active_sessions"`
	Valid          bool      `json:"valid"`
	Timestamp      time.Time `json:"timestamp"`
}

// Generate handles POST /license/generate. The response carries the bearer
// key; it is shown exactly once.
func (h *LicenseHandler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")
	ctx, span := tracer.Start(ctx, "license.generate")
	defer span.End()

	req := &GenerateRequest{}
	if err := render.Bind(r, req); err != nil {
		h.errs.HandleError(w, r, apperrors.InvalidRequestWithError(err))
		return
	}

	issued, err := h.registry.Issue(ctx, req.IssuedTo, req.Tier, req.ValidityDays, req.MaxConcurrentFiles)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("license_id", issued.ID))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, issued)
}

// Register handles POST /license/register.
func (h *LicenseHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &RegisterRequest{}
	if err := render.Bind(r, req); err != nil {
		h.errs.HandleError(w, r, apperrors.InvalidRequestWithError(err))
		return
	}

	if err := h.registry.Register(ctx, req.LicenseID, req.LicenseKey); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"license_id": req.LicenseID,
		"registered": true,
		"timestamp":  time.Now().UTC(),
	})
}

// Info handles GET /license/{licenseID}/info.
func (h *LicenseHandler) Info(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	licenseID := chi.URLParam(r, "licenseID")

	tracer := otel.Tracer("license-handler")
	ctx, span := tracer.Start(ctx, "license.info",
		trace.WithAttributes(attribute.String("license_id", licenseID)))
	defer span.End()

	lic, err := h.registry.Lookup(ctx, licenseID)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	valid := true
	if err := h.registry.Validate(ctx, licenseID); err != nil {
		if errors.Is(err, apperrors.ErrLicenseExpired) || errors.Is(err, apperrors.ErrLicenseRevoked) {
			valid = false
		} else {
			h.errs.HandleError(w, r, err)
			return
		}
	}

	render.JSON(w, r, LicenseInfoResponse{
		License:        *lic,
		ActiveSessions: h.sessions.OpenCount(licenseID),
		Valid:          valid,
		Timestamp:      time.Now().UTC(),
	})
}

// Revoke handles POST /license/{licenseID}/revoke.
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	licenseID := chi.URLParam(r, "licenseID")

	if err := h.registry.Revoke(ctx, licenseID); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"license_id": licenseID,
		"revoked":    true,
		"timestamp":  time.Now().UTC(),
	})
}
