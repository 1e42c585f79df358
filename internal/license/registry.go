// Package license implements the license registry: issuance, validation,
// lookup, registration and revocation of quota-bearing credentials.
//
// A license gates how many concurrent sessions its holder may keep open.
// The quota itself is enforced by the session store at creation time, under
// the store lock, to avoid a check-then-use race; the registry only answers
// whether a license exists and is still alive.
package license

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"rhinobridge/internal/config"
	apperrors "rhinobridge/internal/errors"
)

// License holds the metadata of an issued license. The bearer key is never
// stored in clear and never re-displayed after issuance.
type License struct {
	ID                    string     `json:"license_id"`
	IssuedTo              string     `json:"issued_to"`
	Tier                  string     `json:"tier"`
	IssuedAt              time.Time  `json:"issued_at"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	MaxConcurrentSessions int        `json:"max_concurrent_sessions"`
	RegisteredAt          *time.Time `json:"registered_at,omitempty"`
	Revoked               bool       `json:"revoked"`
}

// Expired reports whether the license is past its expiry at the given time.
// A license without expires_at never expires.
func (l *License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// IssuedLicense couples license metadata with the one-time bearer key.
type IssuedLicense struct {
	License
	Key string `json:"license_key"`
}

// Registry issues and validates licenses backed by durable SQLite records.
type Registry struct {
	db     *sql.DB
	logger *slog.Logger
	cfg    config.LicenseConfig

	// now is injectable for expiry tests.
	now func() time.Time
}

// NewRegistry creates a license registry over an opened database.
func NewRegistry(db *sql.DB, cfg config.LicenseConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		db:     db,
		logger: logger.With(slog.String("component", "license.registry")),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Issue creates a new license. validityDays <= 0 means the license never
// expires; maxSessions <= 0 falls back to the configured default. The
// returned key is the only artifact the caller can later present to act as
// this license.
func (r *Registry) Issue(ctx context.Context, issuedTo, tier string, validityDays, maxSessions int) (*IssuedLicense, error) {
	if issuedTo == "" {
		return nil, apperrors.ErrValidation("issued_to", "issued_to is required")
	}
	if tier == "" {
		tier = "standard"
	}
	if maxSessions <= 0 {
		maxSessions = r.cfg.DefaultMaxSessions
	}

	key, err := generateKey(r.cfg.KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to generate license key: %w", err)
	}

	keyHash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash license key: %w", err)
	}

	now := r.now().UTC()
	lic := License{
		ID:                    uuid.New().String(),
		IssuedTo:              issuedTo,
		Tier:                  tier,
		IssuedAt:              now,
		MaxConcurrentSessions: maxSessions,
	}
	if validityDays > 0 {
		expires := now.AddDate(0, 0, validityDays)
		lic.ExpiresAt = &expires
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO licenses (id, key_hash, issued_to, tier, issued_at, expires_at, max_sessions)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lic.ID, string(keyHash), lic.IssuedTo, lic.Tier, lic.IssuedAt, nullableTime(lic.ExpiresAt), lic.MaxConcurrentSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to persist license: %w", err)
	}

	r.logger.InfoContext(ctx, "license issued",
		slog.String("license_id", lic.ID),
		slog.String("issued_to", lic.IssuedTo),
		slog.String("tier", lic.Tier),
		slog.Int("max_concurrent_sessions", lic.MaxConcurrentSessions),
		slog.Int("validity_days", validityDays))

	return &IssuedLicense{License: lic, Key: key}, nil
}

// Validate checks that the license exists, is not revoked and is not past
// its expiry. Quota is deliberately not checked here; the session store
// evaluates it atomically at creation time.
func (r *Registry) Validate(ctx context.Context, licenseID string) error {
	lic, err := r.Lookup(ctx, licenseID)
	if err != nil {
		return err
	}

	if lic.Revoked {
		return apperrors.ErrLicenseRevoked
	}
	if lic.Expired(r.now().UTC()) {
		return apperrors.ErrLicenseExpired
	}

	return nil
}

// Lookup returns license metadata without the secret key. Fails with
// ErrLicenseNotFound for unknown ids.
func (r *Registry) Lookup(ctx context.Context, licenseID string) (*License, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, issued_to, tier, issued_at, expires_at, max_sessions, registered_at, revoked
		 FROM licenses WHERE id = ?`, licenseID)

	var lic License
	var expiresAt, registeredAt sql.NullTime
	err := row.Scan(&lic.ID, &lic.IssuedTo, &lic.Tier, &lic.IssuedAt, &expiresAt, &lic.MaxConcurrentSessions, &registeredAt, &lic.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load license: %w", err)
	}

	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		lic.ExpiresAt = &t
	}
	if registeredAt.Valid {
		t := registeredAt.Time.UTC()
		lic.RegisteredAt = &t
	}

	return &lic, nil
}

// Register confirms a plugin-side license registration: the caller presents
// the bearer key issued earlier, and the registry records the registration
// time. Registration is idempotent.
func (r *Registry) Register(ctx context.Context, licenseID, key string) error {
	row := r.db.QueryRowContext(ctx, `SELECT key_hash, revoked FROM licenses WHERE id = ?`, licenseID)

	var keyHash string
	var revoked bool
	err := row.Scan(&keyHash, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.ErrLicenseNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load license: %w", err)
	}
	if revoked {
		return apperrors.ErrLicenseRevoked
	}

	if bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)) != nil {
		return apperrors.ErrLicenseInvalid
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE licenses SET registered_at = COALESCE(registered_at, ?) WHERE id = ?`,
		r.now().UTC(), licenseID)
	if err != nil {
		return fmt.Errorf("failed to record registration: %w", err)
	}

	r.logger.InfoContext(ctx, "license registered", slog.String("license_id", licenseID))
	return nil
}

// Revoke marks a license revoked. Existing sessions keep running; new
// session creation against the license fails.
func (r *Registry) Revoke(ctx context.Context, licenseID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE licenses SET revoked = 1 WHERE id = ?`, licenseID)
	if err != nil {
		return fmt.Errorf("failed to revoke license: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrLicenseNotFound
	}

	r.logger.InfoContext(ctx, "license revoked", slog.String("license_id", licenseID))
	return nil
}

// SweepExpired deletes licenses past their expiry. Runs on a schedule from
// the application.
func (r *Registry) SweepExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM licenses WHERE expires_at IS NOT NULL AND expires_at <= ?`, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired licenses: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		r.logger.InfoContext(ctx, "expired licenses swept", slog.Int64("count", n))
	}
	return n, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
