package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "rhinobridge/internal/errors"
	"rhinobridge/internal/license"
)

// record is the store-internal view of a session, carrying transient
// connection state alongside the durable fields.
type record struct {
	session Session

	hostAttached     bool
	pluginAttached   bool
	hostHandshaked   bool
	pluginHandshaked bool
	awaitingSince    time.Time
	detachedSince    time.Time
}

func (r *record) attached() int {
	n := 0
	if r.hostAttached {
		n++
	}
	if r.pluginAttached {
		n++
	}
	return n
}

// Store is the session authority. All lifecycle transitions and the license
// quota check run under a single lock so creation is atomic with counting.
type Store struct {
	mu sync.Mutex

	db       *sql.DB
	registry *license.Registry
	logger   *slog.Logger
	endpoint func(sessionID string) string

	byID       map[string]*record
	byUserFile map[string]string // "user\x00file" -> session id
	perLicense map[string]int    // open sessions per license

	now func() time.Time
}

// NewStore builds the store and recovers non-closed sessions from the
// database. Recovered sessions come back as disconnected since no live
// connection survives a restart.
func NewStore(ctx context.Context, db *sql.DB, registry *license.Registry, endpoint func(string) string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:         db,
		registry:   registry,
		logger:     logger.With(slog.String("component", "session.store")),
		endpoint:   endpoint,
		byID:       make(map[string]*record),
		byUserFile: make(map[string]string),
		perLicense: make(map[string]int),
		now:        time.Now,
	}

	if err := s.recover(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func userFileKey(userID, filePath string) string {
	return userID + "\x00" + filePath
}

func (s *Store) recover(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, license_id, file_path, document_guid, status, endpoint, created_at, updated_at
		 FROM sessions WHERE status != ?`, StatusClosed)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	recovered := 0
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.LicenseID, &sess.FilePath,
			&sess.DocumentGUID, &sess.Status, &sess.Endpoint, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan session: %w", err)
		}

		// Connection state did not survive the restart.
		if sess.Status != StatusCreated {
			sess.Status = StatusDisconnected
		}

		rec := &record{session: sess, detachedSince: s.now()}
		s.byID[sess.ID] = rec
		s.byUserFile[userFileKey(sess.UserID, sess.FilePath)] = sess.ID
		s.perLicense[sess.LicenseID]++
		recovered++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate sessions: %w", err)
	}

	if recovered > 0 {
		// Persist the demotion so the database agrees with memory.
		if _, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE status NOT IN (?, ?, ?)`,
			StatusDisconnected, s.now().UTC(), StatusClosed, StatusCreated, StatusDisconnected); err != nil {
			return fmt.Errorf("failed to demote recovered sessions: %w", err)
		}
		s.logger.Info("sessions recovered", slog.Int("count", recovered))
	}

	return nil
}

// Create returns the open session for (user, file), creating one if none
// exists. The second return reports whether a new session was created.
//
// License validation, the quota check and the insert all happen under the
// store lock: two concurrent creates against a license with one remaining
// slot cannot both succeed.
func (s *Store) Create(ctx context.Context, userID, licenseID, filePath, documentGUID string) (*Session, bool, error) {
	if userID == "" {
		return nil, false, apperrors.ErrValidation("user_id", "user_id is required")
	}
	if filePath == "" {
		return nil, false, apperrors.ErrValidation("file_path", "file_path is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotency: an open session for this (user, file) is returned
	// unchanged, even across broker restarts. The document guid comes from
	// the plugin's handshake, never from a repeat create.
	if id, ok := s.byUserFile[userFileKey(userID, filePath)]; ok {
		return s.byID[id].session.clone(), false, nil
	}

	if err := s.registry.Validate(ctx, licenseID); err != nil {
		return nil, false, err
	}
	lic, err := s.registry.Lookup(ctx, licenseID)
	if err != nil {
		return nil, false, err
	}

	if s.perLicense[licenseID] >= lic.MaxConcurrentSessions {
		return nil, false, apperrors.ErrQuotaExceeded
	}

	now := s.now().UTC()
	sess := Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		LicenseID:    licenseID,
		FilePath:     filePath,
		DocumentGUID: documentGUID,
		Status:       StatusCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	sess.Endpoint = s.endpoint(sess.ID)

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, license_id, file_path, document_guid, status, endpoint, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.LicenseID, sess.FilePath, sess.DocumentGUID,
		sess.Status, sess.Endpoint, sess.CreatedAt, sess.UpdatedAt); err != nil {
		return nil, false, fmt.Errorf("failed to persist session: %w", err)
	}

	rec := &record{session: sess}
	s.byID[sess.ID] = rec
	s.byUserFile[userFileKey(userID, filePath)] = sess.ID
	s.perLicense[licenseID]++

	s.logger.InfoContext(ctx, "session created",
		slog.String("session_id", sess.ID),
		slog.String("user_id", userID),
		slog.String("license_id", licenseID),
		slog.String("file_path", filePath))

	return sess.clone(), true, nil
}

// Get returns a session by id.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[sessionID]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	return rec.session.clone(), nil
}

// ListByUser returns the user's open sessions, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Session
	for _, rec := range s.byID {
		if rec.session.UserID == userID && rec.session.Open() {
			out = append(out, rec.session.clone())
		}
	}

	// Stable enough for a small per-user set.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.After(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// PeerAttached records a peer connecting for the given role and returns the
// resulting status. Fails if the session is closed or unknown; the broker
// enforces the one-connection-per-role rule before calling in.
func (s *Store) PeerAttached(ctx context.Context, sessionID string, role Role) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[sessionID]
	if !ok {
		return "", apperrors.ErrSessionNotFound
	}
	if rec.session.Status == StatusClosed {
		return "", apperrors.ErrSessionClosed
	}

	switch role {
	case RoleHost:
		rec.hostAttached = true
	case RolePlugin:
		rec.pluginAttached = true
	default:
		return "", apperrors.ErrInvalidRole
	}

	s.recompute(ctx, rec)
	return rec.session.Status, nil
}

// RecordHandshake marks the role's handshake complete. The plugin's
// handshake carries the document guid, adopted here; the session turns
// active once both peers are attached and handshaked.
func (s *Store) RecordHandshake(ctx context.Context, sessionID string, role Role, instanceID, documentGUID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[sessionID]
	if !ok {
		return "", apperrors.ErrSessionNotFound
	}
	if rec.session.Status == StatusClosed {
		return "", apperrors.ErrSessionClosed
	}

	switch role {
	case RoleHost:
		rec.hostHandshaked = true
	case RolePlugin:
		rec.pluginHandshaked = true
		if documentGUID != "" && rec.session.DocumentGUID != documentGUID {
			rec.session.DocumentGUID = documentGUID
			rec.session.UpdatedAt = s.now().UTC()
			s.persist(ctx, rec)
		}
	default:
		return "", apperrors.ErrInvalidRole
	}

	s.logger.InfoContext(ctx, "peer handshake recorded",
		slog.String("session_id", sessionID),
		slog.String("role", string(role)),
		slog.String("instance_id", instanceID))

	s.recompute(ctx, rec)
	return rec.session.Status, nil
}

// PeerDetached records a peer dropping for the given role. A reconnecting
// peer handshakes again, so the role's handshake state drops with it.
func (s *Store) PeerDetached(ctx context.Context, sessionID string, role Role) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[sessionID]
	if !ok {
		return "", apperrors.ErrSessionNotFound
	}
	if rec.session.Status == StatusClosed {
		return StatusClosed, nil
	}

	switch role {
	case RoleHost:
		rec.hostAttached = false
		rec.hostHandshaked = false
	case RolePlugin:
		rec.pluginAttached = false
		rec.pluginHandshaked = false
	default:
		return "", apperrors.ErrInvalidRole
	}

	s.recompute(ctx, rec)
	return rec.session.Status, nil
}

// recompute derives status from attachment and handshake state. Caller holds
// the lock.
//
// awaiting_peers covers only the first pairing; once a session has been
// active, losing a peer makes it disconnected, where it stays resumable
// until both sides are back and handshaked.
func (s *Store) recompute(ctx context.Context, rec *record) {
	var next Status
	switch {
	case rec.attached() == 2 && rec.hostHandshaked && rec.pluginHandshaked:
		next = StatusActive
	case rec.session.Status == StatusCreated:
		if rec.attached() > 0 {
			next = StatusAwaitingPeers
		} else {
			next = StatusCreated
		}
	case rec.session.Status == StatusAwaitingPeers && rec.attached() > 0:
		next = StatusAwaitingPeers
	default:
		next = StatusDisconnected
	}

	if next == rec.session.Status {
		if next == StatusDisconnected && rec.attached() == 0 {
			// Keep the idle clock honest when a lone resuming peer drops
			// without a status change.
			rec.detachedSince = s.now()
		}
		return
	}

	prev := rec.session.Status
	rec.session.Status = next
	rec.session.UpdatedAt = s.now().UTC()
	switch next {
	case StatusAwaitingPeers:
		rec.awaitingSince = s.now()
	case StatusDisconnected:
		rec.detachedSince = s.now()
	}

	s.persist(ctx, rec)
	s.logger.InfoContext(ctx, "session transition",
		slog.String("session_id", rec.session.ID),
		slog.String("from", string(prev)),
		slog.String("to", string(next)))
}

// Close terminates a session. Idempotent; a closed session frees its
// license quota slot and its (user, file) binding.
func (s *Store) Close(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[sessionID]
	if !ok {
		return apperrors.ErrSessionNotFound
	}
	return s.closeLocked(ctx, rec)
}

func (s *Store) closeLocked(ctx context.Context, rec *record) error {
	if rec.session.Status == StatusClosed {
		return nil
	}

	rec.session.Status = StatusClosed
	rec.session.UpdatedAt = s.now().UTC()
	rec.hostAttached = false
	rec.pluginAttached = false

	delete(s.byUserFile, userFileKey(rec.session.UserID, rec.session.FilePath))
	if s.perLicense[rec.session.LicenseID] > 0 {
		s.perLicense[rec.session.LicenseID]--
	}

	s.persist(ctx, rec)
	s.logger.InfoContext(ctx, "session closed", slog.String("session_id", rec.session.ID))
	return nil
}

// ExpireAwaiting returns the ids of sessions stuck in awaiting_peers for
// longer than timeout. The broker drops their lone connection, which brings
// them back through PeerDetached.
func (s *Store) ExpireAwaiting(timeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-timeout)
	var expired []string
	for id, rec := range s.byID {
		if rec.session.Status == StatusAwaitingPeers && rec.awaitingSince.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	return expired
}

// SweepIdle closes disconnected sessions that have sat without any peer for
// longer than ttl. A session with a peer still attached is never reclaimed.
func (s *Store) SweepIdle(ctx context.Context, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	closed := 0
	for _, rec := range s.byID {
		if rec.session.Status == StatusDisconnected && rec.attached() == 0 && rec.detachedSince.Before(cutoff) {
			s.closeLocked(ctx, rec)
			closed++
		}
	}

	if closed > 0 {
		s.logger.InfoContext(ctx, "idle sessions swept", slog.Int("count", closed))
	}
	return closed
}

// OpenCount returns how many open sessions a license currently holds.
func (s *Store) OpenCount(licenseID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perLicense[licenseID]
}

func (s *Store) persist(ctx context.Context, rec *record) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, document_guid = ?, updated_at = ? WHERE id = ?`,
		rec.session.Status, rec.session.DocumentGUID, rec.session.UpdatedAt, rec.session.ID)
	if err != nil {
		// Memory stays authoritative; the next transition retries the write.
		s.logger.ErrorContext(ctx, "failed to persist session",
			slog.String("session_id", rec.session.ID),
			slog.String("error", err.Error()))
	}
}
