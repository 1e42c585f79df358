package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"rhinobridge/internal/config"
	apperrors "rhinobridge/internal/errors"
	"rhinobridge/internal/protocol"
	"rhinobridge/internal/session"
)

// Broker owns one relay channel per session and admits peer connections.
type Broker struct {
	store   *session.Store
	cfg     config.WebSocketConfig
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	channels map[string]*Channel
}

// New creates a broker over the session store. metrics may be nil.
func New(store *session.Store, cfg config.WebSocketConfig, metrics *Metrics, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:    store,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "broker")),
		channels: make(map[string]*Channel),
	}
}

// Attach admits a connection to a session channel under the given role and
// starts its pumps. The caller hands over the connection; on error the
// caller still owns it and should close it.
func (b *Broker) Attach(ctx context.Context, sessionID string, role session.Role, conn Conn) (*Peer, error) {
	sess, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == session.StatusClosed {
		return nil, apperrors.ErrSessionClosed
	}

	// The channel can be reaped between lookup and attach; a fresh one is
	// in the table on the next pass.
	var peer *Peer
	for {
		ch := b.channel(sessionID)
		peer, err = ch.attach(ctx, role, conn)
		if errors.Is(err, errChannelReaped) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	go peer.writePump()
	go peer.readPump()

	b.logger.InfoContext(ctx, "peer attached",
		slog.String("session_id", sessionID),
		slog.String("role", string(role)),
		slog.String("remote_addr", conn.RemoteAddr()))

	return peer, nil
}

// CloseSession terminates the session: peers are notified and dropped, the
// channel is discarded, and the durable record moves to closed.
func (b *Broker) CloseSession(ctx context.Context, sessionID string) error {
	if err := b.store.Close(ctx, sessionID); err != nil {
		return err
	}

	b.mu.Lock()
	ch := b.channels[sessionID]
	delete(b.channels, sessionID)
	b.mu.Unlock()

	if ch != nil {
		ch.shutdown(protocol.CodeSessionClosed, "session closed")
	}
	return nil
}

// ExpireAwaiting drops the lone peer of every session that has been stuck
// waiting for its counterpart longer than timeout. Called by the sweep
// scheduler.
func (b *Broker) ExpireAwaiting(ctx context.Context, timeout time.Duration) int {
	ids := b.store.ExpireAwaiting(timeout)
	for _, id := range ids {
		b.mu.Lock()
		ch := b.channels[id]
		b.mu.Unlock()
		if ch != nil {
			b.logger.InfoContext(ctx, "pairing deadline expired", slog.String("session_id", id))
			ch.dropPeers()
		}
	}
	return len(ids)
}

// Shutdown drops the peers of every channel at process exit. The durable
// session records stay open so peers can resume after a restart. Channels
// are shut down concurrently; each one blocks while its close notices flush.
func (b *Broker) Shutdown(ctx context.Context) {
	b.mu.Lock()
	channels := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		channels = append(channels, ch)
	}
	b.channels = make(map[string]*Channel)
	b.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, ch := range channels {
		g.Go(func() error {
			ch.shutdown(protocol.CodeSessionClosed, "broker shutting down")
			return nil
		})
	}
	g.Wait()
}

// channel returns the session's channel, creating it on first attach.
// Channels for sessions with no peers are reaped opportunistically.
func (b *Broker) channel(sessionID string) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.channels[sessionID]; ok {
		return ch
	}

	for id, ch := range b.channels {
		if ch.tryReap() {
			delete(b.channels, id)
		}
	}

	ch := newChannel(sessionID, b.store, b.cfg, b.metrics, b.logger)
	b.channels[sessionID] = ch
	return ch
}
