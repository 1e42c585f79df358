package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"rhinobridge/internal/config"
	apperrors "rhinobridge/internal/errors"
	"rhinobridge/internal/protocol"
	"rhinobridge/internal/session"
)

// errChannelReaped reports that the channel left the broker's table between
// lookup and attach; the caller gets a fresh one and retries.
var errChannelReaped = errors.New("channel reaped")

// Channel is the relay for one session: a host slot, a plugin slot, and the
// correlation table mapping in-flight request ids to the role that sent
// them. Frames are forwarded as received; the channel reads the envelope
// only to route it.
type Channel struct {
	sessionID string
	store     *session.Store
	cfg       config.WebSocketConfig
	logger    *slog.Logger
	metrics   *Metrics

	mu      sync.Mutex
	host    *Peer
	plugin  *Peer
	pending map[string]session.Role
	closed  bool
	reaped  bool
}

func newChannel(sessionID string, store *session.Store, cfg config.WebSocketConfig, metrics *Metrics, logger *slog.Logger) *Channel {
	return &Channel{
		sessionID: sessionID,
		store:     store,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "broker.channel"), slog.String("session_id", sessionID)),
		pending:   make(map[string]session.Role),
	}
}

// attach claims the role slot for a new connection. A slot already held by
// a live connection is a conflict; the newcomer is rejected, never the
// incumbent evicted.
func (c *Channel) attach(ctx context.Context, role session.Role, conn Conn) (*Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, apperrors.ErrSessionClosed
	}
	if c.reaped {
		return nil, errChannelReaped
	}
	if c.slot(role) != nil {
		return nil, apperrors.ErrRoleAlreadyConnected
	}

	peer := newPeer(c, role, conn, c.cfg, c.logger)
	c.setSlot(role, peer)

	if _, err := c.store.PeerAttached(ctx, c.sessionID, role); err != nil {
		c.setSlot(role, nil)
		return nil, err
	}

	c.metrics.peerConnected(ctx, role)
	return peer, nil
}

// detach releases the peer's slot, tells the surviving peer, and fails every
// request the departed peer was expected to answer.
func (c *Channel) detach(p *Peer) {
	ctx := context.Background()

	c.mu.Lock()
	if c.slot(p.role) != p {
		c.mu.Unlock()
		return
	}
	c.setSlot(p.role, nil)

	other := c.slot(p.role.Other())

	// Requests waiting on the departed peer get an error response; requests
	// the departed peer itself sent are forgotten.
	var orphaned []string
	for id, requester := range c.pending {
		if requester == p.role {
			delete(c.pending, id)
		} else {
			orphaned = append(orphaned, id)
			delete(c.pending, id)
		}
	}
	closed := c.closed
	c.mu.Unlock()

	c.store.PeerDetached(ctx, c.sessionID, p.role)
	c.metrics.peerDisconnected(ctx, p.role)

	if other == nil || closed {
		return
	}
	for _, id := range orphaned {
		env := protocol.NewErrorResponse(id, "peer disconnected before responding")
		env.Code = protocol.CodePeerDisconnect
		c.sendEnvelope(other, env)
	}
	notice := protocol.NewError(protocol.CodePeerDisconnect, string(p.role)+" peer disconnected")
	c.sendEnvelope(other, notice)
}

// handleFrame routes one inbound frame from a peer.
func (c *Channel) handleFrame(ctx context.Context, from *Peer, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.sendEnvelope(from, protocol.NewError(protocol.CodeMalformed, err.Error()))
		c.metrics.frameRejected(ctx)
		return
	}

	switch env.Type {
	case protocol.TypeHeartbeat:
		// Read deadline was already refreshed by the pump.
		return

	case protocol.TypeHandshake:
		c.handleHandshake(ctx, from, env, frame)

	case protocol.TypeResponse:
		c.handleResponse(ctx, from, env, frame)

	case protocol.TypeFileStatusUpdate, protocol.TypeError:
		// Informational; forwarded to whoever is on the other side.
		c.forward(ctx, from, frame)

	default:
		// Every unreserved type is a command for the counterpart.
		c.handleCommand(ctx, from, env, frame)
	}
}

func (c *Channel) handleHandshake(ctx context.Context, from *Peer, env *protocol.Envelope, frame []byte) {
	c.mu.Lock()
	from.handshaked = true
	c.mu.Unlock()

	if _, err := c.store.RecordHandshake(ctx, c.sessionID, from.role, env.InstanceID, env.DocumentGUID); err != nil {
		c.logger.WarnContext(ctx, "handshake not recorded",
			slog.String("role", string(from.role)),
			slog.String("error", err.Error()))
	}

	c.logger.InfoContext(ctx, "peer handshake",
		slog.String("role", string(from.role)),
		slog.String("instance_id", env.InstanceID),
		slog.String("file_path", env.FilePath))

	// The other side learns its counterpart arrived by receiving the
	// handshake itself.
	c.forward(ctx, from, frame)
}

// peerUnavailable answers a command the relay cannot deliver. The session
// stays up; the requester decides whether to retry.
func (c *Channel) peerUnavailable(requestID, detail string) *protocol.Envelope {
	resp := protocol.NewErrorResponse(requestID, apperrors.ErrPeerUnavailable.Error()+": "+detail)
	resp.Code = protocol.CodePeerUnavailable
	return resp
}

func (c *Channel) handleCommand(ctx context.Context, from *Peer, env *protocol.Envelope, frame []byte) {
	c.mu.Lock()
	target := c.slot(from.role.Other())
	// Commands flow only once the session is active: both peers attached
	// and handshaked.
	ready := target != nil && from.handshaked && target.handshaked
	if ready && env.RequestID != "" {
		c.pending[env.RequestID] = from.role
	}
	c.mu.Unlock()

	if !ready {
		detail := string(from.role.Other()) + " peer is not connected"
		if target != nil {
			detail = "session is not active yet"
		}
		c.sendEnvelope(from, c.peerUnavailable(env.RequestID, detail))
		c.metrics.commandFailed(ctx)
		return
	}

	if !target.Send(frame) {
		c.mu.Lock()
		delete(c.pending, env.RequestID)
		c.mu.Unlock()

		c.sendEnvelope(from, c.peerUnavailable(env.RequestID, string(from.role.Other())+" peer is not reachable"))
		c.metrics.commandFailed(ctx)
		return
	}

	c.metrics.frameRelayed(ctx, env.Type)
}

func (c *Channel) handleResponse(ctx context.Context, from *Peer, env *protocol.Envelope, frame []byte) {
	c.mu.Lock()
	requester, ok := c.pending[env.RequestID]
	if ok {
		delete(c.pending, env.RequestID)
	}
	c.mu.Unlock()

	if ok && requester == from.role {
		// A peer answering its own request makes no sense; drop it.
		c.logger.WarnContext(ctx, "response to own request dropped",
			slog.String("request_id", env.RequestID))
		return
	}

	// Unsolicited responses are still forwarded; late answers after a
	// reconnect are more useful delivered than dropped.
	c.forward(ctx, from, frame)
}

// forward delivers a raw frame to the opposite peer, silently dropping it
// when nobody is there.
func (c *Channel) forward(ctx context.Context, from *Peer, frame []byte) {
	c.mu.Lock()
	target := c.slot(from.role.Other())
	c.mu.Unlock()

	if target == nil {
		c.logger.DebugContext(ctx, "no peer to forward to", slog.String("from", string(from.role)))
		return
	}
	if target.Send(frame) {
		c.metrics.frameRelayed(ctx, "")
	}
}

func (c *Channel) sendEnvelope(to *Peer, env *protocol.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		c.logger.Error("failed to encode envelope", slog.String("error", err.Error()))
		return
	}
	to.Send(frame)
}

// shutdown tells both peers the session is over and drops them.
func (c *Channel) shutdown(code, message string) {
	c.mu.Lock()
	c.closed = true
	peers := []*Peer{c.host, c.plugin}
	c.pending = make(map[string]session.Role)
	c.mu.Unlock()

	notice := protocol.NewError(code, message)
	for _, p := range peers {
		if p != nil {
			c.sendEnvelope(p, notice)
			p.Drop()
		}
	}
}

// dropPeers disconnects both peers without closing the channel, used when a
// pairing deadline expires.
func (c *Channel) dropPeers() {
	c.mu.Lock()
	peers := []*Peer{c.host, c.plugin}
	c.mu.Unlock()

	for _, p := range peers {
		if p != nil {
			p.Drop()
		}
	}
}

// tryReap marks an empty channel dead so a racing attach cannot land on it
// after it leaves the broker's table. Returns false while a peer holds a
// slot.
func (c *Channel) tryReap() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host != nil || c.plugin != nil {
		return false
	}
	c.reaped = true
	return true
}

// slot and setSlot require c.mu.
func (c *Channel) slot(role session.Role) *Peer {
	if role == session.RoleHost {
		return c.host
	}
	return c.plugin
}

func (c *Channel) setSlot(role session.Role, p *Peer) {
	if role == session.RoleHost {
		c.host = p
	} else {
		c.plugin = p
	}
}
