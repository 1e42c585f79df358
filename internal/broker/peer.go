package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rhinobridge/internal/config"
	"rhinobridge/internal/session"
)

// Peer is one live connection on a session channel, either the host or the
// plugin side. Outbound frames go through a buffered send channel consumed
// by a single write pump, which keeps per-direction ordering.
type Peer struct {
	role    session.Role
	conn    Conn
	channel *Channel
	cfg     config.WebSocketConfig
	logger  *slog.Logger

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}

	connectedAt time.Time

	// handshaked is guarded by the channel mutex; commands relay only
	// between handshaked peers.
	handshaked bool
}

func newPeer(channel *Channel, role session.Role, conn Conn, cfg config.WebSocketConfig, logger *slog.Logger) *Peer {
	return &Peer{
		role:    role,
		conn:    conn,
		channel: channel,
		cfg:     cfg,
		logger: logger.With(
			slog.String("component", "broker.peer"),
			slog.String("session_id", channel.sessionID),
			slog.String("role", string(role)),
			slog.String("remote_addr", conn.RemoteAddr()),
		),
		send:        make(chan []byte, cfg.SendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// Send queues a frame for delivery. Returns false when the peer is gone or
// its buffer is full; a peer that cannot drain its buffer is dropped rather
// than allowed to stall the relay.
func (p *Peer) Send(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.send <- frame:
		return true
	default:
		p.logger.Warn("send buffer full, dropping peer")
		p.Drop()
		return false
	}
}

// Drop signals the peer to disconnect. The write pump flushes queued frames,
// sends a close frame and closes the connection; the read pump then unwinds
// and detaches the peer from its channel.
func (p *Peer) Drop() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// readPump pumps frames from the connection into the channel router.
func (p *Peer) readPump() {
	defer func() {
		p.Drop()
		p.channel.detach(p)
		p.logger.Info("peer disconnected",
			slog.Duration("connection_duration", time.Since(p.connectedAt)))
	}()

	p.conn.SetReadLimit(p.cfg.MaxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(p.cfg.PongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.cfg.PongWait))
	})

	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.logger.Error("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(p.cfg.PongWait))
		p.channel.handleFrame(context.Background(), p, frame)
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with periodic pings. It owns the connection: nothing else writes,
// and the connection is closed only here, which in turn unblocks the read
// pump.
func (p *Peer) writePump() {
	ticker := time.NewTicker(p.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		p.Drop()
		p.conn.Close()
	}()

	for {
		select {
		case frame := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.logger.Error("write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			p.flush()
			p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait))
			p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes out frames queued before the drop so close notices still
// reach the peer.
func (p *Peer) flush() {
	for {
		select {
		case frame := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
