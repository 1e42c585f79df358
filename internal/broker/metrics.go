package broker

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"rhinobridge/internal/session"
)

// Metrics holds the broker's OpenTelemetry instruments. A nil *Metrics is
// valid and records nothing, which keeps tests free of provider setup.
type Metrics struct {
	connections   metric.Int64UpDownCounter
	framesRelayed metric.Int64Counter
	framesDropped metric.Int64Counter
	commandErrors metric.Int64Counter
}

// NewMetrics registers the broker instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.connections, err = meter.Int64UpDownCounter("rhinobridge.broker.connections",
		metric.WithDescription("Currently connected peers")); err != nil {
		return nil, err
	}
	if m.framesRelayed, err = meter.Int64Counter("rhinobridge.broker.frames.relayed",
		metric.WithDescription("Frames forwarded between peers")); err != nil {
		return nil, err
	}
	if m.framesDropped, err = meter.Int64Counter("rhinobridge.broker.frames.rejected",
		metric.WithDescription("Inbound frames rejected as malformed or unexpected")); err != nil {
		return nil, err
	}
	if m.commandErrors, err = meter.Int64Counter("rhinobridge.broker.commands.failed",
		metric.WithDescription("Commands that could not reach the target peer")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) peerConnected(ctx context.Context, role session.Role) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(role))))
}

func (m *Metrics) peerDisconnected(ctx context.Context, role session.Role) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1, metric.WithAttributes(attribute.String("role", string(role))))
}

func (m *Metrics) frameRelayed(ctx context.Context, envelopeType string) {
	if m == nil {
		return
	}
	if envelopeType != "" {
		m.framesRelayed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", envelopeType)))
		return
	}
	m.framesRelayed.Add(ctx, 1)
}

func (m *Metrics) frameRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.framesDropped.Add(ctx, 1)
}

func (m *Metrics) commandFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.commandErrors.Add(ctx, 1)
}
