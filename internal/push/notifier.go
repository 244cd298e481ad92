package push

import (
	"context"

	"golang.org/x/exp/slog"

	"github.com/alovak/khqr-gateway/internal/metrics"
)

// Bus carries events between gateway instances. Every instance delivers what
// it receives to its own channels.
type Bus interface {
	Publish(ctx context.Context, e Event) error
}

// Sink mirrors confirmed payments to a downstream system. Sinks never affect delivery.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

type Notifier struct {
	registry          *Registry
	bus               Bus
	sinks             []Sink
	broadcastFallback bool
	logger            *slog.Logger
	metrics           *metrics.Metrics
}

type Option func(*Notifier)

// WithBus routes every event through bus instead of delivering it directly.
func WithBus(bus Bus) Option {
	return func(n *Notifier) { n.bus = bus }
}

func WithSinks(sinks ...Sink) Option {
	return func(n *Notifier) { n.sinks = append(n.sinks, sinks...) }
}

// WithBroadcastFallback sends events nobody subscribed to to every connected channel.
// It leaks confirmations to unrelated clients and is off unless configured.
func WithBroadcastFallback(enabled bool) Option {
	return func(n *Notifier) { n.broadcastFallback = enabled }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

func NewNotifier(registry *Registry, logger *slog.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		registry: registry,
		logger:   logger.With(slog.String("component", "notifier")),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify announces e. Without a bus the event is delivered here and the
// number of channels that accepted it is returned. With a bus, delivery
// happens when the event comes back from the bus and 0 is returned.
func (n *Notifier) Notify(ctx context.Context, e Event) (int, error) {
	for _, s := range n.sinks {
		if err := s.Publish(ctx, e); err != nil {
			n.logger.Warn("mirroring event failed", slog.String("event", e.Name), slog.String("fingerprint", e.Data.Fingerprint), slog.Any("err", err))
		}
	}

	if n.bus != nil {
		err := n.bus.Publish(ctx, e)
		if err == nil {
			return 0, nil
		}
		n.logger.Error("publishing to bus failed, delivering locally", slog.String("fingerprint", e.Data.Fingerprint), slog.Any("err", err))
	}
	return n.Deliver(e), nil
}

// Deliver hands e to the local subscribers of its fingerprint. Delivery is
// best effort: events with no recipients are dropped.
func (n *Notifier) Deliver(e Event) int {
	targets := n.registry.Subscribers(e.Data.Fingerprint)
	if len(targets) == 0 && n.broadcastFallback {
		targets = n.registry.All()
	}
	if len(targets) == 0 {
		n.metrics.AddDropped(1)
		n.logger.Debug("no subscribers for event", slog.String("event", e.Name), slog.String("fingerprint", e.Data.Fingerprint))
		return 0
	}

	delivered := 0
	for _, ch := range targets {
		if ch.Send(e) {
			delivered++
		} else {
			n.metrics.AddDropped(1)
			n.logger.Warn("push channel queue full, event dropped", slog.String("channel", ch.ID()), slog.String("fingerprint", e.Data.Fingerprint))
		}
	}
	n.metrics.AddDelivered(delivered)
	n.logger.Info("event delivered",
		slog.String("event", e.Name),
		slog.String("fingerprint", e.Data.Fingerprint),
		slog.Int("channels", delivered),
	)
	return delivered
}
