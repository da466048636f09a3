// Package eventbus wraps a pub/sub broker behind a narrow capability
// surface so the SSE transport can interleave externally published events
// (e.g. from a sibling gateway instance) with a conversation's content
// stream without depending on NATS directly.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "eventbus",
		Name:      "active_subscriptions",
		Help:      "Number of live event bus subscriptions.",
	})
	droppedSubscriptions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "eventbus",
		Name:      "dropped_subscriptions_total",
		Help:      "Subscriptions that could not be established because the broker was unavailable.",
	})
	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "eventbus",
		Name:      "publish_failures_total",
		Help:      "Publish attempts that failed because the broker was unavailable or rejected the message.",
	})
)

// ErrDisconnected is returned by Subscribe/Publish when the bus has no live
// broker connection. Callers must treat this as a degrade-not-fail signal:
// the gateway keeps serving requests without cross-process event
// delivery rather than refusing traffic outright.
var ErrDisconnected = errors.New("eventbus: broker not connected")

// Handler receives the raw payload published to a subject.
type Handler func(subject string, payload []byte)

// SubscriptionHandle identifies a live subscription for later Unsubscribe.
type SubscriptionHandle struct {
	subject string
	sub     *nats.Subscription
}

// Bus is a pub/sub adapter with graceful degradation: if the broker is
// unreachable at Connect time or drops out later, Subscribe and Publish
// fail fast with ErrDisconnected instead of blocking callers.
type Bus struct {
	logger *zap.Logger
	url    string

	mu        sync.RWMutex
	conn      *nats.Conn
	connected atomic.Bool
}

// New builds a Bus that will dial url on Connect.
func New(url string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger, url: url}
}

// Connect dials the broker. On failure it logs and leaves the Bus in the
// disconnected state; callers keep serving requests without cross-process
// event delivery and may call Connect again later to retry.
func (b *Bus) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.connected.Store(false)
			if err != nil {
				b.logger.Warn("eventbus disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.connected.Store(true)
			b.logger.Info("eventbus reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			b.connected.Store(false)
		}),
	}

	conn, err := nats.Connect(b.url, opts...)
	if err != nil {
		b.logger.Warn("eventbus connect failed, degrading to disabled", zap.String("url", b.url), zap.Error(err))
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.connected.Store(true)
	return nil
}

// Connected reports whether the bus currently has a live broker connection.
func (b *Bus) Connected() bool {
	return b.connected.Load()
}

// Subscribe registers handler for messages published to subject. The
// subscription is scoped to the caller's lifetime (typically one SSE
// stream): callers must Unsubscribe when done.
func (b *Bus) Subscribe(subject string, handler Handler) (*SubscriptionHandle, error) {
	if !b.connected.Load() {
		droppedSubscriptions.Inc()
		return nil, ErrDisconnected
	}
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		droppedSubscriptions.Inc()
		return nil, ErrDisconnected
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		droppedSubscriptions.Inc()
		return nil, err
	}
	activeSubscriptions.Inc()
	return &SubscriptionHandle{subject: subject, sub: sub}, nil
}

// Unsubscribe tears down a subscription created by Subscribe. Safe to call
// with a nil handle.
func (b *Bus) Unsubscribe(h *SubscriptionHandle) error {
	if h == nil || h.sub == nil {
		return nil
	}
	activeSubscriptions.Dec()
	return h.sub.Unsubscribe()
}

// Publish sends payload to subject. Returns ErrDisconnected immediately if
// the broker is unreachable rather than blocking the caller.
func (b *Bus) Publish(subject string, payload []byte) error {
	if !b.connected.Load() {
		return ErrDisconnected
	}
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return ErrDisconnected
	}
	if err := conn.Publish(subject, payload); err != nil {
		publishFailures.Inc()
		return err
	}
	return nil
}

// Close drains and closes the broker connection.
func (b *Bus) Close() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	b.connected.Store(false)
	if conn != nil {
		conn.Close()
	}
}
