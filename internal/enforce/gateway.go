// Package enforce defines the boundary contract to the external firewall or
// isolation mechanism, plus the retry policy wrapped around it.
package enforce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

// Gateway is the contract the external enforcement mechanism must satisfy.
// Both calls are idempotent: blocking an already-blocked identity and
// unblocking a not-blocked identity are no-op successes.
type Gateway interface {
	Block(ctx context.Context, source model.SourceIdentity, duration time.Duration) error
	Unblock(ctx context.Context, source model.SourceIdentity) error
}

// directive is the wire shape published to the enforcement mechanism.
type directive struct {
	Action    string    `json:"action"`
	Kind      string    `json:"kind"`
	Value     string    `json:"value"`
	DurationS float64   `json:"duration_seconds,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Publisher is the messaging seam the gateway publishes directives through.
// *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSGateway publishes block/unblock directives on a NATS subject consumed
// by the firewall integration. It tracks active blocks locally to keep the
// idempotence contract without a round trip.
type NATSGateway struct {
	pub     Publisher
	subject string
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]time.Time
}

// NewNATSGateway creates the gateway.
func NewNATSGateway(pub Publisher, subject string, logger *slog.Logger) *NATSGateway {
	return &NATSGateway{
		pub:     pub,
		subject: subject,
		logger:  logger,
		active:  make(map[string]time.Time),
	}
}

// Block implements Gateway.
func (g *NATSGateway) Block(ctx context.Context, source model.SourceIdentity, duration time.Duration) error {
	g.mu.Lock()
	if expiry, ok := g.active[source.Key()]; ok && expiry.After(time.Now()) {
		g.mu.Unlock()
		g.logger.Debug("block already active, no-op", "source", source.Key())
		return nil
	}
	g.mu.Unlock()

	if err := g.publish(directive{
		Action:    string(model.ActionBlock),
		Kind:      string(source.Kind),
		Value:     source.Value,
		DurationS: duration.Seconds(),
		IssuedAt:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to publish block directive: %w", err)
	}

	g.mu.Lock()
	g.active[source.Key()] = time.Now().Add(duration)
	g.mu.Unlock()
	return nil
}

// Unblock implements Gateway.
func (g *NATSGateway) Unblock(ctx context.Context, source model.SourceIdentity) error {
	g.mu.Lock()
	_, wasActive := g.active[source.Key()]
	delete(g.active, source.Key())
	g.mu.Unlock()

	if !wasActive {
		g.logger.Debug("unblock for identity with no active block, no-op", "source", source.Key())
		return nil
	}

	if err := g.publish(directive{
		Action:   string(model.ActionUnblock),
		Kind:     string(source.Kind),
		Value:    source.Value,
		IssuedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to publish unblock directive: %w", err)
	}
	return nil
}

func (g *NATSGateway) publish(d directive) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return g.pub.Publish(g.subject, data)
}

// Retrier wraps a gateway with bounded exponential backoff. Enforcement I/O
// is fallible and potentially slow; a failed call after all retries surfaces
// through the returned error but never rolls back decision state.
type Retrier struct {
	gateway  Gateway
	attempts int
	base     time.Duration
	logger   *slog.Logger
}

// NewRetrier builds the retry wrapper.
func NewRetrier(gateway Gateway, attempts int, base time.Duration, logger *slog.Logger) *Retrier {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return &Retrier{gateway: gateway, attempts: attempts, base: base, logger: logger}
}

// Block implements Gateway with retries.
func (r *Retrier) Block(ctx context.Context, source model.SourceIdentity, duration time.Duration) error {
	return r.retry(ctx, "block", source, func() error {
		return r.gateway.Block(ctx, source, duration)
	})
}

// Unblock implements Gateway with retries.
func (r *Retrier) Unblock(ctx context.Context, source model.SourceIdentity) error {
	return r.retry(ctx, "unblock", source, func() error {
		return r.gateway.Unblock(ctx, source)
	})
}

func (r *Retrier) retry(ctx context.Context, op string, source model.SourceIdentity, call func() error) error {
	backoff := r.base
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = call()
		if err == nil {
			return nil
		}
		if attempt == r.attempts {
			break
		}
		r.logger.Warn("enforcement call failed, retrying",
			"op", op, "source", source.Key(),
			"attempt", attempt, "backoff", backoff.String(), "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s %s canceled: %w", op, source.Key(), ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", op, source.Key(), r.attempts, err)
}
