// Package events publishes license lifecycle events to NATS for
// downstream consumers (billing reconciliation, analytics, customer
// messaging). Publishing is best effort: the authority never fails an
// API call because the bus is down.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"keygate/internal/config"
)

// Lifecycle event types carried in LifecycleEvent.Type.
const (
	TypeLicenseGenerated    = "license.generated"
	TypeLicenseRevoked      = "license.revoked"
	TypeLicenseActivated    = "license.activated"
	TypeLicenseSuspended    = "license.suspended"
	TypeLicenseExpired      = "license.expired"
	TypeLicenseTierChanged  = "license.tier_changed"
	TypeLicenseGraceStarted = "license.grace_started"
	TypeMachineDeactivated  = "machine.deactivated"
)

// LifecycleEvent is the bus payload. MaskedKey carries only the key's
// prefix and tail so consumers can correlate without holding the secret.
type LifecycleEvent struct {
	Type           string    `json:"type"`
	LicenseID      string    `json:"licenseId"`
	MaskedKey      string    `json:"maskedKey,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	Tier           string    `json:"tier,omitempty"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	MachineID      string    `json:"machineId,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event LifecycleEvent) error
	Close()
}

// NATSPublisher publishes events over a core NATS connection with
// bounded retry.
type NATSPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
	maxRetries    int
	timeout       time.Duration
	logger        *slog.Logger
}

// Connect dials NATS per cfg and returns a publisher. A disabled config
// yields the no-op publisher.
func Connect(cfg config.EventsConfig, logger *slog.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return NewNopPublisher(logger), nil
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("keygated"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSPublisher{
		conn:          conn,
		subjectPrefix: cfg.SubjectPrefix,
		maxRetries:    cfg.MaxRetries,
		timeout:       cfg.PublishTimeout,
		logger:        logger,
	}, nil
}

// Publish marshals the event and publishes it to the event's subject,
// retrying with linear backoff.
func (p *NATSPublisher) Publish(ctx context.Context, event LifecycleEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := p.subjectFor(event.Type)

	for i := 0; i <= p.maxRetries; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		if err = p.conn.Publish(subject, data); err == nil {
			if flushErr := p.conn.FlushTimeout(p.timeout); flushErr != nil {
				p.logger.WarnContext(ctx, "event flush failed",
					"subject", subject,
					"error", flushErr)
			}
			p.logger.DebugContext(ctx, "lifecycle event published",
				"subject", subject,
				"type", event.Type,
				"license_id", event.LicenseID)
			return nil
		}

		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}

	return fmt.Errorf("publish %s failed after %d retries: %w", subject, p.maxRetries, err)
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *NATSPublisher) subjectFor(eventType string) string {
	return p.subjectPrefix + "." + eventType
}

// NopPublisher drops events, logging them at debug level. Used when
// event publishing is disabled.
type NopPublisher struct {
	logger *slog.Logger
}

// NewNopPublisher returns a publisher that discards events.
func NewNopPublisher(logger *slog.Logger) *NopPublisher {
	return &NopPublisher{logger: logger}
}

// Publish logs and drops the event.
func (p *NopPublisher) Publish(ctx context.Context, event LifecycleEvent) error {
	p.logger.DebugContext(ctx, "lifecycle event dropped (publishing disabled)",
		"type", event.Type,
		"license_id", event.LicenseID)
	return nil
}

// Close is a no-op.
func (p *NopPublisher) Close() {}
