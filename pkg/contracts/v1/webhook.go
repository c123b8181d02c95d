package v1

import "time"

// Subscription lifecycle event types delivered by the payment provider.
const (
	EventSubscriptionCreated   = "subscription.created"
	EventSubscriptionUpdated   = "subscription.updated"
	EventSubscriptionCancelled = "subscription.cancelled"
	EventSubscriptionRenewed   = "subscription.renewed"
	EventPaymentFailed         = "subscription.payment_failed"
)

// Webhook and signed-request headers. The webhook signature is an HMAC over
// "timestamp.body" with the timestamp taken from its header, so a replayed
// body cannot be re-signed with a fresh timestamp by anyone without the
// shared secret.
const (
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
	HeaderSignature        = "X-Signature"
	HeaderTimestamp        = "X-Timestamp"
	HeaderNonce            = "X-Nonce"
)

// SubscriptionEvent is one lifecycle event. ID is the provider's event id
// and doubles as the idempotency key: replays with the same ID are
// acknowledged without being re-applied.
type SubscriptionEvent struct {
	ID        string                `json:"id" validate:"required,min=1"`
	Type      string                `json:"type" validate:"required,oneof=subscription.created subscription.updated subscription.cancelled subscription.renewed subscription.payment_failed"`
	Data      SubscriptionEventData `json:"data" validate:"required"`
	Timestamp time.Time             `json:"timestamp"`
}

// SubscriptionEventData carries the subscription fields relevant to license
// state. PlanID maps to a tier through the server's plan table.
type SubscriptionEventData struct {
	SubscriptionID string     `json:"subscriptionId" validate:"required,min=1"`
	UserID         string     `json:"userId,omitempty"`
	Email          string     `json:"email,omitempty" validate:"omitempty,email"`
	Status         string     `json:"status,omitempty"`
	PlanID         string     `json:"planId,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}
