// Package subscription maps billing-provider lifecycle events onto license
// state. Each event is applied at most once: a bounded in-memory cache
// absorbs rapid redeliveries and a durable claim on the provider's event id
// survives restarts. Replays are acknowledged without re-applying.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"keygate/internal/authority"
	"keygate/internal/cache"
	"keygate/internal/config"
	kgerrors "keygate/internal/errors"
	"keygate/internal/events"
	"keygate/internal/infrastructure"
	"keygate/internal/security"
	"keygate/internal/store"
	v1 "keygate/pkg/contracts/v1"
	"keygate/pkg/tier"
)

// Normalized subscription states stored on subscription rows. The provider
// vocabulary is wider; normalizeStatus folds synonyms onto these.
const (
	statusActive    = "active"
	statusSuspended = "suspended"
	statusPastDue   = "past_due"
	statusCancelled = "cancelled"
	statusExpired   = "expired"
)

const defaultDedupSize = 2048

// Deps are the collaborators a Processor needs. Store, Authority and Cache
// are required.
type Deps struct {
	Store     *store.Store
	Authority *authority.Service
	Cache     cache.Cache
	Publisher events.Publisher
	Metrics   *infrastructure.BusinessMetrics
	Tracer    trace.Tracer
	Tiers     *tier.Table
	License   config.LicenseConfig
	DedupSize int
	Logger    *slog.Logger
}

// Processor applies subscription lifecycle events to subscriptions and
// their linked licenses.
type Processor struct {
	store     *store.Store
	authority *authority.Service
	cache     cache.Cache
	publisher events.Publisher
	metrics   *infrastructure.BusinessMetrics
	tracer    trace.Tracer
	tiers     *tier.Table
	logger    *slog.Logger

	dedup     *lru.Cache[string, time.Time]
	planTiers map[string]string
	grace     time.Duration

	now func() time.Time
}

// New wires a Processor.
func New(deps Deps) (*Processor, error) {
	if deps.Store == nil {
		return nil, errors.New("subscription: store is required")
	}
	if deps.Authority == nil {
		return nil, errors.New("subscription: authority is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("subscription: cache is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NewNopPublisher(logger)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("keygate.subscription")
	}
	tiers := deps.Tiers
	if tiers == nil {
		tiers = tier.Default()
	}

	size := deps.DedupSize
	if size <= 0 {
		size = defaultDedupSize
	}
	dedup, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("build dedup cache: %w", err)
	}

	graceDays := deps.License.GracePeriodDays
	if graceDays <= 0 {
		graceDays = 7
	}

	return &Processor{
		store:     deps.Store,
		authority: deps.Authority,
		cache:     deps.Cache,
		publisher: publisher,
		metrics:   deps.Metrics,
		tracer:    tracer,
		tiers:     tiers,
		logger:    logger,
		dedup:     dedup,
		planTiers: deps.License.PlanTiers,
		grace:     time.Duration(graceDays) * 24 * time.Hour,
		now:       time.Now,
	}, nil
}

// Process applies one lifecycle event. Duplicate deliveries return nil so
// the webhook endpoint acknowledges them; the effects are applied exactly
// once. A failure after the durable claim releases the claim again, so the
// provider's retry is processed rather than swallowed.
func (p *Processor) Process(ctx context.Context, event *v1.SubscriptionEvent) error {
	ctx, span := p.tracer.Start(ctx, "webhook.process", trace.WithAttributes(
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.event_type", event.Type),
		attribute.String("webhook.subscription_id", event.Data.SubscriptionID),
		attribute.String("component", "subscription"),
	))
	defer span.End()

	if _, seen := p.dedup.Get(event.ID); seen {
		span.SetAttributes(attribute.Bool("webhook.duplicate", true))
		infrastructure.RecordWebhookEvent(ctx, p.metrics, event.Type, "duplicate")
		p.logger.DebugContext(ctx, "webhook replay dropped by dedup cache",
			slog.String("event_id", event.ID))
		return nil
	}

	fresh, err := p.store.Events.Claim(ctx, event.ID, event.Type)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		infrastructure.RecordWebhookEvent(ctx, p.metrics, event.Type, "failed")
		return fmt.Errorf("claim webhook event: %w", err)
	}
	if !fresh {
		p.dedup.Add(event.ID, p.now())
		span.SetAttributes(attribute.Bool("webhook.duplicate", true))
		infrastructure.RecordWebhookEvent(ctx, p.metrics, event.Type, "duplicate")
		p.logger.InfoContext(ctx, "webhook replay acknowledged without re-applying",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
		)
		return nil
	}

	if err := p.apply(ctx, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		infrastructure.RecordWebhookEvent(ctx, p.metrics, event.Type, "failed")
		if relErr := p.store.Events.Release(ctx, event.ID); relErr != nil {
			p.logger.ErrorContext(ctx, "failed to release claim for unapplied event",
				slog.String("event_id", event.ID),
				slog.String("error", relErr.Error()),
			)
		}
		return err
	}

	p.dedup.Add(event.ID, p.now())
	infrastructure.RecordWebhookEvent(ctx, p.metrics, event.Type, "processed")
	return nil
}

func (p *Processor) apply(ctx context.Context, event *v1.SubscriptionEvent) error {
	switch event.Type {
	case v1.EventSubscriptionCreated:
		return p.handleCreated(ctx, event)
	case v1.EventSubscriptionUpdated:
		return p.handleUpdated(ctx, event)
	case v1.EventSubscriptionCancelled:
		return p.handleGraceTransition(ctx, event, statusCancelled)
	case v1.EventSubscriptionRenewed:
		return p.handleRenewed(ctx, event)
	case v1.EventPaymentFailed:
		return p.handleGraceTransition(ctx, event, statusPastDue)
	default:
		return fmt.Errorf("unsupported webhook event type %q", event.Type)
	}
}

// handleCreated records the subscription and makes sure a license backs it,
// generating one on first sight. A re-created subscription reuses its
// existing license, reactivated and retargeted to the event's plan.
func (p *Processor) handleCreated(ctx context.Context, event *v1.SubscriptionEvent) error {
	data := event.Data
	userID := data.UserID
	if userID == "" {
		userID = data.Email
	}
	if userID == "" {
		return errors.New("subscription.created carries no user identity")
	}
	planTier := p.planTier(ctx, data.PlanID)

	sub := &store.Subscription{
		ID:        data.SubscriptionID,
		UserID:    userID,
		PlanID:    data.PlanID,
		Status:    statusActive,
		ExpiresAt: data.ExpiresAt,
	}
	if err := p.store.Subscriptions.Upsert(ctx, sub); err != nil {
		return err
	}

	lic, err := p.store.Licenses.GetBySubscription(ctx, data.SubscriptionID)
	if err != nil {
		if !errors.Is(err, kgerrors.ErrLicenseNotFound) {
			return err
		}
		rec, genErr := p.authority.Generate(ctx, &v1.GenerateRequest{
			UserID:         userID,
			Tier:           planTier,
			SubscriptionID: data.SubscriptionID,
			ExpiresAt:      data.ExpiresAt,
		})
		if genErr != nil {
			return fmt.Errorf("generate license for subscription: %w", genErr)
		}
		p.logger.InfoContext(ctx, "license generated for new subscription",
			slog.String("subscription_id", data.SubscriptionID),
			slog.String("key_prefix", security.MaskKey(rec.Key)),
			slog.String("tier", string(rec.Tier)),
		)
		return nil
	}

	if err := p.store.Licenses.Activate(ctx, lic.Key, data.ExpiresAt); err != nil {
		return p.tolerateRevoked(ctx, err, lic)
	}
	if err := p.retargetTier(ctx, lic, planTier); err != nil {
		return err
	}
	p.invalidate(ctx, lic.Key)
	p.publishLicense(ctx, events.TypeLicenseActivated, lic, "subscription created")
	return nil
}

// handleUpdated propagates status and expiry onto the license and retargets
// the tier when the plan changed. Grace-entering statuses delegate to the
// idempotent grace transition.
func (p *Processor) handleUpdated(ctx context.Context, event *v1.SubscriptionEvent) error {
	data := event.Data
	status := normalizeStatus(data.Status)
	switch status {
	case statusCancelled:
		return p.handleGraceTransition(ctx, event, statusCancelled)
	case statusPastDue:
		return p.handleGraceTransition(ctx, event, statusPastDue)
	}

	sub := &store.Subscription{
		ID:        data.SubscriptionID,
		UserID:    data.UserID,
		PlanID:    data.PlanID,
		Status:    status,
		ExpiresAt: data.ExpiresAt,
	}
	if err := p.mergeExisting(ctx, sub); err != nil {
		return err
	}
	if err := p.store.Subscriptions.Upsert(ctx, sub); err != nil {
		return err
	}

	lic, err := p.store.Licenses.GetBySubscription(ctx, data.SubscriptionID)
	if err != nil {
		if errors.Is(err, kgerrors.ErrLicenseNotFound) {
			p.logger.WarnContext(ctx, "subscription update with no linked license",
				slog.String("subscription_id", data.SubscriptionID))
			return nil
		}
		return err
	}

	switch status {
	case statusActive:
		if err := p.store.Licenses.Activate(ctx, lic.Key, data.ExpiresAt); err != nil {
			return p.tolerateRevoked(ctx, err, lic)
		}
		p.publishLicense(ctx, events.TypeLicenseActivated, lic, "subscription updated")
	case statusSuspended:
		if err := p.store.Licenses.Suspend(ctx, lic.Key); err != nil {
			return p.tolerateRevoked(ctx, err, lic)
		}
		p.publishLicense(ctx, events.TypeLicenseSuspended, lic, "subscription suspended")
	case statusExpired:
		if err := p.store.Licenses.Expire(ctx, lic.Key); err != nil {
			return p.tolerateRevoked(ctx, err, lic)
		}
		p.publishLicense(ctx, events.TypeLicenseExpired, lic, "subscription expired")
	default:
		p.logger.WarnContext(ctx, "unknown subscription status stored without license effect",
			slog.String("subscription_id", data.SubscriptionID),
			slog.String("status", status),
		)
	}

	if data.PlanID != "" {
		if err := p.retargetTier(ctx, lic, p.planTier(ctx, data.PlanID)); err != nil {
			return err
		}
	}
	p.invalidate(ctx, lic.Key)
	return nil
}

// handleRenewed clears any grace period, extends the expiry and reactivates
// the license.
func (p *Processor) handleRenewed(ctx context.Context, event *v1.SubscriptionEvent) error {
	data := event.Data
	sub := &store.Subscription{
		ID:        data.SubscriptionID,
		UserID:    data.UserID,
		PlanID:    data.PlanID,
		Status:    statusActive,
		ExpiresAt: data.ExpiresAt,
	}
	if err := p.mergeExisting(ctx, sub); err != nil {
		return err
	}
	// GracePeriodEnds stays nil: the upsert clears any running grace.
	sub.GracePeriodEnds = nil
	if err := p.store.Subscriptions.Upsert(ctx, sub); err != nil {
		return err
	}

	lic, err := p.store.Licenses.GetBySubscription(ctx, data.SubscriptionID)
	if err != nil {
		if errors.Is(err, kgerrors.ErrLicenseNotFound) {
			p.logger.WarnContext(ctx, "renewal with no linked license",
				slog.String("subscription_id", data.SubscriptionID))
			return nil
		}
		return err
	}

	if err := p.store.Licenses.Activate(ctx, lic.Key, data.ExpiresAt); err != nil {
		return p.tolerateRevoked(ctx, err, lic)
	}
	if data.PlanID != "" {
		if err := p.retargetTier(ctx, lic, p.planTier(ctx, data.PlanID)); err != nil {
			return err
		}
	}
	p.invalidate(ctx, lic.Key)
	p.publishLicense(ctx, events.TypeLicenseActivated, lic, "subscription renewed")
	p.logger.InfoContext(ctx, "license renewed",
		slog.String("subscription_id", data.SubscriptionID),
		slog.String("key_prefix", security.MaskKey(lic.Key)),
	)
	return nil
}

// handleGraceTransition moves a subscription into cancelled or past_due and
// starts its grace period once. The license expiry is parked at the
// transition instant, so the validator reports grace_period until the
// window ends and LICENSE_EXPIRED after, with no further events needed.
// A second event for the same state must not slide the window.
func (p *Processor) handleGraceTransition(ctx context.Context, event *v1.SubscriptionEvent, target string) error {
	data := event.Data
	now := p.now()

	existing, err := p.store.Subscriptions.Get(ctx, data.SubscriptionID)
	if err != nil && !errors.Is(err, kgerrors.ErrSubscriptionNotFound) {
		return err
	}
	if existing != nil && existing.Status == target && existing.GracePeriodEnds != nil {
		p.logger.InfoContext(ctx, "grace period already in effect",
			slog.String("subscription_id", data.SubscriptionID),
			slog.String("status", target),
			slog.Time("grace_period_ends", *existing.GracePeriodEnds),
		)
		return nil
	}

	graceEnds := now.Add(p.grace)
	sub := &store.Subscription{
		ID:              data.SubscriptionID,
		UserID:          data.UserID,
		PlanID:          data.PlanID,
		Status:          target,
		ExpiresAt:       data.ExpiresAt,
		GracePeriodEnds: &graceEnds,
	}
	if existing != nil {
		if sub.UserID == "" {
			sub.UserID = existing.UserID
		}
		if sub.PlanID == "" {
			sub.PlanID = existing.PlanID
		}
		if sub.ExpiresAt == nil {
			sub.ExpiresAt = existing.ExpiresAt
		}
	}
	if sub.UserID == "" {
		sub.UserID = data.Email
	}
	if err := p.store.Subscriptions.Upsert(ctx, sub); err != nil {
		return err
	}

	lic, err := p.store.Licenses.GetBySubscription(ctx, data.SubscriptionID)
	if err != nil {
		if errors.Is(err, kgerrors.ErrLicenseNotFound) {
			p.logger.WarnContext(ctx, "grace transition with no linked license",
				slog.String("subscription_id", data.SubscriptionID))
			return nil
		}
		return err
	}

	if err := p.store.Licenses.Activate(ctx, lic.Key, &now); err != nil {
		return p.tolerateRevoked(ctx, err, lic)
	}
	p.invalidate(ctx, lic.Key)
	p.publishLicense(ctx, events.TypeLicenseGraceStarted, lic, target)
	p.logger.InfoContext(ctx, "license entered grace period",
		slog.String("subscription_id", data.SubscriptionID),
		slog.String("key_prefix", security.MaskKey(lic.Key)),
		slog.String("status", target),
		slog.Time("grace_period_ends", graceEnds),
	)
	return nil
}

// retargetTier moves the license to a new plan tier when it changed,
// refreshing the machine limit from the tier table.
func (p *Processor) retargetTier(ctx context.Context, lic *store.License, newTier tier.Tier) error {
	if newTier == lic.Tier {
		return nil
	}
	maxMachines := p.tiers.Limits(newTier).MaxMachines
	if err := p.store.Licenses.SetTier(ctx, lic.Key, newTier, maxMachines); err != nil {
		return p.tolerateRevoked(ctx, err, lic)
	}
	p.logger.InfoContext(ctx, "license retargeted to new plan tier",
		slog.String("key_prefix", security.MaskKey(lic.Key)),
		slog.String("from", string(lic.Tier)),
		slog.String("to", string(newTier)),
	)
	moved := *lic
	moved.Tier = newTier
	p.publishLicense(ctx, events.TypeLicenseTierChanged, &moved, "plan changed")
	return nil
}

// mergeExisting fills fields the event omitted from the stored row, so a
// terse provider payload cannot blank out what is already known.
func (p *Processor) mergeExisting(ctx context.Context, sub *store.Subscription) error {
	existing, err := p.store.Subscriptions.Get(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, kgerrors.ErrSubscriptionNotFound) {
			return nil
		}
		return err
	}
	if sub.UserID == "" {
		sub.UserID = existing.UserID
	}
	if sub.PlanID == "" {
		sub.PlanID = existing.PlanID
	}
	if sub.ExpiresAt == nil {
		sub.ExpiresAt = existing.ExpiresAt
	}
	return nil
}

// tolerateRevoked acknowledges billing transitions aimed at a revoked
// license. Revocation is terminal; retrying the event cannot change that,
// so the provider should stop redelivering it.
func (p *Processor) tolerateRevoked(ctx context.Context, err error, lic *store.License) error {
	if errors.Is(err, kgerrors.ErrLicenseRevoked) {
		p.logger.WarnContext(ctx, "billing transition ignored for revoked license",
			slog.String("key_prefix", security.MaskKey(lic.Key)))
		return nil
	}
	return err
}

// planTier maps a provider plan id onto a tier: the configured table first,
// then a substring match on the tier name, FREE as the last resort.
func (p *Processor) planTier(ctx context.Context, planID string) tier.Tier {
	if name, ok := p.planTiers[planID]; ok {
		t, err := tier.Parse(name)
		if err == nil {
			return t
		}
		p.logger.WarnContext(ctx, "plan mapping names an unknown tier",
			slog.String("plan_id", planID),
			slog.String("mapped_to", name),
		)
	}

	lowered := strings.ToLower(planID)
	for _, t := range []tier.Tier{tier.Enterprise, tier.Pro, tier.Free} {
		if strings.Contains(lowered, strings.ToLower(string(t))) {
			return t
		}
	}

	p.logger.WarnContext(ctx, "unmapped plan id defaulted to FREE",
		slog.String("plan_id", planID))
	return tier.Free
}

// invalidate drops the cached license record after a webhook transition so
// the next validation reflects it immediately instead of at TTL expiry.
func (p *Processor) invalidate(ctx context.Context, key string) {
	if err := p.cache.Invalidate(ctx, security.HashKey(key)); err != nil {
		p.logger.WarnContext(ctx, "cache invalidation failed after webhook transition",
			slog.String("key_prefix", security.MaskKey(key)),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Processor) publishLicense(ctx context.Context, eventType string, lic *store.License, reason string) {
	ev := events.LifecycleEvent{
		Type:      eventType,
		LicenseID: lic.ID.String(),
		MaskedKey: security.MaskKey(lic.Key),
		UserID:    lic.UserID,
		Tier:      string(lic.Tier),
		Reason:    reason,
	}
	if lic.SubscriptionID != nil {
		ev.SubscriptionID = *lic.SubscriptionID
	}
	if err := p.publisher.Publish(ctx, ev); err != nil {
		p.logger.WarnContext(ctx, "lifecycle event publish failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
		return
	}
	if p.metrics != nil {
		p.metrics.LifecycleEventsPublished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", eventType),
		))
	}
}

// normalizeStatus folds provider status vocabulary onto the stored set.
// Unknown values pass through lowercased so they are stored verbatim.
func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "active", "trialing", "trial":
		return statusActive
	case "suspended", "paused", "inactive":
		return statusSuspended
	case "past_due", "pastdue", "unpaid":
		return statusPastDue
	case "cancelled", "canceled":
		return statusCancelled
	case "expired":
		return statusExpired
	default:
		return strings.ToLower(strings.TrimSpace(s))
	}
}
