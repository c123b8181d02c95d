// Package authority is the server-side license decision point. It owns the
// four mutating operations of the licensing engine: validate, generate,
// revoke and machine deactivation. Persistence, caching, key material and
// event publication are injected; the authority sequences them and decides.
//
// Denials are data, not errors: Validate returns a ValidationResult carrying
// a code from the fixed denial set, and reserves the error return for
// infrastructure failures the caller should surface as a 5xx problem.
package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

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

// Deps are the collaborators a Service needs. Metrics, Tracer and Publisher
// may be nil or absent; the authority degrades to logging only.
type Deps struct {
	Store        *store.Store
	Cache        cache.Cache
	Fingerprints *security.FingerprintService
	Publisher    events.Publisher
	Metrics      *infrastructure.BusinessMetrics
	Tracer       trace.Tracer
	Tiers        *tier.Table
	License      config.LicenseConfig
	Logger       *slog.Logger
}

// Service makes license decisions over the durable store. It is stateless
// between requests; all shared state lives in the store and the cache, so
// any number of instances can serve the same license population.
type Service struct {
	store        *store.Store
	cache        cache.Cache
	fingerprints *security.FingerprintService
	publisher    events.Publisher
	metrics      *infrastructure.BusinessMetrics
	tracer       trace.Tracer
	tiers        *tier.Table
	logger       *slog.Logger

	keyPrefix     string
	gracePeriod   time.Duration
	warnRemaining int64

	// now is swappable so expiry and grace boundaries are testable.
	now func() time.Time
}

// New wires a Service. Store, Cache and Fingerprints are required; the
// remaining collaborators fall back to no-op or default implementations.
func New(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("authority: store is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("authority: cache is required")
	}
	if deps.Fingerprints == nil {
		return nil, errors.New("authority: fingerprint service is required")
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
		tracer = otel.Tracer("keygate.authority")
	}
	tiers := deps.Tiers
	if tiers == nil {
		tiers = tier.Default()
	}

	keyPrefix := deps.License.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "KGT"
	}
	graceDays := deps.License.GracePeriodDays
	if graceDays <= 0 {
		graceDays = 7
	}
	warn := deps.License.FreeWarningThreshold
	if warn <= 0 {
		warn = 5
	}

	return &Service{
		store:         deps.Store,
		cache:         deps.Cache,
		fingerprints:  deps.Fingerprints,
		publisher:     publisher,
		metrics:       deps.Metrics,
		tracer:        tracer,
		tiers:         tiers,
		logger:        logger,
		keyPrefix:     keyPrefix,
		gracePeriod:   time.Duration(graceDays) * 24 * time.Hour,
		warnRemaining: int64(warn),
		now:           time.Now,
	}, nil
}

// Validate answers whether a license key is usable on a machine right now.
// Order of checks: key format, cached or loaded license record, status and
// expiry with the grace window, machine admission, usage recording. The
// cache short-circuits only the license read; admission and usage always
// reach the store, so a cached key can never walk onto extra machines.
func (s *Service) Validate(ctx context.Context, req *v1.ValidateRequest) (*v1.ValidationResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "license.validate", trace.WithAttributes(
		attribute.String("license.key_prefix", security.MaskKey(req.LicenseKey)),
		attribute.String("license.machine_id", req.MachineID),
		attribute.String("component", "authority"),
	))
	defer span.End()

	result, err := s.validate(ctx, req)

	duration := time.Since(start)
	span.SetAttributes(attribute.Float64("license.validation_duration_ms",
		float64(duration.Milliseconds())))

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		infrastructure.RecordValidation(ctx, s.metrics, false, v1.CodeValidationError, "", duration)
	case result.IsValid:
		span.SetAttributes(
			attribute.Bool("license.valid", true),
			attribute.String("license.tier", string(result.Tier)),
		)
		infrastructure.RecordValidation(ctx, s.metrics, true, "", string(result.Tier), duration)
	default:
		span.SetAttributes(
			attribute.Bool("license.valid", false),
			attribute.String("license.denial_code", result.Code),
		)
		infrastructure.RecordValidation(ctx, s.metrics, false, result.Code, "", duration)
	}
	return result, err
}

func (s *Service) validate(ctx context.Context, req *v1.ValidateRequest) (*v1.ValidationResult, error) {
	if err := security.ValidateKeyFormat(req.LicenseKey); err != nil {
		s.logger.WarnContext(ctx, "license key rejected on format",
			slog.String("key_prefix", security.MaskKey(req.LicenseKey)),
			slog.String("machine_id", req.MachineID),
		)
		return v1.Denied(v1.CodeInvalidFormat, "license key format is invalid"), nil
	}

	now := s.now()
	keyHash := security.HashKey(req.LicenseKey)

	lic, hit := s.cache.Get(ctx, keyHash)
	s.countCache(ctx, hit)
	if !hit {
		var err error
		lic, err = s.store.Licenses.GetByKey(ctx, req.LicenseKey)
		if err != nil {
			if errors.Is(err, kgerrors.ErrLicenseNotFound) {
				s.logger.WarnContext(ctx, "validation for unknown license",
					slog.String("key_prefix", security.MaskKey(req.LicenseKey)))
				return v1.Denied(v1.CodeLicenseNotFound, "no license exists for this key"), nil
			}
			return nil, fmt.Errorf("load license: %w", err)
		}
	}

	// Status and expiry are re-evaluated even on a cache hit; a cached
	// record can cross its expiry or grace boundary well inside the TTL.
	subscription, denial := s.evaluateStatus(lic, now)
	if denial != nil {
		s.logger.WarnContext(ctx, "license denied",
			slog.String("key_prefix", security.MaskKey(req.LicenseKey)),
			slog.String("code", denial.Code),
		)
		return denial, nil
	}

	machine, denial, err := s.admitMachine(ctx, lic, req)
	if err != nil {
		return nil, err
	}
	if denial != nil {
		return denial, nil
	}

	if _, err := s.store.Usage.Record(ctx, lic.ID, req.MachineID, now, req.Features); err != nil {
		return nil, fmt.Errorf("record usage: %w", err)
	}
	total, err := s.store.Usage.DailyTotal(ctx, lic.ID, now)
	if err != nil {
		return nil, fmt.Errorf("sum daily usage: %w", err)
	}
	active, err := s.store.Machines.CountActive(ctx, lic.ID)
	if err != nil {
		return nil, fmt.Errorf("count machines: %w", err)
	}

	limits := s.limitsFor(lic)
	s.warnOnLowQuota(ctx, lic, limits, total)

	result := &v1.ValidationResult{
		Success:  true,
		IsValid:  true,
		Tier:     lic.Tier,
		Features: s.tiers.Features(lic.Tier),
		Limits:   &limits,
		Usage: &v1.Usage{
			CallsToday:   int(total),
			MachinesUsed: active,
		},
		Subscription: subscription,
		TierVersion:  s.tiers.Version,
	}

	// Only admissible records are cached, and only on a miss. A hot key is
	// re-read once per TTL, so mutations that bypass explicit invalidation
	// still surface within five minutes.
	if !hit {
		s.cache.Set(ctx, keyHash, lic)
	}

	s.logger.DebugContext(ctx, "license validated",
		slog.String("key_prefix", security.MaskKey(req.LicenseKey)),
		slog.String("machine_id", machine.MachineID),
		slog.String("tier", string(lic.Tier)),
		slog.Int64("calls_today", total),
		slog.Int("machines_used", active),
	)
	return result, nil
}

// evaluateStatus maps a license row and the clock to either a subscription
// snapshot (usable) or a denial. The grace window after expiry keeps the
// license usable but reports grace_period so clients can warn.
func (s *Service) evaluateStatus(lic *store.License, now time.Time) (*v1.SubscriptionInfo, *v1.ValidationResult) {
	switch lic.Status {
	case v1.LicenseRevoked:
		return nil, v1.Denied(v1.CodeLicenseRevoked, "this license has been revoked")
	case v1.LicenseSuspended:
		return nil, v1.Denied(v1.CodeLicenseSuspended, "this license is suspended")
	case v1.LicenseExpired:
		denial := v1.Denied(v1.CodeLicenseExpired, "this license has expired")
		denial.Subscription = &v1.SubscriptionInfo{Status: v1.SubscriptionExpired, ExpiresAt: lic.ExpiresAt}
		return nil, denial
	}

	info := &v1.SubscriptionInfo{Status: v1.SubscriptionActive}
	if lic.ExpiresAt == nil {
		return info, nil
	}
	expiresAt := *lic.ExpiresAt
	info.ExpiresAt = &expiresAt
	if !now.After(expiresAt) {
		return info, nil
	}

	graceEnds := expiresAt.Add(s.gracePeriod)
	if now.After(graceEnds) {
		denial := v1.Denied(v1.CodeLicenseExpired, "license expired beyond its grace period")
		denial.Subscription = &v1.SubscriptionInfo{
			Status:          v1.SubscriptionExpired,
			ExpiresAt:       &expiresAt,
			GracePeriodEnds: &graceEnds,
		}
		return nil, denial
	}

	info.Status = v1.SubscriptionGracePeriod
	info.GracePeriodEnds = &graceEnds
	return info, nil
}

// admitMachine runs admission control. Registration and the limit check are
// one atomic decision inside the store; this layer adds the fingerprint
// check for machines that were already registered.
func (s *Service) admitMachine(ctx context.Context, lic *store.License, req *v1.ValidateRequest) (*store.Machine, *v1.ValidationResult, error) {
	presented := s.fingerprints.Compute(security.FingerprintComponents{
		Platform:     req.Platform,
		Architecture: req.Architecture,
		MachineID:    req.MachineID,
	})

	machine, created, err := s.store.RegisterMachine(ctx, lic.ID, req.MachineID, presented.String(), lic.MaxMachines)
	if err != nil {
		switch {
		case errors.Is(err, kgerrors.ErrMachineLimitExceeded):
			s.logger.WarnContext(ctx, "machine admission refused",
				slog.String("key_prefix", security.MaskKey(req.LicenseKey)),
				slog.String("machine_id", req.MachineID),
				slog.Int("max_machines", lic.MaxMachines),
			)
			return nil, v1.Denied(v1.CodeMachineLimitExceeded,
				"license is already active on its maximum number of machines"), nil
		case errors.Is(err, kgerrors.ErrLicenseNotFound):
			// The row vanished between the cached read and admission.
			if invErr := s.cache.Invalidate(ctx, security.HashKey(req.LicenseKey)); invErr != nil {
				s.logger.ErrorContext(ctx, "failed to drop cache entry for deleted license",
					slog.String("key_prefix", security.MaskKey(req.LicenseKey)),
					slog.String("error", invErr.Error()),
				)
			}
			return nil, v1.Denied(v1.CodeLicenseNotFound, "no license exists for this key"), nil
		default:
			return nil, nil, fmt.Errorf("machine admission: %w", err)
		}
	}

	if created {
		if s.metrics != nil {
			s.metrics.MachinesRegistered.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tier", string(lic.Tier)),
			))
		}
		s.logger.InfoContext(ctx, "machine registered",
			slog.String("key_prefix", security.MaskKey(req.LicenseKey)),
			slog.String("machine_id", req.MachineID),
			slog.String("platform", req.Platform),
		)
		return machine, nil, nil
	}

	// A known machine id must core-match the fingerprint recorded at first
	// registration; a mismatch means a different device is presenting this
	// id. Requests that carry no platform data have nothing to corroborate
	// beyond the id itself and skip the check.
	if req.Platform != "" || req.Architecture != "" {
		stored := security.ParseFingerprint(machine.Fingerprint)
		if err := s.fingerprints.Verify(presented, stored); err != nil {
			if s.metrics != nil {
				s.metrics.SystemErrors.Add(ctx, 1, metric.WithAttributes(
					attribute.String("error_type", "fingerprint_mismatch"),
				))
			}
			s.logger.ErrorContext(ctx, "machine fingerprint mismatch",
				slog.String("key_prefix", security.MaskKey(req.LicenseKey)),
				slog.String("machine_id", req.MachineID),
				slog.Bool("security_event", true),
			)
			return nil, v1.Denied(v1.CodeValidationError, "machine fingerprint does not match this machine id"), nil
		}
	}
	return machine, nil, nil
}

// limitsFor resolves the numeric caps in effect: tier defaults, replaced
// wholesale by license-level custom limits when present. MaxMachines always
// comes from the license row, which is what admission enforced.
func (s *Service) limitsFor(lic *store.License) v1.Limits {
	limits := v1.LimitsFromTier(s.tiers.Limits(lic.Tier))
	if lic.CustomLimits != nil {
		limits = *lic.CustomLimits
	}
	limits.MaxMachines = lic.MaxMachines
	return limits
}

func (s *Service) warnOnLowQuota(ctx context.Context, lic *store.License, limits v1.Limits, total int64) {
	if lic.Tier != tier.Free || limits.DailyCalls == tier.Unlimited {
		return
	}
	remaining := int64(limits.DailyCalls) - total
	if remaining < 0 {
		remaining = 0
	}
	if remaining <= s.warnRemaining {
		s.logger.WarnContext(ctx, "free tier daily quota nearly exhausted",
			slog.String("key_prefix", security.MaskKey(lic.Key)),
			slog.Int64("calls_today", total),
			slog.Int64("remaining", remaining),
		)
	}
}

// Generate derives a fresh key, persists the license and announces it.
// MaxMachines defaults from the tier table; an explicit request value wins
// over a custom-limits value, which wins over the tier default.
func (s *Service) Generate(ctx context.Context, req *v1.GenerateRequest) (*v1.LicenseRecord, error) {
	ctx, span := s.tracer.Start(ctx, "license.generate", trace.WithAttributes(
		attribute.String("license.tier", string(req.Tier)),
		attribute.String("component", "authority"),
	))
	defer span.End()

	tr, err := tier.Parse(string(req.Tier))
	if err != nil {
		return nil, err
	}

	key, err := security.GenerateKey(s.keyPrefix, req.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("derive license key: %w", err)
	}

	maxMachines := s.tiers.Limits(tr).MaxMachines
	if req.CustomLimits != nil && req.CustomLimits.MaxMachines != 0 {
		maxMachines = req.CustomLimits.MaxMachines
	}
	if req.MaxMachines > 0 {
		maxMachines = req.MaxMachines
	}

	lic := &store.License{
		Key:          key,
		UserID:       req.UserID,
		Tier:         tr,
		Status:       v1.LicenseActive,
		MaxMachines:  maxMachines,
		CustomLimits: req.CustomLimits,
		ExpiresAt:    req.ExpiresAt,
	}
	if req.SubscriptionID != "" {
		lic.SubscriptionID = &req.SubscriptionID
	}

	if err := s.store.Licenses.Insert(ctx, lic); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.LicensesGenerated.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tier", string(tr)),
		))
	}
	s.logger.InfoContext(ctx, "license generated",
		slog.String("key_prefix", security.MaskKey(key)),
		slog.String("user_id", req.UserID),
		slog.String("tier", string(tr)),
		slog.Int("max_machines", maxMachines),
	)

	s.publish(ctx, events.LifecycleEvent{
		Type:           events.TypeLicenseGenerated,
		LicenseID:      lic.ID.String(),
		MaskedKey:      security.MaskKey(key),
		UserID:         req.UserID,
		Tier:           string(tr),
		SubscriptionID: req.SubscriptionID,
	})

	return licenseRecord(lic), nil
}

// Revoke marks a license revoked and synchronously drops its cache entry.
// The invalidation is part of the operation: a revoke that cannot clear the
// cache fails, because reporting success would leave a stale valid entry
// answering for up to the cache TTL.
func (s *Service) Revoke(ctx context.Context, key, reason string) (*v1.RevokeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "license.revoke", trace.WithAttributes(
		attribute.String("license.key_prefix", security.MaskKey(key)),
		attribute.String("component", "authority"),
	))
	defer span.End()

	if err := security.ValidateKeyFormat(key); err != nil {
		return nil, fmt.Errorf("%w: %w", kgerrors.ErrInvalidKeyFormat, err)
	}

	lic, err := s.store.Licenses.GetByKey(ctx, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	alreadyRevoked := lic.Status == v1.LicenseRevoked

	revokedAt, err := s.store.Licenses.Revoke(ctx, key, reason)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := s.cache.Invalidate(ctx, security.HashKey(key)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("invalidate cached validation: %w", err)
	}

	s.logger.InfoContext(ctx, "license revoked",
		slog.String("key_prefix", security.MaskKey(key)),
		slog.String("user_id", lic.UserID),
		slog.String("reason", reason),
		slog.Time("revoked_at", revokedAt),
		slog.Bool("already_revoked", alreadyRevoked),
	)

	// Re-revoking is a success but not a new revocation; the first one
	// already counted and announced itself.
	if !alreadyRevoked {
		if s.metrics != nil {
			s.metrics.LicensesRevoked.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tier", string(lic.Tier)),
			))
		}
		s.publish(ctx, events.LifecycleEvent{
			Type:      events.TypeLicenseRevoked,
			LicenseID: lic.ID.String(),
			MaskedKey: security.MaskKey(key),
			UserID:    lic.UserID,
			Tier:      string(lic.Tier),
			Reason:    reason,
		})
	}

	return &v1.RevokeResponse{Success: true, Status: v1.LicenseRevoked}, nil
}

// DeactivateMachine frees one machine slot. The validation cache holds the
// license row only, never machine state, so no invalidation is needed; the
// next admission sees the freed slot directly.
func (s *Service) DeactivateMachine(ctx context.Context, key, machineID string) error {
	ctx, span := s.tracer.Start(ctx, "license.deactivate_machine", trace.WithAttributes(
		attribute.String("license.key_prefix", security.MaskKey(key)),
		attribute.String("license.machine_id", machineID),
		attribute.String("component", "authority"),
	))
	defer span.End()

	if err := security.ValidateKeyFormat(key); err != nil {
		return fmt.Errorf("%w: %w", kgerrors.ErrInvalidKeyFormat, err)
	}

	lic, err := s.store.Licenses.GetByKey(ctx, key)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.store.Machines.Deactivate(ctx, lic.ID, machineID); err != nil {
		span.RecordError(err)
		return err
	}

	if s.metrics != nil {
		s.metrics.MachinesDeactivated.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tier", string(lic.Tier)),
		))
	}
	s.logger.InfoContext(ctx, "machine deactivated",
		slog.String("key_prefix", security.MaskKey(key)),
		slog.String("machine_id", machineID),
	)

	s.publish(ctx, events.LifecycleEvent{
		Type:      events.TypeMachineDeactivated,
		LicenseID: lic.ID.String(),
		MaskedKey: security.MaskKey(key),
		MachineID: machineID,
	})
	return nil
}

// Machines lists every machine registered on a license, for admin reads.
func (s *Service) Machines(ctx context.Context, key string) ([]store.Machine, error) {
	if err := security.ValidateKeyFormat(key); err != nil {
		return nil, fmt.Errorf("%w: %w", kgerrors.ErrInvalidKeyFormat, err)
	}
	lic, err := s.store.Licenses.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.store.Machines.ListForLicense(ctx, lic.ID)
}

// PurgeUsage deletes usage counters older than the cutoff day and reports
// how many rows went.
func (s *Service) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "license.purge_usage", trace.WithAttributes(
		attribute.String("component", "authority"),
	))
	defer span.End()

	deleted, err := s.store.Usage.PurgeBefore(ctx, before)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	infrastructure.RecordPurge(ctx, s.metrics, "usage_records", deleted)
	s.logger.InfoContext(ctx, "usage records purged",
		slog.Int64("deleted", deleted),
		slog.Time("before", before),
	)
	return deleted, nil
}

// publish sends a lifecycle event, logging rather than failing the calling
// operation when the bus is unavailable.
func (s *Service) publish(ctx context.Context, event events.LifecycleEvent) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "lifecycle event publish failed",
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.metrics != nil {
		s.metrics.LifecycleEventsPublished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", event.Type),
		))
	}
}

func (s *Service) countCache(ctx context.Context, hit bool) {
	if s.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("component", "authority"))
	if hit {
		s.metrics.CacheHits.Add(ctx, 1, attrs)
	} else {
		s.metrics.CacheMisses.Add(ctx, 1, attrs)
	}
}

func licenseRecord(lic *store.License) *v1.LicenseRecord {
	rec := &v1.LicenseRecord{
		Key:          lic.Key,
		UserID:       lic.UserID,
		Tier:         lic.Tier,
		Status:       lic.Status,
		MaxMachines:  lic.MaxMachines,
		CustomLimits: lic.CustomLimits,
		ExpiresAt:    lic.ExpiresAt,
		RevokedAt:    lic.RevokedAt,
		CreatedAt:    lic.CreatedAt,
	}
	if lic.SubscriptionID != nil {
		rec.SubscriptionID = *lic.SubscriptionID
	}
	if lic.RevokeReason != nil {
		rec.RevokeReason = *lic.RevokeReason
	}
	return rec
}
