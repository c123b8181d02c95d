package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"keygate/internal/security"
	v1 "keygate/pkg/contracts/v1"
	"keygate/pkg/tier"
)

const (
	// revalidateAfter is how old the last validation may grow before a
	// feature check kicks off a background refresh.
	revalidateAfter = 5 * time.Minute

	// trustWindow is how long a successful validation is honored locally
	// when the authority cannot be reached.
	trustWindow = 24 * time.Hour

	// lowQuotaWarning is the remaining-calls threshold for the once-per-day
	// FREE tier warning.
	lowQuotaWarning = 5

	// validateTimeout bounds every network validation so a stalled call can
	// never block a feature-gate decision.
	validateTimeout = 10 * time.Second

	// keyEnvVar supplies a license key out-of-band at startup.
	keyEnvVar = "KEYGATE_LICENSE_KEY"
)

// ErrKeyAlreadyConfigured is returned by ApplyLicenseKey while a license
// key is already stored. Dead keys clear themselves on denial, so this only
// fires for a live configuration.
var ErrKeyAlreadyConfigured = errors.New("a license key is already configured")

// Decision is the outcome of a feature gate check.
type Decision struct {
	Allowed bool
	// Reason explains a denial in end-user terms.
	Reason string
	// RequiredTier names the smallest tier offering the feature when the
	// denial was tier-related.
	RequiredTier tier.Tier
}

// Snapshot is the current resolved client state, for host app UIs and
// diagnostics.
type Snapshot struct {
	MachineID     string
	Tier          tier.Tier
	TierVersion   int
	Features      []string
	Limits        v1.Limits
	CallsToday    int
	HasLicenseKey bool
	LastValidated time.Time
	ValidUntil    time.Time
}

// Options configures a Manager.
type Options struct {
	// Dir is the config directory. Empty means DefaultConfigDir.
	Dir string
	// Validator talks to the license authority. Required.
	Validator Validator
	// Tiers overrides the built-in tier table.
	Tiers *tier.Table
	// Logger receives client diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
	// Version is the host application version reported to the authority.
	Version string
	// UpgradeURL, when set, is appended to denial reasons and quota
	// warnings so end users know where to upgrade.
	UpgradeURL string
}

// Manager is the embeddable enforcement engine. All methods are safe for
// concurrent use; feature checks are purely local and never wait on the
// network.
type Manager struct {
	mu       sync.Mutex
	cfg      *ClientConfig
	store    *ConfigStore
	identity Identity

	validator  Validator
	tiers      *tier.Table
	logger     *slog.Logger
	version    string
	upgradeURL string

	now func() time.Time

	revalidating   atomic.Bool
	lastAttempt    time.Time
	warnedLowQuota bool

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewManager loads or initializes the local client state. It does no
// network I/O; call Start to consume externally supplied keys and run the
// initial validation.
func NewManager(opts Options) (*Manager, error) {
	if opts.Validator == nil {
		return nil, errors.New("enforce: validator is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "enforce"))

	tiers := opts.Tiers
	if tiers == nil {
		tiers = tier.Default()
	}

	dir := opts.Dir
	if dir == "" {
		var err error
		if dir, err = DefaultConfigDir(); err != nil {
			return nil, err
		}
	}

	identity, err := LoadIdentity(dir, logger)
	if err != nil {
		return nil, err
	}

	store := NewConfigStore(dir, identity.seed, logger)
	cfg, err := store.Load()
	if err != nil {
		logger.Warn("stored client config unusable, starting from FREE defaults",
			slog.String("error", err.Error()))
		cfg = nil
	}
	if cfg == nil {
		cfg = freshConfig(tiers)
	}
	cfg.MachineID = identity.MachineID

	m := &Manager{
		cfg:        cfg,
		store:      store,
		identity:   identity,
		validator:  opts.Validator,
		tiers:      tiers,
		logger:     logger,
		version:    opts.Version,
		upgradeURL: opts.UpgradeURL,
		now:        time.Now,
	}

	// A library upgrade may ship a newer tier table; refresh the resolved
	// entitlements so stored feature lists cannot lag behind it.
	if cfg.TierVersion < tiers.Version {
		m.applyTierLocked(cfg.Tier)
	}

	return m, nil
}

// Start consumes any externally supplied license key (environment variable,
// pre-existing drop file), runs the initial validation and begins watching
// the config directory for key drops. Every step is best-effort: a failure
// leaves the client on its cached or FREE state rather than stopping the
// host application.
func (m *Manager) Start(ctx context.Context) {
	if key := os.Getenv(keyEnvVar); key != "" {
		if err := m.ApplyLicenseKey(ctx, key); err != nil && !errors.Is(err, ErrKeyAlreadyConfigured) {
			m.logger.Warn("license key from environment rejected",
				slog.String("error", err.Error()))
		}
	}

	m.consumeDropFile(ctx)

	if _, err := m.ValidateLicense(ctx, false); err != nil {
		m.logger.Warn("initial validation degraded",
			slog.String("error", err.Error()))
	}

	if err := m.startWatcher(ctx); err != nil {
		m.logger.Warn("license drop watcher unavailable",
			slog.String("error", err.Error()))
	}
}

// Close stops the drop-file watcher.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	err := m.watcher.Close()
	<-m.watchDone
	return err
}

// CheckFeatureAccess decides whether the host may use a feature right now.
// The decision is made entirely from local state; if the last validation
// has gone stale a background refresh is kicked off, never waited for.
func (m *Manager) CheckFeatureAccess(ctx context.Context, feature string) Decision {
	m.mu.Lock()

	m.resetDailyLocked()

	if !hasFeature(m.cfg.Features, feature) {
		currentTier := m.cfg.Tier
		m.mu.Unlock()

		required, known := m.tiers.RequiredTier(feature)
		if !known {
			return Decision{Reason: fmt.Sprintf("feature %q is not offered on any tier", feature)}
		}
		m.logger.DebugContext(ctx, "feature denied",
			slog.String("feature", feature),
			slog.String("tier", string(currentTier)),
			slog.String("required_tier", string(required)),
		)
		return Decision{
			Reason:       m.withUpgradeHint(fmt.Sprintf("%s requires the %s tier", feature, required)),
			RequiredTier: required,
		}
	}

	if m.cfg.Limits.DailyCalls != tier.Unlimited && m.cfg.Usage.CallsToday >= m.cfg.Limits.DailyCalls {
		limit := m.cfg.Limits.DailyCalls
		m.mu.Unlock()
		return Decision{
			Reason: m.withUpgradeHint(fmt.Sprintf("daily limit of %d calls reached; the counter resets at local midnight", limit)),
		}
	}

	now := m.now()
	stale := now.Sub(m.cfg.LastValidated) > revalidateAfter && now.Sub(m.lastAttempt) > revalidateAfter
	m.mu.Unlock()

	if stale {
		m.revalidateAsync()
	}

	return Decision{Allowed: true}
}

// RecordUsage counts one call against the daily quota and persists the
// counter. On the FREE tier a warning is logged once per day when five or
// fewer calls remain.
func (m *Manager) RecordUsage(ctx context.Context, feature string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetDailyLocked()
	m.cfg.Usage.CallsToday++

	if m.cfg.Tier == tier.Free && m.cfg.Limits.DailyCalls != tier.Unlimited {
		remaining := m.cfg.Limits.DailyCalls - m.cfg.Usage.CallsToday
		if remaining <= lowQuotaWarning && !m.warnedLowQuota {
			m.warnedLowQuota = true
			if remaining < 0 {
				remaining = 0
			}
			m.logger.WarnContext(ctx, m.withUpgradeHint("daily quota nearly exhausted"),
				slog.Int("remaining", remaining),
				slog.String("feature", feature),
			)
		}
	}

	m.persistLocked()
}

// ValidateLicense resolves the current entitlements, going to the network
// only when needed. The returned result is always usable; a non-nil error
// reports that the authority could not be reached and the result came from
// the cached validation or a fail-closed FREE downgrade.
//
// Without force, a validation still inside its 24-hour trust window is
// returned without a network call. Clients with no license key are FREE by
// definition and never call out.
func (m *Manager) ValidateLicense(ctx context.Context, force bool) (*v1.ValidationResult, error) {
	m.mu.Lock()
	now := m.now()

	if m.cfg.EncryptedKey == "" {
		if !m.cfg.LastValidated.Equal(now) {
			m.cfg.LastValidated = now
			m.persistLocked()
		}
		result := m.localResultLocked()
		m.mu.Unlock()
		return result, nil
	}

	if !force && now.Before(m.cfg.ValidUntil) {
		result := m.localResultLocked()
		m.mu.Unlock()
		return result, nil
	}

	key, err := decryptKey(m.cfg.EncryptedKey, m.identity.seed)
	if err != nil {
		// The config was copied from another machine or altered; the key
		// is unreadable here. Drop it and start over at FREE.
		m.logger.Warn("stored license key unreadable, downgrading to FREE",
			slog.String("error", err.Error()))
		m.cfg.EncryptedKey = ""
		m.applyTierLocked(tier.Free)
		m.cfg.LastValidated = now
		m.cfg.ValidUntil = time.Time{}
		m.persistLocked()
		result := m.localResultLocked()
		m.mu.Unlock()
		return result, nil
	}

	req := &v1.ValidateRequest{
		LicenseKey:   key,
		MachineID:    m.cfg.MachineID,
		Version:      m.version,
		Platform:     runtime.GOOS,
		Architecture: runtime.GOARCH,
	}
	m.mu.Unlock()

	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	result, err := m.validator.Validate(vctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	now = m.now()

	if err != nil {
		if now.Before(m.cfg.ValidUntil) {
			m.logger.Warn("revalidation failed, trusting cached validation",
				slog.Time("valid_until", m.cfg.ValidUntil),
				slog.String("error", err.Error()),
			)
			return m.localResultLocked(), fmt.Errorf("authority unreachable, using cached validation: %w", err)
		}
		m.logger.Warn("revalidation failed with no usable cache, failing closed to FREE",
			slog.String("error", err.Error()))
		m.applyTierLocked(tier.Free)
		m.persistLocked()
		return m.localResultLocked(), fmt.Errorf("authority unreachable, failed closed to FREE: %w", err)
	}

	if !result.IsValid {
		m.handleDenialLocked(result, now)
		return result, nil
	}

	m.applyResultLocked(result, now)
	m.persistLocked()
	return result, nil
}

// ApplyLicenseKey stores a new license key and validates it immediately.
// The key must pass the format check before any I/O, and is only accepted
// while no key is configured.
func (m *Manager) ApplyLicenseKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if err := security.ValidateKeyFormat(key); err != nil {
		return err
	}

	m.mu.Lock()
	if m.cfg.EncryptedKey != "" {
		m.mu.Unlock()
		return ErrKeyAlreadyConfigured
	}

	encoded, err := encryptKey(key, m.identity.seed)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("encrypt license key: %w", err)
	}
	m.cfg.EncryptedKey = encoded
	m.cfg.ValidUntil = time.Time{}
	m.persistLocked()
	m.mu.Unlock()

	m.logger.Info("license key applied",
		slog.String("key_prefix", security.MaskKey(key)))

	if _, err := m.ValidateLicense(ctx, true); err != nil {
		m.logger.Warn("applied key could not be confirmed yet",
			slog.String("error", err.Error()))
	}
	return nil
}

// Snapshot returns the current resolved client state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		MachineID:     m.cfg.MachineID,
		Tier:          m.cfg.Tier,
		TierVersion:   m.cfg.TierVersion,
		Features:      append([]string(nil), m.cfg.Features...),
		Limits:        m.cfg.Limits,
		CallsToday:    m.cfg.Usage.CallsToday,
		HasLicenseKey: m.cfg.EncryptedKey != "",
		LastValidated: m.cfg.LastValidated,
		ValidUntil:    m.cfg.ValidUntil,
	}
}

// revalidateAsync refreshes the validation in the background. At most one
// refresh runs at a time; feature checks keep answering from local state
// while it is in flight.
func (m *Manager) revalidateAsync() {
	if !m.revalidating.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	m.lastAttempt = m.now()
	m.mu.Unlock()

	go func() {
		defer m.revalidating.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), validateTimeout)
		defer cancel()
		if _, err := m.ValidateLicense(ctx, true); err != nil {
			m.logger.Debug("background revalidation degraded",
				slog.String("error", err.Error()))
		}
	}()
}

// handleDenialLocked applies a freshly observed authorization denial. The
// denial is authoritative immediately: the cached trust window is discarded
// and the client downgrades to FREE. Keys the authority called dead are
// removed so a replacement can be applied; suspended or over-limit keys are
// kept, since the server side can recover them.
func (m *Manager) handleDenialLocked(result *v1.ValidationResult, now time.Time) {
	m.logger.Warn(m.withUpgradeHint("license denied by authority, downgrading to FREE"),
		slog.String("code", result.Code),
		slog.String("reason", result.Error),
	)

	switch result.Code {
	case v1.CodeLicenseNotFound, v1.CodeLicenseRevoked, v1.CodeLicenseExpired, v1.CodeInvalidFormat:
		m.cfg.EncryptedKey = ""
	}

	m.applyTierLocked(tier.Free)
	m.cfg.Subscription = result.Subscription
	m.cfg.LastValidated = now
	m.cfg.ValidUntil = time.Time{}
	m.persistLocked()
}

// applyResultLocked overwrites the resolved entitlements from a successful
// remote validation and opens a fresh trust window.
func (m *Manager) applyResultLocked(result *v1.ValidationResult, now time.Time) {
	m.cfg.Tier = result.Tier
	if result.TierVersion > 0 {
		m.cfg.TierVersion = result.TierVersion
	}
	if len(result.Features) > 0 {
		m.cfg.Features = append([]string(nil), result.Features...)
	} else {
		m.cfg.Features = m.tiers.Features(result.Tier)
	}
	if result.Limits != nil {
		m.cfg.Limits = *result.Limits
	} else {
		m.cfg.Limits = v1.LimitsFromTier(m.tiers.Limits(result.Tier))
	}
	m.cfg.Subscription = result.Subscription
	m.cfg.LastValidated = now
	m.cfg.ValidUntil = now.Add(trustWindow)
}

// applyTierLocked resolves Tier, Features and Limits from the local tier
// table.
func (m *Manager) applyTierLocked(t tier.Tier) {
	m.cfg.Tier = t
	m.cfg.TierVersion = m.tiers.Version
	m.cfg.Features = m.tiers.Features(t)
	m.cfg.Limits = v1.LimitsFromTier(m.tiers.Limits(t))
}

// resetDailyLocked zeroes the usage counters when the local calendar date
// has rolled over. Replaying it on the same date is a no-op.
func (m *Manager) resetDailyLocked() {
	today := m.now().Format(dateLayout)
	if m.cfg.Usage.LastResetDate == today {
		return
	}
	m.cfg.Usage.CallsToday = 0
	m.cfg.Usage.LastResetDate = today
	m.warnedLowQuota = false
	m.persistLocked()
}

// localResultLocked builds a validation result from the stored state, used
// whenever no network call is made.
func (m *Manager) localResultLocked() *v1.ValidationResult {
	limits := m.cfg.Limits
	return &v1.ValidationResult{
		Success:      true,
		IsValid:      true,
		Tier:         m.cfg.Tier,
		Features:     append([]string(nil), m.cfg.Features...),
		Limits:       &limits,
		Usage:        &v1.Usage{CallsToday: m.cfg.Usage.CallsToday},
		Subscription: m.cfg.Subscription,
		TierVersion:  m.cfg.TierVersion,
	}
}

// persistLocked saves the config, logging instead of failing: a read-only
// disk degrades persistence, not enforcement.
func (m *Manager) persistLocked() {
	if err := m.store.Save(m.cfg); err != nil {
		m.logger.Warn("client config not persisted",
			slog.String("error", err.Error()))
	}
}

func (m *Manager) withUpgradeHint(reason string) string {
	if m.upgradeURL == "" {
		return reason
	}
	return reason + " (upgrade: " + m.upgradeURL + ")"
}

func hasFeature(features []string, feature string) bool {
	for _, f := range features {
		if f == feature {
			return true
		}
	}
	return false
}
