// Package v1 contains the wire contract shared by the license authority and
// the client enforcement library. Version v1 represents the current stable
// contract; both sides marshal exactly these shapes so there is a single
// source of truth for field names and denial codes.
package v1

import (
	"time"

	"keygate/pkg/tier"
)

// LicenseStatus is the lifecycle state of a license record.
type LicenseStatus string

const (
	LicenseActive    LicenseStatus = "active"
	LicenseExpired   LicenseStatus = "expired"
	LicenseRevoked   LicenseStatus = "revoked"
	LicenseSuspended LicenseStatus = "suspended"
)

// SubscriptionStatus is the subscription state reported in validation
// responses. grace_period covers both post-expiry and post-cancellation
// windows during which the license still validates.
type SubscriptionStatus string

const (
	SubscriptionActive      SubscriptionStatus = "active"
	SubscriptionGracePeriod SubscriptionStatus = "grace_period"
	SubscriptionExpired     SubscriptionStatus = "expired"
	SubscriptionCancelled   SubscriptionStatus = "cancelled"
)

// Denial codes carried in ValidationResult.Code and in problem responses.
const (
	CodeLicenseNotFound      = "LICENSE_NOT_FOUND"
	CodeLicenseRevoked       = "LICENSE_REVOKED"
	CodeLicenseSuspended     = "LICENSE_SUSPENDED"
	CodeLicenseExpired       = "LICENSE_EXPIRED"
	CodeMachineLimitExceeded = "MACHINE_LIMIT_EXCEEDED"
	CodeInvalidFormat        = "INVALID_FORMAT"
	CodeValidationError      = "VALIDATION_ERROR"
)

// ValidateRequest asks the authority whether a license key is valid on a
// given machine. Platform and architecture feed the server-side fingerprint;
// they are optional because older clients do not send them.
type ValidateRequest struct {
	LicenseKey   string   `json:"licenseKey" validate:"required,min=20"`
	MachineID    string   `json:"machineId" validate:"required,min=8,max=128"`
	Features     []string `json:"features,omitempty" validate:"omitempty,dive,min=1"`
	Version      string   `json:"version,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	Architecture string   `json:"architecture,omitempty"`
}

// Limits are the numeric caps in effect for a license. A value of -1 means
// unlimited.
type Limits struct {
	DailyCalls         int `json:"dailyCalls"`
	MaxMachines        int `json:"maxMachines"`
	ConcurrentSessions int `json:"concurrentSessions"`
}

// LimitsFromTier converts tier-table limits to their wire shape.
func LimitsFromTier(l tier.Limits) Limits {
	return Limits{
		DailyCalls:         l.DailyCalls,
		MaxMachines:        l.MaxMachines,
		ConcurrentSessions: l.ConcurrentSessions,
	}
}

// Usage is the consumption snapshot returned with a validation.
type Usage struct {
	CallsToday     int `json:"callsToday"`
	MachinesUsed   int `json:"machinesUsed"`
	ActiveSessions int `json:"activeSessions"`
}

// SubscriptionInfo describes the subscription backing a license as of the
// validation instant.
type SubscriptionInfo struct {
	Status          SubscriptionStatus `json:"status"`
	ExpiresAt       *time.Time         `json:"expiresAt,omitempty"`
	GracePeriodEnds *time.Time         `json:"gracePeriodEnds,omitempty"`
}

// ValidationResult is the authority's answer to a ValidateRequest. Denials
// set IsValid false with a Code from the fixed set above; Success is false
// only when the request itself could not be evaluated.
type ValidationResult struct {
	Success      bool              `json:"success"`
	IsValid      bool              `json:"isValid"`
	Tier         tier.Tier         `json:"tier,omitempty"`
	Features     []string          `json:"features,omitempty"`
	Limits       *Limits           `json:"limits,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
	Subscription *SubscriptionInfo `json:"subscription,omitempty"`
	TierVersion  int               `json:"tierVersion,omitempty"`
	Error        string            `json:"error,omitempty"`
	Code         string            `json:"code,omitempty"`
}

// Denied builds a denial result for one of the fixed codes.
func Denied(code, message string) *ValidationResult {
	return &ValidationResult{Success: true, IsValid: false, Code: code, Error: message}
}

// GenerateRequest creates a new license. MaxMachines and CustomLimits
// override the tier defaults when set.
type GenerateRequest struct {
	UserID         string     `json:"userId" validate:"required,min=1"`
	Tier           tier.Tier  `json:"tier" validate:"required,oneof=FREE PRO ENTERPRISE"`
	SubscriptionID string     `json:"subscriptionId,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	MaxMachines    int        `json:"maxMachines,omitempty" validate:"omitempty,min=1"`
	CustomLimits   *Limits    `json:"customLimits,omitempty"`
}

// LicenseRecord is the license as returned by generate and admin reads. The
// raw key appears only here; every other surface masks it.
type LicenseRecord struct {
	Key            string        `json:"key"`
	UserID         string        `json:"userId"`
	Tier           tier.Tier     `json:"tier"`
	Status         LicenseStatus `json:"status"`
	SubscriptionID string        `json:"subscriptionId,omitempty"`
	MaxMachines    int           `json:"maxMachines"`
	CustomLimits   *Limits       `json:"customLimits,omitempty"`
	ExpiresAt      *time.Time    `json:"expiresAt,omitempty"`
	RevokedAt      *time.Time    `json:"revokedAt,omitempty"`
	RevokeReason   string        `json:"revokeReason,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// RevokeRequest marks a license revoked. Revoking an already revoked
// license succeeds without changing the original revocation record.
type RevokeRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,min=20"`
	Reason     string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// RevokeResponse reports the resulting status.
type RevokeResponse struct {
	Success bool          `json:"success"`
	Status  LicenseStatus `json:"status"`
}

// DeactivateMachineRequest frees one machine slot on a license.
type DeactivateMachineRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,min=20"`
	MachineID  string `json:"machineId" validate:"required,min=8,max=128"`
}

// DeactivateMachineResponse acknowledges the freed slot.
type DeactivateMachineResponse struct {
	Success   bool   `json:"success"`
	MachineID string `json:"machineId"`
}

// MachineRecord is one registered machine as shown to operators.
type MachineRecord struct {
	MachineID   string    `json:"machineId"`
	Fingerprint string    `json:"fingerprint"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	Active      bool      `json:"active"`
}

// MachineListResponse lists the machines registered to a license.
type MachineListResponse struct {
	Machines []MachineRecord `json:"machines"`
	Count    int             `json:"count"`
}

// PurgeUsageRequest deletes usage rows older than the given day.
type PurgeUsageRequest struct {
	Before string `json:"before" validate:"required,datetime=2006-01-02"`
}

// PurgeUsageResponse reports how many rows the purge removed.
type PurgeUsageResponse struct {
	Deleted int64 `json:"deleted"`
}
