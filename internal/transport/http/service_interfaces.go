package http

import (
	"context"
	"time"

	"keygate/internal/store"
	v1 "keygate/pkg/contracts/v1"
)

// LicenseAuthority is the slice of the authority service the handlers use.
// Implemented by *authority.Service.
type LicenseAuthority interface {
	Validate(ctx context.Context, req *v1.ValidateRequest) (*v1.ValidationResult, error)
	Generate(ctx context.Context, req *v1.GenerateRequest) (*v1.LicenseRecord, error)
	Revoke(ctx context.Context, key, reason string) (*v1.RevokeResponse, error)
	DeactivateMachine(ctx context.Context, key, machineID string) error
	Machines(ctx context.Context, key string) ([]store.Machine, error)
	PurgeUsage(ctx context.Context, before time.Time) (int64, error)
}

// EventProcessor applies billing webhook events. Implemented by
// *subscription.Processor.
type EventProcessor interface {
	Process(ctx context.Context, event *v1.SubscriptionEvent) error
}
