package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// PerformFunc runs the remote call. It receives a context bounded by the
// configured remote timeout.
type PerformFunc func(ctx context.Context) error

type Service interface {
	// Execute runs the pending-before-call protocol: consent gate, durable
	// pending record, remote call, single guarded terminal transition. The
	// returned call carries the terminal status; on remote failure the
	// error wraps ErrRemoteCallFailed and the FAILED row is kept.
	Execute(ctx context.Context, req ExecuteRequest, perform PerformFunc) (*WebserviceCall, error)
	// FinalizeStalePending marks pending calls older than the cutoff as
	// FAILED. Used by the recovery job to reclaim crashed workers' locks.
	FinalizeStalePending(ctx context.Context, olderThan time.Time) (int64, error)
	// HasLivePending reports whether a pending call scoped to the
	// subscription exists with called_at at or after the given instant.
	HasLivePending(ctx context.Context, subscriptionID snowflake.ID, since time.Time) (bool, error)
	Get(ctx context.Context, id snowflake.ID) (*WebserviceCall, error)
	ListCalls(ctx context.Context, filter ListFilter) ([]WebserviceCall, error)
}

type ExecuteRequest struct {
	Webservice     string
	UserID         string
	UsagePointID   string
	At             time.Time
	Params         map[string]any
	SubscriptionID *snowflake.ID
	// InFlightSince, when set together with SubscriptionID, makes the
	// pending insert conditional: a pending call for the subscription with
	// called_at at or after this instant rejects the whole execution with
	// ErrRenewalInFlight before the remote call runs.
	InFlightSince time.Time
}

type ListFilter struct {
	UserID       string
	UsagePointID string
	Webservice   string
	Limit        int
}

var (
	ErrInvalidWebservice = errors.New("invalid_webservice")
	ErrRemoteCallFailed  = errors.New("remote_call_failed")
	ErrRenewalInFlight   = errors.New("renewal_in_flight")
	ErrNotFound          = errors.New("call_not_found")
)
