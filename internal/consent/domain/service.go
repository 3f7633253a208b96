package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	usagepointdomain "github.com/gridsight/consentgate/internal/usagepoint/domain"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Response, error)
	// ActiveConsent returns the consent authorizing user to act on the
	// usage point at the given instant, or ErrNoActiveConsent. When
	// several consents cover the instant the latest begins_at wins, then
	// the highest id.
	ActiveConsent(ctx context.Context, userID, usagePointID string, at time.Time) (*Consent, error)
	// Revoke shortens the consent window and, in the same transaction,
	// tightens the frozen snapshots of dependent calls and subscriptions
	// and marks subscriptions whose window became empty as broken.
	Revoke(ctx context.Context, consentID snowflake.ID, newExpiresAt time.Time) error
	Get(ctx context.Context, consentID snowflake.ID) (*Response, error)
	List(ctx context.Context) ([]Response, error)
	// RegisterUser creates the bare user row if it does not exist.
	RegisterUser(ctx context.Context, userID string) error
}

type UsagePointGrant struct {
	ID           string                  `json:"id"`
	Segment      usagepointdomain.Segment `json:"segment"`
	ServiceLevel *int                    `json:"service_level,omitempty"`
	Comment      string                  `json:"comment,omitempty"`
}

type CreateRequest struct {
	IssuerName  string            `json:"issuer_name"`
	IssuerType  IssuerType        `json:"issuer_type"`
	BeginsAt    time.Time         `json:"begins_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Users       []string          `json:"users"`
	UsagePoints []UsagePointGrant `json:"usage_points"`
}

type Response struct {
	ID          string    `json:"id"`
	IssuerName  string    `json:"issuer_name"`
	IssuerType  IssuerType `json:"issuer_type"`
	BeginsAt    time.Time `json:"begins_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Users       []string  `json:"users"`
	UsagePoints []string  `json:"usage_points"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var (
	ErrInvalidWindow     = errors.New("invalid_window")
	ErrInvalidIssuer     = errors.New("invalid_issuer")
	ErrInvalidRevocation = errors.New("invalid_revocation")
	ErrNoActiveConsent   = errors.New("no_active_consent")
	ErrNotFound          = errors.New("consent_not_found")
	ErrInvalidUser       = errors.New("invalid_user")
	ErrNoUsagePoints     = errors.New("no_usage_points")
)

func ParseID(value string) (snowflake.ID, error) {
	return snowflake.ParseString(value)
}
