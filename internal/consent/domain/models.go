package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// IssuerType identifies who granted the consent.
type IssuerType string

const (
	IssuerIndividual   IssuerType = "individual"
	IssuerOrganization IssuerType = "organization"
)

// Valid reports whether the issuer type belongs to the closed set.
func (t IssuerType) Valid() bool {
	return t == IssuerIndividual || t == IssuerOrganization
}

// Consent is a time-windowed authorization to call metering web services
// for a set of users over a set of usage points. Rows are immutable except
// for administrative revocation shortening the window.
type Consent struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	IssuerName string       `json:"issuer_name" gorm:"type:text;not null"`
	IssuerType IssuerType   `json:"issuer_type" gorm:"type:text;not null"`
	BeginsAt   time.Time    `json:"begins_at" gorm:"not null"`
	ExpiresAt  time.Time    `json:"expires_at" gorm:"not null"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Consent) TableName() string { return "consents" }

// Covers reports whether the window covers the instant. The lower bound is
// inclusive, the upper bound exclusive.
func (c Consent) Covers(at time.Time) bool {
	return !at.Before(c.BeginsAt) && at.Before(c.ExpiresAt)
}

// ConsentUser links a consent to a user it covers.
type ConsentUser struct {
	ConsentID snowflake.ID `json:"consent_id" gorm:"primaryKey"`
	UserID    string       `json:"user_id" gorm:"primaryKey;type:text"`
}

// TableName sets the database table name.
func (ConsentUser) TableName() string { return "consents_users" }

// ConsentUsagePoint links a consent to a usage point it covers.
type ConsentUsagePoint struct {
	ConsentID    snowflake.ID `json:"consent_id" gorm:"primaryKey"`
	UsagePointID string       `json:"usage_point_id" gorm:"primaryKey;type:text"`
	Comment      string       `json:"comment" gorm:"type:text;not null;default:''"`
}

// TableName sets the database table name.
func (ConsentUsagePoint) TableName() string { return "consents_usage_points" }

// User is a bare identifier row, created when first registered.
type User struct {
	ID        string    `json:"id" gorm:"primaryKey;type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }
