package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// CallStatus is the terminal outcome of a webservice call. A NULL status
// marks a call still in flight (pending); the transition to a terminal
// status happens exactly once and is never reversed.
type CallStatus string

const (
	CallOK     CallStatus = "OK"
	CallFailed CallStatus = "FAILED"
)

// WebserviceCall is the durable record of one outbound call attempt. The
// row is written before the remote call runs, with the consent window
// frozen into the snapshot columns.
type WebserviceCall struct {
	ID               snowflake.ID   `json:"id" gorm:"primaryKey"`
	Webservice       string         `json:"webservice" gorm:"type:text;not null"`
	UsagePointID     string         `json:"usage_point_id" gorm:"type:text;not null"`
	UserID           string         `json:"user_id" gorm:"type:text;not null"`
	ConsentID        snowflake.ID   `json:"consent_id" gorm:"not null"`
	ConsentBeginsAt  time.Time      `json:"consent_begins_at" gorm:"not null"`
	ConsentExpiresAt time.Time      `json:"consent_expires_at" gorm:"not null"`
	CalledAt         time.Time      `json:"called_at" gorm:"not null"`
	Status           *CallStatus    `json:"status" gorm:"type:text"`
	Error            *string        `json:"error,omitempty" gorm:"type:text"`
	Params           datatypes.JSON `json:"params" gorm:"type:jsonb"`
	SubscriptionID   *snowflake.ID  `json:"subscription_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time      `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WebserviceCall) TableName() string { return "webservice_calls" }

// Pending reports whether the call has no terminal status yet.
func (c WebserviceCall) Pending() bool { return c.Status == nil }
