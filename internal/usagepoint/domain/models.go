package domain

import (
	"time"
)

// Segment classifies a usage point by its grid connection contract.
type Segment string

const (
	SegmentC1 Segment = "C1"
	SegmentC2 Segment = "C2"
	SegmentC3 Segment = "C3"
	SegmentC4 Segment = "C4"
	SegmentC5 Segment = "C5"
	SegmentP1 Segment = "P1"
	SegmentP2 Segment = "P2"
	SegmentP3 Segment = "P3"
	SegmentP4 Segment = "P4"
)

// Segments lists every valid segment.
var Segments = []Segment{
	SegmentC1, SegmentC2, SegmentC3, SegmentC4, SegmentC5,
	SegmentP1, SegmentP2, SegmentP3, SegmentP4,
}

// Valid reports whether the segment belongs to the closed set.
func (s Segment) Valid() bool {
	for _, known := range Segments {
		if s == known {
			return true
		}
	}
	return false
}

// IsProducer reports whether the segment is a production segment.
func (s Segment) IsProducer() bool {
	return len(s) == 2 && s[0] == 'P'
}

// UsagePoint is a metering point identified by its 14-digit id.
type UsagePoint struct {
	ID           string    `json:"id" gorm:"primaryKey;type:text"`
	Segment      Segment   `json:"segment" gorm:"type:text;not null"`
	ServiceLevel int       `json:"service_level" gorm:"not null;default:1"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsagePoint) TableName() string { return "usage_points" }

// ValidateID checks the 14-digit usage point id format.
func ValidateID(id string) error {
	if len(id) != 14 {
		return ErrInvalidID
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return ErrInvalidID
		}
	}
	return nil
}
