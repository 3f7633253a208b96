package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	// Register creates the usage point if unknown, or updates its
	// classification if it changed.
	Register(ctx context.Context, req RegisterRequest) (*Response, error)
	Get(ctx context.Context, id string) (*Response, error)
	List(ctx context.Context) ([]Response, error)
}

type RegisterRequest struct {
	ID           string  `json:"id"`
	Segment      Segment `json:"segment"`
	ServiceLevel *int    `json:"service_level,omitempty"`
}

type Response struct {
	ID           string    `json:"id"`
	Segment      Segment   `json:"segment"`
	ServiceLevel int       `json:"service_level"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var (
	ErrInvalidID      = errors.New("invalid_usage_point_id")
	ErrInvalidSegment = errors.New("invalid_segment")
	ErrNotFound       = errors.New("usage_point_not_found")
)
