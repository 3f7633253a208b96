package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, call *WebserviceCall) error
	// InsertUnlessPending inserts the call only if no pending call for the
	// same subscription with called_at at or after since exists. The check
	// and the insert run as one statement, so two workers racing for the
	// same subscription cannot both acquire the pending lock. Returns the
	// number of rows inserted (0 when the lock is held).
	InsertUnlessPending(ctx context.Context, db *gorm.DB, call *WebserviceCall, since time.Time) (int64, error)
	// Finalize applies the terminal transition guarded on status IS NULL.
	// Returns the number of rows updated (0 when already terminal).
	Finalize(ctx context.Context, db *gorm.DB, id snowflake.ID, status CallStatus, callErr *string, at time.Time) (int64, error)
	FinalizeStalePending(ctx context.Context, db *gorm.DB, olderThan time.Time, reason string, at time.Time) (int64, error)
	CountLivePending(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, since time.Time) (int64, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*WebserviceCall, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]WebserviceCall, error)
}
