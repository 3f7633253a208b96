package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gridsight/consentgate/internal/clock"
	usagepointdomain "github.com/gridsight/consentgate/internal/usagepoint/domain"
	usagepointrepo "github.com/gridsight/consentgate/internal/usagepoint/repository"
)

func setupUsagePoints(t *testing.T) (usagepointdomain.Service, *clock.FakeClock) {
	t.Helper()

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(
		`CREATE TABLE usage_points (
			id TEXT PRIMARY KEY, segment TEXT NOT NULL,
			service_level INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME, updated_at DATETIME
		)`,
	).Error)

	fakeClock := clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fakeClock,
		Repo:  usagepointrepo.Provide(),
	})
	return svc, fakeClock
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, usagepointdomain.ValidateID("12345678901234"))
	assert.ErrorIs(t, usagepointdomain.ValidateID("1234567890123"), usagepointdomain.ErrInvalidID)
	assert.ErrorIs(t, usagepointdomain.ValidateID("123456789012345"), usagepointdomain.ErrInvalidID)
	assert.ErrorIs(t, usagepointdomain.ValidateID("1234567890123a"), usagepointdomain.ErrInvalidID)
	assert.ErrorIs(t, usagepointdomain.ValidateID(""), usagepointdomain.ErrInvalidID)
}

func TestRegisterAndGet(t *testing.T) {
	svc, _ := setupUsagePoints(t)
	ctx := context.Background()

	created, err := svc.Register(ctx, usagepointdomain.RegisterRequest{
		ID:      "12345678901234",
		Segment: usagepointdomain.SegmentC5,
	})
	require.NoError(t, err)
	assert.Equal(t, usagepointdomain.SegmentC5, created.Segment)
	assert.Equal(t, 1, created.ServiceLevel, "service level defaults to 1")

	got, err := svc.Get(ctx, "12345678901234")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = svc.Get(ctx, "99999999999999")
	assert.ErrorIs(t, err, usagepointdomain.ErrNotFound)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := setupUsagePoints(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, usagepointdomain.RegisterRequest{
		ID: "not-a-point", Segment: usagepointdomain.SegmentC5,
	})
	assert.ErrorIs(t, err, usagepointdomain.ErrInvalidID)

	_, err = svc.Register(ctx, usagepointdomain.RegisterRequest{
		ID: "12345678901234", Segment: "C9",
	})
	assert.ErrorIs(t, err, usagepointdomain.ErrInvalidSegment)
}

func TestRegisterUpdatesChangedClassification(t *testing.T) {
	svc, fakeClock := setupUsagePoints(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, usagepointdomain.RegisterRequest{
		ID: "12345678901234", Segment: usagepointdomain.SegmentC5,
	})
	require.NoError(t, err)

	// Identical registration is a no-op.
	fakeClock.Advance(time.Hour)
	same, err := svc.Register(ctx, usagepointdomain.RegisterRequest{
		ID: "12345678901234", Segment: usagepointdomain.SegmentC5,
	})
	require.NoError(t, err)
	assert.True(t, same.UpdatedAt.Equal(first.UpdatedAt))

	// A segment change rewrites the row.
	level := 2
	updated, err := svc.Register(ctx, usagepointdomain.RegisterRequest{
		ID: "12345678901234", Segment: usagepointdomain.SegmentP1, ServiceLevel: &level,
	})
	require.NoError(t, err)
	assert.Equal(t, usagepointdomain.SegmentP1, updated.Segment)
	assert.Equal(t, 2, updated.ServiceLevel)
	assert.True(t, updated.UpdatedAt.After(first.UpdatedAt))
}

func TestSegmentHelpers(t *testing.T) {
	assert.True(t, usagepointdomain.SegmentP2.IsProducer())
	assert.False(t, usagepointdomain.SegmentC2.IsProducer())
	assert.False(t, usagepointdomain.Segment("C9").Valid())
}
