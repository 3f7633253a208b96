package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gridsight/consentgate/internal/clock"
	consentdomain "github.com/gridsight/consentgate/internal/consent/domain"
	consentrepo "github.com/gridsight/consentgate/internal/consent/repository"
	subscriptiondomain "github.com/gridsight/consentgate/internal/subscription/domain"
	usagepointdomain "github.com/gridsight/consentgate/internal/usagepoint/domain"
	usagepointrepo "github.com/gridsight/consentgate/internal/usagepoint/repository"
	usagepointservice "github.com/gridsight/consentgate/internal/usagepoint/service"
)

const (
	testUserID       = "user-1"
	testUsagePointID = "12345678901234"
)

func setupConsentService(t *testing.T, start time.Time) (consentdomain.Service, *gorm.DB, *clock.FakeClock, *snowflake.Node) {
	t.Helper()

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE users (id TEXT PRIMARY KEY, created_at DATETIME)`,
		`CREATE TABLE usage_points (
			id TEXT PRIMARY KEY, segment TEXT NOT NULL,
			service_level INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME, updated_at DATETIME
		)`,
		`CREATE TABLE consents (
			id INTEGER PRIMARY KEY, issuer_name TEXT NOT NULL, issuer_type TEXT NOT NULL,
			begins_at DATETIME NOT NULL, expires_at DATETIME NOT NULL,
			created_at DATETIME, updated_at DATETIME
		)`,
		`CREATE TABLE consents_users (
			consent_id INTEGER NOT NULL, user_id TEXT NOT NULL,
			PRIMARY KEY (consent_id, user_id)
		)`,
		`CREATE TABLE consents_usage_points (
			consent_id INTEGER NOT NULL, usage_point_id TEXT NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (consent_id, usage_point_id)
		)`,
		`CREATE TABLE webservice_calls (
			id INTEGER PRIMARY KEY, webservice TEXT NOT NULL,
			usage_point_id TEXT NOT NULL, user_id TEXT NOT NULL,
			consent_id INTEGER NOT NULL,
			consent_begins_at DATETIME NOT NULL, consent_expires_at DATETIME NOT NULL,
			called_at DATETIME NOT NULL, status TEXT, error TEXT,
			params TEXT NOT NULL DEFAULT '{}', subscription_id INTEGER,
			created_at DATETIME, updated_at DATETIME
		)`,
		`CREATE TABLE subscriptions (
			id INTEGER PRIMARY KEY, user_id TEXT NOT NULL, usage_point_id TEXT NOT NULL,
			series_name TEXT NOT NULL, subscribed_at DATETIME NOT NULL, notified_at DATETIME,
			consent_id INTEGER NOT NULL,
			consent_begins_at DATETIME NOT NULL, consent_expires_at DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			renew_attempts INTEGER NOT NULL DEFAULT 0,
			last_renew_error TEXT, last_renew_attempt_at DATETIME,
			created_at DATETIME, updated_at DATETIME
		)`,
		`CREATE TABLE webservice_call_subscriptions (
			id INTEGER PRIMARY KEY, webservice_call_id INTEGER NOT NULL,
			call_type TEXT NOT NULL, expires_at DATETIME NOT NULL,
			call_id INTEGER, superseded_at DATETIME, created_at DATETIME
		)`,
	} {
		require.NoError(t, db.Exec(stmt).Error)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(start)
	log := zap.NewNop()

	usagePointSvc := usagepointservice.New(usagepointservice.Params{
		DB:    db,
		Log:   log,
		Clock: fakeClock,
		Repo:  usagepointrepo.Provide(),
	})
	svc := New(Params{
		DB:          db,
		Log:         log,
		Clock:       fakeClock,
		GenID:       node,
		Repo:        consentrepo.Provide(),
		UsagePoints: usagePointSvc,
	})
	return svc, db, fakeClock, node
}

func createConsent(t *testing.T, svc consentdomain.Service, begins, expires time.Time) snowflake.ID {
	t.Helper()
	resp, err := svc.Create(context.Background(), consentdomain.CreateRequest{
		IssuerName: "Fournisseur A",
		IssuerType: consentdomain.IssuerOrganization,
		BeginsAt:   begins,
		ExpiresAt:  expires,
		Users:      []string{testUserID},
		UsagePoints: []consentdomain.UsagePointGrant{
			{ID: testUsagePointID, Segment: usagepointdomain.SegmentC5},
		},
	})
	require.NoError(t, err)
	id, err := consentdomain.ParseID(resp.ID)
	require.NoError(t, err)
	return id
}

func TestCreateValidation(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, _, _, _ := setupConsentService(t, start)
	ctx := context.Background()

	grant := []consentdomain.UsagePointGrant{{ID: testUsagePointID, Segment: usagepointdomain.SegmentC5}}

	_, err := svc.Create(ctx, consentdomain.CreateRequest{
		IssuerName: "", IssuerType: consentdomain.IssuerIndividual,
		BeginsAt: start, ExpiresAt: start.AddDate(1, 0, 0),
		Users: []string{testUserID}, UsagePoints: grant,
	})
	assert.ErrorIs(t, err, consentdomain.ErrInvalidIssuer)

	_, err = svc.Create(ctx, consentdomain.CreateRequest{
		IssuerName: "A", IssuerType: "company",
		BeginsAt: start, ExpiresAt: start.AddDate(1, 0, 0),
		Users: []string{testUserID}, UsagePoints: grant,
	})
	assert.ErrorIs(t, err, consentdomain.ErrInvalidIssuer)

	_, err = svc.Create(ctx, consentdomain.CreateRequest{
		IssuerName: "A", IssuerType: consentdomain.IssuerIndividual,
		BeginsAt: start.AddDate(1, 0, 0), ExpiresAt: start,
		Users: []string{testUserID}, UsagePoints: grant,
	})
	assert.ErrorIs(t, err, consentdomain.ErrInvalidWindow)

	_, err = svc.Create(ctx, consentdomain.CreateRequest{
		IssuerName: "A", IssuerType: consentdomain.IssuerIndividual,
		BeginsAt: start, ExpiresAt: start.AddDate(1, 0, 0),
		Users: []string{testUserID}, UsagePoints: nil,
	})
	assert.ErrorIs(t, err, consentdomain.ErrNoUsagePoints)

	_, err = svc.Create(ctx, consentdomain.CreateRequest{
		IssuerName: "A", IssuerType: consentdomain.IssuerIndividual,
		BeginsAt: start, ExpiresAt: start.AddDate(1, 0, 0),
		Users: nil, UsagePoints: grant,
	})
	assert.ErrorIs(t, err, consentdomain.ErrInvalidUser)
}

func TestActiveConsentGateReasons(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, _, _, _ := setupConsentService(t, start)
	ctx := context.Background()

	// Nothing registered at all.
	_, err := svc.ActiveConsent(ctx, testUserID, testUsagePointID, start)
	require.ErrorIs(t, err, consentdomain.ErrNoActiveConsent)
	assert.Contains(t, err.Error(), "no consent registered")

	// A consent that has not begun yet.
	createConsent(t, svc, start.AddDate(0, 1, 0), start.AddDate(1, 0, 0))
	_, err = svc.ActiveConsent(ctx, testUserID, testUsagePointID, start)
	require.ErrorIs(t, err, consentdomain.ErrNoActiveConsent)
	assert.Contains(t, err.Error(), "not valid yet")

	// Valid inside the window.
	got, err := svc.ActiveConsent(ctx, testUserID, testUsagePointID, start.AddDate(0, 2, 0))
	require.NoError(t, err)
	assert.True(t, got.Covers(start.AddDate(0, 2, 0)))

	// Past the window: begun but no longer valid.
	_, err = svc.ActiveConsent(ctx, testUserID, testUsagePointID, start.AddDate(2, 0, 0))
	require.ErrorIs(t, err, consentdomain.ErrNoActiveConsent)
	assert.Contains(t, err.Error(), "no longer valid")
}

func TestActiveConsentWindowBounds(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, _, _, _ := setupConsentService(t, start)
	ctx := context.Background()

	expires := start.AddDate(1, 0, 0)
	createConsent(t, svc, start, expires)

	// Lower bound inclusive.
	_, err := svc.ActiveConsent(ctx, testUserID, testUsagePointID, start)
	assert.NoError(t, err)

	// Upper bound exclusive.
	_, err = svc.ActiveConsent(ctx, testUserID, testUsagePointID, expires)
	assert.ErrorIs(t, err, consentdomain.ErrNoActiveConsent)
}

func TestActiveConsentTieBreak(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, _, _, _ := setupConsentService(t, start)
	ctx := context.Background()

	older := createConsent(t, svc, start, start.AddDate(1, 0, 0))
	later := createConsent(t, svc, start.AddDate(0, 1, 0), start.AddDate(1, 0, 0))

	// Both cover the instant; the later begins_at wins.
	got, err := svc.ActiveConsent(ctx, testUserID, testUsagePointID, start.AddDate(0, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, later, got.ID)

	// Same begins_at resolves on the higher id.
	sameBegins := createConsent(t, svc, start.AddDate(0, 1, 0), start.AddDate(2, 0, 0))
	got, err = svc.ActiveConsent(ctx, testUserID, testUsagePointID, start.AddDate(0, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, sameBegins, got.ID)
	assert.NotEqual(t, older, got.ID)
}

func TestRevokeValidation(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, _, _, node := setupConsentService(t, start)
	ctx := context.Background()

	expires := start.AddDate(1, 0, 0)
	id := createConsent(t, svc, start, expires)

	assert.ErrorIs(t, svc.Revoke(ctx, id, start), consentdomain.ErrInvalidRevocation)
	assert.ErrorIs(t, svc.Revoke(ctx, id, expires), consentdomain.ErrInvalidRevocation)
	assert.ErrorIs(t, svc.Revoke(ctx, id, expires.AddDate(1, 0, 0)), consentdomain.ErrInvalidRevocation)
	assert.ErrorIs(t, svc.Revoke(ctx, node.Generate(), start.AddDate(0, 6, 0)), consentdomain.ErrNotFound)
}

func TestRevokePropagation(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, db, fakeClock, node := setupConsentService(t, start)
	ctx := context.Background()

	expires := start.AddDate(1, 0, 0)
	id := createConsent(t, svc, start, expires)

	// One historical call, one backing call hanging off it, and two
	// subscriptions: one subscribed before the new expiry, one after.
	callID := node.Generate()
	require.NoError(t, db.Exec(
		`INSERT INTO webservice_calls
		 (id, webservice, usage_point_id, user_id, consent_id, consent_begins_at, consent_expires_at,
		  called_at, status, params, created_at, updated_at)
		 VALUES (?, 'measurements/consumption/power/active/raw', ?, ?, ?, ?, ?, ?, 'OK', '{}', ?, ?)`,
		callID, testUsagePointID, testUserID, id, start, expires,
		start.AddDate(0, 1, 0), start, start,
	).Error)
	backingID := node.Generate()
	require.NoError(t, db.Exec(
		`INSERT INTO webservice_call_subscriptions
		 (id, webservice_call_id, call_type, expires_at, superseded_at, created_at)
		 VALUES (?, ?, 'consumption/raw', ?, NULL, ?)`,
		backingID, callID, expires, start,
	).Error)
	earlySubID := node.Generate()
	require.NoError(t, db.Exec(
		`INSERT INTO subscriptions
		 (id, user_id, usage_point_id, series_name, subscribed_at, consent_id,
		  consent_begins_at, consent_expires_at, status, created_at, updated_at)
		 VALUES (?, ?, ?, 'consumption/power/active/raw', ?, ?, ?, ?, 'ACTIVE', ?, ?)`,
		earlySubID, testUserID, testUsagePointID, start.AddDate(0, 1, 0), id, start, expires, start, start,
	).Error)
	lateSubID := node.Generate()
	require.NoError(t, db.Exec(
		`INSERT INTO subscriptions
		 (id, user_id, usage_point_id, series_name, subscribed_at, consent_id,
		  consent_begins_at, consent_expires_at, status, created_at, updated_at)
		 VALUES (?, ?, ?, 'production/power/active/raw', ?, ?, ?, ?, 'ACTIVE', ?, ?)`,
		lateSubID, testUserID, testUsagePointID, start.AddDate(0, 8, 0), id, start, expires, start, start,
	).Error)

	newExpiry := start.AddDate(0, 6, 0)
	fakeClock.Set(start.AddDate(0, 7, 0))
	require.NoError(t, svc.Revoke(ctx, id, newExpiry))

	resp, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, resp.ExpiresAt.Equal(newExpiry))

	var call struct {
		ConsentExpiresAt time.Time
	}
	require.NoError(t, db.Raw(`SELECT consent_expires_at FROM webservice_calls WHERE id = ?`, callID).Scan(&call).Error)
	assert.True(t, call.ConsentExpiresAt.Equal(newExpiry), "call snapshot should be tightened")

	var backing struct {
		ExpiresAt time.Time
	}
	require.NoError(t, db.Raw(`SELECT expires_at FROM webservice_call_subscriptions WHERE id = ?`, backingID).Scan(&backing).Error)
	assert.True(t, backing.ExpiresAt.Equal(newExpiry), "backing call expiry should be tightened")

	var early, late struct {
		ConsentExpiresAt time.Time
		Status           subscriptiondomain.SubscriptionStatus
	}
	require.NoError(t, db.Raw(`SELECT consent_expires_at, status FROM subscriptions WHERE id = ?`, earlySubID).Scan(&early).Error)
	assert.True(t, early.ConsentExpiresAt.Equal(newExpiry))
	assert.Equal(t, subscriptiondomain.StatusActive, early.Status, "subscription inside the shortened window stays active")

	require.NoError(t, db.Raw(`SELECT consent_expires_at, status FROM subscriptions WHERE id = ?`, lateSubID).Scan(&late).Error)
	assert.True(t, late.ConsentExpiresAt.Equal(newExpiry))
	assert.Equal(t, subscriptiondomain.StatusBroken, late.Status, "subscription outside the shortened window breaks")
}
