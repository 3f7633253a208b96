package service

import (
	"context"
	"errors"
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
	"github.com/gridsight/consentgate/internal/remote"
	subscriptiondomain "github.com/gridsight/consentgate/internal/subscription/domain"
	subscriptionrepo "github.com/gridsight/consentgate/internal/subscription/repository"
)

const (
	testUserID       = "user-1"
	testUsagePointID = "12345678901234"
	testSeries       = "consumption/power/active/raw"
)

type subscriptionFixture struct {
	svc   subscriptiondomain.Service
	db    *gorm.DB
	clock *clock.FakeClock
	node  *snowflake.Node
}

func setupSubscriptions(t *testing.T, start time.Time) *subscriptionFixture {
	t.Helper()

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE subscriptions (
			id INTEGER PRIMARY KEY, user_id TEXT NOT NULL, usage_point_id TEXT NOT NULL,
			series_name TEXT NOT NULL, subscribed_at DATETIME NOT NULL, notified_at DATETIME,
			consent_id INTEGER NOT NULL,
			consent_begins_at DATETIME NOT NULL, consent_expires_at DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			renew_attempts INTEGER NOT NULL DEFAULT 0,
			last_renew_error TEXT, last_renew_attempt_at DATETIME,
			created_at DATETIME, updated_at DATETIME,
			UNIQUE (user_id, usage_point_id, series_name)
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
		`CREATE TABLE webservice_call_subscriptions (
			id INTEGER PRIMARY KEY, webservice_call_id INTEGER NOT NULL,
			call_type TEXT NOT NULL, expires_at DATETIME NOT NULL,
			call_id INTEGER, superseded_at DATETIME, created_at DATETIME
		)`,
		`CREATE TABLE subscriptions_calls (
			subscription_id INTEGER NOT NULL, webservice_call_subscription_id INTEGER NOT NULL,
			PRIMARY KEY (subscription_id, webservice_call_subscription_id)
		)`,
	} {
		require.NoError(t, db.Exec(stmt).Error)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(start)

	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fakeClock,
		GenID: node,
		Repo:  subscriptionrepo.Provide(),
	})
	return &subscriptionFixture{svc: svc, db: db, clock: fakeClock, node: node}
}

func (f *subscriptionFixture) consent(begins, expires time.Time) *consentdomain.Consent {
	return &consentdomain.Consent{
		ID:        f.node.Generate(),
		BeginsAt:  begins.UTC(),
		ExpiresAt: expires.UTC(),
	}
}

// insertCall seeds a ledger row so the backing call chain carries a
// called_at for the staleness check.
func (f *subscriptionFixture) insertCall(t *testing.T, consent *consentdomain.Consent, calledAt time.Time) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	require.NoError(t, f.db.Exec(
		`INSERT INTO webservice_calls
		 (id, webservice, usage_point_id, user_id, consent_id, consent_begins_at, consent_expires_at,
		  called_at, status, params, created_at, updated_at)
		 VALUES (?, 'subscribe/consumption/raw', ?, ?, ?, ?, ?, ?, 'OK', '{}', ?, ?)`,
		id, testUsagePointID, testUserID, consent.ID, consent.BeginsAt, consent.ExpiresAt,
		calledAt, calledAt, calledAt,
	).Error)
	return id
}

func (f *subscriptionFixture) upsert(t *testing.T, consent *consentdomain.Consent) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.svc.Upsert(context.Background(), subscriptiondomain.UpsertRequest{
		UserID:       testUserID,
		UsagePointID: testUsagePointID,
		SeriesName:   testSeries,
		Consent:      consent,
		SubscribedAt: f.clock.Now(),
	})
	require.NoError(t, err)
	return sub
}

func TestUpsertCreatesSingleRowPerTriple(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	f := setupSubscriptions(t, start)
	consent := f.consent(start, start.AddDate(1, 0, 0))

	first := f.upsert(t, consent)
	f.clock.Advance(time.Hour)
	second := f.upsert(t, consent)

	assert.Equal(t, first.ID, second.ID, "re-subscribing must not create a second row")

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM subscriptions`).Scan(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.True(t, second.SubscribedAt.After(first.SubscribedAt))
}

func TestUpsertValidation(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	f := setupSubscriptions(t, start)
	ctx := context.Background()
	consent := f.consent(start, start.AddDate(1, 0, 0))

	_, err := f.svc.Upsert(ctx, subscriptiondomain.UpsertRequest{
		UserID: testUserID, UsagePointID: testUsagePointID,
		SeriesName: "temperature/raw", Consent: consent, SubscribedAt: start,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidSeries)

	_, err = f.svc.Upsert(ctx, subscriptiondomain.UpsertRequest{
		UserID: testUserID, UsagePointID: testUsagePointID,
		SeriesName: testSeries, Consent: consent,
		SubscribedAt: start.AddDate(2, 0, 0),
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrOutOfConsentWindow)

	_, err = f.svc.Upsert(ctx, subscriptiondomain.UpsertRequest{
		UserID: testUserID, UsagePointID: testUsagePointID,
		SeriesName: testSeries, Consent: nil, SubscribedAt: start,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrOutOfConsentWindow)
}

func TestUpsertReactivatesBrokenSubscription(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	f := setupSubscriptions(t, start)
	ctx := context.Background()

	oldConsent := f.consent(start, start.AddDate(0, 1, 0))
	sub := f.upsert(t, oldConsent)
	require.NoError(t, f.svc.MarkBroken(ctx, sub.ID, "consent lapsed"))

	// A new consent re-subscribes the same triple.
	f.clock.Set(start.AddDate(0, 2, 0))
	newConsent := f.consent(start.AddDate(0, 2, 0), start.AddDate(1, 0, 0))
	revived := f.upsert(t, newConsent)

	assert.Equal(t, sub.ID, revived.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, revived.Status)
	assert.Equal(t, newConsent.ID, revived.ConsentID)
	assert.Zero(t, revived.RenewAttempts, "renewal bookkeeping resets on re-subscribe")
	assert.Nil(t, revived.LastRenewError)
}

func TestRecordBackingCallSupersedesPrevious(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	f := setupSubscriptions(t, start)
	ctx := context.Background()
	consent := f.consent(start, start.AddDate(1, 0, 0))
	sub := f.upsert(t, consent)

	firstCallID := f.insertCall(t, consent, start)
	remoteID1 := int64(101)
	first, err := f.svc.RecordBackingCall(ctx, sub.ID, subscriptiondomain.BackingCallRequest{
		WebserviceCallID: firstCallID,
		CalledAt:         start,
		CallType:         remote.ConsumptionRaw,
		ExpiresAt:        start.AddDate(0, 1, 0),
		CallID:           &remoteID1,
	})
	require.NoError(t, err)

	current, err := f.svc.CurrentBackingCall(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, current.ID)

	f.clock.Advance(time.Hour)
	secondCallID := f.insertCall(t, consent, start.Add(time.Hour))
	remoteID2 := int64(102)
	second, err := f.svc.RecordBackingCall(ctx, sub.ID, subscriptiondomain.BackingCallRequest{
		WebserviceCallID: secondCallID,
		CalledAt:         start.Add(time.Hour),
		CallType:         remote.ConsumptionRaw,
		ExpiresAt:        start.AddDate(0, 2, 0),
		CallID:           &remoteID2,
	})
	require.NoError(t, err)

	current, err = f.svc.CurrentBackingCall(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID, "newest backing call becomes current")

	var liveCount int64
	require.NoError(t, f.db.Raw(
		`SELECT COUNT(*) FROM webservice_call_subscriptions wcs
		 JOIN subscriptions_calls sc ON sc.webservice_call_subscription_id = wcs.id
		 WHERE sc.subscription_id = ? AND wcs.superseded_at IS NULL`,
		sub.ID,
	).Scan(&liveCount).Error)
	assert.Equal(t, int64(1), liveCount, "at most one live backing call")

	var chainCount int64
	require.NoError(t, f.db.Raw(
		`SELECT COUNT(*) FROM subscriptions_calls WHERE subscription_id = ?`,
		sub.ID,
	).Scan(&chainCount).Error)
	assert.Equal(t, int64(2), chainCount, "the full chain is preserved")
}

func TestRecordBackingCallRejectsStaleAndOutOfWindow(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	f := setupSubscriptions(t, start)
	ctx := context.Background()
	consent := f.consent(start, start.AddDate(1, 0, 0))
	sub := f.upsert(t, consent)

	callID := f.insertCall(t, consent, start.Add(time.Hour))
	remoteID := int64(201)
	_, err := f.svc.RecordBackingCall(ctx, sub.ID, subscriptiondomain.BackingCallRequest{
		WebserviceCallID: callID,
		CalledAt:         start.Add(time.Hour),
		CallType:         remote.ConsumptionRaw,
		ExpiresAt:        start.AddDate(0, 6, 0),
		CallID:           &remoteID,
	})
	require.NoError(t, err)

	// An older response arriving late loses to the current backing call.
	staleCallID := f.insertCall(t, consent, start)
	_, err = f.svc.RecordBackingCall(ctx, sub.ID, subscriptiondomain.BackingCallRequest{
		WebserviceCallID: staleCallID,
		CalledAt:         start,
		CallType:         remote.ConsumptionRaw,
		ExpiresAt:        start.AddDate(0, 6, 0),
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrStaleBackingCall)

	// Equal called_at is stale too: the ordering is strict.
	equalCallID := f.insertCall(t, consent, start.Add(time.Hour))
	_, err = f.svc.RecordBackingCall(ctx, sub.ID, subscriptiondomain.BackingCallRequest{
		WebserviceCallID: equalCallID,
		CalledAt:         start.Add(time.Hour),
		CallType:         remote.ConsumptionRaw,
		ExpiresAt:        start.AddDate(0, 6, 0),
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrStaleBackingCall)

	// Expiry past the consent snapshot is rejected up front.
	lateCallID := f.insertCall(t, consent, start.Add(2*time.Hour))
	_, err = f.svc.RecordBackingCall(ctx, sub.ID, subscriptiondomain.BackingCallRequest{
		WebserviceCallID: lateCallID,
		CalledAt:         start.Add(2 * time.Hour),
		CallType:         remote.ConsumptionRaw,
		ExpiresAt:        start.AddDate(2, 0, 0),
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrOutOfConsentWindow)
}

func TestMarkNotifiedEnforcesWindow(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	f := setupSubscriptions(t, start)
	ctx := context.Background()
	expires := start.AddDate(0, 6, 0)
	consent := f.consent(start, expires)
	sub := f.upsert(t, consent)

	assert.ErrorIs(t, f.svc.MarkNotified(ctx, sub.ID, start.Add(-time.Hour)), subscriptiondomain.ErrOutOfConsentWindow)
	assert.ErrorIs(t, f.svc.MarkNotified(ctx, sub.ID, expires), subscriptiondomain.ErrOutOfConsentWindow)

	// Lower bound inclusive, upper bound exclusive.
	require.NoError(t, f.svc.MarkNotified(ctx, sub.ID, start))
	require.NoError(t, f.svc.MarkNotified(ctx, sub.ID, expires.Add(-time.Second)))

	got, err := f.svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NotifiedAt)
	assert.True(t, got.NotifiedAt.Equal(expires.Add(-time.Second)))
}

func TestCancelIsBestEffortOnRemoteFailure(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	f := setupSubscriptions(t, start)
	ctx := context.Background()
	consent := f.consent(start, start.AddDate(1, 0, 0))
	sub := f.upsert(t, consent)

	callID := f.insertCall(t, consent, start)
	remoteID := int64(301)
	backing, err := f.svc.RecordBackingCall(ctx, sub.ID, subscriptiondomain.BackingCallRequest{
		WebserviceCallID: callID,
		CalledAt:         start,
		CallType:         remote.ConsumptionRaw,
		ExpiresAt:        start.AddDate(0, 6, 0),
		CallID:           &remoteID,
	})
	require.NoError(t, err)

	unsubscribed := false
	err = f.svc.Cancel(ctx, sub.ID, func(ctx context.Context, s *subscriptiondomain.Subscription, b *subscriptiondomain.WebserviceCallSubscription) error {
		unsubscribed = true
		assert.Equal(t, backing.ID, b.ID)
		return errors.New("remote unreachable")
	})
	require.NoError(t, err, "remote failure must not block cancellation")
	assert.True(t, unsubscribed)

	got, err := f.svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, got.Status)

	current, err := f.svc.CurrentBackingCall(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, current, "cancellation supersedes the live backing call")
}

func TestRecordBackingCallRejectsCanceledSubscription(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	f := setupSubscriptions(t, start)
	ctx := context.Background()
	consent := f.consent(start, start.AddDate(1, 0, 0))
	sub := f.upsert(t, consent)

	require.NoError(t, f.svc.Cancel(ctx, sub.ID, nil))

	// A renewal landing after the cancel must not revive the chain.
	callID := f.insertCall(t, consent, start.Add(time.Hour))
	_, err := f.svc.RecordBackingCall(ctx, sub.ID, subscriptiondomain.BackingCallRequest{
		WebserviceCallID: callID,
		CalledAt:         start.Add(time.Hour),
		CallType:         remote.ConsumptionRaw,
		ExpiresAt:        start.AddDate(0, 6, 0),
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrNotActive)

	current, err := f.svc.CurrentBackingCall(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, current)

	got, err := f.svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, got.Status)
}

func TestFindExpiring(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	f := setupSubscriptions(t, start)
	ctx := context.Background()

	// A subscription with a backing call expiring soon.
	soonConsent := f.consent(start, start.AddDate(1, 0, 0))
	soonSub := f.upsert(t, soonConsent)
	callID := f.insertCall(t, soonConsent, start)
	remoteID := int64(401)
	_, err := f.svc.RecordBackingCall(ctx, soonSub.ID, subscriptiondomain.BackingCallRequest{
		WebserviceCallID: callID,
		CalledAt:         start,
		CallType:         remote.ConsumptionRaw,
		ExpiresAt:        start.Add(12 * time.Hour),
		CallID:           &remoteID,
	})
	require.NoError(t, err)

	// A subscription with no backing call and a consent expiring soon.
	bare, err := f.svc.Upsert(ctx, subscriptiondomain.UpsertRequest{
		UserID:       testUserID,
		UsagePointID: testUsagePointID,
		SeriesName:   "production/power/active/raw",
		Consent:      f.consent(start, start.Add(6*time.Hour)),
		SubscribedAt: start,
	})
	require.NoError(t, err)

	// A subscription comfortably inside its window.
	farSub, err := f.svc.Upsert(ctx, subscriptiondomain.UpsertRequest{
		UserID:       testUserID,
		UsagePointID: testUsagePointID,
		SeriesName:   "consumption/energy/active/daily",
		Consent:      f.consent(start, start.AddDate(1, 0, 0)),
		SubscribedAt: start,
	})
	require.NoError(t, err)

	expiring, err := f.svc.FindExpiring(ctx, start, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, expiring, 2)

	byID := map[snowflake.ID]subscriptiondomain.ExpiringSubscription{}
	for _, e := range expiring {
		byID[e.ID] = e
	}
	soonRow, ok := byID[soonSub.ID]
	require.True(t, ok, "backed subscription inside the horizon is returned")
	assert.True(t, soonRow.EffectiveExpiry.Equal(start.Add(12*time.Hour)))
	require.NotNil(t, soonRow.BackingCalledAt)

	bareRow, ok := byID[bare.ID]
	require.True(t, ok, "subscription without backing call is returned")
	assert.Nil(t, bareRow.BackingCallSubscriptionID)
	assert.True(t, bareRow.EffectiveExpiry.Equal(start.Add(6*time.Hour)))

	_, ok = byID[farSub.ID]
	assert.False(t, ok, "subscription outside the horizon stays out")
}
