package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/gridsight/consentgate/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, call *ledgerdomain.WebserviceCall) error {
	return db.WithContext(ctx).Create(call).Error
}

// InsertUnlessPending races the pending lock in a single statement: the
// insert lands only when no live pending call holds the subscription.
func (r *repo) InsertUnlessPending(ctx context.Context, db *gorm.DB, call *ledgerdomain.WebserviceCall, since time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO webservice_calls
		 (id, webservice, usage_point_id, user_id, consent_id, consent_begins_at, consent_expires_at,
		  called_at, status, error, params, subscription_id, created_at, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?
		 WHERE NOT EXISTS (
		   SELECT 1 FROM webservice_calls
		   WHERE subscription_id = ? AND status IS NULL AND called_at >= ?
		 )`,
		call.ID, call.Webservice, call.UsagePointID, call.UserID,
		call.ConsentID, call.ConsentBeginsAt, call.ConsentExpiresAt,
		call.CalledAt, call.Params, call.SubscriptionID,
		call.CreatedAt, call.UpdatedAt,
		call.SubscriptionID, since,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) Finalize(ctx context.Context, db *gorm.DB, id snowflake.ID, status ledgerdomain.CallStatus, callErr *string, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE webservice_calls SET status = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status IS NULL`,
		status,
		callErr,
		at,
		id,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) FinalizeStalePending(ctx context.Context, db *gorm.DB, olderThan time.Time, reason string, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE webservice_calls SET status = 'FAILED', error = ?, updated_at = ?
		 WHERE status IS NULL AND called_at < ?`,
		reason,
		at,
		olderThan,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) CountLivePending(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, since time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM webservice_calls
		 WHERE subscription_id = ? AND status IS NULL AND called_at >= ?`,
		subscriptionID,
		since,
	).Scan(&count).Error
	return count, err
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ledgerdomain.WebserviceCall, error) {
	var call ledgerdomain.WebserviceCall
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM webservice_calls WHERE id = ?`,
		id,
	).Scan(&call).Error
	if err != nil {
		return nil, err
	}
	if call.ID == 0 {
		return nil, nil
	}
	return &call, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter ledgerdomain.ListFilter) ([]ledgerdomain.WebserviceCall, error) {
	query := `SELECT * FROM webservice_calls`
	conds := []string{}
	args := []any{}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.UsagePointID != "" {
		conds = append(conds, "usage_point_id = ?")
		args = append(args, filter.UsagePointID)
	}
	if filter.Webservice != "" {
		conds = append(conds, "webservice = ?")
		args = append(args, filter.Webservice)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY called_at DESC, id DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var calls []ledgerdomain.WebserviceCall
	err := db.WithContext(ctx).Raw(query, args...).Scan(&calls).Error
	if err != nil {
		return nil, err
	}
	return calls, nil
}
