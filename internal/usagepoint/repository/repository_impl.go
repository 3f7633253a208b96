package repository

import (
	"context"

	usagepointdomain "github.com/gridsight/consentgate/internal/usagepoint/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagepointdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, up *usagepointdomain.UsagePoint) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_points (id, segment, service_level, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		up.ID,
		up.Segment,
		up.ServiceLevel,
		up.CreatedAt,
		up.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, up *usagepointdomain.UsagePoint) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_points
		 SET segment = ?, service_level = ?, updated_at = ?
		 WHERE id = ?`,
		up.Segment,
		up.ServiceLevel,
		up.UpdatedAt,
		up.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*usagepointdomain.UsagePoint, error) {
	var up usagepointdomain.UsagePoint
	err := db.WithContext(ctx).Raw(
		`SELECT id, segment, service_level, created_at, updated_at
		 FROM usage_points WHERE id = ?`,
		id,
	).Scan(&up).Error
	if err != nil {
		return nil, err
	}
	if up.ID == "" {
		return nil, nil
	}
	return &up, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]usagepointdomain.UsagePoint, error) {
	var ups []usagepointdomain.UsagePoint
	err := db.WithContext(ctx).Raw(
		`SELECT id, segment, service_level, created_at, updated_at
		 FROM usage_points ORDER BY id ASC`,
	).Scan(&ups).Error
	if err != nil {
		return nil, err
	}
	return ups, nil
}
