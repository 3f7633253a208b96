package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, up *UsagePoint) error
	Update(ctx context.Context, db *gorm.DB, up *UsagePoint) error
	FindByID(ctx context.Context, db *gorm.DB, id string) (*UsagePoint, error)
	List(ctx context.Context, db *gorm.DB) ([]UsagePoint, error)
}
