package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tkey-engine/interfaces"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// metadataHead is one row per metadata address.
type metadataHead struct {
	Address   string `gorm:"type:varchar(130);primaryKey"`
	Version   int64  `gorm:"not null"`
	ContentID string `gorm:"type:char(64);not null"`
	Signature []byte
	UpdatedAt time.Time
}

func (metadataHead) TableName() string {
	return "metadata_heads"
}

// SQLHeadStore keeps heads in PostgreSQL. Compare-and-swap is a conditional
// UPDATE (or INSERT ... ON CONFLICT DO NOTHING for new addresses), so it is
// linearizable across processes sharing the database.
type SQLHeadStore struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewSQLHeadStore connects to dsn and migrates the heads table.
func NewSQLHeadStore(dsn string, log *slog.Logger) (*SQLHeadStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to database: %v", interfaces.ErrBackendUnavailable, err)
	}
	return NewSQLHeadStoreWithDB(db, log)
}

// NewSQLHeadStoreWithDB uses an existing connection.
func NewSQLHeadStoreWithDB(db *gorm.DB, log *slog.Logger) (*SQLHeadStore, error) {
	if err := db.AutoMigrate(&metadataHead{}); err != nil {
		return nil, fmt.Errorf("failed to migrate heads table: %w", err)
	}
	log.Info("Database schema migrated", slog.String("table", metadataHead{}.TableName()))
	return &SQLHeadStore{db: db, log: log}, nil
}

func (s *SQLHeadStore) GetHead(ctx context.Context, address string) (interfaces.Head, error) {
	var row metadataHead
	err := s.db.WithContext(ctx).Where("address = ?", address).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return interfaces.Head{}, interfaces.ErrContentNotFound
	}
	if err != nil {
		return interfaces.Head{}, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	id, err := interfaces.NewContentIDFromHex(row.ContentID)
	if err != nil {
		return interfaces.Head{}, fmt.Errorf("corrupted head for %s: %w", address, err)
	}
	return interfaces.Head{Version: row.Version, ContentID: id, Signature: row.Signature}, nil
}

func (s *SQLHeadStore) CompareAndSwap(ctx context.Context, address string, expectedPrior int64, next interfaces.Head) error {
	db := s.db.WithContext(ctx)

	var res *gorm.DB
	if expectedPrior == interfaces.NoVersion {
		res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&metadataHead{
			Address:   address,
			Version:   next.Version,
			ContentID: next.ContentID.String(),
			Signature: next.Signature,
		})
	} else {
		res = db.Model(&metadataHead{}).
			Where("address = ? AND version = ?", address, expectedPrior).
			Updates(map[string]interface{}{
				"version":    next.Version,
				"content_id": next.ContentID.String(),
				"signature":  next.Signature,
				"updated_at": time.Now(),
			})
	}
	if res.Error != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: expected version %d for %s", interfaces.ErrVersionConflict, expectedPrior, address)
	}

	s.log.Debug("Updated head",
		slog.String("address", address),
		slog.Int64("version", next.Version))
	return nil
}

func (s *SQLHeadStore) Name() string {
	return "postgres-heads"
}
