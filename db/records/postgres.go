package records

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/InsulaLabs/edgegate/db/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// deviceRow is the gorm mapping of a device record.
type deviceRow struct {
	DeviceID    string `gorm:"primaryKey;column:device_id"`
	DeviceToken string `gorm:"column:device_token;not null"`
	Attested    bool   `gorm:"column:attested;not null;default:false"`
	CreatedAt   time.Time
	AttestedAt  *time.Time
}

func (deviceRow) TableName() string {
	return "devices"
}

type postgresStore struct {
	logger *slog.Logger
	db     *gorm.DB
}

var _ Store = &postgresStore{}

// OpenPostgres connects with a lib/pq style DSN and migrates the devices table.
func OpenPostgres(log *slog.Logger, dsn string) (Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(60 * time.Minute)

	if err := db.AutoMigrate(&deviceRow{}); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &postgresStore{
		logger: log.WithGroup("records"),
		db:     db,
	}, nil
}

func (s *postgresStore) InsertIfAbsent(ctx context.Context, rec models.DeviceRecord) error {
	row := deviceRow{
		DeviceID:    rec.DeviceID,
		DeviceToken: rec.DeviceToken,
	}
	tx := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrExists
	}
	return nil
}

func (s *postgresStore) Get(ctx context.Context, deviceID string) (models.DeviceRecord, error) {
	var row deviceRow
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.DeviceRecord{}, ErrNotFound
		}
		return models.DeviceRecord{}, err
	}
	return models.DeviceRecord{
		DeviceID:    row.DeviceID,
		DeviceToken: row.DeviceToken,
		Attested:    row.Attested,
	}, nil
}

func (s *postgresStore) MarkAttested(ctx context.Context, deviceID string) error {
	tx := s.db.WithContext(ctx).
		Model(&deviceRow{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{
			"attested":    true,
			"attested_at": gorm.Expr("COALESCE(attested_at, ?)", time.Now().UTC()),
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
