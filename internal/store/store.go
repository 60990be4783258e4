// Package store persists subscriptions and their armed reminder instants with
// gorm, on SQLite or Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tariel-x/sleepchecker/internal/bedtime"
	"github.com/tariel-x/sleepchecker/internal/models"
	"github.com/tariel-x/sleepchecker/internal/reminders"
)

type SubscriptionRecord struct {
	ID           string     `gorm:"type:varchar(36);primaryKey"`
	Endpoint     string     `gorm:"type:text;not null;uniqueIndex"`
	P256DH       string     `gorm:"column:p256dh;type:text;not null"`
	Auth         string     `gorm:"type:text;not null"`
	Bedtime      string     `gorm:"type:varchar(5);not null"`
	RegisteredAt time.Time  `gorm:"not null;index"`
	BathAt       *time.Time `gorm:"column:bath_at"`
	PrepAt       *time.Time `gorm:"column:prep_at"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (SubscriptionRecord) TableName() string {
	return "subscriptions"
}

func (r *SubscriptionRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

type Store struct {
	db *gorm.DB
}

var _ reminders.Store = (*Store)(nil)

// Open connects to dsn. postgres:// and postgresql:// URLs select Postgres,
// anything else is a SQLite file path.
func Open(dsn string) (*Store, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err == nil {
			// SQLite allows a single writer.
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				sqlDB.SetMaxOpenConns(1)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&SubscriptionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Save inserts or replaces the record for rec.Endpoint.
func (s *Store) Save(ctx context.Context, rec models.PersistedSubscription) error {
	row := toRecord(rec)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"p256dh", "auth", "bedtime", "registered_at", "bath_at", "prep_at", "updated_at",
			}),
		}).
		Create(&row).Error
}

func (s *Store) Delete(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Delete(&SubscriptionRecord{}, "endpoint = ?", endpoint).Error
}

// MarkFired clears the stored instant of kind so a restart does not arm it
// again.
func (s *Store) MarkFired(ctx context.Context, endpoint string, kind models.ReminderKind) error {
	column, err := fireColumn(kind)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Model(&SubscriptionRecord{}).
		Where("endpoint = ?", endpoint).
		Update(column, nil).Error
}

func (s *Store) Load(ctx context.Context) ([]models.PersistedSubscription, error) {
	var rows []SubscriptionRecord
	if err := s.db.WithContext(ctx).Order("registered_at, endpoint").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]models.PersistedSubscription, 0, len(rows))
	var errs []error
	for _, row := range rows {
		rec, err := fromRecord(row)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", row.ID, err))
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Join(errs...)
}

func fireColumn(kind models.ReminderKind) (string, error) {
	switch kind {
	case models.ReminderBath:
		return "bath_at", nil
	case models.ReminderPrep:
		return "prep_at", nil
	default:
		return "", fmt.Errorf("no stored instant for reminder kind %q", kind)
	}
}

func toRecord(rec models.PersistedSubscription) SubscriptionRecord {
	return SubscriptionRecord{
		Endpoint:     rec.Endpoint,
		P256DH:       rec.Target.Keys.P256DH,
		Auth:         rec.Target.Keys.Auth,
		Bedtime:      rec.Bedtime.String(),
		RegisteredAt: rec.RegisteredAt,
		BathAt:       optionalTime(rec.FireTimes.Bath),
		PrepAt:       optionalTime(rec.FireTimes.Prep),
	}
}

func fromRecord(row SubscriptionRecord) (models.PersistedSubscription, error) {
	b, err := bedtime.Parse(row.Bedtime)
	if err != nil {
		return models.PersistedSubscription{}, err
	}
	rec := models.PersistedSubscription{
		Subscription: models.Subscription{
			Endpoint: row.Endpoint,
			Target: models.DeliveryTarget{
				Endpoint: row.Endpoint,
				Keys:     models.PushKeys{P256DH: row.P256DH, Auth: row.Auth},
			},
			Bedtime:      b,
			RegisteredAt: row.RegisteredAt,
		},
	}
	if row.BathAt != nil {
		rec.FireTimes.Bath = *row.BathAt
	}
	if row.PrepAt != nil {
		rec.FireTimes.Prep = *row.PrepAt
	}
	return rec, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
