package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeIdentityEmails = "2026-06-12_normalize_identity_emails"
	migrationUniqueActiveEmails      = "2026-06-20_unique_active_identity_emails"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeIdentityEmails, apply: normalizeIdentityEmails},
		{name: migrationUniqueActiveEmails, apply: createUniqueActiveEmailIndex},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before email normalization moved into the service layer may
// carry mixed-case or padded addresses; uniqueness checks compare normalized
// values, so the stored form has to match.
func normalizeIdentityEmails(db *gorm.DB) error {
	return db.Exec("UPDATE staff_identities SET email = lower(trim(email)) WHERE email <> lower(trim(email));").Error
}

// Email uniqueness must hold at the schema level so two concurrent
// registrations cannot both pass the service-layer availability check. The
// index is partial: soft-deleted rows keep their address without blocking
// re-registration.
func createUniqueActiveEmailIndex(db *gorm.DB) error {
	return db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_staff_identities_email_active ON staff_identities(email) WHERE deleted_at IS NULL;").Error
}
