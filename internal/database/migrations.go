package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillLastAuthor  = "2026-10-01_backfill_document_last_author"
	migrationStripProviderPrefix = "2026-10-02_strip_provider_prefix_from_document_users"
	legacyProviderPrefix         = "google:"
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

func migrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillLastAuthor, apply: backfillLastAuthor},
		{name: migrationStripProviderPrefix, apply: stripProviderPrefix},
	}
}

// applyMigrations runs each named data migration at most once, recording it in db_migrations.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// Documents written before the last author was tracked credit their current content to the owner.
func backfillLastAuthor(db *gorm.DB) error {
	return db.Exec("UPDATE documents SET last_author_id = owner_id WHERE last_author_id IS NULL OR last_author_id = ''").Error
}

func stripProviderPrefix(db *gorm.DB) error {
	start := len(legacyProviderPrefix) + 1
	pattern := legacyProviderPrefix + "%"
	statements := []struct {
		table  string
		column string
	}{
		{table: "documents", column: "owner_id"},
		{table: "documents", column: "last_author_id"},
		{table: "document_collaborators", column: "user_id"},
		{table: "document_versions", column: "author_id"},
	}
	for _, statement := range statements {
		query := fmt.Sprintf("UPDATE %s SET %s = substr(%s, ?) WHERE %s LIKE ?",
			statement.table, statement.column, statement.column, statement.column)
		if err := db.Exec(query, start, pattern).Error; err != nil {
			return err
		}
	}
	return nil
}
