package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/callflow-engine/internal/repository"
	"gorm.io/gorm"
)

func createCallAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_call_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.CallAttemptModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_call_attempts_external_call_id ON call_attempts (external_call_id) WHERE external_call_id IS NOT NULL`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.CallAttemptModel{})
		},
	}
}
