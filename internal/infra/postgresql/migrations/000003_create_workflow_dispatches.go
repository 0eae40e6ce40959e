package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/callflow-engine/internal/repository"
	"gorm.io/gorm"
)

func createWorkflowDispatchesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_workflow_dispatches",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.WorkflowDispatchModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.WorkflowDispatchModel{})
		},
	}
}
