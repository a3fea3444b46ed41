package migrations

import (
	"github.com/jmylchreest/marketpipe/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
// - 001: Create the execution journal schema using GORM AutoMigrate
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
	}
}

// migration001Schema creates the execution journal tables.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create execution journal tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.StageExecution{},
			)
		},
		Down: func(tx *gorm.DB) error {
			if tx.Migrator().HasTable("stage_executions") {
				return tx.Migrator().DropTable("stage_executions")
			}
			return nil
		},
	}
}
