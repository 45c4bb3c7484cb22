package models

import (
	"log"

	"github.com/mmdatafocus/parking_backend/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := AutoMigrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

// AutoMigrate creates or updates every table owned by the sync service.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Integration{}, &SyncRun{}, &SyncRunError{}, &SyncCursor{},
		&Customer{}, &Item{}, &Contract{}, &ContractPlate{},
	)
	if err != nil {
		return err
	}
	for _, k := range []struct {
		model              any
		column, normColumn string
	}{
		{&Customer{}, "code", "code_norm"},
		{&Item{}, "code", "code_norm"},
		{&Contract{}, "code", "code_norm"},
		{&ContractPlate{}, "erp_line_id", "erp_line_id_norm"},
	} {
		if err := backfillKeys(db, k.model, k.column, k.normColumn); err != nil {
			return err
		}
	}
	return nil
}
