package models

import (
	"log"

	"github.com/mmdatafocus/referrals_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Customer{},
		&Appointment{}, &AppointmentSegment{},
		&ServiceVariation{},
		&SquareConnection{}, &SyncRun{}, &SyncError{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
