package progressbus

import "gorm.io/gorm"

// AutoMigrate creates/updates the job_progress_event table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&eventRow{})
}
