package jobstore

import "gorm.io/gorm"

// AutoMigrate creates/updates the jobs table. Called once at startup and by
// integration tests that run against a real Postgres instance.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&row{})
}
