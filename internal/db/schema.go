package db

import "gorm.io/gorm"

// EnsureSchema creates the job-owned schema (run metadata lives under it)
// if a fresh database has never seen this job before. The feature and
// boundary tables belong to the platform and are never created here.
func EnsureSchema(d *gorm.DB, schema string) error {
	return d.Exec(`CREATE SCHEMA IF NOT EXISTS "` + schema + `"`).Error
}
