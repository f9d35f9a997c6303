package database

import (
	"sync"

	"emperror.dev/errors"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pressify/forge/internal/models"
)

var (
	o  sync.Once
	db *gorm.DB
)

// Initialize opens the local sqlite database and runs auto-migrations
// for the license cache. The marketplace tables are migrated as well so
// that a self-hosted marketplace can share the file; when the remote
// marketplace is used they simply stay empty.
func Initialize(path string) error {
	var err error
	o.Do(func() {
		db, err = gorm.Open(sqlite.Open(path), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			err = errors.Wrap(err, "database: could not open database file")
			return
		}
		err = db.AutoMigrate(
			&models.MarketplaceModule{},
			&models.MarketplaceVersion{},
			&models.Purchase{},
			&models.Activation{},
			&models.StoredLicense{},
		)
		if err != nil {
			err = errors.Wrap(err, "database: failed to migrate models")
		}
	})
	return err
}

// Instance returns the gorm database handle. Initialize must have been
// called first; this will panic otherwise since it is a programmer error.
func Instance() *gorm.DB {
	if db == nil {
		panic("database: accessed instance before initialization")
	}
	return db
}

// SetInstance swaps the database handle, used by tests to point the
// package at an in-memory database.
func SetInstance(d *gorm.DB) {
	db = d
}
