package database

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global database instance
var DB *gorm.DB

// Connect establishes a connection to the relational store.
// driver is "postgres" (default) or "sqlite".
func Connect(driver, dsn string, logLevel logger.LogLevel) error {
	var dialector gorm.Dialector
	switch driver {
	case "", "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = db

	log.Println("Database connection established")
	return nil
}

// Models lists every table the core owns, in migration order
func Models() []interface{} {
	return []interface{}{
		&Alert{},
		&AlertTag{},
		&AlertTransition{},
		&CorrelationGroup{},
		&Incident{},
		&IncidentMember{},
		&TimelineEntry{},
		&IncidentMerge{},
		&SuppressionRule{},
		&NotificationAttempt{},
		&QuarantinedItem{},
		&CorrelationSettings{},
	}
}

// AutoMigrate runs database migrations
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// GetDB returns the global database instance
func GetDB() *gorm.DB {
	return DB
}

// Close closes the database connection
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the store is reachable
func Ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return MapError(err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetOrCreateCorrelationSettings retrieves or creates correlation settings (singleton).
// defaults seeds the row on first use; nil means the built-in defaults.
func GetOrCreateCorrelationSettings(db *gorm.DB, defaults *CorrelationSettings) (*CorrelationSettings, error) {
	var settings CorrelationSettings
	result := db.First(&settings)
	if result.Error == gorm.ErrRecordNotFound {
		if defaults == nil {
			defaults = NewDefaultCorrelationSettings()
		}
		settings = *defaults
		settings.ID = 0
		if err := db.Create(&settings).Error; err != nil {
			return nil, MapError(err)
		}
	} else if result.Error != nil {
		return nil, MapError(result.Error)
	}
	return &settings, nil
}

// UpdateCorrelationSettings updates correlation settings.
// Uses Save() which handles both insert and update operations.
func UpdateCorrelationSettings(db *gorm.DB, settings *CorrelationSettings) error {
	return MapError(db.Save(settings).Error)
}

// Quarantine records a malformed item so one bad input never fails a batch
func Quarantine(db *gorm.DB, stage string, payload JSONB, cause error) error {
	item := &QuarantinedItem{
		Stage:     stage,
		Payload:   payload,
		Error:     cause.Error(),
		CreatedAt: time.Now(),
	}
	if err := db.Create(item).Error; err != nil {
		return MapError(err)
	}
	log.Printf("Quarantined %s item: %v", stage, cause)
	return nil
}
