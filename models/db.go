package models

import (
	"log"
	"time"

	"PoemToMedia-server/config"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var GormDB *gorm.DB

func newID() string {
	return uuid.NewString()
}

func InitDB() *gorm.DB {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("failed to access connection pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)
	if err := sqlDB.Ping(); err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	GormDB = db
	if err := Migrate(db); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}
	log.Println("database initialized")
	return db
}

// Migrate creates or updates the pipeline tables. Tests call it against an
// in-memory sqlite database.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&PipelineRun{},
		&Line{},
		&Prompt{},
		&ImageTask{},
		&VideoTask{},
		&MusicTask{},
	)
}
