package main

import (
	"log"
	"os"
	"time"

	"faqforge/internal/config"
	"faqforge/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.IngestedEvent{},
		&models.Message{},
		&models.Document{},
		&models.DocumentMessage{},
		&models.FAQ{},
		&models.AutomationJob{},
		&models.AutomationRule{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	// Hot paths: scheduler claim scan, per-channel batch selection,
	// review queue listing.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_jobs_status_notbefore ON automation_jobs(status, not_before)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_jobs_priority_created ON automation_jobs(priority, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_messages_channel_timestamp ON messages(channel, timestamp)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_faqs_status_created ON faqs(status, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_events_status_updated ON ingested_events(status, updated_at)")

	log.Println("Additional indexes created successfully!")

	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding default data...")
		seedDefaultData(db)
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedDefaultData(db *gorm.DB) {
	// Nightly pipeline sweep: assemble unprocessed messages, then
	// generate FAQs for the resulting documents.
	var nightly models.AutomationRule
	if err := db.Where("name = ?", "nightly-pipeline").First(&nightly).Error; err != nil {
		next := time.Now().Add(time.Hour)
		nightly = models.AutomationRule{
			Name:         "nightly-pipeline",
			Enabled:      true,
			TriggerType:  models.TriggerSchedule,
			CronExpr:     "0 3 * * *",
			ActionType:   models.ActionBatch,
			ActionParams: `{"batch_size": 20}`,
			NextRunAt:    &next,
		}
		db.Create(&nightly)
		log.Println("Created nightly-pipeline rule")
	}

	// Weekly retention sweep for processed webhook events.
	var cleanup models.AutomationRule
	if err := db.Where("name = ?", "weekly-event-cleanup").First(&cleanup).Error; err != nil {
		next := time.Now().Add(time.Hour)
		cleanup = models.AutomationRule{
			Name:         "weekly-event-cleanup",
			Enabled:      true,
			TriggerType:  models.TriggerSchedule,
			CronExpr:     "0 4 * * 0",
			ActionType:   models.ActionCleanup,
			ActionParams: `{"older_than_hours": 2160}`,
			NextRunAt:    &next,
		}
		db.Create(&cleanup)
		log.Println("Created weekly-event-cleanup rule")
	}
}
