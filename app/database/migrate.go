package database

import (
	"voice-fusion/app/model"

	"gorm.io/gorm"
)

func AutoMigrate() error {
	return Migrate(DB)
}

// Migrate 在指定连接上迁移表结构
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.ConversionRecord{},
		&model.VoiceModel{},
	)
}
