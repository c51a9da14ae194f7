package database

import (
	"fmt"

	"voice-fusion/app/logger"
	"voice-fusion/app/model"

	"gorm.io/gorm"
)

// builtinVoiceModels 预置的公共声音模型
var builtinVoiceModels = []model.VoiceModel{
	{ModelRef: "vf-aria-en", Name: "Aria", Gender: "female", Language: "en", Description: "明亮的流行女声"},
	{ModelRef: "vf-leo-en", Name: "Leo", Gender: "male", Language: "en", Description: "温暖的男中音"},
	{ModelRef: "vf-mei-zh", Name: "Mei", Gender: "female", Language: "zh", Description: "清澈的中文女声"},
	{ModelRef: "vf-hao-zh", Name: "Hao", Gender: "male", Language: "zh", Description: "低沉的中文男声"},
	{ModelRef: "vf-sol-es", Name: "Sol", Gender: "neutral", Language: "es", Description: "中性音色"},
}

// InitVoiceModels 补齐缺失的预置声音模型，已存在的不会修改
func InitVoiceModels(db *gorm.DB, log *logger.Logger) error {
	created := 0
	for _, m := range builtinVoiceModels {
		item := m
		result := db.Where("model_ref = ?", item.ModelRef).FirstOrCreate(&item)
		if result.Error != nil {
			return fmt.Errorf("初始化声音模型 %s 失败: %w", item.ModelRef, result.Error)
		}
		if result.RowsAffected > 0 {
			created++
		}
	}

	if created > 0 {
		log.Infof("已初始化 %d 个预置声音模型", created)
	}
	return nil
}
