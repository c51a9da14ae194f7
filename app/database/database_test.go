package database

import (
	"path/filepath"
	"testing"

	"voice-fusion/app/config"
	"voice-fusion/app/logger"
	"voice-fusion/app/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitCreatesSchemaAndSeeds(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "nested", "vf.db")}}
	log := logger.New(config.LogConfig{Level: "error", Output: "stdout"})

	require.NoError(t, Init(cfg, log))
	t.Cleanup(func() { _ = Close() })

	assert.True(t, GetDB().Migrator().HasTable(&model.ConversionRecord{}))
	assert.True(t, GetDB().Migrator().HasTable(&model.VoiceModel{}))

	var count int64
	require.NoError(t, GetDB().Model(&model.VoiceModel{}).Count(&count).Error)
	assert.EqualValues(t, len(builtinVoiceModels), count)

	// 重复初始化不会产生重复数据
	require.NoError(t, InitVoiceModels(GetDB(), log))
	require.NoError(t, GetDB().Model(&model.VoiceModel{}).Count(&count).Error)
	assert.EqualValues(t, len(builtinVoiceModels), count)
}
