package handler

import (
	"net/http"
	"strconv"

	"voice-fusion/app/effects"

	"github.com/gin-gonic/gin"
)

// EffectsHandler 音效目录和预设
type EffectsHandler struct{}

// NewEffectsHandler 创建音效处理器
func NewEffectsHandler() *EffectsHandler {
	return &EffectsHandler{}
}

// 创建成功响应
func (h *EffectsHandler) success(c *gin.Context, data any, message string) {
	c.JSON(http.StatusOK, ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// 创建错误响应
func (h *EffectsHandler) error(c *gin.Context, statusCode int, errorCode int, message string) {
	c.JSON(statusCode, ApiResponse{
		Code:    errorCode,
		Message: message,
		Data:    nil,
	})
}

// GetCatalogue 支持的音效及参数说明
func (h *EffectsHandler) GetCatalogue(c *gin.Context) {
	h.success(c, effects.Catalogue(), "获取音效列表成功")
}

// GetPreset 预览曲风预设，不带 genre 时返回所有曲风名称
func (h *EffectsHandler) GetPreset(c *gin.Context) {
	genre := c.Query("genre")
	if genre == "" {
		h.success(c, gin.H{"genres": effects.Genres()}, "获取曲风列表成功")
		return
	}

	intensity, err := strconv.Atoi(c.DefaultQuery("intensity", "50"))
	if err != nil {
		h.error(c, http.StatusBadRequest, 400, "intensity 必须是整数")
		return
	}

	h.success(c, gin.H{
		"genre":     effects.CanonicalGenre(genre),
		"intensity": intensity,
		"effects":   effects.Resolve(genre, intensity),
	}, "获取预设成功")
}
