package handler

import (
	"net/http"
	"strconv"

	"voice-fusion/app/middleware"
	"voice-fusion/app/model"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// VoiceModelHandler 声音模型查询
type VoiceModelHandler struct {
	db *gorm.DB
}

// NewVoiceModelHandler 创建声音模型处理器
func NewVoiceModelHandler(db *gorm.DB) *VoiceModelHandler {
	return &VoiceModelHandler{db: db}
}

// 创建成功响应
func (h *VoiceModelHandler) success(c *gin.Context, data any, message string) {
	c.JSON(http.StatusOK, ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// 创建错误响应
func (h *VoiceModelHandler) error(c *gin.Context, statusCode int, errorCode int, message string) {
	c.JSON(statusCode, ApiResponse{
		Code:    errorCode,
		Message: message,
		Data:    nil,
	})
}

// GetVoiceModels 列出当前用户可用的声音模型
func (h *VoiceModelHandler) GetVoiceModels(c *gin.Context) {
	ownerID := middleware.OwnerID(c)

	query := h.db.WithContext(c.Request.Context()).Model(&model.VoiceModel{}).
		Where("is_custom = ? OR owner_id = ?", false, ownerID)

	if language := c.Query("language"); language != "" {
		query = query.Where("language = ?", language)
	}
	if gender := c.Query("gender"); gender != "" {
		query = query.Where("gender = ?", gender)
	}
	if raw := c.Query("custom"); raw != "" {
		custom, err := strconv.ParseBool(raw)
		if err != nil {
			h.error(c, http.StatusBadRequest, 400, "custom 参数无效")
			return
		}
		query = query.Where("is_custom = ?", custom)
	}

	var models []model.VoiceModel
	if err := query.Order("is_custom DESC, name ASC").Find(&models).Error; err != nil {
		h.error(c, http.StatusInternalServerError, 500, "获取声音模型失败")
		return
	}

	visible := models[:0]
	for i := range models {
		if models[i].VisibleTo(ownerID) {
			visible = append(visible, models[i])
		}
	}

	h.success(c, visible, "获取声音模型成功")
}
