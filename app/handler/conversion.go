package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"voice-fusion/app/effects"
	"voice-fusion/app/logger"
	"voice-fusion/app/middleware"
	"voice-fusion/app/model"
	"voice-fusion/app/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// JobCreator 创建转换任务
type JobCreator interface {
	CreateJob(ctx context.Context, in service.JobInput) (*model.ConversionRecord, error)
}

// StatusReader 查询任务状态
type StatusReader interface {
	GetStatusFor(ctx context.Context, id, ownerID string) (*service.StatusView, error)
	ListJobs(ctx context.Context, ownerID string, page, pageSize int) ([]service.StatusView, int64, error)
}

// JobWatcher 为新任务启动后台轮询
type JobWatcher interface {
	Watch(id string) bool
}

// ConversionHandler 转换任务处理器
type ConversionHandler struct {
	creator     JobCreator
	status      StatusReader
	watcher     JobWatcher
	logger      *logger.Logger
	maxUploadMB int
}

// NewConversionHandler 创建转换任务处理器
func NewConversionHandler(creator JobCreator, status StatusReader, watcher JobWatcher, log *logger.Logger, maxUploadMB int) *ConversionHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 50
	}
	return &ConversionHandler{
		creator:     creator,
		status:      status,
		watcher:     watcher,
		logger:      log,
		maxUploadMB: maxUploadMB,
	}
}

// 创建成功响应
func (h *ConversionHandler) success(c *gin.Context, data any, message string) {
	c.JSON(http.StatusOK, ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// 创建错误响应
func (h *ConversionHandler) error(c *gin.Context, statusCode int, errorCode int, message string) {
	c.JSON(statusCode, ApiResponse{
		Code:    errorCode,
		Message: message,
		Data:    nil,
	})
}

// CreateConversion 提交转换任务（multipart：audio、model_ref，以及 effects 或 genre+intensity）
func (h *ConversionHandler) CreateConversion(c *gin.Context) {
	if !middleware.CanSubmit(c) {
		h.error(c, http.StatusForbidden, 403, "当前账户无权提交转换任务")
		return
	}

	limit := int64(h.maxUploadMB) << 20
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	file, err := c.FormFile("audio")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.error(c, http.StatusRequestEntityTooLarge, 413, "音频文件超过大小限制")
			return
		}
		h.error(c, http.StatusBadRequest, 400, "缺少音频文件")
		return
	}

	f, err := file.Open()
	if err != nil {
		h.error(c, http.StatusBadRequest, 400, "读取音频文件失败")
		return
	}
	audio, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		h.error(c, http.StatusBadRequest, 400, "读取音频文件失败")
		return
	}

	requested, err := requestedEffects(c)
	if err != nil {
		h.error(c, http.StatusBadRequest, 400, err.Error())
		return
	}

	rec, err := h.creator.CreateJob(c.Request.Context(), service.JobInput{
		OwnerID:  middleware.OwnerID(c),
		ModelRef: c.PostForm("model_ref"),
		Audio:    audio,
		Filename: file.Filename,
		Effects:  requested,
	})
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			h.error(c, http.StatusBadRequest, 400, "请求参数错误: "+verr.Error())
			return
		}
		h.logger.Error("创建转换任务失败", zap.Error(err))
		h.error(c, http.StatusInternalServerError, 500, "创建转换任务失败")
		return
	}

	if rec.Status == model.ConversionRunning {
		h.watcher.Watch(rec.ID)
	}

	h.success(c, gin.H{
		"job_id": rec.ID,
		"job":    service.NewStatusView(rec),
	}, "任务已提交")
}

// requestedEffects 显式的 effects 列表优先，否则按曲风和强度生成预设
func requestedEffects(c *gin.Context) ([]model.AudioEffect, error) {
	if raw := c.PostForm("effects"); raw != "" {
		var list []model.AudioEffect
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, errors.New("effects 格式错误: " + err.Error())
		}
		return list, nil
	}

	genre := c.PostForm("genre")
	if genre == "" {
		return nil, nil
	}
	intensity := 50
	if raw := c.PostForm("intensity"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("intensity 必须是整数")
		}
		intensity = v
	}
	return effects.Resolve(genre, intensity), nil
}

// GetConversion 查询单个任务状态，只能查询自己的任务
func (h *ConversionHandler) GetConversion(c *gin.Context) {
	// 所有权在查询服务商之前校验，其他用户的任务一律按不存在处理
	view, err := h.status.GetStatusFor(c.Request.Context(), c.Param("id"), middleware.OwnerID(c))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			h.error(c, http.StatusNotFound, 404, "任务不存在")
			return
		}
		h.logger.Error("查询任务状态失败", zap.String("job_id", c.Param("id")), zap.Error(err))
		h.error(c, http.StatusInternalServerError, 500, "查询任务状态失败")
		return
	}

	h.success(c, view, "获取任务状态成功")
}

// ListConversions 按创建时间倒序列出当前用户的任务
func (h *ConversionHandler) ListConversions(c *gin.Context) {
	ownerID := middleware.OwnerID(c)
	if owner := c.Query("owner"); owner != "" && owner != ownerID {
		h.error(c, http.StatusForbidden, 403, "只能查看自己的任务")
		return
	}

	page, pageSize := pagination(c)
	views, total, err := h.status.ListJobs(c.Request.Context(), ownerID, page, pageSize)
	if err != nil {
		h.logger.Error("查询任务列表失败", zap.String("owner_id", ownerID), zap.Error(err))
		h.error(c, http.StatusInternalServerError, 500, "获取任务列表失败")
		return
	}

	h.success(c, PageResult{
		List:     views,
		Total:    total,
		Current:  page,
		PageSize: pageSize,
	}, "获取任务列表成功")
}
