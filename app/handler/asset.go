package handler

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"voice-fusion/app/storage"

	"github.com/gin-gonic/gin"
)

// 系统 mime 表不一定包含音频类型
var audioTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
}

// AssetReader 按键读取素材
type AssetReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// AssetHandler 素材下载，供服务商和客户端通过公开地址读取音频
type AssetHandler struct {
	assets AssetReader
}

// NewAssetHandler 创建素材处理器
func NewAssetHandler(assets AssetReader) *AssetHandler {
	return &AssetHandler{assets: assets}
}

// GetAsset 读取素材内容
func (h *AssetHandler) GetAsset(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")

	data, err := h.assets.Get(c.Request.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusNotFound, ApiResponse{Code: 404, Message: "素材不存在"})
		case errors.Is(err, storage.ErrInvalidKey):
			c.JSON(http.StatusBadRequest, ApiResponse{Code: 400, Message: "无效的素材地址"})
		default:
			c.JSON(http.StatusInternalServerError, ApiResponse{Code: 500, Message: "读取素材失败"})
		}
		return
	}

	ext := strings.ToLower(filepath.Ext(key))
	contentType, ok := audioTypes[ext]
	if !ok {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, contentType, data)
}
