// Package storage 提供素材存储（本地目录或 NATS 对象存储）以及跨服务商的音频转存。
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound 素材不存在
var ErrNotFound = errors.New("素材不存在")

// ErrInvalidKey 素材键不合法
var ErrInvalidKey = errors.New("素材键不合法")

// assetPath 对外访问素材的路由前缀
const assetPath = "/assets/"

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Backend 键值形式的二进制存储
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// AssetStore 上传返回可访问的地址，下载接受地址或键
type AssetStore interface {
	Upload(ctx context.Context, data []byte, ext string) (string, error)
	Download(ctx context.Context, ref string) ([]byte, error)
}

// Store 基于 Backend 的素材存储，生成的地址形如 {baseURL}/assets/{key}
type Store struct {
	backend Backend
	baseURL string
}

// NewStore 创建素材存储
func NewStore(backend Backend, publicBaseURL string) *Store {
	return &Store{
		backend: backend,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// ValidKey 检查素材键，防止路径穿越
func ValidKey(key string) bool {
	return keyPattern.MatchString(key) && !strings.Contains(key, "..")
}

// Upload 保存数据并返回公开地址
func (s *Store) Upload(ctx context.Context, data []byte, ext string) (string, error) {
	key := uuid.NewString() + normalizeExt(ext)
	if err := s.backend.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("保存素材失败: %w", err)
	}
	return s.URL(key), nil
}

// Download 读取素材，ref 可以是 Upload 返回的地址或素材键
func (s *Store) Download(ctx context.Context, ref string) ([]byte, error) {
	key, err := s.KeyOf(ref)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}

// Get 按键读取素材
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, ErrInvalidKey
	}
	return s.backend.Get(ctx, key)
}

// URL 素材键对应的公开地址
func (s *Store) URL(key string) string {
	return s.baseURL + assetPath + key
}

// KeyOf 从地址中解析出素材键
func (s *Store) KeyOf(ref string) (string, error) {
	key := ref
	if strings.Contains(ref, "://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		if !strings.HasPrefix(u.Path, assetPath) {
			return "", fmt.Errorf("%w: %s", ErrInvalidKey, ref)
		}
		key = strings.TrimPrefix(u.Path, assetPath)
	}
	if !ValidKey(key) {
		return "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	return key, nil
}

// ExtFromURL 从地址中推断音频扩展名
func ExtFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ".wav"
	}
	return normalizeExt(path.Ext(u.Path))
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ".wav"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if len(ext) > 8 || !ValidKey("a"+ext) {
		return ".bin"
	}
	return ext
}
