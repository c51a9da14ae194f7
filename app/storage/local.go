package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LocalBackend 本地目录存储
type LocalBackend struct {
	dir string
}

// NewLocalBackend 创建本地存储，目录不存在时自动创建
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建素材目录失败: %w", err)
	}
	return &LocalBackend{dir: dir}, nil
}

func (b *LocalBackend) Put(_ context.Context, key string, data []byte) error {
	if !ValidKey(key) {
		return ErrInvalidKey
	}

	target := filepath.Join(b.dir, key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("写入素材失败: %w", err)
	}
	// 先写临时文件再重命名，避免读到不完整的文件
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("重命名素材失败: %w", err)
	}
	return nil
}

func (b *LocalBackend) Get(_ context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, ErrInvalidKey
	}

	data, err := os.ReadFile(filepath.Join(b.dir, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("读取素材失败: %w", err)
	}
	return data, nil
}
