package storage

import (
	"context"
	"errors"
	"fmt"

	"resty.dev/v3"
)

var (
	// ErrFetchFailed 下载源文件失败
	ErrFetchFailed = errors.New("fetch failed")
	// ErrStoreFailed 转存到素材存储失败
	ErrStoreFailed = errors.New("store failed")
)

// Relay 把一个服务商产出的远程文件转存到自己的素材存储，供下一个服务商读取
type Relay struct {
	store    AssetStore
	client   *resty.Client
	maxBytes int64
}

// NewRelay 创建转存器，maxBytes<=0 表示不限制大小
func NewRelay(store AssetStore, maxBytes int64) *Relay {
	client := resty.New()
	client.SetHeader("Accept", "*/*")
	client.SetHeader("Accept-Encoding", "identity") // 禁用压缩，避免 Content-Length 不匹配

	return &Relay{
		store:    store,
		client:   client,
		maxBytes: maxBytes,
	}
}

// Close 释放底层连接
func (r *Relay) Close() error {
	return r.client.Close()
}

// Relay 下载 sourceURL 的完整内容并重新上传，返回新的素材地址
func (r *Relay) Relay(ctx context.Context, sourceURL string) (string, error) {
	resp, err := r.client.R().
		SetContext(ctx).
		Get(sourceURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	if !resp.IsSuccess() {
		return "", fmt.Errorf("%w: 状态码 %d", ErrFetchFailed, resp.StatusCode())
	}

	data := resp.Bytes()
	if len(data) == 0 {
		return "", fmt.Errorf("%w: 内容为空", ErrFetchFailed)
	}
	if r.maxBytes > 0 && int64(len(data)) > r.maxBytes {
		return "", fmt.Errorf("%w: 文件大小 %d 超过限制 %d", ErrFetchFailed, len(data), r.maxBytes)
	}

	ref, err := r.store.Upload(ctx, data, ExtFromURL(sourceURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	return ref, nil
}
