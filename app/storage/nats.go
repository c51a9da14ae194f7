package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsBackend 基于 NATS JetStream 对象存储
type NatsBackend struct {
	bucket string
	store  nats.ObjectStore
}

// NewNatsBackend 创建对象存储桶，已存在时直接绑定
func NewNatsBackend(js nats.JetStreamContext, bucket string) (*NatsBackend, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "voice conversion assets",
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("创建对象存储桶 '%s' 失败: %w", bucket, err)
		}
		store, err = js.ObjectStore(bucket)
		if err != nil {
			return nil, fmt.Errorf("绑定对象存储桶 '%s' 失败: %w", bucket, err)
		}
	}

	return &NatsBackend{
		bucket: bucket,
		store:  store,
	}, nil
}

func (b *NatsBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("写入对象 '%s' 到桶 '%s' 失败: %w", key, b.bucket, err)
	}
	return nil
}

func (b *NatsBackend) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.store.Get(key, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("读取对象 '%s' 失败: %w", key, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()
	if readErr != nil {
		return nil, fmt.Errorf("读取对象 '%s' 失败: %w", key, readErr)
	}
	if closeErr != nil {
		return data, fmt.Errorf("关闭对象 '%s' 失败: %w", key, closeErr)
	}
	return data, nil
}
