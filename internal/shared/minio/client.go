// Package objstore Run 结果的 MinIO 对象存储
//
// 结果对象均为 JSON，以 run_id 作为用户元数据写入，便于按对象反查 Run。
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"genflow/internal/config"
	"genflow/internal/shared/storage"
)

const (
	defaultBucket   = "genflow-results"
	jsonContentType = "application/json"
	metaRunID       = "Run-Id"
)

// Client 结果对象存储客户端
type Client struct {
	mc     *minio.Client
	bucket string
}

// NewClient 创建客户端，凭据只来自环境变量
func NewClient(cfg config.MinIOConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("minio credentials are required (MINIO_ACCESS_KEY / MINIO_SECRET_KEY)")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	return &Client{mc: mc, bucket: bucket}, nil
}

// Bucket 结果所在 bucket
func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket 启动时创建结果 bucket
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	log.Printf("[minio.bucket.created] bucket=%s", c.bucket)
	return nil
}

// PutJSON 写入一个 Run 的 JSON 对象，同 key 覆盖
func (c *Client) PutJSON(ctx context.Context, runID, key string, data []byte) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  jsonContentType,
		UserMetadata: map[string]string{metaRunID: runID},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// GetJSON 读取对象内容；对象不存在时返回 storage.ErrNotFound
func (c *Client) GetJSON(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.translate(key, err)
	}
	defer obj.Close()

	// GetObject 惰性请求，读取时才暴露错误
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, c.translate(key, err)
	}
	return data, nil
}

// Remove 删除对象，对象不存在视为成功
func (c *Client) Remove(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (c *Client) translate(key string, err error) error {
	if isNoSuchKey(err) {
		return fmt.Errorf("object %s: %w", key, storage.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", key, err)
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
