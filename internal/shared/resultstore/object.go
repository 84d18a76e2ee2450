package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// SchemeObject 结果存放在对象存储
const SchemeObject = "s3"

// ObjectClient 对象存储客户端（由 objstore.Client 实现）
type ObjectClient interface {
	Bucket() string
	PutJSON(ctx context.Context, runID, key string, data []byte) error
	GetJSON(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// ObjectStore 将结果写入对象存储 runs/{run_id}/result.json
type ObjectStore struct {
	client ObjectClient
}

// NewObjectStore 创建对象存储结果存储
func NewObjectStore(client ObjectClient) *ObjectStore {
	return &ObjectStore{client: client}
}

func resultKey(runID string) string {
	return fmt.Sprintf("runs/%s/result.json", runID)
}

func (s *ObjectStore) Save(ctx context.Context, runID string, result json.RawMessage) (string, error) {
	key := resultKey(runID)
	if err := s.client.PutJSON(ctx, runID, key, result); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://%s/%s", SchemeObject, s.client.Bucket(), key), nil
}

func (s *ObjectStore) Load(ctx context.Context, ref string) (json.RawMessage, error) {
	key, err := s.key(ref)
	if err != nil {
		return nil, err
	}
	return s.client.GetJSON(ctx, key)
}

func (s *ObjectStore) Delete(ctx context.Context, ref string) error {
	key, err := s.key(ref)
	if err != nil {
		return err
	}
	return s.client.Remove(ctx, key)
}

// key 从 s3://{bucket}/{key} 中取出 key，bucket 必须与客户端一致
func (s *ObjectStore) key(ref string) (string, error) {
	prefix := fmt.Sprintf("%s://%s/", SchemeObject, s.client.Bucket())
	if !strings.HasPrefix(ref, prefix) || len(ref) == len(prefix) {
		return "", fmt.Errorf("%q: %w", ref, ErrUnknownRef)
	}
	return strings.TrimPrefix(ref, prefix), nil
}
