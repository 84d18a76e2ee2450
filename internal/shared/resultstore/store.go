// Package resultstore 解析 Run 的结果指针
//
// Run 完成时最终结果通过 Store.Save 持久化，返回的指针写入 Run.ResultRef。
// 指针格式：
//   - log://{run_id}：结果内联在事件日志的 complete 事件中
//   - s3://{bucket}/{key}：结果存放在对象存储
package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownRef 无法识别的结果指针
var ErrUnknownRef = errors.New("unknown result reference")

// Store 结果存储接口
type Store interface {
	Save(ctx context.Context, runID string, result json.RawMessage) (string, error)
	Load(ctx context.Context, ref string) (json.RawMessage, error)
	Delete(ctx context.Context, ref string) error
}

// Scheme 解析指针的 scheme
func Scheme(ref string) string {
	if i := strings.Index(ref, "://"); i > 0 {
		return ref[:i]
	}
	return ""
}

// Resolver 按 scheme 分发到具体存储；Save 使用 primary
type Resolver struct {
	primary string
	stores  map[string]Store
}

// NewResolver 创建结果指针解析器
func NewResolver(primaryScheme string, stores map[string]Store) (*Resolver, error) {
	if _, ok := stores[primaryScheme]; !ok {
		return nil, fmt.Errorf("primary result store %q not registered", primaryScheme)
	}
	return &Resolver{primary: primaryScheme, stores: stores}, nil
}

func (r *Resolver) Save(ctx context.Context, runID string, result json.RawMessage) (string, error) {
	return r.stores[r.primary].Save(ctx, runID, result)
}

func (r *Resolver) Load(ctx context.Context, ref string) (json.RawMessage, error) {
	s, ok := r.stores[Scheme(ref)]
	if !ok {
		return nil, fmt.Errorf("%q: %w", ref, ErrUnknownRef)
	}
	return s.Load(ctx, ref)
}

func (r *Resolver) Delete(ctx context.Context, ref string) error {
	s, ok := r.stores[Scheme(ref)]
	if !ok {
		return fmt.Errorf("%q: %w", ref, ErrUnknownRef)
	}
	return s.Delete(ctx, ref)
}
