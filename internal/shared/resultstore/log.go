package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"genflow/internal/shared/model"
	"genflow/internal/shared/storage"
)

// SchemeLog 结果内联于事件日志
const SchemeLog = "log"

// LogStore 从 complete 事件读取结果
//
// Save 不做写入：执行器随后追加的 complete 事件本身携带结果。
type LogStore struct {
	events storage.EventLog
}

// NewLogStore 创建日志内联结果存储
func NewLogStore(events storage.EventLog) *LogStore {
	return &LogStore{events: events}
}

func (s *LogStore) Save(_ context.Context, runID string, _ json.RawMessage) (string, error) {
	return SchemeLog + "://" + runID, nil
}

func (s *LogStore) Load(ctx context.Context, ref string) (json.RawMessage, error) {
	runID := strings.TrimPrefix(ref, SchemeLog+"://")
	if runID == ref || runID == "" {
		return nil, fmt.Errorf("%q: %w", ref, ErrUnknownRef)
	}
	last, err := s.events.LastEvent(ctx, runID)
	if err != nil {
		return nil, err
	}
	if last == nil || last.Kind != model.EventKindComplete {
		return nil, fmt.Errorf("run %s has no complete event: %w", runID, storage.ErrNotFound)
	}
	var p model.CompletePayload
	if err := last.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("decode complete payload: %w", err)
	}
	return p.Result, nil
}

// Delete 事件随 Run 一起删除
func (s *LogStore) Delete(context.Context, string) error {
	return nil
}
