package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"genflow/internal/shared/model"
	"genflow/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// maxAppendAttempts (run_id, seq) 唯一索引冲突时的最大重试次数
const maxAppendAttempts = 5

// ============================================================================
// EventLog
// ============================================================================

func (s *Store) AppendEvent(ctx context.Context, runID string, kind model.EventKind, payload json.RawMessage) (*model.Event, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}

	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		last, err := s.LastEvent(ctx, runID)
		if err != nil {
			return nil, err
		}
		var seq int64 = 1
		if last == nil {
			if _, err := s.GetRun(ctx, runID); err != nil {
				return nil, err
			}
		} else {
			if last.IsTerminal() {
				return nil, fmt.Errorf("run %s: %w", runID, storage.ErrRunTerminal)
			}
			seq = last.Seq + 1
		}

		e := &model.Event{
			RunID:     runID,
			Seq:       seq,
			Kind:      kind,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		}
		err = insertOne(ctx, s.col(ColRunEvents), e)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, storage.ErrDuplicate) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("append event to run %s after %d attempts: %w", runID, maxAppendAttempts, lastErr)
}

func (s *Store) ReadEvents(ctx context.Context, runID string, cursor int64, limit int) ([]*model.Event, int64, error) {
	filter := bson.D{
		{Key: "run_id", Value: runID},
		{Key: "seq", Value: bson.D{{Key: "$gte", Value: cursor}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	events, err := findMany[model.Event](ctx, s.col(ColRunEvents), filter, opts)
	if err != nil {
		return nil, cursor, err
	}
	next := cursor
	if n := len(events); n > 0 {
		next = events[n-1].Seq + 1
	}
	return events, next, nil
}

func (s *Store) ReadAllEvents(ctx context.Context, runID string) ([]*model.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	return findMany[model.Event](ctx, s.col(ColRunEvents), bson.D{{Key: "run_id", Value: runID}}, opts)
}

func (s *Store) LastEvent(ctx context.Context, runID string) (*model.Event, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	return findOne[model.Event](ctx, s.col(ColRunEvents), bson.D{{Key: "run_id", Value: runID}}, opts)
}
