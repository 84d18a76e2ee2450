package mongostore

import (
	"context"
	"fmt"
	"time"

	"genflow/internal/shared/model"
	"genflow/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// RunStore
// ============================================================================

func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	if err := insertOne(ctx, s.col(ColRuns), run); err != nil {
		return fmt.Errorf("run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	run, err := findOne[model.Run](ctx, s.col(ColRuns), bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return run, nil
}

func (s *Store) ListRunsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))
	return findMany[model.Run](ctx, s.col(ColRuns), bson.D{{Key: "owner_id", Value: ownerID}}, opts)
}

func (s *Store) ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit))
	return findMany[model.Run](ctx, s.col(ColRuns), bson.D{{Key: "status", Value: status}}, opts)
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.col(ColRuns).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return wrapError(err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	_, err = s.col(ColRunEvents).DeleteMany(ctx, bson.D{{Key: "run_id", Value: id}})
	return wrapError(err)
}

// transition 条件更新：仅当前状态属于合法源状态时生效
func (s *Store) transition(ctx context.Context, id string, to model.RunStatus, fields bson.D) error {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: bson.D{{Key: "$in", Value: model.SourcesFor(to)}}},
	}
	update := append(bson.D{
		{Key: "status", Value: to},
		{Key: "updated_at", Value: time.Now().UTC()},
	}, fields...)

	matched, err := updateWhere(ctx, s.col(ColRuns), filter, update)
	if err != nil {
		return err
	}
	if matched == 1 {
		return nil
	}
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("run %s: %s -> %s: %w", id, run.Status, to, storage.ErrConflict)
}

func (s *Store) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.transition(ctx, id, model.RunStatusRunning, bson.D{
		{Key: "started_at", Value: now},
		{Key: "heartbeat_at", Value: now},
	})
}

func (s *Store) MarkDone(ctx context.Context, id, resultRef string) error {
	return s.transition(ctx, id, model.RunStatusDone, bson.D{
		{Key: "result_ref", Value: resultRef},
		{Key: "completed_at", Value: time.Now().UTC()},
	})
}

func (s *Store) MarkError(ctx context.Context, id string, code model.ErrorCode, detail string) error {
	return s.transition(ctx, id, model.RunStatusError, bson.D{
		{Key: "error_code", Value: code},
		{Key: "error", Value: detail},
		{Key: "completed_at", Value: time.Now().UTC()},
	})
}

func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	return s.transition(ctx, id, model.RunStatusCancelled, bson.D{
		{Key: "completed_at", Value: time.Now().UTC()},
	})
}

func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: bson.D{{Key: "$in", Value: []model.RunStatus{model.RunStatusQueued, model.RunStatusRunning}}}},
	}
	matched, err := updateWhere(ctx, s.col(ColRuns), filter, bson.D{
		{Key: "cancel_requested", Value: true},
		{Key: "updated_at", Value: time.Now().UTC()},
	})
	if err != nil {
		return false, err
	}
	if matched == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return false, err
	}
	return run.CancelRequested, nil
}

func (s *Store) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	filter := bson.D{{Key: "_id", Value: id}, {Key: "status", Value: model.RunStatusRunning}}
	_, err := updateWhere(ctx, s.col(ColRuns), filter, bson.D{{Key: "heartbeat_at", Value: at.UTC()}})
	return err
}
