package repository

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/herdcompute/herd/internal/common/util"
	"github.com/herdcompute/herd/internal/herd/domain"
)

const (
	batchObjectPrefix     = "Batch:"
	batchRegisteredKey    = "Batch:Registered"
	batchStatePrefix      = "Batch:State:"
	batchExperimentPrefix = "Batch:Experiment:"
	batchPendingVoidKey   = "Batch:PendingVoid"
	batchPendingNotifyKey = "Batch:PendingNotify"
	batchLastEventKey     = "Batch:LastEvent"
)

type BatchRepository interface {
	AddBatch(batch *domain.Batch) error
	GetBatch(id string) (*domain.Batch, error)
	GetBatchesByIds(ids []string) ([]*domain.Batch, error)
	// GetRegisteredBatches enumerates registered batches in FIFO order
	// (registration time ascending, insertion order on ties).
	GetRegisteredBatches() ([]*domain.Batch, error)
	GetBatchesByStates(states []domain.BatchState) ([]*domain.Batch, error)
	CountByState(state domain.BatchState) (int64, error)
	CountByExperiment(experimentId string, states []domain.BatchState) (int64, error)
	// TransitionBatch persists a state change: document fields, an appended
	// history entry, an attempts increment and all index moves in one
	// transaction. The batch is mutated to the persisted form.
	TransitionBatch(batch *domain.Batch, newState domain.BatchState, message string) error
	// CancelBatch transitions a non-terminal batch to cancelled.
	CancelBatch(batch *domain.Batch, message string) error
	MarkVoided(batch *domain.Batch) error
	MarkNotified(ids []string) error
	GetTerminalUnvoided() ([]*domain.Batch, error)
	GetTerminalUnnotified() ([]*domain.Batch, error)
	// HasOutstandingWork reports whether any batch is non-terminal,
	// not yet voided or not yet notified.
	HasOutstandingWork() (bool, error)
	LastEventTime(state domain.BatchState) (time.Time, error)
}

type RedisBatchRepository struct {
	db    redis.UniversalClient
	clock util.Clock
}

func NewRedisBatchRepository(db redis.UniversalClient) *RedisBatchRepository {
	return &RedisBatchRepository{db: db, clock: &util.DefaultClock{}}
}

func batchStateKey(state domain.BatchState) string {
	return batchStatePrefix + string(state)
}

func batchExperimentKey(experimentId string, state domain.BatchState) string {
	return batchExperimentPrefix + experimentId + ":" + string(state)
}

func (r *RedisBatchRepository) AddBatch(batch *domain.Batch) error {
	batch.State = domain.Registered
	if batch.RegistrationTime.IsZero() {
		batch.RegistrationTime = r.clock.Now()
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return errors.WithStack(err)
	}

	pipe := r.db.TxPipeline()
	pipe.Set(batchObjectPrefix+batch.Id, data, 0)
	// float64 scores quantize nanosecond timestamps to ~190ns at the
	// current epoch; registrations inside one quantum order by id
	// (ulids, so still roughly by creation time).
	pipe.ZAdd(batchRegisteredKey, redis.Z{
		Member: batch.Id,
		Score:  float64(batch.RegistrationTime.UnixNano()),
	})
	pipe.SAdd(batchStateKey(domain.Registered), batch.Id)
	pipe.SAdd(batchExperimentKey(batch.ExperimentId, domain.Registered), batch.Id)
	_, err = pipe.Exec()
	return err
}

func (r *RedisBatchRepository) GetBatch(id string) (*domain.Batch, error) {
	data, err := r.db.Get(batchObjectPrefix + id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	batch := &domain.Batch{}
	if err := json.Unmarshal(data, batch); err != nil {
		return nil, errors.WithStack(err)
	}
	return batch, nil
}

func (r *RedisBatchRepository) GetBatchesByIds(ids []string) ([]*domain.Batch, error) {
	if len(ids) == 0 {
		return []*domain.Batch{}, nil
	}
	pipe := r.db.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.Get(batchObjectPrefix+id))
	}
	_, err := pipe.Exec()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	batches := make([]*domain.Batch, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			// index can briefly reference a deleted document
			continue
		}
		if err != nil {
			return nil, err
		}
		batch := &domain.Batch{}
		if err := json.Unmarshal(data, batch); err != nil {
			return nil, errors.WithStack(err)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func (r *RedisBatchRepository) GetRegisteredBatches() ([]*domain.Batch, error) {
	ids, err := r.db.ZRange(batchRegisteredKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return r.GetBatchesByIds(ids)
}

func (r *RedisBatchRepository) GetBatchesByStates(states []domain.BatchState) ([]*domain.Batch, error) {
	pipe := r.db.Pipeline()
	cmds := make([]*redis.StringSliceCmd, 0, len(states))
	for _, state := range states {
		cmds = append(cmds, pipe.SMembers(batchStateKey(state)))
	}
	if _, err := pipe.Exec(); err != nil {
		return nil, err
	}
	ids := []string{}
	for _, cmd := range cmds {
		ids = append(ids, cmd.Val()...)
	}
	return r.GetBatchesByIds(ids)
}

func (r *RedisBatchRepository) CountByState(state domain.BatchState) (int64, error) {
	return r.db.SCard(batchStateKey(state)).Result()
}

func (r *RedisBatchRepository) CountByExperiment(experimentId string, states []domain.BatchState) (int64, error) {
	pipe := r.db.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(states))
	for _, state := range states {
		cmds = append(cmds, pipe.SCard(batchExperimentKey(experimentId, state)))
	}
	if _, err := pipe.Exec(); err != nil {
		return 0, err
	}
	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

func (r *RedisBatchRepository) TransitionBatch(batch *domain.Batch, newState domain.BatchState, message string) error {
	oldState := batch.State
	now := r.clock.Now()

	batch.State = newState
	batch.Attempts++
	batch.History = append(batch.History, domain.HistoryEntry{
		State:   newState,
		Time:    now,
		Node:    batch.Node,
		Message: message,
	})

	data, err := json.Marshal(batch)
	if err != nil {
		return errors.WithStack(err)
	}

	pipe := r.db.TxPipeline()
	pipe.Set(batchObjectPrefix+batch.Id, data, 0)
	pipe.SRem(batchStateKey(oldState), batch.Id)
	pipe.SAdd(batchStateKey(newState), batch.Id)
	pipe.SRem(batchExperimentKey(batch.ExperimentId, oldState), batch.Id)
	pipe.SAdd(batchExperimentKey(batch.ExperimentId, newState), batch.Id)
	if oldState == domain.Registered {
		pipe.ZRem(batchRegisteredKey, batch.Id)
	}
	if newState.IsTerminal() {
		pipe.SAdd(batchPendingVoidKey, batch.Id)
		pipe.SAdd(batchPendingNotifyKey, batch.Id)
	}
	pipe.HSet(batchLastEventKey, string(newState), strconv.FormatInt(now.UnixNano(), 10))
	_, err = pipe.Exec()
	return err
}

func (r *RedisBatchRepository) CancelBatch(batch *domain.Batch, message string) error {
	if batch.State.IsTerminal() {
		return errors.Errorf("batch %s is already %s", batch.Id, batch.State)
	}
	return r.TransitionBatch(batch, domain.Cancelled, message)
}

// MarkVoided persists the redacted document and drops the batch from the
// pending-void index in one transaction, so the cleartext never survives
// a partial write.
func (r *RedisBatchRepository) MarkVoided(batch *domain.Batch) error {
	batch.ProtectedKeysVoided = true
	data, err := json.Marshal(batch)
	if err != nil {
		return errors.WithStack(err)
	}
	pipe := r.db.TxPipeline()
	pipe.Set(batchObjectPrefix+batch.Id, data, 0)
	pipe.SRem(batchPendingVoidKey, batch.Id)
	_, err = pipe.Exec()
	return err
}

func (r *RedisBatchRepository) MarkNotified(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	batches, err := r.GetBatchesByIds(ids)
	if err != nil {
		return err
	}
	pipe := r.db.TxPipeline()
	for _, batch := range batches {
		batch.NotificationsSent = true
		data, err := json.Marshal(batch)
		if err != nil {
			return errors.WithStack(err)
		}
		pipe.Set(batchObjectPrefix+batch.Id, data, 0)
		pipe.SRem(batchPendingNotifyKey, batch.Id)
	}
	_, err = pipe.Exec()
	return err
}

func (r *RedisBatchRepository) GetTerminalUnvoided() ([]*domain.Batch, error) {
	return r.pendingBatches(batchPendingVoidKey, func(b *domain.Batch) bool {
		return !b.ProtectedKeysVoided
	})
}

func (r *RedisBatchRepository) GetTerminalUnnotified() ([]*domain.Batch, error) {
	return r.pendingBatches(batchPendingNotifyKey, func(b *domain.Batch) bool {
		return !b.NotificationsSent
	})
}

func (r *RedisBatchRepository) pendingBatches(key string, pending func(*domain.Batch) bool) ([]*domain.Batch, error) {
	ids, err := r.db.SMembers(key).Result()
	if err != nil {
		return nil, err
	}
	batches, err := r.GetBatchesByIds(ids)
	if err != nil {
		return nil, err
	}
	result := make([]*domain.Batch, 0, len(batches))
	for _, batch := range batches {
		if batch.State.IsTerminal() && pending(batch) {
			result = append(result, batch)
		}
	}
	return result, nil
}

func (r *RedisBatchRepository) HasOutstandingWork() (bool, error) {
	pipe := r.db.Pipeline()
	cmds := []*redis.IntCmd{
		pipe.SCard(batchStateKey(domain.Registered)),
		pipe.SCard(batchStateKey(domain.Scheduled)),
		pipe.SCard(batchStateKey(domain.Processing)),
		pipe.SCard(batchPendingVoidKey),
		pipe.SCard(batchPendingNotifyKey),
	}
	if _, err := pipe.Exec(); err != nil {
		return false, err
	}
	for _, cmd := range cmds {
		if cmd.Val() > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (r *RedisBatchRepository) LastEventTime(state domain.BatchState) (time.Time, error) {
	value, err := r.db.HGet(batchLastEventKey, string(state)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, errors.WithStack(err)
	}
	return time.Unix(0, nanos), nil
}
