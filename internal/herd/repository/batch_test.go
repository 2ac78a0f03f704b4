package repository

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdcompute/herd/internal/common/util"
	"github.com/herdcompute/herd/internal/herd/domain"
)

func TestAddBatch_RegisteredEnumerationIsFIFO(t *testing.T) {
	withRepository(func(r *RedisBatchRepository) {
		now := time.Now()
		third := newBatch("exp1", now.Add(2*time.Second))
		first := newBatch("exp1", now)
		second := newBatch("exp1", now.Add(time.Second))

		require.NoError(t, r.AddBatch(third))
		require.NoError(t, r.AddBatch(first))
		require.NoError(t, r.AddBatch(second))

		registered, err := r.GetRegisteredBatches()
		require.NoError(t, err)
		require.Len(t, registered, 3)
		assert.Equal(t, first.Id, registered[0].Id)
		assert.Equal(t, second.Id, registered[1].Id)
		assert.Equal(t, third.Id, registered[2].Id)
	})
}

func TestTransitionBatch_MovesIndexesAndRecordsHistory(t *testing.T) {
	withRepository(func(r *RedisBatchRepository) {
		batch := newBatch("exp1", time.Now())
		require.NoError(t, r.AddBatch(batch))

		batch.Node = "node1"
		batch.UsedGPUs = []string{"gpu0"}
		require.NoError(t, r.TransitionBatch(batch, domain.Scheduled, ""))

		stored, err := r.GetBatch(batch.Id)
		require.NoError(t, err)
		assert.Equal(t, domain.Scheduled, stored.State)
		assert.Equal(t, "node1", stored.Node)
		assert.Equal(t, []string{"gpu0"}, stored.UsedGPUs)
		assert.Equal(t, 1, stored.Attempts)
		require.Len(t, stored.History, 1)
		assert.Equal(t, domain.Scheduled, stored.History[0].State)
		assert.Equal(t, "node1", stored.History[0].Node)

		registered, err := r.GetRegisteredBatches()
		require.NoError(t, err)
		assert.Empty(t, registered)

		scheduled, err := r.GetBatchesByStates([]domain.BatchState{domain.Scheduled})
		require.NoError(t, err)
		require.Len(t, scheduled, 1)
		assert.Equal(t, batch.Id, scheduled[0].Id)
	})
}

func TestTransitionBatch_TerminalStateQueuesVoidingAndNotification(t *testing.T) {
	withRepository(func(r *RedisBatchRepository) {
		batch := newBatch("exp1", time.Now())
		require.NoError(t, r.AddBatch(batch))
		require.NoError(t, r.TransitionBatch(batch, domain.Failed, "no dice"))

		unvoided, err := r.GetTerminalUnvoided()
		require.NoError(t, err)
		require.Len(t, unvoided, 1)
		assert.Equal(t, batch.Id, unvoided[0].Id)

		unnotified, err := r.GetTerminalUnnotified()
		require.NoError(t, err)
		require.Len(t, unnotified, 1)

		require.Len(t, unvoided[0].History, 1)
		assert.Equal(t, "no dice", unvoided[0].History[0].Message)
	})
}

func TestCountByExperiment(t *testing.T) {
	withRepository(func(r *RedisBatchRepository) {
		a := newBatch("exp1", time.Now())
		b := newBatch("exp1", time.Now())
		c := newBatch("exp2", time.Now())
		require.NoError(t, r.AddBatch(a))
		require.NoError(t, r.AddBatch(b))
		require.NoError(t, r.AddBatch(c))
		require.NoError(t, r.TransitionBatch(a, domain.Scheduled, ""))

		active, err := r.CountByExperiment("exp1", domain.ActiveStates)
		require.NoError(t, err)
		assert.Equal(t, int64(1), active)

		all, err := r.CountByExperiment("exp1", domain.AllBatchStates)
		require.NoError(t, err)
		assert.Equal(t, int64(2), all)
	})
}

func TestMarkNotified_FlipsFlagOnce(t *testing.T) {
	withRepository(func(r *RedisBatchRepository) {
		batch := newBatch("exp1", time.Now())
		require.NoError(t, r.AddBatch(batch))
		require.NoError(t, r.TransitionBatch(batch, domain.Succeeded, ""))

		require.NoError(t, r.MarkNotified([]string{batch.Id}))

		stored, err := r.GetBatch(batch.Id)
		require.NoError(t, err)
		assert.True(t, stored.NotificationsSent)

		unnotified, err := r.GetTerminalUnnotified()
		require.NoError(t, err)
		assert.Empty(t, unnotified)
	})
}

func TestMarkVoided_RemovesFromPendingSet(t *testing.T) {
	withRepository(func(r *RedisBatchRepository) {
		batch := newBatch("exp1", time.Now())
		batch.Payload = domain.Document{"password": "hunter2"}
		require.NoError(t, r.AddBatch(batch))
		require.NoError(t, r.TransitionBatch(batch, domain.Cancelled, ""))

		batch.Payload = domain.Document{"password": "{voided:deadbeef00}"}
		require.NoError(t, r.MarkVoided(batch))

		stored, err := r.GetBatch(batch.Id)
		require.NoError(t, err)
		assert.True(t, stored.ProtectedKeysVoided)
		assert.Equal(t, "{voided:deadbeef00}", stored.Payload["password"])

		unvoided, err := r.GetTerminalUnvoided()
		require.NoError(t, err)
		assert.Empty(t, unvoided)
	})
}

func TestHasOutstandingWork(t *testing.T) {
	withRepository(func(r *RedisBatchRepository) {
		outstanding, err := r.HasOutstandingWork()
		require.NoError(t, err)
		assert.False(t, outstanding)

		batch := newBatch("exp1", time.Now())
		require.NoError(t, r.AddBatch(batch))
		outstanding, err = r.HasOutstandingWork()
		require.NoError(t, err)
		assert.True(t, outstanding)

		require.NoError(t, r.TransitionBatch(batch, domain.Cancelled, ""))
		outstanding, err = r.HasOutstandingWork()
		require.NoError(t, err)
		assert.True(t, outstanding, "terminal but unvoided/unnotified batches still count")

		batch.Payload = nil
		require.NoError(t, r.MarkVoided(batch))
		require.NoError(t, r.MarkNotified([]string{batch.Id}))
		outstanding, err = r.HasOutstandingWork()
		require.NoError(t, err)
		assert.False(t, outstanding)
	})
}

func TestLastEventTime(t *testing.T) {
	withRepository(func(r *RedisBatchRepository) {
		none, err := r.LastEventTime(domain.Scheduled)
		require.NoError(t, err)
		assert.True(t, none.IsZero())

		frozen := time.Now().Round(0)
		r.clock = &util.DummyClock{T: frozen}

		batch := newBatch("exp1", time.Now())
		require.NoError(t, r.AddBatch(batch))
		require.NoError(t, r.TransitionBatch(batch, domain.Scheduled, ""))

		last, err := r.LastEventTime(domain.Scheduled)
		require.NoError(t, err)
		assert.Equal(t, frozen.UnixNano(), last.UnixNano())
	})
}

func TestCancelBatch(t *testing.T) {
	withRepository(func(r *RedisBatchRepository) {
		batch := newBatch("exp1", time.Now())
		require.NoError(t, r.AddBatch(batch))

		require.NoError(t, r.CancelBatch(batch, "cancelled by operator"))
		assert.Equal(t, domain.Cancelled, batch.State)

		registered, err := r.GetRegisteredBatches()
		require.NoError(t, err)
		assert.Empty(t, registered)

		// terminal batches cannot be cancelled again
		assert.Error(t, r.CancelBatch(batch, ""))

		succeeded := newBatch("exp1", time.Now())
		require.NoError(t, r.AddBatch(succeeded))
		require.NoError(t, r.TransitionBatch(succeeded, domain.Succeeded, ""))
		assert.Error(t, r.CancelBatch(succeeded, ""))
	})
}

func newBatch(experimentId string, registered time.Time) *domain.Batch {
	return &domain.Batch{
		Id:               util.NewULID(),
		ExperimentId:     experimentId,
		RegistrationTime: registered,
	}
}

func withRepository(action func(r *RedisBatchRepository)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer redisClient.Close()
	action(NewRedisBatchRepository(redisClient))
}
