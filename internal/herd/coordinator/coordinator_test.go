package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdcompute/herd/internal/herd/configuration"
	"github.com/herdcompute/herd/internal/herd/domain"
	"github.com/herdcompute/herd/internal/herd/executor"
	"github.com/herdcompute/herd/internal/herd/inspection"
	"github.com/herdcompute/herd/internal/herd/notification"
	"github.com/herdcompute/herd/internal/herd/repository"
	"github.com/herdcompute/herd/internal/herd/scheduling"
	"github.com/herdcompute/herd/internal/herd/voiding"
)

type fixture struct {
	coordinator *Coordinator
	batches     *repository.RedisBatchRepository
	experiments *repository.RedisExperimentRepository
	nodes       *repository.RedisNodeRepository
	proxies     map[string]*executor.FakeProxy
}

func withCoordinator(nodeNames []string, action func(f fixture)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer redisClient.Close()

	batches := repository.NewRedisBatchRepository(redisClient)
	experiments := repository.NewRedisExperimentRepository(redisClient)
	nodes := repository.NewRedisNodeRepository(redisClient)

	fakes := map[string]*executor.FakeProxy{}
	registry := executor.Registry{}
	for _, name := range nodeNames {
		fake := &executor.FakeProxy{}
		fakes[name] = fake
		registry[name] = fake
	}

	c := NewCoordinator(
		scheduling.StrategySpread,
		false,
		batches,
		experiments,
		nodes,
		inspection.NewInspector(nodes, registry),
		voiding.NewEngine(batches, experiments, "test-agency"),
		notification.NewDispatcher(batches, []configuration.WebhookConfig{}),
		registry,
	)
	action(fixture{
		coordinator: c,
		batches:     batches,
		experiments: experiments,
		nodes:       nodes,
		proxies:     fakes,
	})
}

func TestTrigger_Coalesces(t *testing.T) {
	trigger := NewTrigger()
	trigger.Fire()
	trigger.Fire()
	trigger.Fire()

	<-trigger.C()
	select {
	case <-trigger.C():
		t.Fatal("coalesced triggers must drain as a single wake-up")
	default:
	}
}

func TestRunCycle_SchedulesAndInstructsNode(t *testing.T) {
	withCoordinator([]string{"n1"}, func(f fixture) {
		require.NoError(t, f.nodes.UpsertNode(&domain.Node{Name: "n1", Memory: 16}))
		require.NoError(t, f.experiments.AddExperiment(&domain.Experiment{Id: "exp", Memory: 4, Image: "herd/worker:1"}))
		batch := &domain.Batch{Id: "a", ExperimentId: "exp", RegistrationTime: time.Now()}
		require.NoError(t, f.batches.AddBatch(batch))

		f.coordinator.RunCycle()

		stored, err := f.batches.GetBatch("a")
		require.NoError(t, err)
		assert.Equal(t, domain.Scheduled, stored.State)
		assert.Equal(t, "n1", stored.Node)

		proxy := f.proxies["n1"]
		assert.Equal(t, 1, proxy.CleanUps)
		require.Len(t, proxy.Pulls, 1)
		assert.Equal(t, "herd/worker:1", proxy.Pulls[0].Image)
		assert.Equal(t, []string{"a"}, proxy.Pulls[0].BatchIds)
		assert.Equal(t, []string{"a"}, proxy.Started)
	})
}

func TestRunCycle_CleanUpEveryCycleEvenWithoutWork(t *testing.T) {
	withCoordinator([]string{"n1"}, func(f fixture) {
		require.NoError(t, f.nodes.UpsertNode(&domain.Node{Name: "n1", Memory: 16}))

		f.coordinator.RunCycle()
		f.coordinator.RunCycle()

		proxy := f.proxies["n1"]
		assert.Equal(t, 2, proxy.CleanUps)
		assert.Empty(t, proxy.Pulls)
		assert.Empty(t, proxy.Started)
	})
}

func TestRunCycle_InspectionPrecedesDispatch(t *testing.T) {
	// An offline node revived by inspection receives work in the same cycle.
	withCoordinator([]string{"n1"}, func(f fixture) {
		require.NoError(t, f.nodes.UpsertNode(&domain.Node{Name: "n1", Memory: 16}))
		require.NoError(t, f.nodes.SetNodeHealth("n1", domain.Offline))
		require.NoError(t, f.experiments.AddExperiment(&domain.Experiment{Id: "exp", Memory: 4}))
		batch := &domain.Batch{Id: "a", ExperimentId: "exp", RegistrationTime: time.Now()}
		require.NoError(t, f.batches.AddBatch(batch))

		f.proxies["n1"].OnInspect = func() error {
			return f.nodes.SetNodeHealth("n1", domain.Online)
		}

		f.coordinator.RunCycle()

		assert.Equal(t, 1, f.proxies["n1"].Inspected)
		stored, err := f.batches.GetBatch("a")
		require.NoError(t, err)
		assert.Equal(t, domain.Scheduled, stored.State)
	})
}

func TestRunCycle_OfflineNodeReceivesNoInstructions(t *testing.T) {
	withCoordinator([]string{"n1"}, func(f fixture) {
		require.NoError(t, f.nodes.UpsertNode(&domain.Node{Name: "n1", Memory: 16}))
		require.NoError(t, f.nodes.SetNodeHealth("n1", domain.Offline))

		// Inspection fails, the node stays offline.
		f.proxies["n1"].InspectError = assert.AnError

		f.coordinator.RunCycle()

		proxy := f.proxies["n1"]
		assert.Equal(t, 1, proxy.Inspected)
		assert.Zero(t, proxy.CleanUps)
	})
}

func TestRunCycle_VoidsAndMarksTerminalBatches(t *testing.T) {
	withCoordinator([]string{"n1"}, func(f fixture) {
		require.NoError(t, f.nodes.UpsertNode(&domain.Node{Name: "n1", Memory: 16}))
		batch := &domain.Batch{
			Id:               "a",
			ExperimentId:     "exp",
			RegistrationTime: time.Now(),
			Payload:          domain.Document{"password": "hunter2"},
		}
		require.NoError(t, f.batches.AddBatch(batch))
		require.NoError(t, f.batches.TransitionBatch(batch, domain.Succeeded, ""))

		f.coordinator.RunCycle()

		stored, err := f.batches.GetBatch("a")
		require.NoError(t, err)
		assert.True(t, stored.ProtectedKeysVoided)
		assert.True(t, stored.NotificationsSent)
		assert.NotEqual(t, "hunter2", stored.Payload["password"])

		outstanding, err := f.batches.HasOutstandingWork()
		require.NoError(t, err)
		assert.False(t, outstanding)
	})
}

func TestRun_DrainsCoalescedWakeUpsIntoOneCycle(t *testing.T) {
	withCoordinator([]string{"n1"}, func(f fixture) {
		require.NoError(t, f.nodes.UpsertNode(&domain.Node{Name: "n1", Memory: 16}))

		f.coordinator.Wake()
		f.coordinator.Wake()
		f.coordinator.Wake()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = f.coordinator.Run(ctx)
		}()

		proxy := f.proxies["n1"]
		require.Eventually(t, func() bool {
			proxy.Lock()
			defer proxy.Unlock()
			return proxy.CleanUps >= 1
		}, time.Second, 5*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		proxy.Lock()
		cleanUps := proxy.CleanUps
		proxy.Unlock()
		assert.Equal(t, 1, cleanUps, "three wake-ups coalesce into one cycle")

		cancel()
		<-done
	})
}

func TestWakeIfWorkOutstanding(t *testing.T) {
	withCoordinator(nil, func(f fixture) {
		f.coordinator.WakeIfWorkOutstanding()
		select {
		case <-f.coordinator.trigger.C():
			t.Fatal("no work, no wake-up")
		default:
		}

		batch := &domain.Batch{Id: "a", ExperimentId: "exp", RegistrationTime: time.Now()}
		require.NoError(t, f.batches.AddBatch(batch))

		f.coordinator.WakeIfWorkOutstanding()
		select {
		case <-f.coordinator.trigger.C():
		default:
			t.Fatal("outstanding work must fire the trigger")
		}
	})
}
