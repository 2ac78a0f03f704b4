package herd

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/herdcompute/herd/internal/common/health"
	"github.com/herdcompute/herd/internal/common/task"
	"github.com/herdcompute/herd/internal/herd/configuration"
	"github.com/herdcompute/herd/internal/herd/coordinator"
	"github.com/herdcompute/herd/internal/herd/domain"
	"github.com/herdcompute/herd/internal/herd/executor"
	"github.com/herdcompute/herd/internal/herd/inspection"
	"github.com/herdcompute/herd/internal/herd/metrics"
	"github.com/herdcompute/herd/internal/herd/notification"
	"github.com/herdcompute/herd/internal/herd/repository"
	"github.com/herdcompute/herd/internal/herd/scheduling"
	"github.com/herdcompute/herd/internal/herd/voiding"
)

const defaultCycleInterval = 60 * time.Second

// Serve wires the repositories, maintenance workers and the scheduling
// coordinator together and runs them until the context is cancelled.
func Serve(ctx context.Context, config *configuration.HerdConfig, healthChecks *health.MultiChecker) error {
	log.Info("Herd controller starting")
	defer log.Info("Herd controller shutting down")

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks.Add(startupCompleteCheck)

	strategy, err := scheduling.ParseStrategy(config.Scheduling.Strategy)
	if err != nil {
		return err
	}

	db := redis.NewUniversalClient(&config.Redis)
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Error("failed to close Redis client")
		}
	}()

	healthChecks.Add(repository.NewRedisHealth(db))

	batchRepository := repository.NewRedisBatchRepository(db)
	experimentRepository := repository.NewRedisExperimentRepository(db)
	nodeRepository := repository.NewRedisNodeRepository(db)

	proxies, err := seedCluster(config.Nodes, nodeRepository)
	if err != nil {
		return err
	}

	inspector := inspection.NewInspector(nodeRepository, proxies)
	voider := voiding.NewEngine(batchRepository, experimentRepository, config.Voiding.AgencyId)
	notifier := notification.NewDispatcher(batchRepository, config.Notifications)

	schedulingCoordinator := coordinator.NewCoordinator(
		strategy,
		config.Scheduling.AllowInsecureMounts,
		batchRepository,
		experimentRepository,
		nodeRepository,
		inspector,
		voider,
		notifier,
		proxies,
	)

	metrics.ExposeDataMetrics(batchRepository, nodeRepository)

	interval := config.Scheduling.CycleInterval
	if interval <= 0 {
		interval = defaultCycleInterval
	}
	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	defer taskManager.StopAll(2 * time.Second)
	taskManager.Register(schedulingCoordinator.WakeIfWorkOutstanding, interval, "scheduling_trigger")

	// Run one cycle immediately so work submitted while the controller
	// was down is picked up without waiting for the first tick.
	schedulingCoordinator.Wake()

	startupCompleteCheck.MarkComplete()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return schedulingCoordinator.Run(ctx)
	})
	return g.Wait()
}

// seedCluster writes the configured hardware description of every node into
// the store and builds the executor proxy registry.
func seedCluster(nodes []configuration.NodeConfig, nodeRepository repository.NodeRepository) (executor.Registry, error) {
	proxies := executor.Registry{}
	for _, nodeConfig := range nodes {
		gpus := make([]domain.GPUDevice, 0, len(nodeConfig.GPUs))
		for _, gpuConfig := range nodeConfig.GPUs {
			gpus = append(gpus, domain.GPUDevice{Id: gpuConfig.Id, Memory: gpuConfig.Memory})
		}
		node := &domain.Node{
			Name:   nodeConfig.Name,
			Memory: nodeConfig.Memory,
			GPUs:   gpus,
		}
		if err := nodeRepository.UpsertNode(node); err != nil {
			return nil, errors.Wrapf(err, "registering node %s", nodeConfig.Name)
		}
		if nodeConfig.AgentUrl == "" {
			log.Warnf("Node %s has no agent url configured", nodeConfig.Name)
			continue
		}
		proxies[nodeConfig.Name] = executor.NewHTTPProxy(nodeConfig.Name, nodeConfig.AgentUrl, nodeRepository)
	}
	return proxies, nil
}
