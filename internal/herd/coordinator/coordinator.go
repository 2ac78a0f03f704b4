// Package coordinator runs the scheduling control loop: a debounced trigger
// drains into one cycle of maintenance steps followed by a dispatch pass,
// after which every online node's executor proxy is told what to do.
package coordinator

import (
	"context"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/herdcompute/herd/internal/herd/executor"
	"github.com/herdcompute/herd/internal/herd/inspection"
	"github.com/herdcompute/herd/internal/herd/notification"
	"github.com/herdcompute/herd/internal/herd/repository"
	"github.com/herdcompute/herd/internal/herd/scheduling"
	"github.com/herdcompute/herd/internal/herd/voiding"
)

type Coordinator struct {
	strategy            scheduling.Strategy
	allowInsecureMounts bool

	batchRepository      repository.BatchRepository
	experimentRepository repository.ExperimentRepository
	nodeRepository       repository.NodeRepository

	inspector *inspection.Inspector
	voider    *voiding.Engine
	notifier  *notification.Dispatcher
	proxies   executor.Registry

	trigger *Trigger
}

func NewCoordinator(
	strategy scheduling.Strategy,
	allowInsecureMounts bool,
	batchRepository repository.BatchRepository,
	experimentRepository repository.ExperimentRepository,
	nodeRepository repository.NodeRepository,
	inspector *inspection.Inspector,
	voider *voiding.Engine,
	notifier *notification.Dispatcher,
	proxies executor.Registry,
) *Coordinator {
	return &Coordinator{
		strategy:             strategy,
		allowInsecureMounts:  allowInsecureMounts,
		batchRepository:      batchRepository,
		experimentRepository: experimentRepository,
		nodeRepository:       nodeRepository,
		inspector:            inspector,
		voider:               voider,
		notifier:             notifier,
		proxies:              proxies,
		trigger:              NewTrigger(),
	}
}

// Wake requests a scheduling cycle. Redundant wake-ups while a cycle is
// pending or running are dropped.
func (c *Coordinator) Wake() {
	c.trigger.Fire()
}

// WakeIfWorkOutstanding is the periodic timer body: it fires the trigger
// whenever the store reports unfinished work.
func (c *Coordinator) WakeIfWorkOutstanding() {
	outstanding, err := c.batchRepository.HasOutstandingWork()
	if err != nil {
		log.WithError(err).Error("Failed to check for outstanding work")
		return
	}
	if outstanding {
		c.trigger.Fire()
	}
}

// Run drains the trigger until the context is cancelled. A cycle always
// runs to completion once started.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.trigger.C():
			c.RunCycle()
		}
	}
}

// RunCycle performs one full cycle. The maintenance steps are isolated:
// a failing step logs and the cycle proceeds to the next step.
func (c *Coordinator) RunCycle() {
	c.inspector.InspectOfflineNodes()
	c.voider.VoidBatches()
	c.voider.VoidExperiments()
	c.notifier.NotifyTerminal()

	views, err := scheduling.BuildNodeResourceViews(c.nodeRepository, c.batchRepository, c.experimentRepository)
	if err != nil {
		log.WithError(err).Error("Failed to build node resource views, skipping dispatch")
		return
	}
	err = scheduling.RunDispatchPass(c.strategy, c.allowInsecureMounts, c.batchRepository, c.experimentRepository, views)
	if err != nil {
		// Placements committed before the failure are still
		// instructed below; the rest wait for the next cycle.
		log.WithError(err).Error("Dispatch pass aborted")
	}
	c.instructNodes(views)
}

func (c *Coordinator) instructNodes(views []*scheduling.NodeResourceView) {
	for _, view := range views {
		proxy := c.proxies.Get(view.Node.Name)
		if proxy == nil {
			log.Warnf("No executor proxy for node %s", view.Node.Name)
			continue
		}
		if err := proxy.CleanUp(); err != nil {
			log.WithError(err).Warnf("Cleanup instruction for node %s failed", view.Node.Name)
		}

		images := make([]string, 0, len(view.ImagePulls))
		for image := range view.ImagePulls {
			images = append(images, image)
		}
		sort.Strings(images)
		for _, image := range images {
			pull := view.ImagePulls[image]
			if err := proxy.PullImage(pull.Image, pull.Auth, pull.BatchIds); err != nil {
				log.WithError(err).Warnf("Pull instruction for node %s failed", view.Node.Name)
			}
		}

		for _, batchId := range view.ToStart {
			if err := proxy.RunBatch(batchId); err != nil {
				log.WithError(err).Warnf("Run instruction for batch %s on node %s failed", batchId, view.Node.Name)
			}
		}
	}
}
