package scheduling

import (
	log "github.com/sirupsen/logrus"

	"github.com/herdcompute/herd/internal/herd/domain"
	"github.com/herdcompute/herd/internal/herd/repository"
)

const mountDisallowedMessage = "batch requires mounted filesystem connectors but insecure mount capability is disabled"

// dispatchContext holds everything one dispatch pass needs: the mutable node
// views, per-pass experiment and concurrency caches, and the repositories
// used to persist placements.
type dispatchContext struct {
	strategy            Strategy
	allowInsecureMounts bool

	batchRepository      repository.BatchRepository
	experimentRepository repository.ExperimentRepository

	views []*NodeResourceView

	experiments  map[string]*domain.Experiment
	activeCounts map[string]int64
}

// RunDispatchPass places registered batches onto the given node views in
// FIFO order and persists every placement. The views are mutated to carry
// the pull/start instructions for the executor proxies.
//
// A persistence failure aborts the remaining placements; everything already
// committed stays committed and the next cycle continues from there.
func RunDispatchPass(
	strategy Strategy,
	allowInsecureMounts bool,
	batchRepository repository.BatchRepository,
	experimentRepository repository.ExperimentRepository,
	views []*NodeResourceView,
) error {
	pending, err := batchRepository.GetRegisteredBatches()
	if err != nil {
		return err
	}

	dc := &dispatchContext{
		strategy:             strategy,
		allowInsecureMounts:  allowInsecureMounts,
		batchRepository:      batchRepository,
		experimentRepository: experimentRepository,
		views:                views,
		experiments:          map[string]*domain.Experiment{},
		activeCounts:         map[string]int64{},
	}

	for _, batch := range pending {
		if err := dc.dispatch(batch); err != nil {
			return err
		}
	}
	return nil
}

func (dc *dispatchContext) dispatch(batch *domain.Batch) error {
	experiment, err := dc.experiment(batch.ExperimentId)
	if err != nil {
		return err
	}
	if experiment == nil {
		log.Warnf("batch %s references unknown experiment %s, skipping", batch.Id, batch.ExperimentId)
		return nil
	}

	active, err := dc.activeCount(experiment)
	if err != nil {
		return err
	}
	if active >= int64(experiment.Limit()) {
		return nil
	}

	candidates := make([]*NodeResourceView, 0, len(dc.views))
	for _, view := range dc.views {
		if Sufficient(view, experiment) {
			candidates = append(candidates, view)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	rankCandidates(candidates, dc.strategy)
	view := candidates[0]

	gpuIds, ok := SelectGPUs(view, experiment)
	if !ok {
		return nil
	}

	batch.Node = view.Node.Name
	batch.UsedGPUs = gpuIds
	batch.Mount = batch.NeedsMount()

	if batch.Mount && !dc.allowInsecureMounts {
		// The selected node and devices are recorded for audit,
		// but nothing is reserved.
		return dc.batchRepository.TransitionBatch(batch, domain.Failed, mountDisallowedMessage)
	}

	// Persist first: the view only carries placements the store has
	// committed, so an aborted pass never instructs a node to run a
	// batch that is still registered.
	if err := dc.batchRepository.TransitionBatch(batch, domain.Scheduled, ""); err != nil {
		return err
	}

	view.reserve(experiment.Memory, gpuIds)
	if experiment.Image != "" && !experiment.DisableImagePull {
		view.queuePull(experiment.Image, experiment.ImageAuth, batch.Id)
	}
	view.ToStart = append(view.ToStart, batch.Id)
	dc.activeCounts[experiment.Id] = active + 1
	return nil
}

func (dc *dispatchContext) experiment(id string) (*domain.Experiment, error) {
	if experiment, ok := dc.experiments[id]; ok {
		return experiment, nil
	}
	experiment, err := dc.experimentRepository.GetExperiment(id)
	if err != nil {
		return nil, err
	}
	dc.experiments[id] = experiment
	return experiment, nil
}

func (dc *dispatchContext) activeCount(experiment *domain.Experiment) (int64, error) {
	if count, ok := dc.activeCounts[experiment.Id]; ok {
		return count, nil
	}
	count, err := dc.batchRepository.CountByExperiment(experiment.Id, domain.ActiveStates)
	if err != nil {
		return 0, err
	}
	dc.activeCounts[experiment.Id] = count
	return count, nil
}
