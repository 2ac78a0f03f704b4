package scheduling

import (
	"github.com/herdcompute/herd/internal/herd/domain"
	"github.com/herdcompute/herd/internal/herd/repository"
)

// ImagePull is one deduplicated pull instruction for a node: every batch
// placed this pass that needs the image is listed on the same instruction.
type ImagePull struct {
	Image    string
	Auth     string
	BatchIds []string
}

// NodeResourceView is the in-memory free-capacity snapshot of one online
// node, owned exclusively by a single dispatch pass. It is mutated in place
// as batches are placed so that later batches in the same pass observe the
// reduced capacity.
type NodeResourceView struct {
	Node       *domain.Node
	FreeMemory int64
	FreeGPUs   []domain.GPUDevice

	ImagePulls map[string]*ImagePull
	ToStart    []string
}

func newNodeResourceView(node *domain.Node) *NodeResourceView {
	free := make([]domain.GPUDevice, len(node.GPUs))
	copy(free, node.GPUs)
	return &NodeResourceView{
		Node:       node,
		FreeMemory: node.Memory,
		FreeGPUs:   free,
		ImagePulls: map[string]*ImagePull{},
	}
}

func (v *NodeResourceView) reserve(memory int64, gpuIds []string) {
	v.FreeMemory -= memory
	v.removeGPUs(gpuIds)
}

func (v *NodeResourceView) removeGPUs(ids []string) {
	if len(ids) == 0 {
		return
	}
	used := make(map[string]bool, len(ids))
	for _, id := range ids {
		used[id] = true
	}
	remaining := v.FreeGPUs[:0]
	for _, device := range v.FreeGPUs {
		if !used[device.Id] {
			remaining = append(remaining, device)
		}
	}
	v.FreeGPUs = remaining
}

func (v *NodeResourceView) queuePull(image string, auth string, batchId string) {
	pull, ok := v.ImagePulls[image]
	if !ok {
		pull = &ImagePull{Image: image, Auth: auth}
		v.ImagePulls[image] = pull
	}
	pull.BatchIds = append(pull.BatchIds, batchId)
}

// BuildNodeResourceViews derives one view per online node by subtracting the
// requirements of every scheduled/processing batch from its node's capacity.
// Batches whose experiment no longer exists or whose node is not online are
// ignored: their reservations are neither counted nor reclaimed.
func BuildNodeResourceViews(
	nodeRepository repository.NodeRepository,
	batchRepository repository.BatchRepository,
	experimentRepository repository.ExperimentRepository,
) ([]*NodeResourceView, error) {
	nodes, err := nodeRepository.GetNodesByHealth(domain.Online)
	if err != nil {
		return nil, err
	}
	views := make([]*NodeResourceView, 0, len(nodes))
	viewsByName := make(map[string]*NodeResourceView, len(nodes))
	for _, node := range nodes {
		view := newNodeResourceView(node)
		views = append(views, view)
		viewsByName[node.Name] = view
	}

	active, err := batchRepository.GetBatchesByStates(domain.ActiveStates)
	if err != nil {
		return nil, err
	}

	experiments := map[string]*domain.Experiment{}
	for _, batch := range active {
		view, ok := viewsByName[batch.Node]
		if !ok {
			continue
		}
		experiment, cached := experiments[batch.ExperimentId]
		if !cached {
			experiment, err = experimentRepository.GetExperiment(batch.ExperimentId)
			if err != nil {
				return nil, err
			}
			experiments[batch.ExperimentId] = experiment
		}
		if experiment == nil {
			continue
		}
		view.reserve(experiment.Memory, batch.UsedGPUs)
	}
	return views, nil
}
