package scheduling

import (
	"github.com/herdcompute/herd/internal/herd/domain"
	"github.com/herdcompute/herd/internal/herd/gpu"
)

// Sufficient reports whether the node view currently has enough free memory
// and free GPU devices for one batch of the experiment. A requirement that
// fails to parse matches no node.
func Sufficient(view *NodeResourceView, experiment *domain.Experiment) bool {
	if view.FreeMemory < experiment.Memory {
		return false
	}
	requirement, err := gpu.Parse(experiment.GPURequirement)
	if err != nil {
		return false
	}
	_, ok := gpu.Match(view.FreeGPUs, requirement)
	return ok
}

// SelectGPUs picks the device ids to reserve on the node for one batch of
// the experiment. ok=false means the batch must not be placed there.
func SelectGPUs(view *NodeResourceView, experiment *domain.Experiment) ([]string, bool) {
	requirement, err := gpu.Parse(experiment.GPURequirement)
	if err != nil {
		return nil, false
	}
	return gpu.Match(view.FreeGPUs, requirement)
}
