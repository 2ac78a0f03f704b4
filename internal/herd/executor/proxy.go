// Package executor defines the per-node execution agent proxy consumed by
// the scheduling coordinator, an HTTP implementation speaking to a node
// agent's REST interface, and a fake used in tests.
package executor

// Proxy is the controller-side handle on one node's execution agent.
type Proxy interface {
	// CleanUp instructs the agent to reconcile its local state,
	// e.g. drop containers for batches no longer assigned to it.
	CleanUp() error
	// PullImage instructs the agent to pull one image. The instruction
	// carries every batch id waiting on that image this cycle.
	PullImage(image string, auth string, batchIds []string) error
	// RunBatch instructs the agent to start one newly scheduled batch.
	RunBatch(batchId string) error
	// InspectOffline re-probes an offline node's agent and may flip the
	// node back to online as a side effect.
	InspectOffline() error
}

// Registry maps node names to their proxies.
type Registry map[string]Proxy

func (r Registry) Get(nodeName string) Proxy {
	return r[nodeName]
}
