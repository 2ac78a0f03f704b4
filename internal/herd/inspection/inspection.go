// Package inspection re-probes nodes marked offline.
package inspection

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/herdcompute/herd/internal/herd/domain"
	"github.com/herdcompute/herd/internal/herd/executor"
	"github.com/herdcompute/herd/internal/herd/repository"
)

type Inspector struct {
	nodeRepository repository.NodeRepository
	proxies        executor.Registry
}

func NewInspector(nodeRepository repository.NodeRepository, proxies executor.Registry) *Inspector {
	return &Inspector{nodeRepository: nodeRepository, proxies: proxies}
}

// InspectOfflineNodes probes every offline node concurrently and waits for
// all probes to finish. A probe may flip its node back to online; failures
// are aggregated and logged, the node simply stays offline.
func (i *Inspector) InspectOfflineNodes() {
	offline, err := i.nodeRepository.GetNodesByHealth(domain.Offline)
	if err != nil {
		log.WithError(err).Error("Failed to list offline nodes")
		return
	}
	if len(offline) == 0 {
		return
	}

	var wg sync.WaitGroup
	errorsChannel := make(chan error, len(offline))
	for _, node := range offline {
		proxy := i.proxies.Get(node.Name)
		if proxy == nil {
			log.Warnf("No executor proxy for offline node %s", node.Name)
			continue
		}
		wg.Add(1)
		go func(name string, proxy executor.Proxy) {
			defer wg.Done()
			if err := proxy.InspectOffline(); err != nil {
				errorsChannel <- errors.Wrapf(err, "inspecting node %s", name)
			}
		}(node.Name, proxy)
	}
	wg.Wait()
	close(errorsChannel)

	var result *multierror.Error
	for err := range errorsChannel {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		log.WithError(err).Warn("Some offline node inspections failed")
	}
}
