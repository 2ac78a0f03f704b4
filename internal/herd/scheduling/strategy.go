package scheduling

import (
	"sort"

	"github.com/pkg/errors"
)

type Strategy string

const (
	// StrategySpread prefers the least loaded sufficient node.
	StrategySpread Strategy = "spread"
	// StrategyBinPack prefers the most loaded node that still fits,
	// keeping large nodes free for large batches.
	StrategyBinPack Strategy = "binpack"
)

func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategySpread:
		return StrategySpread, nil
	case StrategyBinPack:
		return StrategyBinPack, nil
	case "":
		return StrategySpread, nil
	}
	return "", errors.Errorf("unknown scheduling strategy %q", name)
}

// rankCandidates orders sufficient nodes according to the strategy.
// Node name breaks ties so a pass is deterministic.
func rankCandidates(candidates []*NodeResourceView, strategy Strategy) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.FreeMemory != b.FreeMemory {
			if strategy == StrategyBinPack {
				return a.FreeMemory < b.FreeMemory
			}
			return a.FreeMemory > b.FreeMemory
		}
		return a.Node.Name < b.Node.Name
	})
}
