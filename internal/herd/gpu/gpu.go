// Package gpu parses GPU requirement expressions and selects satisfying
// devices from a node's free device list.
//
// Supported expressions:
//
//	""      no GPUs required
//	"N"     N devices of any size
//	"NxM"   N devices with at least M MiB of VRAM each ("NxMg" for GiB)
//	"all"   every free device on the node (at least one)
package gpu

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/herdcompute/herd/internal/herd/domain"
)

type Requirement struct {
	Count     int
	MinMemory int64
	All       bool
}

func (r Requirement) Empty() bool {
	return !r.All && r.Count == 0
}

func Parse(expr string) (Requirement, error) {
	expr = strings.TrimSpace(strings.ToLower(expr))
	if expr == "" || expr == "0" {
		return Requirement{}, nil
	}
	if expr == "all" {
		return Requirement{All: true}, nil
	}

	countPart, memoryPart, hasMemory := strings.Cut(expr, "x")
	count, err := strconv.Atoi(countPart)
	if err != nil || count < 0 {
		return Requirement{}, errors.Errorf("invalid gpu requirement %q", expr)
	}
	requirement := Requirement{Count: count}
	if hasMemory {
		requirement.MinMemory, err = parseMemory(memoryPart)
		if err != nil {
			return Requirement{}, errors.Errorf("invalid gpu requirement %q", expr)
		}
	}
	return requirement, nil
}

func parseMemory(s string) (int64, error) {
	multiplier := int64(1)
	if strings.HasSuffix(s, "g") {
		multiplier = 1024
		s = strings.TrimSuffix(s, "g")
	}
	value, err := strconv.ParseInt(s, 10, 64)
	if err != nil || value <= 0 {
		return 0, errors.Errorf("invalid memory %q", s)
	}
	return value * multiplier, nil
}

// Match selects device ids from devices satisfying the requirement.
// Smaller devices are preferred, leaving larger ones free for later batches.
// Returns ok=false when no satisfying subset exists.
func Match(devices []domain.GPUDevice, requirement Requirement) ([]string, bool) {
	if requirement.Empty() {
		return nil, true
	}
	if requirement.All {
		if len(devices) == 0 {
			return nil, false
		}
		ids := make([]string, 0, len(devices))
		for _, d := range devices {
			ids = append(ids, d.Id)
		}
		return ids, true
	}

	eligible := make([]domain.GPUDevice, 0, len(devices))
	for _, d := range devices {
		if d.Memory >= requirement.MinMemory {
			eligible = append(eligible, d)
		}
	}
	if len(eligible) < requirement.Count {
		return nil, false
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Memory != eligible[j].Memory {
			return eligible[i].Memory < eligible[j].Memory
		}
		return eligible[i].Id < eligible[j].Id
	})

	ids := make([]string, 0, requirement.Count)
	for _, d := range eligible[:requirement.Count] {
		ids = append(ids, d.Id)
	}
	return ids, true
}
