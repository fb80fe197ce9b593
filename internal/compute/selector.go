package compute

import (
	"slices"
	"time"
)

// TaskHints are the routing inputs for a task. Zero values mean "unknown".
type TaskHints struct {
	ExpectedDuration time.Duration
	RequiresGPU      bool
	// MaxBudget is a cost ceiling in the same currency as Capabilities.CostPerHour.
	MaxBudget       float64
	PreferredRegion string
}

// Candidate is a live backend offered to the selector.
type Candidate struct {
	Name         string
	Capabilities Capabilities
}

// Selector is a stateless, rule-based routing policy. Rules are evaluated in
// order and the first match wins:
//
//  1. short task and a low-latency backend exists (that also has a GPU,
//     when one is required)
//  2. GPU required: a GPU-capable backend, or ErrNoCapableProvider
//  3. budget given: a cost-optimized backend whose estimate fits
//  4. the production default
//  5. the first candidate
//
// Within a rule, a candidate serving PreferredRegion beats list order.
// For a fixed candidate list the result is deterministic.
type Selector struct {
	ProductionDefault  string
	ShortTaskThreshold time.Duration
}

// SelectProviderForTask returns the name of the backend to run a task on.
func (s Selector) SelectProviderForTask(hints TaskHints, candidates []Candidate) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoProvider
	}
	threshold := s.ShortTaskThreshold
	if threshold <= 0 {
		threshold = DefaultShortTaskThreshold
	}

	if hints.ExpectedDuration > 0 && hints.ExpectedDuration < threshold {
		if name, ok := pick(candidates, hints.PreferredRegion, func(c Capabilities) bool {
			return c.LowLatency && (!hints.RequiresGPU || c.SupportsGPU)
		}); ok {
			return name, nil
		}
	}

	if hints.RequiresGPU {
		if name, ok := pick(candidates, hints.PreferredRegion, func(c Capabilities) bool {
			return c.SupportsGPU
		}); ok {
			return name, nil
		}
		return "", ErrNoCapableProvider
	}

	if hints.MaxBudget > 0 {
		if name, ok := pick(candidates, hints.PreferredRegion, func(c Capabilities) bool {
			return c.CostOptimized && estimateCost(c, hints.ExpectedDuration) <= hints.MaxBudget
		}); ok {
			return name, nil
		}
	}

	if s.ProductionDefault != "" {
		for _, c := range candidates {
			if c.Name == s.ProductionDefault {
				return c.Name, nil
			}
		}
	}

	return candidates[0].Name, nil
}

// estimateCost prices a run. With no expected duration, one hour is assumed.
func estimateCost(c Capabilities, d time.Duration) float64 {
	if d <= 0 {
		return c.CostPerHour
	}
	return c.CostPerHour * d.Hours()
}

// pick returns the first matching candidate, preferring one that serves region.
func pick(candidates []Candidate, region string, match func(Capabilities) bool) (string, bool) {
	first := ""
	for _, c := range candidates {
		if !match(c.Capabilities) {
			continue
		}
		if region == "" || slices.Contains(c.Capabilities.Regions, region) {
			return c.Name, true
		}
		if first == "" {
			first = c.Name
		}
	}
	return first, first != ""
}
