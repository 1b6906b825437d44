package engine

import (
	"math"
)

// ReferenceContext is the context capacity at which the context score saturates.
const ReferenceContext = 200_000

// Weights are the relative weights of the router's score components.
// They do not need to sum to 1; only the comparison between candidates matters.
type Weights struct {
	Cost         float64 `json:"cost" yaml:"cost"`
	Availability float64 `json:"availability" yaml:"availability"`
	Context      float64 `json:"context" yaml:"context"`
}

// DefaultWeights returns the default scoring weights.
func DefaultWeights() Weights {
	return Weights{Cost: 0.4, Availability: 0.3, Context: 0.3}
}

// IsZero reports whether no weight is set.
func (w Weights) IsZero() bool {
	return w.Cost == 0 && w.Availability == 0 && w.Context == 0
}

// ScoredBackend is a candidate backend with its score components.
type ScoredBackend struct {
	Backend           ExecutionBackend `json:"backend"`
	CostScore         float64          `json:"cost_score"`
	AvailabilityScore float64          `json:"availability_score"`
	ContextScore      float64          `json:"context_score"`
	Score             float64          `json:"score"`
}

// Router selects an execution backend for a tier.
// It holds no state and is safe for concurrent use.
type Router struct{}

// NewRouter creates a new router.
func NewRouter() *Router {
	return &Router{}
}

// Score returns every backend in the tier that offers at least minimumContext,
// scored and in catalog order.
func (r *Router) Score(tier string, catalog BackendCatalog, minimumContext int, weights Weights) ([]ScoredBackend, error) {
	backends, ok := catalog[tier]
	if !ok {
		return nil, &UnknownTierError{Tier: tier}
	}

	candidates := make([]ExecutionBackend, 0, len(backends))
	for _, backend := range backends {
		if backend.ContextCapacity >= minimumContext {
			candidates = append(candidates, backend)
		}
	}
	if len(candidates) == 0 {
		return nil, &NoCandidateError{Tier: tier, MinimumContext: minimumContext}
	}

	maxCost := 0.0
	for _, backend := range candidates {
		maxCost = math.Max(maxCost, backend.CostPerUnit)
	}
	// All-zero costs score a neutral 1 - 0/1.
	if maxCost == 0 {
		maxCost = 1.0
	}

	scored := make([]ScoredBackend, 0, len(candidates))
	for _, backend := range candidates {
		s := ScoredBackend{
			Backend:           backend,
			CostScore:         1 - backend.CostPerUnit/maxCost,
			AvailabilityScore: backend.Availability,
			ContextScore:      math.Min(float64(backend.ContextCapacity)/ReferenceContext, 1.0),
		}
		s.Score = weights.Cost*s.CostScore +
			weights.Availability*s.AvailabilityScore +
			weights.Context*s.ContextScore
		scored = append(scored, s)
	}
	return scored, nil
}

// Select returns the backend with the strictly highest weighted score.
// Ties go to the backend listed first in the catalog.
func (r *Router) Select(tier string, catalog BackendCatalog, minimumContext int, weights Weights) (*ExecutionBackend, error) {
	scored, err := r.Score(tier, catalog, minimumContext, weights)
	if err != nil {
		return nil, err
	}

	best := 0
	for i := 1; i < len(scored); i++ {
		if scored[i].Score > scored[best].Score {
			best = i
		}
	}

	backend := scored[best].Backend
	return &backend, nil
}
