package engine

import (
	"sync"

	"github.com/lyzr/workflowcore/blueprint"
	"github.com/lyzr/workflowcore/internal/corekind"
	"github.com/lyzr/workflowcore/ports"
)

// budgetAccountant tracks cumulative cost_estimate across a run and
// preflight-checks every node before it starts (§4.3 step 3, §5
// "Budgeting", Testable Property #8). A nil budget_usd means unmetered.
type budgetAccountant struct {
	mu        sync.Mutex
	estimator ports.CostEstimator
	capUSD    *float64
	spent     float64
}

func newBudgetAccountant(estimator ports.CostEstimator, capUSD *float64) *budgetAccountant {
	return &budgetAccountant{estimator: estimator, capUSD: capUSD}
}

// preflight estimates nodeID's cost and, if the projected running total
// would exceed capUSD, fails BudgetExceeded without reserving anything.
// On success it commits the estimate immediately — the Engine has no
// separate "settle" step since the estimator is advisory, not metered.
func (a *budgetAccountant) preflight(nodeID string, kind blueprint.Kind, effectiveInputs map[string]any) (float64, error) {
	if a.estimator == nil || a.capUSD == nil {
		return 0, nil
	}
	cost, err := a.estimator.Estimate(nodeID, kind, effectiveInputs)
	if err != nil {
		return 0, corekind.Wrap(corekind.BudgetExceeded, nodeID, err, "cost estimation failed")
	}
	if cost < 0 {
		cost = 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	projected := a.spent + cost
	if projected > *a.capUSD {
		return 0, corekind.New(corekind.BudgetExceeded, nodeID,
			"projected spend %.6f would exceed budget_usd=%.6f", projected, *a.capUSD)
	}
	a.spent = projected
	return cost, nil
}

// Spent returns the cumulative committed spend so far.
func (a *budgetAccountant) Spent() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spent
}
