package resilience

import (
	"context"

	"github.com/MrWong99/vocalis/internal/planner"
)

// PlannerFallback implements [planner.Planner] with failover across
// planners, typically an LLM-backed one followed by [planner.Rules].
type PlannerFallback struct {
	group *FallbackGroup[planner.Planner]
}

var _ planner.Planner = (*PlannerFallback)(nil)

// NewPlannerFallback creates a [PlannerFallback] with primary as the
// preferred planner.
func NewPlannerFallback(primary planner.Planner, primaryName string, cfg FallbackConfig) *PlannerFallback {
	return &PlannerFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional planner.
func (f *PlannerFallback) AddFallback(name string, p planner.Planner) {
	f.group.AddFallback(name, p)
}

// Plan implements [planner.Planner]. A cancelled context is not counted
// against the remaining planners.
func (f *PlannerFallback) Plan(ctx context.Context, req planner.Request) (planner.Action, error) {
	a, _, err := ExecuteWithResult(f.group, func(p planner.Planner) (planner.Action, error) {
		if err := ctx.Err(); err != nil {
			return planner.Action{}, err
		}
		return p.Plan(ctx, req)
	})
	return a, err
}
