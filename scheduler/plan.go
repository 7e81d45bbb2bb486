package scheduler

import (
	"fmt"

	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/internal/rules"
)

// PlanStep is one send task produced by plan materialization: a
// RouteDestination paired with the resolved Destination it targets.
type PlanStep struct {
	RouteDestination dicom.RouteDestination
	Destination      dicom.Destination
}

// Plan is the materialized fan-out for one study traversing one Route
// (§4.8 steps 1-2).
type Plan struct {
	StudyInstanceUID string
	AE               string
	Steps            []PlanStep
}

// MaterializePlan builds the send-task list for study against route: the
// route's static destinations (filtered to enabled Destinations and
// passing each step's ConditionExpr), adjusted by the route's routing
// rules, and sorted by configured Priority (ascending). The order is that
// of the returned Steps only: the Worker's fan-out starts every step at
// once and does not wait for lower Priority values to finish first.
func MaterializePlan(route dicom.Route, destinations map[string]dicom.Destination, study dicom.Study) (Plan, error) {
	plan := Plan{StudyInstanceUID: study.StudyInstanceUID, AE: route.AETitle}

	var representative dicom.Instance
	if len(study.Files) > 0 {
		representative = study.Files[0]
	}

	add, remove, err := rules.EvaluateRouting(route.RoutingRules, representative)
	if err != nil {
		return Plan{}, fmt.Errorf("scheduler: evaluate routing rules: %w", err)
	}
	removed := make(map[string]bool, len(remove))
	for _, name := range remove {
		removed[name] = true
	}

	seen := make(map[string]bool)
	for _, rd := range route.Destinations {
		if removed[rd.DestinationName] {
			continue
		}
		if step, ok, err := resolveStep(rd, destinations, representative); err != nil {
			return Plan{}, err
		} else if ok {
			plan.Steps = append(plan.Steps, step)
			seen[rd.DestinationName] = true
		}
	}

	for _, name := range add {
		if seen[name] || removed[name] {
			continue
		}
		rd := dicom.RouteDestination{DestinationName: name}
		if step, ok, err := resolveStep(rd, destinations, representative); err != nil {
			return Plan{}, err
		} else if ok {
			plan.Steps = append(plan.Steps, step)
			seen[name] = true
		}
	}

	sortStepsByPriority(plan.Steps)
	return plan, nil
}

// resolveStep looks up rd's Destination, skipping it (ok == false) if the
// destination is unknown, disabled, or its ConditionExpr doesn't match.
func resolveStep(rd dicom.RouteDestination, destinations map[string]dicom.Destination, representative dicom.Instance) (PlanStep, bool, error) {
	dest, found := destinations[rd.DestinationName]
	if !found || !dest.Enabled {
		return PlanStep{}, false, nil
	}
	if rd.ConditionExpr != nil {
		matched, err := rules.Evaluate(*rd.ConditionExpr, representative)
		if err != nil {
			return PlanStep{}, false, fmt.Errorf("scheduler: evaluate condition for %s: %w", rd.DestinationName, err)
		}
		if !matched {
			return PlanStep{}, false, nil
		}
	}
	return PlanStep{RouteDestination: rd, Destination: dest}, true, nil
}

func sortStepsByPriority(steps []PlanStep) {
	// Insertion sort: plans are small (a handful of destinations per
	// route), and a stable sort keeps configuration order as the
	// tiebreaker for equal priorities.
	for i := 1; i < len(steps); i++ {
		j := i
		for j > 0 && steps[j].RouteDestination.Priority < steps[j-1].RouteDestination.Priority {
			steps[j], steps[j-1] = steps[j-1], steps[j]
			j--
		}
	}
}

// anonymizationGroups returns, for steps requiring anonymization, the set
// of distinct script names in use — §4.8 step 2's "materialize an
// anonymized copy, deduplicated by script name" requirement.
func anonymizationGroups(steps []PlanStep) map[string][]int {
	groups := make(map[string][]int)
	for i, s := range steps {
		if !s.RouteDestination.Anonymize {
			continue
		}
		script := s.RouteDestination.ScriptName
		groups[script] = append(groups[script], i)
	}
	return groups
}
