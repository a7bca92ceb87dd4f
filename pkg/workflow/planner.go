package workflow

import (
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// Wave is a set of step ids whose dependencies all lie in strictly
// earlier waves. Members of a wave run concurrently (§4.1, glossary).
type Wave []string

// Plan converts a step list with depends_on edges into an ordered list
// of waves via Kahn's algorithm: compute in-degrees, emit the
// zero-in-degree set as a wave, decrement successors, repeat. A
// reference to an unknown step id fails UnknownDependency; a residual
// cycle after processing fails InvalidGraph.
func Plan(steps []StepDefinition) ([]Wave, error) {
	byID := make(map[string]*StepDefinition, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	inDegree := make(map[string]int, len(steps))
	successors := make(map[string][]string, len(steps))

	for i := range steps {
		step := &steps[i]
		if _, ok := inDegree[step.ID]; !ok {
			inDegree[step.ID] = 0
		}
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, &conductorerrors.GraphError{
					Kind:      "unknown_dependency",
					StepID:    step.ID,
					Reference: dep,
				}
			}
			inDegree[step.ID]++
			successors[dep] = append(successors[dep], step.ID)
		}
	}

	var waves []Wave
	remaining := inDegree
	emitted := 0

	for {
		var wave Wave
		for id, deg := range remaining {
			if deg == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			break
		}
		for _, id := range wave {
			delete(remaining, id)
		}
		for _, id := range wave {
			for _, succ := range successors[id] {
				remaining[succ]--
			}
		}
		waves = append(waves, wave)
		emitted += len(wave)
	}

	if emitted < len(steps) {
		return nil, &conductorerrors.GraphError{Kind: "invalid_graph"}
	}

	return waves, nil
}
