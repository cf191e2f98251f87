package manifest

import "fmt"

// ValidateSet checks a batch of manifests for missing required fields,
// duplicate ids, and dependency cycles. Cycle detection is the same DFS
// white/gray/black coloring the teacher uses in
// internal/config/config.go:detectCycles, applied to task Dependencies
// edges instead of concern Watches edges.
func ValidateSet(manifests []*Manifest) []error {
	var errs []error

	ids := make(map[string]bool)
	for i, m := range manifests {
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("manifests[%d]: id is required", i))
			continue
		}
		if ids[m.ID] {
			errs = append(errs, fmt.Errorf("manifests[%d]: duplicate id %q", i, m.ID))
			continue
		}
		ids[m.ID] = true

		if m.Name == "" {
			errs = append(errs, fmt.Errorf("task %s: name is required", m.ID))
		}
		if m.Verify.Doctor == "" {
			errs = append(errs, fmt.Errorf("task %s: verify.doctor is required", m.ID))
		}
	}

	for _, m := range manifests {
		for _, dep := range m.Dependencies {
			if !ids[dep] {
				errs = append(errs, fmt.Errorf("task %s: depends on unknown task %q", m.ID, dep))
			}
		}
	}

	if cycleErr := detectCycles(manifests); cycleErr != nil {
		errs = append(errs, cycleErr)
	}

	return errs
}

// detectCycles walks the dependency graph with DFS white/gray/black
// coloring and reports the first cycle found as a precise path, per spec
// §9 ("validate at plan-write time and reject cycles with a precise path").
func detectCycles(manifests []*Manifest) error {
	byID := make(map[string]*Manifest, len(manifests))
	for _, m := range manifests {
		byID[m.ID] = m
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		path = append(path, id)
		m, ok := byID[id]
		if ok {
			for _, dep := range m.Dependencies {
				if color[dep] == gray {
					cyclePath := append(append([]string{}, path...), dep)
					return fmt.Errorf("dependency cycle detected: %s", joinArrow(cyclePath))
				}
				if color[dep] == white {
					if err := visit(dep); err != nil {
						return err
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, m := range manifests {
		if color[m.ID] == white {
			if err := visit(m.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinArrow(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " -> "
		}
		out += id
	}
	return out
}
