package plan

import (
	"fmt"
	"strings"
)

// CircularTestPlanError reports a cycle through nested-part references.
// Raised before any job is touched.
type CircularTestPlanError struct {
	Chain []string
}

func (e *CircularTestPlanError) Error() string {
	return fmt.Sprintf("plan: circular nested-part reference: %s", strings.Join(e.Chain, " -> "))
}

// DependencyCycleError reports a cycle through depends/after edges in the
// resolved job graph, naming the jobs involved.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("plan: dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}
