package plan

import (
	"regexp"

	"github.com/certbox/certbox/internal/job"
	"github.com/certbox/certbox/internal/resource"
)

// entry is one slot in the resolved selection: either a concrete job or a
// template whose expansion is deferred until its resource records exist.
type entry struct {
	job      *job.Job
	deferred *deferredTemplate
}

type deferredTemplate struct {
	template *job.Template
	status   string // include-rule certification status, "" for none
}

type compiledOverride struct {
	re     *regexp.Regexp
	status job.CertificationStatus
}

// Graph is the resolver's output: the ordered visible job list, the
// bootstrap jobs that run before it, and any templates still awaiting
// expansion. Ordering is dependency-before-dependent, stable with respect
// to inclusion order among unconstrained jobs.
type Graph struct {
	universe  *Universe
	entries   []entry
	bootstrap []*job.Job
	excludes  []*regexp.Regexp
	mandatory []*regexp.Regexp
	overrides []compiledOverride

	// Pattern sources are retained so a graph restored from a checkpoint
	// applies the same rules to templates materialized after resume.
	excludeSrc   []string
	mandatorySrc []string
	overrideSrc  []Override

	ordered []*job.Job
	byID    map[string]*job.Job
}

// Jobs returns the visible jobs in execution order.
func (g *Graph) Jobs() []*job.Job {
	return append([]*job.Job(nil), g.ordered...)
}

// Bootstrap returns the jobs that run before the visible list, in order.
func (g *Graph) Bootstrap() []*job.Job {
	return append([]*job.Job(nil), g.bootstrap...)
}

// Job looks up a visible or bootstrap job by id.
func (g *Graph) Job(id string) (*job.Job, bool) {
	j, ok := g.byID[id]
	return j, ok
}

// Deferred returns the ids of templates whose expansion still awaits
// resource records.
func (g *Graph) Deferred() []string {
	var out []string
	for _, e := range g.entries {
		if e.deferred != nil {
			out = append(out, e.deferred.template.ID)
		}
	}
	return out
}

// HasDeferred reports whether any template expansion is still pending.
func (g *Graph) HasDeferred() bool { return len(g.Deferred()) > 0 }

// Materialize expands every deferred template whose resource now has
// records, slotting the concrete jobs in at the deferred position so they
// run where the template was included. Exclusion, mandatory-include and
// override rules apply to the expanded ids exactly as they did to the
// eagerly resolved ones.
func (g *Graph) Materialize(resources resource.Set) ([]job.ExpansionWarning, error) {
	var warnings []job.ExpansionWarning
	lookup := resources.Strict()
	next := make([]entry, 0, len(g.entries))
	// g.byID is only rebuilt at the end, so ids added within this call
	// need their own collision check.
	added := make(map[string]struct{})
	for _, e := range g.entries {
		if e.deferred == nil {
			next = append(next, e)
			continue
		}
		tmpl := e.deferred.template
		records, produced := lookup(tmpl.Resource)
		if !produced {
			next = append(next, e)
			continue
		}
		expanded, warns, err := tmpl.Expand(records)
		warnings = append(warnings, warns...)
		if err != nil {
			return warnings, err
		}
		for _, concrete := range expanded {
			if _, exists := g.byID[concrete.ID]; exists {
				return warnings, &job.DuplicateJobIDError{ID: concrete.ID, TemplateID: tmpl.ID}
			}
			if _, exists := added[concrete.ID]; exists {
				return warnings, &job.DuplicateJobIDError{ID: concrete.ID, TemplateID: tmpl.ID}
			}
			if g.excluded(concrete.ID) {
				continue
			}
			added[concrete.ID] = struct{}{}
			concrete = g.applyStatus(concrete, e.deferred.status)
			next = append(next, entry{job: concrete})
		}
	}
	g.entries = next
	return warnings, g.rebuild()
}

// excluded reports whether an id is removed by exclude patterns; ids also
// matching mandatory-include patterns survive unconditionally.
func (g *Graph) excluded(id string) bool {
	for _, re := range g.mandatory {
		if re.MatchString(id) {
			return false
		}
	}
	for _, re := range g.excludes {
		if re.MatchString(id) {
			return true
		}
	}
	return false
}

// applyStatus applies the include-rule status then any matching override,
// overrides last.
func (g *Graph) applyStatus(j *job.Job, ruleStatus string) *job.Job {
	if ruleStatus != "" {
		j = j.WithCertificationStatus(job.CertificationStatus(ruleStatus))
	}
	for _, override := range g.overrides {
		if override.re.MatchString(j.ID) {
			j = j.WithCertificationStatus(override.status)
		}
	}
	return j
}

// rebuild recomputes the ordered job list: explicit selection first, then
// transitively pulled depends, then a stable topological sort over
// depends/after edges.
func (g *Graph) rebuild() error {
	bootstrapIDs := make(map[string]bool, len(g.bootstrap))
	for _, j := range g.bootstrap {
		bootstrapIDs[j.ID] = true
	}

	var selected []*job.Job
	seen := map[string]bool{}
	for _, e := range g.entries {
		if e.job == nil || seen[e.job.ID] {
			continue
		}
		seen[e.job.ID] = true
		selected = append(selected, e.job)
	}

	// Pull the transitive depends closure. Pulled jobs land after the
	// explicit selection; the sort below moves them before their
	// dependents, which is the only placement guarantee made. Jobs
	// already in bootstrap run there and are not duplicated here.
	frontier := append([]*job.Job(nil), selected...)
	for len(frontier) > 0 {
		j := frontier[0]
		frontier = frontier[1:]
		for _, depID := range j.Depends {
			if seen[depID] || bootstrapIDs[depID] {
				continue
			}
			dep, ok := g.universe.Job(depID)
			if !ok {
				// Unknown dependency: left to the session, which fails
				// the dependent without executing it.
				continue
			}
			seen[depID] = true
			selected = append(selected, dep)
			frontier = append(frontier, dep)
		}
	}

	ordered, err := sortJobs(selected)
	if err != nil {
		return err
	}
	g.ordered = ordered
	g.byID = make(map[string]*job.Job, len(ordered)+len(g.bootstrap))
	for _, j := range g.bootstrap {
		g.byID[j.ID] = j
	}
	for _, j := range ordered {
		g.byID[j.ID] = j
	}
	return nil
}

// sortJobs topologically orders jobs by depends/after edges, keeping the
// incoming order among unconstrained jobs. Edges to jobs outside the list
// (bootstrap or unknown) impose no ordering here.
func sortJobs(jobs []*job.Job) ([]*job.Job, error) {
	rank := make(map[string]int, len(jobs))
	for i, j := range jobs {
		rank[j.ID] = i
	}
	indegree := make(map[string]int, len(jobs))
	dependents := make(map[string][]string, len(jobs))
	for _, j := range jobs {
		for _, predID := range append(append([]string(nil), j.Depends...), j.After...) {
			if _, inList := rank[predID]; !inList {
				continue
			}
			indegree[j.ID]++
			dependents[predID] = append(dependents[predID], j.ID)
		}
	}

	byID := make(map[string]*job.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	ordered := make([]*job.Job, 0, len(jobs))
	placed := map[string]bool{}
	for len(ordered) < len(jobs) {
		// Pick the lowest-ranked job with no unplaced predecessors. The
		// linear scan keeps the sort stable; graphs are small enough that
		// quadratic behavior is irrelevant next to job runtimes.
		picked := ""
		pickedRank := -1
		for id, r := range rank {
			if placed[id] || indegree[id] > 0 {
				continue
			}
			if pickedRank < 0 || r < pickedRank {
				picked = id
				pickedRank = r
			}
		}
		if picked == "" {
			return nil, &DependencyCycleError{Cycle: findCycle(jobs, rank, placed)}
		}
		placed[picked] = true
		ordered = append(ordered, byID[picked])
		for _, depID := range dependents[picked] {
			indegree[depID]--
		}
	}
	return ordered, nil
}

// findCycle walks the unplaced remainder of the graph to name one cycle
// for the error message.
func findCycle(jobs []*job.Job, rank map[string]int, placed map[string]bool) []string {
	adjacency := make(map[string][]string, len(jobs))
	for _, j := range jobs {
		if placed[j.ID] {
			continue
		}
		for _, predID := range append(append([]string(nil), j.Depends...), j.After...) {
			if _, inList := rank[predID]; inList && !placed[predID] {
				adjacency[predID] = append(adjacency[predID], j.ID)
			}
		}
	}
	const (
		colorVisiting = 1
		colorDone     = 2
	)
	color := map[string]int{}
	var stack []string
	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = colorVisiting
		stack = append(stack, id)
		for _, next := range adjacency[id] {
			switch color[next] {
			case colorVisiting:
				start := 0
				for i, onStack := range stack {
					if onStack == next {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), next)
				return true
			case colorDone:
			default:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = colorDone
		return false
	}
	for _, j := range jobs {
		if !placed[j.ID] && color[j.ID] == 0 {
			if visit(j.ID) {
				return cycle
			}
		}
	}
	return nil
}
