package plan

import (
	"fmt"

	"github.com/certbox/certbox/internal/job"
	"github.com/certbox/certbox/internal/resource"
)

// Resolver turns a test plan into an ordered job graph against a fixed
// universe. Resolution is pure: the universe and plan are never mutated.
type Resolver struct {
	universe *Universe
}

// NewResolver wires a resolver to the loaded universe.
func NewResolver(u *Universe) (*Resolver, error) {
	if u == nil {
		return nil, fmt.Errorf("plan: resolver requires a universe")
	}
	return &Resolver{universe: u}, nil
}

// flattened is a test plan with every nested part recursively merged in.
type flattened struct {
	bootstrap []string
	mandatory []IncludeRule
	include   []IncludeRule
	exclude   []string
	overrides []Override
}

// Resolve builds the job graph for the named test plan. Templates whose
// resource already has records in the provided set are expanded eagerly;
// the rest are deferred for Graph.Materialize after bootstrap. The
// returned warnings list records template instantiations dropped for
// missing fields.
func (r *Resolver) Resolve(planID string, resources resource.Set) (*Graph, []job.ExpansionWarning, error) {
	flat, err := r.flatten(planID, nil)
	if err != nil {
		return nil, nil, err
	}
	return r.resolveFlattened(flat, resources)
}

// ResolveAdHoc resolves a plan that is not registered in the universe,
// such as one synthesized from command-line job selectors. Nested parts
// still resolve against the universe.
func (r *Resolver) ResolveAdHoc(tp *TestPlan, resources resource.Set) (*Graph, []job.ExpansionWarning, error) {
	if tp == nil {
		return nil, nil, fmt.Errorf("plan: nil test plan")
	}
	flat := &flattened{}
	for _, nestedID := range tp.NestedParts {
		nested, err := r.flatten(nestedID, []string{tp.ID})
		if err != nil {
			return nil, nil, err
		}
		flat.bootstrap = append(flat.bootstrap, nested.bootstrap...)
		flat.mandatory = append(flat.mandatory, nested.mandatory...)
		flat.include = append(flat.include, nested.include...)
		flat.exclude = append(flat.exclude, nested.exclude...)
		flat.overrides = append(flat.overrides, nested.overrides...)
	}
	flat.bootstrap = append(flat.bootstrap, tp.BootstrapInclude...)
	flat.mandatory = append(flat.mandatory, tp.MandatoryInclude...)
	flat.include = append(flat.include, tp.Include...)
	flat.exclude = append(flat.exclude, tp.Exclude...)
	flat.overrides = append(flat.overrides, tp.Overrides...)
	return r.resolveFlattened(flat, resources)
}

func (r *Resolver) resolveFlattened(flat *flattened, resources resource.Set) (*Graph, []job.ExpansionWarning, error) {

	g := &Graph{
		universe:     r.universe,
		excludeSrc:   flat.exclude,
		mandatorySrc: mandatoryPatterns(flat.mandatory),
		overrideSrc:  flat.overrides,
	}
	for _, pattern := range flat.exclude {
		re, err := compilePattern(pattern)
		if err != nil {
			return nil, nil, err
		}
		g.excludes = append(g.excludes, re)
	}
	for _, rule := range flat.mandatory {
		re, err := compilePattern(rule.Pattern)
		if err != nil {
			return nil, nil, err
		}
		g.mandatory = append(g.mandatory, re)
	}
	for _, override := range flat.overrides {
		re, err := compilePattern(override.Pattern)
		if err != nil {
			return nil, nil, err
		}
		g.overrides = append(g.overrides, compiledOverride{
			re:     re,
			status: job.CertificationStatus(override.CertificationStatus),
		})
	}

	if err := r.selectBootstrap(g, flat.bootstrap); err != nil {
		return nil, nil, err
	}

	// Mandatory rules select first, then regular includes; every id is
	// selected at most once, first rule wins.
	var warnings []job.ExpansionWarning
	selectedIDs := map[string]bool{}
	for _, rule := range append(append([]IncludeRule(nil), flat.mandatory...), flat.include...) {
		warns, err := r.selectRule(g, rule, resources, selectedIDs)
		warnings = append(warnings, warns...)
		if err != nil {
			return nil, warnings, err
		}
	}

	if err := g.rebuild(); err != nil {
		return nil, warnings, err
	}
	return g, warnings, nil
}

func mandatoryPatterns(rules []IncludeRule) []string {
	var out []string
	for _, rule := range rules {
		out = append(out, rule.Pattern)
	}
	return out
}

// flatten recursively merges nested parts. Nested content composes before
// the including plan's own rules, so the outer plan's overrides win.
func (r *Resolver) flatten(planID string, visiting []string) (*flattened, error) {
	for _, seen := range visiting {
		if seen == planID {
			return nil, &CircularTestPlanError{Chain: append(append([]string(nil), visiting...), planID)}
		}
	}
	tp, ok := r.universe.Plan(planID)
	if !ok {
		return nil, fmt.Errorf("plan: unknown test plan %q", planID)
	}
	out := &flattened{}
	visiting = append(visiting, planID)
	for _, nestedID := range tp.NestedParts {
		nested, err := r.flatten(nestedID, visiting)
		if err != nil {
			return nil, err
		}
		out.bootstrap = append(out.bootstrap, nested.bootstrap...)
		out.mandatory = append(out.mandatory, nested.mandatory...)
		out.include = append(out.include, nested.include...)
		out.exclude = append(out.exclude, nested.exclude...)
		out.overrides = append(out.overrides, nested.overrides...)
	}
	out.bootstrap = append(out.bootstrap, tp.BootstrapInclude...)
	out.mandatory = append(out.mandatory, tp.MandatoryInclude...)
	out.include = append(out.include, tp.Include...)
	out.exclude = append(out.exclude, tp.Exclude...)
	out.overrides = append(out.overrides, tp.Overrides...)
	return out, nil
}

// selectBootstrap gathers resource/local jobs matched by the bootstrap
// patterns. Bootstrap jobs run before the visible list and are exempt from
// exclusion.
func (r *Resolver) selectBootstrap(g *Graph, patterns []string) error {
	seen := map[string]bool{}
	for _, pattern := range patterns {
		re, err := compilePattern(pattern)
		if err != nil {
			return err
		}
		for _, id := range r.universe.JobIDs() {
			if seen[id] || !re.MatchString(id) {
				continue
			}
			j, _ := r.universe.Job(id)
			if j.Plugin != job.PluginResource && j.Plugin != job.PluginLocal {
				return fmt.Errorf("plan: bootstrap job %s has plugin %s, want resource or local", id, j.Plugin)
			}
			seen[id] = true
			g.bootstrap = append(g.bootstrap, j)
		}
	}
	return nil
}

// selectRule applies one include rule: concrete jobs are added directly,
// matched templates are expanded now when their resource records exist and
// deferred otherwise.
func (r *Resolver) selectRule(g *Graph, rule IncludeRule, resources resource.Set, selectedIDs map[string]bool) ([]job.ExpansionWarning, error) {
	re, err := compilePattern(rule.Pattern)
	if err != nil {
		return nil, err
	}
	var warnings []job.ExpansionWarning
	for _, id := range r.universe.JobIDs() {
		if selectedIDs[id] || !re.MatchString(id) {
			continue
		}
		if g.excluded(id) {
			continue
		}
		j, _ := r.universe.Job(id)
		selectedIDs[id] = true
		g.entries = append(g.entries, entry{job: g.applyStatus(j, rule.CertificationStatus)})
	}
	for _, id := range r.universe.TemplateIDs() {
		if selectedIDs[id] || !re.MatchString(id) {
			continue
		}
		tmpl, _ := r.universe.Template(id)
		selectedIDs[id] = true
		records, produced := resources.Strict()(tmpl.Resource)
		if !produced {
			g.entries = append(g.entries, entry{deferred: &deferredTemplate{template: tmpl, status: rule.CertificationStatus}})
			continue
		}
		expanded, warns, err := tmpl.Expand(records)
		warnings = append(warnings, warns...)
		if err != nil {
			return warnings, err
		}
		for _, concrete := range expanded {
			if selectedIDs[concrete.ID] {
				return warnings, &job.DuplicateJobIDError{ID: concrete.ID, TemplateID: tmpl.ID}
			}
			if g.excluded(concrete.ID) {
				continue
			}
			selectedIDs[concrete.ID] = true
			g.entries = append(g.entries, entry{job: g.applyStatus(concrete, rule.CertificationStatus)})
		}
	}
	return warnings, nil
}
