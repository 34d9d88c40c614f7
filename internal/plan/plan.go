// Package plan implements test plans and their resolution into an ordered
// job graph. Resolving a plan against a job/template universe is a pure
// function; the resulting graph is what a session executes.
package plan

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/certbox/certbox/internal/job"
)

// IncludeRule selects jobs or templates by anchored regex pattern and may
// override their certification status.
type IncludeRule struct {
	Pattern             string `yaml:"pattern"`
	CertificationStatus string `yaml:"certification-status,omitempty"`
}

// Override rewrites certification status for every selected job whose id
// matches the pattern. Overrides apply after composition, in order.
type Override struct {
	Pattern             string `yaml:"pattern"`
	CertificationStatus string `yaml:"certification-status"`
}

// Definition is the already-parsed structured record for one test plan.
type Definition struct {
	ID               string        `yaml:"id"`
	Name             string        `yaml:"name,omitempty"`
	BootstrapInclude []string      `yaml:"bootstrap-include,omitempty"`
	Include          []IncludeRule `yaml:"include,omitempty"`
	MandatoryInclude []IncludeRule `yaml:"mandatory-include,omitempty"`
	Exclude          []string      `yaml:"exclude,omitempty"`
	NestedParts      []string      `yaml:"nested-part,omitempty"`
	Overrides        []Override    `yaml:"certification-status-overrides,omitempty"`
}

// TestPlan is an immutable named composition over the job universe.
type TestPlan struct {
	ID               string
	Name             string
	BootstrapInclude []string
	Include          []IncludeRule
	MandatoryInclude []IncludeRule
	Exclude          []string
	NestedParts      []string
	Overrides        []Override
}

// NewTestPlan validates a definition, compiling every pattern once so bad
// regexes surface at load time rather than mid-resolution.
func NewTestPlan(def Definition) (*TestPlan, error) {
	id := strings.TrimSpace(def.ID)
	if id == "" {
		return nil, fmt.Errorf("plan: definition has no id")
	}
	tp := &TestPlan{
		ID:               id,
		Name:             strings.TrimSpace(def.Name),
		BootstrapInclude: append([]string(nil), def.BootstrapInclude...),
		Include:          append([]IncludeRule(nil), def.Include...),
		MandatoryInclude: append([]IncludeRule(nil), def.MandatoryInclude...),
		Exclude:          append([]string(nil), def.Exclude...),
		NestedParts:      append([]string(nil), def.NestedParts...),
		Overrides:        append([]Override(nil), def.Overrides...),
	}
	for _, rule := range tp.Include {
		if _, err := compilePattern(rule.Pattern); err != nil {
			return nil, fmt.Errorf("plan %s include: %w", id, err)
		}
	}
	for _, rule := range tp.MandatoryInclude {
		if _, err := compilePattern(rule.Pattern); err != nil {
			return nil, fmt.Errorf("plan %s mandatory-include: %w", id, err)
		}
	}
	for _, pattern := range append(append([]string{}, tp.BootstrapInclude...), tp.Exclude...) {
		if _, err := compilePattern(pattern); err != nil {
			return nil, fmt.Errorf("plan %s: %w", id, err)
		}
	}
	for _, override := range tp.Overrides {
		if _, err := compilePattern(override.Pattern); err != nil {
			return nil, fmt.Errorf("plan %s override: %w", id, err)
		}
	}
	return tp, nil
}

// compilePattern anchors a selection pattern so "disk/read" does not also
// match "disk/read-extended".
func compilePattern(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("plan: empty selection pattern")
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("plan: pattern %q: %w", pattern, err)
	}
	return re, nil
}

// Universe is the load-time collection of jobs, templates and plans the
// resolver selects from. Declaration order is preserved so selection is
// deterministic.
type Universe struct {
	jobs      map[string]*job.Job
	templates map[string]*job.Template
	plans     map[string]*TestPlan
	jobOrder  []string
	tmplOrder []string
}

// NewUniverse builds an empty universe.
func NewUniverse() *Universe {
	return &Universe{
		jobs:      map[string]*job.Job{},
		templates: map[string]*job.Template{},
		plans:     map[string]*TestPlan{},
	}
}

// AddJob registers a job. Duplicate ids are rejected: job ids are globally
// unique across all providers.
func (u *Universe) AddJob(j *job.Job) error {
	if _, ok := u.jobs[j.ID]; ok {
		return &job.DuplicateJobIDError{ID: j.ID}
	}
	u.jobs[j.ID] = j
	u.jobOrder = append(u.jobOrder, j.ID)
	return nil
}

// AddTemplate registers a template under its parametric id.
func (u *Universe) AddTemplate(t *job.Template) error {
	if _, ok := u.templates[t.ID]; ok {
		return fmt.Errorf("plan: duplicate template id %q", t.ID)
	}
	u.templates[t.ID] = t
	u.tmplOrder = append(u.tmplOrder, t.ID)
	return nil
}

// AddPlan registers a test plan.
func (u *Universe) AddPlan(tp *TestPlan) error {
	if _, ok := u.plans[tp.ID]; ok {
		return fmt.Errorf("plan: duplicate test plan id %q", tp.ID)
	}
	u.plans[tp.ID] = tp
	return nil
}

// Job looks up a job by id.
func (u *Universe) Job(id string) (*job.Job, bool) {
	j, ok := u.jobs[id]
	return j, ok
}

// Template looks up a template by id.
func (u *Universe) Template(id string) (*job.Template, bool) {
	t, ok := u.templates[id]
	return t, ok
}

// Plan looks up a test plan by id.
func (u *Universe) Plan(id string) (*TestPlan, bool) {
	tp, ok := u.plans[id]
	return tp, ok
}

// JobIDs returns job ids in declaration order.
func (u *Universe) JobIDs() []string {
	return append([]string(nil), u.jobOrder...)
}

// TemplateIDs returns template ids in declaration order.
func (u *Universe) TemplateIDs() []string {
	return append([]string(nil), u.tmplOrder...)
}
