package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/certbox/certbox/internal/resource"
)

// DuplicateJobIDError reports two template instantiations (or an
// instantiation and an existing job) colliding on the same concrete id.
type DuplicateJobIDError struct {
	ID         string
	TemplateID string
}

func (e *DuplicateJobIDError) Error() string {
	if e.TemplateID == "" {
		return fmt.Sprintf("job: duplicate job id %q", e.ID)
	}
	return fmt.Sprintf("job: template %s expanded duplicate job id %q", e.TemplateID, e.ID)
}

// TemplateDefinition is the already-parsed structured record for one
// template unit.
type TemplateDefinition struct {
	TemplateResource string     `yaml:"template-resource"`
	TemplateFilter   string     `yaml:"template-filter,omitempty"`
	TemplateEngine   string     `yaml:"template-engine,omitempty"`
	Job              Definition `yaml:",inline"`
}

// Template is an immutable parametric job definition bound to a resource
// id. Expanding it against that resource's records yields concrete jobs.
type Template struct {
	ID       string
	Resource string
	Filter   *resource.Expression
	engine   Engine
	def      Definition
}

// NewTemplate validates and compiles a template definition. The filter
// expression and engine choice are resolved once; expansion later is a
// pure function of the record list.
func NewTemplate(def TemplateDefinition) (*Template, error) {
	id := strings.TrimSpace(def.Job.ID)
	if id == "" {
		return nil, fmt.Errorf("job: template definition has no id")
	}
	res := strings.TrimSpace(def.TemplateResource)
	if res == "" {
		return nil, fmt.Errorf("job: template %s has no template-resource", id)
	}
	engine, err := EngineFor(def.TemplateEngine)
	if err != nil {
		return nil, fmt.Errorf("job: template %s: %w", id, err)
	}
	t := &Template{ID: id, Resource: res, engine: engine, def: def.Job}
	if strings.TrimSpace(def.TemplateFilter) != "" {
		filter, err := resource.Parse(def.TemplateFilter)
		if err != nil {
			return nil, fmt.Errorf("job: template %s filter: %w", id, err)
		}
		t.Filter = filter
	}
	return t, nil
}

// ExpansionWarning records one dropped instantiation. Other
// instantiations of the same template proceed normally.
type ExpansionWarning struct {
	TemplateID string
	Record     resource.Record
	Err        error
}

// Expand instantiates the template once per record accepted by the
// filter. Substitution failures drop only the affected instantiation and
// are reported as warnings; a concrete-id collision is fatal. Expanding
// twice with identical inputs yields identical jobs.
func (t *Template) Expand(records []resource.Record) ([]*Job, []ExpansionWarning, error) {
	var jobs []*Job
	var warnings []ExpansionWarning
	seen := map[string]bool{}
	for _, rec := range records {
		if t.Filter != nil {
			single := resource.Set{}
			single.Add(t.Resource, rec)
			if t.Filter.EvalAll(single) != resource.VerdictTrue {
				continue
			}
		}
		instantiated, err := t.instantiate(rec)
		if err != nil {
			warnings = append(warnings, ExpansionWarning{TemplateID: t.ID, Record: rec.Clone(), Err: err})
			continue
		}
		if seen[instantiated.ID] {
			return nil, warnings, &DuplicateJobIDError{ID: instantiated.ID, TemplateID: t.ID}
		}
		seen[instantiated.ID] = true
		jobs = append(jobs, instantiated)
	}
	return jobs, warnings, nil
}

// instantiate substitutes one record into every templated field and
// builds the concrete job.
func (t *Template) instantiate(rec resource.Record) (*Job, error) {
	def := Definition{
		Plugin:              t.def.Plugin,
		EstimatedDuration:   t.def.EstimatedDuration,
		Flags:               append([]string(nil), t.def.Flags...),
		CertificationStatus: t.def.CertificationStatus,
	}
	var err error
	if def.ID, err = t.engine.Render(t.def.ID, rec); err != nil {
		return nil, err
	}
	if def.Summary, err = t.engine.Render(t.def.Summary, rec); err != nil {
		return nil, err
	}
	if def.Command, err = t.engine.Render(t.def.Command, rec); err != nil {
		return nil, err
	}
	if def.Requires, err = t.engine.Render(t.def.Requires, rec); err != nil {
		return nil, err
	}
	if def.Depends, err = t.renderList(t.def.Depends, rec); err != nil {
		return nil, err
	}
	if def.After, err = t.renderList(t.def.After, rec); err != nil {
		return nil, err
	}
	concrete, err := New(def)
	if err != nil {
		return nil, err
	}
	concrete.TemplateID = t.ID
	return concrete, nil
}

func (t *Template) renderList(values []string, rec resource.Record) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		rendered, err := t.engine.Render(value, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, rendered)
	}
	return out, nil
}

// EstimatedDuration exposes the template's per-instance duration estimate.
func (t *Template) EstimatedDuration() time.Duration { return t.def.EstimatedDuration }
