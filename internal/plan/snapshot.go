package plan

import (
	"fmt"

	"github.com/certbox/certbox/internal/job"
)

// JobSnapshot persists one concrete job inside a checkpoint. The
// definition round-trips exactly through job.New.
type JobSnapshot struct {
	Definition job.Definition `json:"definition"`
	TemplateID string         `json:"template_id,omitempty"`
	Status     string         `json:"deferred_status,omitempty"`
}

// GraphSnapshot is the serializable form of a resolved job graph,
// including templates still awaiting expansion and the selection rules
// that must keep applying to them after resume.
type GraphSnapshot struct {
	Bootstrap []JobSnapshot `json:"bootstrap,omitempty"`
	Jobs      []JobSnapshot `json:"jobs"`
	Deferred  []JobSnapshot `json:"deferred_templates,omitempty"`
	Excludes  []string      `json:"excludes,omitempty"`
	Mandatory []string      `json:"mandatory,omitempty"`
	Overrides []Override    `json:"overrides,omitempty"`
}

// Snapshot captures the graph for persistence. Deferred templates are
// recorded by id; restoring requires the same universe to be loaded.
func (g *Graph) Snapshot() GraphSnapshot {
	snap := GraphSnapshot{
		Excludes:  append([]string(nil), g.excludeSrc...),
		Mandatory: append([]string(nil), g.mandatorySrc...),
		Overrides: append([]Override(nil), g.overrideSrc...),
	}
	for _, j := range g.bootstrap {
		snap.Bootstrap = append(snap.Bootstrap, snapshotJob(j))
	}
	// Persist the post-closure order so transitively pulled jobs survive
	// a restore even when the original universe is not reloaded.
	for _, j := range g.ordered {
		snap.Jobs = append(snap.Jobs, snapshotJob(j))
	}
	for _, e := range g.entries {
		if e.deferred != nil {
			snap.Deferred = append(snap.Deferred, JobSnapshot{
				Definition: job.Definition{ID: e.deferred.template.ID},
				Status:     e.deferred.status,
			})
		}
	}
	return snap
}

func snapshotJob(j *job.Job) JobSnapshot {
	return JobSnapshot{Definition: j.Definition(), TemplateID: j.TemplateID}
}

// RestoreGraph rebuilds a graph from its snapshot. The universe supplies
// any still-deferred templates; a snapshot with no deferred templates
// restores against an empty universe.
func RestoreGraph(snap GraphSnapshot, u *Universe) (*Graph, error) {
	if u == nil {
		u = NewUniverse()
	}
	g := &Graph{
		universe:     u,
		excludeSrc:   append([]string(nil), snap.Excludes...),
		mandatorySrc: append([]string(nil), snap.Mandatory...),
		overrideSrc:  append([]Override(nil), snap.Overrides...),
	}
	for _, pattern := range snap.Excludes {
		re, err := compilePattern(pattern)
		if err != nil {
			return nil, err
		}
		g.excludes = append(g.excludes, re)
	}
	for _, pattern := range snap.Mandatory {
		re, err := compilePattern(pattern)
		if err != nil {
			return nil, err
		}
		g.mandatory = append(g.mandatory, re)
	}
	for _, override := range snap.Overrides {
		re, err := compilePattern(override.Pattern)
		if err != nil {
			return nil, err
		}
		g.overrides = append(g.overrides, compiledOverride{
			re:     re,
			status: job.CertificationStatus(override.CertificationStatus),
		})
	}
	for _, js := range snap.Bootstrap {
		restored, err := restoreJob(js)
		if err != nil {
			return nil, err
		}
		g.bootstrap = append(g.bootstrap, restored)
	}
	for _, js := range snap.Jobs {
		restored, err := restoreJob(js)
		if err != nil {
			return nil, err
		}
		g.entries = append(g.entries, entry{job: restored})
	}
	for _, ds := range snap.Deferred {
		tmpl, ok := u.Template(ds.Definition.ID)
		if !ok {
			return nil, fmt.Errorf("plan: checkpoint references unknown template %q", ds.Definition.ID)
		}
		g.entries = append(g.entries, entry{deferred: &deferredTemplate{template: tmpl, status: ds.Status}})
	}
	if err := g.rebuild(); err != nil {
		return nil, err
	}
	return g, nil
}

func restoreJob(js JobSnapshot) (*job.Job, error) {
	restored, err := job.New(js.Definition)
	if err != nil {
		return nil, fmt.Errorf("plan: restore job from checkpoint: %w", err)
	}
	restored.TemplateID = js.TemplateID
	return restored, nil
}
