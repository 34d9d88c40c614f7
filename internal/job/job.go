// Package job defines the immutable test job model and the template
// expansion that instantiates parametric job families from resource records.
package job

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/certbox/certbox/internal/resource"
)

// Plugin classifies how a job's command runs and how its outcome is decided.
type Plugin string

const (
	PluginAutomated          Plugin = "automated"
	PluginManual             Plugin = "manual"
	PluginUserInteract       Plugin = "user-interact"
	PluginUserInteractVerify Plugin = "user-interact-verify"
	PluginUserVerify         Plugin = "user-verify"
	PluginAttachment         Plugin = "attachment"
	PluginLocal              Plugin = "local"
	PluginResource           Plugin = "resource"
)

var knownPlugins = map[Plugin]bool{
	PluginAutomated:          true,
	PluginManual:             true,
	PluginUserInteract:       true,
	PluginUserInteractVerify: true,
	PluginUserVerify:         true,
	PluginAttachment:         true,
	PluginLocal:              true,
	PluginResource:           true,
}

// Flags understood by the execution engine. Other flags are carried but
// have no engine-level meaning.
const (
	FlagNoreturn         = "noreturn"
	FlagAlsoAfterSuspend = "also-after-suspend"
	FlagFailOnResource   = "fail-on-resource"
	FlagSimple           = "simple"
)

// Flags is an immutable flag set attached to a job.
type Flags map[string]bool

// NewFlags builds a flag set from a list of flag names.
func NewFlags(names ...string) Flags {
	if len(names) == 0 {
		return nil
	}
	out := make(Flags, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			out[name] = true
		}
	}
	return out
}

// Has reports whether the flag is set.
func (f Flags) Has(name string) bool { return f[name] }

// List returns the flag names in sorted order.
func (f Flags) List() []string {
	out := make([]string, 0, len(f))
	for name := range f {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CertificationStatus describes how a job counts toward certification.
type CertificationStatus string

const (
	CertStatusUnspecified CertificationStatus = "unspecified"
	CertStatusNotPart     CertificationStatus = "not-part-of-certification"
	CertStatusNonBlocker  CertificationStatus = "non-blocker"
	CertStatusBlocker     CertificationStatus = "blocker"
)

// Definition is the already-parsed structured record a provider hands us
// for one job. The engine never sees the raw declarative file format.
type Definition struct {
	ID                  string        `yaml:"id"`
	Summary             string        `yaml:"summary,omitempty"`
	Plugin              string        `yaml:"plugin"`
	Command             string        `yaml:"command,omitempty"`
	Depends             []string      `yaml:"depends,omitempty"`
	After               []string      `yaml:"after,omitempty"`
	Requires            string        `yaml:"requires,omitempty"`
	EstimatedDuration   time.Duration `yaml:"estimated-duration,omitempty"`
	Flags               []string      `yaml:"flags,omitempty"`
	CertificationStatus string        `yaml:"certification-status,omitempty"`
}

// Job is an immutable test job. The requirement expression is parsed once
// at construction; evaluation later is a pure tree walk.
type Job struct {
	ID                  string
	Summary             string
	Plugin              Plugin
	Command             string
	Depends             []string
	After               []string
	Requires            *resource.Expression
	EstimatedDuration   time.Duration
	Flags               Flags
	CertificationStatus CertificationStatus

	// TemplateID is set on jobs produced by template expansion and names
	// the originating template.
	TemplateID string
}

// New validates a definition and builds the immutable job, compiling the
// requirement expression up front so malformed expressions surface before
// any job runs.
func New(def Definition) (*Job, error) {
	id := strings.TrimSpace(def.ID)
	if id == "" {
		return nil, fmt.Errorf("job: definition has no id")
	}
	plugin := Plugin(strings.TrimSpace(def.Plugin))
	if plugin == "" {
		plugin = PluginAutomated
	}
	if !knownPlugins[plugin] {
		return nil, fmt.Errorf("job %s: unknown plugin %q", id, def.Plugin)
	}
	j := &Job{
		ID:                  id,
		Summary:             strings.TrimSpace(def.Summary),
		Plugin:              plugin,
		Command:             def.Command,
		Depends:             cloneIDs(def.Depends),
		After:               cloneIDs(def.After),
		EstimatedDuration:   def.EstimatedDuration,
		Flags:               NewFlags(def.Flags...),
		CertificationStatus: CertStatusUnspecified,
	}
	if status := strings.TrimSpace(def.CertificationStatus); status != "" {
		j.CertificationStatus = CertificationStatus(status)
	}
	if strings.TrimSpace(def.Requires) != "" {
		expr, err := resource.Parse(def.Requires)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", id, err)
		}
		j.Requires = expr
	}
	return j, nil
}

// Definition returns the structured record equivalent to this job, with
// the requirement expression back in source form. Round-tripping through
// New yields an identical job; checkpoints persist jobs this way.
func (j *Job) Definition() Definition {
	def := Definition{
		ID:                  j.ID,
		Summary:             j.Summary,
		Plugin:              string(j.Plugin),
		Command:             j.Command,
		Depends:             cloneIDs(j.Depends),
		After:               cloneIDs(j.After),
		EstimatedDuration:   j.EstimatedDuration,
		Flags:               j.Flags.List(),
		CertificationStatus: string(j.CertificationStatus),
	}
	if j.Requires != nil {
		def.Requires = j.Requires.Text()
	}
	return def
}

// IsAutomated reports whether the job completes without operator
// verification.
func (j *Job) IsAutomated() bool {
	switch j.Plugin {
	case PluginManual, PluginUserInteractVerify, PluginUserVerify:
		return false
	}
	return true
}

// NeedsVerification reports whether the job's outcome requires an
// explicit operator decision.
func (j *Job) NeedsVerification() bool { return !j.IsAutomated() }

// WithCertificationStatus returns a copy carrying the given status. Jobs
// are immutable, so override application always copies.
func (j *Job) WithCertificationStatus(status CertificationStatus) *Job {
	out := *j
	out.CertificationStatus = status
	return &out
}

func cloneIDs(ids []string) []string {
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
