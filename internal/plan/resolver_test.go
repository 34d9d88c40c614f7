package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certbox/certbox/internal/job"
	"github.com/certbox/certbox/internal/resource"
)

func addJob(t *testing.T, u *Universe, def job.Definition) {
	t.Helper()
	j, err := job.New(def)
	require.NoError(t, err)
	require.NoError(t, u.AddJob(j))
}

func addPlan(t *testing.T, u *Universe, def Definition) {
	t.Helper()
	tp, err := NewTestPlan(def)
	require.NoError(t, err)
	require.NoError(t, u.AddPlan(tp))
}

func jobIDs(jobs []*job.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func TestResolveOrdersDependenciesBeforeDependents(t *testing.T) {
	u := NewUniverse()
	addJob(t, u, job.Definition{ID: "cpu/stress"})
	addJob(t, u, job.Definition{ID: "disk/write", Depends: []string{"disk/detect"}})
	addJob(t, u, job.Definition{ID: "disk/detect"})
	addPlan(t, u, Definition{
		ID:      "storage",
		Include: []IncludeRule{{Pattern: "disk/write"}, {Pattern: "cpu/stress"}},
	})
	r, err := NewResolver(u)
	require.NoError(t, err)

	g, _, err := r.Resolve("storage", resource.Set{})
	require.NoError(t, err)
	got := jobIDs(g.Jobs())
	require.Contains(t, got, "disk/detect", "transitive depends must be pulled in")
	assert.Less(t, indexOf(got, "disk/detect"), indexOf(got, "disk/write"))
}

func TestResolveExcludeAndMandatory(t *testing.T) {
	u := NewUniverse()
	addJob(t, u, job.Definition{ID: "audio/playback"})
	addJob(t, u, job.Definition{ID: "audio/capture"})
	addJob(t, u, job.Definition{ID: "audio/loopback"})
	addPlan(t, u, Definition{
		ID:               "audio",
		Include:          []IncludeRule{{Pattern: "audio/.*"}},
		Exclude:          []string{"audio/capture", "audio/loopback"},
		MandatoryInclude: []IncludeRule{{Pattern: "audio/loopback"}},
	})
	r, err := NewResolver(u)
	require.NoError(t, err)

	g, _, err := r.Resolve("audio", resource.Set{})
	require.NoError(t, err)
	got := jobIDs(g.Jobs())
	assert.Contains(t, got, "audio/playback")
	assert.NotContains(t, got, "audio/capture", "include+exclude must drop the job")
	assert.Contains(t, got, "audio/loopback", "mandatory wins over exclude")
}

func TestResolveNestedPartCycle(t *testing.T) {
	u := NewUniverse()
	addPlan(t, u, Definition{ID: "outer", NestedParts: []string{"inner"}})
	addPlan(t, u, Definition{ID: "inner", NestedParts: []string{"outer"}})
	r, err := NewResolver(u)
	require.NoError(t, err)

	_, _, err = r.Resolve("outer", resource.Set{})
	var circular *CircularTestPlanError
	require.ErrorAs(t, err, &circular)
	assert.Equal(t, []string{"outer", "inner", "outer"}, circular.Chain)
}

func TestResolveNestedPartsMerge(t *testing.T) {
	u := NewUniverse()
	addJob(t, u, job.Definition{ID: "base/setup"})
	addJob(t, u, job.Definition{ID: "extra/check"})
	addPlan(t, u, Definition{ID: "base", Include: []IncludeRule{{Pattern: "base/setup"}}})
	addPlan(t, u, Definition{
		ID:          "full",
		NestedParts: []string{"base"},
		Include:     []IncludeRule{{Pattern: "extra/check"}},
	})
	r, err := NewResolver(u)
	require.NoError(t, err)

	g, _, err := r.Resolve("full", resource.Set{})
	require.NoError(t, err)
	assert.Equal(t, []string{"base/setup", "extra/check"}, jobIDs(g.Jobs()))
}

func TestResolveDependencyCycle(t *testing.T) {
	u := NewUniverse()
	addJob(t, u, job.Definition{ID: "a", Depends: []string{"b"}})
	addJob(t, u, job.Definition{ID: "b", Depends: []string{"a"}})
	addPlan(t, u, Definition{ID: "cyclic", Include: []IncludeRule{{Pattern: "a"}, {Pattern: "b"}}})
	r, err := NewResolver(u)
	require.NoError(t, err)

	_, _, err = r.Resolve("cyclic", resource.Set{})
	var cycle *DependencyCycleError
	require.ErrorAs(t, err, &cycle)
	assert.NotEmpty(t, cycle.Cycle)
}

func TestResolveAfterOrdersWithoutOutcomeRequirement(t *testing.T) {
	u := NewUniverse()
	addJob(t, u, job.Definition{ID: "late", After: []string{"early"}})
	addJob(t, u, job.Definition{ID: "early"})
	addPlan(t, u, Definition{ID: "ordered", Include: []IncludeRule{{Pattern: "late"}, {Pattern: "early"}}})
	r, err := NewResolver(u)
	require.NoError(t, err)

	g, _, err := r.Resolve("ordered", resource.Set{})
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late"}, jobIDs(g.Jobs()))
}

func TestResolveCertificationStatusOverrides(t *testing.T) {
	u := NewUniverse()
	addJob(t, u, job.Definition{ID: "wifi/connect"})
	addJob(t, u, job.Definition{ID: "wifi/scan"})
	addPlan(t, u, Definition{
		ID:        "wifi",
		Include:   []IncludeRule{{Pattern: "wifi/.*", CertificationStatus: "non-blocker"}},
		Overrides: []Override{{Pattern: "wifi/connect", CertificationStatus: "blocker"}},
	})
	r, err := NewResolver(u)
	require.NoError(t, err)

	g, _, err := r.Resolve("wifi", resource.Set{})
	require.NoError(t, err)
	connect, ok := g.Job("wifi/connect")
	require.True(t, ok)
	assert.Equal(t, job.CertStatusBlocker, connect.CertificationStatus)
	scan, ok := g.Job("wifi/scan")
	require.True(t, ok)
	assert.Equal(t, job.CertStatusNonBlocker, scan.CertificationStatus)
}

func TestResolveExpandsTemplateEagerly(t *testing.T) {
	u := NewUniverse()
	tmpl, err := job.NewTemplate(job.TemplateDefinition{
		TemplateResource: "block_device",
		TemplateFilter:   "block_device.rotational == '0'",
		Job: job.Definition{
			ID:      "disk-read-{name}",
			Command: "disk_read_test {name}",
		},
	})
	require.NoError(t, err)
	require.NoError(t, u.AddTemplate(tmpl))
	addPlan(t, u, Definition{ID: "disks", Include: []IncludeRule{{Pattern: "disk-read-.*"}}})
	r, err := NewResolver(u)
	require.NoError(t, err)

	resources := resource.Set{}
	resources.Add("block_device",
		resource.Record{"name": "sda", "rotational": "1"},
		resource.Record{"name": "sdb", "rotational": "0"},
		resource.Record{"name": "nvme0n1", "rotational": "0"},
	)
	g, warnings, err := r.Resolve("disks", resources)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, []string{"disk-read-sdb", "disk-read-nvme0n1"}, jobIDs(g.Jobs()))
	assert.False(t, g.HasDeferred())
}

func TestResolveDefersTemplateUntilMaterialize(t *testing.T) {
	u := NewUniverse()
	addJob(t, u, job.Definition{ID: "block_device_resource", Plugin: "resource", Command: "block_device_resource"})
	tmpl, err := job.NewTemplate(job.TemplateDefinition{
		TemplateResource: "block_device",
		Job: job.Definition{
			ID:      "disk-read-{name}",
			Command: "disk_read_test {name}",
		},
	})
	require.NoError(t, err)
	require.NoError(t, u.AddTemplate(tmpl))
	addPlan(t, u, Definition{
		ID:               "disks",
		BootstrapInclude: []string{"block_device_resource"},
		Include:          []IncludeRule{{Pattern: "disk-read-.*"}},
		Exclude:          []string{"disk-read-sr0"},
	})
	r, err := NewResolver(u)
	require.NoError(t, err)

	g, _, err := r.Resolve("disks", resource.Set{})
	require.NoError(t, err)
	assert.Equal(t, []string{"disk-read-{name}"}, g.Deferred())
	assert.Empty(t, g.Jobs())
	assert.Equal(t, []string{"block_device_resource"}, jobIDs(g.Bootstrap()))

	// Bootstrap produced records; the deferred template now expands, and
	// exclusion applies to the expanded ids too.
	resources := resource.Set{}
	resources.Add("block_device",
		resource.Record{"name": "sda"},
		resource.Record{"name": "sr0"},
	)
	warnings, err := g.Materialize(resources)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.False(t, g.HasDeferred())
	assert.Equal(t, []string{"disk-read-sda"}, jobIDs(g.Jobs()))
}

func TestResolveBootstrapRejectsNonResourceJob(t *testing.T) {
	u := NewUniverse()
	addJob(t, u, job.Definition{ID: "plain/test"})
	addPlan(t, u, Definition{ID: "bad", BootstrapInclude: []string{"plain/test"}})
	r, err := NewResolver(u)
	require.NoError(t, err)

	_, _, err = r.Resolve("bad", resource.Set{})
	require.Error(t, err)
}

func TestResolveUnknownPlan(t *testing.T) {
	r, err := NewResolver(NewUniverse())
	require.NoError(t, err)
	_, _, err = r.Resolve("nope", resource.Set{})
	require.Error(t, err)
}

func indexOf(list []string, want string) int {
	for i, v := range list {
		if v == want {
			return i
		}
	}
	return -1
}

func TestMaterializeRejectsCollidingDeferredTemplates(t *testing.T) {
	// Two deferred templates whose instantiations land on the same id
	// must collide even though neither id is in the graph yet.
	u := NewUniverse()
	tmplA, err := job.NewTemplate(job.TemplateDefinition{
		TemplateResource: "alpha",
		Job: job.Definition{
			ID:      "net-check-{name}",
			Command: "net_test {name}",
		},
	})
	require.NoError(t, err)
	require.NoError(t, u.AddTemplate(tmplA))
	tmplB, err := job.NewTemplate(job.TemplateDefinition{
		TemplateResource: "beta",
		Job: job.Definition{
			ID:      "net-{phase}-eth0",
			Command: "net_test {phase}",
		},
	})
	require.NoError(t, err)
	require.NoError(t, u.AddTemplate(tmplB))
	addPlan(t, u, Definition{ID: "net", Include: []IncludeRule{{Pattern: "net-.*"}}})
	r, err := NewResolver(u)
	require.NoError(t, err)

	g, _, err := r.Resolve("net", resource.Set{})
	require.NoError(t, err)
	require.True(t, g.HasDeferred())

	resources := resource.Set{}
	resources.Add("alpha", resource.Record{"name": "eth0"})
	resources.Add("beta", resource.Record{"phase": "check"})
	_, err = g.Materialize(resources)
	var dup *job.DuplicateJobIDError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "net-check-eth0", dup.ID)
}
