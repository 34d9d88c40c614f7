package job

import (
	"errors"
	"testing"

	"github.com/certbox/certbox/internal/resource"
)

func diskRecords() []resource.Record {
	return []resource.Record{
		{"name": "sda", "rotational": "1"},
		{"name": "sdb", "rotational": "0"},
		{"name": "nvme0n1", "rotational": "0"},
	}
}

func diskTemplate(t *testing.T, filter string) *Template {
	t.Helper()
	tmpl, err := NewTemplate(TemplateDefinition{
		TemplateResource: "block_device",
		TemplateFilter:   filter,
		Job: Definition{
			ID:      "disk-read-{name}",
			Summary: "Sequential read on {name}",
			Plugin:  "automated",
			Command: "disk_read_test {name}",
		},
	})
	if err != nil {
		t.Fatalf("new template: %v", err)
	}
	return tmpl
}

func TestExpandOnePerRecord(t *testing.T) {
	tmpl := diskTemplate(t, "")
	jobs, warnings, err := tmpl.Expand(diskRecords())
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != "disk-read-sda" || jobs[0].Command != "disk_read_test sda" {
		t.Fatalf("unexpected first job: %+v", jobs[0])
	}
	if jobs[0].TemplateID != "disk-read-{name}" {
		t.Fatalf("expected template id recorded, got %q", jobs[0].TemplateID)
	}
}

func TestExpandAppliesFilter(t *testing.T) {
	tmpl := diskTemplate(t, "block_device.rotational == '0'")
	jobs, _, err := tmpl.Expand(diskRecords())
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs after filter, got %d", len(jobs))
	}
	if jobs[0].ID != "disk-read-sdb" || jobs[1].ID != "disk-read-nvme0n1" {
		t.Fatalf("unexpected ids: %s, %s", jobs[0].ID, jobs[1].ID)
	}
}

func TestExpandIsIdempotent(t *testing.T) {
	tmpl := diskTemplate(t, "")
	first, _, err := tmpl.Expand(diskRecords())
	if err != nil {
		t.Fatalf("first expand: %v", err)
	}
	second, _, err := tmpl.Expand(diskRecords())
	if err != nil {
		t.Fatalf("second expand: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("expansion count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Command != second[i].Command {
			t.Fatalf("expansion %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestExpandDuplicateIDIsFatal(t *testing.T) {
	tmpl := diskTemplate(t, "")
	records := []resource.Record{
		{"name": "sda"},
		{"name": "sda"},
	}
	_, _, err := tmpl.Expand(records)
	var dup *DuplicateJobIDError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateJobIDError, got %v", err)
	}
	if dup.ID != "disk-read-sda" {
		t.Fatalf("unexpected colliding id %q", dup.ID)
	}
}

func TestExpandMissingFieldDropsInstance(t *testing.T) {
	tmpl := diskTemplate(t, "")
	records := []resource.Record{
		{"name": "sda"},
		{"rotational": "0"}, // no name field
		{"name": "sdb"},
	}
	jobs, warnings, err := tmpl.Expand(records)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 surviving jobs, got %d", len(jobs))
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warnings))
	}
	var missing *MissingFieldError
	if !errors.As(warnings[0].Err, &missing) || missing.Field != "name" {
		t.Fatalf("unexpected warning: %v", warnings[0].Err)
	}
}

func TestExpandGoEngineMatchesDefaultShape(t *testing.T) {
	def := TemplateDefinition{
		TemplateResource: "block_device",
		TemplateEngine:   "go",
		Job: Definition{
			ID:      "disk-read-{{.name}}",
			Plugin:  "automated",
			Command: "disk_read_test {{.name}}",
		},
	}
	tmpl, err := NewTemplate(def)
	if err != nil {
		t.Fatalf("new template: %v", err)
	}
	jobs, _, err := tmpl.Expand([]resource.Record{{"name": "sda"}})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "disk-read-sda" || jobs[0].Command != "disk_read_test sda" {
		t.Fatalf("unexpected expansion: %+v", jobs)
	}
}

func TestExpandGoEngineMissingFieldDrops(t *testing.T) {
	def := TemplateDefinition{
		TemplateResource: "block_device",
		TemplateEngine:   "go",
		Job: Definition{
			ID:      "disk-read-{{.name}}",
			Plugin:  "automated",
			Command: "true",
		},
	}
	tmpl, err := NewTemplate(def)
	if err != nil {
		t.Fatalf("new template: %v", err)
	}
	jobs, warnings, err := tmpl.Expand([]resource.Record{{"other": "x"}})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(jobs) != 0 || len(warnings) != 1 {
		t.Fatalf("expected dropped instance, got jobs=%d warnings=%d", len(jobs), len(warnings))
	}
}

func TestExpandRendersRequires(t *testing.T) {
	tmpl, err := NewTemplate(TemplateDefinition{
		TemplateResource: "net_if",
		Job: Definition{
			ID:       "ping-{iface}",
			Plugin:   "automated",
			Command:  "ping_test {iface}",
			Requires: "net_if.name == '{iface}'",
		},
	})
	if err != nil {
		t.Fatalf("new template: %v", err)
	}
	jobs, _, err := tmpl.Expand([]resource.Record{{"iface": "eth0"}})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if jobs[0].Requires == nil {
		t.Fatalf("expected rendered requires expression")
	}
	set := resource.Set{}
	set.Add("net_if", resource.Record{"name": "eth0"})
	if got := jobs[0].Requires.EvalAll(set); got != resource.VerdictTrue {
		t.Fatalf("rendered requires should hold, got %s", got)
	}
}
