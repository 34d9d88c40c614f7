package provider

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/certbox/certbox/internal/plan"
	"github.com/certbox/certbox/internal/resource"
)

const sampleUnits = `
- unit: job
  id: disk/detect
  plugin: resource
  command: disk_probe

- unit: template
  template-resource: disk/detect
  template-filter: disk.rotational == "false"
  id: disk/smart_{name}
  plugin: automated
  command: smartctl -a {path}

- id: misc/implicit-job
  plugin: automated
  command: "true"

- unit: test plan
  id: cert/disk
  bootstrap-include:
    - disk/detect
  include:
    - pattern: disk/.*
`

func TestParseUnitsLoadsAllKinds(t *testing.T) {
	u := plan.NewUniverse()
	if err := ParseUnits([]byte(sampleUnits), u); err != nil {
		t.Fatalf("ParseUnits: %v", err)
	}
	if _, ok := u.Job("disk/detect"); !ok {
		t.Fatalf("job disk/detect not loaded")
	}
	if _, ok := u.Job("misc/implicit-job"); !ok {
		t.Fatalf("unit without a kind should default to job")
	}
	tmpl, ok := u.Template("disk/smart_{name}")
	if !ok {
		t.Fatalf("template not loaded; have %v", u.TemplateIDs())
	}
	if tmpl.Resource != "disk/detect" {
		t.Fatalf("template resource = %q", tmpl.Resource)
	}
	tp, ok := u.Plan("cert/disk")
	if !ok {
		t.Fatalf("test plan not loaded")
	}
	if len(tp.BootstrapInclude) != 1 || tp.BootstrapInclude[0] != "disk/detect" {
		t.Fatalf("bootstrap include = %v", tp.BootstrapInclude)
	}
}

func TestParseUnitsReportsUnitIndex(t *testing.T) {
	bad := `
- id: ok/one
  plugin: automated
- id: ""
  plugin: automated
`
	err := ParseUnits([]byte(bad), plan.NewUniverse())
	if err == nil {
		t.Fatalf("expected error for unit with empty id")
	}
	if !strings.Contains(err.Error(), "unit 1") {
		t.Fatalf("error should name the failing unit index: %v", err)
	}
}

func TestParseUnitsRejectsUnknownKind(t *testing.T) {
	err := ParseUnits([]byte("- unit: gadget\n  id: x\n"), plan.NewUniverse())
	if err == nil || !strings.Contains(err.Error(), "unknown unit kind") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadDirLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	// 20-base.yaml depends on declaration order: the plan references jobs
	// declared in 10-jobs.yaml.
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("20-plans.yaml", "- unit: test plan\n  id: cert/all\n  include:\n    - pattern: .*\n")
	write("10-jobs.yaml", "- id: a/one\n  plugin: automated\n- id: a/two\n  plugin: automated\n")
	write("notes.txt", "not a unit file")

	u, err := LoadUniverse(dir)
	if err != nil {
		t.Fatalf("LoadUniverse: %v", err)
	}
	if got := u.JobIDs(); !reflect.DeepEqual(got, []string{"a/one", "a/two"}) {
		t.Fatalf("job ids = %v", got)
	}
	if _, ok := u.Plan("cert/all"); !ok {
		t.Fatalf("plan not loaded")
	}
}

func TestParseRecords(t *testing.T) {
	output := []byte(`device: eth0
driver: e1000e
category: NETWORK

device: wlan0
driver: iwlwifi
notes: dual band
  with continuation
`)
	got := RecordParser{}.ParseRecords(output)
	want := []resource.Record{
		{"device": "eth0", "driver": "e1000e", "category": "NETWORK"},
		{"device": "wlan0", "driver": "iwlwifi", "notes": "dual band\nwith continuation"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("records = %#v", got)
	}
}

func TestParseRecordsSkipsMalformedLines(t *testing.T) {
	got := RecordParser{}.ParseRecords([]byte("garbage line\nkey: value\n"))
	if len(got) != 1 || got[0]["key"] != "value" {
		t.Fatalf("records = %#v", got)
	}
}

func TestParseRecordsEmptyOutput(t *testing.T) {
	if got := (RecordParser{}).ParseRecords(nil); got != nil {
		t.Fatalf("expected no records, got %#v", got)
	}
}
