// Package provider loads unit definitions from disk and hands the engine
// already-parsed structured records. Providers are directories of YAML
// files; each file holds a list of units discriminated by a "unit" field.
package provider

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/certbox/certbox/internal/job"
	"github.com/certbox/certbox/internal/plan"
)

// Unit kinds accepted in provider files.
const (
	UnitJob      = "job"
	UnitTemplate = "template"
	UnitTestPlan = "test plan"
)

// envelope peeks at the discriminator before the full decode.
type envelope struct {
	Unit string `yaml:"unit"`
}

// ParseUnits decodes one provider file's worth of units into the
// universe. Definition-time errors carry the unit index so a bad entry in
// a long file is findable.
func ParseUnits(data []byte, u *plan.Universe) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var nodes []yaml.Node
	if err := yaml.Unmarshal(data, &nodes); err != nil {
		return fmt.Errorf("provider: decode units: %w", err)
	}
	for i, node := range nodes {
		var head envelope
		if err := node.Decode(&head); err != nil {
			return fmt.Errorf("provider: unit %d: %w", i, err)
		}
		kind := strings.TrimSpace(head.Unit)
		if kind == "" {
			kind = UnitJob
		}
		if err := addUnit(kind, &node, u); err != nil {
			return fmt.Errorf("provider: unit %d: %w", i, err)
		}
	}
	return nil
}

func addUnit(kind string, node *yaml.Node, u *plan.Universe) error {
	switch kind {
	case UnitJob:
		var def job.Definition
		if err := node.Decode(&def); err != nil {
			return err
		}
		j, err := job.New(def)
		if err != nil {
			return err
		}
		return u.AddJob(j)
	case UnitTemplate:
		var def job.TemplateDefinition
		if err := node.Decode(&def); err != nil {
			return err
		}
		tmpl, err := job.NewTemplate(def)
		if err != nil {
			return err
		}
		return u.AddTemplate(tmpl)
	case UnitTestPlan:
		var def plan.Definition
		if err := node.Decode(&def); err != nil {
			return err
		}
		tp, err := plan.NewTestPlan(def)
		if err != nil {
			return err
		}
		return u.AddPlan(tp)
	default:
		return fmt.Errorf("unknown unit kind %q", kind)
	}
}

// LoadFile decodes one provider file into the universe.
func LoadFile(path string, u *plan.Universe) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("provider: read %s: %w", path, err)
	}
	if err := ParseUnits(data, u); err != nil {
		return fmt.Errorf("provider: %s: %w", path, err)
	}
	return nil
}

// LoadDir walks a provider directory and loads every .yaml/.yml file in
// lexical order, so unit declaration order is stable across runs.
func LoadDir(dir string, u *plan.Universe) error {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("provider: walk %s: %w", dir, err)
	}
	sort.Strings(files)
	for _, path := range files {
		if err := LoadFile(path, u); err != nil {
			return err
		}
	}
	return nil
}

// LoadUniverse builds a fresh universe from the given provider paths.
// Each path may be a directory or a single unit file.
func LoadUniverse(paths ...string) (*plan.Universe, error) {
	u := plan.NewUniverse()
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("provider: stat %s: %w", path, err)
		}
		if info.IsDir() {
			err = LoadDir(path, u)
		} else {
			err = LoadFile(path, u)
		}
		if err != nil {
			return nil, err
		}
	}
	return u, nil
}
