package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/certbox/certbox/internal/resource"
)

// ManifestResourceID is the resource id under which manifest entries are
// visible to requirement expressions.
const ManifestResourceID = "manifest"

// Manifest is the persistent cache of operator-confirmed hardware facts.
// Values are stored as strings; booleans serialize as "true"/"false" so
// expressions compare them the same way resource fields compare.
type Manifest map[string]string

// LoadManifest reads the manifest file. A missing file is an empty
// manifest, not an error.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Manifest{}, nil
		}
		return nil, fmt.Errorf("session: read manifest: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("session: parse manifest %s: %w", path, err)
	}
	m := make(Manifest, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case bool:
			m[key] = strconv.FormatBool(v)
		case string:
			m[key] = v
		default:
			return nil, fmt.Errorf("session: manifest key %q has unsupported value %v", key, value)
		}
	}
	return m, nil
}

// Save writes the manifest atomically via temp file and rename.
func (m Manifest) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("session: ensure manifest dir: %w", err)
	}
	out := make(map[string]any, len(m))
	for key, value := range m {
		if value == "true" || value == "false" {
			out[key] = value == "true"
		} else {
			out[key] = value
		}
	}
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode manifest: %w", err)
	}
	return writeAtomic(path, append(encoded, '\n'))
}

// Merge overlays other on top of m, returning a new manifest. Used to
// fold operator answers into the pre-seeded file at session end.
func (m Manifest) Merge(other Manifest) Manifest {
	out := make(Manifest, len(m)+len(other))
	for key, value := range m {
		out[key] = value
	}
	for key, value := range other {
		out[key] = value
	}
	return out
}

// Record exposes the manifest as a single resource record so requirement
// expressions can read it under the manifest resource id.
func (m Manifest) Record() resource.Record {
	rec := make(resource.Record, len(m))
	for key, value := range m {
		rec[key] = value
	}
	return rec
}

// writeAtomic persists data with write-temp-then-rename so a crash during
// the write never corrupts the previous good copy.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("session: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: rename into place: %w", err)
	}
	return nil
}
