package provider

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/certbox/certbox/internal/resource"
)

// RecordParser parses resource command output: records are "key: value"
// blocks separated by blank lines. Lines starting with whitespace continue
// the previous value; lines without a colon are ignored.
type RecordParser struct{}

// ParseRecords implements session.ResourceParser.
func (RecordParser) ParseRecords(output []byte) []resource.Record {
	var records []resource.Record
	current := resource.Record{}
	lastKey := ""
	flush := func() {
		if len(current) > 0 {
			records = append(records, current)
			current = resource.Record{}
		}
		lastKey = ""
	}

	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if lastKey != "" {
				current[lastKey] += "\n" + strings.TrimSpace(line)
			}
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		current[key] = strings.TrimSpace(value)
		lastKey = key
	}
	flush()
	return records
}
