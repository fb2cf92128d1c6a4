// Package importer loads run exports from disk into the snapshot
// cache.
package importer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/wesm/qaview/internal/run"
)

// ErrUnsupportedSchema is returned for exports whose schema
// version has a major other than v1.
var ErrUnsupportedSchema = errors.New("unsupported export schema")

// SchemaMajor is the export schema major version this build reads.
const SchemaMajor = "v1"

// Format is an export file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf returns the export format for path based on its
// extension.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	}
	return "", false
}

// Export is one run snapshot as written by the QA harness.
type Export struct {
	SchemaVersion string     `json:"schemaVersion"`
	Run           run.Run    `json:"run"`
	Items         []run.Item `json:"items"`
}

// CheckSchemaVersion accepts an empty version or any semver
// version whose major is v1. A missing "v" prefix is tolerated.
func CheckSchemaVersion(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: invalid version %q", ErrUnsupportedSchema, v)
	}
	if major := semver.Major(v); major != SchemaMajor {
		return fmt.Errorf("%w: major %s, want %s", ErrUnsupportedSchema, major, SchemaMajor)
	}
	return nil
}

// Parse decodes an export document. YAML is decoded generically
// and re-encoded as JSON so both formats share the JSON field
// names and raw metric payload handling.
func Parse(data []byte, format Format) (Export, error) {
	if format == FormatYAML {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Export{}, fmt.Errorf("decoding yaml: %w", err)
		}
		var err error
		if data, err = json.Marshal(doc); err != nil {
			return Export{}, fmt.Errorf("converting yaml: %w", err)
		}
	}

	var exp Export
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&exp); err != nil {
		return Export{}, fmt.Errorf("decoding export: %w", err)
	}
	if err := CheckSchemaVersion(exp.SchemaVersion); err != nil {
		return Export{}, err
	}
	return exp, nil
}

// ParseFile reads and decodes the export at path and fills in
// missing identifiers.
func ParseFile(path string) (Export, error) {
	format, ok := FormatOf(path)
	if !ok {
		return Export{}, fmt.Errorf("%s: not an export file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Export{}, err
	}
	exp, err := Parse(data, format)
	if err != nil {
		return Export{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	exp.Normalize(abs)
	return exp, nil
}

// RunID derives a stable run id from an export's absolute path.
func RunID(absPath string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+absPath)).String()
}

// ItemID derives a stable item id from its run and ordinal.
func ItemID(runID string, ordinal int) string {
	return uuid.NewSHA1(
		uuid.NameSpaceOID, []byte(runID+"/"+strconv.Itoa(ordinal)),
	).String()
}

// Normalize fills identifiers and counters the harness may omit:
// the run id, item ordinals and ids, and the run's total.
func (e *Export) Normalize(absPath string) {
	if strings.TrimSpace(e.Run.ID) == "" {
		e.Run.ID = RunID(absPath)
	}
	for i := range e.Items {
		it := &e.Items[i]
		if it.Ordinal == 0 {
			it.Ordinal = i + 1
		}
		if strings.TrimSpace(it.ID) == "" {
			it.ID = ItemID(e.Run.ID, it.Ordinal)
		}
	}
	if e.Run.TotalItems == 0 {
		e.Run.TotalItems = len(e.Items)
	}
}
