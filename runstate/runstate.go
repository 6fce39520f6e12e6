// Package runstate implements conversa.lock, a small YAML file written
// next to the dataset that records the state of the latest pipeline run.
// An interrupted run leaves the file with finished_at unset, which makes
// the interruption visible to operators and to the resume command.
package runstate

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// LockFileName is the default lock file name.
const LockFileName = "conversa.lock"

// Version is the lock file format version.
const Version = 1

// FieldProgress tracks one field pass of a run.
type FieldProgress struct {
	Done  int `yaml:"done"`
	Total int `yaml:"total"`
}

// RunState is the conversa.lock file structure.
type RunState struct {
	Version    int                      `yaml:"version"`
	Model      string                   `yaml:"model,omitempty"`
	StartedAt  string                   `yaml:"started_at,omitempty"`
	FinishedAt string                   `yaml:"finished_at,omitempty"`
	Resumed    bool                     `yaml:"resumed,omitempty"`
	Translated int                      `yaml:"translated"`
	Degraded   int                      `yaml:"degraded"`
	Cached     int                      `yaml:"cached"`
	Fields     map[string]FieldProgress `yaml:"fields,omitempty"`

	mu   sync.Mutex `yaml:"-"`
	path string     `yaml:"-"`
}

// Load reads the lock file from dir, returning a fresh state if none exists.
func Load(dir string) (*RunState, error) {
	path := filepath.Join(dir, LockFileName)
	rs := &RunState{
		Version: Version,
		Fields:  make(map[string]FieldProgress),
		path:    path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rs, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, rs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	rs.path = path
	if rs.Fields == nil {
		rs.Fields = make(map[string]FieldProgress)
	}
	return rs, nil
}

// Begin marks the start of a new run, clearing any previous progress.
func (rs *RunState) Begin(model string, resumed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.Version = Version
	rs.Model = model
	rs.StartedAt = time.Now().Format(time.RFC3339)
	rs.FinishedAt = ""
	rs.Resumed = resumed
	rs.Translated = 0
	rs.Degraded = 0
	rs.Cached = 0
	rs.Fields = make(map[string]FieldProgress)
}

// Progress records field-pass progress.
func (rs *RunState) Progress(field string, done, total int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.Fields[field] = FieldProgress{Done: done, Total: total}
}

// Finish records the run totals and the completion timestamp.
func (rs *RunState) Finish(translated, degraded, cached int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.Translated = translated
	rs.Degraded = degraded
	rs.Cached = cached
	rs.FinishedAt = time.Now().Format(time.RFC3339)
}

// Interrupted reports whether the previous run never finished.
func (rs *RunState) Interrupted() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.StartedAt != "" && rs.FinishedAt == ""
}

// Save writes the lock file to disk.
func (rs *RunState) Save() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.path == "" {
		return fmt.Errorf("lock file path not set")
	}

	data, err := yaml.Marshal(rs)
	if err != nil {
		return fmt.Errorf("marshaling lock file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(rs.path), 0755); err != nil {
		return fmt.Errorf("creating lock file directory: %w", err)
	}
	if err := os.WriteFile(rs.path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", rs.path, err)
	}
	return nil
}

// Path returns the lock file path.
func (rs *RunState) Path() string {
	return rs.path
}
