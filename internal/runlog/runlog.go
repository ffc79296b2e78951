// Package runlog writes the per-run execution log: one JSON object per line,
// append-only. Every sandbox command and every file-bridge call lands here,
// success or failure, so a run can be replayed from its log alone.
package runlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind identifies the executor that produced a record.
type Kind string

const (
	KindCommand Kind = "command" // sandboxed shell execution
	KindMCP     Kind = "mcp"     // file-bridge (MCP) tool call
)

// Record is one log line. Command records carry Command and ExitCode;
// MCP records carry ToolName and Status.
type Record struct {
	Timestamp  time.Time `json:"timestamp"`
	Kind       Kind      `json:"kind"`
	Command    string    `json:"command,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Status     string    `json:"status,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Truncated  bool      `json:"truncated"`
	EnvKeys    []string  `json:"env_keys,omitempty"`
}

// Sink serializes concurrent appends to a single writer.
// Records are written whole lines under one lock so concurrent tool
// executions never interleave.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
	f  *os.File // non-nil when the sink owns the file
}

// Open creates a Sink appending to the file at path.
// The file is created if missing and never truncated.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening run log %s: %w", path, err)
	}
	return &Sink{w: f, f: f}, nil
}

// New creates a Sink writing to w. Used by tests and in-memory capture.
func New(w io.Writer) *Sink {
	return &Sink{w: w}
}

// Append writes one record as a single JSON line.
func (s *Sink) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling run log record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("appending run log record: %w", err)
	}
	return nil
}

// Close closes the underlying file if the sink owns one.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// IntPtr is a convenience for populating Record.ExitCode.
func IntPtr(v int) *int { return &v }

// secretSuffixes flags environment variable names whose values must never
// appear in logs. Matching is case-insensitive on the suffix.
var secretSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// SanitizeEnvKeys returns the sorted key names of env, values omitted.
// Keys matching a secret suffix are tagged so log readers can see that a
// secret was present without learning its name's context.
func SanitizeEnvKeys(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		if isSecretKey(k) {
			keys = append(keys, k+" (secret)")
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isSecretKey(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}
