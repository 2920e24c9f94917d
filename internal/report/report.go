// ============================================================================
// Report Writer - persisted aggregate results
// ============================================================================
//
// Package: internal/report
// File: report.go
// Function: writes the aggregate result of a run to disk and loads it back
//
// Atomic write:
//   1. marshal into a Document (schema version + generation time)
//   2. write <path>.tmp
//   3. os.Rename onto <path>
//   A crash never leaves a half written report behind.
//
// Format is chosen from the file extension: .yaml/.yml use YAML, anything
// else JSON.
//
// ============================================================================

package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/track-orchestrator/pkg/types"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the current document version.
const SchemaVersion = 1

var (
	// ErrNoReport is returned by Load when nothing was written yet.
	ErrNoReport = errors.New("report: not found")
	// ErrCorruptedReport is returned when the file cannot be decoded.
	ErrCorruptedReport = errors.New("report: corrupted")
	// ErrIncompatibleVersion is returned for an unknown schema version.
	ErrIncompatibleVersion = errors.New("report: incompatible schema version")
	// ErrNilResult is returned by Write without a result.
	ErrNilResult = errors.New("report: nil result")
)

// Format is the encoding of a report file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Document is the on-disk envelope of a report.
type Document struct {
	SchemaVer   int                    `json:"schema_ver" yaml:"schema_ver"`
	GeneratedAt time.Time              `json:"generated_at" yaml:"generated_at"`
	Result      *types.AggregateResult `json:"result" yaml:"result"`
}

// Writer writes and loads the report at one path.
type Writer struct {
	mu     sync.Mutex
	path   string
	format Format
}

// NewWriter creates a Writer for path.
func NewWriter(path string) *Writer {
	return &Writer{path: path, format: FormatFor(path)}
}

// FormatFor picks the format from the file extension.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Path returns the report path.
func (w *Writer) Path() string {
	return w.path
}

// Write atomically replaces the report with result.
func (w *Writer) Write(result *types.AggregateResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(result)
}

func (w *Writer) writeLocked(result *types.AggregateResult) error {
	if result == nil {
		return ErrNilResult
	}

	doc := Document{SchemaVer: SchemaVersion, GeneratedAt: time.Now().UTC(), Result: result}
	data, err := w.marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

func (w *Writer) marshal(doc Document) ([]byte, error) {
	if w.format == FormatYAML {
		return yaml.Marshal(doc)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Load reads the report back.
func (w *Writer) Load() (*Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoReport, w.path)
		}
		return nil, fmt.Errorf("failed to read report: %w", err)
	}

	var doc Document
	if w.format == FormatYAML {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if doc.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVer, SchemaVersion)
	}
	if doc.Result == nil {
		return nil, fmt.Errorf("%w: missing result", ErrCorruptedReport)
	}
	return &doc, nil
}

// Exists reports whether a report file is present.
func (w *Writer) Exists() bool {
	_, err := os.Stat(w.path)
	return err == nil
}

// WriteWithBackup moves the current report aside before writing and keeps
// at most keepBackups old copies.
func (w *Writer) WriteWithBackup(result *types.AggregateResult, keepBackups int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := os.Stat(w.path); err == nil {
		backupPath := fmt.Sprintf("%s.%s", w.path, time.Now().Format("20060102_150405.000000000"))
		if err := os.Rename(w.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old report: %w", err)
		}
	}

	if err := w.writeLocked(result); err != nil {
		return err
	}
	return w.pruneBackups(keepBackups)
}

// Backups lists existing backups, oldest first.
func (w *Writer) Backups() ([]string, error) {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil, err
	}
	backups := matches[:0]
	for _, m := range matches {
		if !strings.HasSuffix(m, ".tmp") {
			backups = append(backups, m)
		}
	}
	sort.Strings(backups)
	return backups, nil
}

func (w *Writer) pruneBackups(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := w.Backups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to remove old backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
