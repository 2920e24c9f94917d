// ============================================================================
// Event Journal
// ============================================================================
//
// Package: journal
// Function: append-only JSON lines log of run progress events
//
// Responsibilities:
//   1. Append progress events with a sequence number and CRC32 checksum
//   2. Buffer writes and flush on size, interval or run completion
//   3. Replay a journal file with checksum verification
//   4. Rotate the file between runs
//
// A reopened journal continues the sequence of the last intact record on
// disk; a torn or corrupt tail left by a crash is truncated on open.
//
// ============================================================================

package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/track-orchestrator/internal/progress"
)

// Options tune buffering.
type Options struct {
	SyncOnFlush   bool          // fsync after every flush
	BufferSize    int           // flush once this many records are pending
	FlushInterval time.Duration // flush when the oldest pending record is this old
	Logger        *slog.Logger
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{
		SyncOnFlush:   true,
		BufferSize:    256,
		FlushInterval: time.Second,
	}
}

// Journal is safe for concurrent use.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64
	opts    Options
	logger  *slog.Logger
	closed  bool

	buffer        []Record
	lastFlushTime time.Time
}

// Open creates or appends to the journal at path.
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	seq, err := recoverTail(path, logger)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		logger:        logger,
		buffer:        make([]Record, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append assigns the next sequence number and checksum to rec and buffers it.
// force flushes immediately.
func (j *Journal) Append(rec Record, force bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.seq++
	rec.Seq = j.seq
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	rec.Checksum = Checksum(rec)
	j.buffer = append(j.buffer, rec)

	if force || len(j.buffer) >= j.opts.BufferSize ||
		(j.opts.FlushInterval > 0 && time.Since(j.lastFlushTime) > j.opts.FlushInterval) {
		return j.flushLocked()
	}
	return nil
}

// HandleEvent is a progress.Listener. The end of a run forces a flush.
func (j *Journal) HandleEvent(e progress.Event) {
	force := e.Type == progress.EventJobCompleted || e.Type == progress.EventError
	if err := j.Append(FromEvent(e), force); err != nil {
		j.logger.Warn("Failed to journal event", "type", e.Type, "error", err)
	}
}

// Flush writes every pending record.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Rotate moves the current file aside with a timestamp suffix and starts an
// empty journal. It returns the backup path.
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", fmt.Errorf("close journal: %w", err)
	}

	backupPath := j.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backupPath); err != nil {
		return "", fmt.Errorf("rotate journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		j.closed = true
		return "", fmt.Errorf("reopen journal: %w", err)
	}

	j.file = file
	j.encoder = json.NewEncoder(file)
	j.seq = 0
	j.lastFlushTime = time.Now()
	return backupPath, nil
}

// Close flushes and closes the file. A closed journal cannot be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	flushErr := j.flushLocked()
	if err := j.file.Close(); err != nil && flushErr == nil {
		flushErr = fmt.Errorf("close journal: %w", err)
	}
	return flushErr
}

// LastSeq returns the sequence number of the last appended record.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// flushLocked assumes j.mu is held. Records written before a failure leave
// the buffer so a later flush does not repeat them.
func (j *Journal) flushLocked() error {
	for i, rec := range j.buffer {
		if err := j.encoder.Encode(rec); err != nil {
			j.buffer = j.buffer[:copy(j.buffer, j.buffer[i:])]
			return fmt.Errorf("write journal record %d: %w", rec.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if j.opts.SyncOnFlush {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("sync journal: %w", err)
		}
	}
	return nil
}

// recoverTail returns the sequence number of the last intact record at path.
// A torn or corrupt record and everything after it is truncated away.
func recoverTail(path string, logger *slog.Logger) (uint64, error) {
	var seq uint64
	good, err := scan(path, func(rec Record) error {
		seq = rec.Seq
		return nil
	})
	switch {
	case err == nil:
		return seq, nil
	case errors.Is(err, os.ErrNotExist):
		return 0, nil
	case errors.Is(err, ErrCorrupted), errors.Is(err, ErrChecksumMismatch):
	default:
		return 0, fmt.Errorf("scan journal %s: %w", path, err)
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		return 0, fmt.Errorf("stat journal: %w", statErr)
	}
	if err := os.Truncate(path, good); err != nil {
		return 0, fmt.Errorf("truncate journal: %w", err)
	}
	logger.Warn("Truncated corrupt journal tail",
		"path", path,
		"last_seq", seq,
		"dropped_bytes", info.Size()-good,
		"error", err)
	return seq, nil
}

// Replay reads every record of the file at path in order, verifies it and
// hands it to handler. It stops at the first corrupt record.
func Replay(path string, handler Handler) error {
	_, err := scan(path, handler)
	return err
}

// scan replays path and returns the byte offset just past the last intact
// record that ends in a newline.
func scan(path string, handler Handler) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	line := 0
	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			if readErr == io.EOF {
				// A final record without its newline was cut off mid-write.
				return offset, &CorruptionError{Line: line, Cause: io.ErrUnexpectedEOF}
			}
			if body := bytes.TrimSpace(raw); len(body) > 0 {
				var rec Record
				if err := json.Unmarshal(body, &rec); err != nil {
					return offset, &CorruptionError{Line: line, Cause: err}
				}
				if err := Verify(rec); err != nil {
					return offset, err
				}
				if err := handler(rec); err != nil {
					return offset, err
				}
			}
			offset += int64(len(raw))
		}
		if readErr == io.EOF {
			return offset, nil
		}
		if readErr != nil {
			return offset, &CorruptionError{Line: line + 1, Cause: readErr}
		}
	}
}
