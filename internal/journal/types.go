package journal

// ============================================================================
// Journal Type Definitions
// Responsibility: record layout and handler types of the event journal
// ============================================================================

import (
	"github.com/ChuLiYu/track-orchestrator/internal/progress"
	"github.com/ChuLiYu/track-orchestrator/pkg/types"
)

// Record is one journaled progress event.
type Record struct {
	Seq       uint64             `json:"seq"`    // monotonically increasing per file
	Type      progress.EventType `json:"type"`   // progress event type
	JobID     string             `json:"job_id"` // run identifier
	UnitID    types.JobID        `json:"unit_id,omitempty"`
	ItemID    string             `json:"item_id,omitempty"`
	Outcome   string             `json:"outcome,omitempty"` // item outcome or final run state
	Attempt   int                `json:"attempt,omitempty"`
	Message   string             `json:"message,omitempty"`
	Timestamp int64              `json:"timestamp"` // Unix milliseconds
	Checksum  uint32             `json:"checksum"`  // CRC32 of the fields above
}

// Handler consumes records during Replay. A non-nil error stops the replay.
type Handler func(rec Record) error

// FromEvent flattens a progress event into a record. Seq and Checksum are
// assigned by the journal.
func FromEvent(e progress.Event) Record {
	rec := Record{
		Type:      e.Type,
		JobID:     e.JobID,
		UnitID:    e.UnitID,
		ItemID:    e.ItemID,
		Attempt:   e.Attempt,
		Message:   e.Message,
		Timestamp: e.Time.UnixMilli(),
	}
	switch {
	case e.Item != nil:
		rec.Outcome = string(e.Item.Outcome)
		rec.Attempt = e.Item.Attempts
	case e.Result != nil:
		rec.Outcome = string(e.Result.State)
	}
	if rec.Message == "" && e.Err != nil {
		rec.Message = e.Err.Error()
	}
	return rec
}
