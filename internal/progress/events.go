// Package progress carries run progress from the coordinator and unit
// processors to observers (CLI output, metrics, health reporting, tests).
//
// Every notification is an Event, a tagged union discriminated by Type.
// Observers either subscribe a generic Listener that receives every event,
// or fill in the named hooks of Callbacks, which is only an adapter that
// turns into a Listener.
package progress

import (
	"time"

	"github.com/ChuLiYu/track-orchestrator/pkg/types"
)

// EventType discriminates Event. Convention: "category.action".
type EventType string

const (
	EventJobStarted    EventType = "job.started"
	EventJobCompleted  EventType = "job.completed"
	EventUnitStarted   EventType = "unit.started"
	EventUnitCompleted EventType = "unit.completed"
	EventItemStarted   EventType = "item.started"
	EventItemCompleted EventType = "item.completed"
	EventItemRetry     EventType = "item.retry"
	EventCircuitBroken EventType = "unit.circuit_broken"
	EventWarning       EventType = "warning"
	EventError         EventType = "error"
)

// Event is one progress notification. Only the fields relevant to Type are set.
type Event struct {
	Type  EventType
	Time  time.Time
	JobID string

	UnitID types.JobID
	ItemID string

	// job.started
	UnitsTotal int
	ItemsTotal int

	// unit.started
	UnitItems int

	// item.retry
	Attempt int
	Delay   time.Duration

	Item   *types.ItemResult      // item.completed
	Unit   *types.UnitResult      // unit.completed
	Result *types.AggregateResult // job.completed

	Message string // warning, error, unit.circuit_broken
	Err     error  // error, item.retry
}

func newEvent(t EventType, jobID string) Event {
	return Event{Type: t, Time: time.Now(), JobID: jobID}
}

// JobStarted announces a run.
func JobStarted(jobID string, units, items int) Event {
	e := newEvent(EventJobStarted, jobID)
	e.UnitsTotal = units
	e.ItemsTotal = items
	return e
}

// JobCompleted carries the final aggregate result.
func JobCompleted(jobID string, result *types.AggregateResult) Event {
	e := newEvent(EventJobCompleted, jobID)
	e.Result = result
	return e
}

// UnitStarted announces that a unit processor picked up a job.
func UnitStarted(jobID string, unitID types.JobID, items int) Event {
	e := newEvent(EventUnitStarted, jobID)
	e.UnitID = unitID
	e.UnitItems = items
	return e
}

// UnitCompleted carries the finished unit.
func UnitCompleted(jobID string, unit types.UnitResult) Event {
	e := newEvent(EventUnitCompleted, jobID)
	e.UnitID = unit.UnitID
	e.Unit = &unit
	return e
}

// ItemStarted announces the first attempt of an item.
func ItemStarted(jobID string, unitID types.JobID, itemID string) Event {
	e := newEvent(EventItemStarted, jobID)
	e.UnitID = unitID
	e.ItemID = itemID
	return e
}

// ItemCompleted carries a finished item of any outcome.
func ItemCompleted(jobID string, unitID types.JobID, item types.ItemResult) Event {
	e := newEvent(EventItemCompleted, jobID)
	e.UnitID = unitID
	e.ItemID = item.ItemID
	e.Item = &item
	return e
}

// ItemRetry announces that attempt will start after delay because of err.
func ItemRetry(jobID string, unitID types.JobID, itemID string, attempt int, delay time.Duration, err error) Event {
	e := newEvent(EventItemRetry, jobID)
	e.UnitID = unitID
	e.ItemID = itemID
	e.Attempt = attempt
	e.Delay = delay
	e.Err = err
	return e
}

// CircuitBroken announces that a unit stopped attempting items.
func CircuitBroken(jobID string, unitID types.JobID, reason string) Event {
	e := newEvent(EventCircuitBroken, jobID)
	e.UnitID = unitID
	e.Message = reason
	return e
}

// Warning is a non-fatal notice.
func Warning(jobID string, unitID types.JobID, message string) Event {
	e := newEvent(EventWarning, jobID)
	e.UnitID = unitID
	e.Message = message
	return e
}

// Error reports a failure. unitID is empty for run-level errors.
func Error(jobID string, unitID types.JobID, err error) Event {
	e := newEvent(EventError, jobID)
	e.UnitID = unitID
	e.Err = err
	if err != nil {
		e.Message = err.Error()
	}
	return e
}
