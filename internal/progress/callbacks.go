package progress

import (
	"time"

	"github.com/ChuLiYu/track-orchestrator/pkg/types"
)

// Callbacks holds optional named hooks. Nil hooks are skipped. Callbacks
// are not a second event source: Listener converts them into a generic
// listener on the same bus.
type Callbacks struct {
	OnJobStart     func(jobID string, units, items int)
	OnJobComplete  func(result *types.AggregateResult)
	OnUnitStart    func(unitID types.JobID, items int)
	OnUnitComplete func(unit types.UnitResult)
	OnItemStart    func(unitID types.JobID, itemID string)
	OnItemComplete func(unitID types.JobID, item types.ItemResult)
	OnItemRetry    func(unitID types.JobID, itemID string, attempt int, delay time.Duration, err error)
	OnError        func(unitID types.JobID, err error)
	OnWarning      func(unitID types.JobID, message string)
}

// Listener adapts the callbacks to a Listener.
func (c Callbacks) Listener() Listener {
	return func(e Event) {
		switch e.Type {
		case EventJobStarted:
			if c.OnJobStart != nil {
				c.OnJobStart(e.JobID, e.UnitsTotal, e.ItemsTotal)
			}
		case EventJobCompleted:
			if c.OnJobComplete != nil {
				c.OnJobComplete(e.Result)
			}
		case EventUnitStarted:
			if c.OnUnitStart != nil {
				c.OnUnitStart(e.UnitID, e.UnitItems)
			}
		case EventUnitCompleted:
			if c.OnUnitComplete != nil && e.Unit != nil {
				c.OnUnitComplete(*e.Unit)
			}
		case EventItemStarted:
			if c.OnItemStart != nil {
				c.OnItemStart(e.UnitID, e.ItemID)
			}
		case EventItemCompleted:
			if c.OnItemComplete != nil && e.Item != nil {
				c.OnItemComplete(e.UnitID, *e.Item)
			}
		case EventItemRetry:
			if c.OnItemRetry != nil {
				c.OnItemRetry(e.UnitID, e.ItemID, e.Attempt, e.Delay, e.Err)
			}
		case EventError:
			if c.OnError != nil {
				c.OnError(e.UnitID, e.Err)
			}
		case EventWarning, EventCircuitBroken:
			if c.OnWarning != nil {
				c.OnWarning(e.UnitID, e.Message)
			}
		}
	}
}
