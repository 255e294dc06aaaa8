// Defines pending optimistic updates and agent events.

package syncclient

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Key identifies one cell.
type Key struct {
	RecordID int64
	Field    string
}

// PendingState is the lifecycle of a PendingUpdate.
type PendingState int

// Pending states. An update starts Applied and ends Confirmed or RolledBack.
const (
	Applied PendingState = iota
	Confirmed
	RolledBack
)

func (s PendingState) String() string {
	switch s {
	case Applied:
		return "applied"
	case Confirmed:
		return "confirmed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// PendingUpdate is an optimistic edit awaiting confirmation.
type PendingUpdate struct {
	Key
	RequestID string
	Value     any
	// Previous is the cell value to restore on rollback. HadPrevious is false
	// when the cell did not exist; rollback then removes it.
	Previous    any
	HadPrevious bool
	Timestamp   time.Time
	Deadline    time.Time
	State       PendingState

	timer *clock.Timer
}

func (p *PendingUpdate) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// EventKind classifies an Event.
type EventKind int

// Event kinds.
const (
	EventConnected EventKind = iota
	EventDisconnected
	EventConfirmed
	EventRolledBack
	EventRemoteUpdate
	EventServerError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventConfirmed:
		return "confirmed"
	case EventRolledBack:
		return "rolled_back"
	case EventRemoteUpdate:
		return "remote_update"
	case EventServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Event is delivered to Options.OnEvent, outside the agent's lock.
type Event struct {
	Kind      EventKind
	RecordID  int64
	Field     string
	Value     any
	RequestID string
	// Reason explains a rollback, a server error or a disconnect.
	Reason string
	// Clients is the server's connection count, for EventConnected.
	Clients int
}
