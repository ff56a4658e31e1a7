package api

import "time"

// EventType identifies a workflow history event.
type EventType string

const (
	EventRunStarted        EventType = "run.started"
	EventActivityScheduled EventType = "activity.scheduled"
	EventActivityCompleted EventType = "activity.completed"
	EventActivityFailed    EventType = "activity.failed"
	EventSignalReceived    EventType = "signal.received"
	EventRunCompleted      EventType = "run.completed"
	EventRunFailed         EventType = "run.failed"
	EventRunTerminated     EventType = "run.terminated"
)

// IsTerminal reports whether an event of this type closes a run.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunTerminated:
		return true
	}
	return false
}

// TerminalStatus returns the run status implied by a terminal event type.
func (t EventType) TerminalStatus() (Status, bool) {
	switch t {
	case EventRunCompleted:
		return StatusCompleted, true
	case EventRunFailed:
		return StatusFailed, true
	case EventRunTerminated:
		return StatusTerminated, true
	}
	return "", false
}

// Event is one append-only entry of a run's history. Seq starts at 1 and
// grows by one per event within a run. Only the fields relevant to Type are
// set; the rest stay zero.
type Event struct {
	Seq  int64     `json:"seq"`
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	// RunStarted
	WorkflowType string  `json:"workflow_type,omitempty"`
	Input        Payload `json:"input,omitzero"`

	// ActivityScheduled / ActivityCompleted / ActivityFailed.
	// ScheduledSeq points completions and failures at the Seq of the
	// ActivityScheduled event they resolve.
	ScheduledSeq int64            `json:"scheduled_seq,omitempty"`
	ActivityName string           `json:"activity,omitempty"`
	Args         Payload          `json:"args,omitzero"`
	Options      *ActivityOptions `json:"options,omitempty"`
	Attempts     int              `json:"attempts,omitempty"`

	// ActivityCompleted / RunCompleted
	Result Payload `json:"result,omitzero"`

	// ActivityFailed / RunFailed
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	ErrorType string    `json:"error_type,omitempty"`
	Message   string    `json:"message,omitempty"`

	// SignalReceived
	SignalName string  `json:"signal,omitempty"`
	Payload    Payload `json:"payload,omitzero"`

	// RunTerminated
	Reason string `json:"reason,omitempty"`
}
