package snapshotpublisher

import (
	"time"

	"github.com/c360studio/deepthink/workflow"
)

// Event types, used as the last subject token.
const (
	EventState     = "state"
	EventCompleted = "completed"
	EventStopped   = "stopped"
)

// SnapshotEvent is the message published for every observed state.
type SnapshotEvent struct {
	// Type is EventState, EventCompleted or EventStopped.
	Type string `json:"type"`

	// Timestamp is when the publisher observed the state.
	Timestamp time.Time `json:"timestamp"`

	// DurationMS is the run's elapsed time so far.
	DurationMS int64 `json:"duration_ms"`

	// State is the run snapshot.
	State workflow.RunState `json:"state"`
}

// terminalEvent returns the terminal event type for st, or "" for a live run.
func terminalEvent(st workflow.RunState) string {
	switch {
	case st.Phase == workflow.PhaseCompleted:
		return EventCompleted
	case st.Phase == workflow.PhaseIdle && !st.EndedAt.IsZero():
		return EventStopped
	default:
		return ""
	}
}

// stripThoughts returns a copy of st without reasoning text. Subscribers may
// share one snapshot's expert slice, so it must not be edited in place.
func stripThoughts(st workflow.RunState) workflow.RunState {
	st = st.Clone()
	st.SynthesisThoughts = ""
	for i := range st.Experts {
		st.Experts[i].Thoughts = ""
	}
	return st
}
