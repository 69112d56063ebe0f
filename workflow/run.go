// Package workflow holds the data model of a deep-think run and the state
// store that orchestration writes into and observers read from.
package workflow

import (
	"time"

	"github.com/c360studio/deepthink/llm"
)

// Phase is the orchestrator's position in the run state machine.
type Phase string

const (
	// PhaseIdle means no run is in progress, or the last one was cancelled.
	PhaseIdle Phase = "idle"
	// PhaseAnalyzing means the planning call is in flight.
	PhaseAnalyzing Phase = "analyzing"
	// PhaseExpertsWorking means a round of expert tasks is streaming.
	PhaseExpertsWorking Phase = "experts_working"
	// PhaseReviewing means the review call is in flight.
	PhaseReviewing Phase = "reviewing"
	// PhaseSynthesizing means the final answer is streaming.
	PhaseSynthesizing Phase = "synthesizing"
	// PhaseCompleted means the run finished and FinalOutput is final.
	PhaseCompleted Phase = "completed"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// IsValid returns true if the phase is a known phase.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseIdle, PhaseAnalyzing, PhaseExpertsWorking, PhaseReviewing,
		PhaseSynthesizing, PhaseCompleted:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the phase can move to target.
// Idle is reachable from anywhere (cancellation).
func (p Phase) CanTransitionTo(target Phase) bool {
	if target == PhaseIdle {
		return true
	}
	switch p {
	case PhaseIdle:
		return target == PhaseAnalyzing
	case PhaseAnalyzing:
		return target == PhaseExpertsWorking
	case PhaseExpertsWorking:
		// experts_working → reviewing (refinement enabled) or synthesizing
		return target == PhaseReviewing || target == PhaseSynthesizing
	case PhaseReviewing:
		// reviewing → experts_working (next round) or synthesizing (loop exit)
		return target == PhaseExpertsWorking || target == PhaseSynthesizing
	case PhaseSynthesizing:
		return target == PhaseCompleted
	default:
		return false
	}
}

// IsTerminal returns true for phases that end a run.
func (p Phase) IsTerminal() bool {
	return p == PhaseIdle || p == PhaseCompleted
}

// Status is the lifecycle state of one expert record.
type Status string

const (
	// StatusPending indicates the record exists but its task has not started.
	StatusPending Status = "pending"
	// StatusThinking indicates the task is streaming.
	StatusThinking Status = "thinking"
	// StatusCompleted indicates the stream was fully consumed.
	StatusCompleted Status = "completed"
	// StatusError indicates the task failed; Content holds a user-safe message.
	StatusError Status = "error"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ExpertSpec is a model-generated expert definition.
type ExpertSpec struct {
	Role        string  `json:"role"`
	Description string  `json:"description"`
	Temperature float64 `json:"temperature"`
	Prompt      string  `json:"prompt"`
}

// ExpertRecord is one expert invocation within a run.
type ExpertRecord struct {
	ExpertSpec

	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Content   string    `json:"content,omitempty"`
	Thoughts  string    `json:"thoughts,omitempty"`
	StartTime time.Time `json:"start_time,omitzero"`
	EndTime   time.Time `json:"end_time,omitzero"`
	Round     int       `json:"round"`
}

// NewExpertRecord creates a pending record from a spec.
func NewExpertRecord(id string, spec ExpertSpec, round int) ExpertRecord {
	return ExpertRecord{
		ExpertSpec: spec,
		ID:         id,
		Status:     StatusPending,
		Round:      round,
	}
}

// Duration returns how long the expert ran, or zero if it has not finished.
func (r ExpertRecord) Duration() time.Duration {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// AnalysisResult is the planning stage's output.
type AnalysisResult struct {
	ThoughtProcess string       `json:"thought_process"`
	Experts        []ExpertSpec `json:"experts"`
}

// ReviewResult is one review round's verdict.
type ReviewResult struct {
	Satisfied         bool         `json:"satisfied"`
	Critique          string       `json:"critique"`
	NextRoundStrategy string       `json:"next_round_strategy,omitempty"`
	RefinedExperts    []ExpertSpec `json:"refined_experts,omitempty"`
}

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser is a turn written by the user.
	RoleUser Role = "user"
	// RoleModel is a turn produced by a previous run.
	RoleModel Role = "model"
)

// Message is one turn of conversation history.
type Message struct {
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	Attachments []llm.Attachment `json:"attachments,omitempty"`
}

// RunState is the full observable state of a run. Values handed out by the
// Store are deep copies and safe to retain.
type RunState struct {
	RunID             string          `json:"run_id,omitempty"`
	Phase             Phase           `json:"phase"`
	Analysis          *AnalysisResult `json:"analysis,omitempty"`
	Experts           []ExpertRecord  `json:"experts"`
	FinalOutput       string          `json:"final_output,omitempty"`
	SynthesisThoughts string          `json:"synthesis_thoughts,omitempty"`
	StartedAt         time.Time       `json:"started_at,omitzero"`
	EndedAt           time.Time       `json:"ended_at,omitzero"`
	Round             int             `json:"round"`
}

// Duration returns the total run time, or time elapsed so far for a live run.
func (s RunState) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.EndedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Clone returns a deep copy.
func (s RunState) Clone() RunState {
	out := s
	if s.Analysis != nil {
		a := *s.Analysis
		a.Experts = append([]ExpertSpec(nil), s.Analysis.Experts...)
		out.Analysis = &a
	}
	out.Experts = make([]ExpertRecord, len(s.Experts))
	copy(out.Experts, s.Experts)
	return out
}
