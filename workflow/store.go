package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/deepthink/llm"
)

// Token identifies one run. A write carrying a token other than the live one
// is dropped, so tasks from a superseded run can never touch the new state.
type Token uint64

// Store owns the RunState of one session. All mutation goes through it and
// readers only ever receive deep copies.
type Store struct {
	mu     sync.Mutex
	state  RunState
	live   Token
	last   Token
	cancel context.CancelFunc

	subs    map[int]chan RunState
	nextSub int

	logger *slog.Logger
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger for the state store.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an idle store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		state:  RunState{Phase: PhaseIdle, Experts: []ExpertRecord{}},
		subs:   make(map[int]chan RunState),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reset invalidates any live token and clears the state back to Idle.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidateLocked()
	s.state = RunState{Phase: PhaseIdle, Experts: []ExpertRecord{}}
	s.notifyLocked()
}

// StartRun cancels any previous run, clears the state, and enters Analyzing
// under a fresh token. The returned context is cancelled when the run is
// superseded, cancelled, or finished.
func (s *Store) StartRun(ctx context.Context, runID string) (context.Context, Token) {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live != 0 {
		s.logger.Debug("Superseding live run", "run_id", s.state.RunID)
	}
	s.invalidateLocked()

	s.last++
	s.live = s.last
	s.cancel = cancel
	s.state = RunState{
		RunID:     runID,
		Phase:     PhaseAnalyzing,
		Experts:   []ExpertRecord{},
		StartedAt: s.now(),
		Round:     1,
	}
	s.notifyLocked()
	return runCtx, s.live
}

// Cancel stops the live run and returns to Idle. It returns false, leaving
// the state untouched, when no run is live.
func (s *Store) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live == 0 {
		return false
	}
	s.invalidateLocked()
	s.state.Phase = PhaseIdle
	s.state.EndedAt = s.now()
	s.notifyLocked()
	return true
}

// IsLive reports whether token belongs to the live run.
func (s *Store) IsLive(token Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLiveLocked(token)
}

// SetPhase moves the live run to phase. Transitions that would move the
// state machine backwards are refused.
func (s *Store) SetPhase(token Token, phase Phase) bool {
	return s.write(token, func(st *RunState) bool {
		if !st.Phase.CanTransitionTo(phase) {
			s.logger.Warn("Refusing phase transition",
				"run_id", st.RunID, "from", st.Phase, "to", phase)
			return false
		}
		st.Phase = phase
		return true
	})
}

// SetRound records the current refinement round.
func (s *Store) SetRound(token Token, round int) bool {
	return s.write(token, func(st *RunState) bool {
		st.Round = round
		return true
	})
}

// SetAnalysis stores the planning result.
func (s *Store) SetAnalysis(token Token, analysis *AnalysisResult) bool {
	return s.write(token, func(st *RunState) bool {
		if analysis == nil {
			st.Analysis = nil
			return true
		}
		a := *analysis
		a.Experts = append([]ExpertSpec(nil), analysis.Experts...)
		st.Analysis = &a
		return true
	})
}

// SetExperts replaces the expert list.
func (s *Store) SetExperts(token Token, records []ExpertRecord) bool {
	return s.write(token, func(st *RunState) bool {
		st.Experts = append(make([]ExpertRecord, 0, len(records)), records...)
		return true
	})
}

// AppendExperts adds records to the end of the list and returns the index of
// the first one. Each record keeps its index for the rest of the run.
func (s *Store) AppendExperts(token Token, records ...ExpertRecord) (int, bool) {
	start := -1
	ok := s.write(token, func(st *RunState) bool {
		start = len(st.Experts)
		st.Experts = append(st.Experts, records...)
		return true
	})
	return start, ok
}

// UpdateExpertAt applies fn to the record at index as one atomic step.
func (s *Store) UpdateExpertAt(token Token, index int, fn func(*ExpertRecord)) bool {
	return s.write(token, func(st *RunState) bool {
		if index < 0 || index >= len(st.Experts) {
			s.logger.Warn("Expert index out of range", "run_id", st.RunID, "index", index)
			return false
		}
		fn(&st.Experts[index])
		return true
	})
}

// AppendFinal appends a synthesis chunk to the final output and thoughts.
func (s *Store) AppendFinal(token Token, chunk llm.Chunk) bool {
	return s.write(token, func(st *RunState) bool {
		st.FinalOutput += chunk.Text
		st.SynthesisThoughts += chunk.Thought
		return true
	})
}

// SetFinal replaces the final output.
func (s *Store) SetFinal(token Token, output string) bool {
	return s.write(token, func(st *RunState) bool {
		st.FinalOutput = output
		return true
	})
}

// Complete marks the run Completed and releases its token.
func (s *Store) Complete(token Token) bool {
	return s.finish(token, PhaseCompleted)
}

// Fail abandons the run, returning to Idle without completing.
func (s *Store) Fail(token Token) bool {
	return s.finish(token, PhaseIdle)
}

func (s *Store) finish(token Token, phase Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isLiveLocked(token) {
		return false
	}
	if !s.state.Phase.CanTransitionTo(phase) {
		s.logger.Warn("Refusing phase transition",
			"run_id", s.state.RunID, "from", s.state.Phase, "to", phase)
		return false
	}
	s.invalidateLocked()
	s.state.Phase = phase
	s.state.EndedAt = s.now()
	s.notifyLocked()
	return true
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Subscribe returns a channel of snapshots and a function that ends the
// subscription. The channel holds only the latest snapshot; a slow reader
// skips intermediate states but always sees the most recent one. The current
// state is delivered immediately.
func (s *Store) Subscribe() (<-chan RunState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan RunState, 1)
	ch <- s.state.Clone()
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// write applies fn under the lock if token is live, notifying on change.
func (s *Store) write(token Token, fn func(*RunState) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isLiveLocked(token) {
		return false
	}
	if !fn(&s.state) {
		return false
	}
	s.notifyLocked()
	return true
}

func (s *Store) isLiveLocked(token Token) bool {
	return token != 0 && token == s.live
}

func (s *Store) invalidateLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.live = 0
}

// notifyLocked pushes the current state to every subscriber, replacing any
// snapshot the reader has not consumed yet.
func (s *Store) notifyLocked() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.state.Clone()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
