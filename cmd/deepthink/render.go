package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/c360studio/deepthink/workflow"
)

// renderer turns run snapshots into terminal output. Progress goes to errOut
// and the answer streams to out, so `deepthink run q > answer.md` captures
// only the answer.
type renderer struct {
	out, errOut  io.Writer
	showThoughts bool

	// skipRunID is a run that finished before this renderer was created.
	skipRunID string

	runID    string
	phase    workflow.Phase
	round    int
	statuses map[string]workflow.Status
	printed  int
	synthLen int
}

func newRenderer(out, errOut io.Writer, showThoughts bool) *renderer {
	return &renderer{
		out:          out,
		errOut:       errOut,
		showThoughts: showThoughts,
		statuses:     make(map[string]workflow.Status),
	}
}

// skip ignores snapshots of the given run.
func (r *renderer) skip(runID string) {
	r.skipRunID = runID
}

func (r *renderer) render(st workflow.RunState) {
	if st.RunID == "" || st.RunID == r.skipRunID {
		return
	}
	if st.RunID != r.runID {
		r.reset(st.RunID)
	}

	if st.Phase != r.phase {
		r.phase = st.Phase
		if label := phaseLabel(st.Phase); label != "" {
			fmt.Fprintf(r.errOut, "» %s\n", label)
		}
	}

	if st.Round > r.round {
		r.round = st.Round
		if st.Round > 1 {
			fmt.Fprintf(r.errOut, "» Round %d\n", st.Round)
		}
	}

	for _, e := range st.Experts {
		if r.statuses[e.ID] == e.Status {
			continue
		}
		r.statuses[e.ID] = e.Status
		r.expertLine(e)
	}

	if r.showThoughts && len(st.SynthesisThoughts) > r.synthLen {
		fmt.Fprint(r.errOut, st.SynthesisThoughts[r.synthLen:])
		r.synthLen = len(st.SynthesisThoughts)
	}

	r.streamAnswer(st.FinalOutput)
}

func (r *renderer) reset(runID string) {
	r.runID = runID
	r.phase = ""
	r.round = 0
	r.statuses = make(map[string]workflow.Status)
	r.printed = 0
	r.synthLen = 0
}

func (r *renderer) expertLine(e workflow.ExpertRecord) {
	switch e.Status {
	case workflow.StatusThinking:
		fmt.Fprintf(r.errOut, "  … %s (%s)\n", e.Role, e.ID)
	case workflow.StatusCompleted:
		fmt.Fprintf(r.errOut, "  ✓ %s (%s)\n", e.Role, e.Duration().Round(100*time.Millisecond))
		if r.showThoughts && e.Thoughts != "" {
			fmt.Fprintf(r.errOut, "%s\n", indent(strings.TrimSpace(e.Thoughts), "    │ "))
		}
	case workflow.StatusError:
		fmt.Fprintf(r.errOut, "  ✗ %s: %s\n", e.Role, e.Content)
	}
}

// streamAnswer writes the part of the answer not yet printed. A rewritten
// answer is printed again in full.
func (r *renderer) streamAnswer(final string) {
	if len(final) < r.printed {
		fmt.Fprintln(r.out)
		r.printed = 0
	}
	if len(final) == r.printed {
		return
	}
	if r.printed == 0 && r.showThoughts && r.synthLen > 0 {
		fmt.Fprintln(r.errOut)
	}
	fmt.Fprint(r.out, final[r.printed:])
	r.printed = len(final)
}

// finish terminates the answer and reports how the run ended.
func (r *renderer) finish(st workflow.RunState) {
	if st.RunID == "" || st.RunID == r.skipRunID {
		return
	}
	if r.printed > 0 {
		fmt.Fprintln(r.out)
	}

	switch {
	case st.Phase == workflow.PhaseCompleted:
		fmt.Fprintf(r.errOut, "» Done in %s (%d experts, %d rounds)\n",
			st.Duration().Round(100*time.Millisecond), len(st.Experts), st.Round)
	case st.Phase == workflow.PhaseIdle && !st.EndedAt.IsZero():
		fmt.Fprintln(r.errOut, "» Cancelled")
	}
}

func phaseLabel(p workflow.Phase) string {
	switch p {
	case workflow.PhaseAnalyzing:
		return "Planning experts"
	case workflow.PhaseExpertsWorking:
		return "Experts working"
	case workflow.PhaseReviewing:
		return "Reviewing"
	case workflow.PhaseSynthesizing:
		return "Synthesizing"
	}
	return ""
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
