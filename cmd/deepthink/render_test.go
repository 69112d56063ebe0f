package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/c360studio/deepthink/workflow"
)

func expert(id, role string, status workflow.Status) workflow.ExpertRecord {
	rec := workflow.NewExpertRecord(id, workflow.ExpertSpec{Role: role}, 1)
	rec.Status = status
	return rec
}

func TestRenderer_Progress(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newRenderer(&out, &errOut, false)
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	states := []workflow.RunState{
		{RunID: "r1", Phase: workflow.PhaseAnalyzing, Round: 1,
			Experts: []workflow.ExpertRecord{expert("expert-0", "Primary Responder", workflow.StatusThinking)}},
		{RunID: "r1", Phase: workflow.PhaseExpertsWorking, Round: 1,
			Experts: []workflow.ExpertRecord{
				expert("expert-0", "Primary Responder", workflow.StatusThinking),
				expert("expert-1", "Skeptic", workflow.StatusThinking),
			}},
		{RunID: "r1", Phase: workflow.PhaseSynthesizing, Round: 1, FinalOutput: "Part one",
			Experts: []workflow.ExpertRecord{
				expert("expert-0", "Primary Responder", workflow.StatusCompleted),
				{ExpertSpec: workflow.ExpertSpec{Role: "Skeptic"}, ID: "expert-1", Status: workflow.StatusError, Content: "quota exceeded"},
			}},
		{RunID: "r1", Phase: workflow.PhaseCompleted, Round: 1, FinalOutput: "Part one, part two.",
			StartedAt: start, EndedAt: start.Add(1500 * time.Millisecond)},
	}
	for _, st := range states {
		r.render(st)
	}
	r.finish(states[len(states)-1])

	assert.Equal(t, "Part one, part two.\n", out.String())

	progress := errOut.String()
	assert.Equal(t, 1, strings.Count(progress, "… Primary Responder (expert-0)"), "status printed once per change")
	for _, want := range []string{
		"» Planning experts",
		"» Experts working",
		"» Synthesizing",
		"✓ Primary Responder",
		"✗ Skeptic: quota exceeded",
		"» Done in 1.5s",
	} {
		assert.Contains(t, progress, want)
	}
}

func TestRenderer_SkipsPreviousRun(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newRenderer(&out, &errOut, false)
	r.skip("old")

	r.render(workflow.RunState{RunID: "old", Phase: workflow.PhaseCompleted, FinalOutput: "stale"})
	r.render(workflow.RunState{RunID: "", Phase: workflow.PhaseIdle})
	r.finish(workflow.RunState{RunID: "old", Phase: workflow.PhaseCompleted})
	assert.Empty(t, out.String())
	assert.Empty(t, errOut.String())

	r.render(workflow.RunState{RunID: "new", Phase: workflow.PhaseSynthesizing, FinalOutput: "fresh"})
	assert.Equal(t, "fresh", out.String())
}

func TestRenderer_Cancelled(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newRenderer(&out, &errOut, false)
	now := time.Now()

	r.render(workflow.RunState{RunID: "r1", Phase: workflow.PhaseExpertsWorking, StartedAt: now})
	cancelled := workflow.RunState{RunID: "r1", Phase: workflow.PhaseIdle, StartedAt: now, EndedAt: now}
	r.render(cancelled)
	r.finish(cancelled)

	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "» Cancelled")
}

func TestRenderer_RewrittenAnswer(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, &bytes.Buffer{}, false)

	r.render(workflow.RunState{RunID: "r1", FinalOutput: "draft text"})
	r.render(workflow.RunState{RunID: "r1", FinalOutput: "short"})

	assert.Equal(t, "draft text\nshort", out.String())
}

func TestRenderer_NewRunResets(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newRenderer(&out, &errOut, false)

	r.render(workflow.RunState{RunID: "a", Phase: workflow.PhaseSynthesizing, FinalOutput: "first"})
	r.render(workflow.RunState{RunID: "b", Phase: workflow.PhaseSynthesizing, FinalOutput: "second"})

	assert.Equal(t, "firstsecond", out.String())
	assert.Equal(t, 2, strings.Count(errOut.String(), "» Synthesizing"))
}

func TestRenderer_Rounds(t *testing.T) {
	var errOut bytes.Buffer
	r := newRenderer(&bytes.Buffer{}, &errOut, false)

	r.render(workflow.RunState{RunID: "r1", Phase: workflow.PhaseReviewing, Round: 1})
	r.render(workflow.RunState{RunID: "r1", Phase: workflow.PhaseExpertsWorking, Round: 2})

	assert.NotContains(t, errOut.String(), "» Round 1")
	assert.Contains(t, errOut.String(), "» Reviewing")
	assert.Contains(t, errOut.String(), "» Round 2")
}
