package rundocuments

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/deepthink/workflow"
)

// Transcript is the input to the markdown transformer.
type Transcript struct {
	// Query is the user's question for the run.
	Query string `json:"query"`

	// Model is the model name the run used.
	Model string `json:"model,omitempty"`

	// State is the run's final snapshot.
	State workflow.RunState `json:"state"`

	// IncludeThoughts renders expert and synthesis reasoning as collapsed blocks.
	IncludeThoughts bool `json:"include_thoughts,omitempty"`
}

// Transformer converts a run transcript to markdown.
type Transformer struct{}

// NewTransformer creates a new markdown transformer.
func NewTransformer() *Transformer {
	return &Transformer{}
}

// Transform renders the transcript as a markdown document.
func (t *Transformer) Transform(tr Transcript) string {
	var sb strings.Builder
	st := tr.State

	sb.WriteString("# ")
	sb.WriteString(t.title(tr.Query))
	sb.WriteString("\n\n")

	t.writeMetadata(&sb, tr)

	if tr.Query != "" {
		t.writeHeading(&sb, "Query", 2)
		t.writeQuote(&sb, tr.Query)
	}

	if st.Analysis != nil {
		t.writeHeading(&sb, "Analysis", 2)
		sb.WriteString(st.Analysis.ThoughtProcess)
		sb.WriteString("\n\n")
	}

	for _, round := range t.groupRounds(st.Experts) {
		t.writeHeading(&sb, fmt.Sprintf("Round %d", round.number), 2)
		for _, e := range round.experts {
			t.writeExpert(&sb, e, tr.IncludeThoughts)
		}
	}

	if st.FinalOutput != "" {
		t.writeHeading(&sb, "Final Answer", 2)
		if tr.IncludeThoughts {
			t.writeDetails(&sb, "Synthesis reasoning", st.SynthesisThoughts)
		}
		sb.WriteString(strings.TrimSpace(st.FinalOutput))
		sb.WriteString("\n\n")
	}

	sb.WriteString("---\n\n")
	sb.WriteString("**Status:** ")
	sb.WriteString(t.status(st))
	sb.WriteString("\n")

	return sb.String()
}

// title derives an H1 from the first line of the query.
func (t *Transformer) title(query string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(query), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "Deep Think Run"
	}
	const maxTitle = 80
	if r := []rune(line); len(r) > maxTitle {
		return string(r[:maxTitle]) + "..."
	}
	return line
}

func (t *Transformer) writeMetadata(sb *strings.Builder, tr Transcript) {
	st := tr.State
	items := []struct{ key, value string }{
		{"Run", st.RunID},
		{"Model", tr.Model},
	}
	if !st.StartedAt.IsZero() {
		items = append(items, struct{ key, value string }{"Started", st.StartedAt.UTC().Format(time.RFC3339)})
	}
	if d := st.Duration(); d > 0 && !st.EndedAt.IsZero() {
		items = append(items, struct{ key, value string }{"Duration", d.Round(time.Millisecond).String()})
	}
	if st.Round > 0 {
		items = append(items, struct{ key, value string }{"Rounds", fmt.Sprintf("%d", st.Round)})
	}

	wrote := false
	for _, it := range items {
		if it.value == "" {
			continue
		}
		sb.WriteString("- **")
		sb.WriteString(it.key)
		sb.WriteString(":** ")
		sb.WriteString(it.value)
		sb.WriteString("\n")
		wrote = true
	}
	if wrote {
		sb.WriteString("\n")
	}
}

// roundEntry holds the experts of one round in run order.
type roundEntry struct {
	number  int
	experts []workflow.ExpertRecord
}

// groupRounds groups experts by round, ordered by round number. The order of
// experts inside a round is preserved.
func (t *Transformer) groupRounds(experts []workflow.ExpertRecord) []roundEntry {
	index := make(map[int]int)
	var rounds []roundEntry
	for _, e := range experts {
		i, ok := index[e.Round]
		if !ok {
			i = len(rounds)
			index[e.Round] = i
			rounds = append(rounds, roundEntry{number: e.Round})
		}
		rounds[i].experts = append(rounds[i].experts, e)
	}

	sort.SliceStable(rounds, func(i, j int) bool {
		return rounds[i].number < rounds[j].number
	})
	return rounds
}

func (t *Transformer) writeExpert(sb *strings.Builder, e workflow.ExpertRecord, thoughts bool) {
	t.writeHeading(sb, e.Role, 3)

	sb.WriteString("- **Id:** ")
	sb.WriteString(e.ID)
	sb.WriteString("\n")
	sb.WriteString("- **Status:** ")
	sb.WriteString(e.Status.String())
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("- **Temperature:** %.1f\n", e.Temperature))
	if d := e.Duration(); d > 0 {
		sb.WriteString("- **Duration:** ")
		sb.WriteString(d.Round(time.Millisecond).String())
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	if e.Description != "" {
		sb.WriteString("*")
		sb.WriteString(e.Description)
		sb.WriteString("*\n\n")
	}
	if e.Prompt != "" {
		t.writeQuote(sb, e.Prompt)
	}
	if thoughts {
		t.writeDetails(sb, "Reasoning", e.Thoughts)
	}
	if content := strings.TrimSpace(e.Content); content != "" {
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}
}

func (t *Transformer) writeHeading(sb *strings.Builder, title string, level int) {
	sb.WriteString(strings.Repeat("#", level))
	sb.WriteString(" ")
	sb.WriteString(title)
	sb.WriteString("\n\n")
}

func (t *Transformer) writeQuote(sb *strings.Builder, text string) {
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		if line == "" {
			sb.WriteString(">\n")
			continue
		}
		sb.WriteString("> ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

func (t *Transformer) writeDetails(sb *strings.Builder, summary, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	sb.WriteString("<details>\n<summary>")
	sb.WriteString(summary)
	sb.WriteString("</summary>\n\n")
	sb.WriteString(body)
	sb.WriteString("\n\n</details>\n\n")
}

// status describes how the run ended.
func (t *Transformer) status(st workflow.RunState) string {
	switch st.Phase {
	case workflow.PhaseCompleted:
		return "completed"
	case workflow.PhaseIdle:
		if st.EndedAt.IsZero() {
			return "idle"
		}
		return "cancelled"
	default:
		return "in progress (" + st.Phase.String() + ")"
	}
}
