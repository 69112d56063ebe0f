package prompts

import (
	"strings"
	"testing"

	"github.com/c360studio/deepthink/llm"
	"github.com/c360studio/deepthink/workflow"
)

func TestManagerSystemPrompt(t *testing.T) {
	prompt := ManagerSystemPrompt()

	for _, want := range []string{"Dynamic Planning Engine", "SUPPLEMENTARY", "temperature", "2 to 4"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("ManagerSystemPrompt missing %q", want)
		}
	}
}

func TestReviewSystemPrompt(t *testing.T) {
	prompt := ReviewSystemPrompt()

	for _, want := range []string{"critique", "next_round_strategy", "refined_experts", "satisfied"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("ReviewSystemPrompt missing %q", want)
		}
	}
}

func TestExpertSystemInstruction(t *testing.T) {
	got := ExpertSystemInstruction("Security Auditor", "Finds flaws", "User: hi")
	want := "You are a Security Auditor. Finds flaws. Context: User: hi"
	if got != want {
		t.Errorf("ExpertSystemInstruction() = %q, want %q", got, want)
	}
}

func TestAnalysisPrompt(t *testing.T) {
	got := AnalysisPrompt("Explain X", "User: before")
	want := "Context:\nUser: before\n\nCurrent Query: \"Explain X\""
	if got != want {
		t.Errorf("AnalysisPrompt() = %q, want %q", got, want)
	}
}

func TestReviewPromptTruncatesOutput(t *testing.T) {
	long := strings.Repeat("a", ReviewOutputLimit+500)
	experts := []workflow.ExpertRecord{
		{ExpertSpec: workflow.ExpertSpec{Role: "Primary Responder"}, Round: 1, Content: long},
		{ExpertSpec: workflow.ExpertSpec{Role: "Critic"}, Round: 2, Content: "short"},
	}

	prompt := ReviewPrompt("q", experts)

	if !strings.HasPrefix(prompt, "User Query: \"q\"\n\nCurrent Expert Outputs:\n") {
		t.Errorf("unexpected header: %q", prompt[:60])
	}
	if strings.Contains(prompt, strings.Repeat("a", ReviewOutputLimit+1)) {
		t.Error("expert output was not truncated")
	}
	if !strings.Contains(prompt, "--- [Round 1] Expert: Primary Responder ---\nOutput: "+strings.Repeat("a", ReviewOutputLimit)+"...") {
		t.Error("missing truncated primary block")
	}
	if !strings.Contains(prompt, "--- [Round 2] Expert: Critic ---\nOutput: short...") {
		t.Error("missing round 2 block")
	}
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	s := strings.Repeat("é", 10)
	got := truncate(s, 4)
	if got != "éééé" {
		t.Errorf("truncate() = %q", got)
	}
	if truncate("abc", 10) != "abc" {
		t.Error("short strings must be unchanged")
	}
}

func TestSynthesisPrompt(t *testing.T) {
	experts := []workflow.ExpertRecord{
		{ExpertSpec: workflow.ExpertSpec{Role: "Primary Responder", Temperature: 1}, Round: 1, Content: "primary answer"},
		{ExpertSpec: workflow.ExpertSpec{Role: "Analyst", Temperature: 0.3}, Round: 1},
		{ExpertSpec: workflow.ExpertSpec{Role: "Refiner", Temperature: 0.7}, Round: 2, Content: "refined"},
	}

	prompt := SynthesisPrompt("User: earlier", "Explain X", experts)

	wants := []string{
		"Synthesis Engine",
		"Context:\nUser: earlier",
		`Original User Query: "Explain X"`,
		"--- [Round 1] Expert: Primary Responder (Temp: 1) ---\nprimary answer\n",
		"--- [Round 1] Expert: Analyst (Temp: 0.3) ---\n(No output)\n",
		"--- [Round 2] Expert: Refiner (Temp: 0.7) ---\nrefined\n",
		"Do not simply summarize",
	}
	for _, want := range wants {
		if !strings.Contains(prompt, want) {
			t.Errorf("SynthesisPrompt missing %q", want)
		}
	}
}

func TestRecentHistory(t *testing.T) {
	var history []workflow.Message
	for i := 0; i < 7; i++ {
		role := workflow.RoleUser
		if i%2 == 1 {
			role = workflow.RoleModel
		}
		history = append(history, workflow.Message{Role: role, Content: string(rune('a' + i))})
	}

	got := RecentHistory(history, 0)
	want := "User: c\nModel: d\nUser: e\nModel: f\nUser: g"
	if got != want {
		t.Errorf("RecentHistory() = %q, want %q", got, want)
	}

	if got := RecentHistory(history, 2); got != "Model: f\nUser: g" {
		t.Errorf("RecentHistory(2) = %q", got)
	}
	if got := RecentHistory(nil, 5); got != "" {
		t.Errorf("RecentHistory(nil) = %q", got)
	}
}

func TestSchemas(t *testing.T) {
	analysis := AnalysisSchema()
	if analysis.Type != llm.TypeObject {
		t.Fatalf("analysis schema type = %s", analysis.Type)
	}
	experts := analysis.Properties["experts"]
	if experts == nil || experts.Type != llm.TypeArray || experts.Items == nil {
		t.Fatal("analysis schema missing experts array")
	}
	if len(experts.Items.Required) != 4 {
		t.Errorf("expert items required = %v", experts.Items.Required)
	}

	review := ReviewSchema()
	if got := review.Required; len(got) != 2 || got[0] != "satisfied" || got[1] != "critique" {
		t.Errorf("review required = %v", got)
	}
	if review.Properties["satisfied"].Type != llm.TypeBoolean {
		t.Error("satisfied should be boolean")
	}

	if !strings.HasPrefix(AnalysisSchemaHint, "Return a JSON response with this structure:") {
		t.Error("unexpected analysis hint")
	}
}
