// Package prompts builds the system instructions and user prompts for every
// stage of a deep-think run.
package prompts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360studio/deepthink/llm"
	"github.com/c360studio/deepthink/workflow"
)

// ReviewOutputLimit caps how much of each expert's output the reviewer sees.
const ReviewOutputLimit = 2000

// DefaultHistoryTurns is the number of recent turns rendered as context.
const DefaultHistoryTurns = 5

// ManagerSystemPrompt returns the system prompt for the planning stage.
func ManagerSystemPrompt() string {
	return `You are the "Dynamic Planning Engine". Your goal is to analyze a user query (considering the conversation context) and decompose it into a set of specialized expert personas (2 to 4) who can collaboratively solve specific aspects of the problem.

Your job is to create SUPPLEMENTARY experts. A primary responder already answers the query directly; your experts should cover the angles it is likely to miss.

For each expert, you must assign a specific 'temperature' (0.0 to 2.0) based on the nature of their task:

*   High temperature (1.0 - 2.0) for creative, divergent, or brainstorming work
*   Low temperature (0.0 - 0.4) for precise, factual, mathematical, or code-level work
*   Medium temperature (0.4 - 1.0) for balanced analysis and explanation`
}

// ReviewSystemPrompt returns the system prompt for the review stage.
func ReviewSystemPrompt() string {
	return `You are the "Quality Assurance & Orchestration Engine".
You have just received outputs from a team of AI experts.
Your goal is to evaluate if these outputs are sufficient to fully answer the user's complex request with high quality.

Criteria for "Not Satisfied":
- Conflicting information between experts that isn't resolved.
- Missing code implementation details or edge cases.
- Shallow analysis that doesn't go deep enough.
- Logic errors or hallucinations.

If you are NOT satisfied:
1. Provide a "critique" explaining exactly what is missing or wrong.
2. Define a "next_round_strategy" (briefly) to fix it.
3. Define the *refined_experts* for the next round. You can keep the same roles or create new ones. Their prompts MUST include the feedback/critique.

If you ARE satisfied:
1. Set satisfied to true.
2. Leave refined_experts empty.
`
}

// ExpertSystemInstruction returns the persona instruction for one expert.
func ExpertSystemInstruction(role, description, context string) string {
	return fmt.Sprintf("You are a %s. %s. Context: %s", role, description, context)
}

// AnalysisPrompt returns the user turn for the planning stage.
func AnalysisPrompt(query, context string) string {
	return fmt.Sprintf("Context:\n%s\n\nCurrent Query: \"%s\"", context, query)
}

// ReviewPrompt returns the user turn for the review stage. Each expert's
// output is truncated to ReviewOutputLimit characters.
func ReviewPrompt(query string, experts []workflow.ExpertRecord) string {
	outputs := make([]string, 0, len(experts))
	for _, e := range experts {
		outputs = append(outputs, fmt.Sprintf("--- [Round %d] Expert: %s ---\nOutput: %s...",
			e.Round, e.Role, truncate(e.Content, ReviewOutputLimit)))
	}
	return fmt.Sprintf("User Query: \"%s\"\n\nCurrent Expert Outputs:\n%s", query, strings.Join(outputs, "\n\n"))
}

// SynthesisPrompt returns the single prompt for the synthesis stage, listing
// every expert across all rounds.
func SynthesisPrompt(recentHistory, query string, experts []workflow.ExpertRecord) string {
	var sb strings.Builder

	sb.WriteString("You are the \"Synthesis Engine\".\n\n")
	sb.WriteString("Context:\n")
	sb.WriteString(recentHistory)
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("Original User Query: \"%s\"\n\n", query))
	sb.WriteString("Here are the analyses from your expert panel (potentially across multiple rounds of refinement):\n")

	for i, e := range experts {
		if i > 0 {
			sb.WriteString("\n")
		}
		round := e.Round
		if round == 0 {
			round = 1
		}
		content := e.Content
		if content == "" {
			content = "(No output)"
		}
		sb.WriteString(fmt.Sprintf("--- [Round %d] Expert: %s (Temp: %s) ---\n%s\n",
			round, e.Role, strconv.FormatFloat(e.Temperature, 'f', -1, 64), content))
	}

	sb.WriteString(`
Your Task:
1. Reflect on the experts' inputs. Identify conflicts, consensus, and evolution of thought across rounds.
2. Synthesize a final, comprehensive, and high-quality answer to the user's original query.
3. Do not simply summarize; integrate the knowledge into a cohesive response.
`)
	return sb.String()
}

// RecentHistory renders the last n turns as "User: ..." / "Model: ..." lines.
func RecentHistory(history []workflow.Message, n int) string {
	if n <= 0 {
		n = DefaultHistoryTurns
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}

	lines := make([]string, 0, len(history))
	for _, msg := range history {
		speaker := "Model"
		if msg.Role == workflow.RoleUser {
			speaker = "User"
		}
		lines = append(lines, speaker+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

// AnalysisSchemaHint is appended to the planning prompt for providers
// without schema-constrained output.
const AnalysisSchemaHint = `Return a JSON response with this structure:
{
  "thought_process": "...",
  "experts": [
    { "role": "...", "description": "...", "temperature": number, "prompt": "..." }
  ]
}`

// ReviewSchemaHint is appended to the review prompt for providers without
// schema-constrained output.
const ReviewSchemaHint = `Return a JSON response with this structure:
{
  "satisfied": boolean,
  "critique": "...",
  "next_round_strategy": "...",
  "refined_experts": [...]
}`

func expertSchema() *llm.Schema {
	return &llm.Schema{
		Type: llm.TypeObject,
		Properties: map[string]*llm.Schema{
			"role":        llm.String(""),
			"description": llm.String(""),
			"temperature": llm.Number(""),
			"prompt":      llm.String(""),
		},
		Required: []string{"role", "description", "temperature", "prompt"},
	}
}

// AnalysisSchema returns the response schema for the planning stage.
func AnalysisSchema() *llm.Schema {
	return &llm.Schema{
		Type: llm.TypeObject,
		Properties: map[string]*llm.Schema{
			"thought_process": llm.String("Brief explanation of why these supplementary experts were chosen."),
			"experts":         llm.ArrayOf("", expertSchema()),
		},
		Required: []string{"thought_process", "experts"},
	}
}

// ReviewSchema returns the response schema for the review stage.
func ReviewSchema() *llm.Schema {
	return &llm.Schema{
		Type: llm.TypeObject,
		Properties: map[string]*llm.Schema{
			"satisfied":           llm.Boolean("True if the experts have fully answered the query with high quality."),
			"critique":            llm.String("If not satisfied, explain why and what is missing."),
			"next_round_strategy": llm.String("Plan for the next iteration."),
			"refined_experts": llm.ArrayOf(
				"The list of experts for the next round. Can be the same roles or new ones.", expertSchema()),
		},
		Required: []string{"satisfied", "critique"},
	}
}

// truncate cuts s to at most limit runes.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
