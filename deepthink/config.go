package deepthink

import (
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/deepthink/llm"
	"github.com/c360studio/deepthink/model"
	"github.com/c360studio/deepthink/workflow"
	"github.com/c360studio/deepthink/workflow/prompts"
)

// DefaultMaxRounds bounds the review/refine loop, counting round 1.
const DefaultMaxRounds = 3

// ErrEmptyQuery is returned when a run has neither query text nor attachments.
var ErrEmptyQuery = errors.New("query is empty and has no attachments")

// RunConfig holds the per-run settings.
type RunConfig struct {
	// PlanningEffort sets the thinking level for planning and review.
	PlanningEffort model.ThinkingLevel

	// ExpertEffort sets the thinking level for every expert, including the
	// primary responder.
	ExpertEffort model.ThinkingLevel

	// SynthesisEffort sets the thinking level for the final answer.
	SynthesisEffort model.ThinkingLevel

	// EnableRecursiveRefinement turns on the review loop.
	EnableRecursiveRefinement bool

	// MaxRounds caps expert rounds when refinement is on. Zero means DefaultMaxRounds.
	MaxRounds int

	// HistoryTurns is how many recent history turns are rendered as context.
	HistoryTurns int

	// Provider forces the backend provider. Empty infers it from the model name.
	Provider string

	// APIKey authenticates against the provider.
	APIKey llm.Secret

	// BaseURL overrides the provider default endpoint.
	BaseURL string
}

// DefaultRunConfig returns the defaults used for unset fields.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		PlanningEffort:  model.LevelHigh,
		ExpertEffort:    model.LevelHigh,
		SynthesisEffort: model.LevelHigh,
		MaxRounds:       DefaultMaxRounds,
		HistoryTurns:    prompts.DefaultHistoryTurns,
	}
}

// Validate checks the thinking levels and bounds.
func (c RunConfig) Validate() error {
	for name, level := range map[string]model.ThinkingLevel{
		"planning_effort":  c.PlanningEffort,
		"expert_effort":    c.ExpertEffort,
		"synthesis_effort": c.SynthesisEffort,
	} {
		if level != "" && !level.IsValid() {
			return fmt.Errorf("invalid %s: %q", name, level)
		}
	}
	if c.MaxRounds < 0 {
		return fmt.Errorf("max_rounds must be >= 0, got %d", c.MaxRounds)
	}
	if c.HistoryTurns < 0 {
		return fmt.Errorf("history_turns must be >= 0, got %d", c.HistoryTurns)
	}
	return nil
}

// withDefaults fills unset fields from DefaultRunConfig.
func (c RunConfig) withDefaults() RunConfig {
	d := DefaultRunConfig()
	if c.PlanningEffort == "" {
		c.PlanningEffort = d.PlanningEffort
	}
	if c.ExpertEffort == "" {
		c.ExpertEffort = d.ExpertEffort
	}
	if c.SynthesisEffort == "" {
		c.SynthesisEffort = d.SynthesisEffort
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = d.MaxRounds
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = d.HistoryTurns
	}
	return c
}

// budgets resolves the per-stage thinking budgets for modelName. Levels the
// model does not accept fall back to low for planning and experts and to
// high for synthesis.
func (c RunConfig) budgets(modelName string) stageBudgets {
	return stageBudgets{
		planning:  model.Budget(model.Constrain(c.PlanningEffort, modelName, model.LevelLow), modelName),
		expert:    model.Budget(model.Constrain(c.ExpertEffort, modelName, model.LevelLow), modelName),
		synthesis: model.Budget(model.Constrain(c.SynthesisEffort, modelName, model.LevelHigh), modelName),
	}
}

type stageBudgets struct {
	planning  int
	expert    int
	synthesis int
}

// RunRequest is one user turn.
type RunRequest struct {
	// Query is the user's question.
	Query string

	// Attachments are sent to planning, every expert, and synthesis.
	Attachments []llm.Attachment

	// History is the prior conversation, oldest first.
	History []workflow.Message

	// Model is the model name. Empty means model.FlashModel.
	Model string
}

// Validate rejects requests with nothing to answer.
func (r RunRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" && len(r.Attachments) == 0 {
		return ErrEmptyQuery
	}
	return nil
}

func (r RunRequest) modelName() string {
	if r.Model == "" {
		return model.FlashModel
	}
	return r.Model
}
