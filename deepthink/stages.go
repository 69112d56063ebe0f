package deepthink

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/deepthink/llm"
	"github.com/c360studio/deepthink/workflow"
	"github.com/c360studio/deepthink/workflow/prompts"
)

// Degraded defaults substituted when a structured stage fails.
const (
	PlanningFallbackRationale = "Direct processing fallback due to analysis error."
	ReviewFallbackCritique    = "Processing Error, proceeding to synthesis."
	SynthesisFailurePrefix    = "Synthesis failed: "
)

// Stage names used in logs and metrics.
const (
	stagePlanning  = "planning"
	stageReview    = "review"
	stageSynthesis = "synthesis"
)

// plan asks the model to decompose the query into expert personas. Any
// failure yields a plan with no experts, leaving the primary responder to
// answer alone.
func (r *run) plan(ctx context.Context) workflow.AnalysisResult {
	var analysis workflow.AnalysisResult
	err := r.generateJSON(ctx, llm.Request{
		Model:             r.model,
		SystemInstruction: r.o.managerPrompt,
		Text:              prompts.AnalysisPrompt(r.req.Query, r.history),
		Attachments:       r.req.Attachments,
		ThinkingBudget:    r.budgets.planning,
		Schema:            prompts.AnalysisSchema(),
		SchemaHint:        prompts.AnalysisSchemaHint,
	}, &analysis)
	if err == nil && analysis.Experts == nil {
		err = errors.New("analysis has no experts field")
	}
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("Planning failed, continuing with primary responder only", "error", err)
			r.o.metrics.stageFallback(stagePlanning)
		}
		return workflow.AnalysisResult{
			ThoughtProcess: PlanningFallbackRationale,
			Experts:        []workflow.ExpertSpec{},
		}
	}

	r.log.Info("Planning complete", "experts", len(analysis.Experts))
	return analysis
}

// review judges the expert outputs so far. Any failure counts as satisfied
// so the run always reaches synthesis.
func (r *run) review(ctx context.Context) workflow.ReviewResult {
	experts := r.store.Snapshot().Experts

	var result workflow.ReviewResult
	err := r.generateJSON(ctx, llm.Request{
		Model:             r.model,
		SystemInstruction: r.o.reviewPrompt,
		Text:              prompts.ReviewPrompt(r.req.Query, experts),
		ThinkingBudget:    r.budgets.planning,
		Schema:            prompts.ReviewSchema(),
		SchemaHint:        prompts.ReviewSchemaHint,
	}, &result)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("Review failed, proceeding to synthesis", "error", err)
			r.o.metrics.stageFallback(stageReview)
		}
		return workflow.ReviewResult{Satisfied: true, Critique: ReviewFallbackCritique}
	}

	r.log.Debug("Review verdict",
		"satisfied", result.Satisfied,
		"critique", result.Critique,
		"refined_experts", len(result.RefinedExperts))
	return result
}

// synthesize streams the final answer from every expert's output. A failure
// before any output is written becomes the answer text.
func (r *run) synthesize(ctx context.Context) {
	experts := r.store.Snapshot().Experts

	err := r.stream(ctx, llm.Request{
		Model:          r.model,
		Text:           prompts.SynthesisPrompt(r.history, r.req.Query, experts),
		Attachments:    r.req.Attachments,
		ThinkingBudget: r.budgets.synthesis,
	}, func(c llm.Chunk) bool {
		return r.store.AppendFinal(r.token, c)
	})
	if err == nil || errors.Is(err, errStale) || ctx.Err() != nil || llm.IsCanceled(err) {
		return
	}

	r.log.Warn("Synthesis failed", "error", err)
	r.o.metrics.stageFallback(stageSynthesis)
	if r.store.Snapshot().FinalOutput == "" {
		r.store.SetFinal(r.token, SynthesisFailurePrefix+llm.Redact(err.Error(), r.apiKey))
	}
}

// generateJSON performs one structured call under the retry policy and
// decodes the JSON object in the response into v.
func (r *run) generateJSON(ctx context.Context, req llm.Request, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := llm.RetryValue(ctx, r.o.retry, r.log, func() (*llm.Response, error) {
		return r.backend.Generate(ctx, req)
	})
	if err != nil {
		return err
	}
	if err := llm.DecodeJSON(resp.Text, v); err != nil {
		return fmt.Errorf("decode %s response: %w", req.Model, err)
	}
	return nil
}
