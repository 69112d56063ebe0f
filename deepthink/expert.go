package deepthink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/c360studio/deepthink/llm"
	"github.com/c360studio/deepthink/workflow"
	"github.com/c360studio/deepthink/workflow/prompts"
	"golang.org/x/sync/errgroup"
)

// The primary responder answers the raw query directly, in parallel with
// planning.
const (
	PrimaryExpertID    = "expert-0"
	PrimaryRole        = "Primary Responder"
	PrimaryDescription = "Directly addresses the user's original query."
	PrimaryTemperature = 1.0
)

// ExpertErrorMessage replaces an expert's content when its call fails.
const ExpertErrorMessage = "Failed to generate response."

// ExpertID returns the identifier of the n-th (1-based) expert of a round.
func ExpertID(round, n int) string {
	return fmt.Sprintf("expert-r%d-%d", round, n)
}

// expertRecords instantiates pending records for one round.
func expertRecords(round int, specs []workflow.ExpertSpec) []workflow.ExpertRecord {
	records := make([]workflow.ExpertRecord, 0, len(specs))
	for i, spec := range specs {
		records = append(records, workflow.NewExpertRecord(ExpertID(round, i+1), spec, round))
	}
	return records
}

// runRound runs records (stored from index start) concurrently and returns
// once all of them, plus any extra task signalled by waitFor, have finished.
func (r *run) runRound(ctx context.Context, start int, records []workflow.ExpertRecord, waitFor <-chan struct{}) {
	var g errgroup.Group
	for i, rec := range records {
		g.Go(func() error {
			r.runExpert(ctx, start+i, rec)
			return nil
		})
	}
	if waitFor != nil {
		g.Go(func() error {
			<-waitFor
			return nil
		})
	}
	_ = g.Wait()
}

// runExpert streams one expert into its slot. Failures are recorded on the
// slot and never returned, so siblings are unaffected. A cancelled run leaves
// the slot as it was.
func (r *run) runExpert(ctx context.Context, idx int, rec workflow.ExpertRecord) {
	started := time.Now()
	if !r.store.UpdateExpertAt(r.token, idx, func(e *workflow.ExpertRecord) {
		e.Status = workflow.StatusThinking
		e.StartTime = started
	}) {
		return
	}

	temperature := rec.Temperature
	req := llm.Request{
		Model:             r.model,
		SystemInstruction: prompts.ExpertSystemInstruction(rec.Role, rec.Description, r.history),
		Text:              rec.Prompt,
		Attachments:       r.req.Attachments,
		Temperature:       &temperature,
		ThinkingBudget:    r.budgets.expert,
	}

	err := r.stream(ctx, req, func(c llm.Chunk) bool {
		return r.store.UpdateExpertAt(r.token, idx, func(e *workflow.ExpertRecord) {
			e.Content += c.Text
			e.Thoughts += c.Thought
		})
	})

	switch {
	case ctx.Err() != nil || llm.IsCanceled(err) || errors.Is(err, errStale):
		return

	case err != nil:
		r.log.Warn("Expert failed", "expert", rec.ID, "role", rec.Role, "round", rec.Round, "error", err)
		ended := time.Now()
		r.store.UpdateExpertAt(r.token, idx, func(e *workflow.ExpertRecord) {
			e.Status = workflow.StatusError
			e.Content = ExpertErrorMessage
			e.EndTime = ended
		})
		r.o.metrics.expertFinished(string(workflow.StatusError), 0)

	default:
		ended := time.Now()
		if r.store.UpdateExpertAt(r.token, idx, func(e *workflow.ExpertRecord) {
			e.Status = workflow.StatusCompleted
			e.EndTime = ended
		}) {
			r.o.metrics.expertFinished(string(workflow.StatusCompleted), ended.Sub(started))
			r.log.Debug("Expert completed", "expert", rec.ID, "duration", ended.Sub(started))
		}
	}
}

// stream opens a streaming call under the retry policy and hands every
// non-empty chunk to emit. Only the handshake is retried; a stream that has
// delivered chunks is never restarted. emit returning false stops the stream
// with errStale.
func (r *run) stream(ctx context.Context, req llm.Request, emit func(llm.Chunk) bool) error {
	s, err := llm.RetryValue(ctx, r.o.retry, r.log, func() (llm.Stream, error) {
		return r.backend.StreamGenerate(ctx, req)
	})
	if err != nil {
		return err
	}
	defer s.Close()

	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if chunk.Empty() {
			continue
		}
		if !emit(chunk) {
			return errStale
		}
	}
}
