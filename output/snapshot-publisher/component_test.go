package snapshotpublisher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/deepthink/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	subject string
	event   SnapshotEvent
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	var ev SnapshotEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.msgs = append(f.msgs, message{subject: subject, event: ev})
	return nil
}

func (f *fakePublisher) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = m.subject
	}
	return out
}

func (f *fakePublisher) last() message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[len(f.msgs)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestComponent(t *testing.T, cfg Config, pub Publisher) *Component {
	t.Helper()
	c, err := New(cfg, pub, WithLogger(quietLogger()))
	require.NoError(t, err)
	return c
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		wantErr bool
	}{
		{"default", "deepthink.run", false},
		{"single token", "runs", false},
		{"empty", "", true},
		{"wildcard", "deepthink.*", true},
		{"full wildcard", "deepthink.>", true},
		{"whitespace", "deep think", true},
		{"trailing dot", "deepthink.", true},
		{"leading dot", ".deepthink", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{SubjectPrefix: tt.prefix}
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Config{}, &fakePublisher{})
	assert.ErrorContains(t, err, "invalid config")

	_, err = New(DefaultConfig(), nil)
	assert.ErrorContains(t, err, "publisher required")
}

func TestHandleSnapshot(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ended := started.Add(90 * time.Second)

	live := workflow.RunState{
		RunID:     "run-1",
		Phase:     workflow.PhaseExpertsWorking,
		StartedAt: started,
		Round:     1,
		Experts: []workflow.ExpertRecord{{
			ID:       "expert-0",
			Status:   workflow.StatusThinking,
			Content:  "partial",
			Thoughts: "hmm",
		}},
	}
	completed := live.Clone()
	completed.Phase = workflow.PhaseCompleted
	completed.EndedAt = ended
	completed.FinalOutput = "done"
	completed.SynthesisThoughts = "weighing"

	stopped := live.Clone()
	stopped.Phase = workflow.PhaseIdle
	stopped.EndedAt = ended

	tests := []struct {
		name         string
		cfg          Config
		states       []workflow.RunState
		wantSubjects []string
	}{
		{
			name:         "live state",
			cfg:          DefaultConfig(),
			states:       []workflow.RunState{live},
			wantSubjects: []string{"deepthink.run.run-1.state"},
		},
		{
			name:   "completed announced once",
			cfg:    DefaultConfig(),
			states: []workflow.RunState{live, completed, completed},
			wantSubjects: []string{
				"deepthink.run.run-1.state",
				"deepthink.run.run-1.state",
				"deepthink.run.run-1.completed",
				"deepthink.run.run-1.state",
			},
		},
		{
			name:   "cancelled run",
			cfg:    Config{SubjectPrefix: "dt"},
			states: []workflow.RunState{stopped},
			wantSubjects: []string{
				"dt.run-1.state",
				"dt.run-1.stopped",
			},
		},
		{
			name:         "empty store ignored",
			cfg:          DefaultConfig(),
			states:       []workflow.RunState{{Phase: workflow.PhaseIdle}},
			wantSubjects: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			c := newTestComponent(t, tt.cfg, pub)

			for _, st := range tt.states {
				c.handleSnapshot(st)
			}

			assert.Equal(t, tt.wantSubjects, pub.subjects())
		})
	}
}

func TestHandleSnapshot_Thoughts(t *testing.T) {
	st := workflow.RunState{
		RunID:             "run-1",
		Phase:             workflow.PhaseSynthesizing,
		SynthesisThoughts: "weighing",
		Experts: []workflow.ExpertRecord{
			{ID: "expert-0", Content: "a", Thoughts: "first"},
			{ID: "expert-r1-1", Content: "b", Thoughts: "second"},
		},
	}

	t.Run("stripped by default", func(t *testing.T) {
		pub := &fakePublisher{}
		c := newTestComponent(t, DefaultConfig(), pub)
		c.handleSnapshot(st)

		got := pub.last().event.State
		assert.Empty(t, got.SynthesisThoughts)
		for _, e := range got.Experts {
			assert.Empty(t, e.Thoughts)
			assert.NotEmpty(t, e.Content)
		}
		assert.Equal(t, "first", st.Experts[0].Thoughts, "caller's snapshot must not be modified")
	})

	t.Run("kept when enabled", func(t *testing.T) {
		pub := &fakePublisher{}
		c := newTestComponent(t, Config{SubjectPrefix: "deepthink.run", IncludeThoughts: true}, pub)
		c.handleSnapshot(st)

		got := pub.last().event.State
		assert.Equal(t, "weighing", got.SynthesisThoughts)
		assert.Equal(t, "second", got.Experts[1].Thoughts)
	})
}

func TestHandleSnapshot_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	c := newTestComponent(t, DefaultConfig(), pub)

	c.handleSnapshot(workflow.RunState{RunID: "run-1", Phase: workflow.PhaseAnalyzing})

	health := c.Health()
	assert.Equal(t, int64(0), health.Published)
	assert.Equal(t, int64(1), health.ErrorCount)
	assert.True(t, health.LastActivity.IsZero())
}

func TestStartStop(t *testing.T) {
	pub := &fakePublisher{}
	c := newTestComponent(t, DefaultConfig(), pub)

	updates := make(chan workflow.RunState, 1)
	require.NoError(t, c.Start(context.Background(), updates))
	assert.Error(t, c.Start(context.Background(), updates), "second start must fail")

	health := c.Health()
	assert.True(t, health.Healthy)
	assert.Equal(t, "running", health.Status)

	updates <- workflow.RunState{RunID: "run-1", Phase: workflow.PhaseAnalyzing}
	require.Eventually(t, func() bool {
		return c.Health().Published == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop(time.Second))
	health = c.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, "stopped", health.Status)
	assert.False(t, health.LastActivity.IsZero())

	assert.NoError(t, c.Stop(time.Second), "stopping twice is a no-op")
}

func TestStart_ClosedChannel(t *testing.T) {
	c := newTestComponent(t, DefaultConfig(), &fakePublisher{})

	updates := make(chan workflow.RunState)
	require.NoError(t, c.Start(context.Background(), updates))
	close(updates)

	// The loop exits on its own; Stop still succeeds.
	require.NoError(t, c.Stop(time.Second))
}

func TestStart_WithStore(t *testing.T) {
	store := workflow.NewStore()
	updates, unsubscribe := store.Subscribe()
	defer unsubscribe()

	pub := &fakePublisher{}
	c := newTestComponent(t, DefaultConfig(), pub)
	require.NoError(t, c.Start(context.Background(), updates))
	defer func() { _ = c.Stop(time.Second) }()

	_, token := store.StartRun(context.Background(), "run-42")
	require.Eventually(t, func() bool {
		subjects := pub.subjects()
		return len(subjects) > 0 && subjects[len(subjects)-1] == "deepthink.run.run-42.state"
	}, time.Second, 5*time.Millisecond)

	require.True(t, store.Fail(token))
	require.Eventually(t, func() bool {
		subjects := pub.subjects()
		return len(subjects) > 0 && subjects[len(subjects)-1] == "deepthink.run.run-42.stopped"
	}, time.Second, 5*time.Millisecond)
}
