// Package snapshotpublisher provides an output component that forwards run
// state snapshots to NATS so observers outside the process can follow a run.
package snapshotpublisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/deepthink/workflow"
)

// Publisher is the subset of *nats.Conn used by the component.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Component publishes every snapshot it receives as a SnapshotEvent.
type Component struct {
	config Config
	pub    Publisher
	logger *slog.Logger

	// Last run announced as terminal, so repeated terminal snapshots publish once.
	announced string

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Metrics
	published      atomic.Int64
	publishErrors  atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the logger for the component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) {
		c.logger = logger
	}
}

// New creates a snapshot publisher.
func New(config Config, pub Publisher, opts ...Option) (*Component, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if pub == nil {
		return nil, fmt.Errorf("publisher required")
	}

	c := &Component{
		config: config,
		pub:    pub,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start consumes updates until ctx is done, Stop is called, or the channel
// is closed.
func (c *Component) Start(ctx context.Context, updates <-chan workflow.RunState) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}

	c.running = true
	c.startTime = time.Now()

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.consume(loopCtx, updates)
	}()

	c.logger.Info("snapshot-publisher started", "subject_prefix", c.config.SubjectPrefix)
	return nil
}

func (c *Component) consume(ctx context.Context, updates <-chan workflow.RunState) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			c.handleSnapshot(st)
		}
	}
}

// handleSnapshot publishes one state event, plus a terminal event the first
// time a run is seen finished.
func (c *Component) handleSnapshot(st workflow.RunState) {
	if st.RunID == "" {
		return
	}
	if !c.config.IncludeThoughts {
		st = stripThoughts(st)
	}

	c.publish(st, EventState)

	if ev := terminalEvent(st); ev != "" && c.announced != st.RunID {
		c.announced = st.RunID
		c.publish(st, ev)
	}
}

func (c *Component) publish(st workflow.RunState, eventType string) {
	subject := c.Subject(st.RunID, eventType)
	data, err := json.Marshal(SnapshotEvent{
		Type:       eventType,
		Timestamp:  time.Now(),
		DurationMS: st.Duration().Milliseconds(),
		State:      st,
	})
	if err != nil {
		c.logger.Warn("Failed to marshal snapshot", "run_id", st.RunID, "error", err)
		c.publishErrors.Add(1)
		return
	}

	if err := c.pub.Publish(subject, data); err != nil {
		c.logger.Warn("Failed to publish snapshot",
			"subject", subject,
			"error", err)
		c.publishErrors.Add(1)
		return
	}

	c.published.Add(1)
	c.updateLastActivity()
	c.logger.Debug("Published snapshot", "subject", subject, "phase", st.Phase)
}

// Subject returns the subject for a run's event.
func (c *Component) Subject(runID, eventType string) string {
	return c.config.SubjectPrefix + "." + runID + "." + eventType
}

// Stop cancels the consume loop and waits up to timeout for it to exit.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.cancel()
	c.running = false
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("snapshot-publisher did not stop within %s", timeout)
	}

	c.logger.Info("snapshot-publisher stopped",
		"published", c.published.Load(),
		"publish_errors", c.publishErrors.Load())
	return nil
}

// HealthStatus reports the component's state.
type HealthStatus struct {
	Healthy      bool
	Status       string
	Published    int64
	ErrorCount   int64
	Uptime       time.Duration
	LastActivity time.Time
}

// Health returns the current health status.
func (c *Component) Health() HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	var uptime time.Duration
	if running {
		status = "running"
		uptime = time.Since(startTime)
	}

	return HealthStatus{
		Healthy:      running,
		Status:       status,
		Published:    c.published.Load(),
		ErrorCount:   c.publishErrors.Load(),
		Uptime:       uptime,
		LastActivity: c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
