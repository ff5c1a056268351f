package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/google/uuid"
)

// Topic is the watermill topic metric events are published on.
const Topic = "espalier.metrics"

type eventKind string

const (
	runStarted    eventKind = "run_started"
	runCompleted  eventKind = "run_completed"
	nodeStarted   eventKind = "node_started"
	nodeCompleted eventKind = "node_completed"
)

// event is the wire format of one metric. Timestamps are taken by the caller
// so that delivery order does not affect durations.
type event struct {
	Kind        eventKind        `json:"kind"`
	RunID       string           `json:"run_id"`
	Workflow    string           `json:"workflow,omitempty"`
	NodeID      string           `json:"node_id,omitempty"`
	ExecutionID string           `json:"execution_id,omitempty"`
	Status      domain.RunStatus `json:"status,omitempty"`
	Error       string           `json:"error,omitempty"`
	Category    string           `json:"category,omitempty"`
	At          time.Time        `json:"at"`
}

// Recorder implements ports.Recorder. Calls publish an event and return
// immediately; a subscriber goroutine folds events into the analytics store.
type Recorder struct {
	pubsub  *gochannel.GoChannel
	store   *analyticsStore
	logger  *slog.Logger
	now     func() time.Time
	pending *inflight
	buffer  int64

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures the Recorder.
type Option func(*Recorder)

// WithLogger configures a logger for the Recorder and its pub/sub.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithBuffer sets the subscriber channel buffer. Defaults to 1000.
func WithBuffer(n int64) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// NewRecorder starts the metrics pipeline.
func NewRecorder(opts ...Option) (*Recorder, error) {
	r := &Recorder{
		store:   newAnalyticsStore(),
		pending: newInflight(),
		logger:  logging.NewNop(),
		now:     time.Now,
		buffer:  1000,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.pubsub = gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            r.buffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(r.logger),
	)

	messages, err := r.pubsub.Subscribe(context.Background(), Topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", Topic, err)
	}
	go r.consume(messages)
	return r, nil
}

func (r *Recorder) consume(messages <-chan *message.Message) {
	defer close(r.done)
	for msg := range messages {
		var ev event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			r.logger.Warn("Dropping malformed metric event", "message_uuid", msg.UUID, "err", err)
		} else {
			r.store.apply(ev)
		}
		msg.Ack()
		r.pending.done()
	}
}

func (r *Recorder) publish(ev event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("Failed to encode metric event", "kind", ev.Kind, "err", err)
		return
	}
	r.pending.add()
	if err := r.pubsub.Publish(Topic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		r.pending.done()
		r.logger.Warn("Failed to publish metric event", "kind", ev.Kind, "run_id", ev.RunID, "err", err)
	}
}

// StartRun records the beginning of a run.
func (r *Recorder) StartRun(runID, workflow string) {
	r.publish(event{Kind: runStarted, RunID: runID, Workflow: workflow, At: r.now()})
}

// StartNode records the beginning of a node execution and returns its execution ID.
func (r *Recorder) StartNode(runID, nodeID string) string {
	execID := uuid.NewString()
	r.publish(event{Kind: nodeStarted, RunID: runID, NodeID: nodeID, ExecutionID: execID, At: r.now()})
	return execID
}

// CompleteNode records the end of a node execution. A nil err means success.
func (r *Recorder) CompleteNode(runID, executionID string, err error) {
	ev := event{Kind: nodeCompleted, RunID: runID, ExecutionID: executionID, At: r.now()}
	if err != nil {
		ev.Error = err.Error()
		ev.Category = categoryOf(err)
	}
	r.publish(ev)
}

// CompleteRun records the final (or suspended) status of a run.
func (r *Recorder) CompleteRun(runID string, status domain.RunStatus, err error) {
	ev := event{Kind: runCompleted, RunID: runID, Status: status, At: r.now()}
	if err != nil {
		ev.Error = err.Error()
		ev.Category = categoryOf(err)
	}
	r.publish(ev)
}

// categoryOf prefers the engine error code and falls back to the handler classification.
func categoryOf(err error) string {
	var info *domain.ErrorInfo
	if errors.As(err, &info) {
		if info.Code == domain.CodeHandlerError && info.Category != "" {
			return string(info.Category)
		}
		return info.Code
	}
	return string(domain.Classify(err))
}

// Flush blocks until every event published so far has been applied.
func (r *Recorder) Flush() {
	r.pending.wait()
}

// Close flushes pending events and stops the pipeline.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.Flush()
		err = r.pubsub.Close()
		<-r.done
	})
	return err
}

// Analytics aggregates runs that finished within window of now.
// A non-positive window covers everything recorded.
func (r *Recorder) Analytics(window time.Duration) Summary {
	return r.store.summary(r.now(), window)
}

// Prune forgets runs that finished before the cutoff, and their node
// executions. Pending events are applied first. It returns the number of
// runs removed.
func (r *Recorder) Prune(before time.Time) int {
	r.Flush()
	return r.store.prune(before)
}

// inflight counts events published but not yet applied.
// add may be called while wait blocks.
type inflight struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newInflight() *inflight {
	f := &inflight{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *inflight) add() {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
}

func (f *inflight) done() {
	f.mu.Lock()
	f.n--
	if f.n <= 0 {
		f.cond.Broadcast()
	}
	f.mu.Unlock()
}

func (f *inflight) wait() {
	f.mu.Lock()
	for f.n > 0 {
		f.cond.Wait()
	}
	f.mu.Unlock()
}
