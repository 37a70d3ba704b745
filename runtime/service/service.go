// Package service is the embeddable coordinator API: submit a run, poll its
// status, cancel it, fetch its summary, or follow its lifecycle events. It
// fronts the pipeline with a run registry keyed by generated run ids and
// tracks progress by subscribing to the event bus, so transports (HTTP, CLI,
// batch jobs) stay thin adapters over this surface.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"causalis.dev/retrodict/runtime/events"
	"causalis.dev/retrodict/runtime/pipeline"
	"causalis.dev/retrodict/runtime/results"
	"causalis.dev/retrodict/runtime/telemetry"
)

// RunState is a run's lifecycle state.
type RunState string

// Run states.
const (
	StateQueued    RunState = "queued"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
)

var (
	// ErrInvalidOptions reports an unusable service configuration.
	ErrInvalidOptions = errors.New("service: invalid options")

	// ErrUnknownRun reports an id the registry has never seen.
	ErrUnknownRun = errors.New("service: unknown run")

	// ErrNotFinished reports a results request for a run still in flight.
	ErrNotFinished = errors.New("service: run not finished")

	// ErrClosed reports submissions after Close.
	ErrClosed = errors.New("service: closed")
)

type (
	// SubmitRequest carries the run-submit arguments. They take precedence
	// over file and environment configuration.
	SubmitRequest struct {
		// Variables to train. Required.
		Variables []string
		// Start and End bound the historical range. Required, Start < End.
		Start time.Time
		End   time.Time
	}

	// Status is the poll surface of one run.
	Status struct {
		RunID    string        `json:"run_id"`
		State    RunState      `json:"state"`
		Progress float64       `json:"progress"`
		InFlight int           `json:"in_flight"`
		ETA      time.Duration `json:"eta_ns"`
		Error    string        `json:"error,omitempty"`
	}

	// Options configures a Service.
	Options struct {
		// Pipeline executes submitted runs. Required.
		Pipeline *pipeline.Pipeline
		// Bus carries lifecycle events; the service both publishes queue
		// events and subscribes for progress tracking. Required.
		Bus events.Bus
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Service is the run registry and façade.
	Service struct {
		pipeline *pipeline.Pipeline
		bus      events.Bus
		logger   telemetry.Logger

		mu     sync.Mutex
		runs   map[string]*runRecord
		closed bool
		wg     sync.WaitGroup

		progressSub events.Subscription
	}

	runRecord struct {
		status Status
		cancel context.CancelFunc
		pc     *pipeline.Context
	}
)

// New validates the options, subscribes for progress events and returns the
// service.
func New(opts Options) (*Service, error) {
	if opts.Pipeline == nil || opts.Bus == nil {
		return nil, fmt.Errorf("%w: pipeline and bus are required", ErrInvalidOptions)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &Service{
		pipeline: opts.Pipeline,
		bus:      opts.Bus,
		logger:   logger,
		runs:     make(map[string]*runRecord),
	}
	sub, err := opts.Bus.Register(events.SubscriberFunc(s.observe))
	if err != nil {
		return nil, err
	}
	s.progressSub = sub
	return s, nil
}

// SubmitRun validates the request, registers the run and starts it in the
// background. The returned id serves all later calls.
func (s *Service) SubmitRun(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.Variables) == 0 {
		return "", fmt.Errorf("%w: no variables", ErrInvalidOptions)
	}
	if !req.Start.Before(req.End) {
		return "", fmt.Errorf("%w: start is not before end", ErrInvalidOptions)
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pc := &pipeline.Context{
		RunID:     runID,
		Variables: req.Variables,
		Start:     req.Start,
		End:       req.End,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	s.runs[runID] = &runRecord{
		status: Status{RunID: runID, State: StateQueued},
		cancel: cancel,
		pc:     pc,
	}
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.bus.Publish(ctx, events.RunQueued{Base: events.NewBase(events.TypeRunQueued, runID)}); err != nil {
		s.logger.Warn(ctx, "run-queued publication failed", "run_id", runID, "err", err)
	}

	go s.execute(runCtx, runID, pc)
	return runID, nil
}

// Status implements the poll surface.
func (s *Service) Status(runID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return rec.status, nil
}

// Cancel requests cooperative cancellation. Idempotent; cancelling a
// finished run is a no-op acknowledgment.
func (s *Service) Cancel(runID string) error {
	s.mu.Lock()
	rec, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	rec.cancel()
	return nil
}

// Results returns the persisted summary of a finished run.
func (s *Service) Results(runID string) (results.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return results.Summary{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	switch rec.status.State {
	case StateCompleted, StateFailed, StateCancelled:
		return rec.pc.Summary, nil
	default:
		return results.Summary{}, fmt.Errorf("%w: %s is %s", ErrNotFinished, runID, rec.status.State)
	}
}

// Events returns a lazily consumed event stream for the run. Slow consumers
// lose events rather than blocking publishers; the channel closes after the
// run's terminal event or when the returned stop function is called.
func (s *Service) Events(runID string, buffer int) (<-chan events.Event, func(), error) {
	if buffer < 1 {
		buffer = 64
	}
	s.mu.Lock()
	_, known := s.runs[runID]
	s.mu.Unlock()
	if !known {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	ch := make(chan events.Event, buffer)
	var (
		mu   sync.Mutex
		once sync.Once
		sub  events.Subscription
	)
	stop := func() {
		mu.Lock()
		if sub != nil {
			_ = sub.Close() //nolint:errcheck // always nil
		}
		mu.Unlock()
		once.Do(func() { close(ch) })
	}
	mu.Lock()
	registered, err := s.bus.Register(events.SubscriberFunc(func(_ context.Context, ev events.Event) error {
		if ev.RunID() != runID {
			return nil
		}
		select {
		case ch <- ev:
		default: // slow consumer sheds load
		}
		if ev.Type() == events.TypeRunCompleted {
			stop()
		}
		return nil
	}))
	if err != nil {
		mu.Unlock()
		return nil, nil, err
	}
	sub = registered
	mu.Unlock()
	return ch, stop, nil
}

// Close stops intake and waits for in-flight runs to finish.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	if s.progressSub != nil {
		_ = s.progressSub.Close() //nolint:errcheck // always nil
	}
	return nil
}

// execute drives one run to a terminal state.
func (s *Service) execute(ctx context.Context, runID string, pc *pipeline.Context) {
	defer s.wg.Done()
	s.setState(runID, StateRunning, "")

	err := s.pipeline.Run(ctx, pc)
	switch {
	case err == nil:
		state := RunState(pc.Aggregate.State())
		if pc.Aggregate.Total == 0 {
			state = StateCompleted
		}
		s.setState(runID, state, "")
	case ctx.Err() != nil:
		s.setState(runID, StateCancelled, err.Error())
	default:
		s.setState(runID, StateFailed, err.Error())
	}
}

func (s *Service) setState(runID string, state RunState, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return
	}
	rec.status.State = state
	rec.status.Error = msg
	if state == StateCompleted || state == StateFailed || state == StateCancelled {
		rec.status.InFlight = 0
		rec.status.ETA = 0
		if state == StateCompleted {
			rec.status.Progress = 1
		}
	}
}

// observe keeps run progress current from the supervisor's events.
func (s *Service) observe(_ context.Context, ev events.Event) error {
	p, ok := ev.(events.Progress)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[p.RunID()]
	if !ok {
		return nil
	}
	if p.Total > 0 {
		rec.status.Progress = float64(p.Completed) / float64(p.Total)
	}
	rec.status.InFlight = p.InFlight
	rec.status.ETA = p.ETA
	return nil
}
