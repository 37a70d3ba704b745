// Package pipeline orchestrates a training run as a short sequence of
// stages: Config → DataLoad → Training → Evaluation → ResultsUpload. A
// failing required stage short-circuits the rest, optional stages never do,
// and the results upload is always attempted once training has succeeded so
// a late evaluation failure cannot lose the run summary. Stage boundaries
// checkpoint to the audit trail for restart safety.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"causalis.dev/retrodict/runtime/audit"
	"causalis.dev/retrodict/runtime/config"
	"causalis.dev/retrodict/runtime/coordinator"
	"causalis.dev/retrodict/runtime/curriculum"
	"causalis.dev/retrodict/runtime/plan"
	"causalis.dev/retrodict/runtime/results"
	"causalis.dev/retrodict/runtime/rules"
	"causalis.dev/retrodict/runtime/store"
	"causalis.dev/retrodict/runtime/telemetry"
	"causalis.dev/retrodict/runtime/trust"
)

// preloadParallelism bounds concurrent warm-up reads in the DataLoad stage.
const preloadParallelism = 4

// ErrInvalidOptions reports an unusable pipeline configuration.
var ErrInvalidOptions = errors.New("pipeline: invalid options")

type (
	// Context is the mutable state threaded through the stages.
	Context struct {
		// RunID names the run. Required.
		RunID string
		// Variables, Start and End are the run-submit arguments.
		Variables []string
		Start     time.Time
		End       time.Time

		// Batches is set by Training after planning and weighting.
		Batches []plan.Batch
		// Aggregate is set by Training.
		Aggregate coordinator.Aggregate
		// Evaluation is set by the optional Evaluation stage.
		Evaluation map[string]float64
		// Summary and Persisted are set by ResultsUpload.
		Summary   results.Summary
		Persisted results.Persisted

		// StageErrors records optional-stage failures by stage name.
		StageErrors map[string]string

		trainingOK bool
	}

	// Stage is one pipeline step.
	Stage interface {
		// Name identifies the stage in logs and checkpoints.
		Name() string
		// Optional stages record their failure and let the run continue.
		Optional() bool
		// Execute runs the stage against the shared context.
		Execute(ctx context.Context, pc *Context) error
	}

	// Options configures a Pipeline.
	Options struct {
		// Config is the resolved option surface. Validated here.
		Config config.Config
		// Store serves observation data. Required.
		Store *store.Store
		// Registry is the rule set; it is frozen before training. Required.
		Registry *rules.Registry
		// Tracker holds the posteriors surfaced in the summary. Required.
		Tracker *trust.Tracker
		// Dispatcher executes the planned batches. Required.
		Dispatcher coordinator.Dispatcher
		// Planner shards the run into batches. Required.
		Planner *plan.Planner
		// Curriculum reweights batches when enabled. Optional.
		Curriculum *curriculum.Curriculum
		// Results persists the run summary. Required.
		Results *results.Writer
		// Trail receives stage checkpoints. Optional.
		Trail *audit.Trail
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Pipeline runs the staged orchestration.
	Pipeline struct {
		cfg    config.Config
		stages []Stage
		trail  *audit.Trail
		logger telemetry.Logger
	}

	// stageCheckpoint is the audit payload written at stage boundaries.
	stageCheckpoint struct {
		Stage  string `json:"stage"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
)

// New validates the options and assembles the default stage sequence.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil || opts.Registry == nil || opts.Tracker == nil ||
		opts.Dispatcher == nil || opts.Planner == nil || opts.Results == nil {
		return nil, fmt.Errorf("%w: store, registry, tracker, dispatcher, planner and results are required", ErrInvalidOptions)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	p := &Pipeline{
		cfg:    opts.Config,
		trail:  opts.Trail,
		logger: logger,
	}
	p.stages = []Stage{
		&configStage{cfg: opts.Config},
		&dataLoadStage{store: opts.Store, dataset: opts.Config.DatasetID},
		&trainingStage{
			planner:    opts.Planner,
			curriculum: opts.Curriculum,
			enabled:    opts.Config.CurriculumEnabled,
			tracker:    opts.Tracker,
			registry:   opts.Registry,
			dispatcher: opts.Dispatcher,
		},
		&evaluationStage{tracker: opts.Tracker},
		&resultsStage{cfg: opts.Config, tracker: opts.Tracker, writer: opts.Results},
	}
	return p, nil
}

// Run executes the stages in order. The first required-stage failure is
// returned; the results stage still runs when training succeeded before the
// failure.
func (p *Pipeline) Run(ctx context.Context, pc *Context) error {
	if pc == nil || pc.RunID == "" {
		return fmt.Errorf("%w: context with a run id is required", ErrInvalidOptions)
	}
	if pc.StageErrors == nil {
		pc.StageErrors = make(map[string]string)
	}

	var fatal error
	for _, stage := range p.stages {
		if fatal != nil {
			// Past a fatal failure only the summary write still matters, and
			// only when there is a training result to summarize.
			if stage.Name() != "results_upload" || !pc.trainingOK {
				continue
			}
		}

		err := stage.Execute(ctx, pc)
		p.checkpoint(ctx, pc.RunID, stage.Name(), err)
		switch {
		case err == nil:
			p.logger.Info(ctx, "stage completed", "run_id", pc.RunID, "stage", stage.Name())
		case stage.Optional():
			pc.StageErrors[stage.Name()] = err.Error()
			p.logger.Warn(ctx, "optional stage failed", "run_id", pc.RunID, "stage", stage.Name(), "err", err)
		default:
			p.logger.Error(ctx, "stage failed", "run_id", pc.RunID, "stage", stage.Name(), "err", err)
			if fatal == nil {
				fatal = fmt.Errorf("pipeline: stage %s: %w", stage.Name(), err)
			}
		}
	}
	return fatal
}

func (p *Pipeline) checkpoint(ctx context.Context, runID, stage string, stageErr error) {
	if p.trail == nil {
		return
	}
	cp := stageCheckpoint{Stage: stage, Status: "completed"}
	if stageErr != nil {
		cp.Status = "failed"
		cp.Error = stageErr.Error()
	}
	// Stage boundaries must land even when the run context is being torn
	// down, or restart would repeat completed stages.
	if _, err := p.trail.Append(context.WithoutCancel(ctx), "", audit.KindCheckpoint, cp); err != nil {
		p.logger.Warn(ctx, "stage checkpoint failed", "run_id", runID, "stage", stage, "err", err)
	}
}

// configStage re-validates the resolved configuration and the run-submit
// arguments before anything touches storage.
type configStage struct {
	cfg config.Config
}

func (s *configStage) Name() string   { return "config" }
func (s *configStage) Optional() bool { return false }

func (s *configStage) Execute(_ context.Context, pc *Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if len(pc.Variables) == 0 {
		return fmt.Errorf("%w: no variables to train", config.ErrInvalid)
	}
	if !pc.Start.Before(pc.End) {
		return fmt.Errorf("%w: start %v is not before end %v", config.ErrInvalid, pc.Start, pc.End)
	}
	return nil
}

// dataLoadStage verifies the dataset is reachable and warms the cache by
// reading the window's leading blocks with bounded parallelism.
type dataLoadStage struct {
	store   *store.Store
	dataset string
}

func (s *dataLoadStage) Name() string   { return "data_load" }
func (s *dataLoadStage) Optional() bool { return false }

func (s *dataLoadStage) Execute(ctx context.Context, pc *Context) error {
	span := pc.End.Sub(pc.Start) / preloadParallelism
	if span <= 0 {
		span = pc.End.Sub(pc.Start)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadParallelism)
	for i := 0; i < preloadParallelism; i++ {
		ws := pc.Start.Add(time.Duration(i) * span)
		if !ws.Before(pc.End) {
			break
		}
		we := ws.Add(span)
		if we.After(pc.End) {
			we = pc.End
		}
		g.Go(func() error {
			it, err := s.store.Stream(gctx, s.dataset, store.Filter{
				Start:   ws.Unix(),
				End:     we.Unix(),
				Columns: pc.Variables,
			}, 1024)
			if err != nil {
				return err
			}
			defer it.Close() //nolint:errcheck // warm-up read
			// One block is enough to prove availability and prime the cache.
			if _, err := it.Next(gctx); err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// trainingStage plans, weights and dispatches the batches.
type trainingStage struct {
	planner    *plan.Planner
	curriculum *curriculum.Curriculum
	enabled    bool
	tracker    *trust.Tracker
	registry   *rules.Registry
	dispatcher coordinator.Dispatcher
}

func (s *trainingStage) Name() string   { return "training" }
func (s *trainingStage) Optional() bool { return false }

func (s *trainingStage) Execute(ctx context.Context, pc *Context) error {
	if !s.registry.Frozen() {
		s.registry.Freeze()
	}
	batches := s.planner.Plan(pc.Variables, pc.Start, pc.End)
	if s.enabled && s.curriculum != nil {
		batches = curriculum.Order(s.curriculum.Weigh(batches, s.tracker, s.registry))
	}
	pc.Batches = batches

	agg, err := s.dispatcher.Dispatch(ctx, pc.RunID, batches)
	if err != nil {
		return err
	}
	pc.Aggregate = agg
	pc.trainingOK = true
	return nil
}

// evaluationStage derives posterior quality figures. Optional: an
// evaluation failure never blocks the summary.
type evaluationStage struct {
	tracker *trust.Tracker
}

func (s *evaluationStage) Name() string   { return "evaluation" }
func (s *evaluationStage) Optional() bool { return true }

func (s *evaluationStage) Execute(_ context.Context, pc *Context) error {
	ids := s.tracker.RuleIDs()
	eval := map[string]float64{
		"rules_tracked": float64(len(ids)),
	}
	var meanSum, widthSum float64
	for _, id := range ids {
		est := s.tracker.Estimate(id)
		lo, hi := s.tracker.CI(id, 0.95)
		meanSum += est.Mean
		widthSum += hi - lo
	}
	if len(ids) > 0 {
		eval["mean_trust"] = meanSum / float64(len(ids))
		eval["mean_ci_width"] = widthSum / float64(len(ids))
	}
	pc.Evaluation = eval
	return nil
}

// resultsStage builds and persists the run summary.
type resultsStage struct {
	cfg     config.Config
	tracker *trust.Tracker
	writer  *results.Writer
}

func (s *resultsStage) Name() string   { return "results_upload" }
func (s *resultsStage) Optional() bool { return false }

func (s *resultsStage) Execute(ctx context.Context, pc *Context) error {
	scores := make(map[string]float64)
	for _, id := range s.tracker.RuleIDs() {
		scores[id] = s.tracker.Mean(id)
	}
	sum := results.Build(pc.Aggregate, s.cfg.Resolved(), scores, "audit://"+pc.RunID)
	p, err := s.writer.Persist(ctx, sum)
	if err != nil {
		return err
	}
	pc.Summary = sum
	pc.Persisted = p
	return nil
}
