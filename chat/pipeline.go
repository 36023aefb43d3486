package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fabfab/docchat/config"
	"github.com/fabfab/docchat/logging"
	"github.com/fabfab/docchat/metrics"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Options tune a single run. They are copied at Submit so that settings
// changes only affect the next run.
type Options struct {
	TopK                 int
	Model                string
	Temperature          float32
	RewriteQueries       bool
	RewriteModel         string
	ShowRewrittenQueries bool
}

func DefaultOptions() Options {
	return DefaultSettings().Options(false)
}

type DriverConfig struct {
	Store     *MessageStore
	Tracker   *StepTracker
	Publisher Publisher
	Backend   Backend
	Scheduler Scheduler
	Timings   config.PipelineConfig
	Options   Options
	Logger    zerolog.Logger
}

// Driver advances the four-stage response pipeline for one conversation.
// Each stage is a scheduled task: it waits for the stage delay, runs the
// stage action and then either schedules the next stage or finishes the run.
type Driver struct {
	mu      sync.Mutex
	store   *MessageStore
	tracker *StepTracker
	pub     Publisher
	backend Backend
	sched   Scheduler
	timings config.PipelineConfig
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time

	current *run
	closed  bool
}

func NewDriver(cfg DriverConfig) *Driver {
	pub := cfg.Publisher
	if pub == nil {
		pub = nopPublisher{}
	}
	store := cfg.Store
	if store == nil {
		store = NewMessageStore(pub)
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = NewStepTracker(pub)
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = RealScheduler()
	}
	timings := cfg.Timings
	if timings == (config.PipelineConfig{}) {
		timings = config.DefaultPipeline()
	}
	opts := cfg.Options
	if opts == (Options{}) {
		opts = DefaultOptions()
	}

	return &Driver{
		store:   store,
		tracker: tracker,
		pub:     pub,
		backend: cfg.Backend.withDefaults(),
		sched:   sched,
		timings: timings,
		opts:    opts,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

type run struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger
	opts    Options
	started time.Time

	stage        int
	stageStarted time.Time
	stages       []Stage
	timer        Timer

	query    string
	search   string
	found    []SourceDocument
	selected []SourceDocument
}

// stageInput is the part of a run a stage action may read. It is copied
// under the driver lock before the task is scheduled.
type stageInput struct {
	query    string
	search   string
	found    []SourceDocument
	selected []SourceDocument
	opts     Options
}

type stageResult struct {
	detail  string
	search  string
	sources []SourceDocument
	answer  string
	warning error
}

type stageSpec struct {
	id         string
	processing string
	completed  string
	failure    ErrorKind
	delay      func(config.PipelineConfig) time.Duration
	action     func(ctx context.Context, b Backend, in stageInput) (stageResult, error)
}

var pipelineStages = []stageSpec{
	{
		id:         "query",
		processing: "Processing query...",
		completed:  "Processing query",
		failure:    KindRetrieval,
		delay:      func(p config.PipelineConfig) time.Duration { return p.QueryDelay },
		action:     processQuery,
	},
	{
		id:         "search",
		processing: "Searching for relevant information...",
		completed:  "Searching for relevant information",
		failure:    KindRetrieval,
		delay:      func(p config.PipelineConfig) time.Duration { return p.SearchDelay },
		action:     searchSources,
	},
	{
		id:         "select",
		processing: "Sources being used...",
		completed:  "Sources being used",
		failure:    KindRetrieval,
		delay:      func(p config.PipelineConfig) time.Duration { return p.SelectDelay },
		action:     selectSources,
	},
	{
		id:         "generate",
		processing: "Generating answer based on sources...",
		completed:  "Generating answer based on sources",
		failure:    KindGeneration,
		delay:      func(p config.PipelineConfig) time.Duration { return p.GenerateDelay },
		action:     generateAnswer,
	},
}

// StageCount is the number of snapshots a successful run emits.
func StageCount() int {
	return len(pipelineStages)
}

// Submit starts a run for query. A blank query is ignored and returns an
// empty run ID. The run is detached from ctx cancellation but keeps its
// values, so request-scoped loggers follow the run.
func (d *Driver) Submit(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", ErrDriverClosed
	}
	if d.current != nil {
		metrics.RunsTotal.WithLabelValues("rejected").Inc()
		return "", &PipelineError{
			Kind: KindConcurrentRun,
			Err:  fmt.Errorf("run %s is still active", d.current.id),
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if d.timings.RunTimeout > 0 {
		timeoutCtx, cancelTimeout := context.WithTimeout(runCtx, d.timings.RunTimeout)
		parentCancel := cancel
		runCtx = timeoutCtx
		cancel = func() {
			cancelTimeout()
			parentCancel()
		}
	}

	id := ulid.Make().String()
	r := &run{
		id:      id,
		ctx:     runCtx,
		cancel:  cancel,
		logger:  logging.FromContext(ctx, d.logger).With().Str("run_id", id).Logger(),
		opts:    d.opts,
		started: d.now(),
		query:   query,
		search:  query,
	}
	d.current = r

	d.store.Append(Message{
		ID:        newMessageID(),
		Content:   query,
		Sender:    SenderUser,
		CreatedAt: d.now(),
	})
	d.tracker.Reset()
	d.pub.Publish(Event{Type: EventRunStarted, RunID: id})
	r.logger.Info().Str("query", query).Int("top_k", r.opts.TopK).Msg("run started")

	d.startStage(r, 0)
	return id, nil
}

// startStage publishes the snapshot with stage i processing and schedules its
// action. The caller holds d.mu.
func (d *Driver) startStage(r *run, i int) {
	step := pipelineStages[i]
	r.stage = i
	r.stageStarted = d.now()
	r.stages = append(cloneStages(r.stages), Stage{
		ID:     step.id,
		Status: StageProcessing,
		Title:  step.processing,
	})
	if err := d.tracker.SetStages(r.stages); err != nil {
		r.logger.Error().Err(err).Str("stage", step.id).Msg("rejected stage snapshot")
	}

	in := stageInput{
		query:    r.query,
		search:   r.search,
		found:    cloneSources(r.found),
		selected: cloneSources(r.selected),
		opts:     r.opts,
	}
	r.timer = d.sched.AfterFunc(step.delay(d.timings), func() {
		if err := r.ctx.Err(); err != nil {
			d.complete(r, i, stageResult{}, err)
			return
		}
		res, err := step.action(r.ctx, d.backend, in)
		d.complete(r, i, res, err)
	})
}

// complete applies the outcome of stage i. Callbacks for a run that is no
// longer current, or for a stage the run already left, are dropped.
func (d *Driver) complete(r *run, i int, res stageResult, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.current != r || r.stage != i {
		return
	}

	step := pipelineStages[i]
	metrics.StageDuration.WithLabelValues(step.id).Observe(d.now().Sub(r.stageStarted).Seconds())

	if err != nil {
		d.fail(r, step, err)
		return
	}
	if res.warning != nil {
		r.logger.Warn().Err(res.warning).Str("stage", step.id).Msg("stage degraded")
	}

	switch step.id {
	case "query":
		r.search = res.search
	case "search":
		r.found = res.sources
	case "select":
		r.selected = res.sources
	}

	if i == len(pipelineStages)-1 {
		d.finish(r, res.answer)
		return
	}

	r.stages[i] = Stage{
		ID:     step.id,
		Status: StageCompleted,
		Title:  step.completed,
		Detail: res.detail,
	}
	d.startStage(r, i+1)
}

func (d *Driver) finish(r *run, answer string) {
	d.store.Append(Message{
		ID:        newMessageID(),
		Content:   answer,
		Sender:    SenderBot,
		CreatedAt: d.now(),
		Sources:   r.selected,
	})
	d.tracker.Reset()
	d.current = nil
	r.cancel()

	d.pub.Publish(Event{Type: EventRunFinished, RunID: r.id})
	metrics.RunsTotal.WithLabelValues("finished").Inc()
	r.logger.Info().
		Int("sources", len(r.selected)).
		Dur("elapsed", d.now().Sub(r.started)).
		Msg("run finished")
}

func (d *Driver) fail(r *run, step stageSpec, err error) {
	kind := step.failure
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
	}
	perr := &PipelineError{Kind: kind, Stage: step.id, Err: err}

	d.tracker.Reset()
	d.current = nil
	r.cancel()

	d.pub.Publish(Event{Type: EventRunFailed, RunID: r.id, Err: perr})
	metrics.RunsTotal.WithLabelValues("failed").Inc()
	r.logger.Error().Err(perr).Str("kind", string(kind)).Msg("run failed")
}

// Busy reports whether a run is in flight.
func (d *Driver) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current != nil
}

// CurrentRun returns the ID of the run in flight, or "".
func (d *Driver) CurrentRun() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return ""
	}
	return d.current.id
}

// SetOptions replaces the options used by the next Submit.
func (d *Driver) SetOptions(opts Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts = opts
}

func (d *Driver) Options() Options {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts
}

// View returns messages, stages and the busy flag as one consistent
// snapshot. Every mutation of the store and tracker happens under d.mu.
func (d *Driver) View() ([]Message, []Stage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.All(), d.tracker.Stages(), d.current != nil
}

// Close stops the outstanding task, cancels the in-flight action and makes
// every later callback a no-op. It is safe to call more than once.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true

	r := d.current
	if r == nil {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.cancel()
	d.current = nil
	metrics.RunsTotal.WithLabelValues("cancelled").Inc()
	r.logger.Info().Str("stage", pipelineStages[r.stage].id).Msg("run cancelled")
}

func processQuery(ctx context.Context, b Backend, in stageInput) (stageResult, error) {
	res := stageResult{detail: "Query understood and processed", search: in.query}
	if !in.opts.RewriteQueries {
		return res, nil
	}

	rewritten, err := b.Rewriter.Rewrite(ctx, in.query, in.opts.RewriteModel)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stageResult{}, ctxErr
		}
		res.warning = fmt.Errorf("rewrite query: %w", err)
		return res, nil
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		return res, nil
	}

	res.search = rewritten
	if in.opts.ShowRewrittenQueries && rewritten != in.query {
		res.detail = fmt.Sprintf("Query rewritten as %q", rewritten)
	}
	return res, nil
}

func searchSources(ctx context.Context, b Backend, in stageInput) (stageResult, error) {
	docs, err := b.Retriever.Retrieve(ctx, in.search, in.opts.TopK)
	if err != nil {
		return stageResult{}, fmt.Errorf("retrieve sources: %w", err)
	}
	if k := in.opts.TopK; k > 0 && len(docs) > k {
		docs = docs[:k]
	}
	return stageResult{
		detail:  fmt.Sprintf("Found %d relevant documents", len(docs)),
		sources: cloneSources(docs),
	}, nil
}

func selectSources(_ context.Context, _ Backend, in stageInput) (stageResult, error) {
	seen := make(map[string]struct{}, len(in.found))
	selected := make([]SourceDocument, 0, len(in.found))
	for _, doc := range in.found {
		if _, ok := seen[doc.ID]; ok {
			continue
		}
		seen[doc.ID] = struct{}{}
		selected = append(selected, doc)
	}
	return stageResult{
		detail:  fmt.Sprintf("%d sources selected for generating response", len(selected)),
		sources: selected,
	}, nil
}

func generateAnswer(ctx context.Context, b Backend, in stageInput) (stageResult, error) {
	answer, err := b.Generator.Generate(ctx, GenerateRequest{
		Query:       in.query,
		Sources:     in.selected,
		Model:       in.opts.Model,
		Temperature: in.opts.Temperature,
	})
	if err != nil {
		return stageResult{}, fmt.Errorf("generate answer: %w", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return stageResult{}, errors.New("generator returned an empty answer")
	}
	return stageResult{answer: answer}, nil
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
