package chat_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fabfab/docchat/chat"
	"github.com/fabfab/docchat/chat/chattest"
	"github.com/fabfab/docchat/config"
	"github.com/rs/zerolog"
)

type stubRetriever struct {
	mu      sync.Mutex
	docs    []chat.SourceDocument
	err     error
	queries []string
}

func (s *stubRetriever) Retrieve(ctx context.Context, query string, k int) ([]chat.SourceDocument, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.docs, nil
}

var _ chat.Retriever = (*stubRetriever)(nil)

type stubGenerator struct {
	answer string
	err    error
	block  bool
	last   chat.GenerateRequest
}

func (s *stubGenerator) Generate(ctx context.Context, req chat.GenerateRequest) (string, error) {
	s.last = req
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

var _ chat.Generator = (*stubGenerator)(nil)

type stubRewriter struct {
	rewritten string
	err       error
}

func (s *stubRewriter) Rewrite(ctx context.Context, query, model string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.rewritten, nil
}

var _ chat.Rewriter = (*stubRewriter)(nil)

type harness struct {
	driver  *chat.Driver
	store   *chat.MessageStore
	tracker *chat.StepTracker
	sched   *chattest.ManualScheduler
	events  <-chan chat.Event
}

func newHarness(t *testing.T, backend chat.Backend) *harness {
	t.Helper()

	bus := chat.NewBroadcaster(zerolog.Nop())
	events, unsubscribe := bus.Subscribe(256)
	t.Cleanup(unsubscribe)

	store := chat.NewMessageStore(bus)
	tracker := chat.NewStepTracker(bus)
	sched := chattest.NewManualScheduler()
	driver := chat.NewDriver(chat.DriverConfig{
		Store:     store,
		Tracker:   tracker,
		Publisher: bus,
		Backend:   backend,
		Scheduler: sched,
		Timings:   config.DefaultPipeline(),
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(driver.Close)

	return &harness{driver: driver, store: store, tracker: tracker, sched: sched, events: events}
}

func (h *harness) drain() []chat.Event {
	var out []chat.Event
	for {
		select {
		case e := <-h.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func (h *harness) runToEnd() {
	h.sched.Advance(800*time.Millisecond + 1000*time.Millisecond + 1200*time.Millisecond + 1800*time.Millisecond)
}

func filter(events []chat.Event, typ chat.EventType) []chat.Event {
	var out []chat.Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestDriverRunsScriptedPipeline(t *testing.T) {
	h := newHarness(t, chat.StaticBackend())

	runID, err := h.driver.Submit(context.Background(), "  What is CR?  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runID == "" {
		t.Fatal("expected a run id")
	}

	msgs := h.store.All()
	if len(msgs) != 1 || msgs[0].Sender != chat.SenderUser || msgs[0].Content != "What is CR?" {
		t.Fatalf("expected trimmed user message, got %+v", msgs)
	}
	stages := h.tracker.Stages()
	if len(stages) != 1 || stages[0].Status != chat.StageProcessing || stages[0].Title != "Processing query..." {
		t.Fatalf("unexpected first snapshot: %+v", stages)
	}
	if !h.driver.Busy() {
		t.Fatal("expected driver to be busy")
	}

	h.sched.Advance(799 * time.Millisecond)
	if got := len(h.tracker.Stages()); got != 1 {
		t.Fatalf("stage 1 finished early: %d stages", got)
	}

	h.sched.Advance(time.Millisecond)
	stages = h.tracker.Stages()
	if len(stages) != 2 {
		t.Fatalf("expected 2 stages, got %+v", stages)
	}
	if stages[0].Status != chat.StageCompleted || stages[0].Title != "Processing query" || stages[0].Detail != "Query understood and processed" {
		t.Fatalf("unexpected completed stage: %+v", stages[0])
	}
	if stages[1].Title != "Searching for relevant information..." {
		t.Fatalf("unexpected stage 2: %+v", stages[1])
	}

	h.sched.Advance(1000 * time.Millisecond)
	stages = h.tracker.Stages()
	if len(stages) != 3 || stages[1].Detail != "Found 4 relevant documents" || stages[2].Title != "Sources being used..." {
		t.Fatalf("unexpected snapshot after search: %+v", stages)
	}

	h.sched.Advance(1200 * time.Millisecond)
	stages = h.tracker.Stages()
	if len(stages) != 4 || stages[2].Detail != "4 sources selected for generating response" || stages[3].Title != "Generating answer based on sources..." {
		t.Fatalf("unexpected snapshot after select: %+v", stages)
	}
	if h.store.Len() != 1 {
		t.Fatal("bot answer appended before the final transition")
	}

	h.sched.Advance(1800 * time.Millisecond)
	msgs = h.store.All()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	bot := msgs[1]
	if bot.Sender != chat.SenderBot || bot.Content != chat.CannedAnswer {
		t.Fatalf("unexpected bot message: %+v", bot)
	}
	if len(bot.Sources) != 4 || bot.Sources[0].ID != "doc1" || bot.Sources[3].ID != "doc4" {
		t.Fatalf("unexpected sources: %+v", bot.Sources)
	}
	if bot.CreatedAt.Before(msgs[0].CreatedAt) {
		t.Fatal("bot message predates the user message")
	}
	if len(h.tracker.Stages()) != 0 {
		t.Fatal("expected tracker to be cleared")
	}
	if h.driver.Busy() {
		t.Fatal("expected driver to be idle")
	}

	events := h.drain()
	snapshots := filter(events, chat.EventStages)
	if len(snapshots) != 4 {
		t.Fatalf("expected 4 snapshots, got %d", len(snapshots))
	}
	for i, s := range snapshots {
		if len(s.Stages) != i+1 {
			t.Fatalf("snapshot %d has %d stages", i, len(s.Stages))
		}
		for j, stage := range s.Stages {
			want := chat.StageCompleted
			if j == len(s.Stages)-1 {
				want = chat.StageProcessing
			}
			if stage.Status != want {
				t.Fatalf("snapshot %d stage %d (%s) is %s, want %s", i, j, stage.ID, stage.Status, want)
			}
		}
	}
	finished := filter(events, chat.EventRunFinished)
	if len(finished) != 1 || finished[0].RunID != runID {
		t.Fatalf("expected run finished event for %s, got %+v", runID, finished)
	}
	last := events[len(events)-1]
	if last.Type != chat.EventRunFinished {
		t.Fatalf("expected run finished to be the last event, got %s", last.Type)
	}
}

func TestDriverIgnoresBlankQuery(t *testing.T) {
	h := newHarness(t, chat.StaticBackend())

	runID, err := h.driver.Submit(context.Background(), " \t\n ")
	if err != nil || runID != "" {
		t.Fatalf("expected no-op, got %q, %v", runID, err)
	}
	if h.store.Len() != 0 || len(h.tracker.Stages()) != 0 {
		t.Fatal("blank query changed state")
	}
	if h.sched.Pending() != 0 {
		t.Fatal("blank query scheduled a task")
	}
	if events := h.drain(); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestDriverRejectsConcurrentRun(t *testing.T) {
	h := newHarness(t, chat.StaticBackend())

	if _, err := h.driver.Submit(context.Background(), "first"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.sched.Advance(900 * time.Millisecond)

	_, err := h.driver.Submit(context.Background(), "second")
	if !errors.Is(err, chat.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	var perr *chat.PipelineError
	if !errors.As(err, &perr) || perr.Kind != chat.KindConcurrentRun {
		t.Fatalf("expected concurrent_run kind, got %v", err)
	}
	if h.store.Len() != 1 {
		t.Fatalf("rejected submission appended a message")
	}

	h.runToEnd()
	if _, err := h.driver.Submit(context.Background(), "third"); err != nil {
		t.Fatalf("expected submission after the run finished, got %v", err)
	}
	if h.store.Len() != 3 {
		t.Fatalf("expected 3 messages, got %d", h.store.Len())
	}
}

func TestDriverRetrievalFailure(t *testing.T) {
	retriever := &stubRetriever{err: errors.New("index offline")}
	h := newHarness(t, chat.Backend{Retriever: retriever})

	runID, err := h.driver.Submit(context.Background(), "What is CR?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.runToEnd()

	failed := filter(h.drain(), chat.EventRunFailed)
	if len(failed) != 1 || failed[0].RunID != runID {
		t.Fatalf("expected one failure for %s, got %+v", runID, failed)
	}
	if !errors.Is(failed[0].Err, chat.ErrRetrieval) {
		t.Fatalf("expected retrieval error, got %v", failed[0].Err)
	}
	var perr *chat.PipelineError
	if !errors.As(failed[0].Err, &perr) || perr.Stage != "search" {
		t.Fatalf("expected failure in stage search, got %v", failed[0].Err)
	}
	if h.store.Len() != 1 {
		t.Fatal("failed run appended a bot message")
	}
	if len(h.tracker.Stages()) != 0 || h.driver.Busy() {
		t.Fatal("failed run left the driver busy")
	}
	if h.sched.Pending() != 0 {
		t.Fatal("failed run left a task scheduled")
	}
}

func TestDriverGenerationFailure(t *testing.T) {
	h := newHarness(t, chat.Backend{Generator: &stubGenerator{err: errors.New("model not loaded")}})

	if _, err := h.driver.Submit(context.Background(), "What is CR?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.runToEnd()

	failed := filter(h.drain(), chat.EventRunFailed)
	if len(failed) != 1 || !errors.Is(failed[0].Err, chat.ErrGeneration) {
		t.Fatalf("expected generation failure, got %+v", failed)
	}
	if h.store.Len() != 1 {
		t.Fatal("failed run appended a bot message")
	}

	if _, err := h.driver.Submit(context.Background(), "again"); err != nil {
		t.Fatalf("expected submission to be re-enabled, got %v", err)
	}
}

func TestDriverEmptyAnswerIsAGenerationFailure(t *testing.T) {
	h := newHarness(t, chat.Backend{Generator: &stubGenerator{answer: "   "}})

	if _, err := h.driver.Submit(context.Background(), "What is CR?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.runToEnd()

	failed := filter(h.drain(), chat.EventRunFailed)
	if len(failed) != 1 || !errors.Is(failed[0].Err, chat.ErrGeneration) {
		t.Fatalf("expected generation failure, got %+v", failed)
	}
}

func TestDriverRewriteFailureFallsBackToQuery(t *testing.T) {
	retriever := &stubRetriever{docs: chat.DefaultSources()}
	h := newHarness(t, chat.Backend{
		Rewriter:  &stubRewriter{err: errors.New("rewrite model missing")},
		Retriever: retriever,
	})

	if _, err := h.driver.Submit(context.Background(), "What is CR?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.sched.Advance(800 * time.Millisecond)

	stages := h.tracker.Stages()
	if len(stages) != 2 || stages[0].Detail != "Query understood and processed" {
		t.Fatalf("unexpected snapshot: %+v", stages)
	}

	h.sched.Advance(1000*time.Millisecond + 1200*time.Millisecond + 1800*time.Millisecond)
	if h.store.Len() != 2 {
		t.Fatalf("expected run to finish, got %d messages", h.store.Len())
	}
	if len(retriever.queries) != 1 || retriever.queries[0] != "What is CR?" {
		t.Fatalf("expected original query to be searched, got %v", retriever.queries)
	}
}

func TestDriverShowsRewrittenQuery(t *testing.T) {
	retriever := &stubRetriever{docs: chat.DefaultSources()}
	generator := &stubGenerator{answer: "CR = R0/Rmin"}
	h := newHarness(t, chat.Backend{
		Rewriter:  &stubRewriter{rewritten: "MagLIF convergence ratio equation"},
		Retriever: retriever,
		Generator: generator,
	})

	if _, err := h.driver.Submit(context.Background(), "What is CR?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.sched.Advance(800 * time.Millisecond)

	stages := h.tracker.Stages()
	want := `Query rewritten as "MagLIF convergence ratio equation"`
	if stages[0].Detail != want {
		t.Fatalf("expected detail %q, got %q", want, stages[0].Detail)
	}

	h.sched.Advance(1000*time.Millisecond + 1200*time.Millisecond + 1800*time.Millisecond)
	if retriever.queries[0] != "MagLIF convergence ratio equation" {
		t.Fatalf("expected rewritten query to be searched, got %v", retriever.queries)
	}
	if generator.last.Query != "What is CR?" {
		t.Fatalf("expected the answer to address the original question, got %q", generator.last.Query)
	}
	if generator.last.Temperature != 0.7 || generator.last.Model != "llama3.1:latest" {
		t.Fatalf("unexpected generation options: %+v", generator.last)
	}
}

func TestDriverAppliesOptionsAtSubmit(t *testing.T) {
	retriever := &stubRetriever{docs: append(chat.DefaultSources(), chat.DefaultSources()[0])}
	h := newHarness(t, chat.Backend{Retriever: retriever})

	opts := chat.DefaultOptions()
	opts.RewriteQueries = false
	opts.TopK = 10
	h.driver.SetOptions(opts)

	if _, err := h.driver.Submit(context.Background(), "What is CR?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	opts.TopK = 1
	h.driver.SetOptions(opts)

	h.sched.Advance(800*time.Millisecond + 1000*time.Millisecond + 1200*time.Millisecond)
	stages := h.tracker.Stages()
	if stages[1].Detail != "Found 5 relevant documents" {
		t.Fatalf("options changed mid-run: %q", stages[1].Detail)
	}
	if stages[2].Detail != "4 sources selected for generating response" {
		t.Fatalf("expected duplicate to be dropped, got %q", stages[2].Detail)
	}

	h.sched.Advance(1800 * time.Millisecond)
	if _, err := h.driver.Submit(context.Background(), "next"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.sched.Advance(800*time.Millisecond + 1000*time.Millisecond)
	if got := h.tracker.Stages()[1].Detail; got != "Found 1 relevant documents" {
		t.Fatalf("expected new options on the next run, got %q", got)
	}
}

func TestDriverCloseStopsRun(t *testing.T) {
	h := newHarness(t, chat.StaticBackend())

	if _, err := h.driver.Submit(context.Background(), "What is CR?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.sched.Advance(800 * time.Millisecond)
	h.drain()

	h.driver.Close()
	h.driver.Close()
	if h.sched.Pending() != 0 {
		t.Fatal("expected the outstanding task to be stopped")
	}

	h.runToEnd()
	if h.store.Len() != 1 {
		t.Fatal("closed driver appended a message")
	}
	if events := h.drain(); len(events) != 0 {
		t.Fatalf("closed driver published %d events", len(events))
	}
	if _, err := h.driver.Submit(context.Background(), "again"); !errors.Is(err, chat.ErrDriverClosed) {
		t.Fatalf("expected ErrDriverClosed, got %v", err)
	}
}

func TestDriverRunTimeout(t *testing.T) {
	bus := chat.NewBroadcaster(zerolog.Nop())
	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	store := chat.NewMessageStore(bus)
	driver := chat.NewDriver(chat.DriverConfig{
		Store:     store,
		Publisher: bus,
		Backend:   chat.Backend{Generator: &stubGenerator{block: true}},
		Scheduler: chat.RealScheduler(),
		Timings: config.PipelineConfig{
			QueryDelay:    time.Millisecond,
			SearchDelay:   time.Millisecond,
			SelectDelay:   time.Millisecond,
			GenerateDelay: time.Millisecond,
			RunTimeout:    50 * time.Millisecond,
		},
		Logger: zerolog.Nop(),
	})
	defer driver.Close()

	if _, err := driver.Submit(context.Background(), "What is CR?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == chat.EventRunFinished {
				t.Fatal("blocked generator should not finish")
			}
			if e.Type != chat.EventRunFailed {
				continue
			}
			if !errors.Is(e.Err, chat.ErrTimeout) {
				t.Fatalf("expected timeout, got %v", e.Err)
			}
			if store.Len() != 1 || driver.Busy() {
				t.Fatal("timed out run left state behind")
			}
			return
		case <-deadline:
			t.Fatal("run never timed out")
		}
	}
}

func TestDriverSubmitSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, chat.StaticBackend())

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := h.driver.Submit(ctx, "What is CR?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()

	h.runToEnd()
	msgs := h.store.All()
	if len(msgs) != 2 || !strings.HasPrefix(msgs[1].Content, "The equation for the convergence ratio") {
		t.Fatalf("expected run to finish after the caller went away, got %+v", msgs)
	}
}
