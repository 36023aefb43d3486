package term

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/fabfab/docchat/chat"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

func TestFollowPrintsRun(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, true)

	events := make(chan chat.Event, 16)
	events <- chat.Event{Type: chat.EventRunStarted, RunID: "run-1"}
	events <- chat.Event{Type: chat.EventMessage, Message: &chat.Message{Sender: chat.SenderUser, Content: "What is CR?"}}
	events <- chat.Event{Type: chat.EventStages, Stages: []chat.Stage{
		{ID: "query", Status: chat.StageProcessing, Title: "Processing query..."},
	}}
	events <- chat.Event{Type: chat.EventStages, Stages: []chat.Stage{
		{ID: "query", Status: chat.StageCompleted, Title: "Processing query", Detail: "Query understood and processed"},
		{ID: "search", Status: chat.StageProcessing, Title: "Searching for relevant information..."},
	}}
	events <- chat.Event{Type: chat.EventRunFinished, RunID: "other"}
	events <- chat.Event{Type: chat.EventMessage, Message: &chat.Message{
		Sender:  chat.SenderBot,
		Content: "CR = R0/Rmin",
		Sources: []chat.SourceDocument{{ID: "doc1", Title: "LLM_Review_137.pdf", Content: "review"}},
	}}
	events <- chat.Event{Type: chat.EventStagesCleared}
	events <- chat.Event{Type: chat.EventRunFinished, RunID: "run-1"}

	if err := r.Follow(context.Background(), events, "run-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"You: What is CR?",
		"… Processing query...",
		"✓ Processing query (Query understood and processed)",
		"… Searching for relevant information...",
		"Assistant: CR = R0/Rmin",
		"Source Documents (1)",
		"LLM_Review_137.pdf",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}
	if strings.Count(out, "Processing query...") != 1 {
		t.Fatalf("expected unchanged stage lines to print once, got:\n%s", out)
	}
}

func TestFollowReturnsRunError(t *testing.T) {
	var buf bytes.Buffer
	cause := &chat.PipelineError{Kind: chat.KindGeneration, Stage: "generate"}

	events := make(chan chat.Event, 1)
	events <- chat.Event{Type: chat.EventRunFailed, RunID: "run-1", Err: cause}

	err := New(&buf, false).Follow(context.Background(), events, "run-1")
	if !errors.Is(err, chat.ErrGeneration) {
		t.Fatalf("expected generation error, got %v", err)
	}
	if !strings.Contains(buf.String(), "Error:") {
		t.Fatalf("expected error line, got %q", buf.String())
	}
}

func TestFollowClosedStream(t *testing.T) {
	events := make(chan chat.Event)
	close(events)
	if err := New(&bytes.Buffer{}, false).Follow(context.Background(), events, "run-1"); err == nil {
		t.Fatal("expected error for closed stream")
	}
}

func TestMessageHidesSources(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, false).Message(chat.Message{
		Sender:  chat.SenderBot,
		Content: "answer",
		Sources: []chat.SourceDocument{{Title: "hidden.md"}},
	})
	if strings.Contains(buf.String(), "hidden.md") {
		t.Fatalf("expected sources to be hidden, got %q", buf.String())
	}
}
