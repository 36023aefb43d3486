// Package term renders chat sessions on a terminal.
package term

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/fabfab/docchat/chat"
)

var errStreamClosed = errors.New("event stream closed")

type Renderer struct {
	out         io.Writer
	showSources bool

	user   func(a ...any) string
	bot    func(a ...any) string
	done   func(a ...any) string
	active func(a ...any) string
	muted  func(a ...any) string
	failed func(a ...any) string

	shown []chat.Stage
}

func New(out io.Writer, showSources bool) *Renderer {
	return &Renderer{
		out:         out,
		showSources: showSources,
		user:        color.New(color.FgGreen, color.Bold).SprintFunc(),
		bot:         color.New(color.FgCyan, color.Bold).SprintFunc(),
		done:        color.New(color.FgGreen).SprintFunc(),
		active:      color.New(color.FgYellow).SprintFunc(),
		muted:       color.New(color.Faint).SprintFunc(),
		failed:      color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

// Follow prints events until the run identified by runID finishes or fails.
// A failed run returns its error.
func (r *Renderer) Follow(ctx context.Context, events <-chan chat.Event, runID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return errStreamClosed
			}
			if event.RunID != "" && event.RunID != runID {
				continue
			}
			switch event.Type {
			case chat.EventMessage:
				if event.Message != nil {
					r.Message(*event.Message)
				}
			case chat.EventStages:
				r.Stages(event.Stages)
			case chat.EventStagesCleared:
				r.shown = nil
			case chat.EventRunFinished:
				return nil
			case chat.EventRunFailed:
				fmt.Fprintf(r.out, "%s %v\n", r.failed("Error:"), event.Err)
				return event.Err
			}
		}
	}
}

func (r *Renderer) Message(msg chat.Message) {
	switch msg.Sender {
	case chat.SenderUser:
		fmt.Fprintf(r.out, "%s %s\n", r.user("You:"), msg.Content)
	default:
		fmt.Fprintf(r.out, "%s %s\n", r.bot("Assistant:"), msg.Content)
		if r.showSources && len(msg.Sources) > 0 {
			fmt.Fprintf(r.out, "%s\n", r.muted(fmt.Sprintf("Source Documents (%d)", len(msg.Sources))))
			for _, src := range msg.Sources {
				fmt.Fprintf(r.out, "  - %s\n", r.bot(src.Title))
				if src.Content != "" {
					fmt.Fprintf(r.out, "    %s\n", r.muted(src.Content))
				}
			}
		}
	}
	fmt.Fprintln(r.out)
}

// Stages prints only the lines that changed since the previous snapshot.
func (r *Renderer) Stages(stages []chat.Stage) {
	for i, stage := range stages {
		if i < len(r.shown) && r.shown[i] == stage {
			continue
		}
		switch stage.Status {
		case chat.StageCompleted:
			line := r.done("✓ ") + stage.Title
			if stage.Detail != "" {
				line += " " + r.muted("("+stage.Detail+")")
			}
			fmt.Fprintln(r.out, line)
		default:
			fmt.Fprintln(r.out, r.active("… ")+stage.Title)
		}
	}
	r.shown = append(r.shown[:0], stages...)
}
