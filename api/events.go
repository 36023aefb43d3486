package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fabfab/docchat/chat"
	"github.com/fabfab/docchat/logging"
)

const (
	eventBuffer       = 64
	heartbeatInterval = 15 * time.Second
)

type eventPayload struct {
	Type    string          `json:"type"`
	RunID   string          `json:"run_id,omitempty"`
	Message *chatMessage    `json:"message,omitempty"`
	Stages  []stageResponse `json:"stages,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
}

// handleEvents streams the session as Server-Sent Events. The first event is a
// snapshot of the whole session; every later event is one change.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, fmt.Errorf("streaming is not supported"))
		return
	}

	events, unsubscribe := session.Subscribe(eventBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	logger := logging.FromContext(r.Context(), s.logger)

	if err := writeSSE(w, "snapshot", toSessionResponse(session.Snapshot())); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-events:
			if !open {
				_ = writeSSE(w, "closed", eventPayload{Type: "closed"})
				flusher.Flush()
				return
			}
			payload := toEventPayload(event, session.Settings().ShowSourceDocs)
			if err := writeSSE(w, payload.Type, payload); err != nil {
				logger.Debug().Err(err).Msg("event stream write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

func toEventPayload(event chat.Event, withSources bool) eventPayload {
	payload := eventPayload{
		Type:  string(event.Type),
		RunID: event.RunID,
	}
	if event.Message != nil {
		msg := toChatMessage(*event.Message, withSources)
		payload.Message = &msg
	}
	if len(event.Stages) > 0 {
		payload.Stages = toStageResponses(event.Stages)
	}
	if event.Err != nil {
		payload.Error = event.Err.Error()
		var pe *chat.PipelineError
		if errors.As(event.Err, &pe) {
			payload.Kind = string(pe.Kind)
		}
	}
	return payload
}
