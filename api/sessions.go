package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fabfab/docchat/chat"
)

type sourceResponse struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type chatMessage struct {
	ID        string           `json:"id"`
	Content   string           `json:"content"`
	Sender    string           `json:"sender"`
	CreatedAt time.Time        `json:"created_at"`
	Sources   []sourceResponse `json:"sources,omitempty"`
}

type stageResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

type sessionResponse struct {
	ID         string          `json:"id"`
	CreatedAt  time.Time       `json:"created_at"`
	Processing bool            `json:"processing"`
	Messages   []chatMessage   `json:"messages"`
	Stages     []stageResponse `json:"stages"`
	Settings   chat.Settings   `json:"settings"`
}

type sessionSummary struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Processing bool      `json:"processing"`
}

type postMessageRequest struct {
	Content string `json:"content"`
}

type postMessageResponse struct {
	RunID   string      `json:"run_id"`
	Message chatMessage `json:"message"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List()
	out := make([]sessionSummary, len(sessions))
	for i, session := range sessions {
		out[i] = sessionSummary{ID: session.ID, CreatedAt: session.CreatedAt, Processing: session.Busy()}
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Create(r.Context())
	if err != nil {
		s.writeError(w, r, errorStatus(err), fmt.Errorf("create session: %w", err))
		return
	}
	s.writeJSON(w, r, http.StatusCreated, toSessionResponse(session.Snapshot()))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, r, http.StatusOK, toSessionResponse(session.Snapshot()))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(chi.URLParam(r, "sessionID")); err != nil {
		s.writeError(w, r, errorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("content is required"))
		return
	}

	runID, err := session.Submit(r.Context(), content)
	if err != nil {
		s.writeError(w, r, errorStatus(err), err)
		return
	}

	snapshot := session.Snapshot()
	resp := postMessageResponse{RunID: runID}
	for i := len(snapshot.Messages) - 1; i >= 0; i-- {
		if snapshot.Messages[i].Sender == chat.SenderUser {
			resp.Message = toChatMessage(snapshot.Messages[i], false)
			break
		}
	}
	s.writeJSON(w, r, http.StatusAccepted, resp)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, r, http.StatusOK, session.Settings())
}

// handlePutSettings merges the body onto the current settings, so clients may
// send only the fields they change.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	settings := session.Settings()
	if err := decodeJSON(r, &settings); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := session.UpdateSettings(settings); err != nil {
		s.writeError(w, r, errorStatus(err), err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, session.Settings())
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	session, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		status := errorStatus(err)
		if !errors.Is(err, chat.ErrSessionNotFound) {
			err = fmt.Errorf("lookup session: %w", err)
		}
		s.writeError(w, r, status, err)
		return nil, false
	}
	return session, true
}

func toSessionResponse(snapshot chat.Snapshot) sessionResponse {
	resp := sessionResponse{
		ID:         snapshot.ID,
		CreatedAt:  snapshot.CreatedAt,
		Processing: snapshot.Processing,
		Messages:   make([]chatMessage, len(snapshot.Messages)),
		Stages:     toStageResponses(snapshot.Stages),
		Settings:   snapshot.Settings,
	}
	for i, msg := range snapshot.Messages {
		resp.Messages[i] = toChatMessage(msg, snapshot.Settings.ShowSourceDocs)
	}
	return resp
}

func toChatMessage(msg chat.Message, withSources bool) chatMessage {
	out := chatMessage{
		ID:        msg.ID,
		Content:   msg.Content,
		Sender:    string(msg.Sender),
		CreatedAt: msg.CreatedAt,
	}
	if withSources && len(msg.Sources) > 0 {
		out.Sources = make([]sourceResponse, len(msg.Sources))
		for i, src := range msg.Sources {
			out.Sources[i] = toSourceResponse(src)
		}
	}
	return out
}

func toSourceResponse(doc chat.SourceDocument) sourceResponse {
	return sourceResponse{ID: doc.ID, Title: doc.Title, Content: doc.Content}
}

func toStageResponses(stages []chat.Stage) []stageResponse {
	out := make([]stageResponse, len(stages))
	for i, stage := range stages {
		out[i] = stageResponse{
			ID:     stage.ID,
			Status: string(stage.Status),
			Title:  stage.Title,
			Detail: stage.Detail,
		}
	}
	return out
}
