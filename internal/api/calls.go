package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/acd-engine/internal/acdqueue"
)

// CallsHandler is the thin string-argument demo surface for the Queue
// dialplan application: it joins a synthetic entry to a queue and drives it
// through the full lifecycle, the HTTP analogue of a dialplan `Queue()`
// invocation. There is no caller channel behind it (caller is nil); members
// are rung through whatever ChannelFactory the Lifecycle's Dispatcher was
// built with, and with NullFactory every dial fails at once.
type CallsHandler struct {
	api *acdqueue.API
}

func NewCallsHandler(api *acdqueue.API) *CallsHandler {
	return &CallsHandler{api: api}
}

func (h *CallsHandler) Routes(r chi.Router) {
	r.Post("/queues/{name}/calls", h.Run)
}

type runCallRequest struct {
	ChannelID  string `json:"channel_id"`
	Priority   int    `json:"priority"`
	MaxPenalty int    `json:"max_penalty"`
	TimeoutMs  int    `json:"timeout_ms"`
}

type runCallResponse struct {
	Exit       string `json:"exit"`
	AnsweredBy string `json:"answered_by,omitempty"`
	Digit      string `json:"digit,omitempty"`
}

// Run implements the Queue dialplan application over HTTP: the string
// arguments a dialplan would pass positionally (queue name, channel id,
// priority, max penalty) arrive as a JSON body instead.
func (h *CallsHandler) Run(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req runCallRequest
	if err := DecodeJSON(r, &req); err != nil || req.ChannelID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "channel_id is required")
		return
	}

	timeout := 30 * time.Second
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	e := &acdqueue.Entry{
		ChannelID:  req.ChannelID,
		Priority:   req.Priority,
		MaxPenalty: req.MaxPenalty,
		StartTime:  time.Now(),
	}

	result, ok := h.api.Queue(ctx, name, e, nil)
	if !ok {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "queue not found")
		return
	}
	WriteJSON(w, http.StatusOK, runCallResponse{
		Exit:       string(result.Exit),
		AnsweredBy: result.AnsweredBy,
		Digit:      result.Digit,
	})
}
