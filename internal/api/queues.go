package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/acd-engine/internal/acdqueue"
)

// QueuesHandler exposes read/reload operations over the queue store.
type QueuesHandler struct {
	store *acdqueue.Store
	api   *acdqueue.API
}

func NewQueuesHandler(store *acdqueue.Store, api *acdqueue.API) *QueuesHandler {
	return &QueuesHandler{store: store, api: api}
}

func (h *QueuesHandler) Routes(r chi.Router) {
	r.Get("/queues", h.List)
	r.Get("/queues/{name}", h.Get)
	r.Post("/queues/{name}/reload", h.Reload)
	r.Get("/queues/{name}/entries", h.Entries)
}

type queueSummary struct {
	Name             string  `json:"name"`
	Strategy         string  `json:"strategy"`
	WaitingCount     int     `json:"waiting_count"`
	MemberCount      int     `json:"member_count"`
	AvailableCount   int     `json:"available_member_count"`
	Completed        int64   `json:"completed"`
	Abandoned        int64   `json:"abandoned"`
	CompletedInSL    int64   `json:"completed_in_sl"`
	AvgHoldSeconds   float64 `json:"avg_hold_seconds"`
	Weight           int     `json:"weight"`
	MaxLen           int     `json:"maxlen"`
}

func summarize(q *acdqueue.Queue) queueSummary {
	members := q.Members().Snapshot()
	available := 0
	for _, m := range members {
		snap := m.Snapshot()
		if !snap.Paused && (snap.State == acdqueue.DeviceNotInUse || snap.State == acdqueue.DeviceUnknown) {
			available++
		}
	}
	counters := q.CountersSnapshot()
	return queueSummary{
		Name:           q.Name,
		Strategy:       q.Strategy.String(),
		WaitingCount:   q.WaitingCount(),
		MemberCount:    len(members),
		AvailableCount: available,
		Completed:      counters.Completed,
		Abandoned:      counters.Abandoned,
		CompletedInSL:  counters.CompletedInSL,
		AvgHoldSeconds: counters.AvgHoldSecs,
		Weight:         q.Weight,
		MaxLen:         q.MaxLen,
	}
}

// List returns every live queue's summary.
func (h *QueuesHandler) List(w http.ResponseWriter, r *http.Request) {
	queues := h.store.All()
	out := make([]queueSummary, 0, len(queues))
	for _, q := range queues {
		out = append(out, summarize(q))
	}
	WriteJSON(w, http.StatusOK, out)
}

// Get returns a single queue's summary plus its member roster.
func (h *QueuesHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q := h.store.Find(name)
	if q == nil {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "queue not found")
		return
	}

	members, _ := h.api.MemberList(name)
	WriteJSON(w, http.StatusOK, struct {
		queueSummary
		Members []acdqueue.MemberSnapshot `json:"members"`
	}{summarize(q), members})
}

// Reload loads a single queue from static/realtime configuration if it is
// not live yet and returns its summary; a live queue is returned without
// its configuration being re-applied.
func (h *QueuesHandler) Reload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	q, err := h.store.LoadOrReload(ctx, name)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadGateway, ErrInvalidParameter, err.Error())
		return
	}
	if q == nil {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "queue not found")
		return
	}
	WriteJSON(w, http.StatusOK, summarize(q))
}

// Entries returns the channel-variable-equivalent view of every waiting
// caller, the HTTP analogue of the variables_snapshot query.
func (h *QueuesHandler) Entries(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entries, ok := h.api.VariablesSnapshot(name)
	if !ok {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "queue not found")
		return
	}
	WriteJSON(w, http.StatusOK, entries)
}
