package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/acd-engine/internal/acdqueue"
)

// MembersHandler exposes membership mutation (add/remove/pause) over the
// dispatch core's External-call API surface.
type MembersHandler struct {
	api *acdqueue.API
}

func NewMembersHandler(api *acdqueue.API) *MembersHandler {
	return &MembersHandler{api: api}
}

func (h *MembersHandler) Routes(r chi.Router) {
	r.Post("/queues/{name}/members", h.Add)
	r.Delete("/queues/{name}/members/{iface}", h.Remove)
	r.Post("/queues/{name}/members/{iface}/pause", h.Pause)
	r.Post("/queues/{name}/members/{iface}/unpause", h.Unpause)
}

type addMemberRequest struct {
	Interface string `json:"interface"`
	Name      string `json:"name"`
	Penalty   int    `json:"penalty"`
	Paused    bool   `json:"paused"`
}

func (h *MembersHandler) Add(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req addMemberRequest
	if err := DecodeJSON(r, &req); err != nil || req.Interface == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body")
		return
	}

	result := h.api.AddMember(r.Context(), name, req.Interface, req.Name, req.Penalty, req.Paused, true, false)
	switch result {
	case acdqueue.OpOk:
		WriteJSON(w, http.StatusCreated, struct {
			Result string `json:"result"`
		}{string(result)})
	case acdqueue.OpNoQueue:
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "queue not found")
	case acdqueue.OpExists:
		WriteErrorWithCode(w, http.StatusConflict, ErrConflict, "member already exists on this queue")
	default:
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidParameter, string(result))
	}
}

func (h *MembersHandler) Remove(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	iface := chi.URLParam(r, "iface")

	result := h.api.RemoveMember(r.Context(), name, iface)
	switch result {
	case acdqueue.OpOk:
		w.WriteHeader(http.StatusNoContent)
	case acdqueue.OpNoQueue:
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "queue not found")
	case acdqueue.OpNotThere:
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "member not on this queue")
	default:
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidParameter, string(result))
	}
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (h *MembersHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

func (h *MembersHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *MembersHandler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	name := chi.URLParam(r, "name")
	iface := chi.URLParam(r, "iface")

	var req pauseRequest
	_ = DecodeJSON(r, &req) // reason is optional; a missing/invalid body just leaves it empty

	n := h.api.SetPaused(r.Context(), name, iface, req.Reason, paused)
	if n == 0 {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "member not found on the named queue")
		return
	}
	WriteJSON(w, http.StatusOK, struct {
		Updated int `json:"updated"`
	}{n})
}
