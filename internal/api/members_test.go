package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/snarg/acd-engine/internal/acdqueue"
)

func newMemberRequest(method, body string, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestMembersHandlerAddOk(t *testing.T) {
	store, api := newTestBackend(t)
	loader := &fakeQueueLoader{names: []string{"support"}}
	store.SetStatic(loader, true)
	_, err := store.LoadOrReload(context.Background(), "support")
	require.NoError(t, err)

	h := NewMembersHandler(api)
	req := newMemberRequest("POST", `{"interface":"SIP/1001","name":"Alice","penalty":2}`, map[string]string{"name": "support"})
	rec := httptest.NewRecorder()
	h.Add(rec, req)

	require.Equal(t, 201, rec.Code)
	members, ok := api.MemberList("support")
	require.True(t, ok)
	require.Len(t, members, 1)
	require.Equal(t, 2, members[0].Penalty)
}

func TestMembersHandlerAddRejectsMissingInterface(t *testing.T) {
	_, api := newTestBackend(t)
	h := NewMembersHandler(api)
	req := newMemberRequest("POST", `{"name":"Alice"}`, map[string]string{"name": "support"})
	rec := httptest.NewRecorder()
	h.Add(rec, req)

	require.Equal(t, 400, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(ErrInvalidBody), body.Code)
}

func TestMembersHandlerAddNoQueue(t *testing.T) {
	_, api := newTestBackend(t)
	h := NewMembersHandler(api)
	req := newMemberRequest("POST", `{"interface":"SIP/1001"}`, map[string]string{"name": "nosuchqueue"})
	rec := httptest.NewRecorder()
	h.Add(rec, req)

	require.Equal(t, 404, rec.Code)
}

func TestMembersHandlerAddConflict(t *testing.T) {
	store, api := newTestBackend(t)
	loader := &fakeQueueLoader{names: []string{"support"}}
	store.SetStatic(loader, true)
	_, err := store.LoadOrReload(context.Background(), "support")
	require.NoError(t, err)
	require.Equal(t, acdqueue.OpOk, api.AddMember(context.Background(), "support", "SIP/1001", "Alice", 0, false, true, false))

	h := NewMembersHandler(api)
	req := newMemberRequest("POST", `{"interface":"SIP/1001"}`, map[string]string{"name": "support"})
	rec := httptest.NewRecorder()
	h.Add(rec, req)

	require.Equal(t, 409, rec.Code)
}

func TestMembersHandlerRemove(t *testing.T) {
	store, api := newTestBackend(t)
	loader := &fakeQueueLoader{names: []string{"support"}}
	store.SetStatic(loader, true)
	_, err := store.LoadOrReload(context.Background(), "support")
	require.NoError(t, err)
	require.Equal(t, acdqueue.OpOk, api.AddMember(context.Background(), "support", "SIP/1001", "Alice", 0, false, true, false))

	h := NewMembersHandler(api)
	req := newMemberRequest("DELETE", "", map[string]string{"name": "support", "iface": "SIP/1001"})
	rec := httptest.NewRecorder()
	h.Remove(rec, req)

	require.Equal(t, 204, rec.Code)
	members, _ := api.MemberList("support")
	require.Empty(t, members)
}

func TestMembersHandlerRemoveNotThere(t *testing.T) {
	store, api := newTestBackend(t)
	loader := &fakeQueueLoader{names: []string{"support"}}
	store.SetStatic(loader, true)
	_, err := store.LoadOrReload(context.Background(), "support")
	require.NoError(t, err)

	h := NewMembersHandler(api)
	req := newMemberRequest("DELETE", "", map[string]string{"name": "support", "iface": "SIP/9999"})
	rec := httptest.NewRecorder()
	h.Remove(rec, req)

	require.Equal(t, 404, rec.Code)
}

func TestMembersHandlerPauseAndUnpause(t *testing.T) {
	store, api := newTestBackend(t)
	loader := &fakeQueueLoader{names: []string{"support"}}
	store.SetStatic(loader, true)
	_, err := store.LoadOrReload(context.Background(), "support")
	require.NoError(t, err)
	require.Equal(t, acdqueue.OpOk, api.AddMember(context.Background(), "support", "SIP/1001", "Alice", 0, false, true, false))

	h := NewMembersHandler(api)

	req := newMemberRequest("POST", `{"reason":"lunch"}`, map[string]string{"name": "support", "iface": "SIP/1001"})
	rec := httptest.NewRecorder()
	h.Pause(rec, req)
	require.Equal(t, 200, rec.Code)

	members, _ := api.MemberList("support")
	require.True(t, members[0].Paused)

	req2 := newMemberRequest("POST", `{}`, map[string]string{"name": "support", "iface": "SIP/1001"})
	rec2 := httptest.NewRecorder()
	h.Unpause(rec2, req2)
	require.Equal(t, 200, rec2.Code)

	members, _ = api.MemberList("support")
	require.False(t, members[0].Paused)
}

func TestMembersHandlerPauseMemberNotFound(t *testing.T) {
	store, api := newTestBackend(t)
	loader := &fakeQueueLoader{names: []string{"support"}}
	store.SetStatic(loader, true)
	_, err := store.LoadOrReload(context.Background(), "support")
	require.NoError(t, err)

	h := NewMembersHandler(api)
	req := newMemberRequest("POST", `{}`, map[string]string{"name": "support", "iface": "SIP/9999"})
	rec := httptest.NewRecorder()
	h.Pause(rec, req)

	require.Equal(t, 404, rec.Code)
}
