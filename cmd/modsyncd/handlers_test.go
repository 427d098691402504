package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/modsync/src/events"
	"github.com/danmuck/modsync/src/finder"
	"github.com/danmuck/modsync/src/module"
	"github.com/danmuck/modsync/src/module_store"
)

type recordingBus struct {
	mu  sync.Mutex
	got []events.Event
}

func (b *recordingBus) Publish(ctx context.Context, ev events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, ev)
	return nil
}

func newTestAPI(t *testing.T) (*api, *recordingBus, http.Handler) {
	t.Helper()
	store, err := module_store.Open(module_store.DefaultConfig(filepath.Join(t.TempDir(), "storage"), "node-a"))
	require.NoError(t, err)
	bus := &recordingBus{}
	a := newAPI(store, bus, finder.NewRegistry())
	return a, bus, a.routes()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestUploadPublishesChange(t *testing.T) {
	a, bus, h := newTestAPI(t)

	rr := do(t, h, http.MethodPut, "/modules/modular/foo?file=foo.jar", "PK\x03\x04 foo")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp moduleResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "foo.jar", resp.FileName)
	assert.Equal(t, "MODULAR_ASSERTION", resp.Type)
	assert.Equal(t, "UPLOADED", resp.State)
	assert.Equal(t, "create", resp.Operation)

	require.Len(t, bus.got, 1)
	assert.Equal(t, events.Changed(module.ID(resp.ID), events.OpCreate), bus.got[0])

	rr = do(t, h, http.MethodPut, "/modules/modular/foo?file=foo.jar", "PK\x03\x04 foo v2")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Len(t, bus.got, 2)
	assert.Equal(t, events.Changed(module.ID(resp.ID), events.OpUpdate), bus.got[1])

	rec, err := a.store.FindByName("foo")
	require.NoError(t, err)
	assert.Equal(t, module.DigestBytes([]byte("PK\x03\x04 foo v2")), rec.Digest)
}

func TestUploadErrors(t *testing.T) {
	_, bus, h := newTestAPI(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/modules/custom/foo", "same bytes").Code)

	tests := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{"unknown type", "/modules/plugin/bar", "x", http.StatusBadRequest},
		{"empty body", "/modules/custom/bar", "", http.StatusBadRequest},
		{"duplicate content", "/modules/custom/bar", "same bytes", http.StatusConflict},
		{"duplicate file name", "/modules/custom/bar?file=foo.jar", "other bytes", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPut, tt.target, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}
	assert.Len(t, bus.got, 1, "failed uploads publish nothing")
}

func TestDeleteAndList(t *testing.T) {
	a, bus, h := newTestAPI(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/modules/modular/foo", "foo bytes").Code)
	rec, err := a.store.FindByName("foo")
	require.NoError(t, err)
	require.NoError(t, a.store.UpdateState(context.Background(), rec.ID, module.Deployed))

	rr := do(t, h, http.MethodGet, "/modules", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list []moduleResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "DEPLOYED", list[0].State)
	require.Len(t, list[0].Nodes, 1)
	assert.Equal(t, "node-a", list[0].Nodes[0].NodeID)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/modules/"+string(rec.ID), "").Code)

	rr = do(t, h, http.MethodDelete, "/modules/"+string(rec.ID), "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, events.Changed(rec.ID, events.OpDelete), bus.got[len(bus.got)-1])

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/modules/"+string(rec.ID), "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/modules/"+string(rec.ID), "").Code)
}

func TestLoadedModules(t *testing.T) {
	a, _, h := newTestAPI(t)
	a.registry.Register(module.LoadedModule{
		FileName: "foo.jar",
		Type:     module.CustomAssertion,
		Classes:  []string{"com.acme.Foo"},
		Packages: []string{"com.acme"},
	})

	rr := do(t, h, http.MethodGet, "/modules/loaded", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var loaded []loadedResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&loaded))
	require.Len(t, loaded, 1)
	assert.Equal(t, "foo.jar", loaded[0].FileName)
	assert.Equal(t, 1, loaded[0].Classes)
}
