package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/herald/config"
	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/ledger"
	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/queue"
)

const testAPIKey = "test-key"

type serverFixture struct {
	server *Server
	router http.Handler
	store  *queue.Store
	ledger *ledger.Ledger
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	dir := t.TempDir()

	store, err := queue.NewStore(filepath.Join(dir, "queues"))
	require.NoError(t, err)
	l, err := ledger.New(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	registry, err := lists.NewRegistry([]config.ListConfig{
		{
			Name:    "announce",
			Address: "announce@example.com",
			Owner:   "owner@example.com",
			Members: []string{"m1@example.com", "m2@example.com"},
			Archive: true,
		},
	})
	require.NoError(t, err)
	regFn := func() *lists.Registry { return registry }

	srv, err := New(config.AdminConfig{Addr: ":0", APIKey: testAPIKey}, Options{
		Store:     store,
		Ledger:    l,
		Moderator: ledger.NewModerator(l, store, regFn, "mx1.example.com"),
		Registry:  regFn,
	})
	require.NoError(t, err)

	return &serverFixture{
		server: srv,
		router: srv.setupRoutes(),
		store:  store,
		ledger: l,
	}
}

func (f *serverFixture) request(method, path, body, apiKey string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(config.AdminConfig{Addr: ":0"}, Options{})
	assert.Error(t, err)
}

func TestHealthzIsOpen(t *testing.T) {
	f := newServerFixture(t)
	rec := f.request("GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsIsOpen(t *testing.T) {
	f := newServerFixture(t)
	rec := f.request("GET", "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request("GET", "/queues", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing header")

	req := httptest.NewRequest("GET", "/queues", nil)
	req.Header.Set("Authorization", testAPIKey)
	raw := httptest.NewRecorder()
	f.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusUnauthorized, raw.Code, "not a bearer token")

	rec = f.request("GET", "/queues", "", "wrong-key")
	assert.Equal(t, http.StatusForbidden, rec.Code, "wrong key")

	rec = f.request("GET", "/queues", "", testAPIKey)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueuesEndpoint(t *testing.T) {
	f := newServerFixture(t)
	rec := f.request("GET", "/queues", "", testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats []struct {
		Queue  string `json:"queue"`
		Ready  int    `json:"ready"`
		Staged int    `json:"staged"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Len(t, stats, len(consts.AllQueues))
	for _, s := range stats {
		assert.Zero(t, s.Ready, "queue %s", s.Queue)
		assert.Zero(t, s.Staged, "queue %s", s.Queue)
	}
}

func TestListsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	rec := f.request("GET", "/lists", "", testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []struct {
		Name    string `json:"name"`
		Address string `json:"address"`
		Members int    `json:"members"`
		Archive bool   `json:"archive"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "announce", infos[0].Name)
	assert.Equal(t, "announce@example.com", infos[0].Address)
	assert.Equal(t, 2, infos[0].Members)
	assert.True(t, infos[0].Archive)
}

func TestHeldEndpoint(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	holdID, err := f.ledger.Record(ctx, "announce", "<m1@example.com>", "entry-1", "emergency moderation", "emergency")
	require.NoError(t, err)

	rec := f.request("GET", "/lists/announce/held", "", testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []struct {
		HoldID    string `json:"hold_id"`
		List      string `json:"list"`
		MessageID string `json:"message_id"`
		Rule      string `json:"rule"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, holdID, infos[0].HoldID)
	assert.Equal(t, "announce", infos[0].List)
	assert.Equal(t, "<m1@example.com>", infos[0].MessageID)
	assert.Equal(t, "emergency", infos[0].Rule)
}

func TestHeldEndpointUnknownList(t *testing.T) {
	f := newServerFixture(t)
	rec := f.request("GET", "/lists/ghost/held", "", testAPIKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveEndpoint(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	holdID, err := f.ledger.Record(ctx, "announce", "<m1@example.com>", "entry-1", "emergency moderation", "emergency")
	require.NoError(t, err)

	rec := f.request("POST", "/held/"+holdID+"/resolve", `{"disposition":"discarded"}`, testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, holdID, resp["hold_id"])
	assert.Equal(t, "discarded", resp["disposition"])

	// A second decision conflicts.
	rec = f.request("POST", "/held/"+holdID+"/resolve", `{"disposition":"approved"}`, testAPIKey)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResolveEndpointBadRequests(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request("POST", "/held/h1/resolve", `not json`, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request("POST", "/held/h1/resolve", `{"disposition":"pending"}`, testAPIKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request("POST", "/held/h1/resolve", `{"disposition":"approved"}`, testAPIKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
