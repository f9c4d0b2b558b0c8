package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crdtkit/config"
	"crdtkit/crdt"
	"crdtkit/crdtstorage"
	"crdtkit/crdtsync"
	"crdtkit/journal"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Node.ReplicaID = "7"
	cfg.Node.HTTPAddr = ""
	cfg.Storage.Type = string(crdtstorage.StorageMemory)
	cfg.Network.Type = "memory"
	cfg.Network.SyncInterval = 0
	return cfg
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := NewNode(context.Background(), testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func do(t *testing.T, h http.Handler, method, target, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestNode_CounterAPI(t *testing.T) {
	n := newTestNode(t)
	h := n.routes()

	code, body := do(t, h, http.MethodGet, "/counter", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["value"])

	code, body = do(t, h, http.MethodPost, "/counter", `{"delta": 5}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 5, body["value"])

	code, body = do(t, h, http.MethodPost, "/counter", `{"delta": -7}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, -2, body["value"])

	assert.Equal(t, int64(-2), n.Counter().Get().Value())
	assert.Equal(t, 2, n.Counter().Journal().EntryCount())
}

func TestNode_CounterAPIRejectsBadInput(t *testing.T) {
	h := newTestNode(t).routes()

	code, _ := do(t, h, http.MethodPost, "/counter", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, h, http.MethodPost, "/counter", `{"delta": 0}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, h, http.MethodDelete, "/counter", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestNode_MembersAPI(t *testing.T) {
	n := newTestNode(t)
	h := n.routes()

	code, _ := do(t, h, http.MethodPost, "/members/bob", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, http.MethodPost, "/members/alice", "")
	require.Equal(t, http.StatusOK, code)

	code, body := do(t, h, http.MethodGet, "/members", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{"alice", "bob"}, body["members"])

	code, _ = do(t, h, http.MethodGet, "/members/bob", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, h, http.MethodDelete, "/members/bob", "")
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, h, http.MethodGet, "/members/bob", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, []string{"alice"}, crdt.SortedElements(n.Members().Get()))

	code, _ = do(t, h, http.MethodPost, "/members/", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestNode_HealthAndPeers(t *testing.T) {
	n := newTestNode(t)
	h := n.routes()

	code, body := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 7, body["replica"])

	code, body = do(t, h, http.MethodGet, "/peers", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "memory", body["network"])
	assert.Empty(t, body["connectedPeers"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNode_RunStopsWithContext(t *testing.T) {
	n := newTestNode(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	cancel()
	assert.NoError(t, <-done)
}

func TestNode_LocalOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Network.Type = "none"
	n, err := NewNode(context.Background(), cfg)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Counter().Mutate(context.Background(), func(c *crdt.PNCounter) error {
		c.Increment(3)
		return nil
	}))
	assert.Equal(t, int64(3), n.Counter().Get().Value())
}

func TestNode_RestoresFromFileStorage(t *testing.T) {
	cfg := testConfig()
	cfg.Network.Type = "none"
	cfg.Storage.Type = string(crdtstorage.StorageFile)
	cfg.Storage.Path = t.TempDir()

	n, err := NewNode(context.Background(), cfg)
	require.NoError(t, err)
	h := n.routes()
	code, _ := do(t, h, http.MethodPost, "/counter", `{"delta": 4}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, http.MethodPost, "/members/carol", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, n.Close())

	restarted, err := NewNode(context.Background(), cfg)
	require.NoError(t, err)
	defer restarted.Close()
	assert.Equal(t, int64(4), restarted.Counter().Get().Value())
	assert.True(t, restarted.Members().Get().Contains("carol"))
	assert.Equal(t, 1, restarted.Counter().Journal().EntryCount())
}

func TestWithTopic(t *testing.T) {
	opts := withTopic(crdtsync.Options{Topic: "crdtkit"}, "counter")
	assert.Equal(t, "crdtkit/counter", opts.Topic)

	opts = withTopic(crdtsync.Options{}, "counter")
	assert.Empty(t, opts.Topic)
}

func TestDescribeJournal(t *testing.T) {
	ctx := context.Background()
	storage := crdtstorage.NewMemoryAdapter()

	j, err := journal.Mount(ctx, storage, "members.log", func() *MemberSet { return crdt.NewAddWinsSet[string](1) })
	require.NoError(t, err)
	for _, name := range []string{"x", "y"} {
		name := name
		require.NoError(t, j.Mutate(ctx, func(s *MemberSet) error {
			s.Add(name)
			return nil
		}))
	}

	summary, err := describeJournal(ctx, storage, 2, typeORSet, "members.log")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Entries)
	assert.Equal(t, []string{"x", "y"}, summary.Value)
	assert.Equal(t, uint64(2), summary.Version.Get(1))

	out := dumper.Sdump(summary)
	assert.Contains(t, out, "members.log")

	_, err = describeJournal(ctx, storage, 2, "bogus", "members.log")
	assert.Error(t, err)
}

func TestCompactJournal(t *testing.T) {
	ctx := context.Background()
	storage := crdtstorage.NewMemoryAdapter()

	j, err := journal.Mount(ctx, storage, "counter.log", func() *crdt.GCounter { return crdt.NewGCounter(1) })
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, j.Mutate(ctx, func(c *crdt.GCounter) error {
			c.Increment(1)
			return nil
		}))
	}

	before, err := compactJournal(ctx, storage, 1, typeGCounter, "counter.log")
	require.NoError(t, err)
	assert.Equal(t, 4, before)

	summary, err := describeJournal(ctx, storage, 1, typeGCounter, "counter.log")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Entries)
	assert.Equal(t, uint64(4), summary.Value)

	_, err = compactJournal(ctx, storage, 1, typeGCounter, "missing.log")
	assert.ErrorIs(t, err, crdtstorage.ErrNotFound)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crdtkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  log_level: debug\nstorage:\n  type: file\n  path: /tmp/x\n"), 0o644))

	configPath, storeType, storePath = path, string(crdtstorage.StorageMemory), ""
	defer func() { configPath, storeType, storePath = "crdtkit.yaml", "", "" }()

	cfg, err := loadConfig(rootCmd)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Node.LogLevel)
	assert.Equal(t, string(crdtstorage.StorageMemory), cfg.Storage.Type)
}
