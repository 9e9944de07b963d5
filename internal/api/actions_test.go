package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/harborview/realtime/internal/auth"
	"github.com/harborview/realtime/internal/hub"
	"github.com/harborview/realtime/internal/store"
	"github.com/harborview/realtime/wire"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingTransport struct {
	mu     sync.Mutex
	frames []wire.ServerFrame
}

func (t *recordingTransport) WriteFrame(f wire.ServerFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, f)
	return nil
}

func (t *recordingTransport) Close() error { return nil }

func (t *recordingTransport) events(topic string) []wire.ServerFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []wire.ServerFrame
	for _, f := range t.frames {
		if f.Op == wire.OpEvent && f.Topic == topic {
			out = append(out, f)
		}
	}
	return out
}

type testServer struct {
	srv    *httptest.Server
	hub    *hub.Manager
	tokens *auth.Manager
	token  string
}

func newTestServer(t *testing.T, mutate Mutator, snapshots SnapshotSource, authorize hub.Authorizer) *testServer {
	t.Helper()

	tokens, err := auth.NewManager("test-secret")
	require.NoError(t, err)
	token, err := tokens.Mint("user-1", time.Hour)
	require.NoError(t, err)

	manager := hub.NewManager(tokens, hub.Config{})
	t.Cleanup(manager.Close)

	router := NewRouter(Deps{
		Verifier:  tokens,
		Hub:       manager,
		Mutate:    mutate,
		Snapshots: snapshots,
		Authorize: authorize,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, hub: manager, tokens: tokens, token: token}
}

func (ts *testServer) submit(t *testing.T, token string, sub wire.ActionSubmission) (*http.Response, wire.ActionResult) {
	t.Helper()
	body, err := json.Marshal(sub)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/v1/actions", bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var res wire.ActionResult
	_ = json.NewDecoder(resp.Body).Decode(&res)
	return resp, res
}

func putSubmission(key, topic, entityID string, expectedVersion int64) wire.ActionSubmission {
	payload, _ := json.Marshal(store.PutPayload{
		Topic:           topic,
		EntityID:        entityID,
		ExpectedVersion: expectedVersion,
		Data:            json.RawMessage(`{"title":"hello"}`),
	})
	return wire.ActionSubmission{
		IdempotencyKey: key,
		Kind:           store.KindEntityPut,
		Payload:        payload,
	}
}

func TestActionsRequireAuth(t *testing.T) {
	entities := store.New()
	ts := newTestServer(t, entities.Mutate, entities.Snapshot, nil)

	resp, _ := ts.submit(t, "", putSubmission("k1", "board:1", "e1", 0))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.submit(t, "bogus-token", putSubmission("k1", "board:1", "e1", 0))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestActionsValidateSubmission(t *testing.T) {
	entities := store.New()
	ts := newTestServer(t, entities.Mutate, entities.Snapshot, nil)

	resp, res := ts.submit(t, ts.token, wire.ActionSubmission{Kind: store.KindEntityPut})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, wire.ResultError, res.Result)

	resp, _ = ts.submit(t, ts.token, wire.ActionSubmission{IdempotencyKey: "k1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActionsApplyAndBroadcast(t *testing.T) {
	entities := store.New()
	ts := newTestServer(t, entities.Mutate, entities.Snapshot, nil)

	// A live subscriber watching the topic observes the resulting event.
	watcher := &recordingTransport{}
	connID, err := ts.hub.Accept(watcher, ts.token)
	require.NoError(t, err)
	require.NoError(t, ts.hub.Join(connID, "board:1", 0))

	resp, res := ts.submit(t, ts.token, putSubmission("k1", "board:1", "e1", 0))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, wire.ResultSuccess, res.Result)
	require.Equal(t, "board:1", res.Topic)
	require.Equal(t, wire.EventEntityUpdated, res.EventKind)
	require.Equal(t, ts.hub.CurrentSeq("board:1"), res.Seq)

	require.Eventually(t, func() bool {
		for _, f := range watcher.events("board:1") {
			if f.Kind == wire.EventEntityUpdated && f.Seq == res.Seq {
				return f.OriginID == "user-1"
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestActionsIdempotentReplay(t *testing.T) {
	var calls int
	var mu sync.Mutex
	entities := store.New()
	counting := func(ctx context.Context, origin string, sub wire.ActionSubmission) (wire.ActionResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return entities.Mutate(ctx, origin, sub)
	}
	ts := newTestServer(t, counting, entities.Snapshot, nil)

	first, firstRes := ts.submit(t, ts.token, putSubmission("k1", "board:1", "e1", 0))
	require.Equal(t, http.StatusOK, first.StatusCode)

	// Replaying the same idempotency key returns the recorded outcome and
	// does not run the mutation or publish again.
	second, secondRes := ts.submit(t, ts.token, putSubmission("k1", "board:1", "e1", 0))
	require.Equal(t, http.StatusOK, second.StatusCode)
	require.Equal(t, firstRes, secondRes)

	mu.Lock()
	require.Equal(t, 1, calls)
	mu.Unlock()
	require.Equal(t, int64(1), ts.hub.CurrentSeq("board:1"))
}

func TestActionsConflict(t *testing.T) {
	entities := store.New()
	ts := newTestServer(t, entities.Mutate, entities.Snapshot, nil)

	resp, _ := ts.submit(t, ts.token, putSubmission("k1", "board:1", "e1", 0))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Stale expected version: rejected as a conflict, and the rejection is
	// replayed from cache for the same key.
	resp, res := ts.submit(t, ts.token, putSubmission("k2", "board:1", "e1", 0))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, wire.ResultConflict, res.Result)
	require.NotEmpty(t, res.Message)

	resp, _ = ts.submit(t, ts.token, putSubmission("k2", "board:1", "e1", 0))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, int64(1), ts.hub.CurrentSeq("board:1"))
}

func TestActionsRetryableFailureIsNotCached(t *testing.T) {
	var calls int
	var mu sync.Mutex
	flaky := func(context.Context, string, wire.ActionSubmission) (wire.ActionResult, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return wire.ActionResult{}, fmt.Errorf("backend unavailable")
		}
		return wire.ActionResult{Result: wire.ResultSuccess}, nil
	}
	ts := newTestServer(t, flaky, nil, nil)

	resp, _ := ts.submit(t, ts.token, putSubmission("k1", "board:1", "e1", 0))
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, res := ts.submit(t, ts.token, putSubmission("k1", "board:1", "e1", 0))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, wire.ResultSuccess, res.Result)
}

func TestActionsConflictErrorMapsToConflict(t *testing.T) {
	conflicting := func(context.Context, string, wire.ActionSubmission) (wire.ActionResult, error) {
		return wire.ActionResult{}, &wire.ConflictError{ActionID: "k1", Reason: "state diverged"}
	}
	ts := newTestServer(t, conflicting, nil, nil)

	resp, res := ts.submit(t, ts.token, putSubmission("k1", "board:1", "e1", 0))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, wire.ResultConflict, res.Result)
	require.Equal(t, "state diverged", res.Message)
}
