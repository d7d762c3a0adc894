package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/chatvisor/internal/dispatch"
	"github.com/loykin/chatvisor/internal/run"
	"github.com/loykin/chatvisor/internal/session"
	"github.com/loykin/chatvisor/internal/status"
)

type fakeSupervisor struct {
	bus *run.Bus

	mu       sync.Mutex
	requests []dispatch.Request
	stops    []string
	outcome  dispatch.Outcome
	err      error
	views    map[string]dispatch.RunView
}

func newFake() *fakeSupervisor {
	return &fakeSupervisor{bus: run.NewBus(), views: map[string]dispatch.RunView{}}
}

func (f *fakeSupervisor) Dispatch(_ context.Context, req dispatch.Request) (dispatch.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if strings.TrimSpace(req.Text) == "" {
		return dispatch.Outcome{}, dispatch.ErrEmptyText
	}
	return f.outcome, f.err
}

func (f *fakeSupervisor) View(runID string) (dispatch.RunView, error) {
	if err := session.ValidateRunID(runID); err != nil {
		return dispatch.RunView{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[runID]
	if !ok {
		return dispatch.RunView{RunID: runID}, nil
	}
	return v, nil
}

func (f *fakeSupervisor) List() []dispatch.RunView {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatch.RunView, 0, len(f.views))
	for _, v := range f.views {
		out = append(out, v)
	}
	return out
}

func (f *fakeSupervisor) Stop(_ context.Context, runID string, hard bool) error {
	if err := session.ValidateRunID(runID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, fmt.Sprintf("%s hard=%t", runID, hard))
	return f.err
}

func (f *fakeSupervisor) Bus() *run.Bus { return f.bus }

func setupRouter(t *testing.T, base string, sup Supervisor, opts ...Option) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(sup, base, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDispatchReturnsOutcome(t *testing.T) {
	sup := newFake()
	sup.outcome = dispatch.Outcome{OK: false, RunID: "r1", Reason: dispatch.ReasonBusy, Message: "run is busy", CurrentMessage: "thinking"}
	h := setupRouter(t, "/api", sup)

	rec := doReq(t, h, http.MethodPost, "/api/dispatch", map[string]any{"text": "hi", "runId": "r1", "force": true, "mode": "HEADLESS"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "busy", out["reason"])
	assert.Equal(t, "thinking", out["currentMessage"])

	require.Len(t, sup.requests, 1)
	assert.Equal(t, dispatch.Request{Text: "hi", RunID: "r1", Force: true, Mode: run.ModeHeadless}, sup.requests[0])
}

func TestDispatchBadRequests(t *testing.T) {
	h := setupRouter(t, "", newFake())
	cases := []struct {
		name string
		body any
	}{
		{"empty text", map[string]any{"text": " "}},
		{"bad mode", map[string]any{"text": "hi", "mode": "floating"}},
		{"relative cwd", map[string]any{"text": "hi", "cwd": "work/dir"}},
		{"not json", "just a string"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doReq(t, h, http.MethodPost, "/dispatch", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestDispatchInternalError(t *testing.T) {
	sup := newFake()
	sup.err = errors.New("disk full")
	h := setupRouter(t, "", sup)
	rec := doReq(t, h, http.MethodPost, "/dispatch", map[string]any{"text": "hi"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "disk full")
}

func TestRuns(t *testing.T) {
	sup := newFake()
	sup.views["r1"] = dispatch.RunView{RunID: "r1", Alive: true, Tracked: true,
		Status: &status.Record{RunID: "r1", State: status.StateIdle}}
	h := setupRouter(t, "/api", sup)

	rec := doReq(t, h, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []dispatch.RunView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, status.StateIdle, list[0].Status.State)

	rec = doReq(t, h, http.MethodGet, "/api/runs/r1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/runs/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/runs/bad%20id", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStop(t *testing.T) {
	sup := newFake()
	h := setupRouter(t, "", sup)

	rec := doReq(t, h, http.MethodPost, "/runs/r1/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/runs/r1/stop?hard=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"r1 hard=false", "r1 hard=true"}, sup.stops)
}

func TestMetricsRouteIsOptional(t *testing.T) {
	h := setupRouter(t, "", newFake())
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/metrics", nil).Code)

	h = setupRouter(t, "/api", newFake(), WithMetrics())
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/metrics", nil).Code)
}

// readEvent returns the next SSE event name and data.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if name != "" || data != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestEventsStream(t *testing.T) {
	sup := newFake()
	srv := httptest.NewServer(setupRouter(t, "/api", sup))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?run=r2", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	r := bufio.NewReader(resp.Body)
	name, _ := readEvent(t, r)
	require.Equal(t, "ready", name)

	sup.bus.Publish(run.Event{Kind: run.EventStatus, RunID: "r1", State: status.StateRunning})
	sup.bus.Publish(run.Event{Kind: run.EventCrashed, RunID: "r2", PID: 42, Message: "worker exited unexpectedly"})

	name, data := readEvent(t, r)
	assert.Equal(t, "crashed", name)
	var e run.Event
	require.NoError(t, json.Unmarshal([]byte(data), &e))
	assert.Equal(t, "r2", e.RunID)
	assert.Equal(t, 42, e.PID)
}

func TestEventsRejectsBadFilter(t *testing.T) {
	h := setupRouter(t, "", newFake())
	rec := doReq(t, h, http.MethodGet, "/events?run=../x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
