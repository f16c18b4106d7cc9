package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"scrapesched/internal/eventbus"
	"scrapesched/internal/model"
	"scrapesched/internal/settings"
	"scrapesched/internal/status"
	"scrapesched/internal/storage"
	"scrapesched/internal/task/engine"
	"scrapesched/internal/task/scheduler"
	logx "scrapesched/pkg/logx"
)

type unitList []model.SearchUnit

func (u unitList) ActiveUnits(context.Context) ([]model.SearchUnit, error) { return u, nil }

// gate blocks every fetch until released or cancelled.
type gate chan struct{}

func (g gate) Fetch(ctx context.Context, _ model.SearchUnit) (model.FetchResult, error) {
	select {
	case <-g:
		return model.FetchResult{PropertiesFound: 1, PropertiesSaved: 1}, nil
	case <-ctx.Done():
		return model.FetchResult{}, ctx.Err()
	}
}

type fixture struct {
	deps   Deps
	engine *engine.Engine
	sched  *scheduler.Service
	srv    *httptest.Server
	gate   gate
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory(storage.Retention{})
	bus := eventbus.New()
	st := status.New(5 * time.Second)
	prov, err := settings.New(ctx, store, model.DefaultScraperConfig(), settings.WithBus(bus))
	require.NoError(t, err)

	fx := &fixture{gate: make(gate)}
	fx.engine = engine.New(prov, unitList{{ID: "lisbon"}, {ID: "porto"}}, fx.gate, store,
		engine.WithStatus(st), engine.WithBus(bus))
	fx.sched = scheduler.New(scheduler.Config{Tick: time.Hour}, prov, fx.engine, st, logx.Nop(), bus)
	fx.deps = Deps{Settings: prov, Scheduler: fx.sched, Engine: fx.engine, Store: store, Status: st, Bus: bus}

	h := NewHandler(fx.deps, cfg, logx.Nop())
	fx.srv = httptest.NewServer(h.Router())
	t.Cleanup(func() {
		h.Close()
		fx.srv.Close()
		_ = fx.sched.Stop(ctx)
		_ = fx.engine.Close(ctx)
	})
	return fx
}

func (fx *fixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, fx.srv.URL+path, rd)
	require.NoError(t, err)
	res, err := fx.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil && res.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	} else if out != nil {
		b, _ := io.ReadAll(res.Body)
		_ = json.Unmarshal(b, out)
	}
	return res.StatusCode
}

func TestConfigEndpoints(t *testing.T) {
	fx := newFixture(t, Config{})

	var cfg model.ScraperConfig
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/api/config", "", &cfg))
	require.Equal(t, model.DefaultScraperConfig().MaxWorkers, cfg.MaxWorkers)

	var testCases = []struct {
		scenario string
		given    string
		then     int
		field    string
	}{
		{"workers above bound", `{"max_workers": 25}`, http.StatusBadRequest, "max_workers"},
		{"interval below bound", `{"interval_minutes": 0}`, http.StatusBadRequest, "interval_minutes"},
		{"unknown field", `{"workers": 3}`, http.StatusBadRequest, ""},
		{"malformed", `{"max_workers": `, http.StatusBadRequest, ""},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			var resp errorResponse
			require.Equal(t, tt.then, fx.do(t, http.MethodPut, "/api/config", tt.given, &resp))
			require.Equal(t, tt.field, resp.Field)
			require.NotEmpty(t, resp.Error)
		})
	}

	require.Equal(t, http.StatusOK, fx.do(t, http.MethodPut, "/api/config", `{"max_workers": 8, "retry_attempts": 2}`, &cfg))
	require.Equal(t, 8, cfg.MaxWorkers)
	require.Equal(t, 2, cfg.RetryAttempts)
	require.False(t, cfg.UpdatedAt.IsZero())

	var again model.ScraperConfig
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/api/config", "", &again))
	require.Equal(t, 8, again.MaxWorkers)
}

func TestExecutionEndpoints(t *testing.T) {
	fx := newFixture(t, Config{})

	var started startResponse
	require.Equal(t, http.StatusAccepted, fx.do(t, http.MethodPost, "/api/execution/start", "", &started))
	require.NotEmpty(t, started.ExecutionID)

	var busy errorResponse
	require.Equal(t, http.StatusConflict, fx.do(t, http.MethodPost, "/api/execution/start", "", &busy))
	require.Contains(t, busy.Error, model.ErrBusy.Error())

	var st StatusResponse
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/api/status", "", &st))
	require.True(t, st.ExecutionRunning)
	require.Equal(t, started.ExecutionID, st.CurrentExecutionID)
	require.False(t, st.SchedulerRunning)

	require.Equal(t, http.StatusAccepted, fx.do(t, http.MethodPost, "/api/execution/cancel", `{"reason": "maintenance"}`, nil))

	var got model.Execution
	require.Eventually(t, func() bool {
		fx.do(t, http.MethodGet, "/api/execution/"+started.ExecutionID, "", &got)
		return got.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, model.StatusCancelled, got.Status)
	require.Equal(t, "cancelled: maintenance", got.ErrorMessage)
	require.NotNil(t, got.Config)

	require.Equal(t, http.StatusNotFound, fx.do(t, http.MethodPost, "/api/execution/cancel", "", nil))
	require.Equal(t, http.StatusNotFound, fx.do(t, http.MethodGet, "/api/execution/missing", "", nil))

	var list []model.Execution
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/api/executions?limit=5", "", &list))
	require.Len(t, list, 1)
	require.Equal(t, started.ExecutionID, list[0].ID)
	require.Nil(t, list[0].Config, "summaries omit the config snapshot")

	for _, bad := range []string{"0", "-1", "ten"} {
		require.Equal(t, http.StatusBadRequest, fx.do(t, http.MethodGet, "/api/executions?limit="+bad, "", nil), bad)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	fx := newFixture(t, Config{})
	close(fx.gate)

	var resp schedulerResponse
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodPost, "/api/scheduler/start", "", &resp))
	require.True(t, resp.SchedulerRunning)

	// The first tick starts a run right away.
	require.Eventually(t, func() bool {
		var list []model.Execution
		fx.do(t, http.MethodGet, "/api/executions", "", &list)
		return len(list) == 1 && list[0].Status == model.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	var st StatusResponse
	require.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/api/status", "", &st))
	require.True(t, st.SchedulerRunning)
	require.True(t, st.Scheduler.Running)
	require.NotNil(t, st.LastExecution)
	require.Equal(t, 2, st.LastExecution.SuccessfulSearches)

	require.Equal(t, http.StatusOK, fx.do(t, http.MethodPost, "/api/scheduler/stop", "", &resp))
	require.False(t, resp.SchedulerRunning)
	require.False(t, fx.sched.Running())
}

func TestTokenAuth(t *testing.T) {
	fx := newFixture(t, Config{Token: "s3cret"})

	var testCases = []struct {
		scenario string
		path     string
		header   string
		then     int
	}{
		{"healthz is open", "/healthz", "", http.StatusOK},
		{"missing token", "/api/status", "", http.StatusUnauthorized},
		{"wrong bearer", "/api/status", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/api/status", "Bearer s3cret", http.StatusOK},
		{"query token", "/api/status?token=s3cret", "", http.StatusOK},
		{"wrong query token", "/api/status?token=x", "Bearer s3cret", http.StatusUnauthorized},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, fx.srv.URL+tt.path, nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			res, err := fx.srv.Client().Do(req)
			require.NoError(t, err)
			res.Body.Close()
			require.Equal(t, tt.then, res.StatusCode)
		})
	}
}

func TestStatusStream(t *testing.T) {
	fx := newFixture(t, Config{StreamInterval: time.Hour})

	url := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/api/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "status", msg.Type)
	require.Empty(t, msg.Event)
	require.False(t, msg.Payload.ExecutionRunning)

	var started startResponse
	require.Equal(t, http.StatusAccepted, fx.do(t, http.MethodPost, "/api/execution/start", "", &started))

	for msg.Event != eventbus.ExecutionStarted {
		require.NoError(t, conn.ReadJSON(&msg))
	}
	require.Equal(t, started.ExecutionID, msg.Payload.CurrentExecutionID)

	close(fx.gate)
	for msg.Event != eventbus.ExecutionFinished {
		require.NoError(t, conn.ReadJSON(&msg))
	}
	require.NotNil(t, msg.Payload.LastExecution)
	require.Equal(t, model.StatusCompleted, msg.Payload.LastExecution.Status)
}

func TestServiceLifecycle(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, fx.deps, logx.Nop())
	svc.Start(ctx)
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 5*time.Second, 10*time.Millisecond)

	res, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	require.Equal(t, "ok", string(body))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	svc.Stop(stopCtx)
	require.Empty(t, svc.Addr())

	// A public bind without a token never listens.
	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "0.0.0.0:0"})
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, svc.Addr())
	svc.Reconfigure(stopCtx, Config{})
	require.False(t, svc.Enabled())
}

func TestDecodeBodyAllowsEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(nil))
	var v cancelRequest
	require.NoError(t, decodeBody(req, &v))
	require.Empty(t, v.Reason)
}
