package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scrapesched/internal/config"
	"scrapesched/internal/model"
)

const listingPage = `<html><body>
<div class="auction-card"><h2 class="title">Flat in Alfama</h2><span class="price">250000</span><a href="/l/1">open</a></div>
<div class="auction-card"><h2 class="title">House in Graça</h2><span class="price">410000</span><a href="/l/2">open</a></div>
</body></html>`

func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func baseConfig(t *testing.T, unitURL string) map[string]any {
	dir := t.TempDir()
	return map[string]any{
		"logging": map[string]any{"level": "error", "console": false},
		"storage": map[string]any{"driver": "sqlite", "path": filepath.Join(dir, "history.db")},
		"scheduler": map[string]any{
			"autostart": false,
			"tick":      "30s",
		},
		"engine": map[string]any{"retry_base": "1ms", "drain_grace": "100ms"},
		"fetch":  map[string]any{"timeout": "5s", "sink_path": filepath.Join(dir, "listings.jsonl")},
		"search_units": []map[string]any{
			{"id": "lisbon", "name": "Lisbon", "search_value": "lisboa", "url": unitURL},
		},
	}
}

func TestRunOnceScrapesIntoSinkAndHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, listingPage)
	}))
	t.Cleanup(srv.Close)

	cfg := baseConfig(t, srv.URL+"/search")
	a, err := NewApp(writeConfig(t, cfg))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := a.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, exec.Status)
	require.Equal(t, model.TriggerCLI, exec.Trigger)
	require.Equal(t, 1, exec.SuccessfulSearches)
	require.Equal(t, 2, exec.TotalProperties)
	require.Equal(t, 2, exec.PropertiesSaved)

	got, err := a.Store().Get(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, got.Status)
	last := a.Status().Snapshot().LastExecution
	require.NotNil(t, last)
	require.Equal(t, exec.ID, last.ID)

	require.NoError(t, a.Stop(ctx, StopFinished))

	f, err := os.Open(cfg["fetch"].(map[string]any)["sink_path"].(string))
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
	}
	require.Equal(t, 2, lines)
}

func TestStartServesAPIAndStops(t *testing.T) {
	cfg := baseConfig(t, "http://127.0.0.1:1/unused")
	cfg["http"] = map[string]any{"enabled": true, "addr": "127.0.0.1:0"}
	a, err := NewApp(writeConfig(t, cfg))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool { return a.APIAddr() != "" }, 5*time.Second, 10*time.Millisecond)
	res, err := http.Get("http://" + a.APIAddr() + "/healthz")
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	// Autostart is off, so nothing ran.
	require.False(t, a.Status().Snapshot().SchedulerRunning)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSignal))

	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
	require.NoError(t, a.Err())
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	cfg := baseConfig(t, "http://127.0.0.1:1/unused")
	cfg["scheduler"] = map[string]any{"timezone": "Mars/Olympus"}
	_, err := NewApp(writeConfig(t, cfg))
	require.ErrorContains(t, err, "scheduler.timezone")

	cfg = baseConfig(t, "http://127.0.0.1:1/unused")
	cfg["scraper"] = map[string]any{"max_workers": 99}
	_, err = NewApp(writeConfig(t, cfg))
	require.ErrorContains(t, err, "scraper defaults")
}

func mustParse(t *testing.T, raw map[string]any) *config.Config {
	t.Helper()
	b, err := json.Marshal(raw)
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, json.Unmarshal(b, &cfg))
	return &cfg
}

func TestMapStorageConfig(t *testing.T) {
	st, err := mapStorageConfig(mustParse(t, map[string]any{
		"storage": map[string]any{"driver": "sqlite", "path": "x.db", "retention": map[string]any{"max_count": 5, "max_age": "24h"}},
	}))
	require.NoError(t, err)
	require.Equal(t, time.Second, st.BusyTimeout)
	require.Equal(t, 5, st.Retention.MaxCount)
	require.Equal(t, 24*time.Hour, st.Retention.MaxAge)

	st, err = mapStorageConfig(mustParse(t, map[string]any{}))
	require.NoError(t, err)
	require.Equal(t, "", st.Driver)

	_, err = mapStorageConfig(mustParse(t, map[string]any{
		"storage": map[string]any{"driver": "badger"},
	}))
	require.ErrorContains(t, err, "storage.path is required")
}
