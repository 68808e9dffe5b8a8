package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/weather-ingest/internal/config"
	idgen "github.com/JakeFAU/weather-ingest/internal/id/uuid"
	"github.com/JakeFAU/weather-ingest/internal/ingest"
	"github.com/JakeFAU/weather-ingest/internal/store/sqlite"
)

const (
	stationsURL     = "https://weather.test/stations"
	measurementsURL = "https://weather.test/measurements"
)

// bodyTransport serves canned bodies by URL and fails a URL a fixed number of times.
type bodyTransport struct {
	mu       sync.Mutex
	bodies   map[string]string
	failures map[string]int
	calls    map[string]int
}

func (b *bodyTransport) Get(_ context.Context, url string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[url]++
	if b.failures[url] > 0 {
		b.failures[url]--
		return nil, fmt.Errorf("status 503 for %s", url)
	}
	body, ok := b.bodies[url]
	if !ok {
		return nil, fmt.Errorf("status 404 for %s", url)
	}
	return []byte(body), nil
}

func newTransport() *bodyTransport {
	return &bodyTransport{
		bodies: map[string]string{
			stationsURL: `{"items": [
				{"weather_stn_id": 1, "weather_stn_name": "Kepler School", "weather_stn_lat": 52.2, "weather_stn_long": 0.12},
				{"weather_stn_id": 2, "weather_stn_name": "Pi Tower", "weather_stn_lat": 51.5, "weather_stn_long": -0.1}
			]}`,
			measurementsURL + "/1": `{"items": [{"id": 1, "weather_stn_id": 1, "humidity": 70, "colour": "blue"}],
				"next": {"$ref": "1?page=2"}}`,
			measurementsURL + "/1?page=2": `{"items": [{"id": 2, "weather_stn_id": 1, "humidity": 71}]}`,
			measurementsURL + "/2":        `{"items": [{"id": 3, "weather_stn_id": 2, "wind_speed": 3.5}]}`,
		},
		failures: map[string]int{},
		calls:    map[string]int{},
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Remote: config.RemoteConfig{StationsURL: stationsURL, MeasurementsURL: measurementsURL},
		HTTP:   config.HTTPConfig{TimeoutSeconds: 5, UserAgent: "test"},
		Fetch:  config.FetchConfig{MaxAttempts: 3},
		Ingest: config.IngestConfig{OnStationFailure: string(ingest.FailSkip)},
		Store:  config.StoreConfig{OnConflict: "ignore", BusyTimeoutMs: 1000},
	}
}

func TestRunEndToEnd(t *testing.T) {
	var pushed []string
	var pushMu sync.Mutex
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushMu.Lock()
		pushed = append(pushed, r.URL.Path)
		pushMu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	cfg := testConfig(t)
	cfg.Metrics = config.MetricsConfig{ListenAddr: "127.0.0.1:0", PushgatewayURL: gw.URL, Job: "weather_ingest"}
	cfg.Ingest.DeadLetterPath = filepath.Join(t.TempDir(), "dead.jsonl")
	cfg.Tracing = config.TracingConfig{Enabled: true, ServiceName: "weather-ingest-test"}

	transport := newTransport()
	transport.failures[measurementsURL+"/2"] = 2
	runID := uuid.MustParse("0190c2f5-8f1e-7c3a-9d4b-123456789abc")

	dbPath := filepath.Join(t.TempDir(), "weather.db")
	a, err := New(context.Background(), cfg, dbPath, zap.NewNop(),
		WithTransport(transport), WithIDGenerator(idgen.Static(runID)))
	require.NoError(t, err)
	require.NotNil(t, a.Server())

	sum, err := a.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))

	assert.Equal(t, runID, sum.RunID)
	assert.Equal(t, 2, sum.StationsDone)
	assert.Equal(t, 3, sum.Pages)
	assert.Equal(t, 3, sum.Measurements.Written)
	assert.Equal(t, 3, transport.calls[measurementsURL+"/2"])

	expected := `
# HELP weather_ingest_fetch_attempts_total Fetch attempts against the remote service, labeled by outcome.
# TYPE weather_ingest_fetch_attempts_total counter
weather_ingest_fetch_attempts_total{outcome="ok"} 4
weather_ingest_fetch_attempts_total{outcome="transport_error"} 2
# HELP weather_ingest_pages_total Measurement pages processed.
# TYPE weather_ingest_pages_total counter
weather_ingest_pages_total 3
# HELP weather_ingest_stations_total Stations whose measurements were walked, labeled by result.
# TYPE weather_ingest_stations_total counter
weather_ingest_stations_total{result="done"} 2
# HELP weather_ingest_unknown_fields_total Remote fields with no matching column, labeled by field.
# TYPE weather_ingest_unknown_fields_total counter
weather_ingest_unknown_fields_total{field="colour"} 1
`
	require.NoError(t, testutil.GatherAndCompare(a.Metrics().Registry(), strings.NewReader(expected),
		"weather_ingest_fetch_attempts_total",
		"weather_ingest_pages_total",
		"weather_ingest_stations_total",
		"weather_ingest_unknown_fields_total",
	))
	n, err := testutil.GatherAndCount(a.Metrics().Registry(), "weather_ingest_run_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pushMu.Lock()
	assert.Equal(t, []string{"/metrics/job/weather_ingest/run_id/" + runID.String()}, pushed)
	pushMu.Unlock()

	// A second run over the same database changes nothing.
	b, err := New(context.Background(), cfg, dbPath, zap.NewNop(), WithTransport(newTransport()))
	require.NoError(t, err)
	again, err := b.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, 0, again.Measurements.Written)
	assert.Equal(t, 3, again.Measurements.Ignored)
}

func TestRunAbortReturnsError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingest.OnStationFailure = string(ingest.FailAbort)

	transport := newTransport()
	transport.failures[measurementsURL+"/1"] = 10

	a, err := New(context.Background(), cfg, filepath.Join(t.TempDir(), "w.db"), nil, WithTransport(transport))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()
	assert.Nil(t, a.Server())

	_, err = a.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, transport.calls[measurementsURL+"/1"])
	assert.Zero(t, transport.calls[measurementsURL+"/2"])
}

func TestRunRosterFailure(t *testing.T) {
	transport := newTransport()
	delete(transport.bodies, stationsURL)

	a, err := New(context.Background(), testConfig(t), filepath.Join(t.TempDir(), "w.db"), nil, WithTransport(transport))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	_, err = a.Run(context.Background())
	require.ErrorContains(t, err, "station roster")
}

func TestOpenStoreSelectsBackend(t *testing.T) {
	cfg := testConfig(t)

	st, err := OpenStore(context.Background(), cfg, filepath.Join(t.TempDir(), "w.db"), zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Store{}, st)
	require.NoError(t, st.Close())

	_, err = OpenStore(context.Background(), cfg, "postgres://user@localhost:notaport/db", zap.NewNop())
	require.ErrorContains(t, err, "postgres")

	_, err = OpenStore(context.Background(), cfg, "  ", zap.NewNop())
	require.Error(t, err)

	cfg.Store.OnConflict = "replace"
	_, err = OpenStore(context.Background(), cfg, filepath.Join(t.TempDir(), "w.db"), zap.NewNop())
	require.Error(t, err)
}

func TestIsPostgresDSN(t *testing.T) {
	for target, want := range map[string]bool{
		"postgres://u@h/db":       true,
		"postgresql://u@h/db":     true,
		"POSTGRES://u@h/db":       true,
		"weather.db":              false,
		"file:weather.db?mode=rw": false,
		"/var/lib/postgres.db":    false,
	} {
		assert.Equal(t, want, IsPostgresDSN(target), target)
	}
}
