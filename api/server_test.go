package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QTSW2/config"
	"QTSW2/engine"
	"QTSW2/execution"
	"QTSW2/journal"
	"QTSW2/logger"
	"QTSW2/notify"
	"QTSW2/timeservice"
)

func testServer(t *testing.T) (*Server, *engine.KillSwitch) {
	t.Helper()
	dir := t.TempDir()
	ts, err := timeservice.New("America/Chicago")
	require.NoError(t, err)
	events, err := logger.NewEventWriter(filepath.Join(dir, "logs"), "run-test")
	require.NoError(t, err)
	queue := execution.NewQueue(16)
	kill := engine.NewKillSwitch(filepath.Join(dir, "KILL"))

	eng, err := engine.New(engine.Options{
		Config: &config.AppConfig{
			Account:              "sim-001",
			TimetablePath:        filepath.Join(dir, "tt.json"),
			TimetablePollSeconds: 30,
		},
		Policy: &config.ExecutionPolicy{Instruments: map[string]config.InstrumentPolicy{
			"ES": {Enabled: true, ExecutionInstrument: "MES", Quantity: 1,
				TickSize: 0.25, ContractMultiplier: 5, BaseTargetPoints: 10,
				StopRatio: 0.5, TargetRatio: 1},
		}},
		Time:     ts,
		Adapter:  execution.NewSimAdapter(queue),
		Queue:    queue,
		Exec:     journal.NewExecutionJournal(dir),
		StreamJ:  journal.NewStreamJournal(dir),
		Hyd:      journal.NewHydrationLog(dir),
		Events:   events,
		Notifier: notify.New("run-test"),
		Registry: engine.NewInstanceRegistry(filepath.Join(dir, "registry")),
		Kill:     kill,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	return NewServer(eng, kill, nil, "test-secret", "run-test"), kill
}

func TestHealthAndStatus(t *testing.T) {
	s, _ := testServer(t)
	r := s.Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "streams")
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := testServer(t)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestKillRequiresAuth(t *testing.T) {
	s, kill := testServer(t)
	r := s.Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/kill", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, kill.Active())

	// Wrong secret.
	bad := signedToken(t, "wrong-secret")
	req := httptest.NewRequest(http.MethodPost, "/kill", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, kill.Active())

	// Valid token throws the switch.
	good := signedToken(t, "test-secret")
	req = httptest.NewRequest(http.MethodPost, "/kill", nil)
	req.Header.Set("Authorization", "Bearer "+good)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, kill.Active())
}

func signedToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	raw, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}
