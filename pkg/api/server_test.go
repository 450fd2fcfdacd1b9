package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicehq/sluice/pkg/supervisor"
)

type fakeDB struct {
	err error
}

func (f *fakeDB) PingContext(ctx context.Context) error { return f.err }

type fakeSupervisor struct {
	health supervisor.Health
}

func (f *fakeSupervisor) Health() supervisor.Health { return f.health }

func newTestServer(t *testing.T, db *fakeDB, sup *fakeSupervisor) (*Server, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewServer(db, rdb, sup), mr
}

func doGET(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz_ReportsTaskView(t *testing.T) {
	sup := &fakeSupervisor{health: supervisor.Health{
		Healthy: true,
		Tasks: []supervisor.TaskHealth{
			{Name: "stage-tagging", State: supervisor.StateRunning, Restarts: 2},
		},
	}}
	s, _ := newTestServer(t, &fakeDB{}, sup)

	rec := doGET(t, s, "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	var got supervisor.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Healthy)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "stage-tagging", got.Tasks[0].Name)
	assert.Equal(t, 2, got.Tasks[0].Restarts)
}

func TestHealthz_FailedTaskIs503(t *testing.T) {
	sup := &fakeSupervisor{health: supervisor.Health{
		Healthy: false,
		Tasks: []supervisor.TaskHealth{
			{Name: "outbox-relay", State: supervisor.StateFailed, LastError: "gave up"},
		},
	}}
	s, _ := newTestServer(t, &fakeDB{}, sup)

	rec := doGET(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "gave up")
}

func TestReadyz_AllStoresUp(t *testing.T) {
	s, _ := newTestServer(t, &fakeDB{}, &fakeSupervisor{health: supervisor.Health{Healthy: true}})

	rec := doGET(t, s, "/readyz")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":true`)
}

func TestReadyz_DatabaseDown(t *testing.T) {
	s, _ := newTestServer(t, &fakeDB{err: errors.New("connection refused")}, &fakeSupervisor{})

	rec := doGET(t, s, "/readyz")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestReadyz_RedisDown(t *testing.T) {
	s, mr := newTestServer(t, &fakeDB{}, &fakeSupervisor{})
	mr.Close()

	rec := doGET(t, s, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics_Served(t *testing.T) {
	s, _ := newTestServer(t, &fakeDB{}, &fakeSupervisor{})

	rec := doGET(t, s, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
