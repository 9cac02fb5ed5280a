package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylark-robotics/launcher/internal/monitor/registry"
	"github.com/skylark-robotics/launcher/internal/monitor/vehicle"
	"github.com/skylark-robotics/launcher/internal/ota/artifact"
	"github.com/skylark-robotics/launcher/internal/ota/orchestrator"
	"github.com/skylark-robotics/launcher/internal/ota/version"
)

type stubFeed struct{ release *version.Release }

func (s *stubFeed) Latest(ctx context.Context) (*version.Release, error) { return s.release, nil }

// blockingStore parks Download until unblock closes, which pins a job in
// the Downloading state for conflict tests.
type blockingStore struct{ unblock chan struct{} }

func (s *blockingStore) Download(ctx context.Context, url, filename string) (artifact.Ref, error) {
	<-s.unblock
	return artifact.Ref{Path: "/tmp/" + filename}, nil
}
func (s *blockingStore) Verify(ref artifact.Ref, want string) error { return nil }
func (s *blockingStore) Discard(ref artifact.Ref)                   {}
func (s *blockingStore) StoreBackup(pkg, ver, path string) (artifact.BackupRef, error) {
	return artifact.BackupRef{}, nil
}
func (s *blockingStore) Cleanup(pkg string) {}

type stubInstaller struct{}

func (stubInstaller) InstalledVersion(ctx context.Context, pkg string) (string, error) {
	return "1.2.0", nil
}
func (stubInstaller) Snapshot(ctx context.Context, pkg string) (string, error) {
	return "/tmp/launcher-test-snapshots/" + pkg + ".deb", nil
}
func (stubInstaller) Install(ctx context.Context, path string) error           { return nil }
func (stubInstaller) Restore(ctx context.Context, path string) error           { return nil }

type stubLifecycle struct{}

func (stubLifecycle) Start(ctx context.Context, unit string) error   { return nil }
func (stubLifecycle) Stop(ctx context.Context, unit string) error    { return nil }
func (stubLifecycle) Restart(ctx context.Context, unit string) error { return nil }

type fixture struct {
	router  *gin.Engine
	reg     *registry.Registry
	veh     *vehicle.Store
	store   *blockingStore
	cleanup func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New("gateway", "launcher", "media")
	veh := vehicle.NewStore()
	store := &blockingStore{unblock: make(chan struct{})}
	orch := orchestrator.New(orchestrator.Deps{
		Registry:  reg,
		Feed: &stubFeed{release: &version.Release{
			Version: "1.3.0",
			Assets: []version.Asset{{
				Name:    "vehicle-gateway_1.3.0_arm64.deb",
				URL:     "https://releases.example/vehicle-gateway_1.3.0_arm64.deb",
				Version: "1.3.0",
			}},
		}},
		Store:     store,
		Installer: stubInstaller{},
		Lifecycle: stubLifecycle{},
		Services: map[string]orchestrator.ServiceSpec{
			"gateway": {Package: "vehicle-gateway", Unit: "vehicle-gateway.service"},
		},
		ConfirmTimeout: 50 * time.Millisecond,
		ConfirmPoll:    5 * time.Millisecond,
	})

	router := gin.New()
	New(router, reg, veh, orch, "SKY-0042", []string{"gateway", "launcher", "media"})

	var once bool
	return &fixture{router: router, reg: reg, veh: veh, store: store, cleanup: func() {
		if !once {
			once = true
			close(store.unblock)
		}
	}}
}

func (f *fixture) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()

	w := f.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()

	f.reg.RecordHeartbeat("gateway", "1.2.0", registry.StatusRunning, time.Now().Add(-30*time.Second))
	f.reg.MarkUpdateAvailable("gateway", "1.3.0")
	f.veh.Update(vehicle.State{
		Latitude:          31.228611,
		Longitude:         121.474722,
		BatteryPercentage: 87.5,
		Armed:             true,
		FlightMode:        "AUTO",
	})

	w := f.do(http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var view struct {
		VehicleID  string  `json:"vehicle_id"`
		Location   string  `json:"location"`
		Battery    float32 `json:"battery"`
		Armed      bool    `json:"armed"`
		FlightMode string  `json:"flight_mode"`
		Services   []struct {
			Name             string `json:"name"`
			Status           string `json:"status"`
			Version          string `json:"version"`
			LastHealthReport string `json:"last_health_report"`
			UpdateAvailable  bool   `json:"update_available"`
			AvailableVersion string `json:"available_version"`
		} `json:"services"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))

	assert.Equal(t, "SKY-0042", view.VehicleID)
	assert.Equal(t, "31.228611, 121.474722", view.Location)
	assert.Equal(t, "AUTO", view.FlightMode)
	assert.True(t, view.Armed)

	require.Len(t, view.Services, 3)
	gw := view.Services[0]
	assert.Equal(t, "gateway", gw.Name, "services keep configured order")
	assert.Equal(t, "Running", gw.Status)
	assert.Equal(t, "1.2.0", gw.Version)
	assert.Equal(t, "30s", gw.LastHealthReport)
	assert.True(t, gw.UpdateAvailable)
	assert.Equal(t, "1.3.0", gw.AvailableVersion)

	assert.Equal(t, "Never", view.Services[1].LastHealthReport, "launcher has not reported yet")
}

func TestTriggerUpdate(t *testing.T) {
	t.Run("MalformedBody", func(t *testing.T) {
		f := newFixture(t)
		defer f.cleanup()
		w := f.do(http.MethodPost, "/api/update", []byte(`{"service":"gateway"}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_PARAMETER", errorCode(t, w))
	})

	t.Run("UnknownService", func(t *testing.T) {
		f := newFixture(t)
		defer f.cleanup()
		w := f.do(http.MethodPost, "/api/update", []byte(`{"service":"thruster","version":"1.3.0"}`))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "NOT_FOUND", errorCode(t, w))
	})

	t.Run("IneligibleVersion", func(t *testing.T) {
		f := newFixture(t)
		defer f.cleanup()
		f.reg.RecordHeartbeat("gateway", "1.2.0", registry.StatusRunning, time.Now())
		w := f.do(http.MethodPost, "/api/update", []byte(`{"service":"gateway","version":"1.2.0"}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INELIGIBLE_VERSION", errorCode(t, w))
	})

	t.Run("AcceptedThenConflict", func(t *testing.T) {
		f := newFixture(t)
		defer f.cleanup()
		f.reg.RecordHeartbeat("gateway", "1.2.0", registry.StatusRunning, time.Now())

		w := f.do(http.MethodPost, "/api/update", []byte(`{"service":"gateway","version":"1.3.0"}`))
		require.Equal(t, http.StatusAccepted, w.Code)
		var job orchestrator.Job
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, "1.3.0", job.ToVersion)

		w = f.do(http.MethodPost, "/api/update", []byte(`{"service":"gateway","version":"1.3.0"}`))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "UPDATE_IN_FLIGHT", errorCode(t, w))
	})
}

func TestListUpdates(t *testing.T) {
	f := newFixture(t)
	defer f.cleanup()

	w := f.do(http.MethodGet, "/api/updates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"active":[],"history":[]}`, w.Body.String())
}

func TestCancelUpdate(t *testing.T) {
	t.Run("UnknownJob", func(t *testing.T) {
		f := newFixture(t)
		defer f.cleanup()
		w := f.do(http.MethodPost, "/api/updates/bogus/cancel", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "NOT_FOUND", errorCode(t, w))
	})

	t.Run("DuringDownload", func(t *testing.T) {
		f := newFixture(t)
		defer f.cleanup()
		f.reg.RecordHeartbeat("gateway", "1.2.0", registry.StatusRunning, time.Now())

		w := f.do(http.MethodPost, "/api/update", []byte(`{"service":"gateway","version":"1.3.0"}`))
		require.Equal(t, http.StatusAccepted, w.Code)
		var job orchestrator.Job
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))

		w = f.do(http.MethodPost, "/api/updates/"+job.ID+"/cancel", nil)
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, w.Body.String(), `"canceled":true`)
	})
}
