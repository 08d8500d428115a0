package api

import (
	"bytes"
	"encoding/json"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slamcar-console/internal/codec"
	"slamcar-console/internal/config"
	"slamcar-console/internal/control"
	"slamcar-console/internal/db"
	"slamcar-console/internal/imagestream"
	"slamcar-console/internal/models"
	"slamcar-console/internal/operator"
	"slamcar-console/internal/reqrep"
	"slamcar-console/internal/vehicle"
)

type testEnv struct {
	server  *Server
	loop    *operator.Loop
	control *control.Service
	db      *db.Database
	session string
}

func newTestEnv(t *testing.T, withDB bool) *testEnv {
	t.Helper()
	return newTestEnvCodec(t, withDB, nil)
}

func newTestEnvCodec(t *testing.T, withDB bool, c codec.Codec) *testEnv {
	t.Helper()

	store := config.New()
	params, err := store.VehicleParameters()
	require.NoError(t, err)

	ctl, err := control.New(control.Config{Addr: "127.0.0.1:0", Codec: c, Logger: zerolog.Nop()})
	require.NoError(t, err)
	images, err := imagestream.New(imagestream.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)

	loop := operator.New(operator.Config{
		Model:    vehicle.New(vehicle.Config{Params: params}),
		Commands: ctl,
		Reports:  ctl,
		Frames:   images,
		Logger:   zerolog.Nop(),
	})

	env := &testEnv{loop: loop, control: ctl}
	deps := Deps{
		Loop:    loop,
		Control: ctl,
		Images:  images,
		Store:   store,
		Logger:  zerolog.Nop(),
	}
	if withDB {
		database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
		require.NoError(t, err)
		t.Cleanup(func() { database.Close() })

		session, err := database.StartSession("0.0.0.0:5002", "0.0.0.0:5001")
		require.NoError(t, err)

		env.db = database
		env.session = session.ID
		deps.DB = database
		deps.SessionID = session.ID
	}
	env.server = NewServer(deps)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

// decode unmarshals the envelope and its data into out.
func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) apiResponse {
	t.Helper()
	var raw struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
		Meta    *meta           `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	if out != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, out))
	}
	return apiResponse{Success: raw.Success, Error: raw.Error, Meta: raw.Meta}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	resp := decode(t, rec, &body)
	assert.True(t, resp.Success)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, env.session, body["session_id"])
	assert.Equal(t, "waiting", body["link"])
}

func TestVehicleInput(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, "POST", "/api/v1/vehicle/input", `{"steer": 1, "throttle": 1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	for i := 0; i < 10; i++ {
		env.loop.Step(0.1)
	}

	var view vehicleView
	rec = env.do(t, "GET", "/api/v1/vehicle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &view)

	assert.Equal(t, uint64(10), view.Tick)
	assert.InDelta(t, 1.0, view.ElapsedSec, 1e-9)
	assert.Greater(t, view.State.VelocityMagnitude, 0.0)
	assert.Greater(t, view.State.SteeringAngle, 0.0)
	assert.Equal(t, view.Command, env.control.Command())
	assert.Equal(t, 0.4, view.Params.Length)
}

func TestVehicleInput_Invalid(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, "POST", "/api/v1/vehicle/input", `{"steer": 2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode(t, rec, nil)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "steer")

	rec = env.do(t, "POST", "/api/v1/vehicle/input", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVehicleScript(t *testing.T) {
	env := newTestEnv(t, false)

	script := "at,steer,throttle\n0,0,1\n1s,0,0\n"
	rec := env.do(t, "POST", "/api/v1/vehicle/script?format=csv", script)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]int
	decode(t, rec, &body)
	assert.Equal(t, 2, body["steps"])
	assert.True(t, env.loop.Snapshot().ScriptActive)

	env.loop.Step(0.1)
	assert.Greater(t, env.loop.Snapshot().State.VelocityMagnitude, 0.0)

	rec = env.do(t, "POST", "/api/v1/vehicle/script?format=xml", "<x/>")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", "/api/v1/vehicle/script", `[{"at": 0, "steer": 3}]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVehicleTrack(t *testing.T) {
	env := newTestEnv(t, false)
	for i := 0; i < 3; i++ {
		env.loop.Step(0.1)
	}

	var track []models.Vec2
	rec := env.do(t, "GET", "/api/v1/vehicle/track", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec, &track)
	assert.Len(t, track, 4)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, 4, resp.Meta.Total)
}

func TestVehicleReload(t *testing.T) {
	env := newTestEnv(t, false)

	body := `{"length":0.5,"width":0.2,"max_velocity":2,"acceleration_rate":0.3,
		"steering_rate":30,"max_steering":25,"rotation_offset_factor":-0.5}`
	rec := env.do(t, "POST", "/api/v1/vehicle/reload", body)
	require.Equal(t, http.StatusOK, rec.Code)

	env.loop.Step(0.01)
	assert.Equal(t, 2.0, env.loop.Snapshot().Params.MaxVelocity)
	assert.Equal(t, 25.0, env.loop.Snapshot().Params.MaxSteering)

	rec = env.do(t, "POST", "/api/v1/vehicle/reload", `{"length":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// no body reloads from the store defaults
	rec = env.do(t, "POST", "/api/v1/vehicle/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	env.loop.Step(0.01)
	assert.Equal(t, 1.0, env.loop.Snapshot().Params.MaxVelocity)
}

func TestVehicleReload_ChunkedBody(t *testing.T) {
	env := newTestEnv(t, false)

	body := `{"length":0.5,"width":0.2,"max_velocity":3,"acceleration_rate":0.3,
		"steering_rate":30,"max_steering":20,"rotation_offset_factor":0}`
	// a reader of unknown size leaves ContentLength at -1
	req := httptest.NewRequest("POST", "/api/v1/vehicle/reload", io.MultiReader(strings.NewReader(body)))
	req.TransferEncoding = []string{"chunked"}
	require.Equal(t, int64(-1), req.ContentLength)

	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	env.loop.Step(0.01)
	assert.Equal(t, 3.0, env.loop.Snapshot().Params.MaxVelocity)
	assert.Equal(t, 20.0, env.loop.Snapshot().Params.MaxSteering)

	// whitespace only still reloads from the store
	rec = env.do(t, "POST", "/api/v1/vehicle/reload", "  \n")
	require.Equal(t, http.StatusOK, rec.Code)
	env.loop.Step(0.01)
	assert.Equal(t, 1.0, env.loop.Snapshot().Params.MaxVelocity)
}

func TestLatestTelemetry_NoReportYet(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, "GET", "/api/v1/telemetry/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body latestReport
	resp := decode(t, rec, &body)
	assert.True(t, resp.Success)
	assert.False(t, body.Available)
	assert.Nil(t, body.Report)
	assert.Equal(t, operator.LinkWaiting, body.Link)
}

func TestQueryTelemetry(t *testing.T) {
	env := newTestEnv(t, true)
	rec := db.NewRecorder(env.db, env.session)
	for i := 0; i < 5; i++ {
		require.NoError(t, rec.RecordReport(
			models.TelemetryReport{"n": float64(i)},
			models.ControlCommand{Throttle: 0.5},
		))
	}

	resp := env.do(t, "GET", "/api/v1/telemetry?limit=2", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var reports []models.ReportRecord
	body := decode(t, resp, &reports)
	assert.Len(t, reports, 2)
	require.NotNil(t, body.Meta)
	assert.Equal(t, 2, body.Meta.Limit)
	assert.Equal(t, env.session, reports[0].SessionID)

	resp = env.do(t, "GET", "/api/v1/telemetry?session_id=unknown", "")
	require.Equal(t, http.StatusOK, resp.Code)
	reports = nil
	decode(t, resp, &reports)
	assert.Empty(t, reports)
}

func TestSessions(t *testing.T) {
	env := newTestEnv(t, true)
	require.NoError(t, db.NewRecorder(env.db, env.session).RecordReport(
		models.TelemetryReport{"speed": 0.2},
		models.ControlCommand{Throttle: 0.8, Steering: -0.2},
	))

	var sessions []models.Session
	rec := env.do(t, "GET", "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, env.session, sessions[0].ID)

	var summary models.SessionSummary
	rec = env.do(t, "GET", "/api/v1/sessions/current/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &summary)
	assert.Equal(t, 1, summary.TotalReports)
	assert.InDelta(t, 0.8, summary.MaxThrottle, 1e-9)

	rec = env.do(t, "GET", "/api/v1/sessions/nope/summary", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordingDisabled(t *testing.T) {
	env := newTestEnv(t, false)

	for _, path := range []string{"/api/v1/telemetry", "/api/v1/sessions", "/api/v1/sessions/current/summary"} {
		rec := env.do(t, "GET", path, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestFrame_Placeholder(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, "GET", "/api/v1/frame", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "0", rec.Header().Get("X-Frame-Seq"))

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, operator.PlaceholderWidth, img.Bounds().Dx())
	assert.Equal(t, operator.PlaceholderHeight, img.Bounds().Dy())

	var info frameInfo
	rec = env.do(t, "GET", "/api/v1/frame/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &info)
	assert.True(t, info.Placeholder)
	assert.Equal(t, uint64(0), info.Stats.Received)
}

func TestConfig_PushAndRead(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, "POST", "/api/v1/config", `{"camera": {"fps": 15}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	patch, ok := env.control.PendingConfig()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"fps": float64(15)}, patch["camera"])

	var view configView
	rec = env.do(t, "GET", "/api/v1/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &view)
	assert.Contains(t, view.Settings, "vehicle")
	assert.Contains(t, view.Pending, "camera")

	rec = env.do(t, "POST", "/api/v1/config", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, "POST", "/api/v1/config", `null`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigGroup(t *testing.T) {
	env := newTestEnv(t, false)

	var network map[string]any
	rec := env.do(t, "GET", "/api/v1/config/network", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &network)
	assert.Equal(t, float64(5002), network["control_port"])
	assert.Equal(t, "json", network["codec"])

	rec = env.do(t, "GET", "/api/v1/config/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, true)

	var stats map[string]json.RawMessage
	rec := env.do(t, "GET", "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &stats)

	assert.Contains(t, stats, "control")
	assert.Contains(t, stats, "images")
	require.Contains(t, stats, "db")

	var dbStats map[string]any
	require.NoError(t, json.Unmarshal(stats["db"], &dbStats))
	assert.Equal(t, float64(1), dbStats["total_sessions"])
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestEnv(t, false)

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/v1/nothing", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, "DELETE", "/api/v1/vehicle", "").Code)
}

func TestLatestTelemetry_AfterReport(t *testing.T) {
	env := newTestEnv(t, false)
	require.NoError(t, env.control.Start())
	t.Cleanup(func() { env.control.Close() })

	client, err := reqrep.Dial(env.control.Addr(), time.Second)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Request([]byte(`{"battery": 7.4, "mode": "auto"}`))
	require.NoError(t, err)

	var body latestReport
	rec := env.do(t, "GET", "/api/v1/telemetry/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)

	assert.True(t, body.Available)
	assert.Equal(t, 7.4, body.Report["battery"])
	assert.Equal(t, "auto", body.Report["mode"])
	assert.False(t, body.ReceivedAt.IsZero())
}

func TestLatestTelemetry_NonFiniteCBOR(t *testing.T) {
	env := newTestEnvCodec(t, true, codec.CBOR)
	require.NoError(t, env.control.Start())
	t.Cleanup(func() { env.control.Close() })

	client, err := reqrep.Dial(env.control.Addr(), time.Second)
	require.NoError(t, err)
	defer client.Close()

	msg, err := codec.CBOR.Marshal(map[string]any{
		"battery": math.Inf(1),
		"imu":     map[string]any{"yaw_rate": math.NaN(), "accel_x": 0.5},
		"mode":    "auto",
	})
	require.NoError(t, err)
	_, err = client.Request(msg)
	require.NoError(t, err)

	// the control service still holds the raw values
	raw, ok := env.control.LastReport()
	require.True(t, ok)
	require.True(t, math.IsInf(raw["battery"].(float64), 1))

	rec := env.do(t, "GET", "/api/v1/telemetry/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.Bytes())

	var body latestReport
	resp := decode(t, rec, &body)
	assert.True(t, resp.Success)
	assert.Equal(t, sourceLive, body.Source)
	assert.Nil(t, body.Report["battery"])
	assert.Equal(t, map[string]any{"yaw_rate": nil, "accel_x": 0.5}, body.Report["imu"])
	assert.Equal(t, "auto", body.Report["mode"])

	// the same payload can be recorded
	require.NoError(t, env.db.RecordReport(&models.ReportRecord{
		SessionID:  env.session,
		ReceivedAt: time.Now().UTC(),
		Payload:    raw,
	}))
}

func TestWriteResponse_EncodeFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	respondJSON(rec, http.StatusOK, map[string]float64{"v": math.NaN()})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode(t, rec, nil)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "encoding response")
}

func TestLatestTelemetry_RecordedFallback(t *testing.T) {
	env := newTestEnv(t, true)

	// nothing live and nothing recorded
	var body latestReport
	rec := env.do(t, "GET", "/api/v1/telemetry/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.False(t, body.Available)

	at := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, env.db.RecordReport(&models.ReportRecord{
		SessionID:  env.session,
		ReceivedAt: at,
		Payload:    models.TelemetryReport{"battery": 7.1},
	}))

	body = latestReport{}
	rec = env.do(t, "GET", "/api/v1/telemetry/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)

	assert.True(t, body.Available)
	assert.Equal(t, sourceRecorded, body.Source)
	assert.Equal(t, 7.1, body.Report["battery"])
	assert.True(t, at.Equal(body.ReceivedAt))
}
