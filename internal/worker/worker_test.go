package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slamcar-console/internal/codec"
	"slamcar-console/internal/control"
	"slamcar-console/internal/imagestream"
	"slamcar-console/internal/models"
)

func startConsole(t *testing.T, c codec.Codec) (*control.Service, *imagestream.Service) {
	t.Helper()

	ctl, err := control.New(control.Config{Addr: "127.0.0.1:0", Codec: c, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, ctl.Start())
	t.Cleanup(func() { ctl.Close() })

	images, err := imagestream.New(imagestream.Config{Addr: "127.0.0.1:0", Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, images.Start())
	t.Cleanup(func() { images.Close() })

	return ctl, images
}

func newWorker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	cfg.Timeout = 2 * time.Second
	cfg.Logger = zerolog.Nop()
	w, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestTick_BothEndpoints(t *testing.T) {
	ctl, images := startConsole(t, nil)
	ctl.SetCommand(models.ControlCommand{Throttle: 0.4, Steering: -0.3})

	w := newWorker(t, Config{
		ControlAddr: ctl.Addr(),
		ImageAddr:   images.Addr(),
		Width:       32,
		Height:      24,
	})
	require.NoError(t, w.Tick())

	res := w.Result()
	assert.Equal(t, 1, res.ReportsSent)
	assert.Equal(t, 1, res.FramesSent)
	assert.Zero(t, res.FramesNacked)
	assert.Equal(t, models.ControlCommand{Throttle: 0.4, Steering: -0.3}, res.LastCommand)

	report, ok := ctl.LastReport()
	require.True(t, ok)
	assert.Contains(t, report, "battery")
	assert.Contains(t, report, "imu")

	frame, ok := images.LatestFrame()
	require.True(t, ok)
	assert.Equal(t, 32, frame.Width)
	assert.Equal(t, 24, frame.Height)
	assert.Equal(t, "png", frame.Format)
}

func TestTick_AppliesConfigPatch(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON, codec.CBOR} {
		t.Run(c.Name(), func(t *testing.T) {
			ctl, _ := startConsole(t, c)
			w := newWorker(t, Config{ControlAddr: ctl.Addr(), Codec: c})

			require.NoError(t, w.Tick())
			assert.Empty(t, w.Settings())

			ctl.PushConfig(models.ConfigPatch{"camera_fps": "15"})
			require.NoError(t, w.Tick())
			require.NoError(t, w.Tick())

			res := w.Result()
			assert.Equal(t, 1, res.PatchesMerged, "patch is delivered once")
			assert.Equal(t, "15", res.Settings["camera_fps"])
		})
	}
}

func TestRun_Count(t *testing.T) {
	ctl, images := startConsole(t, nil)
	w := newWorker(t, Config{
		ControlAddr: ctl.Addr(),
		ImageAddr:   images.Addr(),
		Interval:    time.Millisecond,
		Count:       5,
	})

	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Ticks)
	assert.Equal(t, 5, res.ReportsSent)
	assert.Equal(t, 5, res.FramesSent)
	assert.Eventually(t, func() bool {
		return ctl.Stats().Requests == 5 && images.Stats().Received == 5
	}, time.Second, 5*time.Millisecond)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctl, _ := startConsole(t, nil)
	w := newWorker(t, Config{ControlAddr: ctl.Addr(), Interval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Greater(t, res.Ticks, 0)
}

func TestNew_ConnectFailure(t *testing.T) {
	ctl, _ := startConsole(t, nil)
	addr := ctl.Addr()
	require.NoError(t, ctl.Close())

	_, err := New(Config{ControlAddr: addr, Logger: zerolog.Nop()})
	assert.Error(t, err)
}
