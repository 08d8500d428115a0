// Package worker is a mock vehicle worker. It drives the control and image
// endpoints the way the car does: one telemetry request per tick, one
// framed camera image per tick, and it applies the config patches it gets
// back.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"slamcar-console/internal/codec"
	"slamcar-console/internal/control"
	"slamcar-console/internal/framing"
	"slamcar-console/internal/models"
	"slamcar-console/internal/reqrep"
)

// Config configures a Worker. An empty address disables that endpoint.
type Config struct {
	ControlAddr string
	ImageAddr   string
	Codec       codec.Codec
	Interval    time.Duration
	Width       int
	Height      int
	// Count stops the worker after that many ticks; zero runs until the
	// context is done.
	Count   int
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Result summarises a run.
type Result struct {
	Ticks         int                   `json:"ticks"`
	ReportsSent   int                   `json:"reports_sent"`
	FramesSent    int                   `json:"frames_sent"`
	FramesNacked  int                   `json:"frames_nacked"`
	PatchesMerged int                   `json:"patches_merged"`
	LastCommand   models.ControlCommand `json:"last_command"`
	Settings      map[string]any        `json:"settings"`
}

// Worker holds the simulated car state.
type Worker struct {
	cfg    Config
	logger zerolog.Logger
	rng    *rand.Rand

	controlConn *reqrep.Client
	imageConn   *reqrep.Client

	battery  float64
	settings map[string]any
	result   Result
}

// New connects to the configured endpoints.
func New(cfg Config) (*Worker, error) {
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 160, 120
	}

	w := &Worker{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "worker").Logger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		battery:  8.4,
		settings: map[string]any{},
	}

	var err error
	if cfg.ControlAddr != "" {
		if w.controlConn, err = reqrep.Dial(cfg.ControlAddr, cfg.Timeout); err != nil {
			return nil, fmt.Errorf("control endpoint: %w", err)
		}
	}
	if cfg.ImageAddr != "" {
		if w.imageConn, err = reqrep.Dial(cfg.ImageAddr, cfg.Timeout); err != nil {
			w.Close()
			return nil, fmt.Errorf("image endpoint: %w", err)
		}
	}
	return w, nil
}

// Run ticks until ctx is done or Count ticks have run.
func (w *Worker) Run(ctx context.Context) (Result, error) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := w.Tick(); err != nil {
			return w.result, err
		}
		if w.cfg.Count > 0 && w.result.Ticks >= w.cfg.Count {
			return w.result, nil
		}

		select {
		case <-ctx.Done():
			return w.result, nil
		case <-ticker.C:
		}
	}
}

// Tick sends one report and one frame.
func (w *Worker) Tick() error {
	w.result.Ticks++

	if w.controlConn != nil {
		if err := w.sendReport(); err != nil {
			return err
		}
	}
	if w.imageConn != nil {
		if err := w.sendFrame(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) sendReport() error {
	w.battery = math.Max(6.0, w.battery-0.001)
	report := models.TelemetryReport{
		"tick":     w.result.Ticks,
		"battery":  w.battery,
		"speed":    w.result.LastCommand.Throttle * (0.9 + w.rng.Float64()*0.2),
		"steering": w.result.LastCommand.Steering,
		"imu": map[string]any{
			"yaw_rate": w.rng.NormFloat64() * 0.01,
			"accel_x":  w.rng.NormFloat64() * 0.05,
		},
	}

	msg, err := w.cfg.Codec.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	raw, err := w.controlConn.Request(msg)
	if err != nil {
		return fmt.Errorf("control request: %w", err)
	}
	w.result.ReportsSent++

	var r control.Reply
	if err := w.cfg.Codec.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("decoding control reply: %w", err)
	}
	if r.Error != "" {
		w.logger.Warn().Str("error", r.Error).Msg("console rejected report")
	}
	w.result.LastCommand = r.Controls

	if patch, ok := r.Config.(map[string]any); ok {
		for k, v := range patch {
			w.settings[k] = v
		}
		w.result.PatchesMerged++
		w.logger.Info().Interface("patch", patch).Msg("config patch applied")
	}
	return nil
}

func (w *Worker) sendFrame() error {
	payload, err := w.renderFrame()
	if err != nil {
		return err
	}

	raw, err := w.imageConn.Request(framing.Encode(payload))
	if err != nil {
		return fmt.Errorf("image request: %w", err)
	}
	w.result.FramesSent++
	if !bytes.Equal(raw, framing.AckToken) {
		w.result.FramesNacked++
		w.logger.Warn().Str("reply", string(raw)).Msg("frame not acknowledged")
	}
	return nil
}

// renderFrame draws a gradient with a bar that follows the steering command.
func (w *Worker) renderFrame() ([]byte, error) {
	width, height := w.cfg.Width, w.cfg.Height
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	shade := uint8(w.result.Ticks * 8)
	bar := int(float64(width) * (0.5 + 0.45*w.result.LastCommand.Steering))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBA{R: uint8(x * 255 / width), G: uint8(y * 255 / height), B: shade, A: 255}
			if x >= bar-2 && x <= bar+2 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Settings returns the merged config the console pushed.
func (w *Worker) Settings() map[string]any {
	out := make(map[string]any, len(w.settings))
	for k, v := range w.settings {
		out[k] = v
	}
	return out
}

// Result returns the counters so far.
func (w *Worker) Result() Result {
	r := w.result
	r.Settings = w.Settings()
	return r
}

// Close disconnects from both endpoints.
func (w *Worker) Close() error {
	var err error
	if w.controlConn != nil {
		err = w.controlConn.Close()
	}
	if w.imageConn != nil {
		if cerr := w.imageConn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
