// Package imagestream receives camera frames pushed by the worker.
//
// A single receiver goroutine blocks on the framed channel, decodes each
// payload into an RGBA frame and overwrites the latest-frame slot. Readers
// poll the slot without blocking. Frames that are overwritten before being
// taken are counted as dropped.
package imagestream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"slamcar-console/internal/framing"
	"slamcar-console/internal/models"
	"slamcar-console/internal/reqrep"
)

// DefaultMaxPixels bounds the declared size of a frame before it is decoded.
const DefaultMaxPixels = 4096 * 4096

var (
	ErrAlreadyStarted = errors.New("imagestream: service already started")
	ErrFrameTooLarge  = errors.New("imagestream: frame exceeds pixel limit")
)

// Recorder persists metadata of accepted frames. It is called from the
// receiver goroutine after the reply has been sent.
type Recorder interface {
	RecordFrame(frame *models.Frame) error
}

// Config configures a Service.
type Config struct {
	Addr string
	// MaxPixels rejects frames whose header declares more pixels. Zero
	// selects DefaultMaxPixels.
	MaxPixels int64
	Logger    zerolog.Logger
	Recorder  Recorder
}

// Stats is a snapshot of the service counters.
type Stats struct {
	Received     uint64    `json:"received"`
	DecodeErrors uint64    `json:"decode_errors"`
	Dropped      uint64    `json:"dropped"`
	LastFrameAt  time.Time `json:"last_frame_at"`
	State        string    `json:"state"`
}

// Service owns the image endpoint and the latest-frame slot.
type Service struct {
	addr      string
	maxPixels int64
	logger    zerolog.Logger
	recorder Recorder

	sock    *reqrep.Socket
	channel *framing.Channel
	done    chan struct{}

	mu          sync.Mutex
	latest      *models.Frame
	undelivered bool

	// seq and accepted are only touched by the receiver goroutine.
	seq      uint64
	accepted *models.Frame

	received     atomic.Uint64
	decodeErrors atomic.Uint64
	dropped      atomic.Uint64

	receivedCounter metric.Int64Counter
	errorCounter    metric.Int64Counter
	droppedCounter  metric.Int64Counter

	closeOnce sync.Once
}

// New creates a service. Nothing is bound until Start.
func New(cfg Config) (*Service, error) {
	s := &Service{
		addr:      cfg.Addr,
		maxPixels: cfg.MaxPixels,
		logger:    cfg.Logger.With().Str("component", "imagestream").Logger(),
		recorder:  cfg.Recorder,
	}
	if s.maxPixels <= 0 {
		s.maxPixels = DefaultMaxPixels
	}

	m := meter()
	var err error
	s.receivedCounter, err = m.Int64Counter(
		"imagestream.frames.received",
		metric.WithDescription("Frames decoded and published"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating received counter: %w", err)
	}
	s.errorCounter, err = m.Int64Counter(
		"imagestream.frames.rejected",
		metric.WithDescription("Messages answered with an error token"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rejected counter: %w", err)
	}
	s.droppedCounter, err = m.Int64Counter(
		"imagestream.frames.dropped",
		metric.WithDescription("Frames overwritten before being taken"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}
	return s, nil
}

// Start binds the endpoint and spawns the receiver. A bind failure is
// returned before any goroutine starts.
func (s *Service) Start() error {
	if s.sock != nil {
		return ErrAlreadyStarted
	}
	sock, err := reqrep.Listen(s.addr, s.logger)
	if err != nil {
		return fmt.Errorf("starting image service: %w", err)
	}
	s.sock = sock
	s.channel = framing.NewChannel(sock, s.handle, s.logger)
	s.done = make(chan struct{})

	s.logger.Info().Str("addr", sock.Addr().String()).Msg("image service listening")
	go s.run()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Service) Addr() string {
	if s.sock == nil {
		return ""
	}
	return s.sock.Addr().String()
}

func (s *Service) run() {
	defer close(s.done)
	ctx := context.Background()
	for {
		err := s.channel.ServeOne()
		var decodeErr *framing.DecodeError
		switch {
		case err == nil:
			s.record(s.accepted)
			s.accepted = nil
		case errors.As(err, &decodeErr):
			s.logger.Debug().Err(err).Msg("frame rejected")
			s.decodeErrors.Add(1)
			s.errorCounter.Add(ctx, 1)
		case errors.Is(err, reqrep.ErrClosed):
			s.logger.Debug().Msg("image receiver stopped")
			return
		default:
			s.logger.Error().Err(err).Msg("image receiver failed")
			return
		}
	}
}

// handle decodes one payload and publishes it.
func (s *Service) handle(payload []byte) error {
	frame, err := decodeFrame(payload, s.maxPixels)
	if err != nil {
		return err
	}
	s.seq++
	frame.Seq = s.seq
	frame.ReceivedAt = time.Now()

	s.mu.Lock()
	overwritten := s.undelivered
	s.latest = frame
	s.undelivered = true
	s.mu.Unlock()

	ctx := context.Background()
	if overwritten {
		s.dropped.Add(1)
		s.droppedCounter.Add(ctx, 1)
	}
	s.received.Add(1)
	s.receivedCounter.Add(ctx, 1)
	s.accepted = frame
	return nil
}

func (s *Service) record(frame *models.Frame) {
	if s.recorder == nil || frame == nil {
		return
	}
	if err := s.recorder.RecordFrame(frame); err != nil {
		s.logger.Warn().Err(err).Uint64("seq", frame.Seq).Msg("failed to record frame")
	}
}

// LatestFrame returns the newest frame without consuming it.
func (s *Service) LatestFrame() (*models.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.latest != nil
}

// TakeFrame returns the newest frame not yet taken. It reports false when
// no new frame arrived since the last call.
func (s *Service) TakeFrame() (*models.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.undelivered {
		return nil, false
	}
	s.undelivered = false
	return s.latest, true
}

// Stats returns the current counters.
func (s *Service) Stats() Stats {
	st := Stats{
		Received:     s.received.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		Dropped:      s.dropped.Load(),
		State:        framing.StateIdle.String(),
	}
	if s.channel != nil {
		st.State = s.channel.State().String()
	}
	s.mu.Lock()
	if s.latest != nil {
		st.LastFrameAt = s.latest.ReceivedAt
	}
	s.mu.Unlock()
	return st
}

// Close releases the endpoint and waits for the receiver to exit. It is
// safe to call more than once.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.sock == nil {
			return
		}
		err = s.sock.Close()
		<-s.done
	})
	return err
}

// decodeFrame checks the declared dimensions before decoding the pixels.
func decodeFrame(payload []byte, maxPixels int64) (*models.Frame, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decoding image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("decoding image header: empty %dx%d frame", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d > %d", ErrFrameTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	rgba := toRGBA(img)
	encoded := make([]byte, len(payload))
	copy(encoded, payload)
	return &models.Frame{
		Width:   rgba.Rect.Dx(),
		Height:  rgba.Rect.Dy(),
		Pix:     rgba.Pix,
		Encoded: encoded,
		Format:  format,
	}, nil
}

// toRGBA returns img as a tightly packed RGBA image anchored at the origin.
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == 4*b.Dx() {
		return rgba
	}
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
