// Package control serves the control and telemetry exchange with the worker.
//
// The worker drives the exchange: it sends a telemetry report and the
// service immediately answers with the current outgoing command and, at
// most once, a pending configuration patch:
//
//	{"controls": {"throttle": t, "steering": s}, "config": {...} | false}
//
// The outgoing command, the last report and the pending patch each have
// their own lock, held only for the access and never across network I/O.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"slamcar-console/internal/codec"
	"slamcar-console/internal/models"
	"slamcar-console/internal/reqrep"
)

var (
	ErrAlreadyStarted = errors.New("control: service already started")
	// ErrNotObject rejects telemetry that is not a key/value map.
	ErrNotObject = errors.New("control: telemetry report is not an object")
)

// Reply is the answer to every telemetry request. Config holds either a
// ConfigPatch or false. Error is only set on a negative acknowledgement.
type Reply struct {
	Controls models.ControlCommand `json:"controls" cbor:"controls"`
	Config   any                   `json:"config" cbor:"config"`
	Error    string                `json:"error,omitempty" cbor:"error,omitempty"`
}

// DecodeError is a malformed request. It was answered with a negative
// acknowledgement and any pending patch is kept for the next good request.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decoding telemetry: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// ProcessingError is a request that was decoded but whose reply could not
// be encoded or delivered.
type ProcessingError struct {
	Err error
}

func (e *ProcessingError) Error() string { return "processing telemetry: " + e.Err.Error() }
func (e *ProcessingError) Unwrap() error { return e.Err }

// Recorder persists accepted reports together with the command sent back.
// It is called from the receiver goroutine after the reply was sent.
type Recorder interface {
	RecordReport(report models.TelemetryReport, cmd models.ControlCommand) error
}

// Config configures a Service.
type Config struct {
	Addr     string
	Codec    codec.Codec
	Logger   zerolog.Logger
	Recorder Recorder
}

// Stats is a snapshot of the service counters.
type Stats struct {
	Requests         uint64    `json:"requests"`
	Malformed        uint64    `json:"malformed"`
	ProcessingErrors uint64    `json:"processing_errors"`
	PatchesDelivered uint64    `json:"patches_delivered"`
	LastReportAt     time.Time `json:"last_report_at"`
	Codec            string    `json:"codec"`
}

// Service owns the control endpoint and its slots.
type Service struct {
	addr     string
	codec    codec.Codec
	logger   zerolog.Logger
	recorder Recorder

	sock *reqrep.Socket
	done chan struct{}

	cmdMu sync.Mutex
	cmd   models.ControlCommand

	reportMu sync.Mutex
	report   models.TelemetryReport
	reportAt time.Time

	patchMu      sync.Mutex
	patch        models.ConfigPatch
	patchPending bool

	requests         atomic.Uint64
	malformed        atomic.Uint64
	processingErrors atomic.Uint64
	patchesDelivered atomic.Uint64

	requestCounter metric.Int64Counter
	patchCounter   metric.Int64Counter

	closeOnce sync.Once
}

// New creates a service. Nothing is bound until Start. A nil codec selects
// JSON.
func New(cfg Config) (*Service, error) {
	c := cfg.Codec
	if c == nil {
		c = codec.JSON
	}
	s := &Service{
		addr:     cfg.Addr,
		codec:    c,
		logger:   cfg.Logger.With().Str("component", "control").Logger(),
		recorder: cfg.Recorder,
	}

	m := meter()
	var err error
	s.requestCounter, err = m.Int64Counter(
		"control.requests",
		metric.WithDescription("Telemetry requests by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request counter: %w", err)
	}
	s.patchCounter, err = m.Int64Counter(
		"control.config.delivered",
		metric.WithDescription("Config patches delivered to the worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating patch counter: %w", err)
	}
	return s, nil
}

// SetCommand overwrites the outgoing command. Values are clamped to [-1, 1].
func (s *Service) SetCommand(cmd models.ControlCommand) {
	cmd.Throttle = unit(cmd.Throttle)
	cmd.Steering = unit(cmd.Steering)
	s.cmdMu.Lock()
	s.cmd = cmd
	s.cmdMu.Unlock()
}

// Command returns the outgoing command.
func (s *Service) Command() models.ControlCommand {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.cmd
}

// LastReport returns the most recent report, or false if none arrived yet.
// The returned map must not be modified.
func (s *Service) LastReport() (models.TelemetryReport, bool) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	return s.report, s.report != nil
}

// LastReportAt returns when the last report arrived, zero if none did.
func (s *Service) LastReportAt() time.Time {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	return s.reportAt
}

// PushConfig stores patch for the next reply only, replacing any patch
// that was not delivered yet.
func (s *Service) PushConfig(patch models.ConfigPatch) {
	if patch == nil {
		patch = models.ConfigPatch{}
	}
	s.patchMu.Lock()
	s.patch = patch
	s.patchPending = true
	s.patchMu.Unlock()
}

// PendingConfig returns the undelivered patch, if any.
func (s *Service) PendingConfig() (models.ConfigPatch, bool) {
	s.patchMu.Lock()
	defer s.patchMu.Unlock()
	return s.patch, s.patchPending
}

func (s *Service) takePatch() (models.ConfigPatch, bool) {
	s.patchMu.Lock()
	defer s.patchMu.Unlock()
	if !s.patchPending {
		return nil, false
	}
	p := s.patch
	s.patch = nil
	s.patchPending = false
	return p, true
}

// Start binds the endpoint and spawns the receiver. A bind failure is
// returned before any goroutine starts.
func (s *Service) Start() error {
	if s.sock != nil {
		return ErrAlreadyStarted
	}
	sock, err := reqrep.Listen(s.addr, s.logger)
	if err != nil {
		return fmt.Errorf("starting control service: %w", err)
	}
	s.sock = sock
	s.done = make(chan struct{})

	s.logger.Info().Str("addr", sock.Addr().String()).Str("codec", s.codec.Name()).Msg("control service listening")
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
	for {
		err := s.serveOne()
		var decodeErr *DecodeError
		var procErr *ProcessingError
		switch {
		case err == nil:
		case errors.As(err, &decodeErr):
			s.logger.Warn().Err(err).Msg("malformed telemetry request")
		case errors.As(err, &procErr):
			s.logger.Error().Err(err).Msg("telemetry request failed")
		default:
			if !errors.Is(err, reqrep.ErrClosed) {
				s.logger.Error().Err(err).Msg("control receiver failed")
			}
			s.logger.Debug().Msg("control receiver stopped")
			return
		}
	}
}

// serveOne answers a single request. It returns nil on success, a
// *DecodeError or *ProcessingError for per-request failures, and any other
// error once the endpoint is closed.
func (s *Service) serveOne() error {
	msg, err := s.sock.Recv()
	if err != nil {
		return fmt.Errorf("receiving: %w", err)
	}
	ctx := context.Background()
	s.requests.Add(1)

	var report models.TelemetryReport
	decodeErr := s.codec.Unmarshal(msg, &report)
	if decodeErr == nil && report == nil {
		decodeErr = ErrNotObject
	}

	cmd := s.Command()
	reply := Reply{Controls: cmd, Config: false}
	delivered := false
	if decodeErr != nil {
		reply.Error = decodeErr.Error()
	} else {
		now := time.Now()
		s.reportMu.Lock()
		s.report = report
		s.reportAt = now
		s.reportMu.Unlock()

		if patch, ok := s.takePatch(); ok {
			reply.Config = patch
			delivered = true
		}
	}

	data, err := s.codec.Marshal(reply)
	if err != nil {
		// The patch is dropped: it cannot be encoded on any later cycle either.
		procErr := &ProcessingError{Err: fmt.Errorf("encoding reply: %w", err)}
		data, err = s.codec.Marshal(Reply{Controls: cmd, Config: false, Error: "reply encoding failed"})
		if err != nil {
			data = nil
		}
		if sendErr := s.sock.Send(data); errors.Is(sendErr, reqrep.ErrClosed) {
			return fmt.Errorf("sending: %w", sendErr)
		}
		s.processingErrors.Add(1)
		s.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		return procErr
	}

	if err := s.sock.Send(data); err != nil {
		if errors.Is(err, reqrep.ErrClosed) {
			return fmt.Errorf("sending: %w", err)
		}
		s.processingErrors.Add(1)
		s.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		return &ProcessingError{Err: err}
	}

	if decodeErr != nil {
		s.malformed.Add(1)
		s.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "malformed")))
		return &DecodeError{Err: decodeErr}
	}

	s.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	if delivered {
		s.patchesDelivered.Add(1)
		s.patchCounter.Add(ctx, 1)
	}
	if s.recorder != nil {
		if err := s.recorder.RecordReport(report, cmd); err != nil {
			s.logger.Warn().Err(err).Msg("failed to record report")
		}
	}
	return nil
}

// Stats returns the current counters.
func (s *Service) Stats() Stats {
	return Stats{
		Requests:         s.requests.Load(),
		Malformed:        s.malformed.Load(),
		ProcessingErrors: s.processingErrors.Load(),
		PatchesDelivered: s.patchesDelivered.Load(),
		LastReportAt:     s.LastReportAt(),
		Codec:            s.codec.Name(),
	}
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

func unit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}
