// Package operator runs the headless operator loop.
//
// Every tick the loop advances the vehicle model, writes the derived command
// to the control service and drains the latest frame and report without
// blocking. It never performs network I/O itself.
package operator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"slamcar-console/internal/models"
	"slamcar-console/internal/vehicle"
)

const (
	DefaultTickHz     = 60
	DefaultStaleAfter = 2 * time.Second

	PlaceholderWidth  = 640
	PlaceholderHeight = 480
)

// LinkStatus describes the worker connection as seen from received data.
type LinkStatus string

const (
	LinkWaiting   LinkStatus = "waiting"
	LinkConnected LinkStatus = "connected"
	LinkStale     LinkStatus = "stale"
)

// CommandSink receives the outgoing command.
type CommandSink interface {
	SetCommand(cmd models.ControlCommand)
}

// ReportSource exposes the last telemetry report.
type ReportSource interface {
	LastReport() (models.TelemetryReport, bool)
	LastReportAt() time.Time
}

// FrameSource hands out new camera frames.
type FrameSource interface {
	TakeFrame() (*models.Frame, bool)
}

// Config configures a Loop. Commands, Reports and Frames may be nil.
type Config struct {
	Model      *vehicle.Model
	Commands   CommandSink
	Reports    ReportSource
	Frames     FrameSource
	TickHz     int
	StaleAfter time.Duration
	Script     []models.InputStep
	Logger     zerolog.Logger
}

// Snapshot is the state published after each tick.
type Snapshot struct {
	Tick         uint64                   `json:"tick"`
	Elapsed      time.Duration            `json:"elapsed"`
	State        models.VehicleState      `json:"state"`
	Params       models.VehicleParameters `json:"params"`
	Command      models.ControlCommand    `json:"command"`
	Link         LinkStatus               `json:"link"`
	Report       models.TelemetryReport   `json:"report,omitempty"`
	Frame        *models.Frame            `json:"frame"`
	ScriptActive bool                     `json:"script_active"`
}

// Loop drives the vehicle model.
type Loop struct {
	commands   CommandSink
	reports    ReportSource
	frames     FrameSource
	interval   time.Duration
	staleAfter time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	// mu guards the model and the tick state below
	mu           sync.Mutex
	model        *vehicle.Model
	script       *script
	tick         uint64
	elapsed      time.Duration
	frame        *models.Frame
	lastActivity time.Time
	link         LinkStatus

	snapMu sync.RWMutex
	snap   Snapshot
}

// New creates a loop. The first frame is a zero-filled placeholder.
func New(cfg Config) *Loop {
	hz := cfg.TickHz
	if hz <= 0 {
		hz = DefaultTickHz
	}
	stale := cfg.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}
	l := &Loop{
		commands:   cfg.Commands,
		reports:    cfg.Reports,
		frames:     cfg.Frames,
		interval:   time.Second / time.Duration(hz),
		staleAfter: stale,
		logger:     cfg.Logger.With().Str("component", "operator").Logger(),
		now:        time.Now,
		model:      cfg.Model,
		frame:      models.PlaceholderFrame(PlaceholderWidth, PlaceholderHeight),
		link:       LinkWaiting,
	}
	if len(cfg.Script) > 0 {
		l.script = newScript(cfg.Script)
	}
	l.publish(nil)
	return l
}

// Interval returns the tick period.
func (l *Loop) Interval() time.Duration { return l.interval }

// Run ticks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	last := l.now()
	l.logger.Info().Dur("interval", l.interval).Msg("operator loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("operator loop stopped")
			return ctx.Err()
		case <-ticker.C:
			now := l.now()
			l.Step(now.Sub(last).Seconds())
			last = now
		}
	}
}

// Step runs one tick of dt seconds.
func (l *Loop) Step(dt float64) {
	l.mu.Lock()
	l.tick++
	l.elapsed += time.Duration(dt * float64(time.Second))
	if l.script != nil {
		steer, throttle, done := l.script.at(l.elapsed)
		l.model.ApplyInput(steer, throttle)
		if done {
			l.logger.Info().Dur("elapsed", l.elapsed).Msg("input script finished")
			l.script = nil
		}
	}
	l.model.Update(dt)
	cmd := l.model.Command()
	l.mu.Unlock()

	if l.commands != nil {
		l.commands.SetCommand(cmd)
	}

	var report models.TelemetryReport
	var reportAt time.Time
	if l.reports != nil {
		report, _ = l.reports.LastReport()
		reportAt = l.reports.LastReportAt()
	}
	var frame *models.Frame
	if l.frames != nil {
		frame, _ = l.frames.TakeFrame()
	}

	now := l.now()
	l.mu.Lock()
	if frame != nil {
		l.frame = frame
		l.lastActivity = now
	}
	if reportAt.After(l.lastActivity) {
		l.lastActivity = reportAt
	}
	l.setLink(l.linkStatus(now))
	l.mu.Unlock()

	l.publish(report)
}

func (l *Loop) linkStatus(now time.Time) LinkStatus {
	switch {
	case l.lastActivity.IsZero():
		return LinkWaiting
	case now.Sub(l.lastActivity) <= l.staleAfter:
		return LinkConnected
	default:
		return LinkStale
	}
}

func (l *Loop) setLink(status LinkStatus) {
	if status == l.link {
		return
	}
	l.logger.Info().Str("from", string(l.link)).Str("to", string(status)).Msg("worker link changed")
	l.link = status
}

// publish must be called without mu held.
func (l *Loop) publish(report models.TelemetryReport) {
	l.mu.Lock()
	snap := Snapshot{
		Tick:         l.tick,
		Elapsed:      l.elapsed,
		State:        l.model.State(),
		Params:       l.model.Params(),
		Command:      l.model.Command(),
		Link:         l.link,
		Report:       report,
		Frame:        l.frame,
		ScriptActive: l.script != nil,
	}
	l.mu.Unlock()

	l.snapMu.Lock()
	l.snap = snap
	l.snapMu.Unlock()
}

// Snapshot returns the state published by the last tick.
func (l *Loop) Snapshot() Snapshot {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.snap
}

// Track returns the recent positions of the car, oldest first.
func (l *Loop) Track() []models.Vec2 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.model.Track()
}

// ApplyInput holds operator input on the model. It cancels a running
// input script.
func (l *Loop) ApplyInput(steer, throttle float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.script != nil {
		l.logger.Info().Msg("input script cancelled by operator input")
		l.script = nil
	}
	l.model.ApplyInput(steer, throttle)
}

// LoadScript replaces the running input script. Script time starts at the
// current elapsed time.
func (l *Loop) LoadScript(steps []models.InputStep) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(steps) == 0 {
		l.script = nil
		return
	}
	shifted := make([]models.InputStep, len(steps))
	for i, s := range steps {
		s.At += l.elapsed
		shifted[i] = s
	}
	l.script = newScript(shifted)
}

// Reload replaces the vehicle parameters.
func (l *Loop) Reload(params models.VehicleParameters) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.model.Reload(params)
	l.logger.Info().Interface("params", params).Msg("vehicle parameters reloaded")
}
