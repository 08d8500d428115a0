// Package vehicle implements the kinematic bicycle model of the car.
//
// The model is a pure state object: it performs no I/O, holds no locks and
// is advanced only by Update and the explicit input setters. Callers that
// share a Model between goroutines must serialize access themselves.
package vehicle

import (
	"math"

	"slamcar-console/internal/models"
)

const (
	// DistanceScale converts velocity*dt into meters travelled on the
	// straight branch. It is 1 so that straight and curved travel cover the
	// same distance per tick.
	DistanceScale = 1.0

	// straightEpsilon is the steering angle (degrees) below which the car
	// is integrated as driving straight.
	straightEpsilon = 0.01

	// releaseFactor multiplies the steering rate while the steering input is
	// released, so the wheels self-center twice as fast as they turn in.
	releaseFactor = 2.0

	defaultTrackCapacity = 512
)

// Config holds the construction parameters of a Model.
type Config struct {
	Params        models.VehicleParameters
	Start         models.Vec2
	Heading       float64 // radians
	TrackCapacity int
}

// Model is a bicycle-style kinematic car model.
type Model struct {
	params models.VehicleParameters
	state  models.VehicleState

	// held inputs in [-1, 1], 0 = released
	steerInput    float64
	throttleInput float64

	track *Track
}

// New creates a model at rest at cfg.Start.
func New(cfg Config) *Model {
	if cfg.TrackCapacity <= 0 {
		cfg.TrackCapacity = defaultTrackCapacity
	}
	m := &Model{
		params: cfg.Params,
		state: models.VehicleState{
			Position:      cfg.Start,
			Heading:       wrapAngle(cfg.Heading),
			RotationPoint: cfg.Start,
		},
		track: NewTrack(cfg.TrackCapacity),
	}
	m.track.Push(cfg.Start)
	return m
}

// Update advances the model by dt seconds.
//
// The position is integrated first with the steering radius and rotation
// point computed at the end of the previous call, then the held inputs are
// applied and the geometry is recomputed. The geometry therefore lags the
// inputs by one tick.
func (m *Model) Update(dt float64) {
	if dt <= 0 {
		return
	}
	m.integrate(dt)
	m.applyInputs(dt)
	m.updateGeometry()
	m.track.Push(m.state.Position)
}

func (m *Model) integrate(dt float64) {
	s := &m.state

	if math.Abs(s.SteeringAngle) < straightEpsilon || s.SteeringRadius == 0 {
		dir := headingVector(s.Heading)
		step := s.VelocityMagnitude * dt * DistanceScale
		s.Position.X += dir.X * step
		s.Position.Y += dir.Y * step
		return
	}

	angularVelocity := s.VelocityMagnitude / s.SteeringRadius
	dtheta := angularVelocity * dt

	s.Heading = wrapAngle(s.Heading + dtheta)
	s.Position = rotateAbout(s.Position, s.RotationPoint, dtheta)
}

func (m *Model) applyInputs(dt float64) {
	s := &m.state
	p := m.params

	if m.steerInput != 0 {
		s.SteeringAngle += m.steerInput * p.SteeringRate * dt
	} else {
		s.SteeringAngle = approach(s.SteeringAngle, 0, releaseFactor*p.SteeringRate*dt)
	}
	s.SteeringAngle = clamp(s.SteeringAngle, p.MaxSteering)

	if m.throttleInput != 0 {
		s.VelocityMagnitude += m.throttleInput * p.AccelerationRate * dt
	} else {
		s.VelocityMagnitude = approach(s.VelocityMagnitude, 0, p.AccelerationRate*dt)
	}
	s.VelocityMagnitude = clamp(s.VelocityMagnitude, p.MaxVelocity)
}

// updateGeometry recomputes the steering radius and the rotation point
// from the current steering angle, heading and position.
func (m *Model) updateGeometry() {
	s := &m.state

	if math.Abs(s.SteeringAngle) < straightEpsilon {
		s.SteeringRadius = 0
		s.RotationPoint = s.Position
		return
	}

	s.SteeringRadius = SteeringRadius(m.params.Length, s.SteeringAngle)

	// (0, R) in the body frame, rotated into the world frame
	center := rotate(models.Vec2{Y: s.SteeringRadius}, s.Heading)
	dir := headingVector(s.Heading)
	offset := m.params.RotationOffsetFactor * m.params.Length / 2

	s.RotationPoint = models.Vec2{
		X: s.Position.X + center.X + dir.X*offset,
		Y: s.Position.Y + center.Y + dir.Y*offset,
	}
}

// ApplyInput sets the held steering and throttle inputs. Each is clamped
// to [-1, 1]; 0 releases the input. The inputs stay held until changed.
func (m *Model) ApplyInput(steer, throttle float64) {
	m.steerInput = clamp(steer, 1)
	m.throttleInput = clamp(throttle, 1)
}

// SetSteering sets the steering angle in degrees, clamped to the maximum.
func (m *Model) SetSteering(deg float64) {
	m.state.SteeringAngle = clamp(deg, m.params.MaxSteering)
	m.updateGeometry()
}

// SetVelocity sets the signed velocity magnitude, clamped to the maximum.
func (m *Model) SetVelocity(v float64) {
	m.state.VelocityMagnitude = clamp(v, m.params.MaxVelocity)
}

// Reload replaces the vehicle parameters and reclamps the state.
func (m *Model) Reload(params models.VehicleParameters) {
	m.params = params
	m.state.SteeringAngle = clamp(m.state.SteeringAngle, params.MaxSteering)
	m.state.VelocityMagnitude = clamp(m.state.VelocityMagnitude, params.MaxVelocity)
	m.updateGeometry()
}

// Command derives the normalized control command from the state.
func (m *Model) Command() models.ControlCommand {
	var cmd models.ControlCommand
	if m.params.MaxVelocity > 0 {
		cmd.Throttle = clamp(m.state.VelocityMagnitude/m.params.MaxVelocity, 1)
	}
	if m.params.MaxSteering > 0 {
		cmd.Steering = clamp(m.state.SteeringAngle/m.params.MaxSteering, 1)
	}
	return cmd
}

// State returns a copy of the current state.
func (m *Model) State() models.VehicleState { return m.state }

// Params returns the current parameters.
func (m *Model) Params() models.VehicleParameters { return m.params }

// Track returns the recent positions, oldest first.
func (m *Model) Track() []models.Vec2 { return m.track.Points() }

// SteeringRadius returns the turning radius for a wheelbase and a steering
// angle in degrees. The sign follows the steering sign; 0 means straight.
func SteeringRadius(length, steeringDeg float64) float64 {
	if math.Abs(steeringDeg) < straightEpsilon {
		return 0
	}
	return length / math.Tan(steeringDeg*math.Pi/180)
}
