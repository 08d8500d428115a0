package models

import (
	"math"
	"time"
)

// Vec2 is a 2D point or vector in meters
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// VehicleState is the kinematic state of the car
type VehicleState struct {
	Position          Vec2    `json:"position"`
	Heading           float64 `json:"heading"`            // radians, 0 = +x, counter-clockwise
	VelocityMagnitude float64 `json:"velocity_magnitude"` // m/s, signed
	SteeringAngle     float64 `json:"steering_angle"`     // degrees, positive = left
	SteeringRadius    float64 `json:"steering_radius"`    // meters, 0 = straight
	RotationPoint     Vec2    `json:"rotation_point"`
}

// VehicleParameters is an immutable snapshot of the car configuration
type VehicleParameters struct {
	Length               float64 `json:"length"`            // m, axle to axle
	Width                float64 `json:"width"`             // m
	MaxVelocity          float64 `json:"max_velocity"`      // m/s
	AccelerationRate     float64 `json:"acceleration_rate"` // m/s per second
	SteeringRate         float64 `json:"steering_rate"`     // degrees per second
	MaxSteering          float64 `json:"max_steering"`      // degrees
	RotationOffsetFactor float64 `json:"rotation_offset_factor"`
}

// ControlCommand is the normalized command sent to the worker
type ControlCommand struct {
	Throttle float64 `json:"throttle" cbor:"throttle"`
	Steering float64 `json:"steering" cbor:"steering"`
}

// TelemetryReport is the record reported by the worker. Its shape is
// owned by the worker; the console stores it verbatim and never mutates
// a stored report.
type TelemetryReport map[string]any

// Finite returns a copy of r in which NaN and infinite numbers, at any
// depth, are replaced by nil so the report can be written as JSON. r
// itself is returned when it holds none.
func (r TelemetryReport) Finite() TelemetryReport {
	if r == nil || !hasNonFinite(map[string]any(r)) {
		return r
	}
	return TelemetryReport(finiteValue(map[string]any(r)).(map[string]any))
}

func hasNonFinite(v any) bool {
	switch t := v.(type) {
	case float64:
		return math.IsNaN(t) || math.IsInf(t, 0)
	case float32:
		return math.IsNaN(float64(t)) || math.IsInf(float64(t), 0)
	case map[string]any:
		for _, e := range t {
			if hasNonFinite(e) {
				return true
			}
		}
	case []any:
		for _, e := range t {
			if hasNonFinite(e) {
				return true
			}
		}
	}
	return false
}

func finiteValue(v any) any {
	switch t := v.(type) {
	case float64, float32:
		if hasNonFinite(t) {
			return nil
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = finiteValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = finiteValue(e)
		}
		return out
	}
	return v
}

// ConfigPatch is a pending key/value update for the worker
type ConfigPatch map[string]any

// InputStep is a held operator input, active from At until the next step
type InputStep struct {
	At       time.Duration `json:"at"`
	Steer    float64       `json:"steer"`
	Throttle float64       `json:"throttle"`
}

// ReportRecord is a telemetry report as stored by the recorder
type ReportRecord struct {
	ID         int64           `json:"id"`
	SessionID  string          `json:"session_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    TelemetryReport `json:"payload"`
	Command    ControlCommand  `json:"command"`
}

// FrameRecord is frame metadata as stored by the recorder
type FrameRecord struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	ReceivedAt time.Time `json:"received_at"`
	Seq        uint64    `json:"seq"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Format     string    `json:"format"`
	Size       int       `json:"size"`
}

// Session is one run of the console services
type Session struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	ControlAddr string    `json:"control_addr"`
	ImageAddr   string    `json:"image_addr"`
}

// ReportQuery represents query parameters for report searches
type ReportQuery struct {
	SessionID string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// SessionSummary provides aggregated statistics for a session
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	TotalReports int       `json:"total_reports"`
	TotalFrames  int       `json:"total_frames"`
	FirstReport  time.Time `json:"first_report"`
	LastReport   time.Time `json:"last_report"`
	AvgThrottle  float64   `json:"avg_throttle"`
	MaxThrottle  float64   `json:"max_throttle"`
	AvgSteering  float64   `json:"avg_steering"`
}
