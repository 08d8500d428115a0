package vehicle

import (
	"math"

	"slamcar-console/internal/models"
)

func headingVector(heading float64) models.Vec2 {
	return models.Vec2{X: math.Cos(heading), Y: math.Sin(heading)}
}

// rotate turns v counter-clockwise by angle radians around the origin.
func rotate(v models.Vec2, angle float64) models.Vec2 {
	sin, cos := math.Sincos(angle)
	return models.Vec2{
		X: v.X*cos - v.Y*sin,
		Y: v.X*sin + v.Y*cos,
	}
}

// rotateAbout turns p counter-clockwise by angle radians around center.
func rotateAbout(p, center models.Vec2, angle float64) models.Vec2 {
	r := rotate(models.Vec2{X: p.X - center.X, Y: p.Y - center.Y}, angle)
	return models.Vec2{X: r.X + center.X, Y: r.Y + center.Y}
}

// wrapAngle maps a into (-pi, pi].
func wrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// approach moves cur toward target by at most maxStep without overshooting.
func approach(cur, target, maxStep float64) float64 {
	diff := target - cur
	if diff > maxStep {
		return cur + maxStep
	}
	if diff < -maxStep {
		return cur - maxStep
	}
	return target
}
