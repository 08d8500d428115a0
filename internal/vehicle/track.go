package vehicle

import "slamcar-console/internal/models"

// Track is a fixed-capacity ring buffer of positions. Once full, each push
// overwrites the oldest point.
type Track struct {
	points []models.Vec2
	next   int
	full   bool
}

// NewTrack creates a track holding at most capacity points.
func NewTrack(capacity int) *Track {
	if capacity < 1 {
		capacity = 1
	}
	return &Track{points: make([]models.Vec2, capacity)}
}

// Push appends p, evicting the oldest point when the track is full.
func (t *Track) Push(p models.Vec2) {
	t.points[t.next] = p
	t.next = (t.next + 1) % len(t.points)
	if t.next == 0 {
		t.full = true
	}
}

// Len returns the number of stored points.
func (t *Track) Len() int {
	if t.full {
		return len(t.points)
	}
	return t.next
}

// Points returns a copy of the stored points, oldest first.
func (t *Track) Points() []models.Vec2 {
	if !t.full {
		out := make([]models.Vec2, t.next)
		copy(out, t.points[:t.next])
		return out
	}
	out := make([]models.Vec2, 0, len(t.points))
	out = append(out, t.points[t.next:]...)
	out = append(out, t.points[:t.next]...)
	return out
}
