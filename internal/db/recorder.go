package db

import (
	"time"

	"slamcar-console/internal/models"
)

// Recorder stamps everything the services accept with one session ID.
// It satisfies both control.Recorder and imagestream.Recorder.
type Recorder struct {
	db        *Database
	sessionID string
}

// NewRecorder returns a recorder writing to the given session.
func NewRecorder(db *Database, sessionID string) *Recorder {
	return &Recorder{db: db, sessionID: sessionID}
}

// SessionID returns the session rows are recorded under.
func (r *Recorder) SessionID() string { return r.sessionID }

func (r *Recorder) RecordReport(report models.TelemetryReport, cmd models.ControlCommand) error {
	return r.db.RecordReport(&models.ReportRecord{
		SessionID:  r.sessionID,
		ReceivedAt: time.Now().UTC(),
		Payload:    report,
		Command:    cmd,
	})
}

func (r *Recorder) RecordFrame(frame *models.Frame) error {
	return r.db.RecordFrame(&models.FrameRecord{
		SessionID:  r.sessionID,
		ReceivedAt: frame.ReceivedAt,
		Seq:        frame.Seq,
		Width:      frame.Width,
		Height:     frame.Height,
		Format:     frame.Format,
		Size:       len(frame.Encoded),
	})
}
