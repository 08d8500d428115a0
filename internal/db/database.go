package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"slamcar-console/internal/models"
)

// ErrNotFound is returned when a session or report does not exist.
var ErrNotFound = errors.New("not found")

// Database wraps the SQLite connection
type Database struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// WAL lets the API read while the receivers write
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite works best with single writer
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		control_addr TEXT NOT NULL,
		image_addr TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		payload TEXT NOT NULL,
		cmd_throttle REAL NOT NULL,
		cmd_steering REAL NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		seq INTEGER NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		format TEXT NOT NULL,
		size INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_reports_session_id ON reports(session_id);
	CREATE INDEX IF NOT EXISTS idx_reports_received_at ON reports(received_at);
	CREATE INDEX IF NOT EXISTS idx_reports_session_received ON reports(session_id, received_at);
	CREATE INDEX IF NOT EXISTS idx_frames_session_id ON frames(session_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// StartSession registers a new service run under a fresh UUID
func (db *Database) StartSession(controlAddr, imageAddr string) (*models.Session, error) {
	s := &models.Session{
		ID:          uuid.NewString(),
		StartedAt:   time.Now().UTC(),
		ControlAddr: controlAddr,
		ImageAddr:   imageAddr,
	}
	query := `INSERT INTO sessions (id, started_at, control_addr, image_addr) VALUES (?, ?, ?, ?)`
	if _, err := db.conn.Exec(query, s.ID, s.StartedAt, s.ControlAddr, s.ImageAddr); err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return s, nil
}

// GetSession retrieves a session by ID
func (db *Database) GetSession(id string) (*models.Session, error) {
	query := `SELECT id, started_at, control_addr, image_addr FROM sessions WHERE id = ?`

	var s models.Session
	err := db.conn.QueryRow(query, id).Scan(&s.ID, &s.StartedAt, &s.ControlAddr, &s.ImageAddr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns all sessions, newest first
func (db *Database) ListSessions() ([]models.Session, error) {
	query := `SELECT id, started_at, control_addr, image_addr FROM sessions ORDER BY started_at DESC`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.StartedAt, &s.ControlAddr, &s.ImageAddr); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RecordReport stores a telemetry report with the command sent in reply.
// Non-finite numbers in the payload are stored as null.
func (db *Database) RecordReport(r *models.ReportRecord) error {
	payload, err := json.Marshal(r.Payload.Finite())
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO reports (session_id, received_at, payload, cmd_throttle, cmd_steering)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := db.conn.Exec(query,
		r.SessionID, r.ReceivedAt.UTC(), string(payload), r.Command.Throttle, r.Command.Steering,
	)
	if err != nil {
		return err
	}

	id, _ := result.LastInsertId()
	r.ID = id
	return nil
}

// RecordFrame stores the metadata of an accepted frame
func (db *Database) RecordFrame(f *models.FrameRecord) error {
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO frames (session_id, received_at, seq, width, height, format, size)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := db.conn.Exec(query,
		f.SessionID, f.ReceivedAt.UTC(), int64(f.Seq), f.Width, f.Height, f.Format, f.Size,
	)
	if err != nil {
		return err
	}

	id, _ := result.LastInsertId()
	f.ID = id
	return nil
}

const reportColumns = `id, session_id, received_at, payload, cmd_throttle, cmd_steering`

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (models.ReportRecord, error) {
	var r models.ReportRecord
	var payload string
	if err := row.Scan(&r.ID, &r.SessionID, &r.ReceivedAt, &payload, &r.Command.Throttle, &r.Command.Steering); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
		return r, fmt.Errorf("decoding payload of report %d: %w", r.ID, err)
	}
	return r, nil
}

// QueryReports retrieves reports based on query parameters, newest first
func (db *Database) QueryReports(q models.ReportQuery) ([]models.ReportRecord, error) {
	var conditions []string
	var args []any

	baseQuery := `SELECT ` + reportColumns + ` FROM reports`

	if q.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if !q.StartTime.IsZero() {
		conditions = append(conditions, "received_at >= ?")
		args = append(args, q.StartTime.UTC())
	}
	if !q.EndTime.IsZero() {
		conditions = append(conditions, "received_at <= ?")
		args = append(args, q.EndTime.UTC())
	}

	if len(conditions) > 0 {
		baseQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	baseQuery += " ORDER BY received_at DESC, id DESC"

	if q.Limit > 0 {
		baseQuery += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			baseQuery += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := db.conn.Query(baseQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.ReportRecord
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// LatestReport returns the most recent report of a session, or of any
// session when sessionID is empty
func (db *Database) LatestReport(sessionID string) (*models.ReportRecord, error) {
	query := `SELECT ` + reportColumns + ` FROM reports`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY received_at DESC, id DESC LIMIT 1"

	r, err := scanReport(db.conn.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest report: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SessionSummary returns aggregated statistics for a session
func (db *Database) SessionSummary(sessionID string) (*models.SessionSummary, error) {
	if _, err := db.GetSession(sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT
			COUNT(*),
			MIN(received_at),
			MAX(received_at),
			AVG(cmd_throttle),
			MAX(ABS(cmd_throttle)),
			AVG(cmd_steering),
			(SELECT COUNT(*) FROM frames WHERE session_id = ?)
		FROM reports
		WHERE session_id = ?
	`

	s := models.SessionSummary{SessionID: sessionID}
	var first, last sql.NullString
	var avgThrottle, maxThrottle, avgSteering sql.NullFloat64
	err := db.conn.QueryRow(query, sessionID, sessionID).Scan(
		&s.TotalReports, &first, &last, &avgThrottle, &maxThrottle, &avgSteering, &s.TotalFrames,
	)
	if err != nil {
		return nil, err
	}

	s.AvgThrottle = avgThrottle.Float64
	s.MaxThrottle = maxThrottle.Float64
	s.AvgSteering = avgSteering.Float64
	if s.FirstReport, err = parseTimestamp(first); err != nil {
		return nil, err
	}
	if s.LastReport, err = parseTimestamp(last); err != nil {
		return nil, err
	}
	return &s, nil
}

// parseTimestamp reads a DATETIME that lost its column type in an aggregate
func parseTimestamp(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	s := strings.TrimSuffix(v.String, "Z")
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v.String)
}

// GetStats returns database statistics
func (db *Database) GetStats() (map[string]any, error) {
	stats := make(map[string]any)

	counts := []struct {
		key   string
		query string
	}{
		{"total_sessions", "SELECT COUNT(*) FROM sessions"},
		{"total_reports", "SELECT COUNT(*) FROM reports"},
		{"total_frames", "SELECT COUNT(*) FROM frames"},
	}
	for _, c := range counts {
		var n int64
		if err := db.conn.QueryRow(c.query).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", c.key, err)
		}
		stats[c.key] = n
	}

	return stats, nil
}
