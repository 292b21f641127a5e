package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/motionview/internal/monitoring"
	"github.com/banshee-data/motionview/internal/playback"
)

// Session statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Session is one playback run over a blob.
type Session struct {
	SessionID     string `json:"session_id"`
	Scene         string `json:"scene"`
	BlobPath      string `json:"blob_path"`
	POV           string `json:"pov"`
	FreeView      bool   `json:"free_view"`
	TotalFrames   int    `json:"total_frames"`
	AppliedFrames int    `json:"applied_frames"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	StartedAtNs   int64  `json:"started_at_ns"`
	FinishedAtNs  *int64 `json:"finished_at_ns,omitempty"`
}

// Export is one video produced by a session cycle.
type Export struct {
	ExportID     string `json:"export_id"`
	SessionID    string `json:"session_id"`
	Name         string `json:"name"`
	VideoPath    string `json:"video_path,omitempty"`
	Frames       int    `json:"frames"`
	Skipped      bool   `json:"skipped"`
	Error        string `json:"error,omitempty"`
	StartedAtNs  int64  `json:"started_at_ns"`
	FinishedAtNs int64  `json:"finished_at_ns"`
}

// InsertSession creates a session. If SessionID is empty, a new UUID is
// generated.
func (s *Store) InsertSession(sess *Session) error {
	if sess.SessionID == "" {
		sess.SessionID = uuid.New().String()
	}
	if sess.StartedAtNs == 0 {
		sess.StartedAtNs = time.Now().UnixNano()
	}
	if sess.Status == "" {
		sess.Status = StatusRunning
	}
	_, err := s.Exec(`
		INSERT INTO playback_sessions (
			session_id, scene, blob_path, pov, free_view, total_frames,
			applied_frames, status, error, started_at_ns, finished_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.Scene, sess.BlobPath, sess.POV, sess.FreeView, sess.TotalFrames,
		sess.AppliedFrames, sess.Status, nullString(sess.Error), sess.StartedAtNs, nullInt64(sess.FinishedAtNs),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// FinishSession records the outcome of a session. A nil runErr marks it
// finished.
func (s *Store) FinishSession(id string, applied int, runErr error) error {
	st, msg := StatusFinished, ""
	if runErr != nil {
		st, msg = StatusFailed, runErr.Error()
	}
	res, err := s.Exec(`
		UPDATE playback_sessions
		SET applied_frames = ?, status = ?, error = ?, finished_at_ns = ?
		WHERE session_id = ?`,
		applied, st, nullString(msg), time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

const sessionColumns = `session_id, scene, blob_path, pov, free_view, total_frames,
	applied_frames, status, error, started_at_ns, finished_at_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var sess Session
	var errMsg sql.NullString
	var finished sql.NullInt64
	if err := r.Scan(
		&sess.SessionID, &sess.Scene, &sess.BlobPath, &sess.POV, &sess.FreeView, &sess.TotalFrames,
		&sess.AppliedFrames, &sess.Status, &errMsg, &sess.StartedAtNs, &finished,
	); err != nil {
		return nil, err
	}
	sess.Error = errMsg.String
	if finished.Valid {
		v := finished.Int64
		sess.FinishedAtNs = &v
	}
	return &sess, nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*Session, error) {
	sess, err := scanSession(s.QueryRow(`SELECT `+sessionColumns+` FROM playback_sessions WHERE session_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Query(`SELECT `+sessionColumns+` FROM playback_sessions ORDER BY started_at_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// InsertExport records a video export.
func (s *Store) InsertExport(e *Export) error {
	if e.ExportID == "" {
		e.ExportID = uuid.New().String()
	}
	_, err := s.Exec(`
		INSERT INTO video_exports (
			export_id, session_id, name, video_path, frames, skipped, error,
			started_at_ns, finished_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExportID, e.SessionID, e.Name, nullString(e.VideoPath), e.Frames, e.Skipped, nullString(e.Error),
		e.StartedAtNs, e.FinishedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert export: %w", err)
	}
	return nil
}

// ListExports returns the exports of a session in the order they finished.
func (s *Store) ListExports(sessionID string) ([]Export, error) {
	rows, err := s.Query(`
		SELECT export_id, session_id, name, video_path, frames, skipped, error, started_at_ns, finished_at_ns
		FROM video_exports WHERE session_id = ? ORDER BY finished_at_ns, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	defer rows.Close()

	var out []Export
	for rows.Next() {
		var e Export
		var path, msg sql.NullString
		if err := rows.Scan(&e.ExportID, &e.SessionID, &e.Name, &path, &e.Frames, &e.Skipped, &msg,
			&e.StartedAtNs, &e.FinishedAtNs); err != nil {
			return nil, fmt.Errorf("scan export: %w", err)
		}
		e.VideoPath, e.Error = path.String, msg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Recorder writes playback events of one session to the store.
type Recorder struct {
	store     *Store
	sessionID string
	applied   atomic.Int64
}

// NewRecorder starts a session and returns its observer.
func (s *Store) NewRecorder(sess *Session) (*Recorder, error) {
	if err := s.InsertSession(sess); err != nil {
		return nil, err
	}
	monitoring.Logf("[Store] session %s started for %s (%s)", sess.SessionID, sess.Scene, sess.POV)
	return &Recorder{store: s, sessionID: sess.SessionID}, nil
}

// SessionID returns the recorded session.
func (r *Recorder) SessionID() string { return r.sessionID }

// FrameApplied counts applied frames.
func (r *Recorder) FrameApplied(playback.FrameInfo) { r.applied.Add(1) }

// CycleExported records the cycle's export. Store failures are logged.
func (r *Recorder) CycleExported(info playback.CycleInfo) {
	e := &Export{
		SessionID:    r.sessionID,
		Name:         info.Name,
		VideoPath:    info.Artifact.Path,
		Frames:       info.Frames,
		Skipped:      info.Artifact.Skipped,
		StartedAtNs:  info.Started.UnixNano(),
		FinishedAtNs: info.Finished.UnixNano(),
	}
	if info.Err != nil {
		e.Error = info.Err.Error()
	}
	if err := r.store.InsertExport(e); err != nil {
		monitoring.Logf("[Store] %v", err)
	}
}

// Finish closes the session with the engine's outcome.
func (r *Recorder) Finish(runErr error) error {
	return r.store.FinishSession(r.sessionID, int(r.applied.Load()), runErr)
}

var _ playback.Observer = (*Recorder)(nil)
