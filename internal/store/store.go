package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/wwpca/ieltsprep/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_bank (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		track TEXT NOT NULL,
		number INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		duration_seconds INTEGER NOT NULL,
		min_words INTEGER NOT NULL DEFAULT 0,
		speaking_seconds INTEGER NOT NULL DEFAULT 0,
		UNIQUE (kind, track, number)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		track TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		completed_at DATETIME,
		expired_at DATETIME,
		payload TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reports (
		session_id TEXT PRIMARY KEY,
		overall_band REAL NOT NULL,
		criteria TEXT NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		strengths TEXT NOT NULL DEFAULT 'null',
		improvements TEXT NOT NULL DEFAULT 'null',
		degraded INTEGER NOT NULL DEFAULT 0,
		generated_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS app_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertTask upserts a task prompt into the bank, keyed by (kind, track, number).
func (s *Store) InsertTask(t model.TaskImport) error {
	_, err := s.db.Exec(
		`INSERT INTO task_bank (kind, track, number, prompt, duration_seconds, min_words, speaking_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(kind, track, number) DO UPDATE SET
		 prompt = ?, duration_seconds = ?, min_words = ?, speaking_seconds = ?`,
		t.Kind, t.Track, t.Number, t.Prompt, t.DurationSeconds, t.MinWords, t.SpeakingSeconds,
		t.Prompt, t.DurationSeconds, t.MinWords, t.SpeakingSeconds,
	)
	return err
}

// TaskSpecs returns the task blueprint for an exam kind and track, ordered
// by task number.
func (s *Store) TaskSpecs(kind model.Kind, track model.Track) ([]model.TaskSpec, error) {
	rows, err := s.db.Query(
		`SELECT number, prompt, duration_seconds, min_words, speaking_seconds
		 FROM task_bank WHERE kind = ? AND track = ? ORDER BY number`,
		kind, track,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var specs []model.TaskSpec
	for rows.Next() {
		var spec model.TaskSpec
		if err := rows.Scan(&spec.Number, &spec.Prompt, &spec.DurationSeconds, &spec.MinWords, &spec.SpeakingSeconds); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

// TaskCount returns the number of task prompts in the bank.
func (s *Store) TaskCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM task_bank`).Scan(&count)
	return count, err
}

// SaveSession upserts a finished session. The full session is serialized as
// JSON in the payload column; a few fields are duplicated into indexed
// columns for listing and ordering.
func (s *Store) SaveSession(sess *model.AssessmentSession) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, kind, track, state, created_at, completed_at, expired_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 state = ?, completed_at = ?, expired_at = ?, payload = ?`,
		sess.ID, sess.Kind, sess.Track, sess.State, sess.CreatedAt, sess.CompletedAt, sess.ExpiredAt, string(payload),
		sess.State, sess.CompletedAt, sess.ExpiredAt, string(payload),
	)
	return err
}

// LoadSession returns an archived session by ID.
// Returns nil and no error when the session was never archived.
func (s *Store) LoadSession(id string) (*model.AssessmentSession, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM sessions WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess model.AssessmentSession
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &sess, nil
}

// SessionCount returns the number of archived sessions.
func (s *Store) SessionCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count)
	return count, err
}

// SaveReport upserts the score report for a session.
func (s *Store) SaveReport(sessionID string, r *model.ScoreReport) error {
	criteria, err := json.Marshal(r.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}
	strengths, err := json.Marshal(r.Strengths)
	if err != nil {
		return fmt.Errorf("marshal strengths: %w", err)
	}
	improvements, err := json.Marshal(r.Improvements)
	if err != nil {
		return fmt.Errorf("marshal improvements: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO reports (session_id, overall_band, criteria, feedback, strengths, improvements, degraded, generated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		 overall_band = ?, criteria = ?, feedback = ?, strengths = ?, improvements = ?, degraded = ?, generated_at = ?`,
		sessionID, r.Overall, string(criteria), r.Feedback, string(strengths), string(improvements), r.Degraded, r.GeneratedAt,
		r.Overall, string(criteria), r.Feedback, string(strengths), string(improvements), r.Degraded, r.GeneratedAt,
	)
	return err
}

// GetReport returns the stored score report for a session.
// Returns nil and no error when no report exists.
func (s *Store) GetReport(sessionID string) (*model.ScoreReport, error) {
	var (
		r            model.ScoreReport
		criteria     string
		strengths    string
		improvements string
	)
	err := s.db.QueryRow(
		`SELECT overall_band, criteria, feedback, strengths, improvements, degraded, generated_at
		 FROM reports WHERE session_id = ?`, sessionID,
	).Scan(&r.Overall, &criteria, &r.Feedback, &strengths, &improvements, &r.Degraded, &r.GeneratedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(criteria), &r.Criteria); err != nil {
		return nil, fmt.Errorf("unmarshal criteria for %s: %w", sessionID, err)
	}
	if err := json.Unmarshal([]byte(strengths), &r.Strengths); err != nil {
		return nil, fmt.Errorf("unmarshal strengths for %s: %w", sessionID, err)
	}
	if err := json.Unmarshal([]byte(improvements), &r.Improvements); err != nil {
		return nil, fmt.Errorf("unmarshal improvements for %s: %w", sessionID, err)
	}
	return &r, nil
}
