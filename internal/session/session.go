// Package session implements the assessment session engine: the state
// machine that walks a candidate through the timed tasks of a writing
// or speaking exam, owns the capture lifecycle, drives the examiner
// conversation, and hands the finished transcript to the scorer.
//
// Many sessions run in parallel; within one session every transition is
// serialized by a per-session mutex. Clock expiry, the session ceiling,
// and candidate calls all funnel through that mutex, so whichever
// arrives first wins and the loser becomes a no-op on its state check.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wwpca/ieltsprep/internal/capture"
	"github.com/wwpca/ieltsprep/internal/clock"
	"github.com/wwpca/ieltsprep/internal/model"
)

var (
	// ErrSessionNotFound marks unknown or already evicted session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidConfiguration marks a rejected session setup, such as an
	// empty or unordered task list.
	ErrInvalidConfiguration = errors.New("invalid session configuration")
	// ErrInvalidState marks an operation that the session's current state
	// does not allow. The session is left unchanged.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrNotSpeaking marks conversation operations on a writing session.
	ErrNotSpeaking = errors.New("session is not a speaking assessment")
	// ErrReportNotReady is returned while the session is still running.
	ErrReportNotReady = errors.New("report not ready")
	// ErrScoringPending is returned while a scoring attempt is in flight.
	ErrScoringPending = errors.New("scoring in progress")
	// ErrScoringUnavailable is returned when scoring failed and the retry
	// failed as well. The transcript stays intact for further retries.
	ErrScoringUnavailable = errors.New("scoring unavailable")
	// ErrSessionExpired is returned for report requests on sessions that
	// ended in the expired state.
	ErrSessionExpired = errors.New("session expired")
)

// Examiner produces examiner turns for speaking tasks. Implementations
// never fail; oracle trouble is absorbed as fallback turns.
type Examiner interface {
	OpenTask(ctx context.Context, task *model.Task) model.TurnRecord
	Continue(ctx context.Context, task *model.Task, text, audioRef string) model.TurnRecord
}

// Scorer converts a finished transcript into a band report.
type Scorer interface {
	Score(ctx context.Context, tr *model.Transcript) (*model.ScoreReport, error)
}

// Archive persists terminal sessions and their reports. Saves are
// retried by the sweeper until they succeed, so implementations only
// need at-least-once semantics.
type Archive interface {
	SaveSession(s *model.AssessmentSession) error
	SaveReport(sessionID string, report *model.ScoreReport) error
}

// Config carries the engine's timing knobs.
type Config struct {
	// SpeakingCeiling and WritingCeiling bound the total wall-clock
	// lifetime of a session, independent of per-task budgets.
	SpeakingCeiling time.Duration
	WritingCeiling  time.Duration
	// OracleTimeout caps a single oracle round trip. Turn calls are
	// further capped by the remaining task budget.
	OracleTimeout time.Duration
	// Retention is how long a terminal session stays queryable in memory
	// before the sweeper evicts it.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.SpeakingCeiling <= 0 {
		c.SpeakingCeiling = 20 * time.Minute
	}
	if c.WritingCeiling <= 0 {
		c.WritingCeiling = 70 * time.Minute
	}
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = 15 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 30 * time.Minute
	}
	return c
}

func (c Config) ceilingFor(kind model.Kind) time.Duration {
	if kind == model.KindSpeaking {
		return c.SpeakingCeiling
	}
	return c.WritingCeiling
}

// runtime is the live, lock-protected form of one session. Timers and
// oracle calls hang off ctx, which is cancelled on expiry so in-flight
// work aborts promptly.
type runtime struct {
	mu      sync.Mutex
	sess    *model.AssessmentSession
	clock   *clock.Clock
	handle  *clock.Handle
	capture *capture.Coordinator
	ctx     context.Context
	cancel  context.CancelFunc
	ceiling *time.Timer

	transcript      *model.Transcript
	scoringInFlight bool
	archived        bool
	reportSaved     bool
}

// Engine orchestrates all live sessions.
type Engine struct {
	cfg      Config
	examiner Examiner
	scorer   Scorer
	archive  Archive
	repo     *repository
}

// New creates an engine with its collaborators.
func New(cfg Config, ex Examiner, sc Scorer, ar Archive) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		examiner: ex,
		scorer:   sc,
		archive:  ar,
		repo:     newRepository(),
	}
}

// Create validates the task list, registers a new session, and
// activates its first task. The session immediately enters in_progress;
// the created state is never observable from outside.
//
// Oracle calls made during activation are bounded by the session's own
// context and timeout budget, not by the caller's request context, so a
// dropped client connection cannot corrupt session state.
func (e *Engine) Create(kind model.Kind, track model.Track, specs []model.TaskSpec) (model.SessionSnapshot, error) {
	if err := validateConfig(kind, track, specs); err != nil {
		return model.SessionSnapshot{}, err
	}

	now := time.Now()
	ceiling := e.cfg.ceilingFor(kind)
	sess := &model.AssessmentSession{
		ID:        uuid.NewString(),
		Kind:      kind,
		Track:     track,
		State:     model.SessionCreated,
		CreatedAt: now,
		ExpiresAt: now.Add(ceiling),
	}
	for _, spec := range specs {
		sess.Tasks = append(sess.Tasks, model.NewTask(spec))
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		sess:    sess,
		clock:   clock.New(),
		capture: capture.New(),
		ctx:     ctx,
		cancel:  cancel,
	}
	rt.ceiling = time.AfterFunc(ceiling, func() { e.expireSession(rt) })
	e.repo.add(sess.ID, rt)

	rt.mu.Lock()
	sess.State = model.SessionInProgress
	e.activateTask(rt, 0)
	snap := e.snapshotLocked(rt)
	rt.mu.Unlock()

	slog.Info("session created",
		"session_id", sess.ID, "kind", kind, "track", track, "tasks", len(specs))
	return snap, nil
}

func validateConfig(kind model.Kind, track model.Track, specs []model.TaskSpec) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown assessment kind %q", ErrInvalidConfiguration, kind)
	}
	if !track.Valid() {
		return fmt.Errorf("%w: unknown track %q", ErrInvalidConfiguration, track)
	}
	if len(specs) == 0 {
		return fmt.Errorf("%w: empty task list", ErrInvalidConfiguration)
	}
	for i, spec := range specs {
		if spec.Prompt == "" {
			return fmt.Errorf("%w: task %d has no prompt", ErrInvalidConfiguration, spec.Number)
		}
		if spec.DurationSeconds <= 0 {
			return fmt.Errorf("%w: task %d has no duration", ErrInvalidConfiguration, spec.Number)
		}
		if i > 0 && spec.Number <= specs[i-1].Number {
			return fmt.Errorf("%w: task numbers must be strictly increasing", ErrInvalidConfiguration)
		}
	}
	return nil
}

// State returns a read-only snapshot of the session.
func (e *Engine) State(id string) (model.SessionSnapshot, error) {
	rt, ok := e.repo.get(id)
	if !ok {
		return model.SessionSnapshot{}, ErrSessionNotFound
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return e.snapshotLocked(rt), nil
}

// StartCapture opens the recording window of the current task.
func (e *Engine) StartCapture(id string) (model.CaptureSession, error) {
	rt, ok := e.repo.get(id)
	if !ok {
		return model.CaptureSession{}, ErrSessionNotFound
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.sess.State != model.SessionInProgress {
		return model.CaptureSession{}, fmt.Errorf("%w: session is %s", ErrInvalidState, rt.sess.State)
	}
	task := rt.sess.CurrentTask()
	if task == nil || task.State != model.TaskAwaitingCapture {
		return model.CaptureSession{}, fmt.Errorf("%w: no task awaiting capture", ErrInvalidState)
	}
	armed := rt.capture.Active()
	if armed == nil {
		return model.CaptureSession{}, fmt.Errorf("%w: no capture window armed", ErrInvalidState)
	}
	cs, err := rt.capture.Start(armed.ID)
	if err != nil {
		return model.CaptureSession{}, fmt.Errorf("%w: capture is %s", ErrInvalidState, armed.State)
	}
	return cs, nil
}

// StopCapture closes the current capture window with the given content.
//
// For writing this is the submission path: the task moves to submitted
// and the session advances. For speaking it marks a turn boundary: the
// candidate's turn is recorded, the examiner replies, and the window is
// re-armed for the next exchange. A window that was never started is
// treated as a one-shot submission of the given content.
//
// The returned turn is the examiner's reply and is nil for writing
// sessions and for empty speaking content.
func (e *Engine) StopCapture(id, text, audioRef string) (model.SessionSnapshot, *model.TurnRecord, error) {
	rt, ok := e.repo.get(id)
	if !ok {
		return model.SessionSnapshot{}, nil, ErrSessionNotFound
	}

	rt.mu.Lock()
	if rt.sess.State != model.SessionInProgress {
		rt.mu.Unlock()
		return model.SessionSnapshot{}, nil, fmt.Errorf("%w: session is %s", ErrInvalidState, rt.sess.State)
	}
	task := rt.sess.CurrentTask()
	if task == nil || task.State != model.TaskAwaitingCapture {
		rt.mu.Unlock()
		return model.SessionSnapshot{}, nil, fmt.Errorf("%w: no task awaiting capture", ErrInvalidState)
	}

	content, err := e.closeWindow(rt, text, audioRef)
	if err != nil {
		rt.mu.Unlock()
		return model.SessionSnapshot{}, nil, err
	}

	var turn *model.TurnRecord
	needsScoring := false
	if rt.sess.Kind == model.KindSpeaking {
		turn = e.speakingTurn(rt, task, content)
	} else {
		task.SubmittedText = content.Text
		e.finishTask(rt, task, model.TaskSubmitted)
		needsScoring = e.advanceLocked(rt)
	}
	rt.mu.Unlock()

	if needsScoring {
		e.score(rt, false)
	}
	snap, err := e.State(id)
	return snap, turn, err
}

// closeWindow stops the live capture window, first folding in any
// content supplied with the stop call. Caller holds rt.mu.
func (e *Engine) closeWindow(rt *runtime, text, audioRef string) (capture.Content, error) {
	armed := rt.capture.Active()
	if armed == nil {
		return capture.Content{}, fmt.Errorf("%w: no capture window armed", ErrInvalidState)
	}
	if armed.State == model.CaptureIdle && (text != "" || audioRef != "") {
		// Typed one-shot submission: the client never opened the window.
		if _, err := rt.capture.Start(armed.ID); err != nil {
			return capture.Content{}, fmt.Errorf("start capture: %w", err)
		}
	}
	if text != "" || audioRef != "" {
		if err := rt.capture.Write(armed.ID, text, audioRef); err != nil {
			return capture.Content{}, fmt.Errorf("write capture: %w", err)
		}
	}
	content, err := rt.capture.Stop(armed.ID)
	if err != nil {
		return capture.Content{}, fmt.Errorf("stop capture: %w", err)
	}
	return content, nil
}

// CandidateTurn submits one typed candidate turn of a speaking session
// and returns the examiner's reply. The capture window must be idle;
// an open recording has to go through StopCapture instead.
func (e *Engine) CandidateTurn(id, text string) (model.TurnRecord, error) {
	rt, ok := e.repo.get(id)
	if !ok {
		return model.TurnRecord{}, ErrSessionNotFound
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.sess.Kind != model.KindSpeaking {
		return model.TurnRecord{}, ErrNotSpeaking
	}
	if rt.sess.State != model.SessionInProgress {
		return model.TurnRecord{}, fmt.Errorf("%w: session is %s", ErrInvalidState, rt.sess.State)
	}
	task := rt.sess.CurrentTask()
	if task == nil || task.State != model.TaskAwaitingCapture {
		return model.TurnRecord{}, fmt.Errorf("%w: no task awaiting capture", ErrInvalidState)
	}
	armed := rt.capture.Active()
	if armed == nil || armed.State != model.CaptureIdle {
		return model.TurnRecord{}, fmt.Errorf("%w: a recording is in progress", ErrInvalidState)
	}

	content, err := e.closeWindow(rt, text, "")
	if err != nil {
		return model.TurnRecord{}, err
	}
	turn := e.speakingTurn(rt, task, content)
	if turn == nil {
		return model.TurnRecord{}, fmt.Errorf("%w: empty candidate turn", ErrInvalidState)
	}
	return *turn, nil
}

// AdvanceTask moves the session past a finished task. The normal flow
// advances automatically on submission and expiry; this entry point
// exists for callers that drive the sequence explicitly and fails with
// ErrInvalidState unless the current task is already terminal.
func (e *Engine) AdvanceTask(id string) (model.SessionSnapshot, error) {
	rt, ok := e.repo.get(id)
	if !ok {
		return model.SessionSnapshot{}, ErrSessionNotFound
	}

	rt.mu.Lock()
	if rt.sess.State != model.SessionInProgress {
		rt.mu.Unlock()
		return model.SessionSnapshot{}, fmt.Errorf("%w: session is %s", ErrInvalidState, rt.sess.State)
	}
	task := rt.sess.CurrentTask()
	if task == nil || !task.State.Terminal() {
		rt.mu.Unlock()
		return model.SessionSnapshot{}, fmt.Errorf("%w: current task is not finished", ErrInvalidState)
	}
	needsScoring := e.advanceLocked(rt)
	rt.mu.Unlock()

	if needsScoring {
		e.score(rt, false)
	}
	return e.State(id)
}

// Abandon ends the session immediately, equivalent to the ceiling
// firing: remaining tasks time out in order and whatever transcript
// exists goes to scoring.
func (e *Engine) Abandon(id string) (model.SessionSnapshot, error) {
	rt, ok := e.repo.get(id)
	if !ok {
		return model.SessionSnapshot{}, ErrSessionNotFound
	}
	rt.mu.Lock()
	if rt.sess.State != model.SessionInProgress {
		rt.mu.Unlock()
		return model.SessionSnapshot{}, fmt.Errorf("%w: session is %s", ErrInvalidState, rt.sess.State)
	}
	rt.mu.Unlock()

	e.expireSession(rt)
	return e.State(id)
}

// Report returns the session's score report. While scoring is in
// flight it returns ErrScoringPending; a session stuck in scoring after
// a failure gets one synchronous retry per call.
func (e *Engine) Report(id string) (*model.ScoreReport, error) {
	rt, ok := e.repo.get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}

	rt.mu.Lock()
	switch rt.sess.State {
	case model.SessionCompleted:
		report := rt.sess.Report
		rt.mu.Unlock()
		return report, nil
	case model.SessionExpired:
		rt.mu.Unlock()
		return nil, ErrSessionExpired
	case model.SessionScoring:
		if rt.scoringInFlight {
			rt.mu.Unlock()
			return nil, ErrScoringPending
		}
		rt.mu.Unlock()

		e.score(rt, false)

		rt.mu.Lock()
		defer rt.mu.Unlock()
		if rt.sess.State == model.SessionCompleted {
			return rt.sess.Report, nil
		}
		return nil, ErrScoringUnavailable
	default:
		rt.mu.Unlock()
		return nil, ErrReportNotReady
	}
}
