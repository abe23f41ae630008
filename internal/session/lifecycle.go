package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/wwpca/ieltsprep/internal/capture"
	"github.com/wwpca/ieltsprep/internal/model"
)

// activateTask starts the clock for the task at index, lets the
// examiner open it for speaking sessions, and arms the capture window.
// Caller holds rt.mu.
func (e *Engine) activateTask(rt *runtime, index int) {
	rt.sess.TaskIndex = index
	task := &rt.sess.Tasks[index]
	now := time.Now()
	task.State = model.TaskActive
	task.StartedAt = &now

	d := time.Duration(task.DurationSeconds) * time.Second
	handle, err := rt.clock.Start(task.Number, d, func() { e.taskExpired(rt, task.Number) })
	if err != nil {
		slog.Error("start task clock", "session_id", rt.sess.ID, "task", task.Number, "error", err)
	}
	rt.handle = handle

	if rt.sess.Kind == model.KindSpeaking {
		ctx, cancel := e.oracleContext(rt)
		turn := e.examiner.OpenTask(ctx, task)
		cancel()
		slog.Debug("examiner opened part",
			"session_id", rt.sess.ID, "part", task.Number, "origin", turn.Origin)
	}

	if _, err := rt.capture.Arm(task.Number); err != nil {
		slog.Error("arm capture", "session_id", rt.sess.ID, "task", task.Number, "error", err)
	}
	task.State = model.TaskAwaitingCapture
	slog.Debug("task activated",
		"session_id", rt.sess.ID, "task", task.Number, "duration_s", task.DurationSeconds)
}

// speakingTurn records the candidate's content as a turn, obtains the
// examiner's reply, and re-arms the window for the next exchange.
// Empty content only re-arms. Caller holds rt.mu.
func (e *Engine) speakingTurn(rt *runtime, task *model.Task, content capture.Content) *model.TurnRecord {
	var turn *model.TurnRecord
	if !content.Empty() {
		ctx, cancel := e.oracleContext(rt)
		reply := e.examiner.Continue(ctx, task, content.Text, content.AudioRef)
		cancel()
		turn = &reply
	}
	if _, err := rt.capture.Arm(task.Number); err != nil {
		slog.Error("re-arm capture", "session_id", rt.sess.ID, "task", task.Number, "error", err)
	}
	return turn
}

// finishTask moves a task to its terminal state and stops its clock.
// Caller holds rt.mu.
func (e *Engine) finishTask(rt *runtime, task *model.Task, state model.TaskState) {
	now := time.Now()
	task.State = state
	task.EndedAt = &now
	if rt.handle != nil {
		rt.handle.Cancel()
		rt.handle = nil
	}
}

// advanceLocked activates the next task, or moves the session into
// scoring when none remain. It reports whether the caller must run
// score after releasing rt.mu.
func (e *Engine) advanceLocked(rt *runtime) bool {
	next := rt.sess.TaskIndex + 1
	if next < len(rt.sess.Tasks) {
		e.activateTask(rt, next)
		return false
	}
	e.enterScoringLocked(rt, time.Now())
	return true
}

// enterScoringLocked freezes the transcript and blocks all further
// mutation. Caller holds rt.mu.
func (e *Engine) enterScoringLocked(rt *runtime, now time.Time) {
	rt.transcript = model.BuildTranscript(rt.sess, now)
	rt.sess.State = model.SessionScoring
	rt.ceiling.Stop()
	slog.Info("session scoring", "session_id", rt.sess.ID)
}

// taskExpired is the clock callback. It runs on the timer goroutine
// with no locks held; a fire that lost the race against submission or
// session expiry is a no-op.
func (e *Engine) taskExpired(rt *runtime, taskNumber int) {
	rt.mu.Lock()
	if rt.sess.State != model.SessionInProgress {
		rt.mu.Unlock()
		return
	}
	task := rt.sess.CurrentTask()
	if task == nil || task.Number != taskNumber || task.State.Terminal() {
		rt.mu.Unlock()
		return
	}

	content := rt.capture.StopActive()
	e.applyForcedContent(rt, task, content)
	e.finishTask(rt, task, model.TaskTimedOut)
	slog.Info("task timed out", "session_id", rt.sess.ID, "task", task.Number)
	needsScoring := e.advanceLocked(rt)
	rt.mu.Unlock()

	if needsScoring {
		e.score(rt, false)
	}
}

// applyForcedContent preserves whatever the candidate had produced when
// a task is force-finished: a partial essay becomes the submitted text,
// a pending spoken answer becomes a final candidate turn with no
// examiner reply. Caller holds rt.mu.
func (e *Engine) applyForcedContent(rt *runtime, task *model.Task, content capture.Content) {
	if content.Empty() {
		return
	}
	if rt.sess.Kind == model.KindSpeaking {
		task.AppendTurn(model.SpeakerCandidate, content.Text, content.AudioRef, "")
		return
	}
	task.SubmittedText = content.Text
}

// expireSession is the ceiling path, shared with abandonment: cancel
// in-flight oracle work, force every remaining task to timed_out in
// order, then score whatever transcript exists.
func (e *Engine) expireSession(rt *runtime) {
	rt.cancel()

	rt.mu.Lock()
	if rt.sess.State != model.SessionInProgress {
		rt.mu.Unlock()
		return
	}
	now := time.Now()
	rt.sess.ExpiredAt = &now
	rt.ceiling.Stop()

	content := rt.capture.StopActive()
	if task := rt.sess.CurrentTask(); task != nil && !task.State.Terminal() {
		e.applyForcedContent(rt, task, content)
	}
	for i := rt.sess.TaskIndex; i < len(rt.sess.Tasks); i++ {
		t := &rt.sess.Tasks[i]
		if !t.State.Terminal() {
			e.finishTask(rt, t, model.TaskTimedOut)
		}
	}
	slog.Warn("session expired",
		"session_id", rt.sess.ID, "task_index", rt.sess.TaskIndex)
	e.enterScoringLocked(rt, now)
	rt.mu.Unlock()

	e.score(rt, true)
}

// score runs one scoring attempt, serialized by scoringInFlight and
// without rt.mu held so reads stay responsive. It uses a fresh context:
// on the expiry path the session context is already cancelled, and the
// candidate still deserves a report. A failure on the normal path
// leaves the session in scoring for retry; on the expiry path it makes
// expired the terminal state.
func (e *Engine) score(rt *runtime, expired bool) {
	rt.mu.Lock()
	if rt.sess.State != model.SessionScoring || rt.scoringInFlight {
		rt.mu.Unlock()
		return
	}
	rt.scoringInFlight = true
	tr := rt.transcript
	id := rt.sess.ID
	rt.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OracleTimeout)
	report, err := e.scorer.Score(ctx, tr)
	cancel()

	rt.mu.Lock()
	rt.scoringInFlight = false
	if err != nil {
		slog.Error("scoring failed", "session_id", id, "error", err)
		if expired {
			rt.sess.State = model.SessionExpired
			rt.mu.Unlock()
			e.persist(rt)
			return
		}
		rt.mu.Unlock()
		return
	}

	now := time.Now()
	rt.sess.Report = report
	rt.sess.State = model.SessionCompleted
	rt.sess.CompletedAt = &now
	rt.mu.Unlock()

	slog.Info("session completed",
		"session_id", id, "overall", report.Overall, "degraded", report.Degraded)
	e.persist(rt)
}

// oracleContext derives the deadline for one oracle call: the remaining
// task budget capped at the configured ceiling, attached to the session
// context so session expiry aborts the call. Caller holds rt.mu.
func (e *Engine) oracleContext(rt *runtime) (context.Context, context.CancelFunc) {
	timeout := e.cfg.OracleTimeout
	if rt.handle != nil {
		if r := rt.handle.Remaining(); r > 0 && r < timeout {
			timeout = r
		}
	}
	return context.WithTimeout(rt.ctx, timeout)
}

// persist archives a terminal session and, if present, its report.
// Failures are logged and retried by the sweeper.
func (e *Engine) persist(rt *runtime) {
	rt.mu.Lock()
	if !rt.sess.State.Terminal() {
		rt.mu.Unlock()
		return
	}
	sess := rt.sess
	report := rt.sess.Report
	needSession := !rt.archived
	needReport := report != nil && !rt.reportSaved
	rt.mu.Unlock()

	if needSession {
		if err := e.archive.SaveSession(sess); err != nil {
			slog.Error("archive session", "session_id", sess.ID, "error", err)
		} else {
			rt.mu.Lock()
			rt.archived = true
			rt.mu.Unlock()
		}
	}
	if needReport {
		if err := e.archive.SaveReport(sess.ID, report); err != nil {
			slog.Error("archive report", "session_id", sess.ID, "error", err)
		} else {
			rt.mu.Lock()
			rt.reportSaved = true
			rt.mu.Unlock()
		}
	}
}

// snapshotLocked builds the caller-facing view of the session. The
// per-task slice is only populated while the session is in progress.
// Caller holds rt.mu.
func (e *Engine) snapshotLocked(rt *runtime) model.SessionSnapshot {
	s := rt.sess
	snap := model.SessionSnapshot{
		ID:        s.ID,
		Kind:      s.Kind,
		Track:     s.Track,
		State:     s.State,
		TaskIndex: s.TaskIndex,
		TaskCount: len(s.Tasks),
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		ExpiredAt: s.ExpiredAt,
	}
	if s.State != model.SessionInProgress {
		return snap
	}
	if task := s.CurrentTask(); task != nil {
		remaining := 0
		if rt.handle != nil {
			remaining = int(rt.handle.Remaining() / time.Second)
		}
		snap.Task = &model.TaskSnapshot{
			Number:           task.Number,
			Prompt:           task.Prompt,
			State:            task.State,
			RemainingSeconds: remaining,
			MinWords:         task.MinWords,
			Turns:            append([]model.TurnRecord(nil), task.Turns...),
		}
	}
	if cs := rt.capture.Active(); cs != nil {
		snap.Capture = &model.CaptureSnapshot{ID: cs.ID, State: cs.State}
	}
	return snap
}
