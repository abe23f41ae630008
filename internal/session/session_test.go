package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wwpca/ieltsprep/internal/examiner"
	"github.com/wwpca/ieltsprep/internal/model"
	"github.com/wwpca/ieltsprep/internal/oracle"
	"github.com/wwpca/ieltsprep/internal/scorer"
)

const writingReply = `{
	"overall_band": 6.5,
	"criteria": [
		{"name": "Task Response", "band": 6.0},
		{"name": "Coherence and Cohesion", "band": 7.0},
		{"name": "Lexical Resource", "band": 6.5},
		{"name": "Grammatical Range and Accuracy", "band": 6.5}
	],
	"feedback": "A capable response."
}`

const speakingReply = `{
	"overall_band": 6.0,
	"criteria": [
		{"name": "Fluency and Coherence", "band": 6.0},
		{"name": "Lexical Resource", "band": 6.0},
		{"name": "Grammatical Range and Accuracy", "band": 6.0},
		{"name": "Pronunciation", "band": 6.0}
	],
	"feedback": "Generally fluent."
}`

// memArchive is an in-memory Archive that can fail its first saves.
type memArchive struct {
	mu           sync.Mutex
	sessions     map[string]*model.AssessmentSession
	reports      map[string]*model.ScoreReport
	sessionFails int
}

func newMemArchive() *memArchive {
	return &memArchive{
		sessions: make(map[string]*model.AssessmentSession),
		reports:  make(map[string]*model.ScoreReport),
	}
}

func (a *memArchive) SaveSession(s *model.AssessmentSession) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionFails > 0 {
		a.sessionFails--
		return errors.New("archive unavailable")
	}
	a.sessions[s.ID] = s
	return nil
}

func (a *memArchive) SaveReport(id string, r *model.ScoreReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports[id] = r
	return nil
}

func (a *memArchive) session(id string) *model.AssessmentSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[id]
}

// flakyScorer fails a configured number of calls, then succeeds.
type flakyScorer struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (s *flakyScorer) Score(_ context.Context, _ *model.Transcript) (*model.ScoreReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fails {
		return nil, errors.New("scoring backend down")
	}
	return &model.ScoreReport{
		Overall: 6.0,
		Criteria: []model.CriterionBand{
			{Name: "Task Response", Band: 6.0},
			{Name: "Coherence and Cohesion", Band: 6.0},
			{Name: "Lexical Resource", Band: 6.0},
			{Name: "Grammatical Range and Accuracy", Band: 6.0},
		},
		Feedback:    "ok",
		GeneratedAt: time.Now(),
	}, nil
}

// blockingScorer holds every call until released.
type blockingScorer struct {
	release chan struct{}
	inner   flakyScorer
}

func (s *blockingScorer) Score(ctx context.Context, tr *model.Transcript) (*model.ScoreReport, error) {
	<-s.release
	return s.inner.Score(ctx, tr)
}

func testEngine(cfg Config, turns *oracle.Mock, sc Scorer, ar Archive) *Engine {
	if turns == nil {
		turns = oracle.NewMock()
	}
	return New(cfg, examiner.New(turns, 0), sc, ar)
}

func writingSpecs(durations ...int) []model.TaskSpec {
	specs := make([]model.TaskSpec, len(durations))
	for i, d := range durations {
		specs[i] = model.TaskSpec{
			Number:          i + 1,
			Prompt:          "Write about topic " + string(rune('A'+i)),
			DurationSeconds: d,
			MinWords:        150,
		}
	}
	return specs
}

func speakingSpecs(durations ...int) []model.TaskSpec {
	specs := make([]model.TaskSpec, len(durations))
	for i, d := range durations {
		specs[i] = model.TaskSpec{
			Number:          i + 1,
			Prompt:          "Speaking topic " + string(rune('A'+i)),
			DurationSeconds: d,
			SpeakingSeconds: d,
		}
	}
	return specs
}

func waitForState(t *testing.T, e *Engine, id string, want model.SessionState, timeout time.Duration) model.SessionSnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, err := e.State(id)
		if err != nil {
			t.Fatalf("State: %v", err)
		}
		if snap.State == want {
			return snap
		}
		time.Sleep(20 * time.Millisecond)
	}
	snap, _ := e.State(id)
	t.Fatalf("session did not reach %s within %v, state %s", want, timeout, snap.State)
	return model.SessionSnapshot{}
}

func TestCreateValidation(t *testing.T) {
	e := testEngine(Config{}, nil, &flakyScorer{}, newMemArchive())

	tests := []struct {
		name  string
		kind  model.Kind
		track model.Track
		specs []model.TaskSpec
	}{
		{"unknown kind", "listening", model.TrackAcademic, writingSpecs(60)},
		{"unknown track", model.KindWriting, "professional", writingSpecs(60)},
		{"empty task list", model.KindWriting, model.TrackAcademic, nil},
		{"missing prompt", model.KindWriting, model.TrackAcademic, []model.TaskSpec{{Number: 1, DurationSeconds: 60}}},
		{"missing duration", model.KindWriting, model.TrackAcademic, []model.TaskSpec{{Number: 1, Prompt: "p"}}},
		{"unordered numbers", model.KindWriting, model.TrackAcademic, []model.TaskSpec{
			{Number: 2, Prompt: "p", DurationSeconds: 60},
			{Number: 1, Prompt: "q", DurationSeconds: 60},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Create(tt.kind, tt.track, tt.specs)
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("Create error = %v, want ErrInvalidConfiguration", err)
			}
		})
	}
}

func TestStateUnknownSession(t *testing.T) {
	e := testEngine(Config{}, nil, &flakyScorer{}, newMemArchive())
	if _, err := e.State("no-such-id"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("State error = %v, want ErrSessionNotFound", err)
	}
}

func TestWritingSubmitAdvancesWithFreshClock(t *testing.T) {
	scoreMock := oracle.NewMock()
	scoreMock.AddScore(writingReply, nil)
	archive := newMemArchive()
	e := testEngine(Config{}, nil, scorer.New(scoreMock), archive)

	snap, err := e.Create(model.KindWriting, model.TrackAcademic, writingSpecs(20, 2))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if snap.State != model.SessionInProgress || snap.Task == nil || snap.Task.Number != 1 {
		t.Fatalf("initial snapshot = %+v", snap)
	}
	if snap.Capture == nil || snap.Capture.State != model.CaptureIdle {
		t.Fatalf("capture not armed: %+v", snap.Capture)
	}

	if _, err := e.StartCapture(snap.ID); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	snap2, _, err := e.StopCapture(snap.ID, "The chart shows a clear upward trend.", "")
	if err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if snap2.Task == nil || snap2.Task.Number != 2 {
		t.Fatalf("second task not activated: %+v", snap2.Task)
	}
	if snap2.Task.State != model.TaskAwaitingCapture {
		t.Errorf("task 2 state = %s", snap2.Task.State)
	}
	if snap2.Task.RemainingSeconds < 1 {
		t.Errorf("task 2 clock not fresh, remaining = %d", snap2.Task.RemainingSeconds)
	}

	waitForState(t, e, snap.ID, model.SessionCompleted, 5*time.Second)

	arch := archive.session(snap.ID)
	if arch == nil {
		t.Fatal("completed session was not archived")
	}
	if arch.Tasks[0].State != model.TaskSubmitted || arch.Tasks[0].SubmittedText == "" {
		t.Errorf("task 1 = %s %q", arch.Tasks[0].State, arch.Tasks[0].SubmittedText)
	}
	if arch.Tasks[1].State != model.TaskTimedOut {
		t.Errorf("task 2 state = %s, want timed_out", arch.Tasks[1].State)
	}
	if arch.Report == nil || arch.Report.Degraded {
		t.Errorf("report = %+v, want non-degraded report", arch.Report)
	}
}

func TestTaskTimeoutWithinBudget(t *testing.T) {
	scoreMock := oracle.NewMock()
	scoreMock.AddScore(writingReply, nil)
	e := testEngine(Config{}, nil, scorer.New(scoreMock), newMemArchive())

	start := time.Now()
	snap, err := e.Create(model.KindWriting, model.TrackGeneral, writingSpecs(1))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForState(t, e, snap.ID, model.SessionCompleted, 4*time.Second)

	elapsed := time.Since(start)
	if elapsed < 900*time.Millisecond {
		t.Errorf("task finished after %v, before its 1s budget", elapsed)
	}
	if elapsed > 2500*time.Millisecond {
		t.Errorf("task finished after %v, outside budget plus slack", elapsed)
	}
}

func TestSpeakingTurnFlow(t *testing.T) {
	turns := oracle.NewMock()
	turns.AddTurn("Good morning. Could you tell me where you live?", nil)
	turns.AddTurn("Interesting. What do you like about it?", nil)
	scoreMock := oracle.NewMock()
	scoreMock.AddScore(speakingReply, nil)
	archive := newMemArchive()
	e := testEngine(Config{}, turns, scorer.New(scoreMock), archive)

	snap, err := e.Create(model.KindSpeaking, model.TrackGeneral, speakingSpecs(30))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(snap.Task.Turns) != 1 || snap.Task.Turns[0].Origin != model.TurnGenerated {
		t.Fatalf("opening turn = %+v", snap.Task.Turns)
	}
	firstCapture := snap.Capture.ID

	if _, err := e.StartCapture(snap.ID); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	snap2, turn, err := e.StopCapture(snap.ID, "I live near the harbour.", "audio/seg-1.webm")
	if err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if turn == nil || turn.Speaker != model.SpeakerExaminer || turn.Origin != model.TurnGenerated {
		t.Fatalf("examiner turn = %+v", turn)
	}
	if len(snap2.Task.Turns) != 3 {
		t.Fatalf("len(Turns) = %d, want opening + candidate + reply", len(snap2.Task.Turns))
	}
	if snap2.Task.Turns[1].AudioRef != "audio/seg-1.webm" {
		t.Errorf("candidate turn audio ref = %q", snap2.Task.Turns[1].AudioRef)
	}
	if snap2.Capture == nil || snap2.Capture.State != model.CaptureIdle || snap2.Capture.ID == firstCapture {
		t.Errorf("window not re-armed: %+v", snap2.Capture)
	}

	if _, err := e.Abandon(snap.ID); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	waitForState(t, e, snap.ID, model.SessionCompleted, 3*time.Second)
}

func TestSpeakingFallbackKeepsSessionAlive(t *testing.T) {
	turns := oracle.NewMock()
	turns.AddTurn("Let's talk about your free time. What do you enjoy doing?", nil)
	// Every call after the first fails, so follow-ups and later
	// openings come from the deterministic fallbacks.
	scoreMock := oracle.NewMock()
	scoreMock.AddScore(speakingReply, nil)
	archive := newMemArchive()
	e := testEngine(Config{}, turns, scorer.New(scoreMock), archive)

	snap, err := e.Create(model.KindSpeaking, model.TrackAcademic, speakingSpecs(1, 1, 1))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	turn, err := e.CandidateTurn(snap.ID, "I mostly read and run.")
	if err != nil {
		t.Fatalf("CandidateTurn: %v", err)
	}
	if turn.Origin != model.TurnFallback || turn.Speaker != model.SpeakerExaminer {
		t.Fatalf("turn = %+v, want examiner fallback", turn)
	}

	waitForState(t, e, snap.ID, model.SessionCompleted, 8*time.Second)

	arch := archive.session(snap.ID)
	if arch == nil {
		t.Fatal("session not archived")
	}
	for i, task := range arch.Tasks {
		if task.State != model.TaskTimedOut {
			t.Errorf("part %d state = %s, want timed_out", i+1, task.State)
		}
		if len(task.Turns) == 0 {
			t.Errorf("part %d has no turns", i+1)
		}
	}
	if arch.Report == nil {
		t.Fatal("no report on completed session")
	}
}

func TestSessionCeilingForcesTimeoutsInOrder(t *testing.T) {
	scoreMock := oracle.NewMock()
	scoreMock.AddScore(writingReply, nil)
	archive := newMemArchive()
	e := testEngine(Config{WritingCeiling: 2 * time.Second}, nil, scorer.New(scoreMock), archive)

	snap, err := e.Create(model.KindWriting, model.TrackAcademic, writingSpecs(30, 30, 30))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := e.StopCapture(snap.ID, "First essay, finished early.", ""); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}

	final := waitForState(t, e, snap.ID, model.SessionCompleted, 6*time.Second)
	if final.ExpiredAt == nil {
		t.Error("ExpiredAt not recorded on ceiling expiry")
	}

	arch := archive.session(snap.ID)
	if arch == nil {
		t.Fatal("session not archived")
	}
	wantStates := []model.TaskState{model.TaskSubmitted, model.TaskTimedOut, model.TaskTimedOut}
	for i, want := range wantStates {
		if arch.Tasks[i].State != want {
			t.Errorf("task %d state = %s, want %s", i+1, arch.Tasks[i].State, want)
		}
	}
	if arch.Tasks[1].EndedAt.After(*arch.Tasks[2].EndedAt) {
		t.Error("remaining tasks not timed out in order")
	}

	transcript := scoreMock.ScoreCalls[0].Transcript
	if !strings.Contains(transcript, "First essay, finished early.") {
		t.Error("partial transcript missing submitted text")
	}
	if !strings.Contains(transcript, "[No response captured]") {
		t.Error("partial transcript does not mark unanswered tasks")
	}
	if arch.Report == nil || arch.Report.Degraded {
		t.Errorf("report = %+v, want non-degraded report from successful oracle", arch.Report)
	}
}

func TestSessionCeilingWithFailingOracleDegrades(t *testing.T) {
	archive := newMemArchive()
	e := testEngine(Config{WritingCeiling: 1 * time.Second}, nil, scorer.New(oracle.NewMock()), archive)

	snap, err := e.Create(model.KindWriting, model.TrackGeneral, writingSpecs(30, 30))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitForState(t, e, snap.ID, model.SessionCompleted, 4*time.Second)

	report, err := e.Report(snap.ID)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if !report.Degraded {
		t.Error("report not degraded although the scoring oracle failed")
	}
}

func TestCeilingScoringErrorEndsExpired(t *testing.T) {
	archive := newMemArchive()
	e := testEngine(Config{WritingCeiling: 1 * time.Second}, nil, &flakyScorer{fails: 100}, archive)

	snap, err := e.Create(model.KindWriting, model.TrackAcademic, writingSpecs(30))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitForState(t, e, snap.ID, model.SessionExpired, 4*time.Second)

	if _, err := e.Report(snap.ID); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Report error = %v, want ErrSessionExpired", err)
	}
	arch := archive.session(snap.ID)
	if arch == nil || arch.State != model.SessionExpired {
		t.Errorf("archived session = %+v, want expired", arch)
	}
}

func TestAdvanceCompletedSessionFails(t *testing.T) {
	scoreMock := oracle.NewMock()
	scoreMock.AddScore(writingReply, nil)
	e := testEngine(Config{}, nil, scorer.New(scoreMock), newMemArchive())

	snap, err := e.Create(model.KindWriting, model.TrackAcademic, writingSpecs(30))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := e.StopCapture(snap.ID, "Done.", ""); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	waitForState(t, e, snap.ID, model.SessionCompleted, 3*time.Second)

	before, err := e.Report(snap.ID)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}

	if _, err := e.AdvanceTask(snap.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("AdvanceTask error = %v, want ErrInvalidState", err)
	}

	after, err := e.Report(snap.ID)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if before != after || !before.GeneratedAt.Equal(after.GeneratedAt) {
		t.Error("stored report was mutated by a rejected AdvanceTask")
	}
}

func TestAdvanceMidTaskFails(t *testing.T) {
	e := testEngine(Config{}, nil, &flakyScorer{}, newMemArchive())

	snap, err := e.Create(model.KindWriting, model.TrackAcademic, writingSpecs(30, 30))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.AdvanceTask(snap.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("AdvanceTask error = %v, want ErrInvalidState", err)
	}
}

func TestDoubleStartCaptureFails(t *testing.T) {
	e := testEngine(Config{}, nil, &flakyScorer{}, newMemArchive())

	snap, err := e.Create(model.KindWriting, model.TrackAcademic, writingSpecs(30))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.StartCapture(snap.ID); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if _, err := e.StartCapture(snap.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second StartCapture error = %v, want ErrInvalidState", err)
	}

	// The rejected call must not disturb the open window.
	got, err := e.State(snap.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got.Capture == nil || got.Capture.State != model.CaptureRecording {
		t.Errorf("capture state after rejected call = %+v", got.Capture)
	}
}

func TestCandidateTurnOnWritingFails(t *testing.T) {
	e := testEngine(Config{}, nil, &flakyScorer{}, newMemArchive())

	snap, err := e.Create(model.KindWriting, model.TrackAcademic, writingSpecs(30))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.CandidateTurn(snap.ID, "hello"); !errors.Is(err, ErrNotSpeaking) {
		t.Errorf("CandidateTurn error = %v, want ErrNotSpeaking", err)
	}
}

func TestCandidateTurnWhileRecordingFails(t *testing.T) {
	turns := oracle.NewMock()
	turns.AddTurn("Tell me about your studies.", nil)
	e := testEngine(Config{}, turns, &flakyScorer{}, newMemArchive())

	snap, err := e.Create(model.KindSpeaking, model.TrackAcademic, speakingSpecs(30))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.StartCapture(snap.ID); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if _, err := e.CandidateTurn(snap.ID, "typed while recording"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("CandidateTurn error = %v, want ErrInvalidState", err)
	}
}

func TestAbandonEndsSession(t *testing.T) {
	scoreMock := oracle.NewMock()
	scoreMock.AddScore(writingReply, nil)
	archive := newMemArchive()
	e := testEngine(Config{}, nil, scorer.New(scoreMock), archive)

	snap, err := e.Create(model.KindWriting, model.TrackAcademic, writingSpecs(600, 600))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	final, err := e.Abandon(snap.ID)
	if err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if final.State != model.SessionCompleted {
		t.Errorf("state after abandon = %s, want completed", final.State)
	}
	if final.ExpiredAt == nil {
		t.Error("ExpiredAt not set on abandoned session")
	}

	arch := archive.session(snap.ID)
	for i, task := range arch.Tasks {
		if task.State != model.TaskTimedOut {
			t.Errorf("task %d state = %s, want timed_out", i+1, task.State)
		}
	}

	if _, err := e.Abandon(snap.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Abandon error = %v, want ErrInvalidState", err)
	}
}

func TestReportLifecycle(t *testing.T) {
	sc := &flakyScorer{fails: 2}
	e := testEngine(Config{}, nil, sc, newMemArchive())

	snap, err := e.Create(model.KindWriting, model.TrackAcademic, writingSpecs(600))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := e.Report(snap.ID); !errors.Is(err, ErrReportNotReady) {
		t.Fatalf("Report while in progress = %v, want ErrReportNotReady", err)
	}

	// Submission triggers the first scoring attempt, which fails and
	// leaves the session in scoring with the transcript intact.
	stopped, _, err := e.StopCapture(snap.ID, "My essay.", "")
	if err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if stopped.State != model.SessionScoring {
		t.Fatalf("state after failed scoring = %s, want scoring", stopped.State)
	}

	// The report request retries synchronously; the second attempt
	// fails too.
	if _, err := e.Report(snap.ID); !errors.Is(err, ErrScoringUnavailable) {
		t.Fatalf("Report error = %v, want ErrScoringUnavailable", err)
	}

	// Third attempt succeeds.
	report, err := e.Report(snap.ID)
	if err != nil {
		t.Fatalf("Report after recovery: %v", err)
	}
	if report == nil || report.Overall != 6.0 {
		t.Errorf("report = %+v", report)
	}
	got, err := e.State(snap.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got.State != model.SessionCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
}

func TestReportWhileScoringInFlight(t *testing.T) {
	sc := &blockingScorer{release: make(chan struct{})}
	e := testEngine(Config{}, nil, sc, newMemArchive())

	snap, err := e.Create(model.KindWriting, model.TrackAcademic, writingSpecs(600))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.StopCapture(snap.ID, "My essay.", "")
	}()

	waitForState(t, e, snap.ID, model.SessionScoring, 2*time.Second)
	if _, err := e.Report(snap.ID); !errors.Is(err, ErrScoringPending) {
		t.Errorf("Report error = %v, want ErrScoringPending", err)
	}

	close(sc.release)
	<-done
	waitForState(t, e, snap.ID, model.SessionCompleted, 2*time.Second)
	if _, err := e.Report(snap.ID); err != nil {
		t.Errorf("Report after scoring: %v", err)
	}
}

func TestSweepEvictsArchivedSessions(t *testing.T) {
	scoreMock := oracle.NewMock()
	scoreMock.AddScore(writingReply, nil)
	archive := newMemArchive()
	e := testEngine(Config{Retention: time.Millisecond}, nil, scorer.New(scoreMock), archive)

	snap, err := e.Create(model.KindWriting, model.TrackAcademic, writingSpecs(600))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := e.StopCapture(snap.ID, "Essay.", ""); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	waitForState(t, e, snap.ID, model.SessionCompleted, 3*time.Second)

	time.Sleep(10 * time.Millisecond)
	if n := e.Sweep(time.Now()); n != 1 {
		t.Fatalf("Sweep evicted %d, want 1", n)
	}
	if _, err := e.State(snap.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("State after eviction = %v, want ErrSessionNotFound", err)
	}
	if archive.session(snap.ID) == nil {
		t.Error("evicted session missing from archive")
	}
}

func TestSweepRetriesFailedArchive(t *testing.T) {
	scoreMock := oracle.NewMock()
	scoreMock.AddScore(writingReply, nil)
	archive := newMemArchive()
	archive.sessionFails = 1
	e := testEngine(Config{Retention: time.Millisecond}, nil, scorer.New(scoreMock), archive)

	snap, err := e.Create(model.KindWriting, model.TrackAcademic, writingSpecs(600))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := e.StopCapture(snap.ID, "Essay.", ""); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	waitForState(t, e, snap.ID, model.SessionCompleted, 3*time.Second)

	if archive.session(snap.ID) != nil {
		t.Fatal("first archive attempt should have failed")
	}

	time.Sleep(10 * time.Millisecond)
	if n := e.Sweep(time.Now()); n != 1 {
		t.Fatalf("Sweep evicted %d, want 1", n)
	}
	if archive.session(snap.ID) == nil {
		t.Error("sweep did not retry the failed archive write")
	}
}

func TestTaskActivationOrder(t *testing.T) {
	scoreMock := oracle.NewMock()
	scoreMock.AddScore(writingReply, nil)
	archive := newMemArchive()
	e := testEngine(Config{}, nil, scorer.New(scoreMock), archive)

	snap, err := e.Create(model.KindWriting, model.TrackAcademic, writingSpecs(600, 600, 600))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var seen []int
	for i := 0; i < 3; i++ {
		got, err := e.State(snap.ID)
		if err != nil {
			t.Fatalf("State: %v", err)
		}
		seen = append(seen, got.Task.Number)
		if _, _, err := e.StopCapture(snap.ID, "answer", ""); err != nil {
			t.Fatalf("StopCapture %d: %v", i+1, err)
		}
	}

	for i, n := range seen {
		if n != i+1 {
			t.Errorf("activation order = %v, want 1,2,3", seen)
			break
		}
	}
	waitForState(t, e, snap.ID, model.SessionCompleted, 3*time.Second)
}
