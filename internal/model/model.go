package model

import "time"

// Kind selects which IELTS skill a session assesses.
type Kind string

const (
	KindWriting  Kind = "writing"
	KindSpeaking Kind = "speaking"
)

// Valid reports whether the kind is one of the known skills.
func (k Kind) Valid() bool {
	return k == KindWriting || k == KindSpeaking
}

// Track is the exam variant a candidate sits.
type Track string

const (
	TrackAcademic Track = "academic"
	TrackGeneral  Track = "general"
)

// Valid reports whether the track is a known exam variant.
func (t Track) Valid() bool {
	return t == TrackAcademic || t == TrackGeneral
}

// SessionState is the lifecycle state of an assessment session.
// Transitions are one-directional; no state is ever revisited.
type SessionState string

const (
	SessionCreated    SessionState = "created"
	SessionInProgress SessionState = "in_progress"
	SessionScoring    SessionState = "scoring"
	SessionCompleted  SessionState = "completed"
	SessionExpired    SessionState = "expired"
)

// Terminal reports whether the session has reached a final state.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionExpired
}

// TaskState is the lifecycle state of a single exam task.
type TaskState string

const (
	TaskPending         TaskState = "pending"
	TaskActive          TaskState = "active"
	TaskAwaitingCapture TaskState = "awaiting_capture"
	TaskSubmitted       TaskState = "submitted"
	TaskTimedOut        TaskState = "timed_out"
)

// Terminal reports whether the task can no longer accept candidate input.
func (s TaskState) Terminal() bool {
	return s == TaskSubmitted || s == TaskTimedOut
}

// CaptureState is the state of one recording or typing window.
type CaptureState string

const (
	CaptureIdle      CaptureState = "idle"
	CaptureRecording CaptureState = "recording"
	CaptureStopped   CaptureState = "stopped"
)

// Speaker identifies who produced a conversation turn.
type Speaker string

const (
	SpeakerExaminer  Speaker = "examiner"
	SpeakerCandidate Speaker = "candidate"
)

// TurnOrigin records how an examiner turn was produced.
type TurnOrigin string

const (
	// TurnGenerated marks a turn produced by the turn oracle.
	TurnGenerated TurnOrigin = "generated"
	// TurnFallback marks a deterministic local line used when the oracle
	// failed or returned empty content.
	TurnFallback TurnOrigin = "fallback"
)

// TaskSpec is the prompt and timing metadata for one exam task, as served
// by the task source. It carries no runtime state.
type TaskSpec struct {
	Number          int    `json:"number"`
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
	MinWords        int    `json:"min_words,omitempty"`
	SpeakingSeconds int    `json:"speaking_seconds,omitempty"`
}

// TaskImport is the JSON shape of a task bank file entry.
type TaskImport struct {
	Kind            Kind   `json:"kind"`
	Track           Track  `json:"track"`
	Number          int    `json:"number"`
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
	MinWords        int    `json:"min_words"`
	SpeakingSeconds int    `json:"speaking_seconds"`
}

// TurnRecord is one exchange in a speaking task's conversation.
// Records are append-only and strictly ordered by Seq within a task.
type TurnRecord struct {
	Seq       int        `json:"seq"`
	Speaker   Speaker    `json:"speaker"`
	Text      string     `json:"text"`
	AudioRef  string     `json:"audio_ref,omitempty"`
	Origin    TurnOrigin `json:"origin,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Task is one part of the exam together with its runtime state.
type Task struct {
	Number          int          `json:"number"`
	Prompt          string       `json:"prompt"`
	DurationSeconds int          `json:"duration_seconds"`
	MinWords        int          `json:"min_words,omitempty"`
	SpeakingSeconds int          `json:"speaking_seconds,omitempty"`
	State           TaskState    `json:"state"`
	Turns           []TurnRecord `json:"turns,omitempty"`
	SubmittedText   string       `json:"submitted_text,omitempty"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
}

// NewTask builds a pending task from its spec.
func NewTask(spec TaskSpec) Task {
	return Task{
		Number:          spec.Number,
		Prompt:          spec.Prompt,
		DurationSeconds: spec.DurationSeconds,
		MinWords:        spec.MinWords,
		SpeakingSeconds: spec.SpeakingSeconds,
		State:           TaskPending,
	}
}

// AppendTurn appends a turn with the next sequence number and returns it.
func (t *Task) AppendTurn(speaker Speaker, text, audioRef string, origin TurnOrigin) TurnRecord {
	turn := TurnRecord{
		Seq:       len(t.Turns) + 1,
		Speaker:   speaker,
		Text:      text,
		AudioRef:  audioRef,
		Origin:    origin,
		CreatedAt: time.Now(),
	}
	t.Turns = append(t.Turns, turn)
	return turn
}

// CaptureSession is one recording or typing window owned by a task.
// At most one capture session per assessment session may be in
// CaptureRecording state at any instant.
type CaptureSession struct {
	ID         string       `json:"id"`
	TaskNumber int          `json:"task_number"`
	State      CaptureState `json:"state"`
	Text       string       `json:"-"`
	AudioRef   string       `json:"-"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	StoppedAt  *time.Time   `json:"stopped_at,omitempty"`
}

// AssessmentSession is one candidate attempt at a writing or speaking exam.
type AssessmentSession struct {
	ID          string       `json:"id"`
	Kind        Kind         `json:"kind"`
	Track       Track        `json:"track"`
	Tasks       []Task       `json:"tasks"`
	TaskIndex   int          `json:"task_index"`
	State       SessionState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	ExpiredAt   *time.Time   `json:"expired_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Report      *ScoreReport `json:"report,omitempty"`
}

// CurrentTask returns the active task, or nil once the session has left
// in_progress.
func (s *AssessmentSession) CurrentTask() *Task {
	if s.TaskIndex < 0 || s.TaskIndex >= len(s.Tasks) {
		return nil
	}
	return &s.Tasks[s.TaskIndex]
}

// TaskNumbers lists the configured task numbers in order.
func (s *AssessmentSession) TaskNumbers() []int {
	nums := make([]int, len(s.Tasks))
	for i, t := range s.Tasks {
		nums[i] = t.Number
	}
	return nums
}

// CriterionBand is one named rubric criterion with its awarded band.
type CriterionBand struct {
	Name string  `json:"name"`
	Band float64 `json:"band"`
}

// ScoreReport is the final per-criterion band score for a completed
// session. It is created once and never mutated.
type ScoreReport struct {
	Overall      float64         `json:"overall_band"`
	Criteria     []CriterionBand `json:"criteria"`
	Feedback     string          `json:"feedback"`
	Strengths    []string        `json:"strengths,omitempty"`
	Improvements []string        `json:"improvements,omitempty"`
	// Degraded is set when the scoring oracle did not return usable
	// structured output and neutral default bands were substituted.
	Degraded    bool      `json:"degraded,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// SessionSnapshot is the read-only view of a session returned to callers.
type SessionSnapshot struct {
	ID        string           `json:"id"`
	Kind      Kind             `json:"kind"`
	Track     Track            `json:"track"`
	State     SessionState     `json:"state"`
	TaskIndex int              `json:"task_index"`
	TaskCount int              `json:"task_count"`
	Task      *TaskSnapshot    `json:"task,omitempty"`
	Capture   *CaptureSnapshot `json:"capture,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	ExpiredAt *time.Time       `json:"expired_at,omitempty"`
}

// TaskSnapshot is the per-task slice of a session snapshot.
type TaskSnapshot struct {
	Number           int          `json:"number"`
	Prompt           string       `json:"prompt"`
	State            TaskState    `json:"state"`
	RemainingSeconds int          `json:"remaining_seconds"`
	MinWords         int          `json:"min_words,omitempty"`
	Turns            []TurnRecord `json:"turns,omitempty"`
}

// CaptureSnapshot reports the live capture window, if any.
type CaptureSnapshot struct {
	ID    string       `json:"id"`
	State CaptureState `json:"state"`
}
