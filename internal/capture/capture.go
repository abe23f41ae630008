// Package capture owns the recording and typing windows of one assessment
// session. The coordinator guarantees that at most one capture session is
// live (armed or recording) at a time, which in turn guarantees at most
// one recording across the whole assessment session.
package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wwpca/ieltsprep/internal/model"
)

var (
	// ErrAlreadyArmed is returned by Arm while another capture window is
	// still live.
	ErrAlreadyArmed = errors.New("capture already armed")
	// ErrInvalidState is returned when a transition is requested from the
	// wrong state, such as starting a stopped capture.
	ErrInvalidState = errors.New("invalid capture state")
	// ErrNotFound is returned for unknown capture IDs.
	ErrNotFound = errors.New("capture session not found")
)

// Content is the buffered output of a stopped capture window.
type Content struct {
	Text     string `json:"text"`
	AudioRef string `json:"audio_ref,omitempty"`
}

// Empty reports whether nothing was captured.
func (c Content) Empty() bool {
	return c.Text == "" && c.AudioRef == ""
}

// Coordinator manages the capture windows of one session. All stopped
// windows are retained so that repeated Stop calls keep returning the
// same content.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*model.CaptureSession
	liveID   string
}

// New creates a coordinator with no armed window.
func New() *Coordinator {
	return &Coordinator{sessions: make(map[string]*model.CaptureSession)}
}

// Arm creates an idle capture window for the given task. It fails with
// ErrAlreadyArmed while a previous window is not yet stopped; re-arming
// for the next turn of the same task is allowed once the previous window
// has stopped.
func (c *Coordinator) Arm(taskNumber int) (model.CaptureSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveID != "" {
		return model.CaptureSession{}, ErrAlreadyArmed
	}

	cs := &model.CaptureSession{
		ID:         uuid.NewString(),
		TaskNumber: taskNumber,
		State:      model.CaptureIdle,
	}
	c.sessions[cs.ID] = cs
	c.liveID = cs.ID
	return *cs, nil
}

// Start transitions the armed window from idle to recording. Starting
// twice, or starting a stopped window, fails with ErrInvalidState.
func (c *Coordinator) Start(id string) (model.CaptureSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.sessions[id]
	if !ok {
		return model.CaptureSession{}, ErrNotFound
	}
	if cs.State != model.CaptureIdle || c.liveID != id {
		return model.CaptureSession{}, ErrInvalidState
	}

	now := time.Now()
	cs.State = model.CaptureRecording
	cs.StartedAt = &now
	return *cs, nil
}

// Write appends content to a recording window.
func (c *Coordinator) Write(id, text, audioRef string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if cs.State != model.CaptureRecording {
		return ErrInvalidState
	}

	cs.Text += text
	if audioRef != "" {
		cs.AudioRef = audioRef
	}
	return nil
}

// Stop closes a capture window and returns its buffered content,
// releasing exclusivity. Stopping an idle window returns empty content
// rather than failing, and stopping an already stopped window returns
// the same content again.
func (c *Coordinator) Stop(id string) (Content, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.sessions[id]
	if !ok {
		return Content{}, ErrNotFound
	}
	return c.stopLocked(cs), nil
}

func (c *Coordinator) stopLocked(cs *model.CaptureSession) Content {
	if cs.State != model.CaptureStopped {
		now := time.Now()
		cs.State = model.CaptureStopped
		cs.StoppedAt = &now
		if c.liveID == cs.ID {
			c.liveID = ""
		}
	}
	return Content{Text: cs.Text, AudioRef: cs.AudioRef}
}

// StopActive force-stops whatever window is live. Used on timer and
// session expiry; returns empty content when no window was armed.
func (c *Coordinator) StopActive() Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveID == "" {
		return Content{}
	}
	return c.stopLocked(c.sessions[c.liveID])
}

// Active returns a copy of the live capture window, or nil when every
// window is stopped or none was armed.
func (c *Coordinator) Active() *model.CaptureSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveID == "" {
		return nil
	}
	cs := *c.sessions[c.liveID]
	return &cs
}
