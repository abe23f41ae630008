package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wwpca/ieltsprep/internal/model"
)

// repository is the lock-protected registry of live sessions, keyed by
// session ID. Sessions are registered on creation and evicted by the
// sweeper once terminal, archived, and past retention.
type repository struct {
	mu       sync.Mutex
	sessions map[string]*runtime
}

func newRepository() *repository {
	return &repository{sessions: make(map[string]*runtime)}
}

func (r *repository) add(id string, rt *runtime) {
	r.mu.Lock()
	r.sessions[id] = rt
	r.mu.Unlock()
}

func (r *repository) get(id string) (*runtime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.sessions[id]
	return rt, ok
}

func (r *repository) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// snapshot copies the registry so sweeping can iterate without holding
// the repository lock across per-session work.
func (r *repository) snapshot() map[string]*runtime {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*runtime, len(r.sessions))
	for id, rt := range r.sessions {
		out[id] = rt
	}
	return out
}

// Sweep retries outstanding archive writes and evicts terminal sessions
// whose retention period has elapsed. It returns the number evicted.
// Sessions whose archive writes keep failing are retried on every sweep
// and never evicted, so a report is not lost to a storage outage.
func (e *Engine) Sweep(now time.Time) int {
	evicted := 0
	for id, rt := range e.repo.snapshot() {
		rt.mu.Lock()
		state := rt.sess.State
		endedAt := terminalTime(rt.sess)
		saved := rt.archived && (rt.sess.Report == nil || rt.reportSaved)
		rt.mu.Unlock()

		if !state.Terminal() {
			continue
		}
		if !saved {
			e.persist(rt)
			rt.mu.Lock()
			saved = rt.archived && (rt.sess.Report == nil || rt.reportSaved)
			rt.mu.Unlock()
		}
		if !saved || now.Sub(endedAt) < e.cfg.Retention {
			continue
		}

		e.repo.remove(id)
		rt.cancel()
		rt.ceiling.Stop()
		evicted++
		slog.Debug("session evicted", "session_id", id, "state", state)
	}
	return evicted
}

func terminalTime(s *model.AssessmentSession) time.Time {
	if s.CompletedAt != nil {
		return *s.CompletedAt
	}
	if s.ExpiredAt != nil {
		return *s.ExpiredAt
	}
	return s.CreatedAt
}

// RunSweeper sweeps on the given interval until the context is
// cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(time.Now())
		}
	}
}
