package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wwpca/ieltsprep/internal/i18n"
	"github.com/wwpca/ieltsprep/internal/model"
	"github.com/wwpca/ieltsprep/internal/session"
	"github.com/wwpca/ieltsprep/internal/store"
)

// Version is set at build time or defaults to dev.
var Version = "0.1.0-dev"

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	engine *session.Engine
	store  *store.Store
}

// New creates a new Handler.
func New(engine *session.Engine, s *store.Store) *Handler {
	return &Handler{engine: engine, store: s}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/state", h.handleState)
			r.Post("/capture/start", h.handleStartCapture)
			r.Post("/capture/stop", h.handleStopCapture)
			r.Post("/turns", h.handleCandidateTurn)
			r.Get("/report", h.handleReport)
			r.Post("/abandon", h.handleAbandon)
		})
	})
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: Version})
}

type createSessionRequest struct {
	Kind  model.Kind       `json:"kind"`
	Track model.Track      `json:"track"`
	Tasks []model.TaskSpec `json:"tasks,omitempty"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err)
		return
	}

	// An explicit task list overrides the configured blueprint.
	specs := req.Tasks
	if len(specs) == 0 {
		var err error
		specs, err = h.store.TaskSpecs(req.Kind, req.Track)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
	}

	snap, err := h.engine.Create(req.Kind, req.Track, specs)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	snap, err := h.engine.State(id)
	if err == nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if errors.Is(err, session.ErrSessionNotFound) {
		// The runtime may have been swept already; fall back to the archive.
		archived, lerr := h.store.LoadSession(id)
		if lerr != nil {
			h.respondError(w, r, lerr)
			return
		}
		if archived != nil {
			writeJSON(w, http.StatusOK, archived)
			return
		}
	}
	h.respondError(w, r, err)
}

func (h *Handler) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	cs, err := h.engine.StartCapture(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

type stopCaptureRequest struct {
	Content  string `json:"content"`
	AudioRef string `json:"audio_ref"`
}

type stopCaptureResponse struct {
	Session      model.SessionSnapshot `json:"session"`
	ExaminerTurn *model.TurnRecord     `json:"examiner_turn,omitempty"`
	Message      string                `json:"message,omitempty"`
	Notice       string                `json:"notice,omitempty"`
}

func (h *Handler) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var req stopCaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err)
		return
	}

	// Remember which task is being closed; the engine may advance past it.
	pre, _ := h.engine.State(id)

	snap, turn, err := h.engine.StopCapture(id, req.Content, req.AudioRef)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp := stopCaptureResponse{Session: snap, ExaminerTurn: turn}
	if pre.Kind == model.KindWriting && pre.Task != nil {
		resp.Message = i18n.Td(r.Context(), "PartSubmitted", map[string]any{"Number": pre.Task.Number})
		if pre.Task.MinWords > 0 && model.WordCount(req.Content) < pre.Task.MinWords {
			resp.Notice = i18n.Tp(r.Context(), "MinWordsNotice", pre.Task.MinWords)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type turnRequest struct {
	CandidateText string `json:"candidate_text"`
}

type turnResponse struct {
	ExaminerTurn model.TurnRecord `json:"examiner_turn"`
}

func (h *Handler) handleCandidateTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err)
		return
	}

	turn, err := h.engine.CandidateTurn(chi.URLParam(r, "sessionID"), req.CandidateText)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{ExaminerTurn: turn})
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	report, err := h.engine.Report(id)
	if err == nil {
		writeJSON(w, http.StatusOK, report)
		return
	}
	if errors.Is(err, session.ErrSessionNotFound) {
		archived, gerr := h.store.GetReport(id)
		if gerr != nil {
			h.respondError(w, r, gerr)
			return
		}
		if archived != nil {
			writeJSON(w, http.StatusOK, archived)
			return
		}
		// An archived session without a report ended expired before a
		// report could be produced.
		sess, lerr := h.store.LoadSession(id)
		if lerr != nil {
			h.respondError(w, r, lerr)
			return
		}
		if sess != nil {
			h.respondError(w, r, session.ErrSessionExpired)
			return
		}
	}
	h.respondError(w, r, err)
}

func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Abandon(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
