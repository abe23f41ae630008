package model

import "time"

// ResultsExport is the top-level JSON structure for result export.
type ResultsExport struct {
	Centre      string          `json:"centre,omitempty"`
	ExportedAt  time.Time       `json:"exported_at"`
	NumSessions int             `json:"num_sessions"`
	Results     []SessionResult `json:"results"`
}

// SessionResult holds one archived session's outcome for export.
type SessionResult struct {
	SessionID   string       `json:"session_id"`
	Kind        Kind         `json:"kind"`
	Track       Track        `json:"track"`
	State       SessionState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	ExpiredAt   *time.Time   `json:"expired_at,omitempty"`
	Tasks       []TaskResult `json:"tasks"`
	Report      *ScoreReport `json:"report,omitempty"`
}

// TaskResult summarizes one task's captured content for export.
type TaskResult struct {
	Number    int          `json:"number"`
	Prompt    string       `json:"prompt"`
	State     TaskState    `json:"state"`
	WordCount int          `json:"word_count,omitempty"`
	TurnCount int          `json:"turn_count,omitempty"`
	Text      string       `json:"text,omitempty"`
	Turns     []TurnRecord `json:"turns,omitempty"`
}
