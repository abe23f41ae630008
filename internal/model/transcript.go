package model

import (
	"fmt"
	"strings"
	"time"
)

// Transcript is the ordered record of everything a candidate submitted
// across all tasks of one session. It is built once when the session
// enters scoring and never mutated afterwards.
type Transcript struct {
	SessionID string            `json:"session_id"`
	Kind      Kind              `json:"kind"`
	Track     Track             `json:"track"`
	Entries   []TranscriptEntry `json:"entries"`
	BuiltAt   time.Time         `json:"built_at"`
}

// TranscriptEntry is the scored content of one task.
type TranscriptEntry struct {
	TaskNumber int          `json:"task_number"`
	Prompt     string       `json:"prompt"`
	State      TaskState    `json:"state"`
	MinWords   int          `json:"min_words,omitempty"`
	Text       string       `json:"text,omitempty"`
	Turns      []TurnRecord `json:"turns,omitempty"`
}

// BuildTranscript snapshots the session's tasks into a transcript.
// Tasks that never received content still appear, so the scorer sees
// which parts went unanswered.
func BuildTranscript(s *AssessmentSession, now time.Time) *Transcript {
	tr := &Transcript{
		SessionID: s.ID,
		Kind:      s.Kind,
		Track:     s.Track,
		BuiltAt:   now,
	}
	for _, t := range s.Tasks {
		entry := TranscriptEntry{
			TaskNumber: t.Number,
			Prompt:     t.Prompt,
			State:      t.State,
			MinWords:   t.MinWords,
			Text:       t.SubmittedText,
		}
		if len(t.Turns) > 0 {
			entry.Turns = append([]TurnRecord(nil), t.Turns...)
		}
		tr.Entries = append(tr.Entries, entry)
	}
	return tr
}

// Render produces the deterministic plain-text form of the transcript
// that is embedded in the scoring request. Identical transcripts always
// render to identical text.
func (tr *Transcript) Render() string {
	var sb strings.Builder
	for i, e := range tr.Entries {
		if i > 0 {
			sb.WriteString("\n")
		}
		label := "Task"
		if tr.Kind == KindSpeaking {
			label = "Part"
		}
		fmt.Fprintf(&sb, "=== %s %d (%s) ===\n", label, e.TaskNumber, e.State)
		sb.WriteString("Prompt: " + e.Prompt + "\n")

		switch {
		case len(e.Turns) > 0:
			for _, turn := range e.Turns {
				speaker := "Candidate"
				if turn.Speaker == SpeakerExaminer {
					speaker = "Examiner"
				}
				sb.WriteString(speaker + ": " + turn.Text + "\n")
			}
		case e.Text != "":
			fmt.Fprintf(&sb, "Candidate response (%d words", WordCount(e.Text))
			if e.MinWords > 0 {
				fmt.Fprintf(&sb, ", minimum %d", e.MinWords)
			}
			sb.WriteString("):\n")
			sb.WriteString(e.Text + "\n")
		default:
			sb.WriteString("[No response captured]\n")
		}
	}
	return sb.String()
}

// WordCount counts whitespace-separated words, the measure used against
// a writing task's minimum word requirement.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
