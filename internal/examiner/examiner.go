// Package examiner drives the synthetic examiner persona for speaking
// assessments. It is the only component that talks to the turn oracle;
// when the oracle fails it substitutes a deterministic fallback line so
// the exam always proceeds.
package examiner

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/wwpca/ieltsprep/internal/model"
	"github.com/wwpca/ieltsprep/internal/oracle"
)

// DefaultWindow is the number of recent turns sent as oracle context.
const DefaultWindow = 12

const maxCandidateRunes = 2000

// Tag-like markers are stripped from candidate content before it is
// embedded in the oracle prompt.
var instructionTagRegex = regexp.MustCompile(`(?i)</?\s*(system|examiner)-instructions\b[^>]*>`)

// Agent produces examiner turns for one or more sessions. It holds no
// per-session state; callers serialize access per task.
type Agent struct {
	oracle oracle.TurnGenerator
	window int
}

// New creates an agent. A non-positive window falls back to
// DefaultWindow.
func New(o oracle.TurnGenerator, window int) *Agent {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Agent{oracle: o, window: window}
}

// OpenTask requests the opening examiner line for a newly activated
// part and appends it to the task's conversation. It never fails: an
// oracle error yields the deterministic opening fallback instead.
func (a *Agent) OpenTask(ctx context.Context, task *model.Task) model.TurnRecord {
	text, err := a.oracle.GenerateTurn(ctx, systemPrompt(task), nil)
	origin := model.TurnGenerated
	if err != nil || strings.TrimSpace(text) == "" {
		slog.Warn("turn oracle unavailable, using opening fallback",
			"part", task.Number, "error", err)
		text = openingFallback(task)
		origin = model.TurnFallback
	}
	return task.AppendTurn(model.SpeakerExaminer, strings.TrimSpace(text), "", origin)
}

// Continue appends the candidate's turn, requests the next examiner
// line over a windowed slice of the conversation, and appends the
// result. Like OpenTask it never fails.
func (a *Agent) Continue(ctx context.Context, task *model.Task, text, audioRef string) model.TurnRecord {
	task.AppendTurn(model.SpeakerCandidate, text, audioRef, "")

	reply, err := a.oracle.GenerateTurn(ctx, systemPrompt(task), a.history(task))
	origin := model.TurnGenerated
	if err != nil || strings.TrimSpace(reply) == "" {
		slog.Warn("turn oracle unavailable, using follow-up fallback",
			"part", task.Number, "turn", len(task.Turns), "error", err)
		reply = followupFallback(task)
		origin = model.TurnFallback
	}
	return task.AppendTurn(model.SpeakerExaminer, strings.TrimSpace(reply), "", origin)
}

// history maps the most recent window of turns onto oracle messages.
func (a *Agent) history(task *model.Task) []oracle.Message {
	turns := task.Turns
	if len(turns) > a.window {
		turns = turns[len(turns)-a.window:]
	}
	msgs := make([]oracle.Message, 0, len(turns))
	for _, turn := range turns {
		role := oracle.RoleCandidate
		content := turn.Text
		if turn.Speaker == model.SpeakerExaminer {
			role = oracle.RoleExaminer
		} else {
			content = sanitize(content)
		}
		msgs = append(msgs, oracle.Message{Role: role, Content: content})
	}
	return msgs
}

func systemPrompt(task *model.Task) string {
	var sb strings.Builder
	sb.WriteString("You are Maya, a calm and professional IELTS speaking examiner. ")
	sb.WriteString("You are conducting a live speaking test and must stay in persona at all times.\n\n")
	fmt.Fprintf(&sb, "This is Part %d of the test. Topic: %s\n\n", task.Number, task.Prompt)

	switch task.Number {
	case 1:
		sb.WriteString("Part 1 is an interview. Ask short, friendly questions about the candidate's everyday life related to the topic.\n")
	case 2:
		sb.WriteString("Part 2 is the long turn. Present the cue card topic, invite the candidate to speak at length, and when they finish ask one brief rounding-off question.\n")
	case 3:
		sb.WriteString("Part 3 is a two-way discussion. Ask more abstract, opinion-based questions that extend the Part 2 theme.\n")
	default:
		sb.WriteString("Ask clear questions that let the candidate demonstrate their spoken English.\n")
	}

	sb.WriteString("\nRules:\n")
	sb.WriteString("- Ask exactly one question per turn and keep it under three sentences.\n")
	sb.WriteString("- Never comment on the quality of the candidate's English and never mention scores or bands.\n")
	sb.WriteString("- Do not explain that you are an AI. Respond only with your next spoken line.\n")
	return sb.String()
}

// openingFallback is the deterministic line used when the oracle cannot
// produce the opening turn; it embeds the part topic so the candidate
// can still answer something concrete.
func openingFallback(task *model.Task) string {
	return fmt.Sprintf("Let's begin Part %d. %s Please tell me about that.", task.Number, task.Prompt)
}

var followupFallbacks = []string{
	"I see. Could you tell me a little more about that?",
	"That's interesting. Why do you think that is?",
	"Could you give me an example from your own experience?",
	"And how do you feel that might change in the future?",
}

// followupFallback picks the fallback line by sequence position, so the
// same conversation always receives the same line.
func followupFallback(task *model.Task) string {
	return followupFallbacks[len(task.Turns)%len(followupFallbacks)]
}

func sanitize(text string) string {
	text = instructionTagRegex.ReplaceAllString(text, "")
	if utf8.RuneCountInString(text) > maxCandidateRunes {
		runes := []rune(text)
		text = string(runes[:maxCandidateRunes]) + " [truncated]"
	}
	return text
}
