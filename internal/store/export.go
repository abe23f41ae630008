package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wwpca/ieltsprep/internal/model"
)

// ExportAllResults builds an export of every archived session with its report.
func (s *Store) ExportAllResults(centre string) (*model.ResultsExport, error) {
	rows, err := s.db.Query(`SELECT payload FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var results []model.SessionResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var sess model.AssessmentSession
		if err := json.Unmarshal([]byte(payload), &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		results = append(results, sessionResult(&sess))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A session archived before its report was written has a nil Report in
	// the payload; fill it from the reports table if one landed later.
	for i := range results {
		if results[i].Report != nil {
			continue
		}
		report, err := s.GetReport(results[i].SessionID)
		if err != nil {
			return nil, fmt.Errorf("get report %s: %w", results[i].SessionID, err)
		}
		results[i].Report = report
	}

	return &model.ResultsExport{
		Centre:      centre,
		ExportedAt:  time.Now(),
		NumSessions: len(results),
		Results:     results,
	}, nil
}

// sessionResult flattens an archived session into its export form.
func sessionResult(sess *model.AssessmentSession) model.SessionResult {
	tasks := make([]model.TaskResult, 0, len(sess.Tasks))
	for _, task := range sess.Tasks {
		tr := model.TaskResult{
			Number: task.Number,
			Prompt: task.Prompt,
			State:  task.State,
		}
		switch sess.Kind {
		case model.KindWriting:
			tr.Text = task.SubmittedText
			tr.WordCount = model.WordCount(task.SubmittedText)
		case model.KindSpeaking:
			tr.Turns = task.Turns
			tr.TurnCount = len(task.Turns)
		}
		tasks = append(tasks, tr)
	}
	return model.SessionResult{
		SessionID:   sess.ID,
		Kind:        sess.Kind,
		Track:       sess.Track,
		State:       sess.State,
		CreatedAt:   sess.CreatedAt,
		CompletedAt: sess.CompletedAt,
		ExpiredAt:   sess.ExpiredAt,
		Tasks:       tasks,
		Report:      sess.Report,
	}
}
