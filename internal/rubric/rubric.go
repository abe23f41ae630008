// Package rubric holds the official IELTS band descriptors used to
// constrain the scoring oracle. The data is embedded, loaded once, and
// shared read-only across all sessions.
package rubric

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/wwpca/ieltsprep/internal/model"
)

//go:embed data/*.json
var dataFS embed.FS

// Skill names one scored exam surface. Writing Task 1 and Task 2 carry
// different first criteria, so they are separate skills.
type Skill string

const (
	WritingTask1 Skill = "writing_task1"
	WritingTask2 Skill = "writing_task2"
	Speaking     Skill = "speaking"
)

// Criterion is one named scoring dimension with its band descriptors.
// Descriptors are keyed by band "1" through "9".
type Criterion struct {
	Name        string            `json:"name"`
	Descriptors map[string]string `json:"descriptors"`
}

// Rubric is the full descriptor set for one skill.
type Rubric struct {
	Skill    Skill       `json:"skill"`
	Label    string      `json:"label"`
	Criteria []Criterion `json:"criteria"`
}

var (
	loadOnce sync.Once
	loadErr  error
	rubrics  map[Skill]*Rubric
)

func load() {
	rubrics = make(map[Skill]*Rubric)

	entries, err := dataFS.ReadDir("data")
	if err != nil {
		loadErr = fmt.Errorf("read rubric data dir: %w", err)
		return
	}
	for _, e := range entries {
		data, err := dataFS.ReadFile("data/" + e.Name())
		if err != nil {
			loadErr = fmt.Errorf("read rubric file %s: %w", e.Name(), err)
			return
		}
		var r Rubric
		if err := json.Unmarshal(data, &r); err != nil {
			loadErr = fmt.Errorf("parse rubric file %s: %w", e.Name(), err)
			return
		}
		if len(r.Criteria) != 4 {
			loadErr = fmt.Errorf("rubric %s: want 4 criteria, got %d", r.Skill, len(r.Criteria))
			return
		}
		rubrics[r.Skill] = &r
	}
}

// Get returns the rubric for one skill.
func Get(skill Skill) (*Rubric, error) {
	loadOnce.Do(load)
	if loadErr != nil {
		return nil, loadErr
	}
	r, ok := rubrics[skill]
	if !ok {
		return nil, fmt.Errorf("unknown rubric skill %q", skill)
	}
	return r, nil
}

// ForSession selects the rubric a session is scored against. Speaking
// sessions use the speaking rubric; writing sessions that include a
// Task 2 are scored on the Task 2 descriptors, otherwise Task 1.
func ForSession(kind model.Kind, taskNumbers []int) (*Rubric, error) {
	switch kind {
	case model.KindSpeaking:
		return Get(Speaking)
	case model.KindWriting:
		for _, n := range taskNumbers {
			if n == 2 {
				return Get(WritingTask2)
			}
		}
		return Get(WritingTask1)
	default:
		return nil, fmt.Errorf("no rubric for assessment kind %q", kind)
	}
}

// CriterionNames lists the criteria in rubric order.
func (r *Rubric) CriterionNames() []string {
	names := make([]string, len(r.Criteria))
	for i, c := range r.Criteria {
		names[i] = c.Name
	}
	return names
}

// Text renders the verbatim descriptor block embedded in scoring
// requests. The rendering is deterministic: criteria in rubric order,
// bands descending from 9 to 1.
func (r *Rubric) Text() string {
	var sb strings.Builder
	sb.WriteString(r.Label + " band descriptors\n")
	for _, c := range r.Criteria {
		sb.WriteString("\n## " + c.Name + "\n")
		for _, band := range bandKeys(c.Descriptors) {
			sb.WriteString("Band " + band + ": " + c.Descriptors[band] + "\n")
		}
	}
	return sb.String()
}

func bandKeys(descriptors map[string]string) []string {
	keys := make([]string, 0, len(descriptors))
	for k := range descriptors {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys
}
