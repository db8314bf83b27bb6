package wizard

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is a snapshot of one wizard instance. It is always handed out as a
// copy; the only writer is the state store.
type State struct {
	CurrentStep       Step              `json:"currentStep"`
	CompletedSteps    []Step            `json:"completedSteps"`
	VisitedSteps      []Step            `json:"visitedSteps"`
	StepData          map[Step]FieldMap `json:"stepData"`
	HasUnsavedChanges bool              `json:"hasUnsavedChanges"`
	IsDirty           bool              `json:"isDirty"`
	IsSaving          bool              `json:"isSaving"`
	IsProcessing      bool              `json:"isProcessing"`
	IsCompleted       bool              `json:"isCompleted"`
	CampaignID        string            `json:"campaignId,omitempty"`
	WizardMode        Mode              `json:"wizardMode"`
	SessionVersion    string            `json:"sessionVersion"`
	StartedAt         time.Time         `json:"startedAt"`
	LastSavedAt       *time.Time        `json:"lastSavedAt,omitempty"`
	LastActivityAt    time.Time         `json:"lastActivityAt"`
}

// NewState returns a fresh create-mode state positioned on the first step.
func NewState(version string, now time.Time) State {
	data := make(map[Step]FieldMap, len(Steps))
	for _, s := range Steps {
		data[s] = FieldMap{}
	}
	return State{
		CurrentStep:    StepBasic,
		CompletedSteps: []Step{},
		VisitedSteps:   []Step{StepBasic},
		StepData:       data,
		WizardMode:     ModeCreate,
		SessionVersion: version,
		StartedAt:      now,
		LastActivityAt: now,
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.CompletedSteps = append([]Step{}, s.CompletedSteps...)
	out.VisitedSteps = append([]Step{}, s.VisitedSteps...)
	out.StepData = make(map[Step]FieldMap, len(s.StepData))
	for step, fields := range s.StepData {
		out.StepData[step] = fields.Clone()
	}
	if s.LastSavedAt != nil {
		t := *s.LastSavedAt
		out.LastSavedAt = &t
	}
	return out
}

// IsCompletedStep reports whether the server has confirmed step as complete.
func (s State) IsCompletedStep(step Step) bool {
	for _, c := range s.CompletedSteps {
		if c == step {
			return true
		}
	}
	return false
}

// Data returns a copy of the field map stored for step.
func (s State) Data(step Step) FieldMap {
	return s.StepData[step].Clone()
}

// ToMap converts s into its JSON tree representation.
func (s State) ToMap() (map[string]interface{}, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode state tree: %w", err)
	}
	return m, nil
}

// StateFromMap rebuilds a State from its JSON tree representation. Missing
// step entries are filled in so the stepData key set stays fixed.
func StateFromMap(m map[string]interface{}) (State, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return State{}, fmt.Errorf("encode state tree: %w", err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	s.normalize()
	return s, nil
}

func (s *State) normalize() {
	if s.StepData == nil {
		s.StepData = make(map[Step]FieldMap, len(Steps))
	}
	for step := range s.StepData {
		if !step.Valid() {
			delete(s.StepData, step)
		}
	}
	for _, step := range Steps {
		if s.StepData[step] == nil {
			s.StepData[step] = FieldMap{}
		}
	}
	if s.CompletedSteps == nil {
		s.CompletedSteps = []Step{}
	}
	if s.VisitedSteps == nil {
		s.VisitedSteps = []Step{}
	}
	if s.WizardMode == "" {
		s.WizardMode = ModeCreate
	}
}

// Clone returns a deep copy of the field map.
func (f FieldMap) Clone() FieldMap {
	if f == nil {
		return FieldMap{}
	}
	out := make(FieldMap, len(f))
	for k, v := range f {
		out[k] = CopyValue(v)
	}
	return out
}

// String returns the string value of key, or "" when absent or not a string.
func (f FieldMap) String(key string) string {
	v, _ := f[key].(string)
	return v
}

// CopyValue deep-copies a JSON-shaped value (maps, slices and scalars).
func CopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = CopyValue(item)
		}
		return out
	case FieldMap:
		return val.Clone()
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = CopyValue(item)
		}
		return out
	case []string:
		return append([]string{}, val...)
	case []Step:
		return append([]Step{}, val...)
	default:
		return v
	}
}

// MergeSteps returns the union of a and b, keeping the wizard order.
func MergeSteps(a, b []Step) []Step {
	seen := make(map[Step]bool, len(a)+len(b))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		seen[s] = true
	}
	out := make([]Step, 0, len(seen))
	for _, s := range Steps {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}
