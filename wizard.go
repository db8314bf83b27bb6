// Package wizard provides the core types for a resumable five-step campaign
// wizard: the fixed step sequence, the wizard state snapshot, the step module
// capability and the view surface the navigation engine drives.
//
// The stateful pieces live in internal packages:
//
//   - internal/store owns the State and its persistence
//   - internal/navigation runs the validate → save → transition protocol
//   - internal/orchestrator wires everything together per browsing session
package wizard

import (
	"context"
	"encoding/json"
	"time"
)

// Step names one page of the wizard.
type Step string

const (
	StepBasic     Step = "basic"
	StepProducts  Step = "products"
	StepDiscounts Step = "discounts"
	StepSchedule  Step = "schedule"
	StepReview    Step = "review"
)

// Steps is the fixed wizard sequence. Order matters: navigation direction is
// derived from the index of a step in this slice.
var Steps = []Step{StepBasic, StepProducts, StepDiscounts, StepSchedule, StepReview}

// Index returns the position of s in the sequence, or -1 if s is not a step.
func (s Step) Index() int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a member of the fixed sequence.
func (s Step) Valid() bool {
	return s.Index() >= 0
}

// Next returns the step after s, or s itself for the last step.
func (s Step) Next() Step {
	i := s.Index()
	if i < 0 || i >= len(Steps)-1 {
		return s
	}
	return Steps[i+1]
}

// Prev returns the step before s, or s itself for the first step.
func (s Step) Prev() Step {
	i := s.Index()
	if i <= 0 {
		return s
	}
	return Steps[i-1]
}

// ParseStep converts a raw string (query parameter, websocket payload) into a
// Step, reporting whether it names a real step.
func ParseStep(raw string) (Step, bool) {
	s := Step(raw)
	return s, s.Valid()
}

// Mode distinguishes creating a new campaign from editing an existing one.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeEdit   Mode = "edit"
)

// FieldMap holds the field values of one step. Values are JSON-compatible.
type FieldMap map[string]interface{}

// SaveResult is what the server answers to a successful step save.
// CompletedSteps is authoritative; the client never computes completion.
type SaveResult struct {
	Message        string `json:"message"`
	CompletedSteps []Step `json:"completedSteps"`
	RedirectURL    string `json:"redirectUrl,omitempty"`
	CampaignID     string `json:"campaignId,omitempty"` // Set once the server has created the campaign
}

// CompletionResult is what the server answers to a successful completion.
type CompletionResult struct {
	Message     string `json:"message"`
	CampaignID  string `json:"campaignId"`
	Status      string `json:"status"` // "draft" or "active"
	RedirectURL string `json:"redirectUrl,omitempty"`
}

// Action is the kind of navigation a gesture asks for.
type Action string

const (
	ActionNext     Action = "next"
	ActionPrev     Action = "prev"
	ActionGoto     Action = "goto"
	ActionComplete Action = "complete"
)

// NavigationRequest describes one navigation gesture.
type NavigationRequest struct {
	Action      Action `json:"action"`
	TargetStep  Step   `json:"targetStep,omitempty"`
	SaveAsDraft bool   `json:"saveAsDraft,omitempty"`
}

// Target resolves the step the request points at, relative to current.
func (r NavigationRequest) Target(current Step) Step {
	switch r.Action {
	case ActionNext:
		return current.Next()
	case ActionPrev:
		return current.Prev()
	case ActionGoto:
		if r.TargetStep.Valid() {
			return r.TargetStep
		}
	}
	return current
}

// PostOptions bounds a single transport call.
type PostOptions struct {
	Timeout    time.Duration
	RetryLimit int
}

// Transport sends an action to the wizard backend. Responses are returned
// already unwrapped from the success envelope; failures are *Error values
// carrying the normalized message and code.
type Transport interface {
	Post(ctx context.Context, action string, payload interface{}, opts PostOptions) (json.RawMessage, error)
}

// Publisher is the producer side of the wizard event channel.
type Publisher interface {
	Publish(name string, data interface{})
}

// Host is the read-only handle a step module receives at Init.
// Modules never mutate wizard state directly.
type Host interface {
	State() State
	Transport() Transport
	Events() Publisher
}

// StepOptions carries per-step Init parameters.
type StepOptions struct {
	StepName          Step
	ContainerSelector string
}

// StepModule is the capability a step must expose to take part in navigation.
// PopulateFields must not panic; errors are reported, never propagated to the
// navigation flow.
type StepModule interface {
	Init(ctx context.Context, host Host, opts StepOptions) error
	ValidateStep(ctx context.Context) (bool, error)
	CollectData() FieldMap
	PopulateFields(data FieldMap) error
	SaveStep(ctx context.Context) (*SaveResult, error)
}

// Lifecycle is implemented by step modules that subscribe to events or hold
// resources.
type Lifecycle interface {
	BindEvents(events Subscriber)
	Destroy()
}

// Subscriber is the consumer side of the wizard event channel.
type Subscriber interface {
	Subscribe(name string, fn func(data interface{})) (unsubscribe func())
}

// DataValidator validates a step's data without a mounted module. The
// orchestrator uses it for steps that are not currently active.
type DataValidator interface {
	ValidateData(data FieldMap) error
}

// NoticeLevel ranks user-visible notices.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a user-facing message. Persistent notices are never auto-dismissed.
type Notice struct {
	Level      NoticeLevel `json:"level"`
	Message    string      `json:"message"`
	Persistent bool        `json:"persistent,omitempty"`
}

// View is the UI surface driven by the navigation engine and orchestrator.
// Implementations must be safe for concurrent use.
type View interface {
	SetControlsDisabled(disabled bool)
	SetBusyLabel(label string)
	RestoreLabels()
	ShowSkeleton(step Step)
	Redirect(url string)
	ReplaceURL(url string)
	UpdateIndicators(current Step, completed []Step)
	ShowNotice(n Notice)
	ShowFieldErrors(step Step, fields map[string]string)
	RenderShell(step Step)
}
