// Package steps provides the wizard's step modules. Every step is a
// server-rendered form; FormStep keeps the field values reported by the
// browser, checks required fields and saves through the transport.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/config"
	"github.com/livetemplate/wizard/internal/events"
	"github.com/livetemplate/wizard/internal/transport"
)

// Option configures a FormStep.
type Option func(*FormStep)

// WithValidator adds a validator that runs after the required-field check.
func WithValidator(v wizard.DataValidator) Option {
	return func(f *FormStep) { f.validator = v }
}

// WithFieldErrorReporter sets where field-scoped validation messages go.
func WithFieldErrorReporter(fn func(step wizard.Step, fields map[string]string)) Option {
	return func(f *FormStep) { f.report = fn }
}

// WithTimeout bounds the save call.
func WithTimeout(d time.Duration) Option {
	return func(f *FormStep) { f.timeout = d }
}

// FormStep is a StepModule backed by a plain form.
type FormStep struct {
	step      wizard.Step
	cfg       config.StepConfig
	validator wizard.DataValidator
	report    func(step wizard.Step, fields map[string]string)
	timeout   time.Duration

	mu     sync.Mutex
	host   wizard.Host
	opts   wizard.StepOptions
	fields wizard.FieldMap
	unsub  []func()
}

// NewFormStep creates the module for step.
func NewFormStep(step wizard.Step, cfg config.StepConfig, opts ...Option) *FormStep {
	f := &FormStep{
		step:   step,
		cfg:    cfg,
		fields: wizard.FieldMap{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Init binds the module to its host.
func (f *FormStep) Init(ctx context.Context, host wizard.Host, opts wizard.StepOptions) error {
	if host == nil {
		return fmt.Errorf("step %s: host is required", f.step)
	}
	if opts.StepName != "" && opts.StepName != f.step {
		return fmt.Errorf("step %s: initialized as %s", f.step, opts.StepName)
	}
	f.mu.Lock()
	f.host = host
	f.opts = opts
	f.mu.Unlock()
	return nil
}

// Step returns the step this module serves.
func (f *FormStep) Step() wizard.Step { return f.step }

// UpdateFields merges values reported by the browser into the form.
func (f *FormStep) UpdateFields(data wizard.FieldMap) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range data {
		f.fields[k] = wizard.CopyValue(v)
	}
}

// CollectData returns the current field values.
func (f *FormStep) CollectData() wizard.FieldMap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields.Clone()
}

// PopulateFields replaces the field values. It never panics; values that
// cannot be represented are reported as an error and skipped.
func (f *FormStep) PopulateFields(data wizard.FieldMap) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("populate %s: %v", f.step, r)
		}
	}()

	clean := wizard.FieldMap{}
	var skipped []string
	for k, v := range data {
		if _, jerr := json.Marshal(v); jerr != nil {
			skipped = append(skipped, k)
			continue
		}
		clean[k] = wizard.CopyValue(v)
	}

	f.mu.Lock()
	f.fields = clean
	f.mu.Unlock()

	if len(skipped) > 0 {
		return fmt.Errorf("populate %s: skipped fields %s", f.step, strings.Join(skipped, ", "))
	}
	return nil
}

// ValidateData checks data without touching the form.
func (f *FormStep) ValidateData(data wizard.FieldMap) error {
	missing := map[string]string{}
	for _, name := range f.cfg.Required {
		if isEmpty(data[name]) {
			missing[name] = "This field is required."
		}
	}
	if len(missing) > 0 {
		return wizard.NewError(wizard.KindValidation, "Please fill in the required fields.").
			WithStep(f.step).
			WithFields(missing)
	}
	if f.validator != nil {
		if err := f.validator.ValidateData(data); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStep validates the current form and reports field errors.
func (f *FormStep) ValidateStep(ctx context.Context) (bool, error) {
	err := f.ValidateData(f.CollectData())
	if err == nil {
		return true, nil
	}
	we := wizard.Classify(err)
	if we.Kind != wizard.KindValidation {
		return false, err
	}
	if f.report != nil {
		fields := we.Fields
		if len(fields) == 0 {
			fields = map[string]string{"": we.Message}
		}
		f.report(f.step, fields)
	}
	return false, nil
}

// SaveStep posts the form to the backend.
func (f *FormStep) SaveStep(ctx context.Context) (*wizard.SaveResult, error) {
	f.mu.Lock()
	host := f.host
	f.mu.Unlock()
	if host == nil {
		return nil, wizard.NewError(wizard.KindModuleMissing, fmt.Sprintf("The %s step is not initialized.", f.step))
	}

	payload := transport.SaveStepPayload{
		Step:       f.step,
		Data:       f.CollectData(),
		CampaignID: host.State().CampaignID,
	}
	raw, err := host.Transport().Post(ctx, transport.ActionSaveStep, payload, wizard.PostOptions{Timeout: f.timeout})
	if err != nil {
		return nil, err
	}

	var result wizard.SaveResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &wizard.Error{Kind: wizard.KindServer, Code: transport.CodeInvalidResponse, Message: "the save response could not be read", Raw: string(raw), Err: err}
	}
	return &result, nil
}

// BindEvents clears reported field errors once the step saves.
func (f *FormStep) BindEvents(sub wizard.Subscriber) {
	unsub := sub.Subscribe(events.SaveSuccess, func(interface{}) {
		if f.report != nil {
			f.report(f.step, map[string]string{})
		}
	})
	f.mu.Lock()
	f.unsub = append(f.unsub, unsub)
	f.mu.Unlock()
}

// Destroy releases event subscriptions.
func (f *FormStep) Destroy() {
	f.mu.Lock()
	unsub := f.unsub
	f.unsub = nil
	f.mu.Unlock()
	for _, fn := range unsub {
		fn()
	}
	if config.IsDebug() {
		log.Printf("[steps] %s destroyed", f.step)
	}
}

func isEmpty(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []interface{}:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	default:
		return false
	}
}

// Registry builds a FormStep factory per configured step.
func Registry(cfg *config.Config, opts ...Option) map[wizard.Step]func() wizard.StepModule {
	out := make(map[wizard.Step]func() wizard.StepModule, len(wizard.Steps))
	for _, step := range wizard.Steps {
		step := step
		stepCfg := cfg.Step(string(step))
		if stepCfg.Bundle != "" {
			// Bundled steps are loaded through the bundle loader.
			continue
		}
		out[step] = func() wizard.StepModule {
			return NewFormStep(step, stepCfg, opts...)
		}
	}
	return out
}
