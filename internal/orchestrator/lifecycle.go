package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/events"
)

// onUnsavedChange schedules an autosave on the edge from "saved" to
// "unsaved". Further edits while a save is pending do not add timers.
func (o *Orchestrator) onUnsavedChange(newState, oldState wizard.State, changed []string) {
	if oldState.HasUnsavedChanges || !newState.HasUnsavedChanges {
		return
	}
	o.scheduleAutosave()
}

func (o *Orchestrator) scheduleAutosave() {
	o.armAutosave(o.cfg.Timing.GetAutosaveDelay())
}

func (o *Orchestrator) armAutosave(delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.expired || o.destroyed || o.autosaveTimer != nil {
		return
	}
	o.autosaveTimer = time.AfterFunc(delay, o.autosave)
	if o.opts.Debug {
		log.Printf("[orchestrator] Autosave scheduled in %v", delay)
	}
}

// AutosavePending reports whether an autosave timer is armed.
func (o *Orchestrator) AutosavePending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.autosaveTimer != nil
}

func (o *Orchestrator) autosave() {
	o.mu.Lock()
	o.autosaveTimer = nil
	stopped := o.expired || o.destroyed
	o.mu.Unlock()
	if stopped {
		return
	}

	state := o.Store().State()
	if !state.HasUnsavedChanges || state.IsCompleted || state.IsProcessing {
		o.observeAutosave("skipped")
		return
	}

	// Inside the cool-down of the last save the autosave is deferred, not
	// dropped: the unsaved flag stays set, so no later edit would re-arm it.
	cooldown := o.cfg.Timing.GetAutosaveCooldown()
	if last := o.Engine().LastSave(); !last.IsZero() {
		if since := o.opts.Now().Sub(last); since < cooldown {
			if o.opts.Debug {
				log.Printf("[orchestrator] Autosave deferred, last save %v ago", since.Round(time.Millisecond))
			}
			o.armAutosave(cooldown - since)
			o.observeAutosave("cooldown")
			return
		}
	}

	if _, err := o.Engine().Save(context.Background()); err != nil {
		log.Printf("[orchestrator] Autosave of %s failed: %v", state.CurrentStep, err)
		o.observeAutosave("error")
		return
	}
	o.observeAutosave("success")
}

func (o *Orchestrator) observeAutosave(result string) {
	if o.opts.Observer != nil {
		o.opts.Observer.AutosaveFinished(result)
	}
}

func (o *Orchestrator) stopTimersLocked() {
	if o.autosaveTimer != nil {
		o.autosaveTimer.Stop()
		o.autosaveTimer = nil
	}
	if o.completeTimer != nil {
		o.completeTimer.Stop()
		o.completeTimer = nil
	}
}

// expire handles a session-expired signal: timers stop, the engine halts
// and the UI is disabled with a persistent explanation. It runs once.
func (o *Orchestrator) expire(data interface{}) {
	o.mu.Lock()
	if o.expired || o.destroyed {
		o.mu.Unlock()
		return
	}
	o.expired = true
	o.stopTimersLocked()
	o.mu.Unlock()

	o.Engine().Halt()
	o.opts.View.SetControlsDisabled(true)
	o.opts.View.ShowNotice(wizard.Notice{
		Level:      wizard.NoticeError,
		Message:    wizard.UserMessage(wizard.ErrSessionExpired),
		Persistent: true,
	})
	log.Printf("[orchestrator] Session %s expired", o.opts.SessionID)
}

// Resume prepares the session for a freshly loaded page. The engine
// forgets any redirect it armed and the current step is mounted unless it
// already is.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if o.Expired() {
		return wizard.ErrSessionExpired
	}
	o.Engine().Reset()

	step := o.State().CurrentStep
	if _, ok := o.Module(step); ok && o.ActiveStep() == step {
		return nil
	}
	return o.MountStep(ctx, step)
}

// Expired reports whether the session has expired.
func (o *Orchestrator) Expired() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.expired
}

// markInternal flags the next page change as wizard-initiated for a short
// window.
func (o *Orchestrator) markInternal() {
	o.mu.Lock()
	o.internalUntil = o.opts.Now().Add(o.cfg.Timing.GetInternalNavigate())
	o.mu.Unlock()
}

// ShouldWarnOnUnload reports whether leaving the page would lose unsaved
// changes. Navigation the wizard started itself never warns.
func (o *Orchestrator) ShouldWarnOnUnload() bool {
	state := o.Store().State()
	if !state.HasUnsavedChanges || state.IsCompleted {
		return false
	}
	o.mu.Lock()
	internal := o.opts.Now().Before(o.internalUntil)
	o.mu.Unlock()
	return !internal
}

// StartFresh discards all persisted progress and restarts on the first step.
// The wizard is reset even when clearing storage fails; that error is
// returned afterwards.
func (o *Orchestrator) StartFresh(ctx context.Context) error {
	st := o.Store()
	clearErr := st.ClearPersisted(ctx)
	if clearErr != nil {
		log.Printf("[orchestrator] Failed to clear persisted state: %v", clearErr)
	}
	o.dropSnapshots()

	o.mu.Lock()
	o.stopTimersLocked()
	o.lastDraft = nil
	var released []wizard.StepModule
	for step, m := range o.modules {
		if _, given := o.opts.Modules[step]; given {
			continue
		}
		released = append(released, m)
		delete(o.modules, step)
	}
	o.validators = make(map[wizard.Step]wizard.DataValidator)
	o.mu.Unlock()

	for _, m := range released {
		if lc, ok := m.(wizard.Lifecycle); ok {
			lc.Destroy()
		}
	}
	for _, m := range o.opts.Modules {
		if err := m.PopulateFields(wizard.FieldMap{}); err != nil {
			log.Printf("[orchestrator] Failed to clear module fields: %v", err)
		}
	}

	state := st.Reset(ctx)
	o.markInternal()
	o.opts.View.ReplaceURL(o.Engine().StepURL(state.CurrentStep))
	if err := o.MountStep(ctx, state.CurrentStep); err != nil {
		log.Printf("[orchestrator] Failed to mount %s after reset: %v", state.CurrentStep, err)
	}
	o.opts.View.UpdateIndicators(state.CurrentStep, state.CompletedSteps)
	o.Bus().Publish(events.WizardInitialized, map[string]interface{}{
		"step":   string(state.CurrentStep),
		"mode":   string(state.WizardMode),
		"source": "fresh",
	})
	return clearErr
}

// Destroy stops timers, halts the engine and releases every module. It is
// safe to call more than once.
func (o *Orchestrator) Destroy() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	o.stopTimersLocked()
	unsubs := o.unsubs
	o.unsubs = nil
	modules := make([]wizard.StepModule, 0, len(o.modules))
	for _, m := range o.modules {
		modules = append(modules, m)
	}
	engine := o.engine
	o.mu.Unlock()

	if engine != nil {
		engine.Halt()
	}
	for _, fn := range unsubs {
		fn()
	}
	for _, m := range modules {
		if lc, ok := m.(wizard.Lifecycle); ok {
			lc.Destroy()
		}
	}
	o.opts.Extension.Destroy()

	if o.opts.Debug {
		log.Printf("[orchestrator] Session %s destroyed", o.opts.SessionID)
	}
}
