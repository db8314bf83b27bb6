// Package navigation runs the wizard's step protocol: validate the current
// step, persist it, then transition. One Engine serves one wizard instance.
package navigation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"golang.org/x/sync/singleflight"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/events"
	"github.com/livetemplate/wizard/internal/security"
	"github.com/livetemplate/wizard/internal/store"
	"github.com/livetemplate/wizard/internal/transport"
)

// Phase is where the engine is in the protocol.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseValidating
	PhaseSaving
	PhaseTransitioning
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseValidating:
		return "validating"
	case PhaseSaving:
		return "saving"
	case PhaseTransitioning:
		return "transitioning"
	default:
		return "unknown"
	}
}

// Button labels shown while the engine is busy.
const (
	LabelValidating = "Checking…"
	LabelSaving     = "Saving…"
)

// StepResolver returns the module currently loaded for a step.
type StepResolver interface {
	Module(step wizard.Step) (wizard.StepModule, bool)
}

// Mounter loads and shows a step without a page reload.
type Mounter interface {
	MountStep(ctx context.Context, step wizard.Step) error
}

// Completer finishes the wizard.
type Completer interface {
	Complete(ctx context.Context, saveAsDraft bool) (*wizard.CompletionResult, error)
}

// Observer receives protocol measurements. The metrics package implements it.
type Observer interface {
	NavigationFinished(action wizard.Action, result string, d time.Duration)
	SaveFinished(result string, attempts int, d time.Duration)
}

// Options configures an Engine.
type Options struct {
	Store     *store.Store
	View      wizard.View
	Events    wizard.Publisher
	Modules   StepResolver
	Mounter   Mounter
	Completer Completer
	Observer  Observer

	// Gated reports whether a step needs a capability the user lacks.
	Gated func(step wizard.Step) bool

	BasePath      string
	Debounce      time.Duration
	RedirectDelay time.Duration
	Retry         transport.RetryConfig

	// RedirectHosts are the foreign hosts a save may redirect to.
	RedirectHosts []string

	// Now stamps saves (default: time.Now).
	Now func() time.Time

	// OnInternalNavigation runs right before the engine itself changes the
	// page address, so unload warnings can be suppressed.
	OnInternalNavigation func()

	// OnOutcome runs after every gesture-triggered navigation.
	OnOutcome func(Outcome, error)

	Debug bool
}

// Outcome describes a finished navigation.
type Outcome struct {
	Action      wizard.Action
	From        wizard.Step
	To          wizard.Step
	Valid       bool // False when the step failed validation or is gated
	Saved       bool
	Result      *wizard.SaveResult
	RedirectURL string
	InPlace     bool
	Completion  *wizard.CompletionResult
}

// Engine drives navigation for one wizard instance.
type Engine struct {
	opts Options

	mu          sync.Mutex
	phase       Phase
	halted      bool
	redirecting bool
	timer       *time.Timer
	lastSave    time.Time
	pending     *wizard.NavigationRequest

	debounced func(f func())
	navs      singleflight.Group
	saves     singleflight.Group
}

// New creates an engine. Store, View and Modules are required.
func New(opts Options) *Engine {
	if opts.Events == nil {
		opts.Events = events.NewBus(false)
	}
	if opts.BasePath == "" {
		opts.BasePath = "/wizard"
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 300 * time.Millisecond
	}
	if opts.Retry.Backoff <= 0 {
		opts.Retry.Backoff = transport.DefaultRetryConfig().Backoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		opts:      opts,
		debounced: debounce.New(opts.Debounce),
	}
}

// Phase returns the current protocol phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	old := e.phase
	e.phase = p
	e.mu.Unlock()
	if e.opts.Debug && old != p {
		log.Printf("[nav] %s -> %s", old, p)
	}
}

// LastSave returns when the last successful save finished.
func (e *Engine) LastSave() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSave
}

// Redirecting reports whether a redirect is armed. Once it is, the engine
// accepts no further gestures.
func (e *Engine) Redirecting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.redirecting
}

// Gesture handles a user navigation gesture. Controls are disabled right
// away; the request itself is debounced and only the last request of a burst
// is dispatched.
func (e *Engine) Gesture(req wizard.NavigationRequest) {
	e.mu.Lock()
	if e.halted || e.redirecting {
		e.mu.Unlock()
		return
	}
	e.pending = &req
	e.mu.Unlock()

	e.opts.View.SetControlsDisabled(true)

	e.debounced(func() {
		e.mu.Lock()
		next := e.pending
		e.pending = nil
		e.mu.Unlock()
		if next == nil {
			return
		}

		outcome, err := e.Navigate(context.Background(), *next)
		if e.opts.OnOutcome != nil {
			e.opts.OnOutcome(outcome, err)
		}
	})
}

// Navigate runs the protocol for req. A call that arrives while another
// navigation is running shares that navigation's outcome.
func (e *Engine) Navigate(ctx context.Context, req wizard.NavigationRequest) (Outcome, error) {
	v, err, shared := e.navs.Do("navigate", func() (interface{}, error) {
		return e.run(ctx, req)
	})
	if shared && e.opts.Debug {
		log.Printf("[nav] %s joined the navigation already in flight", req.Action)
	}
	outcome, _ := v.(Outcome)
	return outcome, err
}

func (e *Engine) run(ctx context.Context, req wizard.NavigationRequest) (outcome Outcome, err error) {
	start := time.Now()
	state := e.opts.Store.State()
	current := state.CurrentStep
	target := req.Target(current)
	outcome = Outcome{Action: req.Action, From: current, To: target}

	defer func() {
		if e.opts.Observer != nil {
			e.opts.Observer.NavigationFinished(req.Action, resultLabel(outcome, err), time.Since(start))
		}
	}()

	e.mu.Lock()
	halted, redirecting := e.halted, e.redirecting
	e.mu.Unlock()
	if halted {
		return outcome, wizard.ErrSessionExpired
	}
	if redirecting {
		return outcome, nil
	}

	e.opts.View.SetControlsDisabled(true)

	if req.Action == wizard.ActionComplete {
		return e.complete(ctx, req, outcome)
	}

	if e.opts.Gated != nil && e.opts.Gated(target) {
		e.opts.View.ShowNotice(wizard.Notice{
			Level:   wizard.NoticeInfo,
			Message: wizard.UserMessage(wizard.NewError(wizard.KindGated, "").WithStep(target)),
		})
		e.restore()
		return outcome, nil
	}

	if target.Index() < current.Index() {
		outcome.Valid = true
		return e.transition(ctx, outcome, "")
	}
	if req.Action == wizard.ActionPrev {
		// Already on the first step.
		e.restore()
		return outcome, nil
	}

	module, ok := e.opts.Modules.Module(current)
	if !ok {
		missing := wizard.NewError(wizard.KindModuleMissing, fmt.Sprintf("The %s step did not load, so it cannot be checked.", current)).
			WithStep(current)
		return outcome, e.fail(current, missing)
	}

	e.setPhase(PhaseValidating)
	e.opts.View.SetBusyLabel(LabelValidating)
	valid, verr := module.ValidateStep(ctx)
	if verr != nil {
		return outcome, e.fail(current, verr)
	}
	if !valid {
		if e.opts.Debug {
			log.Printf("[nav] %s failed validation", current)
		}
		e.restore()
		return outcome, nil
	}
	outcome.Valid = true

	e.opts.View.SetBusyLabel(LabelSaving)
	result, serr := e.Save(ctx)
	if serr != nil {
		// Save has already announced a session expiry.
		if wizard.IsKind(serr, wizard.KindSessionExpired) {
			e.restore()
			return outcome, serr
		}
		return outcome, e.fail(current, serr)
	}
	outcome.Saved = true
	outcome.Result = result

	completed := e.opts.Store.State().CompletedSteps
	e.opts.View.UpdateIndicators(current, completed)

	return e.transition(ctx, outcome, result.RedirectURL)
}

// Save persists the current step through its module. Concurrent callers,
// whether navigation or autosave, share one in-flight save. A transient
// failure is retried once after the configured backoff.
func (e *Engine) Save(ctx context.Context) (*wizard.SaveResult, error) {
	v, err, _ := e.saves.Do("save", func() (interface{}, error) {
		return e.save(ctx)
	})

	e.mu.Lock()
	if e.phase == PhaseSaving {
		e.phase = PhaseIdle
	}
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return v.(*wizard.SaveResult), nil
}

func (e *Engine) save(ctx context.Context) (*wizard.SaveResult, error) {
	start := time.Now()
	step := e.opts.Store.State().CurrentStep
	module, ok := e.opts.Modules.Module(step)
	if !ok {
		return nil, wizard.NewError(wizard.KindModuleMissing, fmt.Sprintf("The %s step did not load, so it cannot be saved.", step)).WithStep(step)
	}

	e.setPhase(PhaseSaving)
	e.opts.Events.Publish(events.SaveStart, step)

	collected := module.CollectData()
	patch := store.StepData(step, collected)
	patch["isSaving"] = true
	if _, err := e.opts.Store.Set(patch, store.SetOptions{Silent: true, SkipHistory: true}); err != nil {
		log.Printf("[nav] Failed to record collected data for %s: %v", step, err)
	}

	retry := e.opts.Retry
	if retry.MaxRetries <= 0 {
		retry.MaxRetries = 1
	}
	userOnRetry := retry.OnRetry
	retry.OnRetry = func(attempt int, err error) {
		e.opts.View.ShowNotice(wizard.Notice{Level: wizard.NoticeInfo, Message: "Connection problem, retrying…"})
		if userOnRetry != nil {
			userOnRetry(attempt, err)
		}
	}

	attempts := 0
	result, err := transport.WithRetry(ctx, "save_step", retry, func(ctx context.Context) (*wizard.SaveResult, error) {
		attempts++
		res, err := module.SaveStep(ctx)
		if err != nil {
			if recovered, ok, rerr := recoverSave(err); ok {
				if rerr != nil {
					return nil, rerr
				}
				if e.opts.Debug {
					log.Printf("[nav] Recovered save response for %s from a noisy body", step)
				}
				return recovered, nil
			}
			return nil, err
		}
		if res == nil {
			res = &wizard.SaveResult{}
		}
		return res, nil
	})

	if err != nil {
		if _, serr := e.opts.Store.Set(store.Patch{"isSaving": false}, store.SetOptions{Silent: true, SkipHistory: true}); serr != nil {
			log.Printf("[nav] Failed to clear saving flag: %v", serr)
		}
		we := wizard.Classify(err)
		e.opts.Events.Publish(events.SaveError, errorPayload(step, we))
		if we.Kind == wizard.KindSessionExpired {
			e.opts.Events.Publish(events.SessionExpired, errorPayload(step, we))
		}
		if e.opts.Observer != nil {
			e.opts.Observer.SaveFinished("error", attempts, time.Since(start))
		}
		return nil, we
	}

	now := e.opts.Now()
	update := store.Patch{
		"isSaving":          false,
		"hasUnsavedChanges": false,
		"isDirty":           false,
		"lastSavedAt":       now,
		"completedSteps":    result.CompletedSteps,
	}
	if result.CampaignID != "" {
		update["campaignId"] = result.CampaignID
	}
	if _, err := e.opts.Store.Set(update, store.SetOptions{Silent: true}); err != nil {
		log.Printf("[nav] Failed to record save of %s: %v", step, err)
	}

	e.mu.Lock()
	e.lastSave = now
	e.mu.Unlock()

	e.opts.Events.Publish(events.SaveSuccess, result)
	if e.opts.Observer != nil {
		e.opts.Observer.SaveFinished("success", attempts, time.Since(start))
	}
	return result, nil
}

// recoverSave looks for a save response embedded in the raw text of a 2xx
// reply that failed to decode. Errors carrying a real HTTP status keep it.
// ok reports whether an envelope was found at all.
func recoverSave(err error) (result *wizard.SaveResult, ok bool, rerr error) {
	var we *wizard.Error
	if !errors.As(err, &we) || we.Raw == "" || we.Code != transport.CodeInvalidResponse {
		return nil, false, nil
	}
	data, found, envErr := transport.RecoverEnvelope(we.Raw)
	if !found {
		return nil, false, nil
	}
	if envErr != nil {
		return nil, true, envErr
	}
	var res wizard.SaveResult
	if len(data) > 0 && string(data) != "null" {
		if jerr := json.Unmarshal(data, &res); jerr != nil {
			return nil, false, nil
		}
	}
	return &res, true, nil
}

func (e *Engine) complete(ctx context.Context, req wizard.NavigationRequest, outcome Outcome) (Outcome, error) {
	if e.opts.Completer == nil {
		return outcome, e.fail(outcome.From, wizard.NewError(wizard.KindModuleMissing, "Completion is not available."))
	}
	result, err := e.opts.Completer.Complete(ctx, req.SaveAsDraft)
	if err != nil {
		e.restore()
		return outcome, err
	}
	outcome.Valid = true
	outcome.Saved = true
	outcome.Completion = result
	if result != nil {
		outcome.RedirectURL = result.RedirectURL
	}
	return outcome, nil
}

// transition moves to outcome.To, either by redirecting the browser (the
// server renders every step) or by swapping the step in place.
func (e *Engine) transition(ctx context.Context, outcome Outcome, redirectURL string) (Outcome, error) {
	e.setPhase(PhaseTransitioning)

	target := outcome.To
	if redirectURL != "" {
		if err := security.ValidateRedirect(redirectURL, e.opts.RedirectHosts...); err != nil {
			log.Printf("[nav] Ignoring redirect %q: %v", redirectURL, err)
			redirectURL = e.StepURL(target)
		}
		if step, ok := StepFromURL(redirectURL); ok {
			target = step
			outcome.To = step
		}
	}

	if _, err := e.opts.Store.Set(store.Patch{
		"currentStep":  string(target),
		"visitedSteps": []wizard.Step{target},
	}, store.SetOptions{}); err != nil {
		return outcome, e.fail(outcome.From, err)
	}

	if redirectURL != "" {
		outcome.RedirectURL = redirectURL
		e.redirect(target, redirectURL)
		return outcome, nil
	}

	outcome.InPlace = true
	e.internal()
	e.opts.View.ReplaceURL(e.StepURL(target))
	if e.opts.Mounter != nil {
		if err := e.opts.Mounter.MountStep(ctx, target); err != nil {
			log.Printf("[nav] Failed to mount %s: %v", target, err)
			e.opts.View.ShowNotice(wizard.Notice{Level: wizard.NoticeError, Message: wizard.UserMessage(err)})
		}
	}
	e.opts.View.UpdateIndicators(target, e.opts.Store.State().CompletedSteps)
	e.restore()
	return outcome, nil
}

// redirect paints the skeleton for target at once and leaves the page after
// the redirect delay, giving the server time to finish its session write.
// Controls stay disabled until the new page loads.
func (e *Engine) redirect(target wizard.Step, to string) {
	e.mu.Lock()
	e.redirecting = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.opts.RedirectDelay, func() {
		e.mu.Lock()
		halted := e.halted
		e.mu.Unlock()
		if halted {
			return
		}
		e.internal()
		e.opts.View.Redirect(to)
	})
	e.mu.Unlock()

	e.opts.View.ShowSkeleton(target)
	if e.opts.Debug {
		log.Printf("[nav] Redirecting to %s in %v", to, e.opts.RedirectDelay)
	}
}

// HistoryNavigate follows a browser back/forward move to rawURL. It never
// validates or saves, so it only reaches steps at or before the current
// one, or steps already visited. Any other target leaves the wizard where
// it is and the address is corrected; the returned step is where it stays.
func (e *Engine) HistoryNavigate(ctx context.Context, rawURL string) (wizard.Step, error) {
	step, ok := StepFromURL(rawURL)
	if !ok {
		step = wizard.StepBasic
	}
	if state := e.opts.Store.State(); !reachable(state, step) {
		log.Printf("[nav] Ignoring jump from %s to unvisited step %s", state.CurrentStep, step)
		e.opts.View.ReplaceURL(e.StepURL(state.CurrentStep))
		return state.CurrentStep, nil
	}
	if _, err := e.opts.Store.Set(store.Patch{
		"currentStep":  string(step),
		"visitedSteps": []wizard.Step{step},
	}, store.SetOptions{}); err != nil {
		return step, err
	}
	if e.opts.Mounter != nil {
		if err := e.opts.Mounter.MountStep(ctx, step); err != nil {
			log.Printf("[nav] Failed to mount %s after history navigation: %v", step, err)
		}
	}
	e.opts.View.UpdateIndicators(step, e.opts.Store.State().CompletedSteps)
	return step, nil
}

// Halt stops timers and refuses further navigation. It is used when the
// session expires or the wizard is torn down.
func (e *Engine) Halt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = true
	e.pending = nil
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Reset readies the engine for a newly loaded page. An armed redirect is
// dropped: the browser has either followed it or reloaded first.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.redirecting = false
	e.pending = nil
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
	e.restore()
}

// reachable reports whether step may be entered without running the
// forward protocol.
func reachable(state wizard.State, step wizard.Step) bool {
	if step.Index() <= state.CurrentStep.Index() || state.IsCompletedStep(step) {
		return true
	}
	for _, v := range state.VisitedSteps {
		if v == step {
			return true
		}
	}
	return false
}

// StepURL returns the address of step under the base path.
func (e *Engine) StepURL(step wizard.Step) string {
	return e.opts.BasePath + "?step=" + url.QueryEscape(string(step))
}

// StepFromURL extracts the step query parameter from a URL.
func StepFromURL(raw string) (wizard.Step, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	return wizard.ParseStep(strings.TrimSpace(u.Query().Get("step")))
}

func (e *Engine) internal() {
	if e.opts.OnInternalNavigation != nil {
		e.opts.OnInternalNavigation()
	}
}

// fail surfaces err according to its kind and returns the classified error.
// Controls are always re-enabled.
func (e *Engine) fail(step wizard.Step, err error) error {
	we := wizard.Classify(err)
	e.restore()

	switch we.Kind {
	case wizard.KindValidation:
		if len(we.Fields) > 0 {
			e.opts.View.ShowFieldErrors(step, we.Fields)
		} else {
			e.opts.View.ShowNotice(wizard.Notice{Level: wizard.NoticeError, Message: wizard.UserMessage(we)})
		}
	case wizard.KindSessionExpired:
		e.opts.Events.Publish(events.SessionExpired, errorPayload(step, we))
	default:
		e.opts.View.ShowNotice(wizard.Notice{Level: wizard.NoticeError, Message: wizard.UserMessage(we)})
	}

	if e.opts.Debug {
		log.Printf("[nav] Navigation from %s failed: %v", step, we)
	}
	return we
}

// restore returns to idle and re-enables controls, unless the engine has
// been halted meanwhile.
func (e *Engine) restore() {
	e.setPhase(PhaseIdle)
	e.mu.Lock()
	halted := e.halted
	e.mu.Unlock()
	if halted {
		return
	}
	e.opts.View.SetControlsDisabled(false)
	e.opts.View.RestoreLabels()
}

func errorPayload(step wizard.Step, we *wizard.Error) map[string]interface{} {
	return map[string]interface{}{
		"step":    string(step),
		"kind":    we.Kind.String(),
		"code":    we.Code,
		"message": wizard.UserMessage(we),
	}
}

func resultLabel(o Outcome, err error) string {
	switch {
	case err != nil:
		return wizard.Classify(err).Kind.String()
	case !o.Valid:
		return "invalid"
	case o.RedirectURL != "":
		return "redirect"
	default:
		return "ok"
	}
}
