// Package orchestrator is the composition root of one wizard instance. It
// owns the state store and navigation engine, loads step modules, and drives
// completion, autosave and the session lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/bundle"
	"github.com/livetemplate/wizard/internal/cache"
	"github.com/livetemplate/wizard/internal/config"
	"github.com/livetemplate/wizard/internal/events"
	"github.com/livetemplate/wizard/internal/navigation"
	"github.com/livetemplate/wizard/internal/storage"
	"github.com/livetemplate/wizard/internal/store"
	"github.com/livetemplate/wizard/internal/transport"
)

// Rendered step snapshots are preferred for population while fresh.
const (
	snapshotStaleAfter  = 30 * time.Second
	snapshotExpireAfter = 10 * time.Minute
)

// Module sources reported with step:loaded.
const (
	SourceInstance = "instance"
	SourceFactory  = "factory"
	SourceBundle   = "bundle"
	SourceShell    = "shell"
)

// BundleLoader builds step modules from dynamically loaded bundles.
type BundleLoader interface {
	Load(ctx context.Context, step wizard.Step) (wizard.StepModule, error)
}

// FieldUpdater is implemented by step modules that accept field values
// reported by the browser.
type FieldUpdater interface {
	UpdateFields(data wizard.FieldMap)
}

// Observer receives orchestrator measurements on top of the engine's.
type Observer interface {
	navigation.Observer
	AutosaveFinished(result string)
	CompletionFinished(result string)
	StorageWarning()
}

// Options configures an Orchestrator.
type Options struct {
	Config    *config.Config
	SessionID string
	Storage   storage.Storage
	Transport wizard.Transport
	View      wizard.View
	Events    *events.Bus
	Snapshots cache.Cache

	// Step modules, resolved in this order.
	Modules   map[wizard.Step]wizard.StepModule
	Factories map[wizard.Step]func() wizard.StepModule
	Bundles   BundleLoader

	Extension Extension
	Observer  Observer

	// Fresh starts a new campaign, discarding any cached progress.
	Fresh bool
	// Edit hydrates from an existing campaign's server snapshot.
	Edit *wizard.State

	Now   func() time.Time
	Debug bool
}

// Orchestrator wires the store, engine and step modules of one wizard.
// It implements wizard.Host and the engine's resolver, mounter and
// completer.
type Orchestrator struct {
	opts Options
	cfg  *config.Config

	mu          sync.Mutex
	st          *store.Store
	engine      *navigation.Engine
	bus         *events.Bus
	modules     map[wizard.Step]wizard.StepModule
	validators  map[wizard.Step]wizard.DataValidator
	active      wizard.Step
	initialized bool
	expired     bool
	destroyed   bool

	autosaveTimer *time.Timer
	completeTimer *time.Timer
	internalUntil time.Time
	lastDraft     *bool
	unsubs        []func()
}

// New creates an orchestrator. Collaborators are built on first use.
func New(opts Options) *Orchestrator {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Extension == nil {
		opts.Extension = NewCampaign()
	}
	o := &Orchestrator{
		opts:       opts,
		cfg:        opts.Config,
		bus:        opts.Events,
		modules:    make(map[wizard.Step]wizard.StepModule),
		validators: make(map[wizard.Step]wizard.DataValidator),
	}
	for step, m := range opts.Modules {
		o.modules[step] = m
	}
	return o
}

// Store returns the state store, creating it on first use.
func (o *Orchestrator) Store() *store.Store {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.storeLocked()
}

func (o *Orchestrator) storeLocked() *store.Store {
	if o.st == nil {
		o.st = store.New(store.Options{
			Storage:         o.opts.Storage,
			Key:             o.cfg.Storage.GetKey(),
			Prefix:          o.cfg.Storage.GetPrefix(),
			SessionVersion:  o.cfg.SessionVersion,
			HistoryCapacity: o.cfg.History.GetCapacity(),
			OnWarning:       o.onStorageWarning,
			Now:             o.opts.Now,
			Debug:           o.opts.Debug,
		})
	}
	return o.st
}

// Bus returns the event channel, creating it on first use.
func (o *Orchestrator) Bus() *events.Bus {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bus == nil {
		o.bus = events.NewBus(o.opts.Debug)
	}
	return o.bus
}

// Engine returns the navigation engine, creating it on first use.
func (o *Orchestrator) Engine() *navigation.Engine {
	st := o.Store()
	bus := o.Bus()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.engine == nil {
		var observer navigation.Observer
		if o.opts.Observer != nil {
			observer = o.opts.Observer
		}
		o.engine = navigation.New(navigation.Options{
			Store:     st,
			View:      o.opts.View,
			Events:    bus,
			Modules:   o,
			Mounter:   o,
			Completer: o,
			Observer:  observer,
			Gated: func(step wizard.Step) bool {
				return o.cfg.Step(string(step)).Gated && !config.IsPremium()
			},
			BasePath:             o.cfg.BasePath,
			Debounce:             o.cfg.Timing.GetDebounce(),
			RedirectDelay:        o.cfg.Timing.GetRedirectDelay(),
			Retry:                o.retryConfig(),
			RedirectHosts:        o.cfg.Transport.RedirectHosts,
			Now:                  o.opts.Now,
			OnInternalNavigation: o.markInternal,
			OnOutcome:            o.onOutcome,
			Debug:                o.opts.Debug,
		})
	}
	return o.engine
}

// SessionID returns the browsing session this wizard belongs to.
func (o *Orchestrator) SessionID() string { return o.opts.SessionID }

// State implements wizard.Host.
func (o *Orchestrator) State() wizard.State { return o.Store().State() }

// Transport implements wizard.Host.
func (o *Orchestrator) Transport() wizard.Transport { return o.opts.Transport }

// Events implements wizard.Host.
func (o *Orchestrator) Events() wizard.Publisher { return o.Bus() }

// Init hydrates the store, mounts the current step and starts listening
// for unsaved changes and session expiry.
func (o *Orchestrator) Init(ctx context.Context) (store.Source, error) {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		return "", fmt.Errorf("orchestrator already initialized")
	}
	o.initialized = true
	o.mu.Unlock()

	st := o.Store()
	bus := o.Bus()
	o.Engine()

	if err := o.opts.Extension.Init(o); err != nil {
		return "", fmt.Errorf("init extension: %w", err)
	}
	o.opts.Extension.BindEvents(bus)

	o.track(st.Subscribe(o.onUnsavedChange, "hasUnsavedChanges"))
	o.track(bus.Subscribe(events.SessionExpired, o.expire))

	source, err := st.Init(ctx, store.InitOptions{Fresh: o.opts.Fresh, Snapshot: o.opts.Edit})
	if err != nil {
		return source, err
	}

	state := st.State()
	if err := o.MountStep(ctx, state.CurrentStep); err != nil {
		log.Printf("[orchestrator] Initial step %s unavailable: %v", state.CurrentStep, err)
	}
	o.opts.View.UpdateIndicators(state.CurrentStep, state.CompletedSteps)

	bus.Publish(events.WizardInitialized, map[string]interface{}{
		"step":       string(state.CurrentStep),
		"mode":       string(state.WizardMode),
		"source":     string(source),
		"campaignId": state.CampaignID,
	})

	// A resumed blob can carry edits that were never saved.
	if state.HasUnsavedChanges {
		o.scheduleAutosave()
	}

	if o.opts.Debug {
		log.Printf("[orchestrator] Session %s ready on %s (%s)", o.opts.SessionID, state.CurrentStep, source)
	}
	return source, nil
}

func (o *Orchestrator) track(unsub func()) {
	o.mu.Lock()
	o.unsubs = append(o.unsubs, unsub)
	o.mu.Unlock()
}

// Module implements navigation.StepResolver. Only modules that have been
// loaded are returned.
func (o *Orchestrator) Module(step wizard.Step) (wizard.StepModule, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.modules[step]
	return m, ok
}

// ActiveStep returns the step most recently mounted.
func (o *Orchestrator) ActiveStep() wizard.Step {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// MountStep loads the module for step, populates it and announces it. When
// no module can be loaded the inert shell is rendered instead and a
// ModuleMissing error is returned.
func (o *Orchestrator) MountStep(ctx context.Context, step wizard.Step) error {
	if !step.Valid() {
		return fmt.Errorf("unknown step %q", step)
	}

	module, source := o.loadModule(ctx, step)

	o.mu.Lock()
	o.active = step
	o.mu.Unlock()

	if module == nil {
		o.opts.View.RenderShell(step)
		o.Bus().Publish(events.StepLoaded, map[string]interface{}{"step": string(step), "source": source})
		return wizard.NewError(wizard.KindModuleMissing, fmt.Sprintf("The %s step could not be loaded.", step)).WithStep(step)
	}

	o.populate(step, module)
	o.Bus().Publish(events.StepLoaded, map[string]interface{}{"step": string(step), "source": source})
	return nil
}

// loadModule resolves step: instantiated module, registered factory,
// bundle, then nothing.
func (o *Orchestrator) loadModule(ctx context.Context, step wizard.Step) (wizard.StepModule, string) {
	if m, ok := o.Module(step); ok {
		return m, SourceInstance
	}

	if factory, ok := o.opts.Factories[step]; ok && factory != nil {
		if m := factory(); m != nil {
			if err := o.initModule(ctx, step, m); err != nil {
				log.Printf("[orchestrator] Factory module for %s failed to init: %v", step, err)
			} else {
				return o.keep(step, m), SourceFactory
			}
		}
	}

	if o.opts.Bundles != nil {
		m, err := o.opts.Bundles.Load(ctx, step)
		switch {
		case err == nil && m != nil:
			if err := o.initModule(ctx, step, m); err != nil {
				log.Printf("[orchestrator] Bundle module for %s failed to init: %v", step, err)
			} else {
				return o.keep(step, m), SourceBundle
			}
		case err != nil && !errors.Is(err, bundle.ErrNoBundle):
			log.Printf("[orchestrator] Failed to load bundle for %s: %v", step, err)
		}
	}

	log.Printf("[orchestrator] No module for %s, rendering inert shell", step)
	return nil, SourceShell
}

func (o *Orchestrator) initModule(ctx context.Context, step wizard.Step, m wizard.StepModule) error {
	err := m.Init(ctx, o, wizard.StepOptions{
		StepName:          step,
		ContainerSelector: "#step-" + string(step),
	})
	if err != nil {
		return err
	}
	if lc, ok := m.(wizard.Lifecycle); ok {
		lc.BindEvents(o.Bus())
	}
	return nil
}

// keep stores m unless another module won the race, in which case m is
// released and the winner returned.
func (o *Orchestrator) keep(step wizard.Step, m wizard.StepModule) wizard.StepModule {
	o.mu.Lock()
	existing, ok := o.modules[step]
	if !ok {
		o.modules[step] = m
	}
	o.mu.Unlock()

	if ok {
		if lc, isLC := m.(wizard.Lifecycle); isLC {
			lc.Destroy()
		}
		return existing
	}
	return m
}

// populate fills module with the preferred data for step. Failures are
// published, never propagated.
func (o *Orchestrator) populate(step wizard.Step, module wizard.StepModule) {
	data := o.populationData(step)
	if len(data) == 0 {
		return
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return module.PopulateFields(data)
	}()
	if err != nil {
		log.Printf("[orchestrator] Failed to populate %s: %v", step, err)
		o.Bus().Publish(events.StepPopulateError, map[string]interface{}{
			"step":  string(step),
			"error": err.Error(),
		})
	}
}

// populationData picks the field source for step. In edit mode the store
// may hold edits newer than the server snapshot, so it wins. In create mode
// a freshly rendered snapshot beats the store's copy.
func (o *Orchestrator) populationData(step wizard.Step) wizard.FieldMap {
	state := o.Store().State()
	stored := state.Data(step)

	var snapshot wizard.FieldMap
	fresh := false
	if o.opts.Snapshots != nil {
		if data, found, stale := o.opts.Snapshots.Get(cache.Key(o.opts.SessionID, step)); found && !stale {
			snapshot, fresh = data, true
		}
	}

	if state.WizardMode == wizard.ModeEdit {
		if len(stored) > 0 || !fresh {
			return stored
		}
		return snapshot
	}
	if fresh {
		return snapshot
	}
	return stored
}

// RecordSnapshot remembers the field values the server rendered for step.
func (o *Orchestrator) RecordSnapshot(step wizard.Step, data wizard.FieldMap) {
	if o.opts.Snapshots == nil || !step.Valid() {
		return
	}
	o.opts.Snapshots.SetWithStale(cache.Key(o.opts.SessionID, step), data, snapshotStaleAfter, snapshotExpireAfter)
}

func (o *Orchestrator) dropSnapshots() {
	if o.opts.Snapshots != nil {
		o.opts.Snapshots.InvalidatePrefix(cache.SessionPrefix(o.opts.SessionID))
	}
}

// UpdateFields applies field values reported for the active step and
// records them in the store, which marks the wizard dirty.
func (o *Orchestrator) UpdateFields(step wizard.Step, data wizard.FieldMap) error {
	st := o.Store()
	if current := st.State().CurrentStep; step != current {
		return fmt.Errorf("fields for %s ignored, current step is %s", step, current)
	}
	module, ok := o.Module(step)
	if !ok {
		return wizard.NewError(wizard.KindModuleMissing, fmt.Sprintf("The %s step is not loaded.", step)).WithStep(step)
	}
	updater, ok := module.(FieldUpdater)
	if !ok {
		return fmt.Errorf("step %s does not accept field updates", step)
	}
	updater.UpdateFields(data)
	_, err := st.Set(store.StepData(step, module.CollectData()), store.SetOptions{})
	return err
}

// Validator returns a validator for step's data, whether or not the step
// is mounted.
func (o *Orchestrator) Validator(step wizard.Step) (wizard.DataValidator, bool) {
	if m, ok := o.Module(step); ok {
		v, isV := m.(wizard.DataValidator)
		return v, isV
	}

	o.mu.Lock()
	v, ok := o.validators[step]
	o.mu.Unlock()
	if ok {
		return v, true
	}

	var m wizard.StepModule
	if factory, ok := o.opts.Factories[step]; ok && factory != nil {
		m = factory()
	} else if o.opts.Bundles != nil {
		loaded, err := o.opts.Bundles.Load(context.Background(), step)
		if err == nil {
			m = loaded
		}
	}
	v, ok = m.(wizard.DataValidator)
	if !ok {
		return nil, false
	}

	o.mu.Lock()
	o.validators[step] = v
	o.mu.Unlock()
	return v, true
}

// Navigate runs a navigation request through the engine.
func (o *Orchestrator) Navigate(ctx context.Context, req wizard.NavigationRequest) (navigation.Outcome, error) {
	return o.Engine().Navigate(ctx, req)
}

// Gesture hands a user gesture to the engine's debouncer.
func (o *Orchestrator) Gesture(req wizard.NavigationRequest) {
	if o.Expired() {
		return
	}
	o.Engine().Gesture(req)
}

// HistoryNavigate follows a browser back/forward move.
func (o *Orchestrator) HistoryNavigate(ctx context.Context, rawURL string) (wizard.Step, error) {
	return o.Engine().HistoryNavigate(ctx, rawURL)
}

func (o *Orchestrator) onOutcome(outcome navigation.Outcome, err error) {
	if err != nil {
		log.Printf("[orchestrator] %s from %s failed: %v", outcome.Action, outcome.From, err)
		return
	}
	if o.opts.Debug {
		log.Printf("[orchestrator] %s %s -> %s (valid=%v saved=%v)", outcome.Action, outcome.From, outcome.To, outcome.Valid, outcome.Saved)
	}
}

func (o *Orchestrator) onStorageWarning(n wizard.Notice) {
	o.opts.View.ShowNotice(n)
	if o.opts.Observer != nil {
		o.opts.Observer.StorageWarning()
	}
	// The store may warn from Init, before the bus is wired.
	o.Bus().Publish(events.StorageWarning, n)
}

func (o *Orchestrator) retryConfig() transport.RetryConfig {
	return transport.RetryConfig{
		MaxRetries: o.cfg.Transport.GetRetryLimit(),
		Backoff:    o.cfg.Timing.GetRetryBackoff(),
		EnableLog:  o.opts.Debug,
	}
}
