package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/cache"
	"github.com/livetemplate/wizard/internal/config"
	"github.com/livetemplate/wizard/internal/events"
	"github.com/livetemplate/wizard/internal/steps"
	"github.com/livetemplate/wizard/internal/storage"
	"github.com/livetemplate/wizard/internal/transport"
)

type recordingView struct {
	mu          sync.Mutex
	controls    []bool
	redirects   []string
	replaced    []string
	indicators  []wizard.Step
	notices     []wizard.Notice
	fieldErrors map[wizard.Step]map[string]string
	shells      []wizard.Step
	skeletons   []wizard.Step
}

func (v *recordingView) SetControlsDisabled(disabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.controls = append(v.controls, disabled)
}

func (v *recordingView) SetBusyLabel(label string) {}
func (v *recordingView) RestoreLabels()            {}

func (v *recordingView) ShowSkeleton(step wizard.Step) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.skeletons = append(v.skeletons, step)
}

func (v *recordingView) Redirect(url string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.redirects = append(v.redirects, url)
}

func (v *recordingView) ReplaceURL(url string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.replaced = append(v.replaced, url)
}

func (v *recordingView) UpdateIndicators(current wizard.Step, completed []wizard.Step) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.indicators = append(v.indicators, current)
}

func (v *recordingView) ShowNotice(n wizard.Notice) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notices = append(v.notices, n)
}

func (v *recordingView) ShowFieldErrors(step wizard.Step, fields map[string]string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fieldErrors == nil {
		v.fieldErrors = make(map[wizard.Step]map[string]string)
	}
	v.fieldErrors[step] = fields
}

func (v *recordingView) RenderShell(step wizard.Step) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.shells = append(v.shells, step)
}

func (v *recordingView) controlsDisabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.controls) > 0 && v.controls[len(v.controls)-1]
}

func (v *recordingView) redirectList() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.redirects...)
}

func (v *recordingView) noticeList() []wizard.Notice {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]wizard.Notice(nil), v.notices...)
}

func (v *recordingView) shellList() []wizard.Step {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]wizard.Step(nil), v.shells...)
}

// scriptedTransport answers like the backend: saves mark the posted step
// complete, completion returns a campaign. Hooks override per action.
type scriptedTransport struct {
	mu        sync.Mutex
	calls     map[string]int
	completed []wizard.Step
	onSave    func(p transport.SaveStepPayload) (json.RawMessage, error)
	onFinish  func(p transport.CompletePayload) (json.RawMessage, error)
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{calls: make(map[string]int)}
}

func (s *scriptedTransport) Post(ctx context.Context, action string, payload interface{}, opts wizard.PostOptions) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls[action]++
	onSave, onFinish := s.onSave, s.onFinish
	s.mu.Unlock()

	switch action {
	case transport.ActionSaveStep:
		p := payload.(transport.SaveStepPayload)
		if onSave != nil {
			return onSave(p)
		}
		s.mu.Lock()
		s.completed = wizard.MergeSteps(s.completed, []wizard.Step{p.Step})
		out, _ := json.Marshal(wizard.SaveResult{Message: "saved", CompletedSteps: s.completed, CampaignID: "camp-1"})
		s.mu.Unlock()
		return out, nil

	case transport.ActionCompleteWizard:
		p := payload.(transport.CompletePayload)
		if onFinish != nil {
			return onFinish(p)
		}
		status := "active"
		if p.SaveAsDraft {
			status = "draft"
		}
		return json.Marshal(wizard.CompletionResult{
			Message:     "done",
			CampaignID:  "camp-1",
			Status:      status,
			RedirectURL: "/campaigns/camp-1",
		})
	}
	return nil, wizard.NewError(wizard.KindNotFound, "unknown action")
}

func (s *scriptedTransport) count(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[action]
}

type recordingObserver struct {
	mu         sync.Mutex
	autosaves  []string
	completion []string
	warnings   int
}

func (r *recordingObserver) NavigationFinished(action wizard.Action, result string, d time.Duration) {}
func (r *recordingObserver) SaveFinished(result string, attempts int, d time.Duration)               {}

func (r *recordingObserver) AutosaveFinished(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autosaves = append(r.autosaves, result)
}

func (r *recordingObserver) CompletionFinished(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completion = append(r.completion, result)
}

func (r *recordingObserver) StorageWarning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings++
}

func (r *recordingObserver) autosaveResults() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.autosaves...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Timing = config.TimingConfig{
		Debounce:         "5ms",
		RedirectDelay:    "5ms",
		RetryBackoff:     "1ms",
		AutosaveDelay:    "100ms",
		AutosaveCooldown: "30s",
		InternalNavigate: "2s",
		CompleteRedirect: "10ms",
	}
	return cfg
}

type harness struct {
	o        *Orchestrator
	cfg      *config.Config
	view     *recordingView
	tr       *scriptedTransport
	storage  *storage.Memory
	snaps    *cache.MemoryCache
	bus      *events.Bus
	observer *recordingObserver
	clock    *clock
}

func newHarness(t *testing.T, mutate func(h *harness, o *Options)) *harness {
	t.Helper()
	h := &harness{
		cfg:      testConfig(),
		view:     &recordingView{},
		tr:       newScriptedTransport(),
		storage:  storage.NewMemory(0),
		snaps:    cache.NewMemoryCache(),
		bus:      events.NewBus(false),
		observer: &recordingObserver{},
		clock:    &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	t.Cleanup(h.snaps.Stop)

	opts := Options{
		Config:    h.cfg,
		SessionID: "sess-1",
		Storage:   h.storage,
		Transport: h.tr,
		View:      h.view,
		Events:    h.bus,
		Snapshots: h.snaps,
		Factories: steps.Registry(h.cfg),
		Observer:  h.observer,
		Now:       h.clock.Now,
	}
	if mutate != nil {
		mutate(h, &opts)
	}
	h.o = New(opts)
	t.Cleanup(h.o.Destroy)
	return h
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	_, err := h.o.Init(context.Background())
	require.NoError(t, err)
}

func (h *harness) record(name string) func() []interface{} {
	var mu sync.Mutex
	var got []interface{}
	h.bus.Subscribe(name, func(data interface{}) {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
	})
	return func() []interface{} {
		mu.Lock()
		defer mu.Unlock()
		return append([]interface{}(nil), got...)
	}
}

// stepModule is a StepModule with every optional capability.
type stepModule struct {
	mu        sync.Mutex
	data      wizard.FieldMap
	initErr   error
	panicOn   bool
	invalid   error
	destroyed int
	bound     int
}

func (m *stepModule) Init(ctx context.Context, host wizard.Host, opts wizard.StepOptions) error {
	return m.initErr
}

func (m *stepModule) ValidateStep(ctx context.Context) (bool, error) {
	return m.ValidateData(m.CollectData()) == nil, nil
}

func (m *stepModule) CollectData() wizard.FieldMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.Clone()
}

func (m *stepModule) PopulateFields(data wizard.FieldMap) error {
	if m.panicOn {
		panic("widget exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data.Clone()
	return nil
}

func (m *stepModule) UpdateFields(data wizard.FieldMap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = wizard.FieldMap{}
	}
	for k, v := range data {
		m.data[k] = v
	}
}

func (m *stepModule) SaveStep(ctx context.Context) (*wizard.SaveResult, error) {
	return &wizard.SaveResult{Message: "saved"}, nil
}

func (m *stepModule) ValidateData(data wizard.FieldMap) error { return m.invalid }

func (m *stepModule) BindEvents(sub wizard.Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bound++
}

func (m *stepModule) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed++
}

func (m *stepModule) counts() (bound, destroyed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bound, m.destroyed
}

type bundleFunc func(ctx context.Context, step wizard.Step) (wizard.StepModule, error)

func (f bundleFunc) Load(ctx context.Context, step wizard.Step) (wizard.StepModule, error) {
	return f(ctx, step)
}

// completeData fills every step with values that satisfy the default
// required fields.
func completeData() map[wizard.Step]wizard.FieldMap {
	return map[wizard.Step]wizard.FieldMap{
		wizard.StepBasic:     {"name": "Summer Sale"},
		wizard.StepProducts:  {"product_selection_type": "all"},
		wizard.StepDiscounts: {"discount_type": "percentage", "discount_value": "15"},
		wizard.StepSchedule:  {"start_type": "immediate"},
		wizard.StepReview:    {},
	}
}
