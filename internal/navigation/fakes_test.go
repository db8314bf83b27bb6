package navigation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/events"
	"github.com/livetemplate/wizard/internal/store"
	"github.com/livetemplate/wizard/internal/transport"
)

type fakeView struct {
	mu          sync.Mutex
	controls    []bool
	labels      []string
	restored    int
	skeletons   []wizard.Step
	redirects   []string
	replaced    []string
	indicators  []wizard.Step
	notices     []wizard.Notice
	fieldErrors map[wizard.Step]map[string]string
	shells      []wizard.Step
}

func (v *fakeView) SetControlsDisabled(disabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.controls = append(v.controls, disabled)
}

func (v *fakeView) SetBusyLabel(label string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.labels = append(v.labels, label)
}

func (v *fakeView) RestoreLabels() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.restored++
}

func (v *fakeView) ShowSkeleton(step wizard.Step) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.skeletons = append(v.skeletons, step)
}

func (v *fakeView) Redirect(url string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.redirects = append(v.redirects, url)
}

func (v *fakeView) ReplaceURL(url string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.replaced = append(v.replaced, url)
}

func (v *fakeView) UpdateIndicators(current wizard.Step, completed []wizard.Step) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.indicators = append(v.indicators, current)
}

func (v *fakeView) ShowNotice(n wizard.Notice) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notices = append(v.notices, n)
}

func (v *fakeView) ShowFieldErrors(step wizard.Step, fields map[string]string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fieldErrors == nil {
		v.fieldErrors = make(map[wizard.Step]map[string]string)
	}
	v.fieldErrors[step] = fields
}

func (v *fakeView) RenderShell(step wizard.Step) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.shells = append(v.shells, step)
}

func (v *fakeView) controlsDisabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.controls) == 0 {
		return false
	}
	return v.controls[len(v.controls)-1]
}

func (v *fakeView) redirectList() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.redirects...)
}

func (v *fakeView) replacedURLs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.replaced...)
}

func (v *fakeView) noticeList() []wizard.Notice {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]wizard.Notice(nil), v.notices...)
}

type fakeModule struct {
	mu            sync.Mutex
	validate      func(ctx context.Context) (bool, error)
	save          func(ctx context.Context) (*wizard.SaveResult, error)
	data          wizard.FieldMap
	validateCalls int
	saveCalls     int
}

func (m *fakeModule) Init(ctx context.Context, host wizard.Host, opts wizard.StepOptions) error {
	return nil
}

func (m *fakeModule) ValidateStep(ctx context.Context) (bool, error) {
	m.mu.Lock()
	m.validateCalls++
	fn := m.validate
	m.mu.Unlock()
	if fn == nil {
		return true, nil
	}
	return fn(ctx)
}

func (m *fakeModule) CollectData() wizard.FieldMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.Clone()
}

func (m *fakeModule) PopulateFields(data wizard.FieldMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data.Clone()
	return nil
}

func (m *fakeModule) SaveStep(ctx context.Context) (*wizard.SaveResult, error) {
	m.mu.Lock()
	m.saveCalls++
	fn := m.save
	m.mu.Unlock()
	if fn == nil {
		return &wizard.SaveResult{Message: "saved"}, nil
	}
	return fn(ctx)
}

func (m *fakeModule) calls() (validate, save int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateCalls, m.saveCalls
}

type moduleMap map[wizard.Step]wizard.StepModule

func (m moduleMap) Module(step wizard.Step) (wizard.StepModule, bool) {
	mod, ok := m[step]
	return mod, ok
}

type fakeMounter struct {
	mu      sync.Mutex
	mounted []wizard.Step
}

func (f *fakeMounter) MountStep(ctx context.Context, step wizard.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounted = append(f.mounted, step)
	return nil
}

type harness struct {
	store   *store.Store
	view    *fakeView
	bus     *events.Bus
	modules moduleMap
	mounter *fakeMounter
	engine  *Engine
}

func newHarness(t *testing.T, current wizard.Step, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:   store.New(store.Options{SessionVersion: "1"}),
		view:    &fakeView{},
		bus:     events.NewBus(false),
		modules: moduleMap{},
		mounter: &fakeMounter{},
	}
	if current != wizard.StepBasic {
		_, err := h.store.Set(store.Patch{"currentStep": string(current)}, store.SetOptions{Silent: true})
		require.NoError(t, err)
	}

	opts := Options{
		Store:         h.store,
		View:          h.view,
		Events:        h.bus,
		Modules:       h.modules,
		Mounter:       h.mounter,
		BasePath:      "/wizard",
		Debounce:      20 * time.Millisecond,
		RedirectDelay: 10 * time.Millisecond,
		Retry:         transport.RetryConfig{MaxRetries: 1, Backoff: time.Millisecond},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.engine = New(opts)
	return h
}

func (h *harness) eventCount(name string) func() int {
	var mu sync.Mutex
	n := 0
	h.bus.Subscribe(name, func(interface{}) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return n
	}
}
