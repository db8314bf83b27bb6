package store

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/storage"
)

// recordingStorage wraps a storage and counts writes. While quotaFailures is
// positive, Set fails with ErrQuotaExceeded.
type recordingStorage struct {
	storage.Storage
	mu            sync.Mutex
	sets          int
	quotaFailures int
}

func (r *recordingStorage) Set(ctx context.Context, key string, value []byte) error {
	r.mu.Lock()
	r.sets++
	if r.quotaFailures > 0 {
		r.quotaFailures--
		r.mu.Unlock()
		return storage.ErrQuotaExceeded
	}
	r.mu.Unlock()
	return r.Storage.Set(ctx, key, value)
}

func (r *recordingStorage) setCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sets
}

type brokenStorage struct{ storage.Storage }

func (brokenStorage) Set(ctx context.Context, key string, value []byte) error {
	return errors.New("SecurityError: storage disabled")
}

type warnings struct {
	mu   sync.Mutex
	list []wizard.Notice
}

func (w *warnings) add(n wizard.Notice) {
	w.mu.Lock()
	w.list = append(w.list, n)
	w.mu.Unlock()
}

func (w *warnings) all() []wizard.Notice {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]wizard.Notice(nil), w.list...)
}

func newTestStore(t *testing.T, st storage.Storage, w *warnings) *Store {
	t.Helper()
	opts := Options{Storage: st, SessionVersion: "1"}
	if w != nil {
		opts.OnWarning = w.add
	}
	s := New(opts)
	_, err := s.Init(context.Background(), InitOptions{})
	require.NoError(t, err)
	return s
}

func TestSetEmptyPatchIsNoop(t *testing.T) {
	s := New(Options{SessionVersion: "1"})
	before := s.State()

	after, err := s.Set(Patch{}, SetOptions{})
	require.NoError(t, err)

	assert.False(t, after.HasUnsavedChanges)
	assert.False(t, after.IsDirty)
	assert.Equal(t, before.LastActivityAt, after.LastActivityAt)
	assert.Empty(t, s.History())
}

func TestSetUnchangedValueIsNoop(t *testing.T) {
	s := New(Options{SessionVersion: "1"})

	_, err := s.Set(Patch{"currentStep": "basic"}, SetOptions{})
	require.NoError(t, err)

	assert.Empty(t, s.History())
}

func TestSetReplacesStepDataSubtree(t *testing.T) {
	s := New(Options{SessionVersion: "1"})

	_, err := s.Set(StepData(wizard.StepBasic, wizard.FieldMap{"name": "A", "old_key": "x"}), SetOptions{})
	require.NoError(t, err)
	_, err = s.Set(Patch{"stepData": map[string]interface{}{"basic": map[string]interface{}{"name": "B"}}}, SetOptions{})
	require.NoError(t, err)

	assert.Equal(t, wizard.FieldMap{"name": "B"}, s.State().Data(wizard.StepBasic))
}

func TestSetOtherStepsUntouched(t *testing.T) {
	s := New(Options{SessionVersion: "1"})

	_, err := s.Set(StepData(wizard.StepProducts, wizard.FieldMap{"product_selection_type": "all"}), SetOptions{})
	require.NoError(t, err)
	_, err = s.Set(StepData(wizard.StepBasic, wizard.FieldMap{"name": "Summer Sale"}), SetOptions{})
	require.NoError(t, err)

	st := s.State()
	assert.Equal(t, "all", st.Data(wizard.StepProducts).String("product_selection_type"))
	assert.Equal(t, "Summer Sale", st.Data(wizard.StepBasic).String("name"))
	assert.Len(t, st.StepData, len(wizard.Steps))
}

func TestSetMatchesReplayedMerge(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := New(Options{SessionVersion: "1"})

	want := map[wizard.Step]wizard.FieldMap{}
	wantCampaign := ""
	wantStep := wizard.StepBasic
	keys := []string{"name", "description", "priority", "legacy_field"}

	for i := 0; i < 200; i++ {
		patch := Patch{}
		switch rng.Intn(3) {
		case 0:
			step := wizard.Steps[rng.Intn(len(wizard.Steps))]
			fields := wizard.FieldMap{}
			for _, k := range keys {
				if rng.Intn(2) == 0 {
					fields[k] = k + "-" + string(rune('a'+rng.Intn(26)))
				}
			}
			patch["stepData"] = map[string]interface{}{string(step): map[string]interface{}(fields)}
			want[step] = fields
		case 1:
			wantCampaign = string(rune('A' + rng.Intn(26)))
			patch["campaignId"] = wantCampaign
		case 2:
			wantStep = wizard.Steps[rng.Intn(len(wizard.Steps))]
			patch["currentStep"] = string(wantStep)
		}
		_, err := s.Set(patch, SetOptions{Silent: rng.Intn(2) == 0})
		require.NoError(t, err)
	}

	st := s.State()
	assert.Equal(t, wantCampaign, st.CampaignID)
	assert.Equal(t, wantStep, st.CurrentStep)
	for _, step := range wizard.Steps {
		expected := want[step]
		if expected == nil {
			expected = wizard.FieldMap{}
		}
		assert.Equal(t, expected, st.Data(step), "step %s", step)
	}
}

func TestSetDirtyTracking(t *testing.T) {
	tests := []struct {
		name      string
		patch     Patch
		opts      SetOptions
		wantDirty bool
	}{
		{"step data change", StepData(wizard.StepBasic, wizard.FieldMap{"name": "A"}), SetOptions{}, true},
		{"silent step data change", StepData(wizard.StepBasic, wizard.FieldMap{"name": "A"}), SetOptions{Silent: true}, false},
		{"explicit clean flag wins", Patch{
			"stepData":          map[string]interface{}{"basic": map[string]interface{}{"name": "A"}},
			"hasUnsavedChanges": false,
		}, SetOptions{}, false},
		{"non step data change", Patch{"campaignId": "c-1"}, SetOptions{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Options{SessionVersion: "1"})
			st, err := s.Set(tt.patch, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDirty, st.HasUnsavedChanges)
			if tt.name != "explicit clean flag wins" {
				assert.Equal(t, tt.wantDirty, st.IsDirty)
			}
		})
	}
}

func TestSetBumpsActivityOnlyWhenNotSilent(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(Options{SessionVersion: "1", Now: func() time.Time { return now }})

	now = now.Add(time.Minute)
	st, err := s.Set(Patch{"campaignId": "a"}, SetOptions{Silent: true})
	require.NoError(t, err)
	assert.True(t, st.LastActivityAt.Equal(now.Add(-time.Minute)))

	st, err = s.Set(Patch{"campaignId": "b"}, SetOptions{})
	require.NoError(t, err)
	assert.True(t, st.LastActivityAt.Equal(now))
}

func TestCompletedStepsOnlyGrow(t *testing.T) {
	s := New(Options{SessionVersion: "1"})

	_, err := s.Set(Patch{"completedSteps": []wizard.Step{wizard.StepBasic}}, SetOptions{Silent: true})
	require.NoError(t, err)
	st, err := s.Set(Patch{"completedSteps": []wizard.Step{wizard.StepProducts}}, SetOptions{Silent: true})
	require.NoError(t, err)
	assert.Equal(t, []wizard.Step{wizard.StepBasic, wizard.StepProducts}, st.CompletedSteps)

	st, err = s.Set(Patch{"completedSteps": []wizard.Step{}}, SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []wizard.Step{wizard.StepBasic, wizard.StepProducts}, st.CompletedSteps)

	st, err = s.Set(Patch{"completedSteps": []wizard.Step{wizard.StepBasic}}, SetOptions{Reset: true})
	require.NoError(t, err)
	assert.Equal(t, []wizard.Step{wizard.StepBasic}, st.CompletedSteps)
}

func TestSetRejectsUnknownStep(t *testing.T) {
	s := New(Options{SessionVersion: "1"})

	_, err := s.Set(Patch{"currentStep": "checkout"}, SetOptions{})
	require.Error(t, err)
	assert.Equal(t, wizard.StepBasic, s.State().CurrentStep)
}

func TestSetDropsUnknownStepDataKeys(t *testing.T) {
	s := New(Options{SessionVersion: "1"})

	st, err := s.Set(Patch{"stepData": map[string]interface{}{"checkout": map[string]interface{}{"a": 1}}}, SetOptions{})
	require.NoError(t, err)

	_, ok := st.StepData["checkout"]
	assert.False(t, ok)
	assert.Len(t, st.StepData, len(wizard.Steps))
}

func TestSubscribe(t *testing.T) {
	s := New(Options{SessionVersion: "1"})

	var calls [][]string
	var lastOld, lastNew wizard.State
	unsub := s.Subscribe(func(newState, oldState wizard.State, changed []string) {
		calls = append(calls, changed)
		lastOld, lastNew = oldState, newState
	})

	_, err := s.Set(StepData(wizard.StepBasic, wizard.FieldMap{"name": "A"}), SetOptions{})
	require.NoError(t, err)

	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "stepData.basic")
	assert.NotContains(t, calls[0], "stepData.products")
	assert.Contains(t, calls[0], "hasUnsavedChanges")
	assert.False(t, lastOld.HasUnsavedChanges)
	assert.True(t, lastNew.HasUnsavedChanges)
	assert.Equal(t, "A", lastNew.Data(wizard.StepBasic).String("name"))

	_, err = s.Set(Patch{"campaignId": "x"}, SetOptions{Silent: true})
	require.NoError(t, err)
	assert.Len(t, calls, 1, "silent updates do not notify")

	unsub()
	_, err = s.Set(Patch{"campaignId": "y"}, SetOptions{})
	require.NoError(t, err)
	assert.Len(t, calls, 1)
}

func TestSubscribeFilter(t *testing.T) {
	s := New(Options{SessionVersion: "1"})

	basic, anyStepData, dirty := 0, 0, 0
	s.Subscribe(func(_, _ wizard.State, _ []string) { basic++ }, "stepData.basic")
	s.Subscribe(func(_, _ wizard.State, _ []string) { anyStepData++ }, "stepData")
	s.Subscribe(func(_, _ wizard.State, _ []string) { dirty++ }, "hasUnsavedChanges")

	_, err := s.Set(StepData(wizard.StepProducts, wizard.FieldMap{"x": 1}), SetOptions{})
	require.NoError(t, err)
	_, err = s.Set(StepData(wizard.StepBasic, wizard.FieldMap{"name": "A"}), SetOptions{})
	require.NoError(t, err)
	_, err = s.Set(Patch{"campaignId": "c"}, SetOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, basic)
	assert.Equal(t, 2, anyStepData)
	assert.Equal(t, 1, dirty, "only the clean to dirty edge changes the flag")
}

func TestListenerSeesFullyAppliedState(t *testing.T) {
	s := New(Options{SessionVersion: "1"})

	var seen wizard.State
	s.Subscribe(func(_, _ wizard.State, _ []string) {
		seen = s.State()
	})

	patch := Patch{
		"currentStep": "products",
		"campaignId":  "c-9",
		"stepData":    map[string]interface{}{"products": map[string]interface{}{"ids": []interface{}{1, 2}}},
	}
	_, err := s.Set(patch, SetOptions{})
	require.NoError(t, err)

	assert.Equal(t, wizard.StepProducts, seen.CurrentStep)
	assert.Equal(t, "c-9", seen.CampaignID)
	assert.NotEmpty(t, seen.Data(wizard.StepProducts))
}

func TestHistoryRingBuffer(t *testing.T) {
	s := New(Options{SessionVersion: "1", HistoryCapacity: 3})

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := s.Set(Patch{"campaignId": id}, SetOptions{})
		require.NoError(t, err)
	}
	_, err := s.Set(Patch{"campaignId": "skipped"}, SetOptions{SkipHistory: true})
	require.NoError(t, err)

	hist := s.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "c", hist[0].State.CampaignID)
	assert.Equal(t, "d", hist[1].State.CampaignID)
	assert.Equal(t, "e", hist[2].State.CampaignID)
	assert.Contains(t, hist[2].Changed, "campaignId")

	hist[0].State.CampaignID = "mutated"
	assert.Equal(t, "c", s.History()[0].State.CampaignID)
}

func TestHistoryDefaultCapacity(t *testing.T) {
	s := New(Options{SessionVersion: "1"})
	for i := 0; i < DefaultHistoryCapacity+10; i++ {
		_, err := s.Set(Patch{"campaignId": string(rune('a'+i%26)) + string(rune('0'+i/26))}, SetOptions{})
		require.NoError(t, err)
	}
	assert.Len(t, s.History(), DefaultHistoryCapacity)
}

func TestGet(t *testing.T) {
	s := New(Options{SessionVersion: "1"})
	_, err := s.Set(StepData(wizard.StepBasic, wizard.FieldMap{
		"name": "A",
		"tags": []interface{}{"x", "y"},
	}), SetOptions{})
	require.NoError(t, err)

	v, ok := s.Get("stepData.basic.name")
	require.True(t, ok)
	assert.Equal(t, "A", v)

	v, ok = s.Get("stepData.basic.tags")
	require.True(t, ok)
	tags := v.([]interface{})
	tags[0] = "mutated"
	v, _ = s.Get("stepData.basic.tags")
	assert.Equal(t, []interface{}{"x", "y"}, v)

	v, ok = s.Get("currentStep")
	require.True(t, ok)
	assert.Equal(t, "basic", v)

	_, ok = s.Get("stepData.basic.name.deeper")
	assert.False(t, ok)
	_, ok = s.Get("nope")
	assert.False(t, ok)

	whole, ok := s.Get("")
	require.True(t, ok)
	assert.Contains(t, whole.(map[string]interface{}), "stepData")
}

func TestStateIsDefensiveCopy(t *testing.T) {
	s := New(Options{SessionVersion: "1"})
	_, err := s.Set(StepData(wizard.StepBasic, wizard.FieldMap{"name": "A"}), SetOptions{})
	require.NoError(t, err)

	st := s.State()
	st.StepData[wizard.StepBasic]["name"] = "mutated"
	st.CompletedSteps = append(st.CompletedSteps, wizard.StepReview)

	fresh := s.State()
	assert.Equal(t, "A", fresh.Data(wizard.StepBasic).String("name"))
	assert.Empty(t, fresh.CompletedSteps)
}

func TestCircularValuesAreSanitized(t *testing.T) {
	mem := storage.NewMemory(0)
	s := newTestStore(t, mem, nil)

	fields := map[string]interface{}{"name": "Loop"}
	fields["self"] = fields

	st, err := s.Set(Patch{"stepData": map[string]interface{}{"basic": fields}}, SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, CircularSentinel, st.Data(wizard.StepBasic)["self"])

	raw, err := mem.Get(context.Background(), "wizard_state")
	require.NoError(t, err)
	var blob map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &blob))
}

func TestSanitize(t *testing.T) {
	shared := map[string]interface{}{"a": 1}
	got := Sanitize(map[string]interface{}{"x": shared, "y": shared})
	assert.Equal(t, map[string]interface{}{
		"x": map[string]interface{}{"a": 1},
		"y": map[string]interface{}{"a": 1},
	}, got, "shared references that are not cycles are kept")

	loop := []interface{}{"head", nil}
	loop[1] = loop
	got = Sanitize(loop)
	assert.Equal(t, []interface{}{"head", CircularSentinel}, got)

	type node struct {
		Name string `json:"name"`
	}
	got = Sanitize(map[string]interface{}{"n": node{Name: "leaf"}, "f": func() {}})
	assert.Equal(t, map[string]interface{}{"n": map[string]interface{}{"name": "leaf"}, "f": nil}, got)
}

func TestPersistAndResume(t *testing.T) {
	mem := storage.NewMemory(0)
	s := newTestStore(t, mem, nil)
	_, err := s.Set(Patch{
		"currentStep":    "products",
		"completedSteps": []wizard.Step{wizard.StepBasic},
	}, SetOptions{})
	require.NoError(t, err)
	_, err = s.Set(StepData(wizard.StepBasic, wizard.FieldMap{"name": "Summer Sale"}), SetOptions{})
	require.NoError(t, err)

	resumed := New(Options{Storage: mem, SessionVersion: "1"})
	src, err := resumed.Init(context.Background(), InitOptions{})
	require.NoError(t, err)

	assert.Equal(t, SourceCache, src)
	st := resumed.State()
	assert.Equal(t, wizard.StepProducts, st.CurrentStep)
	assert.Equal(t, []wizard.Step{wizard.StepBasic}, st.CompletedSteps)
	assert.Equal(t, "Summer Sale", st.Data(wizard.StepBasic).String("name"))
}

func TestSkipStorage(t *testing.T) {
	mem := storage.NewMemory(0)
	rec := &recordingStorage{Storage: mem}
	s := newTestStore(t, rec, nil)
	before := rec.setCount()

	_, err := s.Set(Patch{"campaignId": "x"}, SetOptions{SkipStorage: true})
	require.NoError(t, err)
	assert.Equal(t, before, rec.setCount())
}

func TestInitPrecedence(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) *storage.Memory {
		mem := storage.NewMemory(0)
		s := newTestStore(t, mem, nil)
		_, err := s.Set(StepData(wizard.StepBasic, wizard.FieldMap{"name": "Cached"}), SetOptions{})
		require.NoError(t, err)
		require.NoError(t, mem.Set(ctx, "wizard_autosave_hint", []byte("1")))
		return mem
	}

	t.Run("fresh wins over snapshot and cache", func(t *testing.T) {
		mem := seed(t)
		snap := wizard.NewState("1", time.Now())
		snap.StepData[wizard.StepBasic] = wizard.FieldMap{"name": "Server"}

		s := New(Options{Storage: mem, SessionVersion: "1"})
		src, err := s.Init(ctx, InitOptions{Fresh: true, Snapshot: &snap})
		require.NoError(t, err)

		assert.Equal(t, SourceFresh, src)
		assert.Empty(t, s.State().Data(wizard.StepBasic))
		_, err = mem.Get(ctx, "wizard_autosave_hint")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("edit snapshot wins over cache and clears it", func(t *testing.T) {
		mem := seed(t)
		snap := wizard.NewState("1", time.Now())
		snap.CampaignID = "42"
		snap.CurrentStep = wizard.StepDiscounts
		snap.CompletedSteps = []wizard.Step{wizard.StepBasic, wizard.StepProducts}
		snap.StepData[wizard.StepBasic] = wizard.FieldMap{"name": "Server"}

		s := New(Options{Storage: mem, SessionVersion: "1"})
		src, err := s.Init(ctx, InitOptions{Snapshot: &snap})
		require.NoError(t, err)

		assert.Equal(t, SourceEdit, src)
		st := s.State()
		assert.Equal(t, wizard.ModeEdit, st.WizardMode)
		assert.Equal(t, "42", st.CampaignID)
		assert.Equal(t, wizard.StepDiscounts, st.CurrentStep)
		assert.Equal(t, "Server", st.Data(wizard.StepBasic).String("name"))
		_, err = mem.Get(ctx, "wizard_autosave_hint")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("cache resumes", func(t *testing.T) {
		mem := seed(t)
		s := New(Options{Storage: mem, SessionVersion: "1"})
		src, err := s.Init(ctx, InitOptions{})
		require.NoError(t, err)
		assert.Equal(t, SourceCache, src)
		assert.Equal(t, "Cached", s.State().Data(wizard.StepBasic).String("name"))
	})

	t.Run("version mismatch discards cache", func(t *testing.T) {
		mem := seed(t)
		s := New(Options{Storage: mem, SessionVersion: "2"})
		src, err := s.Init(ctx, InitOptions{})
		require.NoError(t, err)
		assert.Equal(t, SourceNew, src)
		assert.Empty(t, s.State().Data(wizard.StepBasic))
		assert.Equal(t, "2", s.State().SessionVersion)
	})

	t.Run("corrupt cache discarded", func(t *testing.T) {
		mem := storage.NewMemory(0)
		require.NoError(t, mem.Set(ctx, "wizard_state", []byte("{not json")))
		s := New(Options{Storage: mem, SessionVersion: "1"})
		src, err := s.Init(ctx, InitOptions{})
		require.NoError(t, err)
		assert.Equal(t, SourceNew, src)
	})
}

func TestQuotaCompactionRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory(0)
	rec := &recordingStorage{Storage: mem}
	w := &warnings{}
	s := newTestStore(t, rec, w)

	require.NoError(t, mem.Set(ctx, "analytics_buffer", []byte("stale")))
	rec.mu.Lock()
	rec.quotaFailures = 1
	rec.mu.Unlock()

	_, err := s.Set(StepData(wizard.StepBasic, wizard.FieldMap{"name": "A"}), SetOptions{})
	require.NoError(t, err)

	assert.Empty(t, w.all())
	assert.True(t, s.StorageEnabled())
	_, err = mem.Get(ctx, "analytics_buffer")
	assert.ErrorIs(t, err, storage.ErrNotFound, "unrelated keys are compacted")
	raw, err := mem.Get(ctx, "wizard_state")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"name":"A"`)
}

func TestQuotaRetryFailsDisablesStorage(t *testing.T) {
	mem := storage.NewMemory(0)
	rec := &recordingStorage{Storage: mem}
	w := &warnings{}
	s := newTestStore(t, rec, w)

	mem.FailWrites(storage.ErrQuotaExceeded)
	_, err := s.Set(StepData(wizard.StepBasic, wizard.FieldMap{"name": "A"}), SetOptions{})
	require.NoError(t, err)

	require.Len(t, w.all(), 1)
	assert.True(t, w.all()[0].Persistent)
	assert.False(t, s.StorageEnabled())

	writes := rec.setCount()
	for _, name := range []string{"B", "C", "D"} {
		st, err := s.Set(StepData(wizard.StepBasic, wizard.FieldMap{"name": name}), SetOptions{})
		require.NoError(t, err)
		assert.Equal(t, name, st.Data(wizard.StepBasic).String("name"), "memory operation continues")
	}
	assert.Equal(t, writes, rec.setCount(), "disabled storage is skipped")
	assert.Len(t, w.all(), 1, "warning is emitted once")

	mem.FailWrites(nil)
	require.NoError(t, s.Flush(context.Background()))
	assert.True(t, s.StorageEnabled())

	_, err = s.Set(StepData(wizard.StepBasic, wizard.FieldMap{"name": "E"}), SetOptions{})
	require.NoError(t, err)
	raw, err := mem.Get(context.Background(), "wizard_state")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"name":"E"`)
}

func TestUnavailableStorageDegradesToMemory(t *testing.T) {
	w := &warnings{}
	s := New(Options{Storage: brokenStorage{storage.NewMemory(0)}, SessionVersion: "1", OnWarning: w.add})

	src, err := s.Init(context.Background(), InitOptions{})
	require.NoError(t, err)
	assert.Equal(t, SourceNew, src)
	assert.True(t, s.MemoryOnly())

	st, err := s.Set(StepData(wizard.StepBasic, wizard.FieldMap{"name": "A"}), SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "A", st.Data(wizard.StepBasic).String("name"))

	_, err = s.Init(context.Background(), InitOptions{})
	require.NoError(t, err)
	require.Len(t, w.all(), 1)
	assert.False(t, w.all()[0].Persistent)
	assert.ErrorIs(t, s.Flush(context.Background()), storage.ErrUnavailable)
}

func TestReset(t *testing.T) {
	mem := storage.NewMemory(0)
	s := newTestStore(t, mem, nil)
	_, err := s.Set(Patch{
		"currentStep":    "review",
		"completedSteps": []wizard.Step{wizard.StepBasic, wizard.StepProducts},
	}, SetOptions{})
	require.NoError(t, err)

	notified := false
	s.Subscribe(func(_, _ wizard.State, _ []string) { notified = true })

	st := s.Reset(context.Background())
	assert.True(t, notified)
	assert.Equal(t, wizard.StepBasic, st.CurrentStep)
	assert.Empty(t, st.CompletedSteps)

	resumed := New(Options{Storage: mem, SessionVersion: "1"})
	_, err = resumed.Init(context.Background(), InitOptions{})
	require.NoError(t, err)
	assert.Equal(t, wizard.StepBasic, resumed.State().CurrentStep)
}

func TestConcurrentSet(t *testing.T) {
	s := New(Options{SessionVersion: "1"})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			step := wizard.Steps[i%len(wizard.Steps)]
			_, err := s.Set(StepData(step, wizard.FieldMap{"n": i}), SetOptions{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.True(t, s.State().HasUnsavedChanges)
}
