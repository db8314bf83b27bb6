// Package store implements the wizard state store: the single owner of the
// wizard State, its change notification, its bounded snapshot history and its
// persistence to the session's client cache.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/storage"
)

// DefaultHistoryCapacity is the number of snapshots kept when Options leaves
// it unset.
const DefaultHistoryCapacity = 50

const persistTimeout = 5 * time.Second

// Patch is a partial state update expressed as a JSON tree keyed by the
// State's JSON field names.
type Patch map[string]interface{}

// StepData returns a patch that replaces the data of step.
func StepData(step wizard.Step, data wizard.FieldMap) Patch {
	return Patch{"stepData": map[string]interface{}{string(step): data}}
}

// SetOptions modifies how Set applies a patch.
type SetOptions struct {
	Silent      bool // No activity bump, dirty tracking, history or notification
	SkipHistory bool // Do not record a snapshot
	SkipStorage bool // Do not persist
	Reset       bool // Replace completedSteps/visitedSteps instead of growing them
}

// Listener receives the new and previous state plus the keys that changed.
// Changed keys are top-level JSON names, except step data which is reported
// per step as "stepData.<step>".
type Listener func(newState, oldState wizard.State, changed []string)

// Snapshot is one history entry.
type Snapshot struct {
	State   wizard.State
	At      time.Time
	Changed []string
}

// Options configures a Store.
type Options struct {
	Storage         storage.Storage
	Key             string // Key of the persisted blob (default: wizard_state)
	Prefix          string // Prefix used for the availability probe (default: wizard_)
	SessionVersion  string
	HistoryCapacity int
	OnWarning       func(wizard.Notice)
	Now             func() time.Time
	Debug           bool
}

// InitOptions selects how the initial state is built. Fresh wins over
// Snapshot, which wins over the cached blob.
type InitOptions struct {
	Fresh    bool
	Snapshot *wizard.State
}

// Source reports where Init took the initial state from.
type Source string

const (
	SourceNew   Source = "new"
	SourceFresh Source = "fresh"
	SourceEdit  Source = "edit"
	SourceCache Source = "cache"
)

type listenerEntry struct {
	fn     Listener
	filter []string
}

// Store owns one wizard State.
type Store struct {
	mu        sync.Mutex
	state     wizard.State
	history   []Snapshot
	histStart int
	histLen   int

	listenerMu sync.RWMutex
	listeners  map[int]listenerEntry
	nextID     int

	storage       storage.Storage
	key           string
	prefix        string
	version       string
	memoryOnly    bool
	storageOff    bool
	quotaWarned   bool
	unavailWarned bool
	onWarning     func(wizard.Notice)
	now           func() time.Time
	debug         bool
}

// New creates a store holding a fresh state. Call Init to hydrate it.
func New(opts Options) *Store {
	if opts.Key == "" {
		opts.Key = "wizard_state"
	}
	if opts.Prefix == "" {
		opts.Prefix = "wizard_"
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = DefaultHistoryCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		history:   make([]Snapshot, opts.HistoryCapacity),
		listeners: make(map[int]listenerEntry),
		storage:   opts.Storage,
		key:       opts.Key,
		prefix:    opts.Prefix,
		version:   opts.SessionVersion,
		onWarning: opts.OnWarning,
		now:       opts.Now,
		debug:     opts.Debug,
	}
	s.state = wizard.NewState(s.version, s.now())
	if s.storage == nil {
		s.memoryOnly = true
	}
	return s
}

// Init builds the initial state. Fresh sessions and edit snapshots clear the
// persisted blob before they are applied; otherwise a cached blob with a
// matching session version is resumed.
func (s *Store) Init(ctx context.Context, opts InitOptions) (Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.storage != nil && !s.memoryOnly {
		if err := storage.Probe(ctx, s.storage, s.prefix); err != nil {
			log.Printf("[store] Storage unavailable, continuing in memory: %v", err)
			s.memoryOnly = true
		}
	}
	if s.memoryOnly && !s.unavailWarned {
		s.unavailWarned = true
		s.warn(wizard.Notice{
			Level:   wizard.NoticeWarning,
			Message: "Progress cannot be saved in this browser. Your answers will be lost if you reload the page.",
		})
	}

	now := s.now()
	source := SourceNew
	state := wizard.NewState(s.version, now)

	switch {
	case opts.Fresh:
		source = SourceFresh
		if err := s.clearLocked(ctx); err != nil {
			log.Printf("[store] Failed to clear cache for fresh session: %v", err)
		}

	case opts.Snapshot != nil:
		source = SourceEdit
		if err := s.clearLocked(ctx); err != nil {
			log.Printf("[store] Failed to clear cache before edit hydration: %v", err)
		}
		state = normalizeSnapshot(*opts.Snapshot)
		state.WizardMode = wizard.ModeEdit
		state.SessionVersion = s.version
		if state.StartedAt.IsZero() {
			state.StartedAt = now
		}
		state.LastActivityAt = now

	default:
		if cached, ok := s.loadLocked(ctx); ok {
			source = SourceCache
			state = cached
		}
	}

	s.state = state
	s.histStart, s.histLen = 0, 0
	s.record(Snapshot{State: state.Clone(), At: now})
	s.persistLocked(ctx, state)

	if s.debug {
		log.Printf("[store] Initialized from %s (step=%s, mode=%s)", source, state.CurrentStep, state.WizardMode)
	}
	return source, nil
}

func normalizeSnapshot(st wizard.State) wizard.State {
	m, err := st.ToMap()
	if err != nil {
		return st.Clone()
	}
	out, err := wizard.StateFromMap(m)
	if err != nil {
		return st.Clone()
	}
	if !out.CurrentStep.Valid() {
		out.CurrentStep = wizard.StepBasic
	}
	return out
}

func (s *Store) loadLocked(ctx context.Context) (wizard.State, bool) {
	if s.memoryOnly {
		return wizard.State{}, false
	}
	raw, err := s.storage.Get(ctx, s.key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("[store] Failed to read cached state: %v", err)
		}
		return wizard.State{}, false
	}

	var tree map[string]interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		log.Printf("[store] Discarding unreadable cached state: %v", err)
		_ = s.storage.Remove(ctx, s.key)
		return wizard.State{}, false
	}
	st, err := wizard.StateFromMap(tree)
	if err != nil || !st.CurrentStep.Valid() {
		log.Printf("[store] Discarding invalid cached state")
		_ = s.storage.Remove(ctx, s.key)
		return wizard.State{}, false
	}
	if st.SessionVersion != s.version {
		log.Printf("[store] Discarding cached state from session version %q (current %q)", st.SessionVersion, s.version)
		_ = s.storage.Remove(ctx, s.key)
		return wizard.State{}, false
	}
	return st, true
}

// State returns a copy of the current state.
func (s *Store) State() wizard.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Get returns a deep copy of the value at a dot-separated path of JSON field
// names ("stepData.basic.name"). An empty path returns the whole state tree.
func (s *Store) Get(path string) (interface{}, bool) {
	s.mu.Lock()
	tree, err := s.state.ToMap()
	s.mu.Unlock()
	if err != nil {
		return nil, false
	}

	var cur interface{} = tree
	if path == "" {
		return cur, true
	}
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return wizard.CopyValue(cur), true
}

// Set applies patch and returns the resulting state. Every field is deep
// merged except step data: each step present in patch["stepData"] replaces
// the stored map for that step wholesale. completedSteps and visitedSteps only
// grow unless opts.Reset is set. An empty patch, or one that changes nothing,
// is a no-op.
func (s *Store) Set(patch Patch, opts SetOptions) (wizard.State, error) {
	if len(patch) == 0 {
		return s.State(), nil
	}

	clean, ok := Sanitize(map[string]interface{}(patch)).(map[string]interface{})
	if !ok {
		return s.State(), fmt.Errorf("store: patch is not an object")
	}

	s.mu.Lock()
	oldState := s.state
	tree, err := oldState.ToMap()
	if err != nil {
		s.mu.Unlock()
		return oldState.Clone(), err
	}
	oldTree, _ := oldState.ToMap()

	applyPatch(tree, clean, opts.Reset)

	newState, err := wizard.StateFromMap(tree)
	if err != nil {
		s.mu.Unlock()
		return oldState.Clone(), fmt.Errorf("store: %w", err)
	}
	if !newState.CurrentStep.Valid() {
		s.mu.Unlock()
		return oldState.Clone(), fmt.Errorf("store: %q is not a wizard step", newState.CurrentStep)
	}

	newTree, _ := newState.ToMap()
	changed := diffKeys(oldTree, newTree)
	if len(changed) == 0 {
		s.mu.Unlock()
		return oldState.Clone(), nil
	}

	if !opts.Silent {
		newState.LastActivityAt = s.now()
		changed = appendKey(changed, "lastActivityAt")

		_, explicit := clean["hasUnsavedChanges"]
		if stepDataChanged(changed) && !explicit {
			if !newState.HasUnsavedChanges {
				changed = appendKey(changed, "hasUnsavedChanges")
			}
			if !newState.IsDirty {
				changed = appendKey(changed, "isDirty")
			}
			newState.HasUnsavedChanges = true
			newState.IsDirty = true
		}
		sort.Strings(changed)

		if !opts.SkipHistory {
			s.record(Snapshot{State: newState.Clone(), At: newState.LastActivityAt, Changed: changed})
		}
	}

	s.state = newState
	if !opts.SkipStorage {
		s.persistLocked(context.Background(), newState)
	}
	result := newState.Clone()
	s.mu.Unlock()

	if !opts.Silent {
		s.notify(result, oldState.Clone(), changed)
	}
	return result, nil
}

// Reset discards all progress and returns to a fresh create-mode state. It is
// the only operation that shrinks completedSteps.
func (s *Store) Reset(ctx context.Context) wizard.State {
	s.mu.Lock()
	oldState := s.state
	fresh := wizard.NewState(s.version, s.now())
	s.state = fresh
	s.record(Snapshot{State: fresh.Clone(), At: fresh.LastActivityAt, Changed: []string{"*"}})
	s.persistLocked(ctx, fresh)
	s.mu.Unlock()

	oldTree, _ := oldState.ToMap()
	newTree, _ := fresh.ToMap()
	s.notify(fresh.Clone(), oldState.Clone(), diffKeys(oldTree, newTree))
	return fresh.Clone()
}

// Subscribe registers fn for state changes. With a filter, fn only runs when
// a changed key equals a filter entry or is nested inside/around it.
func (s *Store) Subscribe(fn Listener, filter ...string) func() {
	s.listenerMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listenerEntry{fn: fn, filter: filter}
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *Store) notify(newState, oldState wizard.State, changed []string) {
	s.listenerMu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	entries := make([]listenerEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, s.listeners[id])
	}
	s.listenerMu.RUnlock()

	for _, e := range entries {
		if len(e.filter) > 0 && !matchesFilter(changed, e.filter) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[store] Listener panicked: %v", r)
				}
			}()
			e.fn(newState.Clone(), oldState.Clone(), append([]string(nil), changed...))
		}()
	}
}

func matchesFilter(changed, filter []string) bool {
	for _, f := range filter {
		for _, c := range changed {
			if c == f || strings.HasPrefix(c, f+".") || strings.HasPrefix(f, c+".") {
				return true
			}
		}
	}
	return false
}

// History returns the recorded snapshots, oldest first.
func (s *Store) History() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, s.histLen)
	for i := 0; i < s.histLen; i++ {
		snap := s.history[(s.histStart+i)%len(s.history)]
		snap.State = snap.State.Clone()
		snap.Changed = append([]string(nil), snap.Changed...)
		out = append(out, snap)
	}
	return out
}

func (s *Store) record(snap Snapshot) {
	capacity := len(s.history)
	if s.histLen < capacity {
		s.history[(s.histStart+s.histLen)%capacity] = snap
		s.histLen++
		return
	}
	s.history[s.histStart] = snap
	s.histStart = (s.histStart + 1) % capacity
}

// ClearPersisted removes every wizard-owned key from the client cache.
func (s *Store) ClearPersisted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked(ctx)
}

func (s *Store) clearLocked(ctx context.Context) error {
	if s.memoryOnly {
		return nil
	}
	if err := s.storage.Remove(ctx, s.key); err != nil {
		return err
	}
	_, err := storage.PurgePrefix(ctx, s.storage, s.prefix)
	return err
}

// Flush writes the current state even when storage was disabled after a
// quota failure. A successful write re-enables storage.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memoryOnly {
		return storage.ErrUnavailable
	}
	raw, err := encodeState(s.state)
	if err != nil {
		return err
	}
	if err := s.write(ctx, raw); err != nil {
		return err
	}
	if s.storageOff {
		log.Printf("[store] Storage re-enabled after successful write")
	}
	s.storageOff = false
	s.quotaWarned = false
	return nil
}

// StorageEnabled reports whether Set currently persists.
func (s *Store) StorageEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.memoryOnly && !s.storageOff
}

// MemoryOnly reports whether the store runs without any persistent storage.
func (s *Store) MemoryOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memoryOnly
}

func encodeState(st wizard.State) ([]byte, error) {
	tree, err := st.ToMap()
	if err != nil {
		return nil, err
	}
	return json.Marshal(Sanitize(tree))
}

func (s *Store) write(ctx context.Context, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	err := s.storage.Set(ctx, s.key, raw)
	if err == nil || !errors.Is(err, storage.ErrQuotaExceeded) {
		return err
	}

	removed, perr := storage.PurgeExcept(ctx, s.storage, s.key)
	if perr != nil {
		log.Printf("[store] Compaction failed: %v", perr)
	} else if s.debug {
		log.Printf("[store] Quota exceeded, removed %d cached keys", removed)
	}
	return s.storage.Set(ctx, s.key, raw)
}

// persistLocked writes st unless storage is off. A quota failure that
// survives one compaction disables storage and warns once.
func (s *Store) persistLocked(ctx context.Context, st wizard.State) {
	if s.memoryOnly || s.storageOff {
		return
	}
	raw, err := encodeState(st)
	if err != nil {
		log.Printf("[store] Failed to encode state: %v", err)
		return
	}

	err = s.write(ctx, raw)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrQuotaExceeded):
		s.storageOff = true
		log.Printf("[store] Storage quota exhausted, persistence disabled: %v", err)
		if !s.quotaWarned {
			s.quotaWarned = true
			s.warn(wizard.Notice{
				Level:      wizard.NoticeWarning,
				Message:    "Browser storage is full. Progress is kept on this page but will not survive a reload.",
				Persistent: true,
			})
		}
	default:
		log.Printf("[store] Failed to persist state: %v", err)
	}
}

func (s *Store) warn(n wizard.Notice) {
	if s.onWarning != nil {
		s.onWarning(n)
	}
}

func applyPatch(dst, src map[string]interface{}, reset bool) {
	for k, v := range src {
		switch k {
		case "stepData":
			incoming, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			cur, _ := dst["stepData"].(map[string]interface{})
			if cur == nil {
				cur = make(map[string]interface{})
			}
			for step, fields := range incoming {
				cur[step] = fields
			}
			dst["stepData"] = cur

		case "completedSteps", "visitedSteps":
			if reset {
				dst[k] = v
				continue
			}
			dst[k] = unionSteps(dst[k], v)

		default:
			mergeValue(dst, k, v)
		}
	}
}

func mergeValue(dst map[string]interface{}, key string, v interface{}) {
	src, ok := v.(map[string]interface{})
	if !ok {
		dst[key] = v
		return
	}
	cur, ok := dst[key].(map[string]interface{})
	if !ok {
		dst[key] = v
		return
	}
	for k, item := range src {
		mergeValue(cur, k, item)
	}
}

func unionSteps(a, b interface{}) interface{} {
	merged := wizard.MergeSteps(toSteps(a), toSteps(b))
	out := make([]interface{}, len(merged))
	for i, step := range merged {
		out[i] = string(step)
	}
	return out
}

func toSteps(v interface{}) []wizard.Step {
	list, _ := v.([]interface{})
	out := make([]wizard.Step, 0, len(list))
	for _, item := range list {
		if str, ok := item.(string); ok {
			out = append(out, wizard.Step(str))
		}
	}
	return out
}

func diffKeys(oldTree, newTree map[string]interface{}) []string {
	var changed []string
	for k, nv := range newTree {
		if k == "stepData" {
			oldData, _ := oldTree[k].(map[string]interface{})
			newData, _ := nv.(map[string]interface{})
			for step, fields := range newData {
				if !reflect.DeepEqual(oldData[step], fields) {
					changed = append(changed, "stepData."+step)
				}
			}
			continue
		}
		if !reflect.DeepEqual(oldTree[k], nv) {
			changed = append(changed, k)
		}
	}
	for k := range oldTree {
		if _, ok := newTree[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func stepDataChanged(keys []string) bool {
	for _, k := range keys {
		if strings.HasPrefix(k, "stepData.") {
			return true
		}
	}
	return false
}

func hasKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func appendKey(keys []string, key string) []string {
	if hasKey(keys, key) {
		return keys
	}
	return append(keys, key)
}
