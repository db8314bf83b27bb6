// Package events provides the wizard event channel. Producers are the state
// machine components; consumers (save indicator, completion dialog, help
// panel, the websocket bridge) subscribe read-only.
package events

import (
	"log"
	"sort"
	"sync"
)

// Event names published by the wizard.
const (
	StepLoaded        = "step:loaded"
	StepPopulateError = "step:populate-error"
	WizardInitialized = "wizard:initialized"
	WizardCompleted   = "wizard:completed"
	CompletionFailed  = "wizard:completion-error"
	SessionExpired    = "session:expired"
	SaveStart         = "save:start"
	SaveSuccess       = "save:success"
	SaveError         = "save:error"
	StorageWarning    = "storage:warning"

	// All subscribes to every event.
	All = "*"
)

// Event is one published occurrence.
type Event struct {
	Name string      `json:"name"`
	Data interface{} `json:"data,omitempty"`
}

type subscription struct {
	id int
	fn func(data interface{})
}

// Bus is an in-process publish/subscribe channel. Handlers run synchronously
// on the publishing goroutine, in subscription order, so a handler must not
// block.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscription
	all    []func(Event)
	debug  bool
}

// NewBus creates an empty event bus.
func NewBus(debug bool) *Bus {
	return &Bus{
		subs:  make(map[string][]subscription),
		debug: debug,
	}
}

// Publish delivers data to every subscriber of name and to wildcard
// subscribers. A panicking handler is logged and skipped.
func (b *Bus) Publish(name string, data interface{}) {
	b.mu.RLock()
	handlers := make([]func(interface{}), 0, len(b.subs[name]))
	for _, s := range b.subs[name] {
		handlers = append(handlers, s.fn)
	}
	all := append([]func(Event){}, b.all...)
	b.mu.RUnlock()

	if b.debug {
		log.Printf("[events] %s (%d subscribers)", name, len(handlers)+len(all))
	}

	for _, fn := range handlers {
		b.safeCall(name, func() { fn(data) })
	}
	evt := Event{Name: name, Data: data}
	for _, fn := range all {
		b.safeCall(name, func() { fn(evt) })
	}
}

func (b *Bus) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[events] handler for %s panicked: %v", name, r)
		}
	}()
	fn()
}

// Subscribe registers fn for events called name and returns a function that
// removes the subscription. Subscribing to All is equivalent to SubscribeAll
// with the event payload only.
func (b *Bus) Subscribe(name string, fn func(data interface{})) func() {
	if name == All {
		return b.SubscribeAll(func(e Event) { fn(e.Data) })
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[name]
			for i, s := range list {
				if s.id == id {
					b.subs[name] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn func(Event)) func() {
	b.mu.Lock()
	idx := len(b.all)
	b.all = append(b.all, fn)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			// Keep positions stable for other unsubscribe closures.
			if idx < len(b.all) {
				b.all[idx] = func(Event) {}
			}
		})
	}
}

// Names returns the event names that currently have subscribers.
func (b *Bus) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.subs))
	for name, list := range b.subs {
		if len(list) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
