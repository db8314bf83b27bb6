package server

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/render"
)

// maxQueuedNotices bounds the notices kept while no browser is connected.
const maxQueuedNotices = 16

// ServerMessage is one view update sent to the browser.
type ServerMessage struct {
	Type       string             `json:"type"`
	Disabled   *bool              `json:"disabled,omitempty"`
	Label      *string            `json:"label,omitempty"`
	Step       wizard.Step        `json:"step,omitempty"`
	Current    wizard.Step        `json:"current,omitempty"`
	Completed  []wizard.Step      `json:"completed,omitempty"`
	URL        string             `json:"url,omitempty"`
	HTML       string             `json:"html,omitempty"`
	Level      wizard.NoticeLevel `json:"level,omitempty"`
	Message    string             `json:"message,omitempty"`
	Persistent bool               `json:"persistent,omitempty"`
	Name       string             `json:"name,omitempty"`
	Data       interface{}        `json:"data,omitempty"`
	Fields     map[string]string  `json:"fields,omitempty"`
	Warn       *bool              `json:"warn,omitempty"`
}

// socketView implements wizard.View by pushing messages over the session's
// websocket. The connection changes with every page load; notices raised
// while no page is connected are queued and delivered on attach.
type socketView struct {
	renderer *render.Renderer
	debug    bool

	mu      sync.Mutex
	conn    *websocket.Conn
	pending []ServerMessage
}

func newSocketView(r *render.Renderer, debug bool) *socketView {
	return &socketView{renderer: r, debug: debug}
}

// attach makes conn the target of view messages and flushes queued notices.
func (v *socketView) attach(conn *websocket.Conn) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conn = conn
	pending := v.pending
	v.pending = nil
	for _, msg := range pending {
		v.writeLocked(msg)
	}
}

// detach stops sending to conn if it is still the attached connection.
func (v *socketView) detach(conn *websocket.Conn) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.conn == conn {
		v.conn = nil
	}
}

func (v *socketView) send(msg ServerMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.conn == nil {
		if msg.Type == "notice" && len(v.pending) < maxQueuedNotices {
			v.pending = append(v.pending, msg)
		}
		return
	}
	v.writeLocked(msg)
}

func (v *socketView) writeLocked(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS] Failed to marshal %s message: %v", msg.Type, err)
		return
	}
	if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[WS] Failed to send message: %v", err)
		return
	}
	if v.debug {
		log.Printf("[WS] Sent: %s", data)
	}
}

func (v *socketView) SetControlsDisabled(disabled bool) {
	v.send(ServerMessage{Type: "controls", Disabled: &disabled})
}

func (v *socketView) SetBusyLabel(label string) {
	v.send(ServerMessage{Type: "busy", Label: &label})
}

func (v *socketView) RestoreLabels() {
	empty := ""
	v.send(ServerMessage{Type: "busy", Label: &empty})
}

func (v *socketView) ShowSkeleton(step wizard.Step) {
	v.send(ServerMessage{Type: "skeleton", Step: step, HTML: v.renderer.Skeleton(step)})
}

func (v *socketView) Redirect(url string) {
	v.send(ServerMessage{Type: "navigate", URL: url})
}

func (v *socketView) ReplaceURL(url string) {
	v.send(ServerMessage{Type: "replace-url", URL: url})
}

func (v *socketView) UpdateIndicators(current wizard.Step, completed []wizard.Step) {
	v.send(ServerMessage{Type: "indicators", Current: current, Completed: completed})
}

func (v *socketView) ShowNotice(n wizard.Notice) {
	v.send(ServerMessage{Type: "notice", Level: n.Level, Message: n.Message, Persistent: n.Persistent})
}

func (v *socketView) ShowFieldErrors(step wizard.Step, fields map[string]string) {
	v.send(ServerMessage{Type: "field-errors", Step: step, Fields: fields})
}

func (v *socketView) RenderShell(step wizard.Step) {
	v.send(ServerMessage{Type: "shell", Step: step, HTML: v.renderer.Shell(step)})
}

// Event forwards a wizard event to the page as a DOM event.
func (v *socketView) Event(name string, data interface{}) {
	v.send(ServerMessage{Type: "event", Name: name, Data: data})
}

// Guard tells the page whether leaving it should ask for confirmation.
func (v *socketView) Guard(warn bool) {
	v.send(ServerMessage{Type: "guard", Warn: &warn})
}
