// Package backend is the server half of the wizard transport protocol. It
// stores campaigns in memory and is the only authority on which steps are
// complete and where the browser goes next.
package backend

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/config"
	"github.com/livetemplate/wizard/internal/transport"
)

// maxRequestBodySize limits the size of incoming request bodies (1MB)
const maxRequestBodySize = 1 << 20

// Campaign statuses.
const (
	StatusInProgress = "in_progress"
	StatusDraft      = "draft"
	StatusActive     = "active"
)

// Campaign is one campaign as the backend knows it.
type Campaign struct {
	ID             string                          `json:"id"`
	Status         string                          `json:"status"`
	StepData       map[wizard.Step]wizard.FieldMap `json:"stepData"`
	CompletedSteps []wizard.Step                   `json:"completedSteps"`
	CreatedAt      time.Time                       `json:"createdAt"`
	UpdatedAt      time.Time                       `json:"updatedAt"`
}

func (c *Campaign) clone() *Campaign {
	out := *c
	out.CompletedSteps = append([]wizard.Step{}, c.CompletedSteps...)
	out.StepData = make(map[wizard.Step]wizard.FieldMap, len(c.StepData))
	for step, data := range c.StepData {
		out.StepData[step] = data.Clone()
	}
	return &out
}

// Options configures a Handler.
type Options struct {
	Config *config.Config

	// Redirect makes step saves answer with the next step's URL, so the
	// browser reloads into a server-rendered page.
	Redirect bool

	// CampaignPath is where the browser goes after completion.
	CampaignPath string

	Now   func() time.Time
	Debug bool
}

// Handler serves POST /api/wizard.
type Handler struct {
	opts Options

	mu        sync.RWMutex
	sessions  map[string]*session
	campaigns map[string]*Campaign
}

type session struct {
	campaignID string
	expired    bool
}

// New creates a backend handler.
func New(opts Options) *Handler {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.CampaignPath == "" {
		opts.CampaignPath = "/campaigns"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		opts:      opts,
		sessions:  make(map[string]*session),
		campaigns: make(map[string]*Campaign),
	}
}

// OpenSession registers a browsing session with no campaign yet, replacing
// any earlier registration. Requests from unknown sessions are answered as
// expired.
func (h *Handler) OpenSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sessionID] = &session{}
}

// AttachCampaign binds sessionID to an existing campaign for editing.
func (h *Handler) AttachCampaign(sessionID, campaignID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.campaigns[campaignID]; !ok {
		return fmt.Errorf("campaign %s not found", campaignID)
	}
	h.sessions[sessionID] = &session{campaignID: campaignID}
	return nil
}

// ExpireSession makes every later request from sessionID fail with
// session_expired.
func (h *Handler) ExpireSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[sessionID]; ok {
		s.expired = true
	}
}

// Expired reports whether sessionID was expired.
func (h *Handler) Expired(sessionID string) bool {
	s, ok := h.session(sessionID)
	return ok && s.expired
}

// Campaign returns a copy of the campaign with id.
func (h *Handler) Campaign(id string) (*Campaign, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.campaigns[id]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// Campaigns lists every campaign, newest first.
func (h *Handler) Campaigns() []*Campaign {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Campaign, 0, len(h.campaigns))
	for _, c := range h.campaigns {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Snapshot returns the edit-mode hydration state for a campaign.
func (h *Handler) Snapshot(id string) (*wizard.State, bool) {
	c, ok := h.Campaign(id)
	if !ok {
		return nil, false
	}
	st := wizard.NewState(h.opts.Config.SessionVersion, h.opts.Now())
	st.WizardMode = wizard.ModeEdit
	st.CampaignID = c.ID
	st.CompletedSteps = c.CompletedSteps
	st.VisitedSteps = wizard.MergeSteps(st.VisitedSteps, c.CompletedSteps)
	for step, data := range c.StepData {
		st.StepData[step] = data
	}
	return &st, true
}

// ServeHTTP dispatches one wizard action.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST method is allowed", "method_not_allowed", nil)
		return
	}

	sessionID := r.Header.Get(transport.SessionHeader)
	sess, ok := h.session(sessionID)
	if !ok || sess.expired {
		writeError(w, http.StatusUnauthorized, "your session has expired", "session_expired", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", "bad_request", nil)
		return
	}
	if len(body) > maxRequestBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "payload_too_large", nil)
		return
	}

	var req transport.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "bad_request", nil)
		return
	}

	if h.opts.Debug {
		log.Printf("[API] %s from session %s", req.Action, sessionID)
	}

	switch req.Action {
	case transport.ActionSaveStep:
		h.handleSaveStep(w, sessionID, req.Payload)
	case transport.ActionCompleteWizard:
		h.handleComplete(w, sessionID, req.Payload)
	case transport.ActionLoadCampaign:
		h.handleLoad(w, req.Payload)
	default:
		writeError(w, http.StatusNotFound, "unknown action: "+req.Action, "unknown_action", nil)
	}
}

func (h *Handler) session(id string) (session, bool) {
	if id == "" {
		return session{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	if !ok {
		return session{}, false
	}
	return *s, true
}

func (h *Handler) handleSaveStep(w http.ResponseWriter, sessionID string, raw json.RawMessage) {
	var p transport.SaveStepPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error(), "bad_request", nil)
		return
	}
	if !p.Step.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown step %q", p.Step), "bad_request", nil)
		return
	}

	if fields := missingFields(h.opts.Config.Step(string(p.Step)).Required, p.Data); len(fields) > 0 {
		writeError(w, http.StatusUnprocessableEntity, "Please fill in the required fields.", "validation", fields)
		return
	}

	now := h.opts.Now()
	h.mu.Lock()
	c, err := h.campaignForLocked(sessionID, p.CampaignID, now)
	if err != nil {
		h.mu.Unlock()
		writeError(w, http.StatusNotFound, err.Error(), "not_found", nil)
		return
	}
	c.StepData[p.Step] = p.Data.Clone()
	c.CompletedSteps = wizard.MergeSteps(c.CompletedSteps, []wizard.Step{p.Step})
	c.UpdatedAt = now
	result := wizard.SaveResult{
		Message:        "Step saved",
		CompletedSteps: append([]wizard.Step{}, c.CompletedSteps...),
		CampaignID:     c.ID,
	}
	h.mu.Unlock()

	if h.opts.Redirect && p.Step != wizard.StepReview {
		result.RedirectURL = h.opts.Config.BasePath + "?step=" + url.QueryEscape(string(p.Step.Next()))
	}
	writeData(w, result)
}

// campaignForLocked finds the session's campaign, creating it on the first
// save. Callers hold h.mu.
func (h *Handler) campaignForLocked(sessionID, campaignID string, now time.Time) (*Campaign, error) {
	sess := h.sessions[sessionID]
	if campaignID == "" {
		campaignID = sess.campaignID
	}
	if campaignID != "" {
		c, ok := h.campaigns[campaignID]
		if !ok {
			return nil, fmt.Errorf("campaign %s not found", campaignID)
		}
		sess.campaignID = c.ID
		return c, nil
	}

	c := &Campaign{
		ID:             uuid.NewString(),
		Status:         StatusInProgress,
		StepData:       make(map[wizard.Step]wizard.FieldMap),
		CompletedSteps: []wizard.Step{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	h.campaigns[c.ID] = c
	sess.campaignID = c.ID
	log.Printf("[API] Created campaign %s", c.ID)
	return c, nil
}

func (h *Handler) handleComplete(w http.ResponseWriter, sessionID string, raw json.RawMessage) {
	var p transport.CompletePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error(), "bad_request", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := p.CampaignID
	if id == "" {
		id = h.sessions[sessionID].campaignID
	}
	c, ok := h.campaigns[id]
	if !ok {
		writeError(w, http.StatusNotFound, "campaign not found", "not_found", nil)
		return
	}

	if p.SaveAsDraft {
		if strings.TrimSpace(c.StepData[wizard.StepBasic].String("name")) == "" {
			writeError(w, http.StatusUnprocessableEntity, "A draft needs a name.", "validation", map[string]string{"name": "A name is required to save a draft."})
			return
		}
		c.Status = StatusDraft
	} else {
		for _, step := range wizard.Steps {
			if step == wizard.StepReview {
				continue
			}
			if !containsStep(c.CompletedSteps, step) {
				writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("Complete the %s step before publishing.", step), "validation", nil)
				return
			}
		}
		c.Status = StatusActive
		c.CompletedSteps = wizard.MergeSteps(c.CompletedSteps, []wizard.Step{wizard.StepReview})
	}
	c.UpdatedAt = h.opts.Now()

	message := "Campaign published."
	if p.SaveAsDraft {
		message = "Campaign saved as a draft."
	}
	log.Printf("[API] Campaign %s is now %s", c.ID, c.Status)
	writeData(w, wizard.CompletionResult{
		Message:     message,
		CampaignID:  c.ID,
		Status:      c.Status,
		RedirectURL: h.opts.CampaignPath + "/" + c.ID,
	})
}

func (h *Handler) handleLoad(w http.ResponseWriter, raw json.RawMessage) {
	var p transport.LoadCampaignPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error(), "bad_request", nil)
		return
	}
	st, ok := h.Snapshot(p.CampaignID)
	if !ok {
		writeError(w, http.StatusNotFound, "campaign not found", "not_found", nil)
		return
	}
	writeData(w, st)
}

func missingFields(required []string, data wizard.FieldMap) map[string]string {
	missing := map[string]string{}
	for _, name := range required {
		v, ok := data[name]
		if !ok || v == nil {
			missing[name] = "This field is required."
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing[name] = "This field is required."
		}
	}
	return missing
}

func containsStep(steps []wizard.Step, step wizard.Step) bool {
	for _, s := range steps {
		if s == step {
			return true
		}
	}
	return false
}

func writeData(w http.ResponseWriter, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode response", "server_error", nil)
		return
	}
	writeJSON(w, http.StatusOK, transport.Envelope{Success: true, Data: raw})
}

func writeError(w http.ResponseWriter, status int, message, code string, fields map[string]string) {
	writeJSON(w, status, transport.Envelope{
		Success: false,
		Error:   &transport.EnvelopeError{Message: message, Code: code, Fields: fields},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Error encoding JSON response: %v", err)
	}
}
