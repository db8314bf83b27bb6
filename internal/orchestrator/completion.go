package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/events"
	"github.com/livetemplate/wizard/internal/navigation"
	"github.com/livetemplate/wizard/internal/security"
	"github.com/livetemplate/wizard/internal/store"
	"github.com/livetemplate/wizard/internal/transport"
)

// Extension is the wizard-specific part of the orchestrator: what counts as
// completable and what is submitted on completion.
type Extension interface {
	Init(o *Orchestrator) error
	BindEvents(sub wizard.Subscriber)
	Destroy()
	CollectData(state wizard.State, saveAsDraft bool) interface{}
	ValidateData(state wizard.State, saveAsDraft bool) error
}

// Campaign is the Extension for the campaign wizard. A draft only needs a
// name; publishing needs every step to validate.
type Campaign struct {
	o     *Orchestrator
	unsub func()
}

// NewCampaign creates the campaign extension.
func NewCampaign() *Campaign { return &Campaign{} }

func (c *Campaign) Init(o *Orchestrator) error {
	c.o = o
	return nil
}

// BindEvents drops the session's rendered snapshots once the campaign is
// submitted; they describe a wizard that no longer exists.
func (c *Campaign) BindEvents(sub wizard.Subscriber) {
	c.unsub = sub.Subscribe(events.WizardCompleted, func(interface{}) {
		c.o.dropSnapshots()
	})
}

func (c *Campaign) Destroy() {
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
}

func (c *Campaign) CollectData(state wizard.State, saveAsDraft bool) interface{} {
	return transport.CompletePayload{SaveAsDraft: saveAsDraft, CampaignID: state.CampaignID}
}

func (c *Campaign) ValidateData(state wizard.State, saveAsDraft bool) error {
	if saveAsDraft {
		if strings.TrimSpace(state.StepData[wizard.StepBasic].String("name")) == "" {
			return wizard.NewError(wizard.KindValidation, "Give the campaign a name before saving it as a draft.").
				WithStep(wizard.StepBasic).
				WithFields(map[string]string{"name": "A name is required to save a draft."})
		}
		return nil
	}

	for _, step := range wizard.Steps {
		v, ok := c.o.Validator(step)
		if !ok {
			return wizard.NewError(wizard.KindModuleMissing, fmt.Sprintf("The %s step could not be checked.", step)).WithStep(step)
		}
		if err := v.ValidateData(state.Data(step)); err != nil {
			we := *wizard.Classify(err)
			if we.Step == "" {
				we.Step = step
			}
			return &we
		}
	}
	return nil
}

// Complete implements navigation.Completer. The active step is saved one
// last time before the completion is submitted, so an edit that has not yet
// triggered its own save is not lost.
func (o *Orchestrator) Complete(ctx context.Context, saveAsDraft bool) (*wizard.CompletionResult, error) {
	o.mu.Lock()
	if o.expired {
		o.mu.Unlock()
		return nil, wizard.ErrSessionExpired
	}
	draft := saveAsDraft
	o.lastDraft = &draft
	o.mu.Unlock()

	st := o.Store()
	if _, err := st.Set(store.Patch{"isProcessing": true}, store.SetOptions{Silent: true, SkipHistory: true}); err != nil {
		log.Printf("[orchestrator] Failed to mark processing: %v", err)
	}

	ext := o.opts.Extension
	if err := ext.ValidateData(st.State(), saveAsDraft); err != nil {
		return nil, o.completionFailed(err, saveAsDraft)
	}

	if _, ok := o.Module(st.State().CurrentStep); ok {
		if _, err := o.Engine().Save(ctx); err != nil {
			return nil, o.completionFailed(err, saveAsDraft)
		}
	}

	payload := ext.CollectData(st.State(), saveAsDraft)
	retry := o.retryConfig()
	retry.OnRetry = func(attempt int, err error) {
		o.opts.View.ShowNotice(wizard.Notice{Level: wizard.NoticeInfo, Message: "Connection problem, retrying…"})
	}
	result, err := transport.WithRetry(ctx, "complete_wizard", retry, func(ctx context.Context) (*wizard.CompletionResult, error) {
		raw, err := o.opts.Transport.Post(ctx, transport.ActionCompleteWizard, payload, wizard.PostOptions{
			Timeout: o.cfg.Transport.GetTimeout(),
		})
		if err != nil {
			return nil, err
		}
		var res wizard.CompletionResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, &wizard.Error{Kind: wizard.KindServer, Code: transport.CodeInvalidResponse, Message: "the completion response could not be read", Raw: string(raw), Err: err}
		}
		return &res, nil
	})
	if err != nil {
		return nil, o.completionFailed(err, saveAsDraft)
	}

	patch := store.Patch{
		"isCompleted":       true,
		"isProcessing":      false,
		"hasUnsavedChanges": false,
		"isDirty":           false,
	}
	if result.CampaignID != "" {
		patch["campaignId"] = result.CampaignID
	}
	if _, err := st.Set(patch, store.SetOptions{}); err != nil {
		log.Printf("[orchestrator] Failed to record completion: %v", err)
	}

	message := result.Message
	if message == "" {
		message = "Campaign published."
		if saveAsDraft {
			message = "Campaign saved as a draft."
		}
	}
	o.opts.View.ShowNotice(wizard.Notice{Level: wizard.NoticeInfo, Message: message})

	o.mu.Lock()
	o.lastDraft = nil
	if o.autosaveTimer != nil {
		o.autosaveTimer.Stop()
		o.autosaveTimer = nil
	}
	if result.RedirectURL != "" {
		if err := security.ValidateRedirect(result.RedirectURL, o.cfg.Transport.RedirectHosts...); err != nil {
			log.Printf("[orchestrator] Ignoring completion redirect %q: %v", result.RedirectURL, err)
			result.RedirectURL = ""
		}
	}
	if result.RedirectURL != "" {
		to := result.RedirectURL
		o.completeTimer = time.AfterFunc(o.cfg.Timing.GetCompleteRedirect(), func() {
			o.mu.Lock()
			stopped := o.expired || o.destroyed
			o.mu.Unlock()
			if stopped {
				return
			}
			o.markInternal()
			o.opts.View.Redirect(to)
		})
	}
	o.mu.Unlock()

	o.Bus().Publish(events.WizardCompleted, result)
	if o.opts.Observer != nil {
		o.opts.Observer.CompletionFinished("success")
	}
	log.Printf("[orchestrator] Campaign %s completed (%s)", result.CampaignID, result.Status)
	return result, nil
}

// completionFailed clears the processing flags, surfaces err and announces
// the failure so a retry can be offered.
func (o *Orchestrator) completionFailed(err error, saveAsDraft bool) error {
	we := wizard.Classify(err)

	if _, serr := o.Store().Set(store.Patch{"isProcessing": false, "isSaving": false}, store.SetOptions{Silent: true, SkipHistory: true}); serr != nil {
		log.Printf("[orchestrator] Failed to clear processing flags: %v", serr)
	}
	if o.opts.Observer != nil {
		o.opts.Observer.CompletionFinished(we.Kind.String())
	}

	if we.Kind == wizard.KindSessionExpired {
		if !o.Expired() {
			o.Bus().Publish(events.SessionExpired, map[string]interface{}{"code": we.Code, "message": wizard.UserMessage(we)})
		}
		return we
	}

	if we.Kind == wizard.KindValidation && len(we.Fields) > 0 && we.Step != "" {
		o.opts.View.ShowFieldErrors(we.Step, we.Fields)
	}
	message := wizard.UserMessage(we)
	if we.Kind == wizard.KindValidation && we.Step != "" {
		message = fmt.Sprintf("%s (%s step)", message, o.cfg.Step(string(we.Step)).Title)
	}
	// The page attaches its retry button to this notice, so it stays up.
	o.opts.View.ShowNotice(wizard.Notice{Level: wizard.NoticeError, Message: message, Persistent: true})

	o.Bus().Publish(events.CompletionFailed, map[string]interface{}{
		"step":        string(we.Step),
		"kind":        we.Kind.String(),
		"code":        we.Code,
		"message":     message,
		"saveAsDraft": saveAsDraft,
	})
	log.Printf("[orchestrator] Completion failed: %v", we)
	return we
}

// RetryCompletion replays the last failed completion with the same draft
// or publish choice.
func (o *Orchestrator) RetryCompletion(ctx context.Context) (navigation.Outcome, error) {
	o.mu.Lock()
	last := o.lastDraft
	o.mu.Unlock()
	if last == nil {
		return navigation.Outcome{}, fmt.Errorf("no completion to retry")
	}
	return o.Engine().Navigate(ctx, wizard.NavigationRequest{Action: wizard.ActionComplete, SaveAsDraft: *last})
}
