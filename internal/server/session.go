package server

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/config"
	"github.com/livetemplate/wizard/internal/events"
	"github.com/livetemplate/wizard/internal/orchestrator"
	"github.com/livetemplate/wizard/internal/steps"
	"github.com/livetemplate/wizard/internal/store"
	"github.com/livetemplate/wizard/internal/transport"
)

// SessionCookie carries the browsing session id.
const SessionCookie = "wizard_session"

// inProcessEndpoint is the URL used when the backend is mounted in this
// process; requests never leave it.
const inProcessEndpoint = "http://in-process/api/wizard"

// session is one browsing session: an orchestrator plus the view that
// follows the session's current page.
type session struct {
	id     string
	orch   *orchestrator.Orchestrator
	view   *socketView
	source store.Source

	mu       sync.Mutex
	lastSeen time.Time
	unsubs   []func()
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *session) close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	s.orch.Destroy()
}

type sessionOptions struct {
	fresh bool
	edit  *wizard.State
}

// newSession builds and initializes the orchestrator of session id.
func (s *Server) newSession(ctx context.Context, id string, opts sessionOptions) (*session, error) {
	cfg, renderer, bundles := s.current()
	debug := s.debug || config.IsDebug()

	view := newSocketView(renderer, debug)
	stepOpts := []steps.Option{
		steps.WithFieldErrorReporter(view.ShowFieldErrors),
		steps.WithTimeout(cfg.Transport.GetTimeout()),
	}

	o := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		SessionID: id,
		Storage:   s.storage.ForSession(id),
		Transport: s.transportFor(cfg, id, debug),
		View:      view,
		Events:    events.NewBus(debug),
		Snapshots: s.snapshots,
		Factories: steps.Registry(cfg, stepOpts...),
		Bundles:   bundles.With(stepOpts...),
		Observer:  s.metrics,
		Fresh:     opts.fresh,
		Edit:      opts.edit,
		Now:       s.now,
		Debug:     debug,
	})

	sess := &session{id: id, orch: o, view: view, lastSeen: s.now()}
	sess.unsubs = append(sess.unsubs,
		o.Bus().SubscribeAll(func(ev events.Event) { view.Event(ev.Name, ev.Data) }),
		o.Store().Subscribe(func(newState, oldState wizard.State, changed []string) {
			view.Guard(o.ShouldWarnOnUnload())
		}, "hasUnsavedChanges"),
	)

	source, err := o.Init(ctx)
	if err != nil {
		sess.close()
		return nil, err
	}
	sess.source = source
	s.metrics.SessionOpened()

	log.Printf("[Server] Session %s started (%s)", id, source)
	return sess, nil
}

func (s *Server) transportFor(cfg *config.Config, sessionID string, debug bool) wizard.Transport {
	opts := transport.Options{
		Endpoint:  cfg.Transport.Endpoint,
		SessionID: sessionID,
		Timeout:   cfg.Transport.GetTimeout(),
		Retry:     transport.RetryConfig{Backoff: cfg.Timing.GetRetryBackoff(), EnableLog: debug},
		Debug:     debug,
	}
	if opts.Endpoint == "" {
		opts.Endpoint = inProcessEndpoint
		opts.Client = transport.NewInProcessClient(s.api)
	}
	return transport.NewHTTP(opts)
}

// session returns the live session with id.
func (s *Server) session(id string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// sessionFor returns the session of the request's cookie, starting one
// when there is none. fresh and edit replace any existing session state.
func (s *Server) sessionFor(w http.ResponseWriter, r *http.Request, opts sessionOptions) (*session, error) {
	id := ""
	if c, err := r.Cookie(SessionCookie); err == nil {
		id = c.Value
	}

	if id != "" {
		if sess, ok := s.session(id); ok {
			if !opts.fresh && opts.edit == nil && !sess.orch.Expired() {
				sess.touch(s.now())
				return sess, nil
			}
			s.dropSession(id)
			if sess.orch.Expired() {
				id = ""
			}
		}
	}
	// An expired id is never revived; unknown ids resume from storage.
	if id == "" || s.backend.Expired(id) {
		id = uuid.NewString()
	}

	s.backend.OpenSession(id)
	if opts.edit != nil {
		if err := s.backend.AttachCampaign(id, opts.edit.CampaignID); err != nil {
			return nil, err
		}
	}

	sess, err := s.newSession(r.Context(), id, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess, nil
}

func (s *Server) dropSession(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		sess.close()
		s.metrics.SessionClosed()
	}
}

// ExpireSession ends session id: the backend rejects it from now on and the
// orchestrator halts with a persistent notice.
func (s *Server) ExpireSession(id string) {
	s.backend.ExpireSession(id)
	sess, ok := s.session(id)
	if !ok {
		return
	}
	sess.orch.Bus().Publish(events.SessionExpired, map[string]interface{}{"reason": "idle"})
	s.dropSession(id)
	log.Printf("[Server] Session %s expired", id)
}

// expireIdle ends every session idle for longer than the session timeout.
func (s *Server) expireIdle(now time.Time) {
	cfg, _, _ := s.current()
	timeout := cfg.Server.GetSessionTimeout()

	s.mu.RLock()
	var idle []string
	for id, sess := range s.sessions {
		if now.Sub(sess.idleSince()) > timeout {
			idle = append(idle, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range idle {
		s.ExpireSession(id)
	}
}

func (s *Server) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.expireIdle(s.now())
		case <-ctx.Done():
			return
		}
	}
}
