// Package render produces the server-rendered wizard pages: the full step
// page, the skeleton placeholder shown while a transition runs, and the
// inert shell shown when a step module cannot be loaded.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"log"
	"strconv"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/config"
)

// PageData is everything needed to render one step page.
type PageData struct {
	Step      wizard.Step
	State     wizard.State
	SessionID string
	Locked    bool // Step is capability-gated for this user
}

// StepLink is one entry of the step indicator bar.
type StepLink struct {
	Step      wizard.Step
	Title     string
	URL       string
	Current   bool
	Completed bool
}

type pageView struct {
	Title     string
	Step      wizard.Step
	StepTitle string
	SessionID string
	Mode      wizard.Mode
	Help      template.HTML
	Fields    []Field
	Links     []StepLink
	First     bool
	Last      bool
	Locked    bool
	Summary   []summaryRow
}

type summaryRow struct {
	Title  string
	Fields []Field
}

// Renderer renders wizard pages for one configuration.
type Renderer struct {
	cfg  *config.Config
	md   goldmark.Markdown
	page *template.Template

	mu   sync.Mutex
	help map[wizard.Step]template.HTML
}

// New creates a Renderer. Help text is rendered once per step and cached.
func New(cfg *config.Config) *Renderer {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Renderer{
		cfg: cfg,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		page: template.Must(template.New("wizard").Parse(pageTemplate)),
		help: make(map[wizard.Step]template.HTML),
	}
}

// StepURL returns the page URL of step.
func (r *Renderer) StepURL(step wizard.Step) string {
	return r.cfg.BasePath + "?step=" + string(step)
}

// Help renders the Markdown help text configured for step.
func (r *Renderer) Help(step wizard.Step) template.HTML {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.help[step]; ok {
		return h
	}
	source := r.cfg.Step(string(step)).Help
	if source == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(source), &buf); err != nil {
		log.Printf("[render] Failed to render help for %s: %v", step, err)
		return ""
	}
	// Help comes from the operator's config file, not from users.
	h := template.HTML(buf.String())
	r.help[step] = h
	return h
}

// Links builds the step indicator bar for the current step.
func (r *Renderer) Links(current wizard.Step, completed []wizard.Step) []StepLink {
	done := make(map[wizard.Step]bool, len(completed))
	for _, s := range completed {
		done[s] = true
	}
	links := make([]StepLink, 0, len(wizard.Steps))
	for _, s := range wizard.Steps {
		links = append(links, StepLink{
			Step:      s,
			Title:     r.cfg.Step(string(s)).Title,
			URL:       r.StepURL(s),
			Current:   s == current,
			Completed: done[s],
		})
	}
	return links
}

// Page writes the full HTML page of data.Step.
func (r *Renderer) Page(w io.Writer, data PageData) error {
	step := data.Step
	if !step.Valid() {
		return fmt.Errorf("render: unknown step %q", step)
	}
	sc := r.cfg.Step(string(step))
	view := pageView{
		Title:     r.cfg.Title,
		Step:      step,
		StepTitle: sc.Title,
		SessionID: data.SessionID,
		Mode:      data.State.WizardMode,
		Help:      r.Help(step),
		Fields:    Fields(step, data.State.StepData[step], sc.Required),
		Links:     r.Links(step, data.State.CompletedSteps),
		First:     step == wizard.Steps[0],
		Last:      step == wizard.StepReview,
		Locked:    data.Locked,
	}
	if step == wizard.StepReview {
		for _, s := range wizard.Steps[:len(wizard.Steps)-1] {
			view.Summary = append(view.Summary, summaryRow{
				Title:  r.cfg.Step(string(s)).Title,
				Fields: Fields(s, data.State.StepData[s], nil),
			})
		}
	}
	return r.page.ExecuteTemplate(w, "page", view)
}

// Skeleton returns the placeholder markup shown while step loads.
func (r *Renderer) Skeleton(step wizard.Step) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<div class="wizard-skeleton" data-step="%s" aria-busy="true">`, template.HTMLEscapeString(string(step)))
	rows := len(stepFields[step])
	if rows == 0 {
		rows = 3
	}
	for i := 0; i < rows; i++ {
		buf.WriteString(`<div class="skeleton-label"></div><div class="skeleton-input"></div>`)
	}
	buf.WriteString(`</div>`)
	return buf.String()
}

// Shell returns the inert fallback shown when a step's module is missing.
// It carries no form controls, so nothing on it can be submitted.
func (r *Renderer) Shell(step wizard.Step) string {
	title := template.HTMLEscapeString(r.cfg.Step(string(step)).Title)
	return `<div class="wizard-shell" data-step="` + template.HTMLEscapeString(string(step)) + `">` +
		`<h2>` + title + `</h2>` +
		`<p class="notice notice-error">` + template.HTMLEscapeString(wizard.UserMessage(wizard.NewError(wizard.KindModuleMissing, ""))) + `</p>` +
		`</div>`
}

func fieldValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
