//go:build !ci

package wizard_test

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/backend"
	"github.com/livetemplate/wizard/internal/config"
	"github.com/livetemplate/wizard/internal/server"
)

func e2eConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage = config.StorageConfig{Driver: "memory"}
	cfg.Timing = config.TimingConfig{
		Debounce:         "20ms",
		RedirectDelay:    "20ms",
		CompleteRedirect: "50ms",
		AutosaveDelay:    "1h",
	}
	return cfg
}

// startWizard serves a fresh wizard and opens a browser pointed at it.
func startWizard(t *testing.T, cfg *config.Config) (*server.Server, *browser, string) {
	t.Helper()
	srv, err := server.New(t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	require.NoError(t, waitFor(ts.URL+"/wizard", 5*time.Second))

	b := newBrowser(t, 60*time.Second)
	return srv, b, b.url(ts.URL)
}

// fill sets a form field and fires the input event the page listens for.
func fill(name, value string) chromedp.Action {
	js := fmt.Sprintf(`(function() {
		var el = document.querySelector('[name=%q]');
		el.value = %q;
		el.dispatchEvent(new Event('input', {bubbles: true}));
		return true;
	})()`, name, value)
	var ok bool
	return chromedp.Evaluate(js, &ok)
}

func next(step wizard.Step) chromedp.Tasks {
	return chromedp.Tasks{
		chromedp.Click(`button[data-action="next"]`, chromedp.ByQuery),
		chromedp.WaitVisible("#step-"+string(step), chromedp.ByID),
	}
}

func TestWizardEndToEnd(t *testing.T) {
	srv, b, baseURL := startWizard(t, e2eConfig())

	var location string
	err := chromedp.Run(b.ctx,
		chromedp.Navigate(baseURL+"/wizard"),
		chromedp.WaitVisible("#step-basic", chromedp.ByID),
		fill("name", "Summer Sale"),
		fill("description", "Two weeks of markdowns"),
		next(wizard.StepProducts),
		fill("product_selection_type", "all"),
		next(wizard.StepDiscounts),
		fill("discount_type", "percent"),
		fill("discount_value", "15"),
		next(wizard.StepSchedule),
		fill("start_type", "now"),
		next(wizard.StepReview),
		chromedp.Click(`button[data-action="complete"].primary`, chromedp.ByQuery),
		chromedp.Poll(`location.pathname.indexOf("/campaigns/") === 0`, nil, chromedp.WithPollingTimeout(10*time.Second)),
		chromedp.Location(&location),
	)
	require.NoError(t, err)

	campaigns := srv.Backend().Campaigns()
	require.Len(t, campaigns, 1)
	camp := campaigns[0]
	assert.Equal(t, backend.StatusActive, camp.Status)
	assert.True(t, strings.HasSuffix(location, "/campaigns/"+camp.ID))
	assert.Equal(t, "Summer Sale", camp.StepData[wizard.StepBasic].String("name"))
	assert.Contains(t, camp.CompletedSteps, wizard.StepReview)
	assert.Empty(t, b.exceptions(), "the client script must not throw")
}

func TestWizardShowsFieldErrors(t *testing.T) {
	srv, b, baseURL := startWizard(t, e2eConfig())

	var message string
	err := chromedp.Run(b.ctx,
		chromedp.Navigate(baseURL+"/wizard"),
		chromedp.WaitVisible("#step-basic", chromedp.ByID),
		chromedp.Click(`button[data-action="next"]`, chromedp.ByQuery),
		chromedp.Poll(`document.querySelector('.field-error[data-field="name"]').textContent !== ""`, nil, chromedp.WithPollingTimeout(5*time.Second)),
		chromedp.Text(`.field-error[data-field="name"]`, &message, chromedp.ByQuery),
	)
	require.NoError(t, err)

	assert.Equal(t, "This field is required.", message)
	assert.Empty(t, srv.Backend().Campaigns())
}

func TestWizardResumesAfterReload(t *testing.T) {
	_, b, baseURL := startWizard(t, e2eConfig())

	var name string
	err := chromedp.Run(b.ctx,
		chromedp.Navigate(baseURL+"/wizard"),
		chromedp.WaitVisible("#step-basic", chromedp.ByID),
		fill("name", "Holiday Bundle"),
		next(wizard.StepProducts),
		chromedp.Navigate(baseURL+"/wizard?step=basic"),
		chromedp.WaitVisible("#step-basic", chromedp.ByID),
		chromedp.Value(`#field-name`, &name, chromedp.ByQuery),
	)
	require.NoError(t, err)
	assert.Equal(t, "Holiday Bundle", name)
}
