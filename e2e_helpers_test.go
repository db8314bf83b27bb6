//go:build !ci

package wizard_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

const (
	headlessImage   = "chromedp/headless-shell:stable"
	containerPrefix = "wizard-e2e-chrome-"
)

// chromeCandidates are the executables tried before falling back to Docker.
var chromeCandidates = []string{"chromium", "chromium-browser", "google-chrome", "headless-shell"}

// browser is a headless Chrome driven by chromedp.
type browser struct {
	ctx context.Context

	// inDocker is set when Chrome runs in a container and reaches the test
	// server through the Docker host.
	inDocker bool

	mu     sync.Mutex
	thrown []string
}

// newBrowser starts a headless Chrome for the test. A local binary named by
// WIZARD_CHROME or found on PATH is preferred; otherwise the headless-shell
// image is run in Docker. The test is skipped when neither is available.
// Everything is torn down with t.Cleanup.
func newBrowser(t *testing.T, timeout time.Duration) *browser {
	t.Helper()

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
		inDocker    bool
	)
	if path := localChrome(); path != "" {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.ExecPath(path),
			chromedp.NoSandbox,
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	} else {
		port := dockerChrome(t)
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), fmt.Sprintf("http://localhost:%d", port))
		inDocker = true
	}

	ctx, ctxCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(t.Logf))
	ctx, timeoutCancel := context.WithTimeout(ctx, timeout)
	t.Cleanup(func() {
		timeoutCancel()
		ctxCancel()
		allocCancel()
	})

	b := &browser{ctx: ctx, inDocker: inDocker}
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *cdpruntime.EventConsoleAPICalled:
			args := make([]string, len(ev.Args))
			for i, arg := range ev.Args {
				args[i] = string(arg.Value)
			}
			t.Logf("[Browser Console] %s: %s", ev.Type, strings.Join(args, " "))
		case *cdpruntime.EventExceptionThrown:
			t.Logf("[Browser Error] %s", ev.ExceptionDetails.Text)
			b.mu.Lock()
			b.thrown = append(b.thrown, ev.ExceptionDetails.Text)
			b.mu.Unlock()
		case *network.EventWebSocketFrameReceived:
			t.Logf("[WebSocket <-] %s", ev.Response.PayloadData)
		case *network.EventWebSocketFrameSent:
			t.Logf("[WebSocket ->] %s", ev.Response.PayloadData)
		}
	})
	if err := chromedp.Run(ctx, network.Enable()); err != nil {
		t.Fatalf("Failed to enable network events: %v", err)
	}
	return b
}

// exceptions returns the uncaught page errors seen so far.
func (b *browser) exceptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.thrown...)
}

// url rewrites an httptest address so this browser can reach it. A
// container on Linux shares the host network; elsewhere it goes through
// host.docker.internal.
func (b *browser) url(serverURL string) string {
	host := "localhost"
	if b.inDocker && runtime.GOOS != "linux" {
		host = "host.docker.internal"
	}
	r := strings.NewReplacer("127.0.0.1", host, "[::1]", host)
	return r.Replace(serverURL)
}

func localChrome() string {
	if path := os.Getenv("WIZARD_CHROME"); path != "" {
		return path
	}
	for _, name := range chromeCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// dockerChrome runs the headless-shell image and returns its debugging
// port once Chrome answers.
func dockerChrome(t *testing.T) int {
	t.Helper()

	if _, err := exec.Command("docker", "version").CombinedOutput(); err != nil {
		t.Skip("Neither Chrome nor Docker available, skipping E2E test")
	}

	port, err := freePort()
	if err != nil {
		t.Fatalf("Failed to allocate Chrome port: %v", err)
	}
	name := fmt.Sprintf("%s%d", containerPrefix, port)
	removeContainer(name)

	if _, err := exec.Command("docker", "image", "inspect", headlessImage).CombinedOutput(); err != nil {
		t.Logf("Pulling %s...", headlessImage)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if out, err := exec.CommandContext(ctx, "docker", "pull", headlessImage).CombinedOutput(); err != nil {
			t.Fatalf("Failed to pull %s: %v\n%s", headlessImage, err, out)
		}
	}

	// --network host does not expose ports on macOS, where Docker runs in a
	// VM, so map to the image's default 9222 there.
	args := []string{"run", "-d", "--rm", "--memory", "512m", "--name", name}
	if runtime.GOOS == "linux" {
		args = append(args, "--network", "host", headlessImage, fmt.Sprintf("--remote-debugging-port=%d", port))
	} else {
		args = append(args, "-p", fmt.Sprintf("%d:9222", port), headlessImage)
	}
	if out, err := exec.Command("docker", args...).CombinedOutput(); err != nil {
		t.Fatalf("Failed to start Chrome container: %v\n%s", err, out)
	}
	t.Cleanup(func() { removeContainer(name) })

	versionURL := fmt.Sprintf("http://localhost:%d/json/version", port)
	if err := waitFor(versionURL, 60*time.Second); err != nil {
		if logs, lerr := exec.Command("docker", "logs", "--tail", "50", name).CombinedOutput(); lerr == nil {
			t.Logf("Chrome container logs:\n%s", logs)
		}
		t.Fatalf("Chrome did not start: %v", err)
	}
	return port
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// removeContainer force-removes name; a missing container is not an error.
func removeContainer(name string) {
	_, _ = exec.Command("docker", "rm", "-f", name).CombinedOutput()
}

// waitFor polls rawURL until it answers or timeout passes.
func waitFor(rawURL string, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := client.Get(rawURL)
		if err == nil {
			resp.Body.Close()
			return nil
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("%s not ready after %v: %w", rawURL, timeout, lastErr)
}
