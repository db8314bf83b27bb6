// Package commands implements the wizard CLI commands.
package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/livetemplate/wizard/internal/config"
	"github.com/livetemplate/wizard/internal/server"
)

// shutdownTimeout bounds how long open requests may take after Ctrl+C.
const shutdownTimeout = 10 * time.Second

// ServeCommand implements the serve command.
func ServeCommand(args []string) error {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := flagSet.String("config", "", "Path to a wizard.yaml (default: <directory>/wizard.yaml)")
	port := flagSet.Int("port", 0, "Port to listen on (overrides config)")
	host := flagSet.String("host", "", "Host to bind (overrides config)")
	watch := flagSet.Bool("watch", false, "Reload when wizard.yaml or a step bundle changes")
	inPlace := flagSet.Bool("in-place", false, "Swap steps without page loads")
	premium := flagSet.Bool("premium", false, "Unlock gated steps")
	debug := flagSet.Bool("debug", false, "Verbose logging")

	dir, err := parseArgs(flagSet, args)
	if err != nil {
		return err
	}

	config.SetPremium(*premium)
	config.SetDebug(*debug)

	absDir, cfg, err := loadConfig(dir, *configPath)
	if err != nil {
		return err
	}

	// CLI flags override config
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *watch {
		cfg.Features.HotReload = true
	}
	if *inPlace {
		cfg.Features.InPlace = true
	}

	srv, err := server.New(absDir, cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	fmt.Printf("🧙 Campaign Wizard\n\n")
	fmt.Printf("Serving: %s\n", absDir)
	fmt.Printf("Storage: %s\n", cfg.Storage.GetDriver())
	if cfg.Features.InPlace {
		fmt.Printf("Mode: ⚡ In-place step swaps\n")
	} else {
		fmt.Printf("Mode: ↪️  Server-rendered steps\n")
	}

	if cfg.Features.HotReload {
		if err := srv.EnableWatch(); err != nil {
			return fmt.Errorf("failed to enable watch mode: %w", err)
		}
		fmt.Printf("👀 Watch mode enabled - wizard.yaml and bundles reload on change\n")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("\n🌐 Wizard running at http://%s%s\n", addr, cfg.BasePath)
	if config.IsPremium() {
		fmt.Printf("🔓 Gated steps unlocked (--premium)\n")
	}
	if cfg.Features.Metrics {
		fmt.Printf("📈 Metrics at /metrics\n")
	}
	fmt.Printf("Press Ctrl+C to stop\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// parseArgs parses flags that may appear before or after the directory.
func parseArgs(flagSet *flag.FlagSet, args []string) (string, error) {
	dir := "."
	if err := flagSet.Parse(args); err != nil {
		return "", err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		dir = rest[0]
		if err := flagSet.Parse(rest[1:]); err != nil {
			return "", err
		}
		if flagSet.NArg() > 0 {
			return "", fmt.Errorf("unexpected arguments: %v", flagSet.Args())
		}
	}
	return dir, nil
}

// loadConfig resolves dir and loads its configuration, or the file at
// configPath when one is given.
func loadConfig(dir, configPath string) (string, *config.Config, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", nil, fmt.Errorf("directory does not exist: %s", dir)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err == nil {
			fmt.Printf("📝 Using config: %s\n", configPath)
		}
	} else {
		cfg, err = config.LoadFromDir(absDir)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load config: %w", err)
	}
	return absDir, cfg, nil
}

func init() {
	log.SetFlags(0) // Remove timestamp from logs
}
