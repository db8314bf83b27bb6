package commands

import (
	"context"
	"flag"
	"fmt"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/bundle"
	"github.com/livetemplate/wizard/internal/config"
)

// ValidateCommand checks a wizard directory: the configuration must be
// valid and every configured step bundle must compile.
func ValidateCommand(args []string) error {
	flagSet := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := flagSet.String("config", "", "Path to a wizard.yaml (default: <directory>/wizard.yaml)")

	dir, err := parseArgs(flagSet, args)
	if err != nil {
		return err
	}

	absDir, cfg, err := loadConfig(dir, *configPath)
	if err != nil {
		return err
	}

	fmt.Printf("🔍 Validating wizard in: %s\n\n", absDir)

	if err := cfg.Validate(); err != nil {
		fmt.Printf("❌ wizard.yaml: %v\n", err)
		return fmt.Errorf("validation failed")
	}
	fmt.Printf("✅ wizard.yaml\n")

	errs := validateBundles(absDir, cfg)
	if len(errs) > 0 {
		fmt.Println()
		for _, err := range errs {
			fmt.Printf("❌ %v\n", err)
		}
		return fmt.Errorf("validation failed: %d bundle error(s)", len(errs))
	}

	fmt.Printf("\n✨ %d steps ready\n", len(wizard.Steps))
	return nil
}

func validateBundles(dir string, cfg *config.Config) []error {
	ctx := context.Background()
	loader := bundle.NewLoader(dir, cfg)
	defer loader.Close(ctx)

	var errs []error
	for _, step := range wizard.Steps {
		stepCfg := cfg.Step(string(step))
		if stepCfg.Bundle == "" {
			continue
		}
		if _, err := loader.Bundle(ctx, step); err != nil {
			errs = append(errs, fmt.Errorf("%s bundle: %w", step, err))
			continue
		}
		fmt.Printf("✅ %s bundle (%s)\n", step, stepCfg.Bundle)
	}
	return errs
}
