// Command wizard serves the campaign creation wizard.
package main

import (
	"fmt"
	"os"

	"github.com/livetemplate/wizard/cmd/wizard/commands"
)

const version = "0.1.0-dev"

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		printUsage()
		return 1
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "serve":
		err = commands.ServeCommand(args)
	case "validate":
		err = commands.ValidateCommand(args)
	case "version":
		fmt.Printf("wizard version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		return 1
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Println("wizard - Multi-step campaign creation")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  wizard serve [directory]     Start the wizard server")
	fmt.Println("  wizard validate [directory]  Check wizard.yaml and step bundles")
	fmt.Println("  wizard version               Show version")
	fmt.Println("  wizard help                  Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  wizard serve                 # Serve the wizard configured in the current directory")
	fmt.Println("  wizard serve ./promo --watch # Reload when wizard.yaml or a bundle changes")
	fmt.Println("  wizard serve --port 9000     # Listen on another port")
	fmt.Println("  wizard validate ./promo      # Validate a wizard directory")
}
