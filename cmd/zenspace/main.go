package main

import (
	"fmt"
	"os"
	"runtime"
)

var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		os.Exit(runCommand(runServeCommand, nil))
	}
	if handled, exitCode := dispatchSubcommand(args); handled {
		os.Exit(exitCode)
	}
	fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
	printHelp()
	os.Exit(2)
}

func dispatchSubcommand(args []string) (bool, int) {
	if len(args) == 0 {
		return false, 0
	}
	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return true, 0
	case "--help", "-h", "help":
		printHelp()
		return true, 0
	case "serve":
		return true, runCommand(runServeCommand, args[1:])
	case "migrate":
		return true, runCommand(runMigrateCommand, args[1:])
	case "config":
		return true, runCommand(runConfigCommand, args[1:])
	default:
		return false, 0
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return 0
}

func printVersion() {
	fmt.Printf("zenspace %s\n", version)
	if commit != "unknown" {
		fmt.Printf("  Commit:     %s\n", commit)
	}
	if buildDate != "unknown" {
		fmt.Printf("  Built:      %s\n", buildDate)
	}
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

func printHelp() {
	fmt.Println(`zenspace - collaborative coding rooms with an @ai assistant

Usage:
  zenspace [serve] [--config path] [--bind addr] [--allow-origin origin]
  zenspace migrate [--config path]
  zenspace config check|show [--config path]
  zenspace version

Environment:
  JWT_SECRET          token signing secret (required, 32+ chars)
  GEMINI_API_KEY      generation endpoint key
  PORT                listen port (binds 0.0.0.0)
  ZENSPACE_DB_PATH    sqlite database path
  ZENSPACE_NATS_URL   enables cross-process rooms with ZENSPACE_BUS_BACKEND=nats`)
}
