// Binary taskmq provides CLI utilities for the taskmq task queue.
//
// Usage:
//
//	taskmq <command> [arguments]
//
// Commands:
//
//	init [--config <file>]                      Generate a starter config file
//	submit --config <file> --task <name> [...]  Submit a one-off task
//	requeue --config <file> --queue <name>      Recover stranded redis deliveries
//	version                                     Print the taskmq version
//	help                                        Show this help message
package main

import (
	"fmt"
	"io"
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stdout)
		return 0
	}

	switch args[0] {
	case "init":
		return runInit(args[1:], stdout, stderr)
	case "submit":
		return runSubmit(args[1:], stdout, stderr)
	case "requeue":
		return runRequeue(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "taskmq %s\n", version)
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "taskmq: unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `taskmq — distributed task queue CLI

Usage:
  taskmq <command> [arguments]

Setup:
  init [--config <file>]   Generate a config file (default: taskmq.yaml)

Operations:
  submit --config <file> --task <name> [--args-json <json>] [--queue <name>]
         [--countdown <dur>] [--expires-in <dur>] [--correlation-id <id>]
                           Submit a one-off task to the configured broker
  requeue --config <file> --queue <name>
                           Move deliveries stuck in a redis processing list
                           back to the ready list (crashed-worker recovery)

Other:
  version                  Print the taskmq version
  help                     Show this help message

Workers are embedded in your own binaries: register handlers on a
taskmq.Worker and call Run. See the package documentation.
`)
}
