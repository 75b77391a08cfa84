package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/benedict-erwin/taskmq"
)

func runSubmit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "taskmq.yaml", "Path to the config file")
	task := fs.String("task", "", "Task name to submit (required)")
	argsJSON := fs.String("args-json", "", "Task arguments as a JSON document")
	queue := fs.String("queue", "", "Queue override (bypasses routing rules)")
	countdown := fs.Duration("countdown", 0, "Delay before the task becomes due (e.g. 30s, 5m)")
	expiresIn := fs.Duration("expires-in", 0, "Discard the task if not started within this duration")
	correlationID := fs.String("correlation-id", "", "Correlation id recorded on the envelope")
	timeout := fs.Duration("timeout", 30*time.Second, "Publish timeout")
	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: taskmq submit --config <file> --task <name> [flags]

Submit a one-off task to the configured broker and print its envelope id.

Flags:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *task == "" {
		fmt.Fprintln(stderr, "taskmq: --task is required")
		fs.Usage()
		return 1
	}

	var taskArgs any
	if *argsJSON != "" {
		raw := json.RawMessage(*argsJSON)
		if !json.Valid(raw) {
			fmt.Fprintln(stderr, "taskmq: --args-json is not valid JSON")
			return 1
		}
		taskArgs = raw
	}

	cfg, err := taskmq.LoadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "taskmq: %v\n", err)
		return 1
	}

	client, err := taskmq.NewClientFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "taskmq: %v\n", err)
		return 1
	}
	defer client.Close()

	var opts []taskmq.SendOption
	if *queue != "" {
		opts = append(opts, taskmq.Queue(*queue))
	}
	if *countdown > 0 {
		opts = append(opts, taskmq.Countdown(*countdown))
	}
	if *expiresIn > 0 {
		opts = append(opts, taskmq.ExpiresIn(*expiresIn))
	}
	if *correlationID != "" {
		opts = append(opts, taskmq.CorrelationID(*correlationID))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	id, err := client.SendTask(ctx, *task, taskArgs, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "taskmq: submitting task: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Task submitted: %s\n", id)
	return 0
}
