package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/benedict-erwin/taskmq"
)

func runRequeue(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "taskmq.yaml", "Path to the config file")
	queue := fs.String("queue", "", "Queue whose processing list to recover (required)")
	timeout := fs.Duration("timeout", 30*time.Second, "Operation timeout")
	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: taskmq requeue --config <file> --queue <name>

Move deliveries stuck in a queue's redis processing list back to its ready
list. Deliveries end up stranded there when a worker crashes between pulling
and settling them.

Run this only while no worker is consuming the queue: a live worker's
in-flight deliveries sit in the same list and would be duplicated.

Flags:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *queue == "" {
		fmt.Fprintln(stderr, "taskmq: --queue is required")
		fs.Usage()
		return 1
	}

	cfg, err := taskmq.LoadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "taskmq: %v\n", err)
		return 1
	}

	if !strings.HasPrefix(cfg.Broker.URL, "redis://") && !strings.HasPrefix(cfg.Broker.URL, "rediss://") {
		fmt.Fprintln(stderr, "taskmq: requeue requires a redis broker url")
		return 1
	}

	var brokerOpts []taskmq.BrokerOption
	if cfg.Broker.Prefix != "" {
		brokerOpts = append(brokerOpts, taskmq.WithKeyPrefix(cfg.Broker.Prefix))
	}
	broker, err := taskmq.NewRedisBroker(cfg.Broker.URL, brokerOpts...)
	if err != nil {
		fmt.Fprintf(stderr, "taskmq: %v\n", err)
		return 1
	}
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	n, err := broker.RequeueProcessing(ctx, *queue)
	if err != nil {
		fmt.Fprintf(stderr, "taskmq: requeueing: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Requeued %d deliveries on queue %q\n", n, *queue)
	return 0
}
