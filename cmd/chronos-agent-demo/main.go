// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// chronos-agent-demo is a headless harness exercising register, record,
// and replay end to end against an in-memory scenario. The --scenario
// flag takes JSONC text inline; when its value names a readable file,
// that file's contents are used instead. No other file or persisted
// configuration is read.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/chronos-agent/chronos/agent"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch os.Args[1] {
	case "run":
		return runScenario(os.Args[2:])
	case "version":
		fmt.Printf("chronos-agent-demo %s\n", version)
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: chronos-agent-demo <subcommand> [flags]

Subcommands:
  run        Register sources from a scenario, record, and optionally replay
  version    Print version information

Run 'chronos-agent-demo run --help' for flags.
`)
}

// scenario describes the sources to register and how many times to
// record each, comment-tolerant via jsonc.
type scenario struct {
	Sources []sourceSpec `json:"sources"`
	Ticks   int          `json:"ticks"`
}

type sourceSpec struct {
	ID    string `json:"id"`
	Class string `json:"class"`
	Value string `json:"value"`
}

func runScenario(args []string) error {
	flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
	scenarioText := flagSet.String("scenario", "", "inline JSONC scenario text, or a path to a JSONC file")
	doReplay := flagSet.Bool("replay", false, "replay the recorded events after the scenario runs")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *scenarioText == "" {
		return fmt.Errorf("--scenario is required")
	}

	raw := []byte(*scenarioText)
	if data, err := os.ReadFile(*scenarioText); err == nil {
		raw = data
	}

	var sc scenario
	if err := json.Unmarshal(jsonc.ToJSON(raw), &sc); err != nil {
		return fmt.Errorf("parsing scenario: %w", err)
	}
	if sc.Ticks <= 0 {
		sc.Ticks = 1
	}

	runtime, err := agent.New(agent.Config{})
	if err != nil {
		return fmt.Errorf("creating agent runtime: %w", err)
	}
	defer runtime.Close()

	ctx := context.Background()

	for _, spec := range sc.Sources {
		class, err := parseClass(spec.Class)
		if err != nil {
			return fmt.Errorf("source %q: %w", spec.ID, err)
		}
		src := &staticSource{id: spec.ID, class: class, value: spec.Value}
		if err := runtime.RegisterSource(src, descriptorFor(spec)); err != nil {
			return fmt.Errorf("registering %q: %w", spec.ID, err)
		}
	}

	for tick := 0; tick < sc.Ticks; tick++ {
		for _, spec := range sc.Sources {
			if err := runtime.Record(ctx, spec.ID, "demo"); err != nil {
				return fmt.Errorf("recording %q: %w", spec.ID, err)
			}
		}
	}

	report := runtime.GetRefusalReport()
	fmt.Println(report.LogLine())
	for _, blocking := range report.Blocking {
		fmt.Printf("  blocked: %s (%d risk finding(s))\n", blocking.SourceID, len(blocking.Risks))
	}

	if *doReplay {
		result, err := runtime.StartReplay(ctx, runtime.Events())
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		fmt.Printf("replay: state=%s events=%d divergences=%d\n",
			result.FinalState, result.EventsPlayed, len(result.Divergences))
		for _, w := range result.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
		for _, d := range result.Divergences {
			fmt.Printf("  divergence: seq=%d source=%s kind=%v halted=%v\n",
				d.Seq, d.SourceID, d.Divergence, d.Halted)
		}
	}

	return nil
}
