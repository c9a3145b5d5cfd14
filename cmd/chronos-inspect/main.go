// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// chronos-inspect is an interactive terminal UI for browsing a live
// agent's registered sources, refusal report, and most recent replay
// divergence report. It either dials a running agent's secureipc
// socket or, with --demo, drives a throwaway in-process runtime seeded
// with a handful of sources so the UI can be tried standalone.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var socketPath string
	var tokenHex string
	var demo bool

	flagSet := pflag.NewFlagSet("chronos-inspect", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "path to the agent's secureipc socket")
	flagSet.StringVar(&tokenHex, "token", "", "hex-encoded session token from GetIPCAuthToken")
	flagSet.BoolVar(&demo, "demo", false, "browse an in-process demo runtime instead of dialing --socket")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("chronos-inspect %s\n", version)
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}

	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("chronos-inspect requires an interactive terminal, stdout is not one")
	}

	source, err := resolveSource(demo, socketPath, tokenHex)
	if err != nil {
		return err
	}

	program := tea.NewProgram(newModel(source), tea.WithAltScreen())
	_, err = program.Run()
	return err
}

func resolveSource(demo bool, socketPath, tokenHex string) (inspectorSource, error) {
	if demo {
		return newDemoSource()
	}

	if socketPath == "" {
		return nil, fmt.Errorf("--socket is required (or pass --demo)")
	}
	if tokenHex == "" {
		return nil, fmt.Errorf("--token is required (or pass --demo)")
	}

	token, err := hex.DecodeString(tokenHex)
	if err != nil {
		return nil, fmt.Errorf("decoding --token: %w", err)
	}

	return newIPCSource(socketPath, token), nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `chronos-inspect — interactive terminal UI for a running agent.

Usage:
  chronos-inspect --socket <path> --token <hex>
  chronos-inspect --demo

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
