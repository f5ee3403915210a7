// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
)

const (
	appName    = "stepforgectl"
	appVersion = "0.1.0-alpha"
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execute() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "status":
		return statusCommand(args)
	case "version":
		fmt.Printf("%s version %s\n", appName, appVersion)
		return nil
	case "help", "-h", "--help":
		return printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		return printUsage()
	}
}

func printUsage() error {
	fmt.Printf(`%s - read-only status viewer for Stepforge protocol runs

Usage:
  %s <command> [arguments]

Commands:
  status <protocol_run_id>  Print step progress for a protocol run
  version                   Print version information
  help                      Show this help message

Examples:
  %s status 42
  %s status --config config.yaml 42

`, appName, appName, appName, appName)
	return nil
}
