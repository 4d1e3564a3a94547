// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/hashicorp/drover/command"
	"github.com/hashicorp/drover/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run executes the CLI and returns the exit code.
func Run(args []string) int {
	c := cli.NewCLI("drover", version.GetVersion())
	c.Args = args
	c.Commands = map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &command.AgentCommand{}, nil
		},
	}
	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err)
	}
	return exitCode
}
