// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package command holds the CLI commands.
package command

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/drover/command/agent"
)

// AgentCommand runs the drover agent until interrupted.
type AgentCommand struct{}

// Help implements cli.Command.
func (c *AgentCommand) Help() string {
	return `Usage: drover agent [options]

  Starts the drover scheduler agent.

Options:

  -config=<path>
    Path to an HCL configuration file. Defaults are used when omitted.
`
}

// Synopsis implements cli.Command.
func (c *AgentCommand) Synopsis() string {
	return "Run the drover scheduler agent"
}

// Run implements cli.Command.
func (c *AgentCommand) Run(args []string) int {
	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to config file")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	config := agent.DefaultConfig()
	if *configPath != "" {
		var err error
		config, err = agent.LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
			return 1
		}
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "drover",
		Level: hclog.LevelFromString(config.LogLevel),
	})

	a, err := agent.NewAgent(config, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting agent: %s\n", err)
		return 1
	}
	a.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	a.Shutdown()
	return 0
}
