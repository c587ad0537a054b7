// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the kernos command.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jllopis/kernos/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type globalFlags struct {
	ConfigPath string
	Profile    string
	Sets       []string
	JSON       bool
}

func (g *globalFlags) sources() config.Sources {
	return config.Sources{Path: g.ConfigPath, Profile: g.Profile, Sets: g.Sets}
}

func newRootCmd() *cobra.Command {
	global := &globalFlags{}
	root := &cobra.Command{
		Use:   "kernos",
		Short: "Interactive execution kernel for embedded Go code",
		Long: `kernos runs an embedded interpreter behind a kernel that serializes
access to it, relays comms to front ends and records execution history.

Front ends connect over WebSocket; liveness is exposed through the gRPC
health protocol and, optionally, the kernel is offered as MCP tools.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&global.ConfigPath, "config", "", "path to a config file (yaml, json or toml)")
	flags.StringVar(&global.Profile, "profile", "", "profile file layered over --config")
	flags.StringArrayVar(&global.Sets, "set", nil, "override a config key (key=value, repeatable)")
	flags.BoolVar(&global.JSON, "json", false, "print errors and results as JSON")

	root.AddCommand(
		newServeCmd(global),
		newExecCmd(global),
		newConfigCmd(global),
		newVersionCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		asJSON, _ := root.PersistentFlags().GetBool("json")
		printError(os.Stderr, err, asJSON)
		stop()
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kernos version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	}
}
