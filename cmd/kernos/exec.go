// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jllopis/kernos/pkg/config"
	"github.com/jllopis/kernos/pkg/history"
	"github.com/jllopis/kernos/pkg/interp"
	"github.com/jllopis/kernos/pkg/kernel"
	"github.com/jllopis/kernos/pkg/runtime"
	"github.com/jllopis/kernos/pkg/telemetry"
)

func newExecCmd(global *globalFlags) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "exec [file|-]",
		Short: "Run code once in a fresh kernel and print its output",
		Example: `  kernos exec --code 'fmt.Println(1 + 2)'
  kernos exec script.go
  echo 'x := 2; x * 21' | kernos exec -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := code
			if len(args) == 1 {
				raw, err := readSource(cmd.InOrStdin(), args[0])
				if err != nil {
					return err
				}
				src = string(raw)
			}
			if src == "" {
				return fmt.Errorf("nothing to run: pass --code, a file, or - for stdin")
			}

			cfg, err := config.LoadSources(global.sources())
			if err != nil {
				return NewConfigError(err, global.ConfigPath)
			}
			telemetry.ConfigureSlog(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			in, err := runtime.NewInterpreter(cfg.Interpreter)
			if err != nil {
				return NewConfigError(err, global.ConfigPath)
			}
			res, err := execOnce(cmd.Context(), cfg, in, src)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res, global.JSON)
		},
	}
	cmd.Flags().StringVarP(&code, "code", "c", "", "code to run")
	return cmd
}

func readSource(stdin io.Reader, arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(arg)
}

// execOnce starts a kernel around in, runs src and shuts the kernel down.
func execOnce(ctx context.Context, cfg *config.Config, in interp.Interpreter, src string) (kernel.ExecuteResult, error) {
	k := kernel.New(in,
		kernel.WithName(cfg.Kernel.Name),
		kernel.WithSession(cfg.Kernel.Session),
		kernel.WithPollInterval(cfg.Interpreter.PollInterval()),
	)
	errc := make(chan error, 1)
	go func() { errc <- k.Run(ctx) }()

	res, execErr := k.Execute(ctx, src, kernel.ExecuteOptions{})
	if err := k.Shutdown(false); err != nil && execErr == nil {
		execErr = err
	}
	if err := <-errc; err != nil && execErr == nil {
		execErr = err
	}
	return res, execErr
}

func printResult(stdout, stderr io.Writer, res kernel.ExecuteResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprint(stdout, res.Stdout)
		fmt.Fprint(stderr, res.Stderr)
	}
	if res.Status != history.StatusOK {
		return NewExecError(string(res.Status))
	}
	return nil
}
