// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package list

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"localhome.dev/discovery"
	"localhome.dev/logging"
)

type Command struct {
	flags struct {
		scanner string
		json    bool
	}

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "list"
	c.ShortUsage = "localhome list [flags]"
	c.ShortHelp = "scan once and print discovered services"

	c.FlagSet = flag.NewFlagSet("", flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.scanner, "scanner", "", "port scanner: auto, lsof or proc")
	c.FlagSet.BoolVar(&c.flags.json, "json", false, "output in JSON format")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose logging")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("LOCALHOME")}
	c.Exec = c.entrypoint
	return &c.Command
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()

	scanner, err := discovery.NewScanner(c.flags.scanner)
	if err != nil {
		return fmt.Errorf("init scanner: %w", err)
	}

	entries, err := scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	if c.flags.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Println("no named services found")
		fmt.Println("start one with a NAME environment variable, e.g. NAME=myapp npm start")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPORT\tPID\tCOMMAND")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", e.Name, e.Port, e.PID, e.Command)
	}
	return w.Flush()
}
