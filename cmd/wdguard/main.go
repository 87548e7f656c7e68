// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Command wdguard runs watchdog guardians and inspects watchdog pairs.
package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/changkun/watchdog"
	"github.com/urfave/cli"
)

var version = "dev"

var (
	configPath string
	debug      bool

	globalFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "config, c",
			Usage:       "path of the yaml configuration",
			EnvVar:      watchdog.EnvConfig,
			Destination: &configPath,
		},
		cli.BoolFlag{
			Name:        "debug, d",
			Usage:       "log every heartbeat (default: false)",
			Destination: &debug,
		},
	}
)

func main() {
	app := cli.App{
		Name:      "wdguard",
		HelpName:  "wdguard",
		Usage:     "keeps a program alive with a guardian process",
		Version:   version,
		UsageText: "wdguard [global options] <command> [arguments...]",
		Flags:     globalFlags,
		Commands: []cli.Command{
			{
				Name:      "run",
				Aliases:   []string{"r"},
				Usage:     "start a program and guard it",
				UsageText: "wdguard run -- <program> [arguments...]",
				Action:    run,
			},
			{
				Name:      "guardian",
				Usage:     "guard the client that started this process",
				UsageText: "wdguard guardian -- <program> [arguments...]",
				Hidden:    true,
				Action:    guardian,
			},
			{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "show the status of the pair",
				Action:  status,
			},
			{
				Name:    "unlink",
				Aliases: []string{"u"},
				Usage:   "remove the rendezvous semaphores of a crashed pair",
				Action:  unlink,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "wdguard:", err)
		os.Exit(1)
	}
}

func options() ([]watchdog.Option, error) {
	cfg, err := watchdog.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Debug = true
	}
	return []watchdog.Option{watchdog.WithConfig(cfg)}, nil
}

func program(ctx *cli.Context) ([]string, error) {
	args := []string(ctx.Args())
	if len(args) == 0 {
		return nil, errors.New("no program provided")
	}
	return args, nil
}

func run(ctx *cli.Context) error {
	args, err := program(ctx)
	if err != nil {
		return err
	}
	opts, err := options()
	if err != nil {
		return err
	}
	return watchdog.Guard(args, opts...)
}

func guardian(ctx *cli.Context) error {
	args, err := program(ctx)
	if err != nil {
		return err
	}
	opts, err := options()
	if err != nil {
		return err
	}
	return watchdog.RunGuardian(args, opts...)
}

func status(ctx *cli.Context) error {
	opts, err := options()
	if err != nil {
		return err
	}
	records, err := watchdog.Status(opts...)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No status recorded.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tPID\tPARTNER\tREVIVALS\tSTATE\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n",
			r.Role, r.PID, r.PartnerPID, r.Revivals, r.State, r.UpdatedAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func unlink(ctx *cli.Context) error {
	opts, err := options()
	if err != nil {
		return err
	}
	if err := watchdog.Unlink(opts...); err != nil {
		return err
	}
	fmt.Println("Semaphores removed.")
	return nil
}
