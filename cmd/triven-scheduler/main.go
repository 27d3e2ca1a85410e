// Package main runs the escalation, reminder and digest scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/absamo/triven-workflow/pkg/cmd"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9092

func main() {
	flags := append(cmd.CommonFlags(), cmd.ScheduleFlags()...)
	flags = append(flags,
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port serving /metrics and /health",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.BoolFlag{
			Name:  "once",
			Usage: "Run a single sweep and digest flush, then exit",
		},
	)

	command := &cli.Command{
		Name:                  "triven-scheduler",
		Usage:                 "Escalate overdue approvals, send reminders and flush digests",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action:                run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
