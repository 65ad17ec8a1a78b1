package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"gratibot/internal/app"
	"gratibot/internal/dispatch"
)

// runOnce runs one tick. The exit status is 1 when any action failed.
func runOnce(c *cli.Context) error {
	mode := dispatch.ModeNormal
	if c.Bool("force") {
		mode = dispatch.ModeForce
	}
	a, err := app.NewApp(configPath(c))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rep, err := a.RunOnce(ctx, mode)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("tick did not run: %v", err), 1)
	}
	printReport(c, rep)
	if err := rep.Err(); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}

func printReport(c *cli.Context, rep dispatch.Report) {
	w := c.App.Writer
	if c.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
		return
	}
	fmt.Fprintf(w, "tick %s (%s): users=%d fired=%d failed=%d skipped=%d took=%s\n",
		rep.TickID, rep.Mode, rep.Users, rep.Fired, rep.Failed, rep.Skipped, rep.Took.Round(time.Millisecond))
	for _, r := range rep.Results {
		line := fmt.Sprintf("  %-16s %-7s %-8s", r.Phone, r.Kind, r.Outcome)
		if r.Reason != "" {
			line += " " + r.Reason
		}
		if r.Error != "" {
			line += ": " + r.Error
		}
		fmt.Fprintln(w, line)
	}
}

func serve(c *cli.Context) error {
	a, err := app.NewApp(configPath(c))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	var reason app.StopReason
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func checkConfig(c *cli.Context) error {
	_, cfg, err := app.LoadConfig(configPath(c))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("config invalid: %v", err), 1)
	}
	fmt.Fprintf(c.App.Writer, "config ok (storage=%s, http=%t, scheduler=%t)\n",
		cfg.Storage.Driver, cfg.HTTP.Enabled, cfg.Scheduler.Enabled)
	return nil
}
