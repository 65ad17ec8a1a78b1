package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli"

	logx "gratibot/pkg/logx"
)

const defaultConfigPath = "./config.json"

func main() {
	if err := newCLI(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gratibot:", err)
		os.Exit(1)
	}
}

func newCLI(stdout, stderr io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "gratibot"
	app.HelpName = "gratibot"
	app.Usage = "daily gratitude prompts by SMS and weekly email digests"
	app.UsageText = "gratibot [--config path] <command> [arguments...]"
	app.Writer = stdout
	app.ErrWriter = stderr
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  defaultConfigPath,
			EnvVar: "GRATIBOT_CONFIG",
			Usage:  "path to the config file (json or yaml)",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:        "users",
			Usage:       "manage subscribers",
			Subcommands: usersCommands,
		},
		{
			Name:        "journal",
			Usage:       "read and write gratitude entries",
			Subcommands: journalCommands,
		},
		{
			Name:   "run",
			Usage:  "evaluate every active user once and exit",
			Action: runOnce,
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "force, f", Usage: "send daily and weekly now without recording them"},
				cli.BoolFlag{Name: "json", Usage: "print the full report as JSON"},
			},
		},
		{
			Name:   "serve",
			Usage:  "run the scheduler and HTTP server until interrupted",
			Action: serve,
		},
		{
			Name:   "check-config",
			Usage:  "load and validate the config file",
			Action: checkConfig,
		},
	}
	return app
}

func configPath(c *cli.Context) string {
	if p := c.GlobalString("config"); p != "" {
		return p
	}
	return defaultConfigPath
}

// cliLog keeps admin commands quiet unless something goes wrong.
func cliLog() logx.Logger {
	return logx.NewConsole("WARN")
}
