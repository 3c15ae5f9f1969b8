package main

import (
	"os"

	"github.com/urfave/cli"

	appLog "shotcal/internal/log"
)

var version = "0.1.0-dev"

func main() {
	app := cli.App{
		Name:      "shotcal",
		HelpName:  "shotcal",
		Usage:     "route macOS screenshots into a folder per calendar event",
		Version:   version,
		UsageText: "shotcal [global options] <command> [arguments...]",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:   "config, c",
				Usage:  "path to the YAML config file",
				EnvVar: "SHOTCAL_CONFIG",
			},
			cli.StringFlag{
				Name:   "log-level",
				Value:  "info",
				Usage:  "debug, info, warn or error",
				EnvVar: "SHOTCAL_LOG_LEVEL",
			},
		},
		Before: func(c *cli.Context) error {
			appLog.SetLevel(appLog.ParseLevel(c.GlobalString("log-level")))
			return nil
		},
		Commands: []cli.Command{
			{
				Name:   "run",
				Usage:  "poll the calendar and switch the capture folder around events",
				Action: runCmd,
			},
			{
				Name:   "auth",
				Usage:  "authorize read access to Google Calendar and store the token",
				Action: authCmd,
			},
			{
				Name:   "once",
				Usage:  "fetch today's events and print the jobs a poll would schedule",
				Action: onceCmd,
			},
			{
				Name:   "reset",
				Usage:  "point the capture folder back at the default location",
				Action: resetCmd,
			},
		},
		Action: runCmd,
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("shotcal failed", err)
		os.Exit(1)
	}
}
