// Command gradesync reconciles externally graded work with the LMS roster,
// applies late penalties and uploads the final scores.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "gradesync",
		Usage: "reconcile survey and autograder scores with the LMS gradebook",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"GRADESYNC_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (overrides config)"},
			&cli.BoolFlag{Name: "json-logs", Usage: "log as JSON on stderr"},
			&cli.BoolFlag{Name: "no-color", Usage: "disable colored reports"},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("no-color") {
				color.NoColor = true
			}
			if path := c.String("config"); path != "" {
				return os.Setenv("GRADESYNC_CONFIG", path)
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			selfGradeCommand(),
			matlabCommand(),
			reconcileCommand(),
			uploadCommand(),
			runsCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
