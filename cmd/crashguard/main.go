package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/viewkit/viewproc/crashguard"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "crashguard",
		Usage: "watches an app process and records a crash report if it dies",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     "pid",
				Usage:    "The pid of the app process to watch.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "report-dir",
				Usage: "Directory to write crash reports into.",
				Value: ".",
			},
			&cli.StringFlag{
				Name:     "socket",
				Usage:    "Unix socket path for the diagnostic handoff.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "relaunch-bin",
				Usage: "Binary to relaunch after a crash. Relaunch is disabled when empty.",
			},
			&cli.StringSliceFlag{
				Name:  "relaunch-arg",
				Usage: "Argument to pass to the relaunched binary. May be repeated.",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "How often to check whether the app process is still alive.",
				Value: 200 * time.Millisecond,
			},
		},
		Action: func(ctx *cli.Context) error {
			reportDir := ctx.String("report-dir")
			if err := os.MkdirAll(reportDir, 0o755); err != nil {
				return fmt.Errorf("creating report dir: %w", err)
			}

			// The app process owns stdout/stderr, so the guard logs to a
			// file next to the reports it writes.
			logCfg := zap.NewProductionConfig()
			logCfg.OutputPaths = []string{filepath.Join(reportDir, "crashguard.log")}
			logger, err := logCfg.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()
			log := logger.Sugar().Named("crashguard")

			cfg := crashguard.MonitorConfig{
				AppPID:       ctx.Int("pid"),
				ReportDir:    reportDir,
				SocketPath:   ctx.String("socket"),
				PollInterval: ctx.Duration("poll-interval"),
			}
			if bin := ctx.String("relaunch-bin"); bin != "" {
				cfg.Relaunch = &crashguard.RelaunchSpec{
					BinPath: bin,
					Args:    ctx.StringSlice("relaunch-arg"),
				}
			}

			return crashguard.NewMonitor(log, cfg).Run(context.Background())
		},
	}
	if err := app.Run(os.Args); err != nil {
		stdlog.Fatal(err)
	}
}
