package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"github.com/viewkit/viewproc/internal/config"
	"github.com/viewkit/viewproc/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "viewworker",
		Usage: "the view process worker, spawned and supervised by the app process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "endpoint",
				Usage:    "The channel endpoint URL of the app process.",
				EnvVars:  []string{config.EnvEndpoint},
				Required: true,
			},
			&cli.Uint64Flag{
				Name:     "generation",
				Usage:    "The generation this worker was spawned under.",
				EnvVars:  []string{config.EnvGeneration},
				Required: true,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: func(ctx *cli.Context) error {
			endpoint := ctx.String("endpoint")
			gen := ctx.Uint64("generation")
			levelStr := ctx.String("log-level")

			var level zapcore.Level
			if err := level.UnmarshalText([]byte(levelStr)); err != nil {
				return fmt.Errorf("parsing log level %q: %w", levelStr, err)
			}

			logCfg := zap.NewProductionConfig()
			logCfg.Level = zap.NewAtomicLevelAt(level)
			logger, err := logCfg.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()
			log := logger.Sugar().Named("viewworker")

			log.Infof("starting as pid %d, generation %d", os.Getpid(), gen)

			w := worker.New(log, worker.NewHeadless())
			return w.Run(context.Background(), endpoint, gen)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
