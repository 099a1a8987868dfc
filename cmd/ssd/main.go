// Package main is the ssd command line tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	flagDebug     = "debug"
	flagConfig    = "config"
	flagModel     = "model"
	flagFamily    = "family"
	flagBackbone  = "backbone"
	flagOnnx      = "onnx-model"
	flagLibrary   = "ort-library"
	flagProvider  = "provider"
	flagOutput    = "output"
	flagAddr      = "addr"
	flagOffset    = "offset"
	flagLimit     = "limit"
	flagThreshold = "confidence"
	flagClasses   = "classes"
	flagMapTo     = "map-to"
	flagInputSize = "input-size"
)

func main() {
	// A missing .env is not an error.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	var logger *zap.Logger

	return &cli.App{
		Name:  "ssd",
		Usage: "single shot detector priors, decoding and inference",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Usage:   "enable debug logging",
				EnvVars: []string{"SSD_DEBUG"},
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if c.Bool(flagDebug) {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			return err
		},
		After: func(c *cli.Context) error {
			if logger != nil {
				_ = logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			priorsCommand(),
			decodeCommand(),
			detectCommand(func() *zap.Logger { return logger }),
			serveCommand(func() *zap.Logger { return logger }),
			benchCommand(func() *zap.Logger { return logger }),
		},
	}
}
