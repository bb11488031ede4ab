package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/guseggert/stdiorpc/process"
	"github.com/guseggert/stdiorpc/rpc"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "stdiorpc",
		Usage: "talk to a JSON-RPC server over the stdio of a child process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "cwd",
				Usage: "Working directory for the server command.",
			},
			&cli.BoolFlag{
				Name:  "shell",
				Usage: "Run the server command through the shell, as a single command line.",
			},
			&cli.BoolFlag{
				Name:  "tee-stderr",
				Usage: "Mirror the server's stderr to this process's stderr while running.",
			},
			&cli.DurationFlag{
				Name:  "io-timeout",
				Usage: "Deadline for any exchange that has no step timeout of its own.",
				Value: rpc.DefaultTimeout,
			},
			&cli.DurationFlag{
				Name:  "grace",
				Usage: "How long the server gets to exit after its stdin is closed, before it is signalled.",
				Value: process.DefaultTerminateWait,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Commands: []*cli.Command{
			probeCommand,
			callCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(cctx *cli.Context) (*zap.Logger, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	if !cctx.Bool("debug") {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	}
	return logger, nil
}

// serverRequest builds the child's start request from the arguments after "--".
func serverRequest(cctx *cli.Context) (process.StartProcRequest, error) {
	args := cctx.Args().Slice()
	if len(args) == 0 {
		return process.StartProcRequest{}, errors.New("no server command given, pass it after --")
	}
	req := process.StartProcRequest{WD: cctx.String("cwd")}
	if cctx.Bool("shell") {
		req.Command = strings.Join(args, " ")
		req.Shell = true
	} else {
		req.Command = args[0]
		req.Args = args[1:]
	}
	if cctx.Bool("tee-stderr") {
		req.StderrMirror = cctx.App.ErrWriter
	}
	return req, nil
}

func spawnClient(cctx *cli.Context, logger *zap.Logger) (*rpc.Client, error) {
	req, err := serverRequest(cctx)
	if err != nil {
		return nil, err
	}
	client, err := rpc.Spawn(req,
		rpc.WithLogger(logger),
		rpc.WithTimeout(cctx.Duration("io-timeout")),
		rpc.WithName(cctx.Command.Name),
	)
	if err != nil {
		return nil, fmt.Errorf("starting server: %w", err)
	}
	return client, nil
}

// signalContext is canceled on interrupt, so that the child is still torn down.
func signalContext(cctx *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cctx.Context, os.Interrupt)
}
