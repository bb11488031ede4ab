package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/guseggert/stdiorpc/probe"
	"github.com/urfave/cli/v2"
)

var callCommand = &cli.Command{
	Name:      "call",
	Usage:     "perform the handshake, then send one request and print its result",
	ArgsUsage: "-- <server command...>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "method",
			Usage:    "Method to call.",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "params",
			Usage: "Params as a JSON object.",
			Value: "{}",
		},
		&cli.BoolFlag{
			Name:  "no-handshake",
			Usage: "Skip initialize and the initialized notification.",
		},
		&cli.StringFlag{
			Name:  "protocol-version",
			Usage: "protocolVersion sent in initialize.",
			Value: probe.DefaultProtocolVersion,
		},
	},
	Action: runCall,
}

func callScenario(method, params, protocolVersion string, noHandshake bool) (*probe.Scenario, error) {
	raw := json.RawMessage(bytes.TrimSpace([]byte(params)))
	if !json.Valid(raw) || raw[0] != '{' {
		return nil, fmt.Errorf("parsing params: not a JSON object: %q", params)
	}
	s := probe.DefaultScenario(probe.DefaultOptions{ProtocolVersion: protocolVersion})
	// keep the handshake, replace discovery with the call
	s.Steps = s.Steps[:2]
	if noHandshake {
		s.Steps = nil
	}
	s.Steps = append(s.Steps, probe.Step{Name: method, Method: method, RawParams: raw})
	for i := range s.Steps {
		s.Steps[i].MaxLatency = 0
	}
	return s, nil
}

func runCall(cctx *cli.Context) error {
	logger, err := newLogger(cctx)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	scenario, err := callScenario(cctx.String("method"), cctx.String("params"), cctx.String("protocol-version"), cctx.Bool("no-handshake"))
	if err != nil {
		return err
	}
	client, err := spawnClient(cctx, logger)
	if err != nil {
		return err
	}
	grace := cctx.Duration("grace")
	defer client.Teardown(grace)

	ctx, cancel := signalContext(cctx)
	defer cancel()

	runner := &probe.Runner{Client: client, Log: logger.Sugar().Named("call")}
	report, runErr := runner.Run(ctx, scenario)
	result := client.Teardown(grace)
	if runErr != nil {
		newOutput(report, runErr, result).writeText(cctx.App.ErrWriter)
		return cli.Exit("", 1)
	}

	last := report.Steps[len(report.Steps)-1]
	return writeIndented(cctx.App.Writer, last.Payload)
}
