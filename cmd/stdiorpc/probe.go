package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/guseggert/stdiorpc/probe"
	"github.com/urfave/cli/v2"
)

var probeCommand = &cli.Command{
	Name:      "probe",
	Usage:     "run a handshake and discovery scenario against a server",
	ArgsUsage: "-- <server command...>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "scenario",
			Usage: "YAML scenario to run. Defaults to the nearest " + probe.ScenarioFile + ", then to the built in handshake.",
		},
		&cli.StringFlag{
			Name:  "protocol-version",
			Usage: "protocolVersion sent in initialize.",
			Value: probe.DefaultProtocolVersion,
		},
		&cli.StringFlag{
			Name:  "client-name",
			Usage: "clientInfo.name sent in initialize.",
			Value: probe.DefaultClientName,
		},
		&cli.StringFlag{
			Name:  "client-version",
			Usage: "clientInfo.version sent in initialize.",
			Value: probe.DefaultClientVersion,
		},
		&cli.StringFlag{
			Name:  "expected-tool",
			Usage: "Require this tool in tools/list. Empty disables the check.",
			Value: probe.DefaultExpectedTool,
		},
		&cli.DurationFlag{
			Name:  "step-timeout",
			Usage: "Deadline for each step.",
			Value: probe.DefaultStepTimeout,
		},
		&cli.DurationFlag{
			Name:  "max-initialize",
			Usage: "Fail if initialize takes longer than this.",
			Value: probe.DefaultMaxLatency,
		},
		&cli.DurationFlag{
			Name:  "max-discovery",
			Usage: "Fail if tools/list or resources/list takes longer than this.",
			Value: probe.DefaultMaxLatency,
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print a machine readable report.",
		},
		&cli.StringFlag{
			Name:  "capture",
			Usage: "Also write the JSON report, including tool payloads, to this file.",
		},
	},
	Action: runProbe,
}

func loadScenario(cctx *cli.Context) (*probe.Scenario, error) {
	path := cctx.String("scenario")
	if path == "" {
		dir := cctx.String("cwd")
		if dir == "" {
			dir = "."
		}
		found, err := probe.FindScenario(dir)
		if err != nil {
			return nil, fmt.Errorf("looking for %s: %w", probe.ScenarioFile, err)
		}
		path = found
	}
	if path != "" {
		return probe.LoadScenario(path)
	}
	return probe.DefaultScenario(probe.DefaultOptions{
		ProtocolVersion: cctx.String("protocol-version"),
		ClientName:      cctx.String("client-name"),
		ClientVersion:   cctx.String("client-version"),
		ExpectedTool:    cctx.String("expected-tool"),
		MaxInitialize:   cctx.Duration("max-initialize"),
		MaxDiscovery:    cctx.Duration("max-discovery"),
		StepTimeout:     cctx.Duration("step-timeout"),
	}), nil
}

func runProbe(cctx *cli.Context) error {
	logger, err := newLogger(cctx)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	scenario, err := loadScenario(cctx)
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

	start := time.Now()
	runner := &probe.Runner{Client: client, Log: logger.Sugar().Named("probe")}
	report, runErr := runner.Run(ctx, scenario)
	result := client.Teardown(grace)
	logger.Sugar().Debugf("probe finished in %s, server exit code %d", time.Since(start), result.ExitCode)

	out := newOutput(report, runErr, result)
	if path := cctx.String("capture"); path != "" {
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding capture: %w", err)
		}
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return fmt.Errorf("writing capture: %w", err)
		}
	}
	if cctx.Bool("json") {
		if err := out.writeJSON(cctx.App.Writer); err != nil {
			return err
		}
	} else {
		out.writeText(cctx.App.Writer)
	}
	if runErr != nil {
		return cli.Exit("", 1)
	}
	return nil
}
