package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"renderd/internal/apiclient"
	"renderd/internal/config"
	contracts "renderd/internal/contracts/renderer/v0"
	"renderd/internal/daemon/supervisor"
	"renderd/internal/daemon/transport"
	"renderd/internal/pkg/logger"
	"renderd/internal/render"
)

func main() {
	app := &cli.App{
		Name:  "renderctl",
		Usage: "operate the video renderer worker directly or through renderd",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "remote",
				Usage: "Base URL of a running renderd. When empty the worker is spawned locally.",
			},
			&cli.StringFlag{
				Name:  "binary",
				Usage: "Worker binary for local mode (overrides WORKER_BINARY).",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "Worker transport for local mode, pipe or socket (overrides WORKER_TRANSPORT).",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "render",
				Usage: "render one video and write it to a file",
				Flags: []cli.Flag{
					&cli.Float64Flag{
						Name:  "seconds",
						Usage: "Video duration in seconds.",
						Value: render.DefaultSeconds,
					},
					&cli.StringFlag{
						Name:  "out",
						Usage: "Where to write the decoded video.",
						Value: "output.mp4",
					},
				},
				Action: renderCmd,
			},
			{
				Name:  "probe",
				Usage: "start the worker (or ask renderd) and print its health",
				Action: probeCmd,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "renderctl:", err)
		os.Exit(1)
	}
}

func renderCmd(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		res contracts.Result
		err error
	)
	if remote := c.String("remote"); remote != "" {
		res, err = apiclient.New(remote, 0).Render(ctx, c.Float64("seconds"))
		if err != nil {
			return fmt.Errorf("calling renderd: %w", err)
		}
	} else {
		sup, orch, err := local(c)
		if err != nil {
			return err
		}
		defer terminate(sup)
		res = orch.Render(ctx, contracts.RenderRequest{Seconds: c.Float64("seconds")})
	}

	if !res.Success {
		_ = printJSON(res)
		return fmt.Errorf("render failed: %s", res.Error)
	}

	video, err := base64.StdEncoding.DecodeString(res.Video)
	if err != nil {
		return fmt.Errorf("decoding video: %w", err)
	}
	if err := os.WriteFile(c.String("out"), video, 0o644); err != nil {
		return fmt.Errorf("writing video: %w", err)
	}

	return printJSON(map[string]any{
		"success":   true,
		"file_size": res.FileSize,
		"out":       c.String("out"),
	})
}

func probeCmd(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if remote := c.String("remote"); remote != "" {
		h, err := apiclient.New(remote, 30*time.Second).Health(ctx)
		if err != nil {
			return fmt.Errorf("calling renderd: %w", err)
		}
		return printJSON(h)
	}

	sup, orch, err := local(c)
	if err != nil {
		return err
	}
	defer terminate(sup)

	if _, err := sup.EnsureAlive(ctx); err != nil {
		_ = printJSON(orch.Health())
		return fmt.Errorf("starting worker: %w", err)
	}
	return printJSON(map[string]any{
		"health": orch.Health(),
		"status": sup.Status(),
	})
}

func local(c *cli.Context) (*supervisor.Supervisor, *render.Orchestrator, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if b := c.String("binary"); b != "" {
		cfg.Worker.Binary = b
	}
	if t := c.String("transport"); t != "" {
		kind, err := transport.ParseKind(t)
		if err != nil {
			return nil, nil, err
		}
		cfg.Worker.Transport = kind
	}

	// worker output goes to stderr so stdout stays machine readable
	lc := logger.DefaultConfig()
	lc.Output = os.Stderr
	log := logger.New(lc)

	sup := supervisor.New(cfg.Worker, log)
	return sup, render.New(sup, cfg.Render, log), nil
}

func terminate(sup *supervisor.Supervisor) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = sup.Terminate(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
