package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"

	"renderd/internal/config"
	"renderd/internal/daemon/supervisor"
	"renderd/internal/handler"
	"renderd/internal/pkg/logger"
	"renderd/internal/render"
)

func main() {
	log := logger.New(logger.DefaultConfig())

	cfg, err := config.Load()
	if err != nil {
		log.LogFatal("invalid configuration", err)
	}

	// The worker outlives single invocations; a warm container reuses it.
	sup := supervisor.New(cfg.Worker, log)
	h := handler.New(render.New(sup, cfg.Render, log), log)

	log.Info("lambda handler ready", "transport", string(cfg.Worker.Transport))
	lambda.StartWithOptions(h.Invoke,
		lambda.WithEnableSIGTERM(func() {
			_ = sup.Terminate(context.Background())
		}),
	)
}
