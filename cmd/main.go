package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"policy-agent/internal/app"
	"policy-agent/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg := config.Load()
	app.SetupLogging(cfg.LogLevel)

	// ---- Wiring ----
	h, err := app.Build(ctx, cfg, app.DefaultAWSLoader)
	if err != nil {
		slog.Error("failed to build handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
