package main

import (
	"context"
	"log/slog"
	"os"

	"rhinobridge/internal/app"
)

func main() {
	application, err := app.NewApplication(context.Background())
	if err != nil {
		slog.Error("failed to initialize broker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		slog.Error("broker error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
