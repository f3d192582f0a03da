package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"earnings-alerts/internal/infrastructure/config"
	"earnings-alerts/internal/interface/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cli.NewApp()).ExecuteContext(ctx); err != nil {
		color.Red("✗ %v", err)
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			color.Yellow("💡 fix the listed settings in config.yaml or the environment")
		}
		stop()
		os.Exit(1)
	}
}
