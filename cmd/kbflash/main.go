package main

import (
	"log/slog"
	"os"

	"github.com/kbflash/kbflash/cmd/kbflash/commands"
)

func main() {
	// Replaced by the configured handler once flags and config are parsed.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
