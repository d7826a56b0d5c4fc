package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/sysrescue/rescue-kernel-deb/cmd/rescue-kernel-deb/commands"
)

func main() {
	// Structured logs go to stderr, stdout carries the result only
	level := new(slog.LevelVar)
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !colorTerminal(os.Stderr),
	}))
	slog.SetDefault(logger)

	commands.Execute(level)
}

func colorTerminal(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
