//go:build no_automation

package main

import (
	"log/slog"

	"watchtwin/internal/watch"
	"watchtwin/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *watch.Watch, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
