//go:build no_automation

package main

import (
	"log/slog"

	"atlas-audio-control/internal/control"
	"atlas-audio-control/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *control.Controller, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
