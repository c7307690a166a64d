//go:build no_mqtt

package main

import (
	"log/slog"

	"atlas-audio-control/internal/control"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *control.Controller, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
