//go:build no_mqtt

package main

import (
	"log/slog"

	"watchtwin/internal/watch"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *watch.Watch, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
