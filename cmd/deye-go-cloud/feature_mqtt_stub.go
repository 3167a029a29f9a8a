//go:build no_mqtt

package main

import (
	"fmt"
	"log/slog"

	"deye-go-cloud/internal/poller"
	"deye-go-cloud/internal/store"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func (m *mqttStopper) Purge(_ store.Store) error {
	return fmt.Errorf("built without mqtt support")
}

func initMQTT(_ *poller.Poller, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
