//go:build !no_mqtt

package main

import (
	"fmt"
	"log/slog"

	mqttbridge "deye-go-cloud/internal/mqtt"

	"deye-go-cloud/internal/poller"
	"deye-go-cloud/internal/store"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

// Purge removes the retained discovery configs for every reading the store
// has ever seen.
func (m *mqttStopper) Purge(db store.Store) error {
	if m.bridge == nil {
		return fmt.Errorf("mqtt is not enabled")
	}
	metas, err := db.ListReadingMeta()
	if err != nil {
		return fmt.Errorf("list readings: %w", err)
	}
	m.bridge.PurgeDiscovery(metas)
	return nil
}

func initMQTT(p *poller.Poller, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}

	sn := cfg.Cloud.DeviceSN
	if sn == "" {
		sn = "inverter"
	}

	bridge, err := mqttbridge.NewBridge(p, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		DeviceSN:    sn,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
