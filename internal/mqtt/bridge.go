//go:build !no_mqtt

// Package mqtt publishes the inverter state to an MQTT broker with Home
// Assistant autodiscovery. The whole snapshot is one retained JSON state
// document; each reading gets its own discovery config.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"deye-go-cloud/internal/poller"
	"deye-go-cloud/internal/reading"
	"deye-go-cloud/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	DeviceSN    string
}

// Bridge connects the poller to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	poller *poller.Poller
	prefix string
	sn     string
	logger *slog.Logger
	unsub  func()

	// Readings already announced via discovery.
	mu         sync.Mutex
	discovered map[string]bool
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(p *poller.Poller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		poller:     p,
		prefix:     cfg.TopicPrefix,
		sn:         cfg.DeviceSN,
		logger:     logger.With("component", "mqtt"),
		discovered: make(map[string]bool),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("deye-go-cloud").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.publishSnapshot(b.poller.Snapshot())
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to poller events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.poller.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event poller.Event) {
	switch event.Type {
	case poller.EventReadingAdded:
		if rd, ok := event.Data.(reading.Reading); ok {
			b.publishDiscovery(rd)
		}
	case poller.EventSnapshotUpdated:
		if snap, ok := event.Data.(reading.Snapshot); ok {
			b.publishSnapshot(snap)
		}
	case poller.EventUpdateFailed:
		// The retained state document stays valid; only availability flips.
		b.publishBridgeState("offline")
	}
}

// publishSnapshot publishes the whole snapshot as one retained JSON state
// document keyed by reading ID, and re-asserts availability.
func (b *Bridge) publishSnapshot(snap reading.Snapshot) {
	state := make(map[string]any, len(snap))
	for id, rd := range snap {
		state[id] = rd.Value.Native()
	}
	b.publish(b.prefix+"/state", mustJSON(state), true)
	b.publishBridgeState("online")
}

func (b *Bridge) publishDiscovery(rd reading.Reading) {
	b.mu.Lock()
	if b.discovered[rd.ID] {
		b.mu.Unlock()
		return
	}
	b.discovered[rd.ID] = true
	b.mu.Unlock()

	msg := buildReadingDiscovery(rd, b.sn, b.prefix)
	b.publish(msg.Topic, msg.Payload, true)
	b.logger.Info("published HA discovery", "id", rd.ID, "name", rd.Name)
}

// publishAllDiscovery re-announces every reading in the current snapshot.
// Called on each (re)connect so a restarted broker regains the configs.
func (b *Bridge) publishAllDiscovery() {
	b.mu.Lock()
	b.discovered = make(map[string]bool)
	b.mu.Unlock()

	for _, rd := range b.poller.Snapshot() {
		b.publishDiscovery(rd)
	}
}

// PurgeDiscovery clears the retained discovery configs for the given
// readings, removing their entities from Home Assistant.
func (b *Bridge) PurgeDiscovery(metas []*store.ReadingMeta) {
	for _, msg := range buildRemoveDiscovery(metas, b.sn) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.mu.Lock()
	b.discovered = make(map[string]bool)
	b.mu.Unlock()
	b.logger.Info("purged HA discovery", "readings", len(metas))
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
