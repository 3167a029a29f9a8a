//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"deye-go-cloud/internal/reading"
	"deye-go-cloud/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/deye_SN123/grid_power/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// unitSets for class derivation. Unit match takes priority, name substring
// second, mirroring how the readings are labeled upstream.
var (
	powerUnits   = map[string]bool{"W": true, "kW": true, "MW": true}
	voltageUnits = map[string]bool{"V": true, "kV": true}
	currentUnits = map[string]bool{"A": true, "mA": true}
	freqUnits    = map[string]bool{"Hz": true, "kHz": true}
	energyUnits  = map[string]bool{"Wh": true, "kWh": true, "MWh": true}
)

// deriveClasses returns the HA device_class and state_class for a reading
// based on its unit and name.
func deriveClasses(name, unit string) (deviceClass, stateClass string) {
	lname := strings.ToLower(name)
	switch {
	case powerUnits[unit] || strings.Contains(lname, "power"):
		return "power", "measurement"
	case voltageUnits[unit] || strings.Contains(lname, "voltage"):
		return "voltage", "measurement"
	case currentUnits[unit] || strings.Contains(lname, "current"):
		return "current", "measurement"
	case freqUnits[unit] || strings.Contains(lname, "frequency"):
		return "frequency", "measurement"
	case energyUnits[unit] || strings.Contains(lname, "energy") || strings.Contains(lname, "production"):
		return "energy", "total_increasing"
	case unit == "%" || lname == "soc" || lname == "bmssoc":
		return "battery", "measurement"
	}
	return "", "measurement"
}

// deriveIcon picks an MDI icon for a reading. Falls back to a generic chart.
func deriveIcon(name, unit string) string {
	lname := strings.ToLower(name)
	lunit := strings.ToLower(unit)
	switch {
	case lunit == "w" || lunit == "kw" || lunit == "mw" || strings.Contains(lname, "power"):
		return "mdi:lightning-bolt"
	case lunit == "v" || lunit == "kv" || strings.Contains(lname, "voltage"):
		return "mdi:lightning-bolt-outline"
	case lunit == "a" || lunit == "ma" || strings.Contains(lname, "current"):
		return "mdi:current-ac"
	case lunit == "hz" || lunit == "khz" || strings.Contains(lname, "frequency"):
		return "mdi:sine-wave"
	case lunit == "wh" || lunit == "kwh" || lunit == "mwh" || strings.Contains(lname, "energy") || strings.Contains(lname, "production"):
		return "mdi:battery-charging"
	case lunit == "%" || lname == "soc" || lname == "bmssoc":
		return "mdi:percent"
	case lunit == "°c" || lunit == "°f" || lunit == "c" || lunit == "f" || strings.Contains(lname, "temp"):
		return "mdi:thermometer"
	}
	return "mdi:chart-line"
}

// inverterDevice builds the HA device block shared by every entity.
func inverterDevice(deviceSN string) haDevice {
	return haDevice{
		Identifiers:  []string{"deye_" + deviceSN},
		Manufacturer: "Deye",
		Model:        "Deye Inverter",
		Name:         "Deye Inverter",
	}
}

// buildReadingDiscovery generates the discovery config for one reading.
// device_online becomes a binary_sensor; everything else a sensor.
func buildReadingDiscovery(rd reading.Reading, deviceSN, prefix string) discoveryMsg {
	nodeID := "deye_" + deviceSN
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/state"
	haDev := inverterDevice(deviceSN)

	if rd.ID == reading.DeviceOnlineID {
		topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, rd.ID)
		payload := haDiscovery{
			Name:              "Deye " + rd.Name,
			UniqueID:          nodeID + "_" + rd.ID,
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			ValueTemplate:     fmt.Sprintf("{{ 'ON' if value_json['%s'] else 'OFF' }}", rd.ID),
			DeviceClass:       "connectivity",
			PayloadOn:         "ON",
			PayloadOff:        "OFF",
			Device:            haDev,
		}
		return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
	}

	deviceClass, stateClass := deriveClasses(rd.Name, rd.Unit)
	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, rd.ID)
	payload := haDiscovery{
		Name:              "Deye " + rd.Name,
		UniqueID:          nodeID + "_" + rd.ID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		// Subscript form: normalized ids can carry characters (".", "%")
		// that are not valid in Jinja attribute access.
		ValueTemplate:     fmt.Sprintf("{{ value_json['%s'] }}", rd.ID),
		UnitOfMeasurement: rd.Unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Icon:              deriveIcon(rd.Name, rd.Unit),
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages clearing the
// discovery configs for the given reading IDs.
func buildRemoveDiscovery(metas []*store.ReadingMeta, deviceSN string) []discoveryMsg {
	nodeID := "deye_" + deviceSN
	var msgs []discoveryMsg
	for _, m := range metas {
		comp := "sensor"
		if m.ID == reading.DeviceOnlineID {
			comp = "binary_sensor"
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", comp, nodeID, m.ID),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
