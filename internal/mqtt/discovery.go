//go:build !no_mqtt

package mqtt

import (
	"strings"
)

const discoveryPrefix = "homeassistant"

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // homeassistant/<component>/<node>/<object>/config
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// haDiscovery covers the fields used by the sensor, binary_sensor and number
// components.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Min               *float64 `json:"min,omitempty"`
	Max               *float64 `json:"max,omitempty"`
	Mode              string   `json:"mode,omitempty"`
	Device            haDevice `json:"device"`
}

// nodeID is the HA identifier of the watch, derived from its BLE name.
func nodeID(deviceName string) string {
	name := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(deviceName))
	if name == "" {
		name = "watch"
	}
	return "watchtwin_" + name
}

// buildDiscovery returns the discovery messages describing the watch: its
// face labels, clock, BLE connectivity and a number entity that sets the time.
func buildDiscovery(t topics, deviceName, version string) []discoveryMsg {
	node := nodeID(deviceName)
	dev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "watchtwin",
		Model:        "Smartwatch time twin",
		Name:         deviceName,
		SWVersion:    version,
	}
	base := func(object, name string) haDiscovery {
		return haDiscovery{
			Name:              name,
			UniqueID:          node + "_" + object,
			StateTopic:        t.state,
			AvailabilityTopic: t.availability,
			Device:            dev,
		}
	}

	clock := base("clock", "Clock")
	clock.ValueTemplate = "{{ value_json.clock }}"
	clock.Icon = "mdi:clock-digital"

	date := base("date", "Date")
	date.ValueTemplate = "{{ value_json.date }}"
	date.Icon = "mdi:calendar"

	day := base("day", "Day")
	day.ValueTemplate = "{{ value_json.day }}"
	day.Icon = "mdi:calendar-week"

	ts := base("time", "Time")
	ts.ValueTemplate = "{{ value_json.utc }}"
	ts.DeviceClass = "timestamp"

	offset := base("utc_offset", "UTC offset")
	offset.ValueTemplate = "{{ value_json.utc_offset }}"
	offset.UnitOfMeasurement = "h"
	offset.EntityCategory = "diagnostic"

	connected := base("connected", "Phone connected")
	connected.ValueTemplate = "{{ value_json.connected }}"
	connected.DeviceClass = "connectivity"
	connected.PayloadOn = "ON"
	connected.PayloadOff = "OFF"

	minEpoch, maxEpoch := 0.0, float64(^uint32(0))
	epoch := base("epoch", "Epoch")
	epoch.ValueTemplate = "{{ value_json.epoch }}"
	epoch.CommandTopic = t.timeSet
	epoch.Min = &minEpoch
	epoch.Max = &maxEpoch
	epoch.Mode = "box"
	epoch.Icon = "mdi:clock-edit"
	epoch.EntityCategory = "config"

	entries := []struct {
		component string
		object    string
		payload   haDiscovery
	}{
		{"sensor", "clock", clock},
		{"sensor", "date", date},
		{"sensor", "day", day},
		{"sensor", "time", ts},
		{"sensor", "utc_offset", offset},
		{"binary_sensor", "connected", connected},
		{"number", "epoch", epoch},
	}
	msgs := make([]discoveryMsg, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, discoveryMsg{
			Topic:   discoveryPrefix + "/" + e.component + "/" + node + "/" + e.object + "/config",
			Payload: mustJSON(e.payload),
		})
	}
	return msgs
}
