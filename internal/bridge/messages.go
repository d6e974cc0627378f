package bridge

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-buspro/internal/buspro"
)

// MQTT message types for the gateway's external surface.

// CommandMessage is received on buspro/command/{subnet}/{device}/{channel}
// to execute a channel command.
type CommandMessage struct {
	// Command is the command name (e.g., "on", "off", "dim", "set_position").
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"level": 50} for dim
	//   {"position": 75} for set_position
	//   {"area": 1, "scene": 2} for scene
	Parameters map[string]any `json:"parameters,omitempty"`
}

// StateMessage is published to buspro/state/{subnet}/{device}/{channel}
// whenever a channel's decoded status changes.
// QoS: 1, Retained: Yes
type StateMessage struct {
	// Subnet, Device, Channel identify the bus address.
	Subnet  uint8 `json:"subnet"`
	Device  uint8 `json:"device"`
	Channel int   `json:"channel"`

	// Category is the device category (e.g., "light", "climate").
	Category string `json:"category"`

	// State contains the decoded channel state.
	// Structure depends on category:
	//   light:   {"on": true, "brightness": 80}
	//   cover:   {"position": 50}
	//   climate: {"on": true, "temperature": 21.5, "mode": 1}
	State map[string]any `json:"state"`

	// Timestamp is when the state was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`
}

// DiscoveredDeviceMessage is one device entry in the discovery catalog.
type DiscoveredDeviceMessage struct {
	Subnet       uint8  `json:"subnet"`
	Device       uint8  `json:"device"`
	Model        string `json:"model"`
	Category     string `json:"category"`
	ChannelCount int    `json:"channel_count"`
	Channels     []int  `json:"channels"`
}

// DiscoveryMessage is published to buspro/discovery after a bus scan.
// QoS: 1, Retained: Yes
type DiscoveryMessage struct {
	Devices   []DiscoveredDeviceMessage `json:"devices"`
	Timestamp time.Time                 `json:"timestamp"`
}

// parseCommandTopic extracts the bus address from a command topic of the
// form buspro/command/{subnet}/{device}/{channel}.
func parseCommandTopic(topic string) (subnet, device uint8, channel int, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "buspro" || parts[1] != "command" {
		return 0, 0, 0, fmt.Errorf("invalid command topic: %s", topic)
	}

	s, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid subnet in topic %s: %w", topic, err)
	}
	d, err := strconv.ParseUint(parts[3], 10, 8)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid device in topic %s: %w", topic, err)
	}
	ch, err := strconv.Atoi(parts[4])
	if err != nil || ch < 0 {
		return 0, 0, 0, fmt.Errorf("invalid channel in topic %s", topic)
	}

	return uint8(s), uint8(d), ch, nil
}

// statusFields flattens a decoded channel status into JSON-friendly
// state fields. RawStatus payloads are reported as a hex string so
// consumers can still observe undecoded traffic.
func statusFields(s buspro.Status) map[string]any {
	switch v := s.(type) {
	case buspro.LightStatus:
		return map[string]any{"on": v.On, "brightness": int(v.Brightness)}
	case buspro.CoverStatus:
		return map[string]any{"position": int(v.Position)}
	case buspro.ClimateStatus:
		return map[string]any{"on": v.On, "temperature": v.Temperature, "mode": int(v.Mode)}
	case buspro.SensorStatus:
		return map[string]any{"value": v.Value}
	case buspro.BinaryStatus:
		return map[string]any{"on": v.On}
	case buspro.SwitchStatus:
		return map[string]any{"on": v.On}
	case buspro.RawStatus:
		return map[string]any{"raw": fmt.Sprintf("%x", v.Data)}
	default:
		return nil
	}
}

// historyFields converts a decoded status into InfluxDB field values.
// Booleans become 0/1 so they can be graphed; raw payloads are skipped.
func historyFields(s buspro.Status) map[string]interface{} {
	boolField := func(b bool) int64 {
		if b {
			return 1
		}
		return 0
	}

	switch v := s.(type) {
	case buspro.LightStatus:
		return map[string]interface{}{"on": boolField(v.On), "brightness": float64(v.Brightness)}
	case buspro.CoverStatus:
		return map[string]interface{}{"position": float64(v.Position)}
	case buspro.ClimateStatus:
		return map[string]interface{}{"on": boolField(v.On), "temperature": v.Temperature, "mode": int64(v.Mode)}
	case buspro.SensorStatus:
		return map[string]interface{}{"value": float64(v.Value)}
	case buspro.BinaryStatus:
		return map[string]interface{}{"on": boolField(v.On)}
	case buspro.SwitchStatus:
		return map[string]interface{}{"on": boolField(v.On)}
	default:
		return nil
	}
}
