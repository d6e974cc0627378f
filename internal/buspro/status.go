package buspro

import (
	"fmt"
	"sync"
	"time"
)

// Category is the functional class a discovered device is served as.
type Category string

// Device categories, matching the platform names entities bind to.
const (
	CategoryLight        Category = "light"
	CategoryCover        Category = "cover"
	CategoryClimate      Category = "climate"
	CategorySensor       Category = "sensor"
	CategoryBinarySensor Category = "binary_sensor"
	CategorySwitch       Category = "switch"
)

// maxChannels caps the channel count a discovery reply may claim per
// category. Replies above the cap are reduced and logged.
var maxChannels = map[Category]int{
	CategoryLight:        12,
	CategoryCover:        2,
	CategoryClimate:      1,
	CategorySensor:       4,
	CategoryBinarySensor: 8,
	CategorySwitch:       12,
}

// Status is the decoded state of one device channel. Exactly one
// concrete type exists per category; payloads are decoded once at the
// protocol boundary instead of being passed around as raw bytes.
type Status interface {
	Category() Category
}

// LightStatus is a dimmer channel state. Brightness is 0-100 percent.
type LightStatus struct {
	On         bool
	Brightness uint8
}

func (LightStatus) Category() Category { return CategoryLight }

// CoverStatus is a curtain/blind channel state. Position is 0-100
// percent open.
type CoverStatus struct {
	Position uint8
}

func (CoverStatus) Category() Category { return CategoryCover }

// ClimateStatus is a floor-heating or HVAC zone state. Temperature is
// degrees Celsius; Mode is the raw HDL mode byte (1=normal, 2=day,
// 3=night, 4=away, 5=timer).
type ClimateStatus struct {
	On          bool
	Temperature float64
	Mode        uint8
}

func (ClimateStatus) Category() Category { return CategoryClimate }

// SensorStatus is a numeric sensor reading, raw units.
type SensorStatus struct {
	Value int
}

func (SensorStatus) Category() Category { return CategorySensor }

// BinaryStatus is a dry-contact or motion channel state.
type BinaryStatus struct {
	On bool
}

func (BinaryStatus) Category() Category { return CategoryBinarySensor }

// SwitchStatus is a relay channel state.
type SwitchStatus struct {
	On bool
}

func (SwitchStatus) Category() Category { return CategorySwitch }

// RawStatus carries an undecodable payload verbatim so subscribers can
// still observe it.
type RawStatus struct {
	Data []byte
}

func (RawStatus) Category() Category { return "" }

// DecodeStatus interprets a read-status response payload for a channel
// of the given category. The payload shapes are those the original HDL
// modules emit; anything shorter falls back to RawStatus rather than
// erroring, since firmware revisions vary.
//
// The channel-count byte offsets here are a heuristic, not a verified
// protocol field.
func DecodeStatus(cat Category, payload []byte) Status {
	switch cat {
	case CategoryLight:
		// [channel, level%] or [level%]
		level := statusValue(payload)
		return LightStatus{On: level > 0, Brightness: clampPercent(level)}

	case CategorySwitch:
		return SwitchStatus{On: statusValue(payload) > 0}

	case CategoryBinarySensor:
		return BinaryStatus{On: statusValue(payload) > 0}

	case CategoryCover:
		return CoverStatus{Position: clampPercent(statusValue(payload))}

	case CategoryClimate:
		// [temp*1, mode] for floor heating; some firmwares scale by 10.
		if len(payload) == 0 {
			return RawStatus{Data: payload}
		}
		st := ClimateStatus{Temperature: float64(payload[0])}
		if st.Temperature > 100 {
			st.Temperature /= 10
		}
		st.On = payload[0] > 0
		if len(payload) > 1 {
			st.Mode = payload[1]
		}
		return st

	case CategorySensor:
		// Temperature-style replies carry the reading in the second
		// byte; single-byte replies carry it in the first.
		if len(payload) >= 2 {
			return SensorStatus{Value: int(payload[1])}
		}
		if len(payload) == 1 {
			return SensorStatus{Value: int(payload[0])}
		}
		return RawStatus{Data: payload}
	}

	return RawStatus{Data: payload}
}

// statusValue extracts the level byte from a channel status payload.
// Two-byte replies are [channel, value]; single-byte replies are just
// the value.
func statusValue(payload []byte) uint8 {
	switch {
	case len(payload) >= 2:
		return payload[1]
	case len(payload) == 1:
		return payload[0]
	default:
		return 0
	}
}

func clampPercent(v uint8) uint8 {
	if v > 100 {
		return 100
	}
	return v
}

// StatusUpdate is one decoded state change for a device channel, as
// delivered to dispatcher subscribers and recorded in the cache.
type StatusUpdate struct {
	Subnet   uint8
	Device   uint8
	Channel  int
	Category Category
	Status   Status
	At       time.Time
}

// Key returns the "subnet.device.channel" cache key for this update.
func (u StatusUpdate) Key() string {
	return StatusKey(u.Subnet, u.Device, u.Channel)
}

// StatusKey formats the cache key for a device channel.
func StatusKey(subnet, device uint8, channel int) string {
	return fmt.Sprintf("%d.%d.%d", subnet, device, channel)
}

// StatusCache holds the last known decoded status per device channel.
// Last write wins: when two responses for the same key interleave,
// whichever is processed last determines the cached value. That is a
// property of the design, not a defect to paper over.
//
// Safe for concurrent use.
type StatusCache struct {
	mu      sync.RWMutex
	entries map[string]StatusUpdate
}

// NewStatusCache creates an empty cache.
func NewStatusCache() *StatusCache {
	return &StatusCache{entries: make(map[string]StatusUpdate)}
}

// Put stores an update, replacing any previous value for its key.
func (c *StatusCache) Put(u StatusUpdate) {
	c.mu.Lock()
	c.entries[u.Key()] = u
	c.mu.Unlock()
}

// Get returns the last update for a device channel, if any.
func (c *StatusCache) Get(subnet, device uint8, channel int) (StatusUpdate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.entries[StatusKey(subnet, device, channel)]
	return u, ok
}

// Snapshot returns a copy of every cached entry.
func (c *StatusCache) Snapshot() map[string]StatusUpdate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]StatusUpdate, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Len returns the number of cached entries.
func (c *StatusCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
