package mqtt

import "fmt"

// Topic prefixes for the Buspro gateway's MQTT surface.
//
// Device topics use the flat scheme: buspro/{category}/{subnet}/{device}/{channel}
// where subnet, device and channel are decimal bus addresses.
const (
	// TopicPrefix is the base for all gateway topics.
	TopicPrefix = "buspro"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "buspro/system"
)

// Topics provides builders for the gateway's MQTT topics. Using these
// helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.ChannelState(1, 5, 2)
//	// Returns: "buspro/state/1/5/2"
type Topics struct{}

// ChannelState returns the topic for one device channel's state.
//
// Example: buspro/state/1/5/2
func (Topics) ChannelState(subnet, device uint8, channel int) string {
	return fmt.Sprintf("%s/state/%d/%d/%d", TopicPrefix, subnet, device, channel)
}

// ChannelCommand returns the topic commands for one channel arrive on.
//
// Example: buspro/command/1/5/2
func (Topics) ChannelCommand(subnet, device uint8, channel int) string {
	return fmt.Sprintf("%s/command/%d/%d/%d", TopicPrefix, subnet, device, channel)
}

// Discovery returns the topic the device catalog is published to.
//
// Example: buspro/discovery
func (Topics) Discovery() string {
	return fmt.Sprintf("%s/discovery", TopicPrefix)
}

// SystemStatus returns the gateway online/offline status topic.
//
// Example: buspro/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllCommands returns a pattern matching every channel command topic.
//
// Pattern: buspro/command/+/+/+
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/+/+/+", TopicPrefix)
}

// AllStates returns a pattern matching every channel state topic.
//
// Pattern: buspro/state/+/+/+
func (Topics) AllStates() string {
	return fmt.Sprintf("%s/state/+/+/+", TopicPrefix)
}

// AllTopics returns a pattern matching all gateway topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: buspro/#
func (Topics) AllTopics() string {
	return "buspro/#"
}
