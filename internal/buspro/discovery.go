package buspro

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Discovery scan behaviour.
const (
	// discoveryRepeatDelay spaces the two broadcast sends of a scan.
	// Devices answer independently; sending twice covers datagram loss.
	discoveryRepeatDelay = 200 * time.Millisecond

	// defaultChannelCount is assumed when neither the reply payload nor
	// the type table yields a usable channel count.
	defaultChannelCount = 1
)

// deviceType describes how one HDL type code is served. Channel counts
// are ported from the module generations in the field; the reply
// payload may override them.
type deviceType struct {
	category Category
	channels int
	model    string
}

// deviceTypes maps HDL type codes to categories. Unlisted codes default
// to light with a logged fallback.
var deviceTypes = map[uint16]deviceType{
	// Plain loads
	0x0001: {CategoryLight, 1, "HDL-Generic-Light"},
	0x0002: {CategorySwitch, 1, "HDL-Generic-Switch"},

	// Dimmer modules
	0x0178: {CategoryLight, 6, "HDL-MPDI06.40K"},
	0x0251: {CategoryLight, 4, "HDL-MD0X04.40"},
	0x0254: {CategoryLight, 2, "HDL-MLED02.40K"},
	0x0255: {CategoryLight, 1, "HDL-MLED01.40K"},
	0x0260: {CategoryLight, 6, "HDL-DN-DT0601"},
	0x026D: {CategoryLight, 6, "HDL-MDT0601"},

	// Relay modules
	0x0188: {CategorySwitch, 8, "HDL-MR0810.433"},
	0x0189: {CategorySwitch, 16, "HDL-MR1610.431"},
	0x018A: {CategorySwitch, 4, "HDL-MR0416.432"},
	0x01AC: {CategorySwitch, 8, "HDL-R0816"},

	// Curtain/blind modules
	0x0180: {CategoryCover, 1, "HDL-MW02.431"},
	0x0182: {CategoryCover, 4, "HDL-MW04.431"},

	// Climate modules
	0x0073: {CategoryClimate, 4, "HDL-MFHC01.431"},
	0x0174: {CategoryClimate, 1, "HDL-MPWPID01.48"},
	0x0270: {CategoryClimate, 1, "HDL-MAC01.431"},
	0x0077: {CategoryClimate, 4, "HDL-DRY-4Z"},

	// DLP panels and Granite touch screens act as thermostats
	0x0028: {CategoryClimate, 1, "HDL-DLP"},
	0x002A: {CategoryClimate, 1, "HDL-DLP-EU"},
	0x0086: {CategoryClimate, 1, "HDL-DLP2"},
	0x0095: {CategoryClimate, 1, "HDL-DLP-OLD"},
	0x009C: {CategoryClimate, 1, "HDL-DLPv2"},
	0x0100: {CategoryClimate, 1, "HDL-MPTL14.46"},

	// Multi-sensors
	0x018C: {CategorySensor, 2, "HDL-MSPU05.4C"},
	0x018D: {CategoryBinarySensor, 1, "HDL-MS05M.4C"},
	0x018E: {CategorySensor, 4, "HDL-MS12.2C"},
	0x0134: {CategorySensor, 4, "HDL-CMS-12in1"},
	0x0135: {CategorySensor, 2, "HDL-CMS-8in1"},
	0x0150: {CategorySensor, 2, "HDL-MSP07M"},

	// Dry contacts and key panels
	0x012B: {CategoryBinarySensor, 8, "HDL-WS8M"},
	0x0010: {CategoryBinarySensor, 8, "HDL-MPL8.48"},
	0x0011: {CategoryBinarySensor, 4, "HDL-MPL4.48"},
	0x0012: {CategoryBinarySensor, 4, "HDL-MPT4.46"},
	0x0013: {CategoryBinarySensor, 4, "HDL-MPE04.48"},
	0x0014: {CategoryBinarySensor, 2, "HDL-MP2B.48"},
}

// infrastructureTypes are bus interfaces and IP gateways. They answer
// discovery but control nothing, so they are not registered.
var infrastructureTypes = map[uint16]bool{
	0x0192: true, // HDL-MBUS01.431
	0x0195: true, // HDL-MNETC.431
}

// DiscoveredDevice is one bus node found by a scan. A device is created
// on its first valid reply and updated, never duplicated, when later
// replies report further channels.
type DiscoveredDevice struct {
	Subnet       uint8
	Device       uint8
	TypeCode     uint16
	Model        string
	Category     Category
	ChannelCount int
	Channels     map[int]bool
}

// ChannelList returns the known channels in ascending order.
func (d *DiscoveredDevice) ChannelList() []int {
	out := make([]int, 0, len(d.Channels))
	for ch := range d.Channels {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out
}

func (d *DiscoveredDevice) clone() DiscoveredDevice {
	cp := *d
	cp.Channels = make(map[int]bool, len(d.Channels))
	for ch := range d.Channels {
		cp.Channels[ch] = true
	}
	return cp
}

type deviceKey struct {
	subnet uint8
	device uint8
}

// Discovery broadcasts enumeration telegrams per subnet and classifies
// the replies. Discovery is best-effort over unreliable broadcast:
// partial results are valid results.
//
// Safe for concurrent use.
type Discovery struct {
	send       func(ctx context.Context, t Telegram) error
	dispatcher *Dispatcher

	mu      sync.RWMutex
	devices map[deviceKey]*DiscoveredDevice

	logger   Logger
	loggerMu sync.RWMutex
}

// NewDiscovery creates a discovery engine that broadcasts through send
// and collects replies via a temporary catch-all subscription on the
// dispatcher.
func NewDiscovery(send func(ctx context.Context, t Telegram) error, dispatcher *Dispatcher) *Discovery {
	return &Discovery{
		send:       send,
		dispatcher: dispatcher,
		devices:    make(map[deviceKey]*DiscoveredDevice),
	}
}

// ScanSubnet broadcasts a discovery telegram to the subnet and collects
// replies for the duration of the window. The broadcast is
// fire-and-forget: many devices answer independently, so no single
// correlated reply exists. Returns the devices recorded for the subnet,
// including ones known from earlier scans.
func (disc *Discovery) ScanSubnet(ctx context.Context, subnet uint8, window time.Duration) ([]DiscoveredDevice, error) {
	subID := disc.dispatcher.SubscribeAll(func(ev Event) {
		if ev.Telegram != nil && ev.Telegram.OperateCode == OpDeviceDiscoveryResponse {
			disc.recordReply(*ev.Telegram)
		}
	})
	defer disc.dispatcher.UnsubscribeAll(subID)

	probe := Telegram{
		TargetSubnet: subnet,
		TargetDevice: BroadcastAddress,
		OperateCode:  OpDeviceDiscovery,
	}

	if err := disc.send(ctx, probe); err != nil {
		return nil, err
	}

	// Second send for reliability; failure here does not abort the
	// window already opened by the first.
	select {
	case <-time.After(discoveryRepeatDelay):
		if err := disc.send(ctx, probe); err != nil {
			disc.logWarn("discovery re-send failed", "subnet", subnet, "error", err)
		}
	case <-ctx.Done():
		return disc.SubnetDevices(subnet), ctx.Err()
	}

	select {
	case <-time.After(window):
	case <-ctx.Done():
	}

	return disc.SubnetDevices(subnet), nil
}

// recordReply validates, classifies and registers one discovery reply.
func (disc *Discovery) recordReply(t Telegram) {
	if t.SourceSubnet == 0 || t.SourceDevice == 0 {
		disc.logDebug("discovery reply with zero address dropped",
			"subnet", t.SourceSubnet, "device", t.SourceDevice)
		return
	}
	if len(t.Payload) < 2 {
		disc.logDebug("discovery reply without type code dropped",
			"subnet", t.SourceSubnet, "device", t.SourceDevice)
		return
	}

	typeCode := uint16(t.Payload[0])<<8 | uint16(t.Payload[1])
	if typeCode == 0 {
		disc.logDebug("discovery reply with zero type code dropped",
			"subnet", t.SourceSubnet, "device", t.SourceDevice)
		return
	}
	if infrastructureTypes[typeCode] {
		disc.logDebug("bus interface ignored",
			"subnet", t.SourceSubnet, "device", t.SourceDevice, "type", typeCode)
		return
	}

	dt, known := deviceTypes[typeCode]
	if !known {
		disc.logWarn("unknown device type, defaulting to light",
			"type", typeCode, "subnet", t.SourceSubnet, "device", t.SourceDevice)
		dt = deviceType{category: CategoryLight, channels: defaultChannelCount, model: "HDL-Unknown"}
	}

	channels := disc.channelCount(t, dt)

	disc.mu.Lock()
	defer disc.mu.Unlock()

	key := deviceKey{subnet: t.SourceSubnet, device: t.SourceDevice}
	dev, exists := disc.devices[key]
	if !exists {
		dev = &DiscoveredDevice{
			Subnet:       t.SourceSubnet,
			Device:       t.SourceDevice,
			TypeCode:     typeCode,
			Model:        dt.model,
			Category:     dt.category,
			ChannelCount: channels,
			Channels:     make(map[int]bool, channels),
		}
		disc.devices[key] = dev
	}

	for ch := 1; ch <= channels; ch++ {
		if dev.Channels[ch] {
			continue // exact duplicate (subnet, device, channel)
		}
		dev.Channels[ch] = true
	}
	if channels > dev.ChannelCount {
		dev.ChannelCount = channels
	}
}

// channelCount determines how many channels a reply advertises. The
// byte after the type code is read as the count when present and sane;
// zero or absent falls back to the type table. The result is capped to
// the category's documented maximum. This offset is firmware-dependent
// and treated as a heuristic.
func (disc *Discovery) channelCount(t Telegram, dt deviceType) int {
	count := 0
	if len(t.Payload) >= 3 {
		count = int(t.Payload[2])
	}
	if count == 0 {
		count = dt.channels
	}
	if count == 0 {
		count = defaultChannelCount
	}

	if maxCh := maxChannels[dt.category]; maxCh > 0 && count > maxCh {
		disc.logWarn("channel count above category maximum, reducing",
			"subnet", t.SourceSubnet, "device", t.SourceDevice,
			"category", string(dt.category), "reported", count, "max", maxCh)
		count = maxCh
	}
	return count
}

// SubnetDevices returns copies of the devices known on one subnet.
func (disc *Discovery) SubnetDevices(subnet uint8) []DiscoveredDevice {
	disc.mu.RLock()
	defer disc.mu.RUnlock()

	var out []DiscoveredDevice
	for key, dev := range disc.devices {
		if key.subnet == subnet {
			out = append(out, dev.clone())
		}
	}
	sortDevices(out)
	return out
}

// Devices returns copies of every known device.
func (disc *Discovery) Devices() []DiscoveredDevice {
	disc.mu.RLock()
	defer disc.mu.RUnlock()

	out := make([]DiscoveredDevice, 0, len(disc.devices))
	for _, dev := range disc.devices {
		out = append(out, dev.clone())
	}
	sortDevices(out)
	return out
}

// DevicesByCategory groups every known device by its category.
func (disc *Discovery) DevicesByCategory() map[Category][]DiscoveredDevice {
	out := make(map[Category][]DiscoveredDevice)
	for _, dev := range disc.Devices() {
		out[dev.Category] = append(out[dev.Category], dev)
	}
	return out
}

// Lookup returns the device record for an address, if discovered.
func (disc *Discovery) Lookup(subnet, device uint8) (DiscoveredDevice, bool) {
	disc.mu.RLock()
	defer disc.mu.RUnlock()

	dev, ok := disc.devices[deviceKey{subnet: subnet, device: device}]
	if !ok {
		return DiscoveredDevice{}, false
	}
	return dev.clone(), true
}

// Count returns the number of known devices.
func (disc *Discovery) Count() int {
	disc.mu.RLock()
	defer disc.mu.RUnlock()
	return len(disc.devices)
}

func sortDevices(devs []DiscoveredDevice) {
	sort.Slice(devs, func(i, j int) bool {
		if devs[i].Subnet != devs[j].Subnet {
			return devs[i].Subnet < devs[j].Subnet
		}
		return devs[i].Device < devs[j].Device
	})
}

// SetLogger sets the logger for this discovery engine.
func (disc *Discovery) SetLogger(logger Logger) {
	disc.loggerMu.Lock()
	disc.logger = logger
	disc.loggerMu.Unlock()
}

func (disc *Discovery) logDebug(msg string, keysAndValues ...any) {
	disc.loggerMu.RLock()
	logger := disc.logger
	disc.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (disc *Discovery) logWarn(msg string, keysAndValues ...any) {
	disc.loggerMu.RLock()
	logger := disc.logger
	disc.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
