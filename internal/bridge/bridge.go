package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-buspro/internal/buspro"
	"github.com/nerrad567/gray-logic-buspro/internal/infrastructure/mqtt"
)

// Bridge operation constants.
const (
	// commandTimeout is the timeout for sending commands to the bus.
	commandTimeout = 5 * time.Second

	// stateQoS is the QoS level for published state messages.
	stateQoS = 1
)

// Bridge translates between the Buspro bus and MQTT. It handles:
//   - Receiving channel commands via MQTT and sending them to the bus
//   - Publishing decoded channel state to retained MQTT topics
//   - Publishing the discovered device catalog
//   - Recording status history to the optional recorder
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	gw       Gateway
	mqtt     MQTTClient
	recorder StatusRecorder // Optional; nil disables history recording

	// Gateway event subscription, released on Stop.
	subID   uint64
	subOnce sync.Once

	// Shutdown coordination
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	// Counters
	mu              sync.Mutex
	statesPublished uint64
	commandsHandled uint64
	commandErrors   uint64

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// Gateway is the bus-side interface the bridge drives.
// Satisfied by *buspro.Gateway.
type Gateway interface {
	SetChannel(ctx context.Context, subnet, device uint8, channel int, level uint8) error
	StopChannel(ctx context.Context, subnet, device uint8, channel int) error
	ActivateScene(ctx context.Context, subnet, device, area, scene uint8) error
	SetUniversalSwitch(ctx context.Context, subnet, device, switchID uint8, on bool) error
	SetFloorHeating(ctx context.Context, subnet, device uint8, on bool, mode, target uint8) error
	ReadChannelStatus(ctx context.Context, subnet, device uint8) (buspro.Telegram, error)

	SubscribeAll(handler buspro.EventHandler) uint64
	UnsubscribeAll(id uint64)
	Devices() []buspro.DiscoveredDevice
}

// MQTTClient is the broker-side interface the bridge publishes through.
// Satisfied by *mqtt.Client.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// StatusRecorder persists channel status history.
// Satisfied by *influxdb.Client. Optional; nil disables recording.
type StatusRecorder interface {
	WriteChannelStatus(subnet, device uint8, channel int, category string, fields map[string]interface{})
}

// Logger is the optional structured logger interface.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds dependencies for creating a bridge.
type Options struct {
	// Gateway is the bus gateway. Required.
	Gateway Gateway

	// MQTT is the broker client. Required.
	MQTT MQTTClient

	// Recorder is the optional status history recorder.
	Recorder StatusRecorder

	// Logger is the optional structured logger.
	Logger Logger
}

// New creates a bridge. Call Start to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("bridge: gateway is required")
	}
	if opts.MQTT == nil {
		return nil, fmt.Errorf("bridge: MQTT client is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bridge{
		gw:        opts.Gateway,
		mqtt:      opts.MQTT,
		recorder:  opts.Recorder,
		ctx:       ctx,
		ctxCancel: cancel,
		logger:    opts.Logger,
	}, nil
}

// Start subscribes to gateway events and MQTT command topics, then
// publishes the current device catalog.
func (b *Bridge) Start() error {
	b.subID = b.gw.SubscribeAll(b.handleEvent)

	commandTopic := mqtt.Topics{}.AllCommands()
	if err := b.mqtt.Subscribe(commandTopic, stateQoS, b.handleCommand); err != nil {
		b.gw.UnsubscribeAll(b.subID)
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	if err := b.PublishCatalog(); err != nil {
		b.logWarn("initial catalog publish failed", "error", err)
	}

	return nil
}

// Stop releases the gateway subscription and cancels in-flight commands.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		b.gw.UnsubscribeAll(b.subID)
		b.logInfo("bridge stopped")
	})
}

// PublishCatalog publishes the discovered device catalog as a retained
// message. Call after a bus scan so consumers see new devices.
func (b *Bridge) PublishCatalog() error {
	devices := b.gw.Devices()

	msg := DiscoveryMessage{
		Devices:   make([]DiscoveredDeviceMessage, 0, len(devices)),
		Timestamp: time.Now().UTC(),
	}
	for i := range devices {
		d := &devices[i]
		msg.Devices = append(msg.Devices, DiscoveredDeviceMessage{
			Subnet:       d.Subnet,
			Device:       d.Device,
			Model:        d.Model,
			Category:     string(d.Category),
			ChannelCount: d.ChannelCount,
			Channels:     d.ChannelList(),
		})
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}

	if err := b.mqtt.PublishRetained(mqtt.Topics{}.Discovery(), payload); err != nil {
		return fmt.Errorf("publish catalog: %w", err)
	}

	b.logInfo("published device catalog", "devices", len(msg.Devices))
	return nil
}

// handleEvent publishes decoded status updates as retained state messages
// and records them to the history recorder.
func (b *Bridge) handleEvent(ev buspro.Event) {
	if ev.Status == nil {
		return
	}
	u := ev.Status

	fields := statusFields(u.Status)
	if fields == nil {
		return
	}

	msg := StateMessage{
		Subnet:    u.Subnet,
		Device:    u.Device,
		Channel:   u.Channel,
		Category:  string(u.Category),
		State:     fields,
		Timestamp: u.At.UTC(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("marshal state", err)
		return
	}

	topic := mqtt.Topics{}.ChannelState(u.Subnet, u.Device, u.Channel)
	if err := b.mqtt.PublishRetained(topic, payload); err != nil {
		b.logError("publish state", err, "topic", topic)
		return
	}

	b.mu.Lock()
	b.statesPublished++
	b.mu.Unlock()

	if b.recorder != nil {
		if hf := historyFields(u.Status); hf != nil {
			b.recorder.WriteChannelStatus(u.Subnet, u.Device, u.Channel, string(u.Category), hf)
		}
	}
}

// handleCommand executes a channel command received over MQTT.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	subnet, device, channel, err := parseCommandTopic(topic)
	if err != nil {
		b.logWarn("ignoring command", "error", err)
		return err
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.countCommandError()
		b.logWarn("malformed command payload", "topic", topic, "error", err)
		return fmt.Errorf("parse command: %w", err)
	}

	b.logDebug("received command",
		"command", cmd.Command,
		"subnet", subnet, "device", device, "channel", channel)

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	err = b.execute(ctx, cmd, subnet, device, channel)
	b.mu.Lock()
	b.commandsHandled++
	b.mu.Unlock()
	if err != nil {
		b.countCommandError()
		b.logError("command failed", err,
			"command", cmd.Command,
			"subnet", subnet, "device", device, "channel", channel)
		return err
	}
	return nil
}

// execute translates one command into a gateway call.
func (b *Bridge) execute(ctx context.Context, cmd CommandMessage, subnet, device uint8, channel int) error {
	switch cmd.Command {
	case "on":
		return b.gw.SetChannel(ctx, subnet, device, channel, 100)

	case "off":
		return b.gw.SetChannel(ctx, subnet, device, channel, 0)

	case "dim":
		level, err := percentParam(cmd.Parameters, "level")
		if err != nil {
			return err
		}
		return b.gw.SetChannel(ctx, subnet, device, channel, level)

	case "set_position":
		pos, err := percentParam(cmd.Parameters, "position")
		if err != nil {
			return err
		}
		return b.gw.SetChannel(ctx, subnet, device, channel, pos)

	case "stop":
		return b.gw.StopChannel(ctx, subnet, device, channel)

	case "scene":
		area, err := byteParam(cmd.Parameters, "area")
		if err != nil {
			return err
		}
		scene, err := byteParam(cmd.Parameters, "scene")
		if err != nil {
			return err
		}
		return b.gw.ActivateScene(ctx, subnet, device, area, scene)

	case "universal_switch":
		id, err := byteParam(cmd.Parameters, "switch")
		if err != nil {
			return err
		}
		on, ok := cmd.Parameters["on"].(bool)
		if !ok {
			return fmt.Errorf("missing or invalid 'on' parameter")
		}
		return b.gw.SetUniversalSwitch(ctx, subnet, device, id, on)

	case "set_heating":
		on, ok := cmd.Parameters["on"].(bool)
		if !ok {
			return fmt.Errorf("missing or invalid 'on' parameter")
		}
		mode, err := byteParam(cmd.Parameters, "mode")
		if err != nil {
			return err
		}
		target, err := byteParam(cmd.Parameters, "target")
		if err != nil {
			return err
		}
		return b.gw.SetFloorHeating(ctx, subnet, device, on, mode, target)

	case "read":
		_, err := b.gw.ReadChannelStatus(ctx, subnet, device)
		return err

	default:
		return fmt.Errorf("unknown command: %s", cmd.Command)
	}
}

// Stats returns bridge counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		StatesPublished: b.statesPublished,
		CommandsHandled: b.commandsHandled,
		CommandErrors:   b.commandErrors,
	}
}

// Stats holds bridge counters.
type Stats struct {
	StatesPublished uint64
	CommandsHandled uint64
	CommandErrors   uint64
}

func (b *Bridge) countCommandError() {
	b.mu.Lock()
	b.commandErrors++
	b.mu.Unlock()
}

// percentParam extracts a 0-100 numeric parameter.
func percentParam(params map[string]any, key string) (uint8, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing '%s' parameter", key)
	}
	v, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("'%s' must be a number", key)
	}
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("'%s' must be 0-100, got %.2f", key, v)
	}
	return uint8(v), nil
}

// byteParam extracts a 0-255 numeric parameter.
func byteParam(params map[string]any, key string) (uint8, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing '%s' parameter", key)
	}
	v, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("'%s' must be a number", key)
	}
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("'%s' must be 0-255, got %.2f", key, v)
	}
	return uint8(v), nil
}

// SetLogger sets the structured logger.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
