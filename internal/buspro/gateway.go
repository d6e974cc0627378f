package buspro

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Gateway defaults.
const (
	// DefaultGatewayPort is the UDP port HDL Ethernet gateways listen on.
	DefaultGatewayPort = 6000

	// DefaultSourceSubnet and DefaultSourceDevice identify this gateway
	// on the bus. 200.200 sits outside the range installers assign to
	// physical modules.
	DefaultSourceSubnet uint8 = 200
	DefaultSourceDevice uint8 = 200

	// DefaultRequestTimeout bounds one correlated request.
	DefaultRequestTimeout = 2 * time.Second

	// DefaultMaxRetries is how many times a send is re-attempted after
	// a transport error before the request fails.
	DefaultMaxRetries = 3

	// DefaultDiscoveryWindow is how long a subnet scan collects replies.
	DefaultDiscoveryWindow = 3 * time.Second

	// defaultDiscoverySubnets is the subnet range swept when the caller
	// does not name subnets. Residential installs rarely exceed it.
	defaultDiscoverySubnets = 20
)

// Options configures a Gateway. Zero values select the defaults above.
type Options struct {
	// Host is the HDL Ethernet gateway address. Required.
	Host string
	// Port is the gateway UDP port, default 6000.
	Port int

	// Format selects the outgoing wire framing, default HDLMIRACLE.
	Format FrameFormat

	// SourceSubnet and SourceDevice stamp outgoing telegrams whose
	// source address is unset.
	SourceSubnet uint8
	SourceDevice uint8

	// Timeout bounds each correlated request.
	Timeout time.Duration
	// MaxRetries caps transport-error re-sends per request.
	MaxRetries int

	// PollInterval is the gap between status sweeps. Zero selects the
	// default; negative disables polling.
	PollInterval time.Duration

	// DiscoveryWindow is how long each subnet scan collects replies.
	DiscoveryWindow time.Duration

	Logger Logger
}

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = DefaultGatewayPort
	}
	if o.Format == "" {
		o.Format = FrameHDLMiracle
	}
	if o.SourceSubnet == 0 {
		o.SourceSubnet = DefaultSourceSubnet
	}
	if o.SourceDevice == 0 {
		o.SourceDevice = DefaultSourceDevice
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultRequestTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.DiscoveryWindow <= 0 {
		o.DiscoveryWindow = DefaultDiscoveryWindow
	}
	return o
}

// GatewayStats aggregates counters from every component.
type GatewayStats struct {
	Transport    TransportStats
	Correlator   CorrelatorStats
	Poller       PollerStats
	Discovered   int
	CachedStates int
	DecodeErrors uint64
	Events       uint64
}

// Gateway is the composition root: it owns the UDP transport, the
// request correlator, discovery, polling, the status cache and the
// event dispatcher, and exposes the operations consumers use.
//
// Safe for concurrent use after Start.
type Gateway struct {
	opts Options

	transport  *Transport
	correlator *Correlator
	dispatcher *Dispatcher
	discovery  *Discovery
	poller     *Poller
	cache      *StatusCache

	runMu   sync.Mutex
	running bool

	decodeErrors atomic.Uint64
	events       atomic.Uint64

	logger Logger
}

// NewGateway wires the component graph for one HDL Ethernet gateway.
func NewGateway(opts Options) (*Gateway, error) {
	opts = opts.withDefaults()
	if opts.Host == "" {
		return nil, fmt.Errorf("buspro: gateway host is required")
	}

	g := &Gateway{
		opts:       opts,
		dispatcher: NewDispatcher(),
		cache:      NewStatusCache(),
		logger:     opts.Logger,
	}

	g.transport = NewTransport(g.handleDatagram)
	g.correlator = NewCorrelator(opts.Format, func(data []byte) error {
		return g.transport.Send(data, opts.Host, opts.Port)
	})
	g.discovery = NewDiscovery(func(ctx context.Context, t Telegram) error {
		return g.correlator.Send(ctx, g.stamp(t), opts.MaxRetries)
	}, g.dispatcher)
	g.poller = NewPoller(opts.PollInterval, g.request, g.dispatcher, g.discovery, g.cache)

	if opts.Logger != nil {
		g.transport.SetLogger(opts.Logger)
		g.correlator.SetLogger(opts.Logger)
		g.dispatcher.SetLogger(opts.Logger)
		g.discovery.SetLogger(opts.Logger)
		g.poller.SetLogger(opts.Logger)
	}
	return g, nil
}

// Start binds the UDP socket and, unless polling is disabled, launches
// the status sweep loop.
func (g *Gateway) Start(ctx context.Context) error {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	if g.running {
		return nil
	}

	if err := g.transport.Start(); err != nil {
		return err
	}
	if g.opts.PollInterval >= 0 {
		g.poller.Start(ctx)
	}
	g.running = true

	g.logInfo("gateway started",
		"host", g.opts.Host, "port", g.opts.Port,
		"format", string(g.opts.Format),
		"source", fmt.Sprintf("%d.%d", g.opts.SourceSubnet, g.opts.SourceDevice))
	return nil
}

// Stop shuts the gateway down: the poller first so no new requests
// start, then the correlator so waiters are released, then the socket.
func (g *Gateway) Stop() {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	if !g.running {
		return
	}

	g.poller.Stop()
	g.correlator.Close()
	g.transport.Stop()
	g.running = false

	g.logInfo("gateway stopped")
}

// Running reports whether Start has completed and Stop has not.
func (g *Gateway) Running() bool {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	return g.running
}

// handleDatagram is the transport receive callback: decode, offer to
// the correlator, then publish to subscribers. A telegram that resolves
// a pending request is still published so monitors see all traffic.
func (g *Gateway) handleDatagram(data []byte, _ *net.UDPAddr) {
	t, err := Decode(data)
	if err != nil {
		g.decodeErrors.Add(1)
		g.logDebug("undecodable datagram dropped", "len", len(data), "error", err)
		return
	}

	g.correlator.Match(t)
	g.publish(t)
}

// publish fans a telegram out to subscribers, decoding status when the
// operate code carries channel state.
func (g *Gateway) publish(t Telegram) {
	ev := Event{
		Subnet:   t.SourceSubnet,
		Device:   t.SourceDevice,
		Telegram: &t,
	}

	if update, ok := g.statusFromTelegram(t); ok {
		g.cache.Put(update)
		ev.Channel = update.Channel
		ev.Status = &update
	}

	g.events.Add(1)
	g.dispatcher.Publish(ev)
}

// statusFromTelegram decodes channel state from spontaneous responses
// and broadcasts. Read replies are decoded by the poller against its
// tracked channels, so only per-channel codes are handled here.
func (g *Gateway) statusFromTelegram(t Telegram) (StatusUpdate, bool) {
	category := CategoryLight
	if dev, ok := g.discovery.Lookup(t.SourceSubnet, t.SourceDevice); ok {
		category = dev.Category
	}

	switch t.OperateCode {
	case OpSingleChannelControlResponse:
		// [channel, ack, level]
		if len(t.Payload) < 3 {
			return StatusUpdate{}, false
		}
		return StatusUpdate{
			Subnet:   t.SourceSubnet,
			Device:   t.SourceDevice,
			Channel:  int(t.Payload[0]),
			Category: category,
			Status:   DecodeStatus(category, []byte{t.Payload[0], t.Payload[2]}),
			At:       time.Now(),
		}, true

	case OpBroadcastUniversalSwitch, OpUniversalSwitchResponse:
		// [switch, state]
		if len(t.Payload) < 2 {
			return StatusUpdate{}, false
		}
		return StatusUpdate{
			Subnet:   t.SourceSubnet,
			Device:   t.SourceDevice,
			Channel:  int(t.Payload[0]),
			Category: CategorySwitch,
			Status:   SwitchStatus{On: t.Payload[1] > 0},
			At:       time.Now(),
		}, true

	case OpBroadcastSensorStatus, OpBroadcastSensorStatusAuto, OpBroadcastTemperatureResponse:
		if len(t.Payload) == 0 {
			return StatusUpdate{}, false
		}
		return StatusUpdate{
			Subnet:   t.SourceSubnet,
			Device:   t.SourceDevice,
			Channel:  1,
			Category: CategorySensor,
			Status:   DecodeStatus(CategorySensor, t.Payload),
			At:       time.Now(),
		}, true
	}

	return StatusUpdate{}, false
}

// stamp fills the source address of an outgoing telegram when unset.
func (g *Gateway) stamp(t Telegram) Telegram {
	if t.SourceSubnet == 0 && t.SourceDevice == 0 {
		t.SourceSubnet = g.opts.SourceSubnet
		t.SourceDevice = g.opts.SourceDevice
	}
	return t
}

// request is the poller's correlated send path.
func (g *Gateway) request(ctx context.Context, t Telegram, timeout time.Duration) (Telegram, error) {
	return g.correlator.SendAndAwait(ctx, g.stamp(t), timeout, g.opts.MaxRetries)
}

// SendMessage transmits a telegram. When its operate code expects a
// reply the call blocks for the correlated response; otherwise it
// returns a zero Telegram once the datagram is on the wire.
func (g *Gateway) SendMessage(ctx context.Context, t Telegram) (Telegram, error) {
	t = g.stamp(t)
	if !t.ExpectsReply() {
		return Telegram{}, g.correlator.Send(ctx, t, g.opts.MaxRetries)
	}
	return g.correlator.SendAndAwait(ctx, t, g.opts.Timeout, g.opts.MaxRetries)
}

// Send transmits a telegram without awaiting any reply.
func (g *Gateway) Send(ctx context.Context, t Telegram) error {
	return g.correlator.Send(ctx, g.stamp(t), g.opts.MaxRetries)
}

// SetChannel drives one output channel to a level: 0 is off, 1-100 is
// a brightness or position percentage. Relay channels treat any
// non-zero level as on.
func (g *Gateway) SetChannel(ctx context.Context, subnet, device uint8, channel int, level uint8) error {
	if channel < 1 || channel > 255 {
		return ErrInvalidAddress
	}
	_, err := g.SendMessage(ctx, Telegram{
		TargetSubnet: subnet,
		TargetDevice: device,
		OperateCode:  OpSingleChannelControl,
		// [channel, level, runtime minutes, runtime seconds]
		Payload: []byte{uint8(channel), clampPercent(level), 0, 0},
	})
	return err
}

// StopChannel halts a moving channel, typically a curtain motor. Level
// 0xFF is the module's stop code and bypasses the percentage range.
func (g *Gateway) StopChannel(ctx context.Context, subnet, device uint8, channel int) error {
	if channel < 1 || channel > 255 {
		return ErrInvalidAddress
	}
	_, err := g.SendMessage(ctx, Telegram{
		TargetSubnet: subnet,
		TargetDevice: device,
		OperateCode:  OpSingleChannelControl,
		Payload:      []byte{uint8(channel), 0xFF, 0, 0},
	})
	return err
}

// ActivateScene recalls a stored scene in an area of a device.
func (g *Gateway) ActivateScene(ctx context.Context, subnet, device, area, scene uint8) error {
	_, err := g.SendMessage(ctx, Telegram{
		TargetSubnet: subnet,
		TargetDevice: device,
		OperateCode:  OpSceneControl,
		Payload:      []byte{area, scene},
	})
	return err
}

// SetUniversalSwitch drives a virtual switch flag on a device.
func (g *Gateway) SetUniversalSwitch(ctx context.Context, subnet, device, switchID uint8, on bool) error {
	state := uint8(0)
	if on {
		state = 255
	}
	_, err := g.SendMessage(ctx, Telegram{
		TargetSubnet: subnet,
		TargetDevice: device,
		OperateCode:  OpUniversalSwitchControl,
		Payload:      []byte{switchID, state},
	})
	return err
}

// SetFloorHeating writes a floor heating zone's mode and target
// temperature in whole degrees.
func (g *Gateway) SetFloorHeating(ctx context.Context, subnet, device uint8, on bool, mode, target uint8) error {
	state := uint8(0)
	if on {
		state = 1
	}
	_, err := g.SendMessage(ctx, Telegram{
		TargetSubnet: subnet,
		TargetDevice: device,
		OperateCode:  OpControlFloorHeating,
		Payload:      []byte{state, mode, target},
	})
	return err
}

// ReadChannelStatus reads all channel levels of a device and returns
// the raw reply.
func (g *Gateway) ReadChannelStatus(ctx context.Context, subnet, device uint8) (Telegram, error) {
	return g.SendMessage(ctx, Telegram{
		TargetSubnet: subnet,
		TargetDevice: device,
		OperateCode:  OpReadStatusOfChannels,
	})
}

// Subscribe registers a handler for one device channel. The returned
// id releases the subscription via Unsubscribe.
func (g *Gateway) Subscribe(subnet, device uint8, channel int, handler EventHandler) uint64 {
	return g.dispatcher.Subscribe(subnet, device, channel, handler)
}

// SubscribeAll registers a handler for every received telegram.
func (g *Gateway) SubscribeAll(handler EventHandler) uint64 {
	return g.dispatcher.SubscribeAll(handler)
}

// Unsubscribe releases a channel subscription.
func (g *Gateway) Unsubscribe(subnet, device uint8, channel int, id uint64) {
	g.dispatcher.Unsubscribe(subnet, device, channel, id)
}

// UnsubscribeAll releases a catch-all subscription.
func (g *Gateway) UnsubscribeAll(id uint64) {
	g.dispatcher.UnsubscribeAll(id)
}

// Discover sweeps the given subnets for devices. A nil or empty slice
// sweeps subnets 1 through 20. Results accumulate across calls.
func (g *Gateway) Discover(ctx context.Context, subnets []uint8) ([]DiscoveredDevice, error) {
	if len(subnets) == 0 {
		subnets = make([]uint8, 0, defaultDiscoverySubnets)
		for s := uint8(1); s <= defaultDiscoverySubnets; s++ {
			subnets = append(subnets, s)
		}
	}

	for _, subnet := range subnets {
		if _, err := g.discovery.ScanSubnet(ctx, subnet, g.opts.DiscoveryWindow); err != nil {
			return g.discovery.Devices(), err
		}
	}
	devices := g.discovery.Devices()
	g.logInfo("discovery complete", "subnets", len(subnets), "devices", len(devices))
	return devices, nil
}

// Devices returns every device found by discovery so far.
func (g *Gateway) Devices() []DiscoveredDevice {
	return g.discovery.Devices()
}

// Device returns one discovered device by address.
func (g *Gateway) Device(subnet, device uint8) (DiscoveredDevice, bool) {
	return g.discovery.Lookup(subnet, device)
}

// Status returns the last known state of a device channel.
func (g *Gateway) Status(subnet, device uint8, channel int) (StatusUpdate, bool) {
	return g.cache.Get(subnet, device, channel)
}

// StatusSnapshot returns a copy of every cached channel state.
func (g *Gateway) StatusSnapshot() map[string]StatusUpdate {
	return g.cache.Snapshot()
}

// Poll forces one status sweep outside the schedule.
func (g *Gateway) Poll(ctx context.Context) {
	g.poller.Sweep(ctx)
}

// Stats returns a snapshot of every component's counters.
func (g *Gateway) Stats() GatewayStats {
	return GatewayStats{
		Transport:    g.transport.Stats(),
		Correlator:   g.correlator.Stats(),
		Poller:       g.poller.Stats(),
		Discovered:   g.discovery.Count(),
		CachedStates: g.cache.Len(),
		DecodeErrors: g.decodeErrors.Load(),
		Events:       g.events.Load(),
	}
}

func (g *Gateway) logDebug(msg string, keysAndValues ...any) {
	if g.logger != nil {
		g.logger.Debug(msg, keysAndValues...)
	}
}

func (g *Gateway) logInfo(msg string, keysAndValues ...any) {
	if g.logger != nil {
		g.logger.Info(msg, keysAndValues...)
	}
}
