package buspro

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Polling defaults.
const (
	// DefaultPollInterval is the gap between full polling sweeps.
	DefaultPollInterval = 30 * time.Second

	// pollSendDelay paces requests within a sweep so the bus coupler
	// is not flooded with back-to-back datagrams.
	pollSendDelay = 50 * time.Millisecond

	// defaultPollTimeout bounds a single read request.
	defaultPollTimeout = 2 * time.Second
)

// readOpCodes selects the read request per category. Light, switch and
// cover modules all answer the channel-status read; climate, sensor and
// dry-contact modules have dedicated reads.
var readOpCodes = map[Category]uint16{
	CategoryLight:        OpReadStatusOfChannels,
	CategorySwitch:       OpReadStatusOfChannels,
	CategoryCover:        OpReadStatusOfChannels,
	CategoryClimate:      OpReadFloorHeatingStatus,
	CategorySensor:       OpReadSensorStatus,
	CategoryBinarySensor: OpReadDryContactStatus,
}

// pollTarget is one device to read during a sweep, with the channels
// whose results should be recorded.
type pollTarget struct {
	subnet   uint8
	device   uint8
	category Category
	channels []int
}

// PollerStats carries sweep counters.
type PollerStats struct {
	Sweeps      uint64
	Requests    uint64
	Responses   uint64
	Failures    uint64
	LastSweepAt time.Time
}

// Poller periodically reads device status so state stays fresh even
// when devices never announce changes. When the dispatcher has explicit
// channel subscriptions only those are polled; otherwise the full
// discovered catalog is swept. One failing device never aborts a
// sweep.
type Poller struct {
	interval time.Duration
	timeout  time.Duration

	request    func(ctx context.Context, t Telegram, timeout time.Duration) (Telegram, error)
	dispatcher *Dispatcher
	discovery  *Discovery
	cache      *StatusCache

	done   *closeOnce
	wg     sync.WaitGroup
	runMu  sync.Mutex
	active bool

	sweeps      atomic.Uint64
	requests    atomic.Uint64
	responses   atomic.Uint64
	failures    atomic.Uint64
	lastSweepMu sync.RWMutex
	lastSweep   time.Time

	logger   Logger
	loggerMu sync.RWMutex
}

// NewPoller wires a poller to its request path and state sinks.
// interval <= 0 selects DefaultPollInterval.
func NewPoller(
	interval time.Duration,
	request func(ctx context.Context, t Telegram, timeout time.Duration) (Telegram, error),
	dispatcher *Dispatcher,
	discovery *Discovery,
	cache *StatusCache,
) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		interval:   interval,
		timeout:    defaultPollTimeout,
		request:    request,
		dispatcher: dispatcher,
		discovery:  discovery,
		cache:      cache,
		done:       newCloseOnce(),
	}
}

// Start launches the sweep loop. Calling Start on a running poller is
// a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.active {
		return
	}
	p.active = true

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop halts the sweep loop and waits for an in-flight sweep to end.
func (p *Poller) Stop() {
	p.done.Close()
	p.wg.Wait()

	p.runMu.Lock()
	p.active = false
	p.runMu.Unlock()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// First sweep immediately so startup state is not an interval away.
	p.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			p.Sweep(ctx)
		case <-ctx.Done():
			return
		case <-p.done.Done():
			return
		}
	}
}

// Sweep polls every current target once. Exported so a sweep can be
// forced outside the schedule.
func (p *Poller) Sweep(ctx context.Context) {
	targets := p.targets()
	if len(targets) == 0 {
		return
	}

	p.sweeps.Add(1)
	p.lastSweepMu.Lock()
	p.lastSweep = time.Now()
	p.lastSweepMu.Unlock()

	for i, target := range targets {
		if i > 0 {
			select {
			case <-time.After(pollSendDelay):
			case <-ctx.Done():
				return
			case <-p.done.Done():
				return
			}
		}
		p.pollDevice(ctx, target)
	}
}

// targets derives the sweep set. Subscriptions win over the catalog so
// a narrowly scoped consumer does not force whole-bus traffic.
func (p *Poller) targets() []pollTarget {
	if keys := p.dispatcher.SubscriberKeys(); len(keys) > 0 {
		return p.targetsFromKeys(keys)
	}
	return p.targetsFromCatalog()
}

func (p *Poller) targetsFromKeys(keys []DeviceChannel) []pollTarget {
	byDevice := make(map[deviceKey]*pollTarget)
	var order []deviceKey

	for _, key := range keys {
		dk := deviceKey{subnet: key.Subnet, device: key.Device}
		target, ok := byDevice[dk]
		if !ok {
			category := CategoryLight
			if dev, found := p.discovery.Lookup(key.Subnet, key.Device); found {
				category = dev.Category
			}
			target = &pollTarget{
				subnet:   key.Subnet,
				device:   key.Device,
				category: category,
			}
			byDevice[dk] = target
			order = append(order, dk)
		}
		target.channels = append(target.channels, key.Channel)
	}

	out := make([]pollTarget, 0, len(order))
	for _, dk := range order {
		out = append(out, *byDevice[dk])
	}
	return out
}

func (p *Poller) targetsFromCatalog() []pollTarget {
	devices := p.discovery.Devices()
	out := make([]pollTarget, 0, len(devices))
	for _, dev := range devices {
		out = append(out, pollTarget{
			subnet:   dev.Subnet,
			device:   dev.Device,
			category: dev.Category,
			channels: dev.ChannelList(),
		})
	}
	return out
}

// pollDevice issues the category's read and records the reply. Errors
// are logged and counted, never propagated to the sweep.
func (p *Poller) pollDevice(ctx context.Context, target pollTarget) {
	opCode, ok := readOpCodes[target.category]
	if !ok {
		opCode = OpReadStatusOfChannels
	}

	req := Telegram{
		TargetSubnet: target.subnet,
		TargetDevice: target.device,
		OperateCode:  opCode,
	}

	p.requests.Add(1)
	reply, err := p.request(ctx, req, p.timeout)
	if err != nil {
		p.failures.Add(1)
		p.logDebug("poll failed",
			"subnet", target.subnet, "device", target.device,
			"category", string(target.category), "error", err)
		return
	}
	p.responses.Add(1)

	p.recordReply(target, reply)
}

// recordReply turns one read reply into per-channel status updates.
func (p *Poller) recordReply(target pollTarget, reply Telegram) {
	now := time.Now()
	for _, ch := range target.channels {
		status, ok := channelStatus(target.category, reply, ch)
		if !ok {
			continue
		}
		update := StatusUpdate{
			Subnet:   target.subnet,
			Device:   target.device,
			Channel:  ch,
			Category: target.category,
			Status:   status,
			At:       now,
		}
		p.cache.Put(update)
		p.dispatcher.Publish(Event{
			Subnet:   target.subnet,
			Device:   target.device,
			Channel:  ch,
			Telegram: &reply,
			Status:   &update,
		})
	}
}

// channelStatus extracts one channel's state from a read reply. The
// bulk channel read answers [count, level1..levelN]; the dedicated
// reads carry a single device-wide payload handled by DecodeStatus.
func channelStatus(category Category, reply Telegram, channel int) (Status, bool) {
	switch reply.OperateCode {
	case OpReadStatusOfChannelsResponse:
		if channel < 1 || channel >= len(reply.Payload) {
			return nil, false
		}
		level := reply.Payload[channel]
		switch category {
		case CategoryCover:
			return CoverStatus{Position: clampPercent(level)}, true
		case CategorySwitch:
			return SwitchStatus{On: level > 0}, true
		default:
			return LightStatus{On: level > 0, Brightness: clampPercent(level)}, true
		}
	default:
		if len(reply.Payload) == 0 {
			return nil, false
		}
		return DecodeStatus(category, reply.Payload), true
	}
}

// Stats returns a snapshot of the sweep counters.
func (p *Poller) Stats() PollerStats {
	p.lastSweepMu.RLock()
	last := p.lastSweep
	p.lastSweepMu.RUnlock()

	return PollerStats{
		Sweeps:      p.sweeps.Load(),
		Requests:    p.requests.Load(),
		Responses:   p.responses.Load(),
		Failures:    p.failures.Load(),
		LastSweepAt: last,
	}
}

// SetLogger sets the logger for this poller.
func (p *Poller) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	p.logger = logger
	p.loggerMu.Unlock()
}

func (p *Poller) logDebug(msg string, keysAndValues ...any) {
	p.loggerMu.RLock()
	logger := p.logger
	p.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
