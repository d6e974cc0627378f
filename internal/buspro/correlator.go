package buspro

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Send-retry behaviour. Retries only cover OS-level send failures; a
// missing reply after a successful send is a legitimate "device did not
// answer" outcome and is surfaced as ErrTimeout instead.
const (
	sendRetryBackoff = 500 * time.Millisecond
)

// SendFunc transmits one encoded frame to the bus gateway.
type SendFunc func(data []byte) error

type result struct {
	telegram Telegram
	err      error
}

// pendingRequest is one outstanding request awaiting its reply. Owned
// exclusively by the Correlator; resolved at most once, then destroyed.
// Duplicate keys may coexist; the protocol has no request IDs, so the
// first registered entry matching a reply wins.
type pendingRequest struct {
	subnet  *uint8
	device  *uint8
	opCode  *uint16
	ch      chan result
	created time.Time
}

// Correlator tracks outstanding requests and matches asynchronous
// replies to them. UDP gives no delivery or ordering guarantees, so
// matching tolerates out-of-order and duplicate inbound telegrams; a
// reply matching no pending entry is simply not ours to claim.
//
// Safe for concurrent use.
type Correlator struct {
	format FrameFormat
	send   SendFunc

	mu      sync.Mutex
	pending []*pendingRequest

	done *closeOnce

	logger   Logger
	loggerMu sync.RWMutex

	requestsSent   atomic.Uint64
	repliesMatched atomic.Uint64
	timeouts       atomic.Uint64
	sendRetries    atomic.Uint64
}

// NewCorrelator creates a correlator that encodes with the given frame
// format and transmits through send.
func NewCorrelator(format FrameFormat, send SendFunc) *Correlator {
	return &Correlator{
		format: format,
		send:   send,
		done:   newCloseOnce(),
	}
}

// SendAndAwait encodes and sends the telegram, then blocks until a
// matching reply arrives, the timeout fires, the context is cancelled,
// or the correlator shuts down.
//
// Broadcast targets and no-reply operate codes are fire-and-forget: the
// frame is sent and the zero Telegram returned immediately, with no
// pending entry created.
//
// Error taxonomy: encode failures and ErrSendFailed (send retries
// exhausted) mean the request never reached the bus; ErrTimeout means
// the device did not answer; ErrCancelled means shutdown unblocked the
// caller.
func (c *Correlator) SendAndAwait(ctx context.Context, t Telegram, timeout time.Duration, maxRetries int) (Telegram, error) {
	data, err := Encode(t, c.format)
	if err != nil {
		return Telegram{}, err
	}

	if !t.ExpectsReply() {
		if err := c.sendWithRetries(ctx, data, maxRetries); err != nil {
			return Telegram{}, err
		}
		return Telegram{}, nil
	}

	pr := c.register(t)

	if err := c.sendWithRetries(ctx, data, maxRetries); err != nil {
		c.remove(pr)
		return Telegram{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pr.ch:
		return res.telegram, res.err

	case <-timer.C:
		// The reply may have been matched between the timer firing and
		// this branch running; the late timer is then a no-op.
		select {
		case res := <-pr.ch:
			return res.telegram, res.err
		default:
		}
		c.remove(pr)
		c.timeouts.Add(1)
		return Telegram{}, fmt.Errorf("%w: no reply from %d.%d op 0x%04X within %s",
			ErrTimeout, t.TargetSubnet, t.TargetDevice, t.OperateCode, timeout)

	case <-ctx.Done():
		c.remove(pr)
		return Telegram{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())

	case <-c.done.Done():
		c.remove(pr)
		return Telegram{}, ErrCancelled
	}
}

// Send encodes and transmits without awaiting any reply, regardless of
// operate code. Used for fire-and-forget command writes.
func (c *Correlator) Send(ctx context.Context, t Telegram, maxRetries int) error {
	data, err := Encode(t, c.format)
	if err != nil {
		return err
	}
	return c.sendWithRetries(ctx, data, maxRetries)
}

// sendWithRetries transmits the frame, retrying OS-level send failures
// with a short backoff before giving up with ErrSendFailed.
func (c *Correlator) sendWithRetries(ctx context.Context, data []byte, maxRetries int) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = c.send(data)
		if lastErr == nil {
			c.requestsSent.Add(1)
			return nil
		}

		if attempt >= maxRetries {
			break
		}
		c.sendRetries.Add(1)
		c.logWarn("send failed, retrying", "attempt", attempt+1, "error", lastErr)

		select {
		case <-time.After(sendRetryBackoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		case <-c.done.Done():
			return ErrCancelled
		}
	}
	return fmt.Errorf("%w: %w", ErrSendFailed, lastErr)
}

// register creates and enrols a pending entry for the request. The key
// prefers the documented response operate code; requests whose reply
// code is unknown get a device-wildcard key, and broadcast-style
// discovery requests rely on the opcode-only pass in Match.
func (c *Correlator) register(t Telegram) *pendingRequest {
	pr := &pendingRequest{
		ch:      make(chan result, 1),
		created: time.Now(),
	}

	subnet, device := t.TargetSubnet, t.TargetDevice
	pr.subnet = &subnet
	pr.device = &device
	if respOp, ok := responseOpCodes[t.OperateCode]; ok {
		op := respOp
		pr.opCode = &op
	}

	c.mu.Lock()
	c.pending = append(c.pending, pr)
	c.mu.Unlock()
	return pr
}

// AwaitOpCode blocks until any telegram carrying the given operate code
// arrives, whatever its source address. Used when the requester cannot
// know the responding address in advance (discovery-style exchanges
// that expect a single reply).
func (c *Correlator) AwaitOpCode(ctx context.Context, opCode uint16, timeout time.Duration) (Telegram, error) {
	op := opCode
	pr := &pendingRequest{
		opCode:  &op,
		ch:      make(chan result, 1),
		created: time.Now(),
	}

	c.mu.Lock()
	c.pending = append(c.pending, pr)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pr.ch:
		return res.telegram, res.err
	case <-timer.C:
		select {
		case res := <-pr.ch:
			return res.telegram, res.err
		default:
		}
		c.remove(pr)
		c.timeouts.Add(1)
		return Telegram{}, fmt.Errorf("%w: no telegram with op 0x%04X within %s", ErrTimeout, opCode, timeout)
	case <-ctx.Done():
		c.remove(pr)
		return Telegram{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	case <-c.done.Done():
		c.remove(pr)
		return Telegram{}, ErrCancelled
	}
}

// Match tries to resolve a pending request with an inbound telegram.
// Three passes run in priority order:
//
//  1. exact: subnet, device and operate code all specified and equal
//  2. device wildcard: subnet and device equal, operate code open
//     (device families that reply on a different code)
//  3. broadcast: address open, operate code equal (discovery-style
//     replies from addresses the requester did not know)
//
// Within a pass the oldest registered entry wins. At most one pending
// request is resolved per telegram; false means the telegram belongs to
// the event dispatcher instead.
func (c *Correlator) Match(t Telegram) bool {
	c.mu.Lock()
	pr := c.findLocked(t)
	if pr != nil {
		c.removeLocked(pr)
	}
	c.mu.Unlock()

	if pr == nil {
		return false
	}

	pr.ch <- result{telegram: t}
	c.repliesMatched.Add(1)
	return true
}

func (c *Correlator) findLocked(t Telegram) *pendingRequest {
	// Pass 1: exact.
	for _, pr := range c.pending {
		if pr.subnet != nil && *pr.subnet == t.SourceSubnet &&
			pr.device != nil && *pr.device == t.SourceDevice &&
			pr.opCode != nil && *pr.opCode == t.OperateCode {
			return pr
		}
	}
	// Pass 2: device wildcard (opcode open).
	for _, pr := range c.pending {
		if pr.subnet != nil && *pr.subnet == t.SourceSubnet &&
			pr.device != nil && *pr.device == t.SourceDevice &&
			pr.opCode == nil {
			return pr
		}
	}
	// Pass 3: broadcast (address open).
	for _, pr := range c.pending {
		if pr.subnet == nil && pr.device == nil &&
			pr.opCode != nil && *pr.opCode == t.OperateCode {
			return pr
		}
	}
	return nil
}

// remove deletes a pending entry if it is still registered.
func (c *Correlator) remove(pr *pendingRequest) {
	c.mu.Lock()
	c.removeLocked(pr)
	c.mu.Unlock()
}

func (c *Correlator) removeLocked(target *pendingRequest) {
	for i, pr := range c.pending {
		if pr == target {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close resolves every outstanding request with ErrCancelled so callers
// unblock instead of hanging, then rejects future awaits. Idempotent.
func (c *Correlator) Close() {
	c.done.Close()

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, pr := range pending {
		select {
		case pr.ch <- result{err: ErrCancelled}:
		default:
		}
	}
}

// CorrelatorStats holds correlation counters for diagnostics.
type CorrelatorStats struct {
	Pending        int
	RequestsSent   uint64
	RepliesMatched uint64
	Timeouts       uint64
	SendRetries    uint64
}

// Stats returns current counters.
func (c *Correlator) Stats() CorrelatorStats {
	return CorrelatorStats{
		Pending:        c.PendingCount(),
		RequestsSent:   c.requestsSent.Load(),
		RepliesMatched: c.repliesMatched.Load(),
		Timeouts:       c.timeouts.Load(),
		SendRetries:    c.sendRetries.Load(),
	}
}

// SetLogger sets the logger for this correlator.
func (c *Correlator) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Correlator) logWarn(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
