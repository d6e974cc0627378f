package buspro

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// frameRecorder is a SendFunc capturing every frame.
type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (r *frameRecorder) send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, append([]byte(nil), data...))
	return nil
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// waitPending polls until the correlator has n outstanding requests.
func waitPending(t *testing.T, c *Correlator, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.PendingCount() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("PendingCount() = %d, want %d", c.PendingCount(), n)
}

func TestSendAndAwait_MatchesReply(t *testing.T) {
	rec := &frameRecorder{}
	c := NewCorrelator(FrameRaw, rec.send)
	defer c.Close()

	type outcome struct {
		reply Telegram
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		reply, err := c.SendAndAwait(context.Background(), Telegram{
			SourceSubnet: 200, SourceDevice: 200,
			TargetSubnet: 1, TargetDevice: 5,
			OperateCode: OpSingleChannelControl,
			Payload:     []byte{1, 80, 0, 0},
		}, 2*time.Second, 0)
		done <- outcome{reply: reply, err: err}
	}()

	waitPending(t, c, 1)

	reply := Telegram{
		SourceSubnet: 1, SourceDevice: 5,
		TargetSubnet: 200, TargetDevice: 200,
		OperateCode: OpSingleChannelControlResponse,
		Payload:     []byte{1, 0xF8, 80},
	}
	if !c.Match(reply) {
		t.Fatal("Match() = false, want true")
	}

	got := <-done
	if got.err != nil {
		t.Fatalf("SendAndAwait() error: %v", got.err)
	}
	if got.reply.OperateCode != OpSingleChannelControlResponse {
		t.Errorf("reply OperateCode = 0x%04X, want 0x%04X",
			got.reply.OperateCode, OpSingleChannelControlResponse)
	}
	if got.reply.Payload[2] != 80 {
		t.Errorf("reply level = %d, want 80", got.reply.Payload[2])
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after match, want 0", c.PendingCount())
	}
	if rec.count() != 1 {
		t.Errorf("frames sent = %d, want 1", rec.count())
	}
}

func TestSendAndAwait_Timeout(t *testing.T) {
	rec := &frameRecorder{}
	c := NewCorrelator(FrameRaw, rec.send)
	defer c.Close()

	_, err := c.SendAndAwait(context.Background(), Telegram{
		TargetSubnet: 1, TargetDevice: 5,
		OperateCode: OpReadStatusOfChannels,
	}, 30*time.Millisecond, 0)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SendAndAwait() error = %v, want ErrTimeout", err)
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after timeout, want 0", c.PendingCount())
	}
	if got := c.Stats().Timeouts; got != 1 {
		t.Errorf("Stats().Timeouts = %d, want 1", got)
	}
}

func TestSendAndAwait_BroadcastIsFireAndForget(t *testing.T) {
	rec := &frameRecorder{}
	c := NewCorrelator(FrameRaw, rec.send)
	defer c.Close()

	reply, err := c.SendAndAwait(context.Background(), Telegram{
		TargetSubnet: 1, TargetDevice: BroadcastAddress,
		OperateCode: OpDeviceDiscovery,
	}, time.Second, 0)

	if err != nil {
		t.Fatalf("SendAndAwait() error: %v", err)
	}
	if reply.OperateCode != 0 || reply.Payload != nil {
		t.Errorf("reply = %v, want zero Telegram", reply)
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
	}
	if rec.count() != 1 {
		t.Errorf("frames sent = %d, want 1", rec.count())
	}
}

func TestSendAndAwait_SendFailure(t *testing.T) {
	rec := &frameRecorder{err: errors.New("network down")}
	c := NewCorrelator(FrameRaw, rec.send)
	defer c.Close()

	_, err := c.SendAndAwait(context.Background(), Telegram{
		TargetSubnet: 1, TargetDevice: 5,
		OperateCode: OpReadStatusOfChannels,
	}, time.Second, 0)

	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("SendAndAwait() error = %v, want ErrSendFailed", err)
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after send failure, want 0", c.PendingCount())
	}
}

func TestMatch_ExactBeatsWildcard(t *testing.T) {
	c := NewCorrelator(FrameRaw, (&frameRecorder{}).send)
	defer c.Close()

	// Wildcard entry registered first: a request whose reply code is
	// undocumented gets an open operate code.
	wildcard := c.register(Telegram{TargetSubnet: 1, TargetDevice: 5, OperateCode: 0x7777})
	exact := c.register(Telegram{TargetSubnet: 1, TargetDevice: 5, OperateCode: OpReadStatusOfChannels})

	if !c.Match(Telegram{
		SourceSubnet: 1, SourceDevice: 5,
		OperateCode: OpReadStatusOfChannelsResponse,
	}) {
		t.Fatal("Match() = false, want true")
	}

	select {
	case <-exact.ch:
	default:
		t.Error("exact entry not resolved")
	}
	select {
	case <-wildcard.ch:
		t.Error("wildcard entry resolved, want it left pending")
	default:
	}
}

func TestMatch_DeviceWildcard(t *testing.T) {
	c := NewCorrelator(FrameRaw, (&frameRecorder{}).send)
	defer c.Close()

	pr := c.register(Telegram{TargetSubnet: 2, TargetDevice: 9, OperateCode: 0x7777})

	// Reply on an undocumented operate code from the right device.
	if !c.Match(Telegram{SourceSubnet: 2, SourceDevice: 9, OperateCode: 0xABCD}) {
		t.Fatal("Match() = false, want true")
	}
	select {
	case <-pr.ch:
	default:
		t.Error("wildcard entry not resolved")
	}
}

func TestMatch_OldestWinsPerPass(t *testing.T) {
	c := NewCorrelator(FrameRaw, (&frameRecorder{}).send)
	defer c.Close()

	first := c.register(Telegram{TargetSubnet: 1, TargetDevice: 5, OperateCode: OpReadStatusOfChannels})
	second := c.register(Telegram{TargetSubnet: 1, TargetDevice: 5, OperateCode: OpReadStatusOfChannels})

	reply := Telegram{SourceSubnet: 1, SourceDevice: 5, OperateCode: OpReadStatusOfChannelsResponse}
	if !c.Match(reply) {
		t.Fatal("first Match() = false, want true")
	}

	select {
	case <-first.ch:
	default:
		t.Error("first-registered entry not resolved")
	}
	select {
	case <-second.ch:
		t.Error("second entry resolved by first reply")
	default:
	}

	// A second reply resolves the remaining entry.
	if !c.Match(reply) {
		t.Fatal("second Match() = false, want true")
	}
	select {
	case <-second.ch:
	default:
		t.Error("second entry not resolved by second reply")
	}
}

func TestMatch_Unclaimed(t *testing.T) {
	c := NewCorrelator(FrameRaw, (&frameRecorder{}).send)
	defer c.Close()

	if c.Match(Telegram{SourceSubnet: 1, SourceDevice: 5, OperateCode: OpBroadcastSensorStatus}) {
		t.Error("Match() = true with nothing pending, want false")
	}
}

func TestAwaitOpCode(t *testing.T) {
	c := NewCorrelator(FrameRaw, (&frameRecorder{}).send)
	defer c.Close()

	type outcome struct {
		reply Telegram
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		reply, err := c.AwaitOpCode(context.Background(), OpDeviceDiscoveryResponse, 2*time.Second)
		done <- outcome{reply: reply, err: err}
	}()

	waitPending(t, c, 1)

	// The responder address was unknown when the await was registered.
	if !c.Match(Telegram{
		SourceSubnet: 7, SourceDevice: 42,
		OperateCode: OpDeviceDiscoveryResponse,
		Payload:     []byte{0x01, 0x78},
	}) {
		t.Fatal("Match() = false, want true")
	}

	got := <-done
	if got.err != nil {
		t.Fatalf("AwaitOpCode() error: %v", got.err)
	}
	if got.reply.SourceSubnet != 7 || got.reply.SourceDevice != 42 {
		t.Errorf("reply source = %d.%d, want 7.42", got.reply.SourceSubnet, got.reply.SourceDevice)
	}
}

func TestClose_ResolvesPending(t *testing.T) {
	c := NewCorrelator(FrameRaw, (&frameRecorder{}).send)

	done := make(chan error, 1)
	go func() {
		_, err := c.SendAndAwait(context.Background(), Telegram{
			TargetSubnet: 1, TargetDevice: 5,
			OperateCode: OpReadStatusOfChannels,
		}, 5*time.Second, 0)
		done <- err
	}()

	waitPending(t, c, 1)
	c.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("SendAndAwait() error = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendAndAwait() still blocked after Close")
	}
}

func TestSendAndAwait_ContextCancelled(t *testing.T) {
	c := NewCorrelator(FrameRaw, (&frameRecorder{}).send)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.SendAndAwait(ctx, Telegram{
			TargetSubnet: 1, TargetDevice: 5,
			OperateCode: OpReadStatusOfChannels,
		}, 5*time.Second, 0)
		done <- err
	}()

	waitPending(t, c, 1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("SendAndAwait() error = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendAndAwait() still blocked after cancel")
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after cancel, want 0", c.PendingCount())
	}
}
