package b2bua

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bridge connects two answered legs into one call: media already flows
// between them via the relay session the Call layer allocated; the bridge's
// own job is tracking combined state and propagating one leg's termination
// to the other.
type Bridge interface {
	ID() string
	LegA() Leg
	LegB() Leg
	GetState() BridgeState
	Info() BridgeInfo

	Start() error
	Stop(hangupLegs bool) error
	WaitForTermination(ctx context.Context) (TerminationCause, error)

	OnTerminated(fn func(cause TerminationCause))
}

// BridgeInfo is a snapshot of a bridge's state for logging/events.
type BridgeInfo struct {
	ID               string
	LegAID           string
	LegBID           string
	State            string
	TerminationCause string
	TerminatedBy     string
	CreatedAt        time.Time
	StartedAt        time.Time
	TerminatedAt     time.Time
}

func (i BridgeInfo) Duration() time.Duration {
	if i.StartedAt.IsZero() {
		return 0
	}
	end := time.Now()
	if !i.TerminatedAt.IsZero() {
		end = i.TerminatedAt
	}
	return end.Sub(i.StartedAt)
}

// BridgeOption configures bridge creation.
type BridgeOption func(*bridgeImpl)

// WithAutoHangup controls whether the surviving leg is hung up when its
// peer terminates. Default true.
func WithAutoHangup(enable bool) BridgeOption {
	return func(b *bridgeImpl) { b.autoHangup = enable }
}

type bridgeImpl struct {
	mu sync.RWMutex

	id string

	legA Leg
	legB Leg

	state            BridgeState
	terminationCause TerminationCause
	terminatedBy     string

	createdAt    time.Time
	startedAt    time.Time
	terminatedAt time.Time

	autoHangup bool

	cbMu             sync.Mutex
	terminatedFns    []func(cause TerminationCause)
	terminationOnce  sync.Once
	terminationWaitCh chan struct{}
}

// NewBridge pairs legA (the A-leg) and legB (the B-leg) and wires their
// termination callbacks immediately, so a leg that hangs up before Start is
// ever called still tears the bridge down correctly.
func NewBridge(legA, legB Leg, opts ...BridgeOption) (Bridge, error) {
	if legA == nil || legB == nil {
		return nil, ErrInvalidState
	}

	b := &bridgeImpl{
		id:                "bridge-" + uuid.New().String(),
		legA:              legA,
		legB:              legB,
		state:             BridgeCreated,
		createdAt:         time.Now(),
		autoHangup:        true,
		terminationWaitCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	legA.OnTerminated(func(_ Leg, cause TerminationCause) { b.handleLegTerminated("leg_a", cause) })
	legB.OnTerminated(func(_ Leg, cause TerminationCause) { b.handleLegTerminated("leg_b", cause) })

	return b, nil
}

func (b *bridgeImpl) ID() string { return b.id }
func (b *bridgeImpl) LegA() Leg  { return b.legA }
func (b *bridgeImpl) LegB() Leg  { return b.legB }

func (b *bridgeImpl) GetState() BridgeState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *bridgeImpl) Info() BridgeInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BridgeInfo{
		ID:               b.id,
		LegAID:           b.legA.ID(),
		LegBID:           b.legB.ID(),
		State:            b.state.String(),
		TerminationCause: b.terminationCause.String(),
		TerminatedBy:     b.terminatedBy,
		CreatedAt:        b.createdAt,
		StartedAt:        b.startedAt,
		TerminatedAt:     b.terminatedAt,
	}
}

// Start flips the bridge to Active once both legs are confirmed answered.
// The relay path between them was already wired by the Call layer's media
// Offer/Answer exchange; there is nothing left to join here.
func (b *bridgeImpl) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BridgeCreated {
		return ErrBridgeActive
	}
	if b.legA.GetState() != LegAnswered {
		return ErrLegNotAnswered
	}
	if b.legB.GetState() != LegAnswered {
		return ErrLegNotAnswered
	}

	b.state = BridgeActive
	b.startedAt = time.Now()
	slog.Debug("bridge started", "bridge_id", b.id, "leg_a", b.legA.ID(), "leg_b", b.legB.ID())
	return nil
}

func (b *bridgeImpl) Stop(hangupLegs bool) error {
	b.mu.Lock()
	if b.state == BridgeTerminated {
		b.mu.Unlock()
		return nil
	}
	b.state = BridgeTerminating
	b.mu.Unlock()

	if hangupLegs {
		if b.legA.GetState() == LegAnswered {
			_ = b.legA.Hangup(CauseBridgePeer)
		}
		if b.legB.GetState() == LegAnswered {
			_ = b.legB.Hangup(CauseBridgePeer)
		}
	}

	b.finish(CauseNormal, "local")
	return nil
}

func (b *bridgeImpl) WaitForTermination(ctx context.Context) (TerminationCause, error) {
	b.mu.RLock()
	if b.state == BridgeTerminated {
		cause := b.terminationCause
		b.mu.RUnlock()
		return cause, nil
	}
	ch := b.terminationWaitCh
	b.mu.RUnlock()

	select {
	case <-ch:
		return b.GetTerminationCause(), nil
	case <-ctx.Done():
		return CauseNone, ctx.Err()
	}
}

func (b *bridgeImpl) GetTerminationCause() TerminationCause {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.terminationCause
}

func (b *bridgeImpl) OnTerminated(fn func(cause TerminationCause)) {
	b.cbMu.Lock()
	b.terminatedFns = append(b.terminatedFns, fn)
	b.cbMu.Unlock()
}

// handleLegTerminated propagates one leg's termination to its peer, per
// §4.6's CANCEL/2xx race rule: whichever leg ends first drives the other to
// BYE, not a second independent teardown path.
func (b *bridgeImpl) handleLegTerminated(which string, cause TerminationCause) {
	b.mu.Lock()
	if b.state == BridgeTerminating || b.state == BridgeTerminated {
		b.mu.Unlock()
		return
	}
	b.state = BridgeTerminating
	peer := b.legB
	if which == "leg_b" {
		peer = b.legA
	}
	autoHangup := b.autoHangup
	b.mu.Unlock()

	if autoHangup && peer.GetState() == LegAnswered {
		_ = peer.Hangup(CauseBridgePeer)
	}

	b.finish(cause, which)
}

func (b *bridgeImpl) finish(cause TerminationCause, by string) {
	b.terminationOnce.Do(func() {
		b.mu.Lock()
		b.state = BridgeTerminated
		b.terminationCause = cause
		b.terminatedBy = by
		b.terminatedAt = time.Now()
		ch := b.terminationWaitCh
		b.mu.Unlock()

		close(ch)

		b.cbMu.Lock()
		fns := make([]func(cause TerminationCause), len(b.terminatedFns))
		copy(fns, b.terminatedFns)
		b.cbMu.Unlock()
		for _, fn := range fns {
			fn(cause)
		}
	})
}

var _ Bridge = (*bridgeImpl)(nil)
