package b2bua

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/b2buaserver/internal/dialog"
)

// legImpl is the concrete implementation of Leg.
type legImpl struct {
	mu sync.RWMutex

	id        string
	callID    string
	direction LegDirection

	state            LegState
	terminationCause TerminationCause

	dlg *dialog.Dialog

	sessionID string

	callerID   string
	callerName string

	earlyMedia bool
	sdpOffer   []byte

	createdAt  time.Time
	ringAt     time.Time
	answeredAt time.Time
	endedAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc

	onRinging       func()
	onAnswered      func([]byte)
	teardownHandler func(cause TerminationCause)

	cbMu             sync.Mutex
	stateChangeFns   []func(old, new LegState)
	terminatedFns    []func(leg Leg, cause TerminationCause)
}

// NewInboundLeg wraps an already-accepted inbound dialog as a Leg. The
// dialog must already carry its INVITE request; the leg's initial state
// tracks whichever of Ringing/Answered the dialog has already reached.
func NewInboundLeg(dlg *dialog.Dialog, sessionID string, opts ...LegOption) (Leg, error) {
	if dlg == nil {
		return nil, ErrInvalidState
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	l := &legImpl{
		id:        "leg-" + uuid.New().String(),
		callID:    dlg.CallID,
		direction: DirectionInbound,
		state:     LegRinging,
		dlg:       dlg,
		sessionID: sessionID,
		createdAt: now,
		ringAt:    now,
		ctx:       ctx,
		cancel:    cancel,
	}

	switch dlg.GetState() {
	case dialog.StateWaitingACK, dialog.StateConfirmed:
		l.state = LegAnswered
		l.answeredAt = now
	}

	if dlg.InviteRequest != nil {
		if from := dlg.InviteRequest.From(); from != nil {
			l.callerID = from.Address.User
			l.callerName = from.DisplayName
		}
	}

	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// NewOutboundLeg creates a B-leg shell for dialing targetURI; it carries no
// dialog until the INVITE transaction produces one.
func NewOutboundLeg(callID, targetURI string, opts ...LegOption) (Leg, error) {
	ctx, cancel := context.WithCancel(context.Background())

	l := &legImpl{
		id:        "leg-" + uuid.New().String(),
		callID:    callID,
		direction: DirectionOutbound,
		state:     LegCreated,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	_ = targetURI // carried on the resolved contact, not the leg itself

	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *legImpl) ID() string                             { return l.id }
func (l *legImpl) CallID() string                         { return l.callID }
func (l *legImpl) Direction() LegDirection                { return l.direction }

func (l *legImpl) GetState() LegState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *legImpl) GetTerminationCause() TerminationCause {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.terminationCause
}

// WaitForState polls until the leg reaches at least target or a terminal
// state, since state changes arrive via callback rather than a channel the
// caller can select on directly.
func (l *legImpl) WaitForState(ctx context.Context, target LegState) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		current := l.GetState()
		if current >= target {
			return nil
		}
		if current.IsTerminal() {
			return ErrLegTerminated
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.ctx.Done():
			return ErrLegTerminated
		case <-ticker.C:
		}
	}
}

func (l *legImpl) Dialog() *dialog.Dialog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dlg
}

func (l *legImpl) SessionID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessionID
}

func (l *legImpl) Context() context.Context { return l.ctx }

func (l *legImpl) Info() LegInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	info := LegInfo{
		ID:         l.id,
		CallID:     l.callID,
		Direction:  l.direction.String(),
		State:      l.state.String(),
		CallerID:   l.callerID,
		CallerName: l.callerName,
		CreatedAt:  l.createdAt,
	}
	if !l.ringAt.IsZero() {
		t := l.ringAt
		info.RingAt = &t
	}
	if !l.answeredAt.IsZero() {
		t := l.answeredAt
		info.AnsweredAt = &t
	}
	if !l.endedAt.IsZero() {
		t := l.endedAt
		info.EndedAt = &t
	}
	return info
}

// Answer marks an inbound leg answered once the bridge has committed to a
// final 200 OK for it; it does not itself send SIP signalling.
func (l *legImpl) Answer(sdpBody []byte) error {
	l.mu.Lock()
	if l.direction != DirectionInbound {
		l.mu.Unlock()
		return &StateTransitionError{Entity: "leg", From: l.state.String(), To: LegAnswered.String()}
	}
	if l.state != LegRinging && l.state != LegEarlyMedia {
		l.mu.Unlock()
		return &StateTransitionError{Entity: "leg", From: l.state.String(), To: LegAnswered.String()}
	}
	old := l.state
	l.state = LegAnswered
	l.answeredAt = time.Now()
	l.mu.Unlock()

	l.notifyStateChange(old, LegAnswered)
	if l.onAnswered != nil {
		l.onAnswered(sdpBody)
	}
	return nil
}

// Hangup moves the leg to its terminal state and fires teardown/terminated
// callbacks. Safe to call more than once; later calls are no-ops so both the
// bridge and the peer's BYE handler can call it without coordinating.
func (l *legImpl) Hangup(cause TerminationCause) error {
	l.mu.Lock()
	if l.state.IsTerminal() {
		l.mu.Unlock()
		return nil
	}
	old := l.state
	l.state = LegDestroyed
	l.terminationCause = cause
	l.endedAt = time.Now()
	l.mu.Unlock()

	l.cancel()

	if l.teardownHandler != nil {
		l.teardownHandler(cause)
	}
	l.notifyStateChange(old, LegDestroyed)
	l.notifyTerminated(cause)
	return nil
}

func (l *legImpl) Destroy() { _ = l.Hangup(CauseNormal) }

func (l *legImpl) OnStateChange(fn func(old, new LegState)) {
	l.cbMu.Lock()
	l.stateChangeFns = append(l.stateChangeFns, fn)
	l.cbMu.Unlock()
}

func (l *legImpl) OnTerminated(fn func(leg Leg, cause TerminationCause)) {
	l.cbMu.Lock()
	l.terminatedFns = append(l.terminatedFns, fn)
	l.cbMu.Unlock()
}

// TransitionTo drives the leg through states the bridge observes but that
// don't go through Answer/Hangup, e.g. a 180/183 moving it to Ringing or
// EarlyMedia.
func (l *legImpl) TransitionTo(next LegState) error {
	l.mu.Lock()
	old := l.state
	l.state = next
	switch next {
	case LegRinging, LegEarlyMedia:
		if l.ringAt.IsZero() {
			l.ringAt = time.Now()
		}
	case LegAnswered:
		l.answeredAt = time.Now()
	case LegFailed, LegDestroyed:
		l.endedAt = time.Now()
	}
	l.mu.Unlock()

	if next == LegRinging && l.onRinging != nil {
		l.onRinging()
	}
	l.notifyStateChange(old, next)
	return nil
}

// SetDialog attaches the dialog a B-leg INVITE eventually produced.
func (l *legImpl) SetDialog(dlg *dialog.Dialog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dlg = dlg
	if dlg != nil {
		l.callID = dlg.CallID
	}
}

func (l *legImpl) SetSessionID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionID = id
}

func (l *legImpl) notifyStateChange(old, new LegState) {
	l.cbMu.Lock()
	fns := make([]func(old, new LegState), len(l.stateChangeFns))
	copy(fns, l.stateChangeFns)
	l.cbMu.Unlock()
	for _, fn := range fns {
		fn(old, new)
	}
}

func (l *legImpl) notifyTerminated(cause TerminationCause) {
	l.cbMu.Lock()
	fns := make([]func(leg Leg, cause TerminationCause), len(l.terminatedFns))
	copy(fns, l.terminatedFns)
	l.cbMu.Unlock()
	for _, fn := range fns {
		fn(l, cause)
	}
}

var _ Leg = (*legImpl)(nil)
