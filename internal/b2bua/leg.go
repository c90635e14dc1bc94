package b2bua

import (
	"context"
	"time"

	"github.com/sebas/b2buaserver/internal/dialog"
)

// Leg is one call party's side of a bridged call: the SIP dialog plus the
// bookkeeping the bridge needs to answer, hold, or hang it up.
type Leg interface {
	ID() string
	CallID() string
	Direction() LegDirection
	GetState() LegState
	GetTerminationCause() TerminationCause

	WaitForState(ctx context.Context, state LegState) error

	Dialog() *dialog.Dialog
	SessionID() string
	Context() context.Context

	Info() LegInfo

	Answer(sdpBody []byte) error
	Hangup(cause TerminationCause) error
	Destroy()

	OnStateChange(fn func(old, new LegState))
	OnTerminated(fn func(leg Leg, cause TerminationCause))
}

// LegInfo is a snapshot of a leg's metadata, suitable for logging/events
// without holding the leg's internal lock.
type LegInfo struct {
	ID          string     `json:"id"`
	CallID      string     `json:"call_id"`
	Direction   string     `json:"direction"`
	State       string     `json:"state"`
	CallerID    string     `json:"caller_id,omitempty"`
	CallerName  string     `json:"caller_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RingAt      *time.Time `json:"ring_at,omitempty"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

func (i LegInfo) Duration() time.Duration {
	end := time.Now()
	if i.EndedAt != nil {
		end = *i.EndedAt
	}
	return end.Sub(i.CreatedAt)
}

func (i LegInfo) RingDuration() time.Duration {
	if i.RingAt == nil {
		return 0
	}
	end := time.Now()
	if i.AnsweredAt != nil {
		end = *i.AnsweredAt
	} else if i.EndedAt != nil {
		end = *i.EndedAt
	}
	return end.Sub(*i.RingAt)
}

func (i LegInfo) TalkDuration() time.Duration {
	if i.AnsweredAt == nil {
		return 0
	}
	end := time.Now()
	if i.EndedAt != nil {
		end = *i.EndedAt
	}
	return end.Sub(*i.AnsweredAt)
}

// LegOption configures a leg at construction time.
type LegOption func(*legImpl)

func WithLegID(id string) LegOption {
	return func(l *legImpl) { l.id = id }
}

func WithEarlyMedia(enabled bool) LegOption {
	return func(l *legImpl) { l.earlyMedia = enabled }
}

func WithSDPOffer(sdp []byte) LegOption {
	return func(l *legImpl) { l.sdpOffer = sdp }
}

func WithCallerID(number string) LegOption {
	return func(l *legImpl) { l.callerID = number }
}

func WithCallerName(name string) LegOption {
	return func(l *legImpl) { l.callerName = name }
}

func WithOnRinging(fn func()) LegOption {
	return func(l *legImpl) { l.onRinging = fn }
}

func WithOnAnswered(fn func([]byte)) LegOption {
	return func(l *legImpl) { l.onAnswered = fn }
}

func WithTeardownHandler(fn func(cause TerminationCause)) LegOption {
	return func(l *legImpl) { l.teardownHandler = fn }
}
