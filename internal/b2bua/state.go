package b2bua

// LegState is a leg's lifecycle state as seen by the bridge, independent
// of the underlying SIP dialog's own state machine.
type LegState int

const (
	LegCreated LegState = iota
	LegRinging
	LegEarlyMedia
	LegAnswered
	LegFailed
	LegDestroyed
)

func (s LegState) String() string {
	switch s {
	case LegCreated:
		return "created"
	case LegRinging:
		return "ringing"
	case LegEarlyMedia:
		return "early_media"
	case LegAnswered:
		return "answered"
	case LegFailed:
		return "failed"
	case LegDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further leg activity is expected.
func (s LegState) IsTerminal() bool { return s == LegFailed || s == LegDestroyed }

// LegDirection records which side of the bridge a leg sits on.
type LegDirection int

const (
	DirectionInbound LegDirection = iota
	DirectionOutbound
)

func (d LegDirection) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// BridgeState tracks the combined state of a two-legged call.
type BridgeState int

const (
	BridgeCreated BridgeState = iota
	BridgePartial
	BridgeActive
	BridgeHeld
	BridgeTerminating
	BridgeTerminated
)

func (s BridgeState) String() string {
	switch s {
	case BridgeCreated:
		return "created"
	case BridgePartial:
		return "partial"
	case BridgeActive:
		return "active"
	case BridgeHeld:
		return "held"
	case BridgeTerminating:
		return "terminating"
	case BridgeTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (s BridgeState) IsTerminal() bool { return s == BridgeTerminated }

// CallState is the aggregate state of a B2BUA call, spanning both legs, per
// the data model's {Initiating, Ringing, Connected, Terminating, Ended} set.
type CallState int

const (
	CallInitiating CallState = iota
	CallRinging
	CallConnected
	CallTerminating
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallInitiating:
		return "initiating"
	case CallRinging:
		return "ringing"
	case CallConnected:
		return "connected"
	case CallTerminating:
		return "terminating"
	case CallEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func (s CallState) IsTerminal() bool { return s == CallEnded }

// TerminationCause records why a leg or bridge ended.
type TerminationCause int

const (
	CauseNone TerminationCause = iota
	CauseNormal
	CauseCancel
	CauseRejected
	CauseTimeout
	CauseError
	CauseBridgePeer
	CauseRemoteBYE
)

func (c TerminationCause) String() string {
	switch c {
	case CauseNormal:
		return "normal"
	case CauseCancel:
		return "cancel"
	case CauseRejected:
		return "rejected"
	case CauseTimeout:
		return "timeout"
	case CauseError:
		return "error"
	case CauseBridgePeer:
		return "bridge_peer"
	case CauseRemoteBYE:
		return "remote_bye"
	default:
		return "none"
	}
}
