package dialog

// State is the SIP dialog leg state machine driven by the B2BUA's own
// signalling, not the peer's.
type State int

const (
	StateInitial State = iota
	StateEarly
	StateWaitingACK
	StateConfirmed
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateEarly:
		return "early"
	case StateWaitingACK:
		return "waiting_ack"
	case StateConfirmed:
		return "confirmed"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var validTransitions = map[State][]State{
	StateInitial:     {StateEarly, StateWaitingACK, StateTerminated},
	StateEarly:       {StateWaitingACK, StateTerminated},
	StateWaitingACK:  {StateConfirmed, StateTerminated},
	StateConfirmed:   {StateTerminating, StateTerminated},
	StateTerminating: {StateTerminated},
	StateTerminated:  {},
}

// CanTransitionTo reports whether moving from s to next is a legal move in
// this state machine.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool { return s == StateTerminated }

// Direction records which side originated the INVITE that created a dialog.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// TerminateReason records why a dialog ended, for logging and event
// publication.
type TerminateReason int

const (
	ReasonNone TerminateReason = iota
	ReasonLocalBYE
	ReasonRemoteBYE
	ReasonCancel
	ReasonTimeout
	ReasonError
)

func (r TerminateReason) String() string {
	switch r {
	case ReasonLocalBYE:
		return "local_bye"
	case ReasonRemoteBYE:
		return "remote_bye"
	case ReasonCancel:
		return "cancel"
	case ReasonTimeout:
		return "timeout"
	case ReasonError:
		return "error"
	default:
		return "none"
	}
}

// HoldType records whether a re-INVITE places a dialog on/off hold.
type HoldType int

const (
	HoldNone HoldType = iota
	HoldLocal
	HoldRemote
	HoldBoth
)

// ReINVITEOptions parameterizes a re-INVITE: a media update (relay port
// change), a hold/unhold, or both.
type ReINVITEOptions struct {
	SDPBody []byte
	Hold    HoldType
}
