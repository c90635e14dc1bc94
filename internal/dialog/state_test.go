package dialog

import "testing"

func TestStateCanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateInitial, StateEarly, true},
		{StateInitial, StateConfirmed, false},
		{StateEarly, StateWaitingACK, true},
		{StateWaitingACK, StateConfirmed, true},
		{StateConfirmed, StateTerminating, true},
		{StateConfirmed, StateEarly, false},
		{StateTerminated, StateConfirmed, false},
		{StateInitial, StateTerminated, true},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s.CanTransitionTo(%s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStateIsTerminal(t *testing.T) {
	if StateConfirmed.IsTerminal() {
		t.Error("StateConfirmed should not be terminal")
	}
	if !StateTerminated.IsTerminal() {
		t.Error("StateTerminated should be terminal")
	}
}

func TestDirectionString(t *testing.T) {
	if DirectionInbound.String() != "inbound" {
		t.Errorf("DirectionInbound.String() = %q", DirectionInbound.String())
	}
	if DirectionOutbound.String() != "outbound" {
		t.Errorf("DirectionOutbound.String() = %q", DirectionOutbound.String())
	}
}

func TestTerminateReasonString(t *testing.T) {
	cases := map[TerminateReason]string{
		ReasonNone:      "none",
		ReasonLocalBYE:  "local_bye",
		ReasonRemoteBYE: "remote_bye",
		ReasonCancel:    "cancel",
		ReasonTimeout:   "timeout",
		ReasonError:     "error",
	}
	for reason, want := range cases {
		if got := reason.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", reason, got, want)
		}
	}
}
