package b2bua

import (
	"testing"
)

func TestNewOutboundLegStartsCreated(t *testing.T) {
	leg, err := NewOutboundLeg("call-1", "sip:bob@example.com")
	if err != nil {
		t.Fatalf("NewOutboundLeg() error = %v", err)
	}
	if leg.GetState() != LegCreated {
		t.Errorf("GetState() = %v, want LegCreated", leg.GetState())
	}
	if leg.Direction() != DirectionOutbound {
		t.Errorf("Direction() = %v, want DirectionOutbound", leg.Direction())
	}
	if leg.CallID() != "call-1" {
		t.Errorf("CallID() = %q, want call-1", leg.CallID())
	}
}

func TestLegAnswerRejectsOutbound(t *testing.T) {
	leg, _ := NewOutboundLeg("call-1", "sip:bob@example.com")
	if err := leg.Answer(nil); err == nil {
		t.Error("Answer() on an outbound leg should fail, only inbound legs answer")
	}
}

func TestLegHangupFiresCallbacksOnce(t *testing.T) {
	leg, _ := NewOutboundLeg("call-1", "sip:bob@example.com")

	stateChanges := 0
	leg.OnStateChange(func(old, new LegState) { stateChanges++ })

	var gotCause TerminationCause
	terminatedCount := 0
	leg.OnTerminated(func(l Leg, cause TerminationCause) {
		terminatedCount++
		gotCause = cause
	})

	if err := leg.Hangup(CauseNormal); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	if err := leg.Hangup(CauseError); err != nil {
		t.Fatalf("second Hangup() should be a no-op, not error: %v", err)
	}

	if stateChanges != 1 {
		t.Errorf("stateChanges = %d, want 1 (no-op second Hangup must not re-fire callbacks)", stateChanges)
	}
	if terminatedCount != 1 {
		t.Errorf("terminatedCount = %d, want 1", terminatedCount)
	}
	if gotCause != CauseNormal {
		t.Errorf("gotCause = %v, want CauseNormal (from the first Hangup, not the ignored second)", gotCause)
	}
	if leg.GetState() != LegDestroyed {
		t.Errorf("GetState() = %v, want LegDestroyed", leg.GetState())
	}
}

func TestLegHangupInvokesTeardownHandler(t *testing.T) {
	leg, _ := NewOutboundLeg("call-1", "sip:bob@example.com")
	impl := leg.(*legImpl)

	var gotCause TerminationCause
	called := false
	impl.teardownHandler = func(cause TerminationCause) {
		called = true
		gotCause = cause
	}

	_ = leg.Hangup(CauseBridgePeer)

	if !called {
		t.Fatal("teardownHandler was not invoked by Hangup")
	}
	if gotCause != CauseBridgePeer {
		t.Errorf("gotCause = %v, want CauseBridgePeer", gotCause)
	}
}

func TestLegTransitionToRinging(t *testing.T) {
	leg, _ := NewOutboundLeg("call-1", "sip:bob@example.com")
	impl := leg.(*legImpl)

	if err := impl.TransitionTo(LegRinging); err != nil {
		t.Fatalf("TransitionTo() error = %v", err)
	}
	if leg.GetState() != LegRinging {
		t.Errorf("GetState() = %v, want LegRinging", leg.GetState())
	}
}
