package b2bua

import (
	"context"
	"testing"
	"time"
)

func answeredLegPair(t *testing.T) (Leg, Leg) {
	t.Helper()
	legA, err := NewOutboundLeg("call-a", "sip:alice@example.com")
	if err != nil {
		t.Fatalf("NewOutboundLeg() error = %v", err)
	}
	legB, err := NewOutboundLeg("call-b", "sip:bob@example.com")
	if err != nil {
		t.Fatalf("NewOutboundLeg() error = %v", err)
	}
	legA.(*legImpl).state = LegAnswered
	legB.(*legImpl).state = LegAnswered
	return legA, legB
}

func TestNewBridgeRejectsNilLegs(t *testing.T) {
	legA, _ := answeredLegPair(t)
	if _, err := NewBridge(legA, nil); err == nil {
		t.Error("NewBridge() with a nil leg should fail")
	}
}

func TestBridgeStartRequiresBothAnswered(t *testing.T) {
	legA, err := NewOutboundLeg("call-a", "sip:alice@example.com")
	if err != nil {
		t.Fatalf("NewOutboundLeg() error = %v", err)
	}
	legB, _ := answeredLegPair(t)

	bridge, err := NewBridge(legA, legB)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := bridge.Start(); err == nil {
		t.Error("Start() should fail when legA is not yet answered")
	}
}

func TestBridgeStartSucceedsWhenBothAnswered(t *testing.T) {
	legA, legB := answeredLegPair(t)
	bridge, err := NewBridge(legA, legB)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := bridge.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if bridge.GetState() != BridgeActive {
		t.Errorf("GetState() = %v, want BridgeActive", bridge.GetState())
	}
}

func TestBridgePropagatesLegTerminationToPeer(t *testing.T) {
	legA, legB := answeredLegPair(t)
	bridge, err := NewBridge(legA, legB)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := bridge.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var cause TerminationCause
	done := make(chan struct{})
	bridge.OnTerminated(func(c TerminationCause) {
		cause = c
		close(done)
	})

	_ = legA.Hangup(CauseNormal)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge never reported termination after legA hung up")
	}

	if cause != CauseNormal {
		t.Errorf("termination cause = %v, want CauseNormal", cause)
	}
	if legB.GetState() != LegDestroyed {
		t.Errorf("legB state = %v, want LegDestroyed (peer must be hung up too)", legB.GetState())
	}
	if legB.GetTerminationCause() != CauseBridgePeer {
		t.Errorf("legB termination cause = %v, want CauseBridgePeer", legB.GetTerminationCause())
	}
}

func TestBridgeWaitForTerminationReturnsImmediatelyAfterFinish(t *testing.T) {
	legA, legB := answeredLegPair(t)
	bridge, err := NewBridge(legA, legB)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := bridge.Stop(false); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cause, err := bridge.WaitForTermination(ctx)
	if err != nil {
		t.Fatalf("WaitForTermination() error = %v", err)
	}
	if cause != CauseNormal {
		t.Errorf("cause = %v, want CauseNormal", cause)
	}
}
