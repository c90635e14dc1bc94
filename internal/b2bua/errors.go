package b2bua

import (
	"errors"
	"fmt"
)

var (
	ErrTargetNotFound  = errors.New("dial target not found")
	ErrNoContacts      = errors.New("no contacts available for target")
	ErrLegNotAnswered  = errors.New("leg not answered")
	ErrLegTerminated   = errors.New("leg already terminated")
	ErrBridgeActive    = errors.New("bridge already active")
	ErrBridgeTerminated = errors.New("bridge already terminated")
	ErrDialTimeout     = errors.New("dial timed out")
	ErrDialCanceled    = errors.New("dial canceled")
	ErrNotImplemented  = errors.New("not implemented")
	ErrInvalidState    = errors.New("invalid state for operation")
	ErrCodecMismatch   = errors.New("no compatible codec")
	ErrGlare           = errors.New("re-INVITE glare: renegotiation already in progress")
)

// DialError wraps a failed outbound dial attempt with the SIP outcome
// that caused it, so callers can distinguish busy/unavailable/timeout
// without string-matching reasons.
type DialError struct {
	Target     string
	SIPCode    int
	SIPReason  string
	Cause      error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s failed: %d %s: %v", e.Target, e.SIPCode, e.SIPReason, e.Cause)
}

func (e *DialError) Unwrap() error { return e.Cause }

func (e *DialError) IsTimeout() bool     { return errors.Is(e.Cause, ErrDialTimeout) }
func (e *DialError) IsRejected() bool    { return e.SIPCode >= 400 && e.SIPCode < 500 }
func (e *DialError) IsBusy() bool        { return e.SIPCode == 486 || e.SIPCode == 600 }
func (e *DialError) IsUnavailable() bool { return e.SIPCode == 480 || e.SIPCode >= 500 }

// StateTransitionError reports an illegal leg/bridge state machine move.
type StateTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("%s: invalid transition from %s to %s", e.Entity, e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error { return ErrInvalidState }

// LookupError reports a failed target resolution.
type LookupError struct {
	Target string
	Reason string
	Cause  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup %q failed: %s", e.Target, e.Reason)
}

func (e *LookupError) Unwrap() error { return e.Cause }
