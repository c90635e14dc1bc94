package b2bua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/b2buaserver/internal/codec"
	"github.com/sebas/b2buaserver/internal/dialog"
	"github.com/sebas/b2buaserver/internal/events"
	"github.com/sebas/b2buaserver/internal/media"
	"github.com/sebas/b2buaserver/internal/nat"
	"github.com/sebas/b2buaserver/internal/rtpproxy"
)

// mediaFailureStatus maps a media-layer error to the SIP status the
// media-error table distinguishes: an "E<code>" session error from
// rtpproxy means the relay itself rejected the request (488, recoverable
// by deleting the half-built session), while a backend timeout means
// rtpproxy never answered at all (503).
func mediaFailureStatus(err error) (sip.StatusCode, string) {
	var sessionErr *rtpproxy.Error
	if errors.As(err, &sessionErr) {
		return sip.StatusNotAcceptable, "Not Acceptable Here"
	}
	return sip.StatusServiceUnavailable, "Media Unavailable"
}

// CallDeps bundles everything a Call needs to carry an inbound INVITE from
// acceptance through to a bridged, torn-down, or rejected outcome.
type CallDeps struct {
	Dialogs       *dialog.Manager
	Media         *media.Manager
	Originator    *Originator
	Resolver      Resolver
	NAT           *nat.Detector
	Events        events.Publisher
	AdvertiseHost string
	AdvertisePort int
	AnswerTimeout time.Duration
}

// Call is the B2BUA's aggregate view of one bridged conversation: the A-leg
// that reached us, at most one B-leg we originated on its behalf, and the
// bridge joining them once both are answered.
type Call struct {
	mu sync.RWMutex

	id    string // the shared Call-ID carried on both legs
	state CallState

	legA Leg
	legB Leg
	dlgA *dialog.Dialog

	// aTag and bTag are the opaque per-leg tags the media manager was
	// given at Offer/Answer time, reused to key any later renegotiation
	// so it reaches the same relay session.
	aTag string
	bTag string
	// glare guards against two renegotiations (re-INVITE/UPDATE) racing
	// on the same call from opposite legs: whichever arrives first wins,
	// the other is answered 491, per RFC 3261 glare handling.
	glare atomic.Bool

	bridge Bridge

	dialCancel context.CancelFunc

	createdAt    time.Time
	ringAt       time.Time
	answeredAt   time.Time
	endedAt      time.Time
	disposition  string

	deps CallDeps
	log  *slog.Logger
}

// NewCall allocates a Call for an inbound INVITE. The caller must still
// invoke HandleInvite to drive it through dialing.
func NewCall(deps CallDeps) *Call {
	return &Call{
		state:     CallInitiating,
		createdAt: time.Now(),
		deps:      deps,
		log:       slog.Default().With("component", "call"),
	}
}

func (c *Call) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Call) GetState() CallState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Call) LegA() Leg { c.mu.RLock(); defer c.mu.RUnlock(); return c.legA }
func (c *Call) LegB() Leg { c.mu.RLock(); defer c.mu.RUnlock(); return c.legB }
func (c *Call) Bridge() Bridge {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bridge
}

// CallInfo is a snapshot of a call's aggregate state, suitable for CDR
// emission or status endpoints without holding the call's lock.
type CallInfo struct {
	ID          string
	State       string
	Disposition string
	CreatedAt   time.Time
	RingAt      time.Time
	AnsweredAt  time.Time
	EndedAt     time.Time
}

func (c *Call) Info() CallInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CallInfo{
		ID:          c.id,
		State:       c.state.String(),
		Disposition: c.disposition,
		CreatedAt:   c.createdAt,
		RingAt:      c.ringAt,
		AnsweredAt:  c.answeredAt,
		EndedAt:     c.endedAt,
	}
}

func (c *Call) transitionTo(next CallState) {
	c.mu.Lock()
	c.state = next
	switch next {
	case CallRinging:
		if c.ringAt.IsZero() {
			c.ringAt = time.Now()
		}
	case CallConnected:
		c.answeredAt = time.Now()
	case CallEnded:
		c.endedAt = time.Now()
	}
	c.mu.Unlock()
}

// end transitions the call to CallEnded exactly once, reporting whether
// this call won the race to end it. The CANCEL handler and an in-flight
// HandleInvite can both try to end the same call concurrently (a CANCEL
// arriving while the B-leg dial is still outstanding unblocks both the
// CANCEL handler and the dial's own failure path), so every terminal path
// must go through this instead of transitionTo+publish directly.
func (c *Call) end(disposition string, cause TerminationCause, reason string) bool {
	c.mu.Lock()
	if c.state == CallEnded {
		c.mu.Unlock()
		return false
	}
	c.state = CallEnded
	c.endedAt = time.Now()
	c.disposition = disposition
	c.mu.Unlock()

	c.publish(events.KindCallEnd, reason, nil)
	return true
}

// HandleInvite carries req through NAT correction, target resolution, media
// allocation, B-leg origination, and answer relay, per the inbound call
// flow. It owns responding to the A-leg transaction for every outcome
// short of a normal bridged answer, which the caller observes by polling
// GetState/Bridge.
func (c *Call) HandleInvite(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, sourceHost string, sourcePort int) error {
	dlgA, err := c.deps.Dialogs.CreateFromInvite(req, tx)
	if err != nil {
		return fmt.Errorf("registering A-leg dialog: %w", err)
	}

	c.mu.Lock()
	c.id = dlgA.CallID
	c.dlgA = dlgA
	c.mu.Unlock()

	legA, err := NewInboundLeg(dlgA, "")
	if err != nil {
		return fmt.Errorf("creating A-leg: %w", err)
	}
	// Mirrors the B-leg's own teardown wiring in Originator.Originate: a
	// Hangup driven by the bridge propagating the peer's termination must
	// still send a real BYE to the caller, not just flip local state.
	legA.(*legImpl).teardownHandler = func(TerminationCause) {
		if err := c.deps.Dialogs.Terminate(dlgA, dialog.ReasonLocalBYE); err != nil {
			c.log.Warn("terminating A-leg dialog failed", "call_id", dlgA.CallID, "error", err)
		}
	}
	c.mu.Lock()
	c.legA = legA
	c.mu.Unlock()

	natRes := c.deps.NAT.Apply(req, sourceHost, sourcePort)
	offerBody := req.Body()
	if rewritten, ok := c.deps.NAT.RewriteSDP(offerBody, sourceHost); ok {
		offerBody = rewritten
	}

	callerID, callerName := "", ""
	if from := req.From(); from != nil {
		callerID, callerName = from.Address.User, from.DisplayName
	}

	c.publish(events.KindCallStart, "", map[string]any{
		"from": callerID, "to": req.Recipient.User, "nat_rewritten": natRes.ContactRewritten,
	})

	target := "user/" + req.Recipient.User
	result, err := c.deps.Resolver.Resolve(ctx, target)
	if err != nil || !result.HasContacts() {
		c.failAleg(tx, req, legA, sip.StatusNotFound, "Not Found", CauseRejected, "not_found")
		return nil
	}
	contact, _ := result.PrimaryContact()

	offer, err := codec.Parse(offerBody)
	if err != nil {
		c.failAleg(tx, req, legA, sip.StatusBadRequest, "Bad SDP", CauseError, "bad_sdp")
		return nil
	}

	bLegOffer, err := c.deps.Media.Offer(c.id, dlgA.LocalTag, offer)
	if err != nil {
		c.publish(events.KindMediaFail, err.Error(), nil)
		code, reason := mediaFailureStatus(err)
		if code == sip.StatusNotAcceptable {
			c.deps.Media.Delete(c.id)
		}
		c.failAleg(tx, req, legA, code, reason, CauseError, "media_unavailable")
		return nil
	}
	c.publish(events.KindMediaAlloc, "", map[string]any{"relay_tag": dlgA.LocalTag})

	if err := c.deps.Dialogs.SendTrying(dlgA); err != nil {
		c.log.Warn("sending 100 Trying failed", "call_id", c.id, "error", err)
	}

	onProgress := func(code int, body []byte) {
		c.transitionTo(CallRinging)
		c.publish(events.KindCallRing, "", nil)
		if len(body) > 0 {
			if err := c.deps.Dialogs.SendProgress(dlgA, body); err != nil {
				c.log.Warn("relaying session progress failed", "call_id", c.id, "error", err)
			}
			return
		}
		if err := c.deps.Dialogs.SendRinging(dlgA); err != nil {
			c.log.Warn("relaying ringing failed", "call_id", c.id, "error", err)
		}
	}

	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	c.mu.Lock()
	c.dialCancel = cancelDial
	c.mu.Unlock()

	dialResult, err := c.deps.Originator.Originate(dialCtx, c.id, contact, callerID, callerName, bLegOffer, dlgA.RouteSet, onProgress)
	if err != nil {
		c.deps.Media.Delete(c.id)
		c.failAleg(tx, req, legA, sip.StatusInternalServerError, "B-leg dial failed", CauseError, "dial_error")
		return nil
	}

	if !dialResult.Success {
		c.deps.Media.Delete(c.id)
		code, reason := relayedFailureCode(dialResult)
		c.failAleg(tx, req, legA, sip.StatusCode(code), reason, CauseRejected, fmt.Sprintf("bleg_%d", code))
		return nil
	}

	c.mu.Lock()
	c.legB = dialResult.Leg
	c.aTag = dlgA.LocalTag
	c.bTag = dialResult.LocalTag
	c.mu.Unlock()

	bAnswer, err := codec.Parse(dialResult.Response.Body())
	if err != nil {
		c.deps.Media.Delete(c.id)
		c.terminateBLeg(ReasonBadAnswer, CauseError)
		c.failAleg(tx, req, legA, sip.StatusInternalServerError, "Bad B-leg SDP", CauseError, "bad_bleg_sdp")
		return nil
	}

	aAnswer, err := c.deps.Media.Answer(c.id, dlgA.LocalTag, dialResult.LocalTag, bAnswer)
	if err != nil {
		c.deps.Media.Delete(c.id)
		c.terminateBLeg(ReasonBadAnswer, CauseError)
		code, reason := mediaFailureStatus(err)
		c.failAleg(tx, req, legA, code, reason, CauseError, "media_answer_failed")
		return nil
	}

	if err := c.deps.Dialogs.SendOK(dlgA, aAnswer); err != nil {
		if c.end("aleg_ok_failed", CauseError, "aleg_ok_failed") {
			c.deps.Media.Delete(c.id)
			c.terminateBLeg(ReasonLocalBYE, CauseError)
			_ = legA.Hangup(CauseError)
		}
		return nil
	}
	_ = legA.Answer(aAnswer)

	bridge, err := NewBridge(legA, dialResult.Leg)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(); err != nil {
		c.log.Warn("starting bridge failed", "call_id", c.id, "error", err)
	}
	bridge.OnTerminated(func(cause TerminationCause) {
		c.handleBridgeTerminated(cause)
	})

	c.mu.Lock()
	c.bridge = bridge
	c.mu.Unlock()

	c.transitionTo(CallConnected)
	c.publish(events.KindCallAnswer, "", nil)
	return nil
}

// HandleMidDialogInvite renegotiates an already-bridged call's media in
// response to a re-INVITE or SDP-bearing UPDATE arriving on either leg:
// it relays the new offer to the opposite leg as a re-INVITE and answers
// the originating request with the result. Only one renegotiation may be
// in flight per Call; a second one arriving before the first completes
// is the SIP glare case and is answered 491, per spec.
func (c *Call) HandleMidDialogInvite(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, onALeg bool) error {
	if !c.glare.CompareAndSwap(false, true) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 491, "Request Pending", nil))
		return ErrGlare
	}
	defer c.glare.Store(false)

	c.mu.RLock()
	legA, legB, aTag, bTag := c.legA, c.legB, c.aTag, c.bTag
	c.mu.RUnlock()
	if legA == nil || legB == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return fmt.Errorf("call %s has no bridge to renegotiate", c.id)
	}

	offer, err := codec.Parse(req.Body())
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad SDP", nil))
		return fmt.Errorf("parsing renegotiation offer: %w", err)
	}

	fromTag, toTag := aTag, bTag
	peerDialog := legB.Dialog()
	if !onALeg {
		fromTag, toTag = bTag, aTag
		peerDialog = legA.Dialog()
	}
	if peerDialog == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "No peer leg", nil))
		return fmt.Errorf("call %s peer leg has no dialog", c.id)
	}

	relayed, err := c.deps.Media.Update(c.id, fromTag, toTag, offer)
	if err != nil {
		code, reason := mediaFailureStatus(err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil))
		return fmt.Errorf("renegotiating media: %w", err)
	}

	localContact := sip.Uri{Scheme: "sip", Host: c.deps.AdvertiseHost, Port: c.deps.AdvertisePort}
	result, err := c.deps.Dialogs.SendReINVITE(ctx, peerDialog, localContact, dialog.ReINVITEOptions{SDPBody: relayed})
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusServiceUnavailable, "Renegotiation Failed", nil))
		return fmt.Errorf("relaying re-INVITE: %w", err)
	}
	if !result.Success {
		code := result.StatusCode
		if code < 300 || code >= 700 {
			code = 488
		}
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(code), result.Reason, nil))
		return nil
	}

	answer, err := codec.Parse(result.SDP)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Bad peer SDP", nil))
		return fmt.Errorf("parsing peer renegotiation answer: %w", err)
	}
	localAnswer, err := c.deps.Media.Update(c.id, toTag, fromTag, answer)
	if err != nil {
		code, reason := mediaFailureStatus(err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil))
		return fmt.Errorf("applying peer renegotiation answer: %w", err)
	}

	ct := sip.ContentTypeHeader("application/sdp")
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", localAnswer)
	resp.AppendHeader(&ct)
	return tx.Respond(resp)
}

// ForwardMidDialog cross-forwards an in-dialog INFO, NOTIFY, MESSAGE, or
// SDP-less UPDATE to the opposite leg and relays its final response back
// to the originating transaction.
func (c *Call) ForwardMidDialog(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, onALeg bool) error {
	c.mu.RLock()
	legA, legB := c.legA, c.legB
	c.mu.RUnlock()
	if legA == nil || legB == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return fmt.Errorf("call %s has no bridge to forward through", c.id)
	}

	peerDialog := legB.Dialog()
	if !onALeg {
		peerDialog = legA.Dialog()
	}
	if peerDialog == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "No peer leg", nil))
		return fmt.Errorf("call %s peer leg has no dialog", c.id)
	}

	contentType := ""
	if ct := req.GetHeader("Content-Type"); ct != nil {
		contentType = ct.Value()
	}
	localContact := sip.Uri{Scheme: "sip", Host: c.deps.AdvertiseHost, Port: c.deps.AdvertisePort}
	resp, err := c.deps.Dialogs.SendInDialogRequest(ctx, peerDialog, localContact, req.Method, req.Body(), contentType)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusServiceUnavailable, "Forwarding Failed", nil))
		return fmt.Errorf("forwarding %s: %w", req.Method, err)
	}
	return tx.Respond(sip.NewResponseFromRequest(req, resp.StatusCode, resp.Reason, resp.Body()))
}

// CancelInbound handles a CANCEL of legA's own INVITE, for the race where
// the caller hangs up before the B-leg has answered. If legB has already
// answered by the time CANCEL arrives, this is the CANCEL/2xx race and the
// already-connected B-leg is torn down with BYE instead of being canceled.
func (c *Call) CancelInbound() {
	c.mu.RLock()
	state := c.state
	legB := c.legB
	c.mu.RUnlock()

	if state == CallConnected && legB != nil {
		if !c.end("CALLER_CANCEL_POST_ANSWER", CauseCancel, "CALLER_CANCEL_POST_ANSWER") {
			return
		}
		c.terminateBLeg(ReasonLocalBYE, CauseCancel)
		return
	}

	if !c.end("caller_cancel", CauseCancel, "caller_cancel") {
		return
	}
	if dialCancel := c.getDialCancel(); dialCancel != nil {
		dialCancel()
	}
	c.terminateBLeg(ReasonCancel, CauseCancel)
	c.mu.RLock()
	legA := c.legA
	c.mu.RUnlock()
	if legA != nil {
		_ = legA.Hangup(CauseCancel)
	}
}

func (c *Call) getDialCancel() context.CancelFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dialCancel
}

func (c *Call) handleBridgeTerminated(cause TerminationCause) {
	if !c.end(cause.String(), cause, cause.String()) {
		return
	}
	c.deps.Media.Delete(c.id)
}

// failAleg responds to the A-leg's INVITE transaction with a final
// non-2xx, hangs up legA, and ends the call with disposition recorded for
// the CDR. It is a no-op if the call already ended by another path (e.g.
// a CANCEL that raced the B-leg dial failure).
func (c *Call) failAleg(tx sip.ServerTransaction, req *sip.Request, legA Leg, code sip.StatusCode, reason string, cause TerminationCause, disposition string) {
	if !c.end(disposition, cause, disposition) {
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil))
	_ = legA.Hangup(cause)
}

// Disposition reports the final CDR-facing outcome of the call, empty
// until it ends.
func (c *Call) Disposition() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disposition
}

func (c *Call) terminateBLeg(reason dialog.TerminateReason, cause TerminationCause) {
	c.mu.RLock()
	legB := c.legB
	c.mu.RUnlock()
	if legB == nil {
		return
	}
	if dlg := legB.Dialog(); dlg != nil {
		if err := c.deps.Dialogs.Terminate(dlg, reason); err != nil {
			c.log.Warn("terminating B-leg dialog failed", "call_id", c.id, "error", err)
		}
	}
	_ = legB.Hangup(cause)
}

func (c *Call) publish(kind events.Kind, reason string, attrs map[string]any) {
	c.deps.Events.Publish(events.Event{
		Kind: kind, CallID: c.id, Reason: reason, At: time.Now(), Attrs: attrs,
	})
}

// ReasonBadAnswer marks a B-leg dialog terminated because its SDP answer
// could not be parsed or relayed.
const ReasonBadAnswer = dialog.ReasonError

// ReasonCancel and ReasonLocalBYE alias the dialog package's reasons so
// callers of terminateBLeg read naturally from this file.
const (
	ReasonCancel   = dialog.ReasonCancel
	ReasonLocalBYE = dialog.ReasonLocalBYE
)

// relayedFailureCode picks the SIP response to relay to the A-leg for a
// failed B-leg dial, falling back to 480 when the B-leg gave us nothing
// more specific (e.g. a timeout).
func relayedFailureCode(r *OriginateResult) (int, string) {
	if r.SIPCode >= 300 && r.SIPCode < 700 {
		reason := r.SIPReason
		if reason == "" {
			reason = "Call Failed"
		}
		return r.SIPCode, reason
	}
	return 480, "Temporarily Unavailable"
}
