package b2bua

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/sebas/b2buaserver/internal/dialog"
)

// OriginatorConfig wires the pieces needed to build and send a B-leg INVITE.
type OriginatorConfig struct {
	Client        *sipgo.Client
	DialogStore   dialog.Store
	AdvertiseHost string
	AdvertisePort int
	AnswerTimeout time.Duration
}

// OriginateResult is the outcome of dialling one candidate contact.
type OriginateResult struct {
	Success   bool
	Leg       Leg
	Invite    *sip.Request
	Response  *sip.Response
	LocalTag  string
	SIPCode   int
	SIPReason string
	Err       error
}

// Originator builds and sends the B-leg INVITE and walks its response state
// machine through provisional responses, a final 2xx/non-2xx, and (for
// gateways with configured credentials) a digest challenge retry.
type Originator struct {
	cfg OriginatorConfig
	log *slog.Logger
}

func NewOriginator(cfg OriginatorConfig) *Originator {
	return &Originator{cfg: cfg, log: slog.Default().With("component", "originator")}
}

// Originate dials contact as a B-leg dialog, carrying sdpOffer as the
// INVITE body. It reuses aLegCallID as the B-leg's own Call-ID, per the
// dialog identification rule that distinguishes the two legs by their
// (Call-ID, local-tag, remote-tag) triple rather than by a separate
// Call-ID per leg. Originate blocks until a final response, cancellation
// of ctx, or the configured answer timeout. onProgress, if non-nil, is
// invoked for every provisional response so the caller can relay it onto
// the A-leg. routeSet is the A-leg's derived route set (its INVITE's
// Record-Route headers, in order); it's attached to the B-leg INVITE as
// its own Route headers, per the B2BUA's route-derivation rule, and from
// there flows to every later in-dialog request on that leg via its Dialog.
func (o *Originator) Originate(ctx context.Context, aLegCallID string, contact ResolvedContact, callerID, callerName string, sdpOffer []byte, routeSet []sip.Uri, onProgress func(code int, body []byte)) (*OriginateResult, error) {
	leg, err := NewOutboundLeg(aLegCallID, contact.URI, WithCallerID(callerID), WithCallerName(callerName))
	if err != nil {
		return nil, fmt.Errorf("create outbound leg: %w", err)
	}
	bleg := leg.(*legImpl)
	// Hangup can be driven by the bridge propagating the peer leg's
	// termination, not just this package's own call-ending paths, so the
	// leg needs to know how to send its own BYE rather than relying on
	// every caller of Hangup to do it.
	bleg.teardownHandler = func(TerminationCause) {
		if dlg := bleg.Dialog(); dlg != nil {
			if err := o.cfg.DialogStore.Terminate(dlg, dialog.ReasonLocalBYE); err != nil {
				o.log.Warn("terminating B-leg dialog failed", "call_id", dlg.CallID, "error", err)
			}
		}
	}

	invite, localTag, err := o.buildInvite(aLegCallID, contact, callerID, callerName, sdpOffer, routeSet)
	if err != nil {
		return nil, fmt.Errorf("build B-leg INVITE: %w", err)
	}
	o.log.Debug("originating B-leg", "call_id", aLegCallID, "target", contact.URI)

	timeout := o.cfg.AnswerTimeout
	if timeout <= 0 {
		timeout = 32 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := o.executeInvite(dialCtx, bleg, invite, localTag, contact, onProgress)
	result.Leg = bleg
	return result, nil
}

func (o *Originator) buildInvite(bLegCallID string, contact ResolvedContact, callerID, callerName string, sdpOffer []byte, routeSet []sip.Uri) (*sip.Request, string, error) {
	var requestURI sip.Uri
	if err := sip.ParseUri(contact.URI, &requestURI); err != nil {
		return nil, "", fmt.Errorf("invalid target URI %q: %w", contact.URI, err)
	}

	invite := sip.NewRequest(sip.INVITE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	localTag := generateTag()
	fromURI := sip.Uri{Scheme: "sip", User: callerID, Host: o.cfg.AdvertiseHost, Port: o.cfg.AdvertisePort}
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: callerName,
		Address:     fromURI,
		Params:      sip.NewParams().Add("tag", localTag),
	})

	invite.AppendHeader(&sip.ToHeader{Address: requestURI, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(bLegCallID)
	invite.AppendHeader(&callIDHdr)

	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	contactURI := sip.Uri{Scheme: "sip", User: "b2bua", Host: o.cfg.AdvertiseHost, Port: o.cfg.AdvertisePort}
	invite.AppendHeader(&sip.ContactHeader{Address: contactURI})

	for _, uri := range routeSet {
		invite.AppendHeader(&sip.RouteHeader{Address: uri})
	}

	if len(sdpOffer) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		invite.AppendHeader(&ct)
		invite.SetBody(sdpOffer)
	}

	return invite, localTag, nil
}

// executeInvite sends invite and walks the response machine: provisional
// responses move the leg to Ringing/EarlyMedia, a 401/407 from a gateway
// contact is answered once with digest credentials, and any other final
// response ends the attempt.
func (o *Originator) executeInvite(ctx context.Context, bleg *legImpl, invite *sip.Request, localTag string, contact ResolvedContact, onProgress func(code int, body []byte)) *OriginateResult {
	tx, err := o.cfg.Client.TransactionRequest(ctx, invite)
	if err != nil {
		_ = bleg.Hangup(CauseError)
		return &OriginateResult{SIPCode: 500, SIPReason: "Failed to send INVITE", Err: err}
	}
	defer tx.Terminate()

	authRetried := false
	for {
		select {
		case <-ctx.Done():
			o.cancelInvite(invite)
			_ = bleg.Hangup(CauseTimeout)
			return &OriginateResult{SIPCode: 408, SIPReason: "Request Timeout", Err: ErrDialTimeout}
		case resp := <-tx.Responses():
			if resp == nil {
				_ = bleg.Hangup(CauseError)
				return &OriginateResult{SIPCode: 500, SIPReason: "No response", Err: fmt.Errorf("transaction terminated without response")}
			}
			code := int(resp.StatusCode)

			switch {
			case code == 100:
				continue
			case code > 100 && code < 200:
				state := LegRinging
				if resp.Body() != nil {
					state = LegEarlyMedia
				}
				_ = bleg.TransitionTo(state)
				if onProgress != nil {
					onProgress(code, resp.Body())
				}
				continue
			case (code == 401 || code == 407) && !authRetried && contact.Gateway != nil:
				authRetried = true
				retry, err := o.authenticate(invite, resp, contact.Gateway)
				if err != nil {
					_ = bleg.Hangup(CauseRejected)
					return &OriginateResult{SIPCode: code, SIPReason: resp.Reason, Response: resp, Err: err}
				}
				tx.Terminate()
				tx, err = o.cfg.Client.TransactionRequest(ctx, retry)
				if err != nil {
					_ = bleg.Hangup(CauseError)
					return &OriginateResult{SIPCode: 500, SIPReason: "Retry failed", Err: err}
				}
				invite = retry
				continue
			case code >= 200 && code < 300:
				ack := sip.NewAckRequest(invite, resp, nil)
				if err := o.cfg.Client.WriteRequest(ack); err != nil {
					o.log.Warn("ACKing B-leg 2xx failed", "call_id", bleg.CallID(), "error", err)
				}
				dlg, err := o.cfg.DialogStore.RegisterOutbound(invite, resp)
				if err != nil {
					o.log.Warn("registering outbound dialog failed", "call_id", bleg.CallID(), "error", err)
				}
				bleg.SetDialog(dlg)
				_ = bleg.Answer(resp.Body())
				return &OriginateResult{Success: true, Invite: invite, Response: resp, LocalTag: localTag, SIPCode: code, SIPReason: resp.Reason}
			default:
				_ = bleg.Hangup(CauseRejected)
				return &OriginateResult{Invite: invite, Response: resp, SIPCode: code, SIPReason: resp.Reason,
					Err: &DialError{Target: contact.URI, SIPCode: code, SIPReason: resp.Reason}}
			}
		}
	}
}

// authenticate builds a retried INVITE carrying a digest Authorization
// header computed against the gateway's configured credentials, per
// RFC 3261 §22.2/2617.
func (o *Originator) authenticate(original *sip.Request, challenge *sip.Response, gw *GatewayConfig) (*sip.Request, error) {
	wwwAuth := challenge.GetHeader("WWW-Authenticate")
	if wwwAuth == nil {
		wwwAuth = challenge.GetHeader("Proxy-Authenticate")
	}
	if wwwAuth == nil {
		return nil, fmt.Errorf("challenge carries no authenticate header")
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing digest challenge: %w", err)
	}

	cseq := original.CSeq()
	retry := original.Clone()
	if cseq != nil {
		retry.RemoveHeader("CSeq")
		retry.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo + 1, MethodName: sip.INVITE})
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(sip.INVITE),
		URI:      retry.Recipient.String(),
		Username: gw.Username,
		Password: gw.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest response: %w", err)
	}

	authName := "Authorization"
	if challenge.GetHeader("Proxy-Authenticate") != nil {
		authName = "Proxy-Authorization"
	}
	retry.RemoveHeader(authName)
	retry.AppendHeader(sip.NewHeader(authName, cred.String()))
	return retry, nil
}

func (o *Originator) cancelInvite(invite *sip.Request) {
	cancel := newCancelRequest(invite)
	if err := o.cfg.Client.WriteRequest(cancel); err != nil {
		o.log.Warn("sending CANCEL failed", "call_id", invite.CallID().Value(), "error", err)
	}
}

// newCancelRequest builds a CANCEL matching the given INVITE per RFC 3261
// §9.1: same Request-URI, top Via, From, To, Call-ID and Route set, with a
// CSeq that reuses the INVITE's sequence number under the CANCEL method.
func newCancelRequest(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancel.AppendHeader(sip.HeaderClone(invite.Via()))
	cancel.AppendHeader(sip.HeaderClone(invite.From()))
	cancel.AppendHeader(sip.HeaderClone(invite.To()))
	cancel.AppendHeader(sip.HeaderClone(invite.CallID()))
	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	sip.CopyHeaders("Route", invite, cancel)
	cancel.SetTransport(invite.Transport())
	cancel.SetSource(invite.Source())
	cancel.SetDestination(invite.Destination())
	return cancel
}

func generateTag() string {
	return uuid.New().String()[:8]
}
