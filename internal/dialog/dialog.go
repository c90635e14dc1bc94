package dialog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Dialog is one SIP leg's call state: its identifiers, the transport
// primitives needed to answer it or tear it down, and the state machine
// governing which of those are currently legal.
type Dialog struct {
	mu sync.RWMutex

	CallID    string
	LocalTag  string
	RemoteTag string
	Direction Direction
	State     State

	CreatedAt      time.Time
	StateChangedAt time.Time

	Session     *sipgo.DialogServerSession
	Transaction sip.ServerTransaction

	InviteRequest  *sip.Request
	InviteResponse *sip.Response

	SessionID  string
	RemoteAddr string
	RemotePort int

	RemoteContactURI string

	// RouteSet is this leg's route set, per RFC 3261 §12.1: for an inbound
	// dialog it's the Record-Route headers of the INVITE that created it,
	// taken in order; for an outbound dialog it's whatever Route headers
	// were already attached to the INVITE this B2BUA sent, which carries
	// forward the A-leg's route set per the B2BUA's route-derivation rule.
	// Every in-dialog request built from this Dialog re-attaches it.
	RouteSet []sip.Uri

	localCSeq          atomic.Uint32
	reInviteInProgress atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	TerminateReason TerminateReason
}

// NewDialog builds a Dialog for an inbound INVITE, in the Initial state
// until the caller sends a provisional response.
func NewDialog(req *sip.Request, tx sip.ServerTransaction) *Dialog {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().Value()
	}
	localTag := ""
	if to := req.To(); to != nil {
		localTag = to.Params["tag"]
	}
	remoteTag := ""
	if from := req.From(); from != nil {
		remoteTag = from.Params["tag"]
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dialog{
		CallID:         callID,
		LocalTag:       localTag,
		RemoteTag:      remoteTag,
		Direction:      DirectionInbound,
		State:          StateInitial,
		CreatedAt:      now,
		StateChangedAt: now,
		Transaction:    tx,
		InviteRequest:  req,
		RouteSet:       recordRouteSet(req),
		ctx:            ctx,
		cancel:         cancel,
	}
	d.localCSeq.Store(1)
	return d
}

// recordRouteSet extracts req's Record-Route header values in the order
// they appear, which per RFC 3261 §12.1.1 is this (UAS) side's route set
// for subsequent requests it sends within the dialog.
func recordRouteSet(req *sip.Request) []sip.Uri {
	hdrs := req.GetHeaders("Record-Route")
	if len(hdrs) == 0 {
		return nil
	}
	route := make([]sip.Uri, 0, len(hdrs))
	for _, h := range hdrs {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			route = append(route, rr.Address)
		}
	}
	return route
}

// routeSet extracts req's Route header values in the order they appear.
func routeSet(req *sip.Request) []sip.Uri {
	hdrs := req.GetHeaders("Route")
	if len(hdrs) == 0 {
		return nil
	}
	route := make([]sip.Uri, 0, len(hdrs))
	for _, h := range hdrs {
		if r, ok := h.(*sip.RouteHeader); ok {
			route = append(route, r.Address)
		}
	}
	return route
}

// appendRouteHeaders attaches req's route set as Route headers, in order,
// per RFC 3261 §12.2.1.1.
func appendRouteHeaders(req *sip.Request, route []sip.Uri) {
	for _, uri := range route {
		req.AppendHeader(&sip.RouteHeader{Address: uri})
	}
}

// NewOutboundDialog builds a Dialog from a sent INVITE and the 200 OK it
// received, already Confirmed.
func NewOutboundDialog(invite *sip.Request, resp *sip.Response) *Dialog {
	callID := ""
	if invite.CallID() != nil {
		callID = invite.CallID().Value()
	}
	localTag := ""
	if from := invite.From(); from != nil {
		localTag = from.Params["tag"]
	}
	remoteTag := ""
	if to := resp.To(); to != nil {
		remoteTag = to.Params["tag"]
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dialog{
		CallID:         callID,
		LocalTag:       localTag,
		RemoteTag:      remoteTag,
		Direction:      DirectionOutbound,
		State:          StateConfirmed,
		CreatedAt:      now,
		StateChangedAt: now,
		InviteRequest:  invite,
		InviteResponse: resp,
		RouteSet:       routeSet(invite),
		ctx:            ctx,
		cancel:         cancel,
	}
	if c := resp.Contact(); c != nil {
		d.RemoteContactURI = c.Address.String()
	}
	if cseq := invite.CSeq(); cseq != nil {
		d.localCSeq.Store(cseq.SeqNo)
	} else {
		d.localCSeq.Store(1)
	}
	return d
}

func (d *Dialog) SetSession(s *sipgo.DialogServerSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Session = s
}

func (d *Dialog) SetInviteResponse(r *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InviteResponse = r
	if to := r.To(); to != nil {
		if tag, ok := to.Params["tag"]; ok {
			d.LocalTag = tag
		}
	}
}

func (d *Dialog) SetRemoteEndpoint(addr string, port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.RemoteAddr = addr
	d.RemotePort = port
}

func (d *Dialog) SetRemoteContactURI(uri string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.RemoteContactURI = uri
}

func (d *Dialog) SetSessionID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SessionID = id
}

func (d *Dialog) GetSessionID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.SessionID
}

func (d *Dialog) GetState() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.State
}

// TransitionTo moves the dialog to next if the state machine allows it.
func (d *Dialog) TransitionTo(next State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.State.CanTransitionTo(next) {
		return &StateTransitionError{From: d.State, To: next}
	}
	d.State = next
	d.StateChangedAt = time.Now()
	return nil
}

func (d *Dialog) Context() context.Context { return d.ctx }
func (d *Dialog) Cancel()                  { d.cancel() }

func (d *Dialog) IsTerminated() bool { return d.GetState() == StateTerminated }

// BuildBYE constructs an in-dialog BYE, swapping From/To depending on which
// side originated the dialog per RFC 3261 §12.2.1.1.
func (d *Dialog) BuildBYE(localContact sip.Uri) (*sip.Request, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.InviteRequest == nil {
		return nil, fmt.Errorf("dialog %s has no INVITE to build BYE from", d.CallID)
	}

	var from, to sip.Uri
	var fromTag, toTag string
	if d.Direction == DirectionInbound {
		from, fromTag = localContact, d.LocalTag
		to, toTag = d.InviteRequest.From().Address, d.RemoteTag
	} else {
		from, fromTag = d.InviteRequest.From().Address, d.LocalTag
		to, toTag = localContact, d.RemoteTag
		if d.RemoteContactURI != "" {
			var parsed sip.Uri
			if err := sip.ParseUri(d.RemoteContactURI, &parsed); err == nil {
				to = parsed
			}
		}
	}

	req := sip.NewRequest(sip.BYE, to)
	req.AppendHeader(&sip.FromHeader{Address: from, Params: sip.NewParams().Add("tag", fromTag)})
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams().Add("tag", toTag)})
	callID := sip.CallIDHeader(d.CallID)
	req.AppendHeader(&callID)
	cseq := d.localCSeq.Add(1)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	appendRouteHeaders(req, d.RouteSet)

	return req, nil
}

// BuildReINVITE constructs an in-dialog re-INVITE, guarding against two
// re-INVITEs racing by CAS-ing the in-progress flag.
func (d *Dialog) BuildReINVITE(localContact sip.Uri, opts ReINVITEOptions) (*sip.Request, error) {
	if !d.reInviteInProgress.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("re-INVITE already in progress for dialog %s", d.CallID)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.InviteRequest == nil {
		d.reInviteInProgress.Store(false)
		return nil, fmt.Errorf("dialog %s has no INVITE to build re-INVITE from", d.CallID)
	}

	var from, to sip.Uri
	var fromTag, toTag string
	if d.Direction == DirectionInbound {
		from, fromTag = localContact, d.LocalTag
		to, toTag = d.InviteRequest.From().Address, d.RemoteTag
	} else {
		from, fromTag = d.InviteRequest.From().Address, d.LocalTag
		to, toTag = localContact, d.RemoteTag
		if d.RemoteContactURI != "" {
			var parsed sip.Uri
			if err := sip.ParseUri(d.RemoteContactURI, &parsed); err == nil {
				to = parsed
			}
		}
	}

	req := sip.NewRequest(sip.INVITE, to)
	req.AppendHeader(&sip.FromHeader{Address: from, Params: sip.NewParams().Add("tag", fromTag)})
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams().Add("tag", toTag)})
	callID := sip.CallIDHeader(d.CallID)
	req.AppendHeader(&callID)
	cseq := d.localCSeq.Add(1)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: localContact})
	appendRouteHeaders(req, d.RouteSet)
	if len(opts.SDPBody) > 0 {
		req.SetBody(opts.SDPBody)
		ct := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&ct)
	}

	return req, nil
}

// BuildInDialog constructs a generic in-dialog request (INFO, NOTIFY,
// MESSAGE, or an SDP-less UPDATE) toward the dialog's peer, following the
// same From/To/tag construction as BuildBYE.
func (d *Dialog) BuildInDialog(method sip.RequestMethod, localContact sip.Uri, body []byte, contentType string) (*sip.Request, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.InviteRequest == nil {
		return nil, fmt.Errorf("dialog %s has no INVITE to build %s from", d.CallID, method)
	}

	var from, to sip.Uri
	var fromTag, toTag string
	if d.Direction == DirectionInbound {
		from, fromTag = localContact, d.LocalTag
		to, toTag = d.InviteRequest.From().Address, d.RemoteTag
	} else {
		from, fromTag = d.InviteRequest.From().Address, d.LocalTag
		to, toTag = localContact, d.RemoteTag
		if d.RemoteContactURI != "" {
			var parsed sip.Uri
			if err := sip.ParseUri(d.RemoteContactURI, &parsed); err == nil {
				to = parsed
			}
		}
	}

	req := sip.NewRequest(method, to)
	req.AppendHeader(&sip.FromHeader{Address: from, Params: sip.NewParams().Add("tag", fromTag)})
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams().Add("tag", toTag)})
	callID := sip.CallIDHeader(d.CallID)
	req.AppendHeader(&callID)
	cseq := d.localCSeq.Add(1)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	appendRouteHeaders(req, d.RouteSet)
	if len(body) > 0 {
		req.SetBody(body)
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
	}

	return req, nil
}

// CompleteReINVITE clears the re-INVITE-in-progress guard.
func (d *Dialog) CompleteReINVITE() { d.reInviteInProgress.Store(false) }

// IsReINVITEInProgress reports the current guard state.
func (d *Dialog) IsReINVITEInProgress() bool { return d.reInviteInProgress.Load() }

// StateTransitionError reports an illegal state machine move.
type StateTransitionError struct {
	From State
	To   State
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid dialog state transition from %s to %s", e.From, e.To)
}

// sanitizeTag strips characters that would break header parsing if a peer
// sent a tag containing them; defensive only, not a correctness dependency.
func sanitizeTag(tag string) string {
	return strings.TrimSpace(tag)
}
