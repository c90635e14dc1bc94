package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

const (
	// ActiveDialogTTL bounds how long a confirmed dialog can sit idle
	// before the manager forgets it, as a backstop against a BYE that
	// never arrives.
	ActiveDialogTTL = 4 * time.Hour
	// TerminatedDialogTTL keeps a terminated dialog around briefly so a
	// retransmitted BYE/CANCEL/ACK still finds it (RFC 3261 Timer H).
	TerminatedDialogTTL = 32 * time.Second
	cleanupInterval      = 10 * time.Second
)

type entry struct {
	dialog    *Dialog
	expiresAt time.Time
}

// Manager is the process-wide registry of live dialogs, keyed by Call-ID
// and then by the dialog's (local-tag, remote-tag) pair, per RFC 3261's
// dialog identification — a B-leg dialog can share its A-leg's Call-ID
// (the B2BUA reuses it, see Originator.Originate) so Call-ID alone is not
// a unique key.
type Manager struct {
	mu      sync.RWMutex
	dialogs map[string]map[string]*entry
	stopCh  chan struct{}

	sipClient *sipgo.Client
	dialogUA  *sipgo.DialogUA

	ackTimeout time.Duration

	onTerminated func(d *Dialog)
	log          *slog.Logger
}

// NewManager wires a Manager around a sipgo client and dialog UA, starting
// its background expiry sweep.
func NewManager(client *sipgo.Client, dialogUA *sipgo.DialogUA, ackTimeout time.Duration) *Manager {
	if ackTimeout <= 0 {
		ackTimeout = 32 * time.Second
	}
	m := &Manager{
		dialogs:    make(map[string]map[string]*entry),
		stopCh:     make(chan struct{}),
		sipClient:  client,
		dialogUA:   dialogUA,
		ackTimeout: ackTimeout,
		log:        slog.Default().With("component", "dialog"),
	}
	go m.cleanupLoop()
	return m
}

func (m *Manager) set(callID, key string, d *Dialog, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inner, ok := m.dialogs[callID]
	if !ok {
		inner = make(map[string]*entry)
		m.dialogs[callID] = inner
	}
	inner[key] = &entry{dialog: d, expiresAt: time.Now().Add(ttl)}
}

// tagPairKey builds an order-independent key from a dialog's two tags, so
// a lookup from either side of a message (From/To swapped relative to
// which side created the dialog) resolves to the same entry.
func tagPairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func dialogKey(d *Dialog) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return tagPairKey(d.LocalTag, d.RemoteTag)
}

// reindex moves d's entry from oldKey to its current tag-pair key, used
// once an inbound dialog's local tag becomes known from its own 200 OK.
func (m *Manager) reindex(callID, oldKey string, d *Dialog) {
	newKey := dialogKey(d)
	if newKey == oldKey {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inner, ok := m.dialogs[callID]
	if !ok {
		return
	}
	if e, ok := inner[oldKey]; ok {
		delete(inner, oldKey)
		inner[newKey] = e
	}
}

// getInbound scans callID's dialogs for an inbound one already carrying
// remoteTag, used to detect a retransmitted initial INVITE before its
// local tag is known (and so before its final key is known).
func (m *Manager) getInbound(callID, remoteTag string) (*Dialog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inner, ok := m.dialogs[callID]
	if !ok {
		return nil, false
	}
	now := time.Now()
	for _, e := range inner {
		if now.After(e.expiresAt) {
			continue
		}
		if e.dialog.Direction == DirectionInbound && e.dialog.RemoteTag == remoteTag {
			return e.dialog, true
		}
	}
	return nil, false
}

// SetOnTerminated installs the callback fired whenever a dialog reaches
// StateTerminated.
func (m *Manager) SetOnTerminated(fn func(d *Dialog)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminated = fn
}

// CreateFromInvite registers a new dialog for an inbound INVITE, or
// returns the existing one if this is a retransmission.
func (m *Manager) CreateFromInvite(req *sip.Request, tx sip.ServerTransaction) (*Dialog, error) {
	callID := callIDString(req)
	if callID == "" {
		return nil, fmt.Errorf("INVITE missing Call-ID")
	}

	remoteTag := ""
	if from := req.From(); from != nil {
		remoteTag = from.Params["tag"]
	}
	if existing, ok := m.getInbound(callID, remoteTag); ok && existing.GetState() != StateTerminated {
		m.log.Warn("duplicate INVITE", "call_id", callID, "state", existing.GetState())
		return existing, nil
	}

	d := NewDialog(req, tx)
	m.set(callID, dialogKey(d), d, ActiveDialogTTL)
	m.log.Info("dialog created", "call_id", callID)
	return d, nil
}

// RegisterOutbound registers a dialog that's already Confirmed because the
// B-leg INVITE it was built from already received its 200 OK.
func (m *Manager) RegisterOutbound(invite *sip.Request, resp *sip.Response) (*Dialog, error) {
	callID := callIDString(invite)
	if callID == "" {
		return nil, fmt.Errorf("INVITE missing Call-ID")
	}
	d := NewOutboundDialog(invite, resp)
	if existing, ok := m.Get(callID, dialogKey(d)); ok && existing.GetState() != StateTerminated {
		return existing, nil
	}
	m.set(callID, dialogKey(d), d, ActiveDialogTTL)
	m.log.Info("outbound dialog registered", "call_id", callID)
	return d, nil
}

func (m *Manager) SendTrying(d *Dialog) error {
	trying := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusTrying, "Trying", nil)
	if err := d.Transaction.Respond(trying); err != nil {
		return fmt.Errorf("sending 100 Trying: %w", err)
	}
	if err := d.TransitionTo(StateEarly); err != nil {
		m.log.Warn("state transition failed", "call_id", d.CallID, "error", err)
	}
	return nil
}

func (m *Manager) SendRinging(d *Dialog) error {
	ringing := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusRinging, "Ringing", nil)
	if err := d.Transaction.Respond(ringing); err != nil {
		return fmt.Errorf("sending 180 Ringing: %w", err)
	}
	if d.GetState() == StateInitial {
		if err := d.TransitionTo(StateEarly); err != nil {
			m.log.Warn("state transition failed", "call_id", d.CallID, "error", err)
		}
	}
	return nil
}

func (m *Manager) SendProgress(d *Dialog, sdpBody []byte) error {
	progress := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusCode(183), "Session Progress", sdpBody)
	ct := sip.ContentTypeHeader("application/sdp")
	progress.AppendHeader(&ct)
	if err := d.Transaction.Respond(progress); err != nil {
		return fmt.Errorf("sending 183 Session Progress: %w", err)
	}
	return nil
}

// SendOK creates the sipgo dialog session and answers the INVITE with a
// final 200 OK carrying the relay's SDP answer.
func (m *Manager) SendOK(d *Dialog, sdpBody []byte) error {
	session, err := m.dialogUA.ReadInvite(d.InviteRequest, d.Transaction)
	if err != nil {
		return fmt.Errorf("creating dialog session: %w", err)
	}
	d.SetSession(session)

	oldKey := dialogKey(d)
	if err := session.RespondSDP(sdpBody); err != nil {
		_ = session.Close()
		return fmt.Errorf("sending 200 OK: %w", err)
	}
	d.SetInviteResponse(session.InviteResponse)
	m.reindex(d.CallID, oldKey, d)

	if err := d.TransitionTo(StateWaitingACK); err != nil {
		m.log.Warn("state transition failed", "call_id", d.CallID, "error", err)
	}

	go m.watchACKTimeout(d)
	return nil
}

func (m *Manager) ConfirmWithACK(req *sip.Request, tx sip.ServerTransaction) error {
	callID := callIDString(req)
	d, ok := m.GetByRequest(req)
	if !ok {
		return fmt.Errorf("dialog not found for ACK: %s", callID)
	}

	switch d.GetState() {
	case StateConfirmed:
		return nil // retransmission
	case StateWaitingACK:
	default:
		return fmt.Errorf("unexpected state for ACK: %s", d.GetState())
	}

	if d.Session != nil {
		if err := d.Session.ReadAck(req, tx); err != nil {
			m.log.Warn("reading ACK failed", "call_id", callID, "error", err)
		}
	}
	if err := d.TransitionTo(StateConfirmed); err != nil {
		return fmt.Errorf("confirming dialog: %w", err)
	}
	m.log.Info("dialog confirmed", "call_id", callID)
	return nil
}

func (m *Manager) HandleIncomingBYE(req *sip.Request, tx sip.ServerTransaction) error {
	callID := callIDString(req)
	d, ok := m.GetByRequest(req)
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return fmt.Errorf("dialog not found for BYE: %s", callID)
	}

	if d.Session != nil {
		if err := d.Session.ReadBye(req, tx); err != nil {
			m.log.Warn("reading BYE failed", "call_id", callID, "error", err)
		}
	} else if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		m.log.Error("responding to BYE failed", "call_id", callID, "error", err)
	}

	d.Cancel()
	m.terminate(d, ReasonRemoteBYE)
	return nil
}

func (m *Manager) HandleIncomingCANCEL(req *sip.Request, tx sip.ServerTransaction) error {
	callID := callIDString(req)
	d, ok := m.GetByRequest(req)
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return fmt.Errorf("dialog not found for CANCEL: %s", callID)
	}

	state := d.GetState()
	if state != StateEarly && state != StateWaitingACK {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return nil
	}

	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	if d.Transaction != nil {
		_ = d.Transaction.Respond(sip.NewResponseFromRequest(d.InviteRequest, 487, "Request Terminated", nil))
	}

	d.Cancel()
	m.terminate(d, ReasonCancel)
	return nil
}

// Terminate ends a dialog locally, sending BYE if it was confirmed. The
// caller passes the *Dialog directly rather than a Call-ID, since a
// Call-ID no longer uniquely names one dialog once a B-leg reuses its
// A-leg's Call-ID.
func (m *Manager) Terminate(d *Dialog, reason TerminateReason) error {
	if d == nil {
		return fmt.Errorf("terminate: nil dialog")
	}
	if d.GetState() == StateTerminated {
		return nil
	}

	if d.GetState() == StateConfirmed && reason == ReasonLocalBYE {
		if err := m.sendBYE(d); err != nil {
			m.log.Error("sending BYE failed", "call_id", d.CallID, "error", err)
		}
	}

	d.Cancel()
	m.terminate(d, reason)
	return nil
}

func (m *Manager) sendBYE(d *Dialog) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if d.Session != nil && d.Direction == DirectionInbound {
		if err := d.Session.Bye(ctx); err != nil {
			return fmt.Errorf("sending BYE: %w", err)
		}
		return nil
	}

	localContact := sip.Uri{Scheme: "sip", Host: "localhost"}
	if d.InviteRequest != nil {
		if c := d.InviteRequest.Contact(); c != nil {
			localContact = c.Address
		} else if from := d.InviteRequest.From(); from != nil {
			localContact = from.Address
		}
	}

	byeReq, err := d.BuildBYE(localContact)
	if err != nil {
		return fmt.Errorf("building BYE: %w", err)
	}

	tx, err := m.sipClient.TransactionRequest(ctx, byeReq)
	if err != nil {
		return fmt.Errorf("sending BYE: %w", err)
	}
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
		m.log.Warn("BYE timeout", "call_id", d.CallID)
	}
	return nil
}

func (m *Manager) terminate(d *Dialog, reason TerminateReason) {
	d.mu.Lock()
	d.TerminateReason = reason
	d.mu.Unlock()

	if err := d.TransitionTo(StateTerminated); err != nil {
		m.log.Warn("terminating transition failed", "call_id", d.CallID, "error", err)
	}
	if d.Session != nil {
		_ = d.Session.Close()
	}

	m.mu.RLock()
	cb := m.onTerminated
	m.mu.RUnlock()
	if cb != nil {
		go cb(d)
	}

	m.set(d.CallID, dialogKey(d), d, TerminatedDialogTTL)
}

func (m *Manager) watchACKTimeout(d *Dialog) {
	select {
	case <-d.Context().Done():
		return
	case <-time.After(m.ackTimeout):
		if d.GetState() == StateWaitingACK {
			m.log.Warn("ACK timeout", "call_id", d.CallID)
			d.Cancel()
			m.terminate(d, ReasonTimeout)
		}
	}
}

// Get retrieves a dialog by Call-ID and tag-pair key, ignoring expired
// entries.
func (m *Manager) Get(callID, key string) (*Dialog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inner, ok := m.dialogs[callID]
	if !ok {
		return nil, false
	}
	e, ok := inner[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.dialog, true
}

// GetByRequest resolves the dialog an in-dialog request belongs to from
// its Call-ID and From/To tags. The tag pair is order-independent: a
// request we receive carries the peer's tag in From and ours in To,
// regardless of which side originally sent the INVITE.
func (m *Manager) GetByRequest(req *sip.Request) (*Dialog, bool) {
	callID := callIDString(req)
	if callID == "" {
		return nil, false
	}
	fromTag, toTag := "", ""
	if from := req.From(); from != nil {
		fromTag = from.Params["tag"]
	}
	if to := req.To(); to != nil {
		toTag = to.Params["tag"]
	}
	return m.Get(callID, tagPairKey(fromTag, toTag))
}

func (m *Manager) List() []*Dialog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Dialog, 0, len(m.dialogs))
	for _, inner := range m.dialogs {
		for _, e := range inner {
			out = append(out, e.dialog)
		}
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, inner := range m.dialogs {
		n += len(inner)
	}
	return n
}

func (m *Manager) ForEach(fn func(*Dialog) bool) {
	for _, d := range m.List() {
		if !fn(d) {
			return
		}
	}
}

// Close stops the expiry sweep.
func (m *Manager) Close() { close(m.stopCh) }

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for callID, inner := range m.dialogs {
				for key, e := range inner {
					if now.After(e.expiresAt) {
						delete(inner, key)
					}
				}
				if len(inner) == 0 {
					delete(m.dialogs, callID)
				}
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

// SendReINVITE sends an in-dialog re-INVITE and blocks for its final
// response, ACKing either outcome as RFC 3261 requires.
func (m *Manager) SendReINVITE(ctx context.Context, d *Dialog, localContact sip.Uri, opts ReINVITEOptions) (*ReINVITEResult, error) {
	if d.IsTerminated() {
		return nil, fmt.Errorf("dialog %s is terminated", d.CallID)
	}
	if d.GetState() != StateConfirmed {
		return nil, fmt.Errorf("dialog %s not confirmed (state %s)", d.CallID, d.GetState())
	}

	req, err := d.BuildReINVITE(localContact, opts)
	if err != nil {
		return nil, fmt.Errorf("building re-INVITE: %w", err)
	}

	tx, err := m.sipClient.TransactionRequest(ctx, req)
	if err != nil {
		d.CompleteReINVITE()
		return nil, fmt.Errorf("sending re-INVITE: %w", err)
	}
	defer tx.Terminate()

	result := &ReINVITEResult{}
	for {
		select {
		case <-ctx.Done():
			d.CompleteReINVITE()
			return nil, ctx.Err()
		case resp := <-tx.Responses():
			if resp == nil {
				d.CompleteReINVITE()
				return nil, fmt.Errorf("transaction terminated without response")
			}
			result.StatusCode = int(resp.StatusCode)
			result.Reason = resp.Reason

			if result.StatusCode >= 100 && result.StatusCode < 200 {
				continue
			}

			ack := sip.NewAckRequest(req, resp, nil)
			if err := m.sipClient.WriteRequest(ack); err != nil {
				m.log.Warn("ACK for re-INVITE response failed", "call_id", d.CallID, "error", err)
			}

			if result.StatusCode >= 200 && result.StatusCode < 300 {
				result.Success = true
				result.SDP = resp.Body()
			}
			d.CompleteReINVITE()
			return result, nil
		}
	}
}

// SendInDialogRequest relays a generic in-dialog request (INFO, NOTIFY,
// MESSAGE, or an SDP-less UPDATE, built via Dialog.BuildInDialog) to d's
// peer and returns its final response.
func (m *Manager) SendInDialogRequest(ctx context.Context, d *Dialog, localContact sip.Uri, method sip.RequestMethod, body []byte, contentType string) (*sip.Response, error) {
	if d.IsTerminated() {
		return nil, fmt.Errorf("dialog %s is terminated", d.CallID)
	}

	req, err := d.BuildInDialog(method, localContact, body, contentType)
	if err != nil {
		return nil, fmt.Errorf("building %s: %w", method, err)
	}

	tx, err := m.sipClient.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("transaction terminated without response")
			}
			if resp.StatusCode >= 100 && resp.StatusCode < 200 {
				continue
			}
			return resp, nil
		}
	}
}

// ReINVITEResult is the outcome of an in-dialog re-INVITE.
type ReINVITEResult struct {
	Success    bool
	StatusCode int
	Reason     string
	SDP        []byte
}

func callIDString(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
