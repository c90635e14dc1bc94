// Package app wires every subsystem together into a running B2BUA
// process: SIP transport, registrar, dialog/media managers, and the
// B2BUA call engine, then dispatches inbound SIP requests between them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/b2buaserver/internal/b2bua"
	"github.com/sebas/b2buaserver/internal/config"
	"github.com/sebas/b2buaserver/internal/dialog"
	"github.com/sebas/b2buaserver/internal/events"
	"github.com/sebas/b2buaserver/internal/location"
	"github.com/sebas/b2buaserver/internal/media"
	"github.com/sebas/b2buaserver/internal/nat"
	"github.com/sebas/b2buaserver/internal/registration"
	"github.com/sebas/b2buaserver/internal/rtpproxy"
	"github.com/sebas/b2buaserver/internal/transport"
)

// B2BUA owns every long-lived subsystem and the live Call registry, and
// is the sole registrant of sipgo's request handlers.
type B2BUA struct {
	cfg *config.Config

	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA

	location  *location.Store
	nat       *nat.Detector
	registrar *registration.Registrar
	rtp       *rtpproxy.Client
	media     *media.Manager
	dialogs   *dialog.Manager
	events    events.Publisher

	resolver   b2bua.Resolver
	originator *b2bua.Originator

	transport *transport.Listener

	mu    sync.Mutex
	calls map[string]*b2bua.Call

	log *slog.Logger
}

// New wires every subsystem against cfg and registers the request
// handlers. The returned B2BUA is ready to have Start called.
func New(cfg *config.Config) (*B2BUA, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("creating user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating SIP server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating SIP client: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "b2bua", Host: cfg.AdvertiseHost, Port: cfg.AdvertisePort},
	}
	dialogUA := &sipgo.DialogUA{Client: client, ContactHDR: contact}

	locStore := location.NewStore(30 * time.Second)
	natDetector := nat.NewDetector(cfg.PrivateCIDRs)

	realm := cfg.Domain
	if realm == "" {
		realm = cfg.AdvertiseHost
	}

	pub := events.NewMulti(events.NewLogging(slog.Default().With("component", "events")))

	creds := make([]registration.Credential, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		userRealm := u.Realm
		if userRealm == "" {
			userRealm = realm
		}
		creds = append(creds, registration.Credential{AOR: u.AOR, Password: u.Password, Realm: userRealm})
	}
	registrar := registration.NewRegistrar(
		locStore, registration.NewStaticCredentials(creds), natDetector, pub,
		realm, cfg.RegistrationMinExpiry, cfg.RegistrationMaxExpiry, cfg.NonceStaleAfter,
	)

	rtpClient, err := rtpproxy.Dial(cfg.RTPProxyControlAddr, cfg.RTPProxyTimeout, cfg.RTPProxyRetries)
	if err != nil {
		ua.Close()
		locStore.Close()
		return nil, fmt.Errorf("dialing rtpproxy: %w", err)
	}
	mediaMgr := media.NewManager(rtpClient, cfg.AdvertiseHost)

	dialogMgr := dialog.NewManager(client, dialogUA, cfg.AnswerTimeout)

	gateways := make([]*b2bua.GatewayConfig, 0, len(cfg.Gateways))
	for i := range cfg.Gateways {
		g := cfg.Gateways[i]
		gateways = append(gateways, &b2bua.GatewayConfig{
			Name: g.Name, Host: g.Host, Port: g.Port, Transport: g.Transport,
			Username: g.Username, Password: g.Password, Realm: g.Realm,
			CallerIDNumber: g.CallerIDNumber, CallerIDName: g.CallerIDName,
			StripPrefix: g.StripPrefix, AddPrefix: g.AddPrefix,
			Priority: g.Priority, Enabled: g.Enabled,
		})
	}
	resolver := b2bua.NewChainResolver(
		b2bua.NewUserResolver(locStore, cfg.Domain),
		b2bua.NewGatewayResolver(b2bua.NewStaticGatewayStore(gateways)),
		b2bua.NewDirectResolver(),
	)

	originator := b2bua.NewOriginator(b2bua.OriginatorConfig{
		Client:        client,
		DialogStore:   dialogMgr,
		AdvertiseHost: cfg.AdvertiseHost,
		AdvertisePort: cfg.AdvertisePort,
		AnswerTimeout: cfg.AnswerTimeout,
	})

	a := &B2BUA{
		cfg:        cfg,
		ua:         ua,
		srv:        srv,
		client:     client,
		dialogUA:   dialogUA,
		location:   locStore,
		nat:        natDetector,
		registrar:  registrar,
		rtp:        rtpClient,
		media:      mediaMgr,
		dialogs:    dialogMgr,
		events:     pub,
		resolver:   resolver,
		originator: originator,
		transport:  transport.NewListener(srv, transport.Config{BindAddr: cfg.BindAddr, Port: cfg.Port, EnableTCP: cfg.EnableTCP}),
		calls:      make(map[string]*b2bua.Call),
		log:        slog.Default().With("component", "app"),
	}

	dialogMgr.SetOnTerminated(func(d *dialog.Dialog) {
		a.mu.Lock()
		delete(a.calls, d.CallID)
		a.mu.Unlock()
	})

	srv.OnRequest(sip.REGISTER, a.handleRegister)
	srv.OnRequest(sip.INVITE, a.handleInvite)
	srv.OnRequest(sip.BYE, a.handleBYE)
	srv.OnRequest(sip.ACK, a.handleACK)
	srv.OnRequest(sip.CANCEL, a.handleCANCEL)
	srv.OnRequest(sip.UPDATE, a.handleUpdate)
	srv.OnRequest(sip.INFO, a.handleInfo)
	srv.OnRequest(sip.NOTIFY, a.handleNotify)
	srv.OnRequest(sip.MESSAGE, a.handleMessage)

	return a, nil
}

// Start blocks serving SIP traffic until ctx is canceled or a listener
// fails.
func (a *B2BUA) Start(ctx context.Context) error {
	return a.transport.Start(ctx)
}

// Close tears down every owned subsystem, terminating any dialog still
// live with a local BYE.
func (a *B2BUA) Close() error {
	for _, d := range a.dialogs.List() {
		if !d.IsTerminated() {
			_ = a.dialogs.Terminate(d, dialog.ReasonLocalBYE)
		}
	}
	a.dialogs.Close()
	if a.media != nil {
		_ = a.media.Close()
	}
	a.location.Close()
	return a.ua.Close()
}

func (a *B2BUA) callDeps() b2bua.CallDeps {
	return b2bua.CallDeps{
		Dialogs:       a.dialogs,
		Media:         a.media,
		Originator:    a.originator,
		Resolver:      a.resolver,
		NAT:           a.nat,
		Events:        a.events,
		AdvertiseHost: a.cfg.AdvertiseHost,
		AdvertisePort: a.cfg.AdvertisePort,
		AnswerTimeout: a.cfg.AnswerTimeout,
	}
}

func (a *B2BUA) handleRegister(req *sip.Request, tx sip.ServerTransaction) {
	if err := a.registrar.HandleRegister(req, tx); err != nil {
		a.log.Error("REGISTER handling failed", "error", err)
	}
}

// handleInvite creates a Call for a new A-leg INVITE and drives it in its
// own goroutine, since dialing a B-leg can block for the full answer
// timeout and must not stall the SIP request dispatcher. An INVITE whose
// Call-ID already names a live Call is an in-dialog re-INVITE instead —
// the B-leg reuses its A-leg's Call-ID, see b2bua.Originator.Originate —
// and is routed to that Call's renegotiation handling rather than
// starting a fresh dial.
func (a *B2BUA) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if callID == "" {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Call-ID", nil))
		return
	}

	a.mu.Lock()
	existing, ok := a.calls[callID]
	a.mu.Unlock()
	if ok {
		go a.handleMidDialogInvite(existing, req, tx)
		return
	}

	call := b2bua.NewCall(a.callDeps())
	a.mu.Lock()
	a.calls[callID] = call
	a.mu.Unlock()

	src, port := sourceOf(req)
	go func() {
		if err := call.HandleInvite(context.Background(), req, tx, src, port); err != nil {
			a.log.Error("handling INVITE failed", "call_id", callID, "error", err)
		}
	}()
}

// handleMidDialogInvite resolves which dialog a re-INVITE arrived on —
// and so which leg it belongs to — before handing it to the Call's own
// renegotiation logic.
func (a *B2BUA) handleMidDialogInvite(call *b2bua.Call, req *sip.Request, tx sip.ServerTransaction) {
	d, ok := a.dialogs.GetByRequest(req)
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	onALeg := true
	if legB := call.LegB(); legB != nil && legB.Dialog() == d {
		onALeg = false
	}
	if err := call.HandleMidDialogInvite(context.Background(), req, tx, onALeg); err != nil {
		a.log.Warn("re-INVITE handling failed", "call_id", call.ID(), "error", err)
	}
}

func (a *B2BUA) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	d, found := a.dialogs.GetByRequest(req)
	if err := a.dialogs.HandleIncomingBYE(req, tx); err != nil {
		a.log.Warn("BYE handling failed", "call_id", callID, "error", err)
		return
	}

	a.mu.Lock()
	call, ok := a.calls[callID]
	a.mu.Unlock()
	if !ok {
		return
	}
	if found {
		if legA := call.LegA(); legA != nil && legA.Dialog() == d {
			_ = legA.Hangup(b2bua.CauseRemoteBYE)
			return
		}
	}
	if legB := call.LegB(); legB != nil {
		_ = legB.Hangup(b2bua.CauseRemoteBYE)
	}
}

// handleUpdate routes a body-bearing UPDATE through the same
// renegotiation path as a re-INVITE (RFC 3311 allows UPDATE to carry a
// fresh offer mid-dialog); an UPDATE without a body is a plain keepalive
// and is just cross-forwarded.
func (a *B2BUA) handleUpdate(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	a.mu.Lock()
	call, ok := a.calls[callID]
	a.mu.Unlock()
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	if len(req.Body()) > 0 {
		a.handleMidDialogInvite(call, req, tx)
		return
	}
	a.forwardMidDialog(call, req, tx)
}

func (a *B2BUA) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	a.dispatchMidDialog(req, tx)
}

func (a *B2BUA) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	a.dispatchMidDialog(req, tx)
}

func (a *B2BUA) handleMessage(req *sip.Request, tx sip.ServerTransaction) {
	a.dispatchMidDialog(req, tx)
}

func (a *B2BUA) dispatchMidDialog(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	a.mu.Lock()
	call, ok := a.calls[callID]
	a.mu.Unlock()
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	a.forwardMidDialog(call, req, tx)
}

// forwardMidDialog cross-forwards a mid-dialog request that carries no
// dialog-state transition of its own (INFO, NOTIFY, MESSAGE, or an
// SDP-less UPDATE) to the opposite leg of the Call it belongs to.
func (a *B2BUA) forwardMidDialog(call *b2bua.Call, req *sip.Request, tx sip.ServerTransaction) {
	d, ok := a.dialogs.GetByRequest(req)
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	onALeg := true
	if legB := call.LegB(); legB != nil && legB.Dialog() == d {
		onALeg = false
	}
	if err := call.ForwardMidDialog(context.Background(), req, tx, onALeg); err != nil {
		a.log.Warn("mid-dialog request forwarding failed", "call_id", call.ID(), "method", req.Method, "error", err)
	}
}

func (a *B2BUA) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	if err := a.dialogs.ConfirmWithACK(req, tx); err != nil {
		a.log.Warn("ACK handling failed", "call_id", callIDOf(req), "error", err)
	}
}

// handleCANCEL only ever targets the A-leg's own INVITE transaction: a
// CANCEL is defined against the request it cancels, and the B-leg's
// INVITE was sent by this process, not received by it.
func (a *B2BUA) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if err := a.dialogs.HandleIncomingCANCEL(req, tx); err != nil {
		a.log.Warn("CANCEL handling failed", "call_id", callID, "error", err)
	}

	a.mu.Lock()
	call, ok := a.calls[callID]
	a.mu.Unlock()
	if ok {
		call.CancelInbound()
	}
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

func sourceOf(req *sip.Request) (string, int) {
	src := req.Source()
	idx := strings.LastIndex(src, ":")
	if idx == -1 {
		return src, 0
	}
	port, _ := strconv.Atoi(src[idx+1:])
	return src[:idx], port
}
