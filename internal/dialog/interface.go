package dialog

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// Store is the dialog-layer contract the rest of the B2BUA depends on,
// letting call-control code stay agnostic of the concrete Manager.
type Store interface {
	CreateFromInvite(req *sip.Request, tx sip.ServerTransaction) (*Dialog, error)
	RegisterOutbound(invite *sip.Request, resp *sip.Response) (*Dialog, error)

	SendTrying(d *Dialog) error
	SendProgress(d *Dialog, sdpBody []byte) error
	SendOK(d *Dialog, sdpBody []byte) error
	ConfirmWithACK(req *sip.Request, tx sip.ServerTransaction) error

	HandleIncomingBYE(req *sip.Request, tx sip.ServerTransaction) error
	HandleIncomingCANCEL(req *sip.Request, tx sip.ServerTransaction) error
	Terminate(d *Dialog, reason TerminateReason) error

	SendReINVITE(ctx context.Context, d *Dialog, localContact sip.Uri, opts ReINVITEOptions) (*ReINVITEResult, error)
	SendInDialogRequest(ctx context.Context, d *Dialog, localContact sip.Uri, method sip.RequestMethod, body []byte, contentType string) (*sip.Response, error)

	Get(callID, key string) (*Dialog, bool)
	GetByRequest(req *sip.Request) (*Dialog, bool)
	List() []*Dialog
	Count() int
	ForEach(fn func(*Dialog) bool)

	SetOnTerminated(fn func(d *Dialog))
	Close()
}

var _ Store = (*Manager)(nil)
