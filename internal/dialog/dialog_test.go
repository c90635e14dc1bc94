package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func TestSetInviteResponseExtractsLocalTag(t *testing.T) {
	d := NewDialog(newTestInvite("call-1", "remote-tag", ""), nil)
	if d.LocalTag != "" {
		t.Fatalf("LocalTag = %q before SetInviteResponse, want empty", d.LocalTag)
	}

	resp := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusOK, "OK", nil)
	if to := resp.To(); to != nil {
		to.Params.Add("tag", "our-new-tag")
	}
	d.SetInviteResponse(resp)

	if d.LocalTag != "our-new-tag" {
		t.Errorf("LocalTag = %q, want our-new-tag", d.LocalTag)
	}
	if d.InviteResponse != resp {
		t.Error("SetInviteResponse did not store the response")
	}
}

func TestBuildInDialogFallsBackToOctetStream(t *testing.T) {
	d := NewDialog(newTestInvite("call-1", "remote-tag", "local-tag"), nil)
	localContact := sip.Uri{Scheme: "sip", User: "b2bua", Host: "example.com"}

	req, err := d.BuildInDialog(sip.INFO, localContact, []byte("dtmf=1"), "")
	if err != nil {
		t.Fatalf("BuildInDialog() error = %v", err)
	}
	if req.Method != sip.INFO {
		t.Errorf("Method = %v, want INFO", req.Method)
	}
	ct := req.GetHeader("Content-Type")
	if ct == nil || ct.Value() != "application/octet-stream" {
		t.Errorf("Content-Type = %v, want application/octet-stream", ct)
	}
}

func TestBuildInDialogHonorsExplicitContentType(t *testing.T) {
	d := NewDialog(newTestInvite("call-1", "remote-tag", "local-tag"), nil)
	localContact := sip.Uri{Scheme: "sip", User: "b2bua", Host: "example.com"}

	req, err := d.BuildInDialog(sip.MESSAGE, localContact, []byte("hi"), "text/plain")
	if err != nil {
		t.Fatalf("BuildInDialog() error = %v", err)
	}
	ct := req.GetHeader("Content-Type")
	if ct == nil || ct.Value() != "text/plain" {
		t.Errorf("Content-Type = %v, want text/plain", ct)
	}
}

func TestBuildInDialogRequiresInviteRequest(t *testing.T) {
	d := &Dialog{CallID: "call-1"}
	localContact := sip.Uri{Scheme: "sip", User: "b2bua", Host: "example.com"}
	if _, err := d.BuildInDialog(sip.INFO, localContact, nil, ""); err == nil {
		t.Error("BuildInDialog() on a dialog with no InviteRequest should error")
	}
}

func TestBuildBYEAttachesRouteSetFromRecordRoute(t *testing.T) {
	req := newTestInvite("call-1", "remote-tag", "local-tag")
	proxyURI := sip.Uri{Scheme: "sip", Host: "proxy.example.com", UriParams: sip.NewParams().Add("lr", "")}
	req.AppendHeader(&sip.RecordRouteHeader{Address: proxyURI})

	d := NewDialog(req, nil)
	if len(d.RouteSet) != 1 || d.RouteSet[0].Host != "proxy.example.com" {
		t.Fatalf("RouteSet = %+v, want one entry for proxy.example.com", d.RouteSet)
	}

	localContact := sip.Uri{Scheme: "sip", User: "b2bua", Host: "example.com"}
	bye, err := d.BuildBYE(localContact)
	if err != nil {
		t.Fatalf("BuildBYE() error = %v", err)
	}
	routes := bye.GetHeaders("Route")
	if len(routes) != 1 {
		t.Fatalf("BYE Route headers = %d, want 1", len(routes))
	}
	rt, ok := routes[0].(*sip.RouteHeader)
	if !ok || rt.Address.Host != "proxy.example.com" {
		t.Errorf("BYE Route header = %+v, want proxy.example.com", routes[0])
	}
}

func TestBuildReINVITEGuardsAgainstConcurrentAttempt(t *testing.T) {
	d := NewDialog(newTestInvite("call-1", "remote-tag", "local-tag"), nil)
	localContact := sip.Uri{Scheme: "sip", User: "b2bua", Host: "example.com"}

	if _, err := d.BuildReINVITE(localContact, ReINVITEOptions{}); err != nil {
		t.Fatalf("first BuildReINVITE() error = %v", err)
	}
	if _, err := d.BuildReINVITE(localContact, ReINVITEOptions{}); err == nil {
		t.Error("second BuildReINVITE() while the first is in progress should error")
	}

	d.CompleteReINVITE()
	if _, err := d.BuildReINVITE(localContact, ReINVITEOptions{}); err != nil {
		t.Errorf("BuildReINVITE() after CompleteReINVITE() error = %v", err)
	}
}
