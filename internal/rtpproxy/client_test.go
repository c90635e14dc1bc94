package rtpproxy

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestSplitAddr(t *testing.T) {
	network, target, err := splitAddr("udp:127.0.0.1:22222")
	if err != nil {
		t.Fatalf("splitAddr() error = %v", err)
	}
	if network != "udp" || target != "127.0.0.1:22222" {
		t.Errorf("splitAddr() = (%q, %q), want (udp, 127.0.0.1:22222)", network, target)
	}
}

func TestSplitAddrRejectsMissingColon(t *testing.T) {
	if _, _, err := splitAddr("udp"); err == nil {
		t.Error("splitAddr() should fail without a network:target separator")
	}
}

func TestSanitizeStripsSpacesAndSemicolons(t *testing.T) {
	got := sanitize("abc 123;def\tghi")
	if strings.ContainsAny(got, " ;\t") {
		t.Errorf("sanitize() = %q, still contains a disallowed character", got)
	}
}

func TestParseOfferReplyShortForm(t *testing.T) {
	res, err := parseOfferReply("30000")
	if err != nil {
		t.Fatalf("parseOfferReply() error = %v", err)
	}
	if res.Port != 30000 || res.Address != "" {
		t.Errorf("parseOfferReply() = %+v, want Port=30000, Address=\"\"", res)
	}
}

func TestParseOfferReplyLongForm(t *testing.T) {
	res, err := parseOfferReply("30000 192.168.1.1")
	if err != nil {
		t.Fatalf("parseOfferReply() error = %v", err)
	}
	if res.Port != 30000 || res.Address != "192.168.1.1" {
		t.Errorf("parseOfferReply() = %+v, want Port=30000, Address=192.168.1.1", res)
	}
}

func TestParseOfferReplyError(t *testing.T) {
	if _, err := parseOfferReply("E1"); err == nil {
		t.Error("parseOfferReply() should surface an E-prefixed error reply")
	}
}

// fakeRTPProxy echoes back a cookie-correlated reply of the given fixed
// body for every command it receives, mimicking the minimum viable rtpproxy
// wire behavior needed to exercise Client.send's request/reply loop.
func fakeRTPProxy(t *testing.T, reply string) (addr string, stop func()) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 2048)
		for {
			n, raddr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			line := strings.TrimSpace(string(buf[:n]))
			fields := strings.SplitN(line, " ", 2)
			// The client's first token is "<letter><cookie>"; the reply
			// must echo back the bare cookie, stripped of the command letter.
			cookie := strings.TrimPrefix(fields[0], fields[0][:1])
			_, _ = conn.WriteTo([]byte(cookie+" "+reply+"\n"), raddr)
			select {
			case <-done:
				return
			default:
			}
		}
	}()
	return conn.LocalAddr().String(), func() { close(done); conn.Close() }
}

func TestClientOfferRoundTrip(t *testing.T) {
	addr, stop := fakeRTPProxy(t, "30000")
	defer stop()

	c, err := Dial("udp:"+addr, 500*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	res, err := c.Offer("call-1", "tag-a")
	if err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if res.Port != 30000 {
		t.Errorf("Port = %d, want 30000", res.Port)
	}
}

func TestClientSendFailsAfterClose(t *testing.T) {
	addr, stop := fakeRTPProxy(t, "30000")
	defer stop()

	c, err := Dial("udp:"+addr, 500*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	c.Close()

	if _, err := c.Offer("call-1", "tag-a"); err == nil {
		t.Error("Offer() should fail once the client is closed")
	}
}

func TestClientDeleteToleratesUnknownSession(t *testing.T) {
	addr, stop := fakeRTPProxy(t, "E1")
	defer stop()

	c, err := Dial("udp:"+addr, 500*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if err := c.Delete("call-1", "tag-a", "tag-b"); err != nil {
		t.Errorf("Delete() error = %v, want nil (an unknown-session error is success)", err)
	}
}
