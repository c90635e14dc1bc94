package media

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sebas/b2buaserver/internal/codec"
	"github.com/sebas/b2buaserver/internal/rtpproxy"
)

// fakeRTPProxy echoes back a cookie-correlated reply of the given fixed
// body for every command it receives, mirroring internal/rtpproxy's own
// test harness for the minimum viable rtpproxy wire behavior.
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

func newTestManager(t *testing.T, reply string) (*Manager, func()) {
	t.Helper()
	addr, stopProxy := fakeRTPProxy(t, reply)
	client, err := rtpproxy.Dial("udp:"+addr, 500*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("rtpproxy.Dial() error = %v", err)
	}
	m := NewManager(client, "relay.example.com")
	return m, func() { _ = m.Close(); stopProxy() }
}

func TestManagerOfferTracksSession(t *testing.T) {
	m, stop := newTestManager(t, "30000")
	defer stop()

	offer := &codec.ParsedMedia{ConnectionAddr: "10.0.0.1", Port: 5000, Codecs: []codec.Codec{codec.PCMU}}
	body, err := m.Offer("call-1", "tag-a", offer)
	if err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if len(body) == 0 {
		t.Fatal("Offer() returned an empty answer body")
	}

	m.mu.Lock()
	s, ok := m.sessions["call-1"]
	m.mu.Unlock()
	if !ok {
		t.Fatal("Offer() did not register a session")
	}
	if s.ALegTag != "tag-a" || s.ALegPort != 30000 {
		t.Errorf("session = %+v, want ALegTag=tag-a ALegPort=30000", s)
	}
}

func TestManagerAnswerCompletesSession(t *testing.T) {
	m, stop := newTestManager(t, "30000")
	defer stop()

	offer := &codec.ParsedMedia{ConnectionAddr: "10.0.0.1", Port: 5000, Codecs: []codec.Codec{codec.PCMU}}
	if _, err := m.Offer("call-1", "tag-a", offer); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}

	answer := &codec.ParsedMedia{ConnectionAddr: "10.0.0.2", Port: 6000, Codecs: []codec.Codec{codec.PCMU}}
	if _, err := m.Answer("call-1", "tag-a", "tag-b", answer); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	m.mu.Lock()
	s := m.sessions["call-1"]
	m.mu.Unlock()
	if s.BLegTag != "tag-b" || s.BLegPort != 30000 {
		t.Errorf("session = %+v, want BLegTag=tag-b BLegPort=30000", s)
	}
}

func TestManagerUpdateReusesSessionPorts(t *testing.T) {
	m, stop := newTestManager(t, "30000")
	defer stop()

	newMedia := &codec.ParsedMedia{ConnectionAddr: "10.0.0.3", Port: 7000, Codecs: []codec.Codec{codec.PCMU}}
	body, err := m.Update("call-1", "tag-a", "tag-b", newMedia)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(body) == 0 {
		t.Fatal("Update() returned an empty answer body")
	}
}

func TestManagerOfferAndAnswerWithVideoTrackSecondSession(t *testing.T) {
	m, stop := newTestManager(t, "30000")
	defer stop()

	offer := &codec.ParsedMedia{
		ConnectionAddr: "10.0.0.1", Port: 5000, Codecs: []codec.Codec{codec.PCMU},
		Video: &codec.VideoMedia{ConnectionAddr: "10.0.0.1", Port: 5002, Codecs: []codec.Codec{{PayloadType: 96, Name: "H264"}}},
	}
	body, err := m.Offer("call-1", "tag-a", offer)
	if err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if !strings.Contains(string(body), "m=video") {
		t.Errorf("Offer() answer = %q, want an m=video section", body)
	}

	m.mu.Lock()
	s := m.sessions["call-1"]
	m.mu.Unlock()
	if !s.HasVideo || s.ALegVideoPort != 30000 {
		t.Errorf("session = %+v, want HasVideo=true ALegVideoPort=30000", s)
	}

	answer := &codec.ParsedMedia{
		ConnectionAddr: "10.0.0.2", Port: 6000, Codecs: []codec.Codec{codec.PCMU},
		Video: &codec.VideoMedia{ConnectionAddr: "10.0.0.2", Port: 6002, Codecs: []codec.Codec{{PayloadType: 96, Name: "H264"}}},
	}
	body, err = m.Answer("call-1", "tag-a", "tag-b", answer)
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if !strings.Contains(string(body), "m=video") {
		t.Errorf("Answer() answer = %q, want an m=video section", body)
	}

	m.mu.Lock()
	s = m.sessions["call-1"]
	m.mu.Unlock()
	if s.BLegVideoPort != 30000 {
		t.Errorf("session = %+v, want BLegVideoPort=30000", s)
	}
}

func TestManagerDeleteTolerantOfUnknownSession(t *testing.T) {
	m, stop := newTestManager(t, "30000")
	defer stop()

	m.Delete("no-such-call") // must not panic or block
}

func TestManagerSweepStaleDeletesOldSessions(t *testing.T) {
	m, stop := newTestManager(t, "30000")
	defer stop()

	offer := &codec.ParsedMedia{ConnectionAddr: "10.0.0.1", Port: 5000, Codecs: []codec.Codec{codec.PCMU}}
	if _, err := m.Offer("call-1", "tag-a", offer); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}

	m.mu.Lock()
	m.sessions["call-1"].CreatedAt = time.Now().Add(-1 * time.Hour)
	m.mu.Unlock()

	m.SweepStale(time.Minute)

	m.mu.Lock()
	_, ok := m.sessions["call-1"]
	m.mu.Unlock()
	if ok {
		t.Error("SweepStale() did not remove a session older than maxAge")
	}
}

func TestManagerCloseStopsSweepLoop(t *testing.T) {
	addr, stopProxy := fakeRTPProxy(t, "30000")
	defer stopProxy()
	client, err := rtpproxy.Dial("udp:"+addr, 500*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("rtpproxy.Dial() error = %v", err)
	}
	m := NewManager(client, "relay.example.com")

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-m.stopCh:
	default:
		t.Error("Close() should close stopCh so sweepLoop's goroutine exits")
	}
}
