package codec

import (
	"strings"
	"testing"
)

const audioOnlySDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.168.1.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n"

const audioVideoSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.168.1.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"m=video 40002 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

func TestParseAudioOnly(t *testing.T) {
	pm, err := Parse([]byte(audioOnlySDP))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if pm.ConnectionAddr != "192.168.1.10" || pm.Port != 40000 {
		t.Errorf("audio section = %+v, want addr=192.168.1.10 port=40000", pm)
	}
	if len(pm.Codecs) != 2 || pm.Codecs[0].Name != "PCMU" {
		t.Errorf("Codecs = %+v, want PCMU then telephone-event", pm.Codecs)
	}
	if pm.Video != nil {
		t.Errorf("Video = %+v, want nil for an audio-only SDP", pm.Video)
	}
}

func TestParseAudioAndVideo(t *testing.T) {
	pm, err := Parse([]byte(audioVideoSDP))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if pm.Port != 40000 {
		t.Errorf("audio Port = %d, want 40000", pm.Port)
	}
	if pm.Video == nil {
		t.Fatal("Video = nil, want a parsed video section")
	}
	if pm.Video.Port != 40002 {
		t.Errorf("Video.Port = %d, want 40002", pm.Video.Port)
	}
	if len(pm.Video.Codecs) != 1 || pm.Video.Codecs[0].Name != "H264" {
		t.Errorf("Video.Codecs = %+v, want [H264]", pm.Video.Codecs)
	}
}

func TestBuildAnswerAudioOnly(t *testing.T) {
	body, err := BuildAnswer(1, "relay.example.com", 30000, []Codec{PCMU}, nil)
	if err != nil {
		t.Fatalf("BuildAnswer() error = %v", err)
	}
	s := string(body)
	if !strings.Contains(s, "m=audio 30000") {
		t.Errorf("answer = %q, want an m=audio line on port 30000", s)
	}
	if strings.Contains(s, "m=video") {
		t.Errorf("answer = %q, want no m=video section when video is nil", s)
	}
}

func TestBuildAnswerWithVideo(t *testing.T) {
	video := &VideoAnswer{RelayPort: 30002, Codecs: []Codec{{PayloadType: 96, Name: "H264", ClockRate: 90000}}}
	body, err := BuildAnswer(1, "relay.example.com", 30000, []Codec{PCMU}, video)
	if err != nil {
		t.Fatalf("BuildAnswer() error = %v", err)
	}
	s := string(body)
	if !strings.Contains(s, "m=audio 30000") {
		t.Errorf("answer = %q, want an m=audio line on port 30000", s)
	}
	if !strings.Contains(s, "m=video 30002") {
		t.Errorf("answer = %q, want an m=video line on port 30002", s)
	}
}

func TestRewriteConnectionLeavesPortsAlone(t *testing.T) {
	rewritten, err := RewriteConnection([]byte(audioVideoSDP), "203.0.113.5")
	if err != nil {
		t.Fatalf("RewriteConnection() error = %v", err)
	}
	pm, err := Parse(rewritten)
	if err != nil {
		t.Fatalf("Parse() of rewritten body error = %v", err)
	}
	if pm.ConnectionAddr != "203.0.113.5" || pm.Video.ConnectionAddr != "203.0.113.5" {
		t.Errorf("rewritten addrs = %q / %q, want 203.0.113.5 on both sections", pm.ConnectionAddr, pm.Video.ConnectionAddr)
	}
	if pm.Port != 40000 || pm.Video.Port != 40002 {
		t.Errorf("rewritten ports = %d / %d, want unchanged 40000 / 40002", pm.Port, pm.Video.Port)
	}
}
