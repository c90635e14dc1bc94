// Package codec provides SDP parsing and rewriting helpers shared by the
// NAT helper and the media session manager.
package codec

import (
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"
)

// Codec describes a negotiable RTP payload, mirroring the rtpmap table the
// media layer advertises in its own offers/answers.
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Params      string // e.g. fmtp parameters
}

// Well-known static payload types this B2BUA is willing to relay without
// transcoding.
var (
	PCMU         = Codec{PayloadType: 0, Name: "PCMU", ClockRate: 8000}
	PCMA         = Codec{PayloadType: 8, Name: "PCMA", ClockRate: 8000}
	G729         = Codec{PayloadType: 18, Name: "G729", ClockRate: 8000}
	TelephoneEvt = Codec{PayloadType: 101, Name: "telephone-event", ClockRate: 8000, Params: "0-16"}
)

// ParsedMedia is the subset of an SDP offer/answer the B2BUA cares about:
// where to send the audio stream and which codecs were offered, in order.
// Video is carried as a sibling stream rather than a list, mirroring the
// original relay's flat audio/video field layout — most calls are
// audio-only, so the common path never allocates a second struct.
type ParsedMedia struct {
	ConnectionAddr string
	Port           int
	Codecs         []Codec
	ICEUFrag       string
	ICEPwd         string

	Video *VideoMedia
}

// VideoMedia is the video counterpart of ParsedMedia's audio fields, present
// only when the SDP carried an "m=video" section.
type VideoMedia struct {
	ConnectionAddr string
	Port           int
	Codecs         []Codec
}

// Parse extracts connection and codec information from a raw SDP body. The
// first media section that is not "video" becomes the primary stream; the first
// "video" section, if any, becomes Video. Any further media sections are
// ignored, matching the original relay's audio+video-only assumption.
func Parse(body []byte) (*ParsedMedia, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}
	if len(sd.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("sdp has no media descriptions")
	}

	var audio *sdp.MediaDescription
	var video *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		switch md.MediaName.Media {
		case "video":
			if video == nil {
				video = md
			}
		default:
			// Any non-video section fills the primary stream, matching
			// Parse's pre-video behavior of treating MediaDescriptions[0]
			// as the call's main stream regardless of its declared type.
			if audio == nil {
				audio = md
			}
		}
	}
	if audio == nil {
		audio = sd.MediaDescriptions[0]
	}

	pm := parseAudioSection(audio, &sd)
	if video != nil {
		pm.Video = parseVideoSection(video, &sd)
	}
	return pm, nil
}

func connectionAddr(md *sdp.MediaDescription, sd *sdp.SessionDescription) string {
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		return md.ConnectionInformation.Address.Address
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		return sd.ConnectionInformation.Address.Address
	}
	return ""
}

func parseAudioSection(md *sdp.MediaDescription, sd *sdp.SessionDescription) *ParsedMedia {
	pm := &ParsedMedia{
		ConnectionAddr: connectionAddr(md, sd),
		Port:           md.MediaName.Port.Value,
	}

	rtpmap := map[string]string{}
	for _, attr := range md.Attributes {
		switch attr.Key {
		case "rtpmap":
			parts := splitN(attr.Value, " ", 2)
			if len(parts) == 2 {
				rtpmap[parts[0]] = parts[1]
			}
		case "ice-ufrag":
			pm.ICEUFrag = attr.Value
		case "ice-pwd":
			pm.ICEPwd = attr.Value
		}
	}

	for _, fmtStr := range md.MediaName.Formats {
		pt, err := strconv.Atoi(fmtStr)
		if err != nil {
			continue
		}
		enc := splitN(rtpmap[fmtStr], "/", 3)
		clock := 0
		if len(enc) > 1 {
			clock, _ = strconv.Atoi(enc[1])
		}
		pm.Codecs = append(pm.Codecs, Codec{PayloadType: uint8(pt), Name: enc[0], ClockRate: uint32(clock)})
	}
	return pm
}

func parseVideoSection(md *sdp.MediaDescription, sd *sdp.SessionDescription) *VideoMedia {
	vm := &VideoMedia{
		ConnectionAddr: connectionAddr(md, sd),
		Port:           md.MediaName.Port.Value,
	}

	rtpmap := map[string]string{}
	for _, attr := range md.Attributes {
		if attr.Key == "rtpmap" {
			parts := splitN(attr.Value, " ", 2)
			if len(parts) == 2 {
				rtpmap[parts[0]] = parts[1]
			}
		}
	}
	for _, fmtStr := range md.MediaName.Formats {
		pt, err := strconv.Atoi(fmtStr)
		if err != nil {
			continue
		}
		enc := splitN(rtpmap[fmtStr], "/", 3)
		clock := 0
		if len(enc) > 1 {
			clock, _ = strconv.Atoi(enc[1])
		}
		vm.Codecs = append(vm.Codecs, Codec{PayloadType: uint8(pt), Name: enc[0], ClockRate: uint32(clock)})
	}
	return vm
}

func splitN(s, sep string, n int) []string {
	out := make([]string, 0, n)
	start := 0
	count := 0
	for i := 0; i < len(s) && count < n-1; i++ {
		if string(s[i]) == sep {
			out = append(out, s[start:i])
			start = i + 1
			count++
		}
	}
	out = append(out, s[start:])
	return out
}

// VideoAnswer carries the relay port and negotiated codecs for an answer's
// video section, mirroring the audio parameters BuildAnswer already takes.
type VideoAnswer struct {
	RelayPort int
	Codecs    []Codec
}

// BuildAnswer constructs an SDP answer body pointing audio at
// relayHost:relayPort, listing every codec in offered in its offered
// order; nothing is filtered out. When video is non-nil, a second "m=video"
// section pointing at its own relay port is appended, per the relay's
// one-session-per-stream handling of audio+video calls.
func BuildAnswer(sessionID uint64, relayHost string, relayPort int, offered []Codec, video *VideoAnswer) ([]byte, error) {
	origin := &sdp.Origin{
		Username:       "-",
		SessionID:      sessionID,
		SessionVersion: sessionID,
		NetworkType:    "IN",
		AddressType:    "IP4",
		UnicastAddress: relayHost,
	}
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin:  *origin,
		SessionName: "b2bua",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: relayHost},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	sd.MediaDescriptions = append(sd.MediaDescriptions,
		buildMediaSection(sd.ConnectionInformation, "audio", relayPort, offered))
	if video != nil {
		sd.MediaDescriptions = append(sd.MediaDescriptions,
			buildMediaSection(sd.ConnectionInformation, "video", video.RelayPort, video.Codecs))
	}

	return sd.Marshal()
}

func buildMediaSection(conn *sdp.ConnectionInformation, mediaType string, relayPort int, offered []Codec) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  mediaType,
			Port:   sdp.RangedPort{Value: relayPort},
			Protos: []string{"RTP", "AVP"},
		},
		ConnectionInformation: conn,
	}

	for _, c := range offered {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(c.PayloadType)))
		rtpmap := fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, nonZero(c.ClockRate, 8000))
		md.Attributes = append(md.Attributes, sdp.Attribute{Key: "rtpmap", Value: rtpmap})
		if c.Params != "" {
			md.Attributes = append(md.Attributes, sdp.Attribute{
				Key:   "fmtp",
				Value: fmt.Sprintf("%d %s", c.PayloadType, c.Params),
			})
		}
	}
	md.Attributes = append(md.Attributes, sdp.Attribute{Key: "sendrecv"})
	if mediaType == "audio" {
		md.Attributes = append(md.Attributes, sdp.Attribute{Key: "ptime", Value: "20"})
	}
	return md
}

func nonZero(v uint32, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}

// RewriteConnection returns a copy of an SDP body with its connection
// address replaced on every media section (audio, video, or otherwise),
// used when NAT-rewriting an offer/answer before it's relayed to the far
// leg. Ports are left untouched — each media section keeps whatever port
// it declared, since address rewriting and relay port allocation are
// independent concerns.
func RewriteConnection(body []byte, newHost string) ([]byte, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		sd.ConnectionInformation.Address.Address = newHost
	}
	for _, md := range sd.MediaDescriptions {
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			md.ConnectionInformation.Address.Address = newHost
		}
	}
	return sd.Marshal()
}
