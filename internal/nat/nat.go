// Package nat detects NAT'd peers and rewrites Contact/SDP connection
// addresses so media and signalling return to the address a request
// actually arrived from, rather than whatever the peer claims.
package nat

import (
	"net"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/b2buaserver/internal/codec"
)

// Detector classifies source addresses as behind NAT using a set of
// private CIDR ranges, mirroring the symmetric-routing logic the prior
// implementation applied to REGISTER and INVITE sources.
type Detector struct {
	private []*net.IPNet
}

// NewDetector builds a Detector from CIDR strings. Unparseable entries are
// skipped rather than failing the whole configuration.
func NewDetector(cidrs []string) *Detector {
	d := &Detector{}
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			d.private = append(d.private, n)
		}
	}
	return d
}

// IsPrivate reports whether ip falls within one of the configured private
// ranges.
func (d *Detector) IsPrivate(ip net.IP) bool {
	for _, n := range d.private {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// BehindNAT reports whether the address a peer claims (e.g. in its Contact
// header or SDP connection line) is a private one that differs from where
// the packet actually came from, which is the classic symptom of being
// behind NAT.
func (d *Detector) BehindNAT(claimed, source net.IP) bool {
	if claimed == nil || source == nil {
		return false
	}
	if claimed.Equal(source) {
		return false
	}
	// Only treat it as NAT if the claimed address is a private one; a
	// mismatch between two public addresses is a routing oddity, not NAT.
	return d.IsPrivate(claimed)
}

// EffectiveHost picks the address that should actually be used to reach a
// peer: its packet source when it claims a private address from behind
// NAT, otherwise the address it advertised itself.
func (d *Detector) EffectiveHost(claimedHost string, sourceIP net.IP) string {
	claimed := net.ParseIP(claimedHost)
	if claimed == nil {
		return claimedHost
	}
	if d.BehindNAT(claimed, sourceIP) {
		return sourceIP.String()
	}
	return claimedHost
}

// Result records which rewrites Apply performed, so the dialog layer can
// use the corrected Contact as the next-hop URI for subsequent in-dialog
// requests instead of re-deriving it from the (now-stale) message.
type Result struct {
	ContactRewritten bool
	SDPRewritten     bool
	EffectiveContact string
	SourceHost       string
	SourcePort       int
}

// Apply classifies req's Contact against its observed source address and,
// if it looks NAT'd, rewrites the Contact's host:port in place to the
// source address. It never touches the SDP body; callers that also hold a
// parsed SDP should call RewriteSDP separately, since not every request
// that needs a Contact rewrite carries a body (e.g. REGISTER).
func (d *Detector) Apply(req *sip.Request, sourceHost string, sourcePort int) *Result {
	res := &Result{SourceHost: sourceHost, SourcePort: sourcePort}

	contact := req.Contact()
	if contact == nil {
		return res
	}
	res.EffectiveContact = contact.Address.String()

	sourceIP := net.ParseIP(sourceHost)
	if sourceIP == nil {
		return res
	}

	claimed := net.ParseIP(contact.Address.Host)
	natted := claimed != nil && d.BehindNAT(claimed, sourceIP)
	hostDiffers := claimed == nil && !strings.EqualFold(contact.Address.Host, sourceHost)

	if natted || hostDiffers {
		contact.Address.Host = sourceHost
		contact.Address.Port = sourcePort
		res.ContactRewritten = true
		res.EffectiveContact = contact.Address.String()
	}
	return res
}

// RewriteSDP rewrites an SDP body's connection address to sourceHost when
// the body's declared address is private and differs from sourceHost,
// leaving ports untouched per §4.3. It returns the (possibly unmodified)
// body and whether a rewrite happened.
func (d *Detector) RewriteSDP(body []byte, sourceHost string) ([]byte, bool) {
	if len(body) == 0 {
		return body, false
	}
	media, err := codec.Parse(body)
	if err != nil {
		return body, false
	}
	declared := net.ParseIP(media.ConnectionAddr)
	if declared == nil || !d.IsPrivate(declared) || declared.String() == sourceHost {
		return body, false
	}
	rewritten, err := codec.RewriteConnection(body, sourceHost)
	if err != nil {
		return body, false
	}
	return rewritten, true
}
