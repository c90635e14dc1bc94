// Package registration implements the registrar: REGISTER processing,
// digest challenge/response, and binding lifecycle against a location
// store.
package registration

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/b2buaserver/internal/events"
	"github.com/sebas/b2buaserver/internal/location"
	"github.com/sebas/b2buaserver/internal/nat"
)

// Credential is one AOR's registrar secret.
type Credential struct {
	AOR      string
	Password string
	Realm    string
}

// CredentialStore resolves an AOR to its digest secret.
type CredentialStore interface {
	Lookup(aor string) (Credential, bool)
}

// staticCredentials is a CredentialStore backed by a fixed, config-loaded
// list; there is no runtime provisioning API in scope.
type staticCredentials struct {
	byAOR map[string]Credential
}

// NewStaticCredentials builds a CredentialStore from configured users.
func NewStaticCredentials(creds []Credential) CredentialStore {
	m := make(map[string]Credential, len(creds))
	for _, c := range creds {
		m[c.AOR] = c
	}
	return &staticCredentials{byAOR: m}
}

func (s *staticCredentials) Lookup(aor string) (Credential, bool) {
	c, ok := s.byAOR[aor]
	return c, ok
}

// nonceEntry tracks when a challenge nonce was issued, for staleness checks.
type nonceEntry struct {
	issuedAt time.Time
}

// nonceTracker hands out fresh nonces and rejects ones that have gone
// stale, mirroring the staleness window the prior Python implementation
// enforced against replay of old challenges.
type nonceTracker struct {
	mu        sync.Mutex
	nonces    map[string]nonceEntry
	staleAfter time.Duration
}

func newNonceTracker(staleAfter time.Duration) *nonceTracker {
	return &nonceTracker{nonces: make(map[string]nonceEntry), staleAfter: staleAfter}
}

func (t *nonceTracker) issue() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	nonce := hex.EncodeToString(buf)
	t.mu.Lock()
	t.nonces[nonce] = nonceEntry{issuedAt: time.Now()}
	t.mu.Unlock()
	return nonce
}

// nonceStatus distinguishes a nonce the registrar never issued (or has
// already forgotten) from one it issued but that has aged past the
// staleness window, so the caller can tell a client "retry with a fresh
// nonce" (401 stale=true) from "you never had a valid challenge" (401
// plain) per spec §4.4.
type nonceStatus int

const (
	nonceUnknown nonceStatus = iota
	nonceStale
	nonceValid
)

// check reports nonce's status. A stale nonce is removed so it can't be
// probed repeatedly with the same value.
func (t *nonceTracker) check(nonce string) nonceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.nonces[nonce]
	if !ok {
		return nonceUnknown
	}
	if time.Since(entry.issuedAt) > t.staleAfter {
		delete(t.nonces, nonce)
		return nonceStale
	}
	return nonceValid
}

// Registrar handles REGISTER requests: issuing digest challenges,
// validating responses, and maintaining the location store.
type Registrar struct {
	store   *location.Store
	creds   CredentialStore
	nonces  *nonceTracker
	nat     *nat.Detector
	events  events.Publisher
	realm   string
	maxExp  time.Duration
	minExp  time.Duration
	log     *slog.Logger
}

// NewRegistrar wires a Registrar against a location store and credential
// set. detector may be nil, in which case Contact addresses are stored
// exactly as the client claimed them. pub may be nil, in which case it
// defaults to events.Noop.
func NewRegistrar(store *location.Store, creds CredentialStore, detector *nat.Detector, pub events.Publisher, realm string, minExp, maxExp, nonceStaleAfter time.Duration) *Registrar {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Registrar{
		store:  store,
		creds:  creds,
		nonces: newNonceTracker(nonceStaleAfter),
		nat:    detector,
		events: pub,
		realm:  realm,
		maxExp: maxExp,
		minExp: minExp,
		log:    slog.Default().With("component", "registrar"),
	}
}

// HandleRegister processes one REGISTER transaction end to end: challenge
// issuance, credential validation, and binding upsert/removal.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) error {
	to := req.To()
	if to == nil {
		return r.respond(tx, req, sip.StatusBadRequest, "Missing To header")
	}
	aor := canonicalAOR(to.Address.String())

	cred, known := r.creds.Lookup(aor)
	if !known {
		r.log.Warn("register for unknown AOR", "aor", aor)
		r.events.Publish(events.Event{Kind: events.KindRegisterFail, AOR: aor, Reason: "unknown_user", At: time.Now()})
		return r.respond(tx, req, sip.StatusForbidden, "Unknown user")
	}

	auth := req.GetHeader("Authorization")
	if auth == nil {
		return r.challenge(tx, req, false)
	}

	params := parseAuthHeader(auth.Value())
	switch r.nonces.check(params["nonce"]) {
	case nonceUnknown:
		r.log.Debug("unknown nonce, rechallenging", "aor", aor)
		return r.challenge(tx, req, false)
	case nonceStale:
		r.log.Debug("stale nonce, rechallenging", "aor", aor)
		return r.challenge(tx, req, true)
	}
	if !validateDigest(params, cred.Password, string(req.Method), req.Recipient.String()) {
		r.log.Warn("digest mismatch", "aor", aor)
		r.events.Publish(events.Event{Kind: events.KindRegisterFail, AOR: aor, Reason: "digest_mismatch", At: time.Now()})
		return r.respond(tx, req, sip.StatusForbidden, "Authentication failed")
	}

	expires := r.requestedExpires(req)

	contacts := req.GetHeaders("Contact")
	if len(contacts) == 0 {
		return r.respond(tx, req, sip.StatusBadRequest, "Missing Contact")
	}
	if isWildcardUnregister(contacts) {
		r.store.RemoveAll(aor)
		r.log.Info("unregistered all bindings", "aor", aor)
		r.events.Publish(events.Event{Kind: events.KindRegisterOK, AOR: aor, Reason: "unregister", At: time.Now()})
		return r.respondWithExpires(tx, req, 0, "")
	}

	src, srcPort := sourceOf(req)
	var natResult *nat.Result
	if r.nat != nil {
		natResult = r.nat.Apply(req, src, srcPort)
		if natResult.ContactRewritten {
			r.log.Info("rewrote NAT'd contact", "aor", aor, "effective_contact", natResult.EffectiveContact)
		}
	}
	// Per the registrar invariant, only one binding survives per AOR; a
	// REGISTER carrying several Contacts picks the highest q-value (ties
	// broken by header order) rather than keeping them all.
	winner := bestContact(contacts)
	if winner == nil {
		return r.respond(tx, req, sip.StatusBadRequest, "Invalid Contact")
	}
	b := &location.Binding{
		AOR:          aor,
		ContactURI:   winner.Address.String(),
		BindingID:    location.GenerateBindingID(winner.Address.String(), ""),
		ReceivedIP:   src,
		ReceivedPort: srcPort,
		Transport:    strings.ToUpper(string(req.Transport())),
		QValue:       contactQValue(winner),
		Expires:      expires,
		ExpiresAt:    time.Now().Add(time.Duration(expires) * time.Second),
		RegisteredAt: time.Now(),
		CallID:       callIDOf(req),
		CSeq:         cseqOf(req),
		UserAgent:    headerValue(req, "User-Agent"),
	}
	if existing, ok := r.store.Lookup(aor); ok && !existing.ValidateCSeq(b.CallID, b.CSeq) {
		r.log.Warn("stale CSeq on REGISTER, ignoring", "aor", aor)
		return r.respondWithExpires(tx, req, existing.Expires, existing.ContactURI)
	}
	r.store.Upsert(b)

	r.log.Info("registered", "aor", aor, "expires", expires)
	r.events.Publish(events.Event{Kind: events.KindRegisterOK, AOR: aor, At: time.Now(), Attrs: map[string]any{"expires": expires}})
	return r.respondWithExpires(tx, req, expires, b.ContactURI)
}

func (r *Registrar) challenge(tx sip.ServerTransaction, req *sip.Request, stale bool) error {
	res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	nonce := r.nonces.issue()
	challengeHdr := fmt.Sprintf(`Digest realm="%s", nonce="%s", algorithm=MD5`, r.realm, nonce)
	if stale {
		challengeHdr += `, stale=true`
	}
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", challengeHdr))
	return tx.Respond(res)
}

func (r *Registrar) respond(tx sip.ServerTransaction, req *sip.Request, code sip.StatusCode, reason string) error {
	return tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil))
}

// respondWithExpires answers a REGISTER with a 200 OK, echoing contactURI
// as the Contact header per spec: the response must reflect the bound
// (and, if applicable, NAT-rewritten) Contact the registrar actually
// stored, not the AOR from the request's To header. contactURI is empty
// for a wildcard unregister, which leaves no binding to echo.
func (r *Registrar) respondWithExpires(tx sip.ServerTransaction, req *sip.Request, expires int, contactURI string) error {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	if contactURI != "" {
		var addr sip.Uri
		if err := sip.ParseUri(contactURI, &addr); err == nil {
			res.AppendHeader(&sip.ContactHeader{Address: addr})
		} else {
			r.log.Warn("parsing bound contact for 200 OK failed", "contact", contactURI, "error", err)
		}
	}
	return tx.Respond(res)
}

// requestedExpires reads the request's Expires header (defaulting to the
// registrar's maximum when absent or unparseable), clamped to the
// configured bounds; a Contact "expires" parameter is not consulted.
func (r *Registrar) requestedExpires(req *sip.Request) int {
	expires := int(r.maxExp / time.Second)
	if h := req.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(h.Value()); err == nil {
			expires = v
		}
	}
	min := int(r.minExp / time.Second)
	max := int(r.maxExp / time.Second)
	if expires != 0 {
		if expires < min {
			expires = min
		}
		if expires > max {
			expires = max
		}
	}
	return expires
}

// bestContact picks the Contact header with the highest q-value, defaulting
// unparameterized contacts to q=1.0, the RFC 3261 §20.10 default.
func bestContact(contacts []sip.Header) *sip.ContactHeader {
	var best *sip.ContactHeader
	var bestQ float32 = -1
	for _, ch := range contacts {
		c, ok := ch.(*sip.ContactHeader)
		if !ok {
			continue
		}
		q := contactQValue(c)
		if q > bestQ {
			best, bestQ = c, q
		}
	}
	return best
}

func contactQValue(c *sip.ContactHeader) float32 {
	raw, ok := c.Params["q"]
	if !ok {
		return 1.0
	}
	v, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		return 1.0
	}
	return float32(v)
}

func isWildcardUnregister(contacts []sip.Header) bool {
	if len(contacts) != 1 {
		return false
	}
	return contacts[0].Value() == "*"
}

func canonicalAOR(uri string) string {
	uri = strings.TrimPrefix(uri, "<")
	if idx := strings.Index(uri, ";"); idx != -1 {
		uri = uri[:idx]
	}
	uri = strings.TrimSuffix(uri, ">")
	return uri
}

func sourceOf(req *sip.Request) (string, int) {
	src := req.Source()
	host, portStr, err := splitHostPort(src)
	if err != nil {
		return src, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx == -1 {
		return addr, "", fmt.Errorf("no port in address %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

func cseqOf(req *sip.Request) uint32 {
	if h := req.CSeq(); h != nil {
		return h.SeqNo
	}
	return 0
}

func headerValue(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

// parseAuthHeader splits a Digest Authorization header's key="value" pairs.
func parseAuthHeader(v string) map[string]string {
	out := make(map[string]string)
	v = strings.TrimPrefix(strings.TrimSpace(v), "Digest ")
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.Trim(strings.TrimSpace(kv[1]), `"`)
	}
	return out
}

// validateDigest recomputes the MD5 digest response server-side and
// compares it against the client's in constant time. Per the resolved
// design decision, this registrar uses MD5 (not MD5-sess).
func validateDigest(params map[string]string, password, method, defaultURI string) bool {
	username := params["username"]
	realm := params["realm"]
	nonce := params["nonce"]
	uri := params["uri"]
	if uri == "" {
		uri = defaultURI
	}
	response := params["response"]
	if username == "" || realm == "" || nonce == "" || response == "" {
		return false
	}

	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", username, realm, password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))
	expected := md5Hex(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
