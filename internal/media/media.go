// Package media owns the lifecycle of RTPProxy-backed relay sessions, one
// per bridged call, translating SDP offers/answers into rtpproxy commands
// and back.
package media

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/b2buaserver/internal/codec"
	"github.com/sebas/b2buaserver/internal/rtpproxy"
)

// Session tracks one call's two-legged relay state in rtpproxy: the
// Call-ID and tag pair rtpproxy uses to key the session, plus the port it
// allocated for each leg. A call with a video section gets a second
// rtpproxy session, correlated via videoTagSuffix rather than a second
// Call-ID, so HasVideo and the video ports below are only meaningful once
// that second session has been created.
type Session struct {
	CallID  string
	ALegTag string
	BLegTag string

	ALegPort int
	BLegPort int

	HasVideo      bool
	ALegVideoPort int
	BLegVideoPort int

	CreatedAt time.Time
}

const (
	sweepInterval      = 30 * time.Second
	staleSessionMaxAge = 4 * time.Hour

	// videoTagSuffix distinguishes the video stream's rtpproxy session
	// from the audio one while keeping both under the same Call-ID and
	// base tag pair, per the relay's one-session-per-stream handling of
	// audio+video calls.
	videoTagSuffix = "-video"
)

// Manager is the single point of contact with rtpproxy for the whole
// process; all call legs share its connection.
type Manager struct {
	client        *rtpproxy.Client
	relayHost     string

	mu       sync.Mutex
	sessions map[string]*Session // keyed by Call-ID

	stopCh chan struct{}

	log *slog.Logger
}

// NewManager wires a Manager around an already-dialled rtpproxy client
// and starts its background stale-session sweep. relayHost is the
// address advertised in answer SDP bodies for where the proxy will send
// media when rtpproxy's reply names no address; the app passes the
// B2BUA's advertised host.
func NewManager(client *rtpproxy.Client, relayHost string) *Manager {
	m := &Manager{
		client:    client,
		relayHost: relayHost,
		sessions:  make(map[string]*Session),
		stopCh:    make(chan struct{}),
		log:       slog.Default().With("component", "media"),
	}
	go m.sweepLoop(sweepInterval, staleSessionMaxAge)
	return m
}

// Offer registers the A-leg's initial offer with rtpproxy and returns an
// SDP answer body pointing at the allocated relay port(s). When offer
// carries a video section, a second rtpproxy session is created for it,
// correlated by videoTagSuffix under the same Call-ID.
func (m *Manager) Offer(callID, fromTag string, offer *codec.ParsedMedia) ([]byte, error) {
	res, err := m.client.Offer(callID, fromTag)
	if err != nil {
		return nil, fmt.Errorf("rtpproxy offer: %w", err)
	}
	// Push the A-leg's learned (NAT-aware) address immediately; rtpproxy's
	// own symmetric-RTP learning refines it further once packets flow.
	if _, err := m.client.Update(callID, fromTag, "", offer.ConnectionAddr, offer.Port); err != nil {
		m.log.Warn("rtpproxy address update after offer failed", "call_id", callID, "error", err)
	}

	host := res.Address
	if host == "" {
		host = m.relayHost
	}

	session := &Session{
		CallID:    callID,
		ALegTag:   fromTag,
		ALegPort:  res.Port,
		CreatedAt: time.Now(),
	}

	var videoAnswer *codec.VideoAnswer
	if offer.Video != nil {
		videoRes, err := m.client.Offer(callID, fromTag+videoTagSuffix)
		if err != nil {
			return nil, fmt.Errorf("rtpproxy offer: %w", err)
		}
		if _, err := m.client.Update(callID, fromTag+videoTagSuffix, "", offer.Video.ConnectionAddr, offer.Video.Port); err != nil {
			m.log.Warn("rtpproxy video address update after offer failed", "call_id", callID, "error", err)
		}
		session.HasVideo = true
		session.ALegVideoPort = videoRes.Port
		videoAnswer = &codec.VideoAnswer{RelayPort: videoRes.Port, Codecs: offer.Video.Codecs}
	}

	m.mu.Lock()
	m.sessions[callID] = session
	m.mu.Unlock()

	return codec.BuildAnswer(uint64(time.Now().UnixNano()), host, res.Port, offer.Codecs, videoAnswer)
}

// Answer completes the session once the B-leg's answer arrives, telling
// rtpproxy where the B-leg's RTP should be sent and returning the relay
// port(s) the A-leg should now be pointed at in turn. A video section in
// answer only completes a video session if Offer created one for this
// call; an answer introducing video where none was offered is ignored,
// since rtpproxy has no session to complete it against.
func (m *Manager) Answer(callID, fromTag, toTag string, answer *codec.ParsedMedia) ([]byte, error) {
	res, err := m.client.Answer(callID, fromTag, toTag)
	if err != nil {
		return nil, fmt.Errorf("rtpproxy answer: %w", err)
	}
	if _, err := m.client.Update(callID, fromTag, toTag, answer.ConnectionAddr, answer.Port); err != nil {
		return nil, fmt.Errorf("rtpproxy answer: %w", err)
	}

	host := res.Address
	if host == "" {
		host = m.relayHost
	}

	m.mu.Lock()
	s, ok := m.sessions[callID]
	if ok {
		s.BLegTag = toTag
		s.BLegPort = res.Port
	}
	m.mu.Unlock()

	var videoAnswer *codec.VideoAnswer
	if ok && s.HasVideo && answer.Video != nil {
		videoRes, err := m.client.Answer(callID, fromTag+videoTagSuffix, toTag+videoTagSuffix)
		if err != nil {
			return nil, fmt.Errorf("rtpproxy answer: %w", err)
		}
		if _, err := m.client.Update(callID, fromTag+videoTagSuffix, toTag+videoTagSuffix, answer.Video.ConnectionAddr, answer.Video.Port); err != nil {
			return nil, fmt.Errorf("rtpproxy answer: %w", err)
		}
		m.mu.Lock()
		s.BLegVideoPort = videoRes.Port
		m.mu.Unlock()
		videoAnswer = &codec.VideoAnswer{RelayPort: videoRes.Port, Codecs: answer.Video.Codecs}
	}

	return codec.BuildAnswer(uint64(time.Now().UnixNano()), host, res.Port, answer.Codecs, videoAnswer)
}

// Update renegotiates an existing session in place for a re-INVITE,
// reusing the allocated ports rather than creating a new session, per the
// resolved re-INVITE design decision. It only renegotiates a video
// session if the call already has one; adding or dropping video mid-call
// is out of scope and the existing audio-only (or audio+video) shape is
// preserved.
func (m *Manager) Update(callID, fromTag, toTag string, newMedia *codec.ParsedMedia) ([]byte, error) {
	res, err := m.client.Update(callID, fromTag, toTag, newMedia.ConnectionAddr, newMedia.Port)
	if err != nil {
		return nil, fmt.Errorf("rtpproxy update: %w", err)
	}
	host := res.Address
	if host == "" {
		host = m.relayHost
	}

	m.mu.Lock()
	s, hasVideo := m.sessions[callID]
	m.mu.Unlock()

	var videoAnswer *codec.VideoAnswer
	if hasVideo && s.HasVideo && newMedia.Video != nil {
		videoRes, err := m.client.Update(callID, fromTag+videoTagSuffix, toTag+videoTagSuffix, newMedia.Video.ConnectionAddr, newMedia.Video.Port)
		if err != nil {
			return nil, fmt.Errorf("rtpproxy update: %w", err)
		}
		videoAnswer = &codec.VideoAnswer{RelayPort: videoRes.Port, Codecs: newMedia.Video.Codecs}
	}

	return codec.BuildAnswer(uint64(time.Now().UnixNano()), host, res.Port, newMedia.Codecs, videoAnswer)
}

// Delete tears down a call's relay session. It tolerates being called on
// an already-deleted or never-created session, so cleanup paths can call
// it unconditionally.
func (m *Manager) Delete(callID string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	delete(m.sessions, callID)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := m.client.Delete(callID, s.ALegTag, s.BLegTag); err != nil {
		m.log.Warn("rtpproxy delete failed", "call_id", callID, "error", err)
	}
	if s.HasVideo {
		if err := m.client.Delete(callID, s.ALegTag+videoTagSuffix, s.BLegTag+videoTagSuffix); err != nil {
			m.log.Warn("rtpproxy video delete failed", "call_id", callID, "error", err)
		}
	}
}

// SweepStale best-effort-deletes any session older than maxAge that is
// still tracked, guarding against a session whose BYE/teardown path never
// ran (e.g. a crashed peer never sending BYE).
func (m *Manager) SweepStale(maxAge time.Duration) {
	m.mu.Lock()
	var stale []string
	now := time.Now()
	for id, s := range m.sessions {
		if now.Sub(s.CreatedAt) > maxAge {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.log.Warn("sweeping stale media session", "call_id", id)
		m.Delete(id)
	}
}

func (m *Manager) sweepLoop(interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SweepStale(maxAge)
		case <-m.stopCh:
			return
		}
	}
}

// Close stops the sweep and releases the underlying rtpproxy connection.
func (m *Manager) Close() error {
	close(m.stopCh)
	return m.client.Close()
}
