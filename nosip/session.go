// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package nosip

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	janus "github.com/shrhoads/janus-gateway"
	"github.com/shrhoads/janus-gateway/media"
	"github.com/shrhoads/janus-gateway/recorder"
)

// Lifecycle states of a session. The machine gates negotiation requests;
// media forwarding is gated by socket presence and send flags instead, so a
// renegotiation never interrupts a flowing call.
const (
	stateIdle        = "idle"
	stateNegotiating = "negotiating"
	stateReady       = "ready"
	stateHangingUp   = "hangingup"
	stateDestroyed   = "destroyed"
)

const (
	eventOffer   = "offer"
	eventAnswer  = "answer"
	eventHangup  = "hangup"
	eventReset   = "reset"
	eventDestroy = "destroy"
)

// newLifecycle builds the negotiation state machine. Offers are accepted on
// an idle session and as renegotiations of an established one; answers only
// conclude a pending negotiation. Answers stay accepted once ready so that
// re-processing the same description is idempotent.
func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(stateIdle,
		fsm.Events{
			{Name: eventOffer, Src: []string{stateIdle, stateNegotiating, stateReady}, Dst: stateNegotiating},
			{Name: eventAnswer, Src: []string{stateNegotiating, stateReady}, Dst: stateReady},
			{Name: eventHangup, Src: []string{stateIdle, stateNegotiating, stateReady}, Dst: stateHangingUp},
			{Name: eventReset, Src: []string{stateHangingUp}, Dst: stateIdle},
			{Name: eventDestroy, Src: []string{stateIdle, stateNegotiating, stateReady, stateHangingUp}, Dst: stateDestroyed},
		},
		fsm.Callbacks{},
	)
}

// mediaState is one media line's half of the RTP leg (audio or video).
//
// Locking: plain fields are written by the dispatcher and read by the relay
// controller under session.mu. The atomics are shared with the reader
// goroutines and the host upcalls. peerSSRC and the switching context are
// only written by this media's RTP reader; the RTCP reader is the only
// closer of rtcpConn once the relay runs.
type mediaState struct {
	video bool

	enabled        bool
	remoteIP       string
	remoteRTPPort  int
	remoteRTCPPort int
	pt             int
	redPT          int
	ptName         string
	pliSupported   bool

	rtpPort  int
	rtcpPort int

	rtpConn  atomic.Pointer[net.UDPConn]
	rtcpConn atomic.Pointer[net.UDPConn]

	sendAllowed   atomic.Bool
	localSSRC     atomic.Uint32
	peerSSRC      atomic.Uint32
	simulcastSSRC atomic.Uint32

	// extensionID is the RTP header extension id parsed from inbound peer
	// packets: ssrc-audio-level for audio, video-orientation for video.
	// -1 when not negotiated.
	extensionID atomic.Int32

	srtpTag      int
	localProfile string
	localCrypto  string
	srtpIn       atomic.Pointer[media.CryptoContext]
	srtpOut      atomic.Pointer[media.CryptoContext]

	// outMu serializes outbound RTCP protection between host upcalls and
	// locally generated PLIs, which share srtpOut's replay state.
	outMu sync.Mutex

	switching *media.SwitchingContext
}

func (m *mediaState) init(video bool) {
	m.video = video
	clock := uint32(48000)
	if video {
		clock = 90000
	}
	m.switching = media.NewSwitchingContext(clock)
	m.pt = -1
	m.redPT = -1
	m.extensionID.Store(-1)
	m.sendAllowed.Store(true)
}

func (m *mediaState) kind() string {
	if m.video {
		return "video"
	}
	return "audio"
}

// closeSockets closes both sockets and forgets the local ports and SSRC, the
// reset a fresh negotiation starts from. The peer SSRC and the switching
// context survive so the relayed stream stays continuous across
// renegotiations.
func (m *mediaState) closeSockets() {
	if c := m.rtpConn.Swap(nil); c != nil {
		c.Close()
	}
	if c := m.rtcpConn.Swap(nil); c != nil {
		c.Close()
	}
	m.rtpPort = 0
	m.rtcpPort = 0
	m.localSSRC.Store(0)
}

// closeTransport forgets the peer side as well, for full media cleanup.
func (m *mediaState) closeTransport() {
	m.closeSockets()
	m.remoteRTPPort = 0
	m.remoteRTCPPort = 0
	m.peerSSRC.Store(0)
	m.simulcastSSRC.Store(0)
}

// resetSRTP drops both directions' contexts and the local crypto material.
// Closing a context zeroes its master key.
func (m *mediaState) resetSRTP() {
	m.srtpTag = 0
	if ctx := m.srtpIn.Swap(nil); ctx != nil {
		ctx.Close()
	}
	if ctx := m.srtpOut.Swap(nil); ctx != nil {
		ctx.Close()
	}
	m.localProfile = ""
	m.localCrypto = ""
}

// resetNegotiation returns the negotiated bits to their created defaults.
func (m *mediaState) resetNegotiation() {
	m.enabled = false
	m.remoteIP = ""
	m.pt = -1
	m.redPT = -1
	m.ptName = ""
	m.sendAllowed.Store(true)
	m.pliSupported = false
	m.extensionID.Store(-1)
	m.switching.Reset()
}

// session is the per-handle bridge state. One relay worker serves it once an
// answer has been processed; the dispatcher mutates negotiation state under
// mu; host upcalls touch only atomics and connected sockets.
type session struct {
	handle *janus.Handle
	id     string

	mu        sync.Mutex
	lifecycle *fsm.FSM
	sdp       *sdp.SessionDescription
	sdpType   webrtc.SDPType

	requireSRTP   bool
	hasSRTPLocal  bool
	hasSRTPRemote bool
	srtpProfile   media.Profile

	audio mediaState
	video mediaState

	// Recorders for the four leg×media streams, guarded by recMu.
	recMu        sync.Mutex
	recUserAudio *recorder.Recorder
	recUserVideo *recorder.Recorder
	recPeerAudio *recorder.Recorder
	recPeerVideo *recorder.Recorder

	// wakeup interrupts the relay controller's wait. Writers store their
	// flag first, then kick; the controller drains and re-reads the flags.
	wakeup chan struct{}

	updated       atomic.Bool
	hangingUp     atomic.Bool
	destroyed     atomic.Bool
	workerStarted atomic.Bool
}

// newSession builds an idle session for a core handle.
func newSession(h *janus.Handle) *session {
	s := &session{
		handle:    h,
		id:        uuid.NewString(),
		lifecycle: newLifecycle(),
		wakeup:    make(chan struct{}, 1),
	}
	s.audio.init(false)
	s.video.init(true)
	return s
}

func (s *session) mediaState(video bool) *mediaState {
	if video {
		return &s.video
	}
	return &s.audio
}

// notifyUpdate flags changed negotiation state and interrupts the relay
// controller so it reconnects its sockets.
func (s *session) notifyUpdate() {
	s.updated.Store(true)
	s.kickWorker()
}

func (s *session) kickWorker() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// checkNegotiation rejects a description the lifecycle cannot accept now,
// e.g. an answer with no negotiation pending.
func (s *session) checkNegotiation(answer bool) error {
	if !s.lifecycle.Can(negotiationEvent(answer)) {
		return requestErrorf(ErrorWrongState, "Unexpected %s in state %s", sdpKind(answer), s.lifecycle.Current())
	}
	return nil
}

// advanceNegotiation moves the lifecycle after a successful generate or
// process. Losing the race to a concurrent hangup is fine, teardown wins.
func (s *session) advanceNegotiation(answer bool) {
	if err := s.lifecycle.Event(context.Background(), negotiationEvent(answer)); err != nil {
		log.Debug().Err(err).Str("session", s.id).Msg("Lifecycle transition lost to teardown")
	}
}

func negotiationEvent(answer bool) string {
	if answer {
		return eventAnswer
	}
	return eventOffer
}

func sdpKind(answer bool) string {
	if answer {
		return "answer"
	}
	return "offer"
}

func (s *session) lifecycleHangingUp() {
	if s.lifecycle.Current() != stateDestroyed {
		s.lifecycle.SetState(stateHangingUp)
	}
}

// lifecycleSettle parks the machine after media cleanup: destroyed stays
// terminal, anything else returns to idle so a new negotiation may follow.
func (s *session) lifecycleSettle() {
	if s.destroyed.Load() {
		s.lifecycle.SetState(stateDestroyed)
	} else {
		s.lifecycle.SetState(stateIdle)
	}
}

// cleanupSRTPLocked forgets every SRTP artifact of the previous negotiation.
// Callers hold s.mu.
func (s *session) cleanupSRTPLocked() {
	s.requireSRTP = false
	s.hasSRTPLocal = false
	s.hasSRTPRemote = false
	s.srtpProfile = 0
	s.audio.resetSRTP()
	s.video.resetSRTP()
}

// resetMediaLocked returns negotiated media state to session defaults.
// Callers hold s.mu.
func (s *session) resetMediaLocked() {
	s.updated.Store(false)
	s.audio.resetNegotiation()
	s.video.resetNegotiation()
}

// cleanupMediaLocked is the full teardown the relay worker runs on exit and
// hangup runs inline when no worker ever started: sockets closed, ports
// surrendered, SRTP and negotiated state wiped so a following negotiation
// starts from scratch. Callers hold s.mu.
func (s *session) cleanupMediaLocked() {
	s.audio.closeTransport()
	s.video.closeTransport()
	s.cleanupSRTPLocked()
	s.resetMediaLocked()
}

// registry is the handle→session table behind every plugin entry point.
type registry struct {
	mu       sync.Mutex
	sessions map[*janus.Handle]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[*janus.Handle]*session)}
}

func (r *registry) add(h *janus.Handle, s *session) {
	r.mu.Lock()
	r.sessions[h] = s
	r.mu.Unlock()
}

func (r *registry) lookup(h *janus.Handle) *session {
	r.mu.Lock()
	s := r.sessions[h]
	r.mu.Unlock()
	return s
}

func (r *registry) remove(h *janus.Handle) *session {
	r.mu.Lock()
	s := r.sessions[h]
	delete(r.sessions, h)
	r.mu.Unlock()
	return s
}

// drain empties the registry, returning what was in it. Used on shutdown.
func (r *registry) drain() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.sessions = make(map[*janus.Handle]*session)
	return out
}
