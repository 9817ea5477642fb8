// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

// Package nosip bridges WebRTC PeerConnections to plain (S)RTP endpoints
// whose signalling lives entirely outside the gateway. Clients hand in the
// SDP they obtained however they like (SIP, custom protocols, carrier
// pigeons); the plugin rewrites it so one leg speaks WebRTC with the browser
// and the other leg speaks barebone RTP with the peer, relaying media in
// both directions and optionally securing the RTP leg with SDES-SRTP.
package nosip

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	janus "github.com/shrhoads/janus-gateway"
	"github.com/shrhoads/janus-gateway/media"
)

// Plugin identity, served through the core's info API.
const (
	pluginPackage = "janus.plugin.nosip"
	pluginName    = "JANUS NoSIP plugin"
	pluginVersion = 1
)

// queueSize bounds how many client requests can be waiting for the handler
// loop before HandleMessage starts blocking callers.
const queueSize = 64

// Plugin is the media bridge. It implements janus.Plugin; a single instance
// serves any number of concurrent sessions.
type Plugin struct {
	core     janus.Core
	settings settings
	ports    *media.PortAllocator
	sessions *registry
	metrics  *metrics

	queue    chan *pluginMessage
	quit     chan struct{}
	wg       sync.WaitGroup
	stopping atomic.Bool
}

// New wires a plugin against the given core. The configuration is resolved
// eagerly so address and port range problems surface at startup, not on the
// first call.
func New(core janus.Core, cfg Config) (*Plugin, error) {
	if core == nil {
		return nil, errors.New("nosip: nil core")
	}
	st, err := cfg.resolve()
	if err != nil {
		return nil, fmt.Errorf("nosip: %w", err)
	}
	p := &Plugin{
		core:     core,
		settings: st,
		ports: media.NewPortAllocator(media.PortConfig{
			IP:        st.localIP,
			Start:     st.portMin,
			End:       st.portMax,
			DSCPAudio: st.dscpAudio,
			DSCPVideo: st.dscpVideo,
		}),
		sessions: newRegistry(),
		metrics:  newMetrics(cfg.MetricsRegistry),
		queue:    make(chan *pluginMessage, queueSize),
		quit:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.handlerLoop()
	log.Info().Str("local_ip", st.localIP.String()).Str("sdp_ip", st.sdpIP).
		Int("port_min", st.portMin).Int("port_max", st.portMax).
		Msg("NoSIP plugin initialized")
	return p, nil
}

// Info reports the plugin identity to the core.
func (p *Plugin) Info() janus.PluginInfo {
	return janus.PluginInfo{Package: pluginPackage, Name: pluginName, Version: pluginVersion}
}

// Close tears down every live session and stops the handler loop. The core
// must not call into the plugin once Close returns.
func (p *Plugin) Close() error {
	if p.stopping.Swap(true) {
		return nil
	}
	for _, s := range p.sessions.drain() {
		p.hangupSession(s)
		s.destroyed.Store(true)
		s.lifecycle.SetState(stateDestroyed)
		s.kickWorker()
	}
	close(p.quit)
	p.wg.Wait()
	log.Info().Msg("NoSIP plugin destroyed")
	return nil
}

func (p *Plugin) CreateSession(h *janus.Handle) error {
	if p.stopping.Load() {
		return errors.New("plugin is stopping")
	}
	if h == nil {
		return errors.New("nil handle")
	}
	s := newSession(h)
	p.sessions.add(h, s)
	p.metrics.sessionCreated()
	log.Debug().Str("session", s.id).Msg("Created session")
	return nil
}

func (p *Plugin) DestroySession(h *janus.Handle) error {
	if p.stopping.Load() {
		return errors.New("plugin is stopping")
	}
	s := p.sessions.lookup(h)
	if s == nil {
		return errors.New("no session associated with this handle")
	}
	log.Debug().Str("session", s.id).Msg("Destroying session")
	p.hangupSession(s)
	p.sessions.remove(h)
	s.destroyed.Store(true)
	s.lifecycle.SetState(stateDestroyed)
	s.kickWorker()
	p.metrics.sessionDestroyed()
	return nil
}

// SetupMedia is invoked by the core when the PeerConnection goes up.
func (p *Plugin) SetupMedia(h *janus.Handle) error {
	s := p.sessions.lookup(h)
	if s == nil {
		return errors.New("no session associated with this handle")
	}
	if s.destroyed.Load() {
		return errors.New("session has been destroyed")
	}
	log.Info().Str("session", s.id).Msg("WebRTC media is now available")
	s.hangingUp.Store(false)
	return nil
}

// HangupMedia is invoked by the core when the PeerConnection goes down,
// either on the client's initiative or ours.
func (p *Plugin) HangupMedia(h *janus.Handle) {
	s := p.sessions.lookup(h)
	if s == nil {
		return
	}
	log.Info().Str("session", s.id).Msg("No WebRTC media anymore")
	p.hangupSession(s)
}

// hangupSession stops the media flow of a session. Safe to call repeatedly;
// only the first call does the work. The hanging-up flag stays latched until
// the next negotiation or PeerConnection setup clears it.
func (p *Plugin) hangupSession(s *session) {
	if s.destroyed.Load() {
		return
	}
	if s.hangingUp.Swap(true) {
		return
	}
	s.lifecycleHangingUp()
	s.video.simulcastSSRC.Store(0)
	s.kickWorker()
	if !s.workerStarted.Load() {
		// No relay worker around to clean up after itself.
		s.mu.Lock()
		s.cleanupMediaLocked()
		s.mu.Unlock()
		s.lifecycleSettle()
	}
	s.closeRecorders()
}

// HandleMessage queues a client request for the handler loop. Requests of a
// session are answered in order, asynchronously.
func (p *Plugin) HandleMessage(h *janus.Handle, transaction string, msg json.RawMessage, jsep *janus.JSEP) error {
	if p.stopping.Load() {
		return errors.New("shutting down")
	}
	s := p.sessions.lookup(h)
	if s == nil {
		return errors.New("no session associated with this handle")
	}
	if s.destroyed.Load() {
		return errors.New("session has been destroyed")
	}
	m := &pluginMessage{session: s, transaction: transaction, body: msg, jsep: jsep}
	select {
	case p.queue <- m:
		return nil
	case <-p.quit:
		return errors.New("shutting down")
	}
}

// IncomingRTP forwards a WebRTC RTP packet to the RTP peer, protecting it
// first when the leg runs SDES-SRTP.
func (p *Plugin) IncomingRTP(h *janus.Handle, pkt *janus.RTPPacket) {
	if h == nil || h.Stopped() || p.stopping.Load() {
		return
	}
	s := p.sessions.lookup(h)
	if s == nil || s.destroyed.Load() || len(pkt.Data) < 12 {
		return
	}
	ms := s.mediaState(pkt.Video)
	if !ms.sendAllowed.Load() {
		return
	}
	if pkt.Video {
		if base := ms.simulcastSSRC.Load(); base != 0 && media.RTPSSRC(pkt.Data) != base {
			log.Debug().Str("session", s.id).Msg("Dropping packet (not base simulcast substream)")
			return
		}
	}
	if ms.localSSRC.Load() == 0 {
		ms.localSSRC.Store(media.RTPSSRC(pkt.Data))
		log.Debug().Str("session", s.id).Str("media", ms.kind()).
			Uint32("ssrc", ms.localSSRC.Load()).Msg("Got WebRTC SSRC")
	}
	conn := ms.rtpConn.Load()
	if conn == nil {
		return
	}
	// Recorders capture the cleartext frame, before any SRTP protection.
	s.saveFrame(false, pkt.Video, pkt.Data)
	data := pkt.Data
	if ctx := ms.srtpOut.Load(); ctx != nil {
		protected, err := ctx.ProtectRTP(data)
		if err != nil {
			log.Error().Err(err).Str("session", s.id).Str("media", ms.kind()).
				Uint32("ts", media.RTPTimestamp(data)).Uint16("seq", media.RTPSequence(data)).
				Msg("SRTP protect error")
			p.metrics.srtpError("out", ms.kind())
			return
		}
		data = protected
	}
	if _, err := conn.Write(data); err != nil {
		log.Trace().Err(err).Str("session", s.id).Str("media", ms.kind()).Msg("Error sending RTP packet")
		return
	}
	p.metrics.relayed("out", ms.kind())
}

// IncomingRTCP forwards WebRTC RTCP to the RTP peer, rewriting the SSRCs so
// feedback refers to the streams the peer actually sees.
func (p *Plugin) IncomingRTCP(h *janus.Handle, pkt *janus.RTCPPacket) {
	if h == nil || h.Stopped() || p.stopping.Load() {
		return
	}
	s := p.sessions.lookup(h)
	if s == nil || s.destroyed.Load() {
		return
	}
	ms := s.mediaState(pkt.Video)
	conn := ms.rtcpConn.Load()
	if conn == nil {
		return
	}
	data, err := media.FixSSRC(pkt.Data, ms.localSSRC.Load(), ms.peerSSRC.Load())
	if err != nil {
		// Unparsable compound packet, relay it as is.
		data = pkt.Data
	}
	ms.outMu.Lock()
	defer ms.outMu.Unlock()
	if ctx := ms.srtpOut.Load(); ctx != nil {
		protected, err := ctx.ProtectRTCP(data)
		if err != nil {
			log.Error().Err(err).Str("session", s.id).Str("media", ms.kind()).Msg("SRTCP protect error")
			p.metrics.srtpError("out", ms.kind())
			return
		}
		data = protected
	}
	if _, err := conn.Write(data); err != nil {
		log.Trace().Err(err).Str("session", s.id).Str("media", ms.kind()).Msg("Error sending RTCP packet")
	}
}

// sendPLI asks the RTP peer for a keyframe, the outbound counterpart of
// core.SendPLI.
func (p *Plugin) sendPLI(s *session) {
	if s.destroyed.Load() {
		return
	}
	ms := &s.video
	conn := ms.rtcpConn.Load()
	if conn == nil {
		return
	}
	pli, err := media.BuildPLI(ms.localSSRC.Load(), ms.peerSSRC.Load())
	if err != nil {
		return
	}
	ms.outMu.Lock()
	defer ms.outMu.Unlock()
	if ctx := ms.srtpOut.Load(); ctx != nil {
		protected, err := ctx.ProtectRTCP(pli)
		if err != nil {
			log.Error().Err(err).Str("session", s.id).Msg("SRTCP protect error")
			return
		}
		pli = protected
	}
	log.Debug().Str("session", s.id).Msg("Sending PLI to the RTP peer")
	if _, err := conn.Write(pli); err != nil {
		log.Trace().Err(err).Str("session", s.id).Msg("Error sending PLI")
	}
}

// sessionInfo is the QuerySession report served to the admin API.
type sessionInfo struct {
	SRTPRequired string            `json:"srtp-required,omitempty"`
	SDESLocal    string            `json:"sdes-local,omitempty"`
	SDESRemote   string            `json:"sdes-remote,omitempty"`
	Recording    map[string]string `json:"recording,omitempty"`
	HangingUp    int               `json:"hangingup"`
	Destroyed    int               `json:"destroyed"`
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func (p *Plugin) QuerySession(h *janus.Handle) (any, error) {
	if p.stopping.Load() {
		return nil, errors.New("plugin is stopping")
	}
	s := p.sessions.lookup(h)
	if s == nil {
		return nil, errors.New("no session associated with this handle")
	}
	info := &sessionInfo{}
	s.mu.Lock()
	if s.sdp != nil {
		info.SRTPRequired = yesNo(s.requireSRTP)
		info.SDESLocal = yesNo(s.hasSRTPLocal)
		info.SDESRemote = yesNo(s.hasSRTPRemote)
	}
	s.mu.Unlock()
	info.Recording = s.recordingInfo()
	if s.hangingUp.Load() {
		info.HangingUp = 1
	}
	if s.destroyed.Load() {
		info.Destroyed = 1
	}
	return info, nil
}

// allocatePortsLocked binds local RTP/RTCP sockets for every negotiated
// medium that doesn't have them yet. Callers hold s.mu. Outside an update
// the previous sockets are dropped first so a renegotiation starts from
// clean local state; the peer's SSRC bookkeeping survives on purpose.
func (p *Plugin) allocatePortsLocked(s *session, update bool) error {
	if !update {
		s.audio.closeSockets()
		s.video.closeSockets()
	}
	for _, ms := range []*mediaState{&s.audio, &s.video} {
		if !ms.enabled || (ms.rtpPort != 0 && ms.rtcpPort != 0) {
			continue
		}
		pair, err := p.ports.AllocatePair(ms.video)
		if err != nil {
			p.metrics.portFailure()
			return err
		}
		if c := ms.rtpConn.Swap(pair.RTP); c != nil {
			c.Close()
		}
		if c := ms.rtcpConn.Swap(pair.RTCP); c != nil {
			c.Close()
		}
		ms.rtpPort = pair.RTPPort
		ms.rtcpPort = pair.RTCPPort
		log.Debug().Str("session", s.id).Str("media", ms.kind()).
			Int("rtp_port", ms.rtpPort).Int("rtcp_port", ms.rtcpPort).Msg("Bound local ports")
	}
	if update {
		s.notifyUpdate()
	}
	return nil
}
