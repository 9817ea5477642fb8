// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package nosip

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	janus "github.com/shrhoads/janus-gateway"
	"github.com/shrhoads/janus-gateway/media"
)

// relayErrorMax is how many consecutive socket errors the relay tolerates
// before declaring the peer unreachable and closing the PeerConnection. A
// successful read resets the count.
const relayErrorMax = 100

// relayBufferSize fits any RTP/RTCP packet on a standard-MTU path.
const relayBufferSize = 1500

// startRelay spawns the relay worker for a session unless one is already
// running. Called once a negotiation round completes with an answer.
func (p *Plugin) startRelay(s *session) {
	if s.workerStarted.Swap(true) {
		return
	}
	p.metrics.workerStarted()
	// Force a connect pass on entry so sockets learned during negotiation
	// are wired before the first packet.
	s.updated.Store(true)
	go p.runRelay(s)
}

// runRelay is the per-session relay worker. It owns the remote side of both
// media sockets: it (re)connects them whenever the negotiated addresses
// change and keeps one reader goroutine per bound socket pumping packets
// towards the WebRTC user. It exits when the session hangs up or is
// destroyed, tearing the media state down on the way out.
func (p *Plugin) runRelay(s *session) {
	log.Info().Str("session", s.id).Msg("Starting relay worker")

	var readers sync.WaitGroup
	var socketErrors atomic.Int32
	running := make(map[*net.UDPConn]bool)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for !s.destroyed.Load() && !s.hangingUp.Load() {
		if s.updated.Swap(false) {
			p.connectMedia(s)
		}
		p.ensureReaders(s, &readers, running, &socketErrors)
		select {
		case <-s.wakeup:
		case <-ticker.C:
		}
	}

	// Close the sockets first so blocked readers return, then finish the
	// cleanup under the session mutex.
	s.mu.Lock()
	s.audio.closeTransport()
	s.video.closeTransport()
	s.mu.Unlock()
	readers.Wait()

	s.mu.Lock()
	s.cleanupMediaLocked()
	s.mu.Unlock()
	s.workerStarted.Store(false)
	s.lifecycleSettle()
	p.metrics.workerStopped()
	log.Info().Str("session", s.id).Msg("Leaving relay worker")
}

// connectMedia resolves the freshly negotiated remote addresses and
// (re)connects each media's sockets to them. Audio and video are handled
// independently so one failing does not take the other down.
func (p *Plugin) connectMedia(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio.remoteIP == "" && s.video.remoteIP == "" {
		log.Error().Str("session", s.id).Msg("Couldn't update session details: no remote IP addresses")
		return
	}
	connectMediaLocked(s.id, &s.audio)
	connectMediaLocked(s.id, &s.video)
}

func connectMediaLocked(id string, ms *mediaState) {
	// "0.0.0.0" is the on-hold placeholder, not a destination.
	if ms.remoteIP == "" || ms.remoteIP == "0.0.0.0" {
		return
	}
	addr, err := net.ResolveIPAddr("ip", ms.remoteIP)
	if err != nil {
		log.Error().Err(err).Str("session", id).Str("media", ms.kind()).
			Str("address", ms.remoteIP).Msg("Couldn't resolve remote address")
		return
	}
	if conn := ms.rtpConn.Load(); conn != nil && ms.remoteRTPPort > 0 {
		raddr := &net.UDPAddr{IP: addr.IP, Zone: addr.Zone, Port: ms.remoteRTPPort}
		if err := media.ConnectUDP(conn, raddr); err != nil {
			log.Error().Err(err).Str("session", id).Str("media", ms.kind()).Msg("Couldn't connect RTP socket")
		}
	}
	if conn := ms.rtcpConn.Load(); conn != nil && ms.remoteRTCPPort > 0 {
		raddr := &net.UDPAddr{IP: addr.IP, Zone: addr.Zone, Port: ms.remoteRTCPPort}
		if err := media.ConnectUDP(conn, raddr); err != nil {
			log.Error().Err(err).Str("session", id).Str("media", ms.kind()).Msg("Couldn't connect RTCP socket")
		}
	}
}

// ensureReaders starts one reader goroutine per bound socket. Sockets live
// for the whole session (renegotiations reconnect them in place), so each
// reader starts at most once.
func (p *Plugin) ensureReaders(s *session, wg *sync.WaitGroup, running map[*net.UDPConn]bool, errs *atomic.Int32) {
	for _, ms := range []*mediaState{&s.audio, &s.video} {
		if conn := ms.rtpConn.Load(); conn != nil && !running[conn] {
			running[conn] = true
			wg.Add(1)
			go p.readRTP(s, ms, conn, wg, errs)
		}
		if conn := ms.rtcpConn.Load(); conn != nil && !running[conn] {
			running[conn] = true
			wg.Add(1)
			go p.readRTCP(s, ms, conn, wg, errs)
		}
	}
}

// readRTP pumps one media's RTP socket towards the WebRTC user until the
// socket closes: unprotect if the peer talks SRTP, rewrite the header for
// SSRC continuity across renegotiations, record, parse the negotiated
// header extensions and hand the packet to the core.
func (p *Plugin) readRTP(s *session, ms *mediaState, conn *net.UDPConn, wg *sync.WaitGroup, errs *atomic.Int32) {
	defer wg.Done()
	buf := make([]byte, relayBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.destroyed.Load() || s.hangingUp.Load() {
				return
			}
			if p.socketError(s, errs) {
				return
			}
			continue
		}
		errs.Store(0)
		pkt := buf[:n]
		if !media.IsRTP(pkt) {
			continue
		}
		if ms.peerSSRC.Load() == 0 {
			ms.peerSSRC.Store(media.RTPSSRC(pkt))
			log.Debug().Str("session", s.id).Str("media", ms.kind()).
				Uint32("ssrc", ms.peerSSRC.Load()).Msg("Got peer SSRC")
		}
		if ctx := ms.srtpIn.Load(); ctx != nil {
			out, err := ctx.UnprotectRTP(pkt)
			if err != nil {
				if !media.IsReplay(err) {
					log.Error().Err(err).Str("session", s.id).Str("media", ms.kind()).
						Int("len", n).Msg("SRTP unprotect error")
					p.metrics.srtpError("in", ms.kind())
				}
				continue
			}
			pkt = out
		}
		// Keep sequence numbers and timestamps monotonic across
		// renegotiations, and present the first SSRC we saw even if the
		// peer changed theirs.
		ms.switching.Update(pkt)
		media.SetRTPSSRC(pkt, ms.peerSSRC.Load())
		s.saveFrame(true, ms.video, pkt)
		rtp := janus.RTPPacket{Video: ms.video, Data: pkt}
		rtp.Extensions.Reset()
		if id := ms.extensionID.Load(); id > 0 {
			if ms.video {
				if rotation, back, flipped, ok := media.ParseVideoOrientation(pkt, uint8(id)); ok {
					rtp.Extensions.VideoRotation = rotation
					rtp.Extensions.VideoBackCamera = back
					rtp.Extensions.VideoFlipped = flipped
				}
			} else {
				if level, vad, ok := media.ParseAudioLevel(pkt, uint8(id)); ok {
					rtp.Extensions.AudioLevel = level
					rtp.Extensions.AudioLevelVAD = vad
				}
			}
		}
		if !s.handle.Stopped() {
			p.core.RelayRTP(s.handle, &rtp)
		}
		p.metrics.relayed("in", ms.kind())
	}
}

// readRTCP pumps one media's RTCP socket towards the WebRTC user. An ICMP
// "connection refused" means the peer never opened the RTCP port; that
// closes just this socket and leaves the media running on RTP alone.
func (p *Plugin) readRTCP(s *session, ms *mediaState, conn *net.UDPConn, wg *sync.WaitGroup, errs *atomic.Int32) {
	defer wg.Done()
	buf := make([]byte, relayBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.destroyed.Load() || s.hangingUp.Load() {
				return
			}
			if errors.Is(err, unix.ECONNREFUSED) {
				log.Warn().Str("session", s.id).Str("media", ms.kind()).
					Msg("Got a connection refused on the RTCP socket, closing it")
				if c := ms.rtcpConn.Swap(nil); c != nil {
					c.Close()
				}
				return
			}
			if p.socketError(s, errs) {
				return
			}
			continue
		}
		errs.Store(0)
		pkt := buf[:n]
		if !media.IsRTCP(pkt) {
			continue
		}
		if ctx := ms.srtpIn.Load(); ctx != nil {
			out, err := ctx.UnprotectRTCP(pkt)
			if err != nil {
				if !media.IsReplay(err) {
					log.Error().Err(err).Str("session", s.id).Str("media", ms.kind()).
						Int("len", n).Msg("SRTCP unprotect error")
					p.metrics.srtpError("in", ms.kind())
				}
				continue
			}
			pkt = out
		}
		if !s.handle.Stopped() {
			p.core.RelayRTCP(s.handle, &janus.RTCPPacket{Video: ms.video, Data: pkt})
		}
	}
}

// socketError counts one more consecutive error. Returns true when the
// tolerance is exhausted, after asking the core to close the PeerConnection;
// the ensuing hangup stops the worker.
func (p *Plugin) socketError(s *session, errs *atomic.Int32) bool {
	if errs.Add(1) < relayErrorMax {
		return false
	}
	log.Error().Str("session", s.id).Msg("Too many consecutive errors on the media sockets, closing the PeerConnection")
	p.core.ClosePeerConnection(s.handle)
	return true
}
