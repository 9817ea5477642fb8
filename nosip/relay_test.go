// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package nosip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	janus "github.com/shrhoads/janus-gateway"
	"github.com/shrhoads/janus-gateway/media"
)

// bindPeerPair binds an even/odd UDP pair on the loopback, standing in for
// the remote RTP peer.
func bindPeerPair(t *testing.T, base int) (rtpConn, rtcpConn *net.UDPConn, port int) {
	t.Helper()
	for p := base; p < base+100; p += 2 {
		a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: p})
		if err != nil {
			continue
		}
		b, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: p + 1})
		if err != nil {
			a.Close()
			continue
		}
		return a, b, p
	}
	t.Fatalf("no free UDP port pair near %d", base)
	return nil, nil, 0
}

func rtpBytes(t *testing.T, ssrc uint32, seq uint16, ts uint32, pt uint8, payload []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: pt, SequenceNumber: seq, Timestamp: ts, SSRC: ssrc},
		Payload: payload,
	}
	b, err := pkt.Marshal()
	require.NoError(t, err)
	return b
}

func rtpBytesExt(t *testing.T, ssrc uint32, seq uint16, ts uint32, pt uint8, payload []byte, extID uint8, ext []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: pt, SequenceNumber: seq, Timestamp: ts, SSRC: ssrc},
		Payload: payload,
	}
	require.NoError(t, pkt.Header.SetExtension(extID, ext))
	b, err := pkt.Marshal()
	require.NoError(t, err)
	return b
}

// negotiateAudio drives a full offer/answer against a plain RTP peer on the
// given loopback port and waits for the relay worker to come up.
func negotiateAudio(t *testing.T, p *Plugin, s *session, peerPort int) {
	t.Helper()
	_, _, err := runRequest(t, p, s, `{"request":"generate"}`, offerJSEP(browserOffer))
	require.NoError(t, err)
	answer := fmt.Sprintf("v=0\r\n"+
		"o=- 1 1 IN IP4 127.0.0.1\r\n"+
		"s=nosip\r\n"+
		"c=IN IP4 127.0.0.1\r\n"+
		"t=0 0\r\n"+
		"m=audio %d RTP/AVP 0\r\n"+
		"a=rtpmap:0 PCMU/8000\r\n", peerPort)
	_, _, err = runRequest(t, p, s,
		`{"request":"process","type":"answer","sdp":`+strconv.Quote(answer)+`}`, nil)
	require.NoError(t, err)
	require.True(t, s.workerStarted.Load())
}

func gwAudioAddr(s *session) *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.audio.rtpPort}
}

// pumpToPeer keeps handing the packet to the plugin until it shows up on the
// peer socket; the relay connects its sockets asynchronously.
func pumpToPeer(t *testing.T, p *Plugin, h *janus.Handle, peer *net.UDPConn, pkt []byte) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 1500)
	require.Eventually(t, func() bool {
		p.IncomingRTP(h, &janus.RTPPacket{Video: false, Data: pkt})
		peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := peer.ReadFromUDP(buf)
		if err != nil {
			return false
		}
		got = append([]byte(nil), buf[:n]...)
		return true
	}, 5*time.Second, 10*time.Millisecond, "peer never received the relayed packet")
	return got
}

func TestRelayBothDirections(t *testing.T) {
	p, core := newTestPlugin(t, "41200-41218")
	h, s := attach(t, p)
	peerRTP, peerRTCP, peerPort := bindPeerPair(t, 42000)
	defer peerRTP.Close()
	defer peerRTCP.Close()

	negotiateAudio(t, p, s, peerPort)
	gw := gwAudioAddr(s)

	// Peer to WebRTC: the relay renumbers the stream from scratch and parses
	// the negotiated audio-level extension.
	_, err := peerRTP.WriteToUDP(rtpBytesExt(t, 0xDEADBEEF, 100, 8000, 0, []byte{1, 2, 3}, 2, []byte{0x85}), gw)
	require.NoError(t, err)
	relayed := core.waitRTP(t)
	assert.False(t, relayed.Video)
	assert.Equal(t, uint32(0xDEADBEEF), media.RTPSSRC(relayed.Data))
	assert.Equal(t, uint16(1), media.RTPSequence(relayed.Data))
	assert.Equal(t, uint32(0), media.RTPTimestamp(relayed.Data))
	assert.Equal(t, int8(5), relayed.Extensions.AudioLevel)
	assert.True(t, relayed.Extensions.AudioLevelVAD)
	var decoded rtp.Packet
	require.NoError(t, decoded.Unmarshal(relayed.Data))
	assert.Equal(t, []byte{1, 2, 3}, decoded.Payload)

	// An upstream SSRC change keeps the relayed stream continuous.
	_, err = peerRTP.WriteToUDP(rtpBytes(t, 0xCAFEBABE, 9000, 1234567, 0, []byte{9}), gw)
	require.NoError(t, err)
	relayed = core.waitRTP(t)
	assert.Equal(t, uint32(0xDEADBEEF), media.RTPSSRC(relayed.Data), "peer SSRC is pinned on first sight")
	assert.Equal(t, uint16(2), media.RTPSequence(relayed.Data))
	assert.Equal(t, int8(-1), relayed.Extensions.AudioLevel, "this packet carried no extension")

	// WebRTC to peer: plain RTP goes out untouched.
	clear := rtpBytes(t, 0x11223344, 7, 160, 111, []byte("hello"))
	got := pumpToPeer(t, p, h, peerRTP, clear)
	assert.Equal(t, clear, got)
	assert.Equal(t, uint32(0x11223344), s.audio.localSSRC.Load())

	// WebRTC RTCP feedback reaches the peer with both SSRCs mapped onto the
	// streams the peer actually sees.
	rr, err := (&rtcp.ReceiverReport{SSRC: 0xAAAA, Reports: []rtcp.ReceptionReport{{SSRC: 0xBBBB}}}).Marshal()
	require.NoError(t, err)
	var fb []byte
	fbBuf := make([]byte, 1500)
	require.Eventually(t, func() bool {
		p.IncomingRTCP(h, &janus.RTCPPacket{Video: false, Data: rr})
		peerRTCP.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := peerRTCP.ReadFromUDP(fbBuf)
		if err != nil {
			return false
		}
		fb = append([]byte(nil), fbBuf[:n]...)
		return true
	}, 5*time.Second, 10*time.Millisecond)
	var report rtcp.ReceiverReport
	require.NoError(t, report.Unmarshal(fb))
	assert.Equal(t, uint32(0x11223344), report.SSRC)
	require.Len(t, report.Reports, 1)
	assert.Equal(t, uint32(0xDEADBEEF), report.Reports[0].SSRC)
}

func TestRelaySRTP(t *testing.T) {
	p, core := newTestPlugin(t, "41220-41238")
	h, s := attach(t, p)
	peerRTP, peerRTCP, peerPort := bindPeerPair(t, 42100)
	defer peerRTP.Close()
	defer peerRTCP.Close()

	res, _, err := runRequest(t, p, s, `{"request":"generate","srtp":"sdes_optional"}`, offerJSEP(browserOffer))
	require.NoError(t, err)
	m := regexp.MustCompile(`a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:([A-Za-z0-9+/=]+)`).FindStringSubmatch(res.SDP)
	require.Len(t, m, 2, "generated SDP must offer our audio key")
	peerRx, err := media.DecodeCrypto(media.ProfileAESCM128HMACSHA1_80, m[1])
	require.NoError(t, err)
	peerTx, peerInline, err := media.GenerateCrypto(media.ProfileAESCM128HMACSHA1_80)
	require.NoError(t, err)

	answer := fmt.Sprintf("v=0\r\n"+
		"o=- 1 1 IN IP4 127.0.0.1\r\n"+
		"s=nosip\r\n"+
		"c=IN IP4 127.0.0.1\r\n"+
		"t=0 0\r\n"+
		"m=audio %d RTP/AVP 0\r\n"+
		"a=rtpmap:0 PCMU/8000\r\n"+
		"a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:%s\r\n", peerPort, peerInline)
	pres, _, err := runRequest(t, p, s,
		`{"request":"process","type":"answer","sdp":`+strconv.Quote(answer)+`}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "sdes_optional", pres.SRTP)
	gw := gwAudioAddr(s)

	// Peer to WebRTC arrives protected and is relayed in cleartext.
	clearIn := rtpBytes(t, 0xDEADBEEF, 50, 1600, 0, []byte{1, 2, 3, 4})
	protected, err := peerTx.ProtectRTP(clearIn)
	require.NoError(t, err)
	_, err = peerRTP.WriteToUDP(protected, gw)
	require.NoError(t, err)
	relayed := core.waitRTP(t)
	var decoded rtp.Packet
	require.NoError(t, decoded.Unmarshal(relayed.Data))
	assert.Equal(t, []byte{1, 2, 3, 4}, decoded.Payload)
	assert.Equal(t, uint16(1), media.RTPSequence(relayed.Data))

	// A replayed packet is dropped without noise.
	_, err = peerRTP.WriteToUDP(protected, gw)
	require.NoError(t, err)
	select {
	case pkt := <-core.rtpCh:
		t.Fatalf("replayed packet was relayed: % x", pkt.Data)
	case <-time.After(300 * time.Millisecond):
	}

	// WebRTC to peer goes out protected with our offered key.
	out := rtpBytes(t, 0x11223344, 7, 160, 111, []byte("secret"))
	got := pumpToPeer(t, p, h, peerRTP, out)
	assert.NotEqual(t, out, got)
	assert.Equal(t, len(out)+10, len(got), "AES_CM_128_HMAC_SHA1_80 adds a 10-byte tag")
	plain, err := peerRx.UnprotectRTP(got)
	require.NoError(t, err)
	assert.Equal(t, out, plain)
}

func TestKeyframeToPeer(t *testing.T) {
	p, core := newTestPlugin(t, "41240-41258")
	_, s := attach(t, p)
	peerARTP, peerARTCP, peerAPort := bindPeerPair(t, 42200)
	defer peerARTP.Close()
	defer peerARTCP.Close()
	peerVRTP, peerVRTCP, peerVPort := bindPeerPair(t, 42210)
	defer peerVRTP.Close()
	defer peerVRTCP.Close()

	_, _, err := runRequest(t, p, s, `{"request":"generate"}`, offerJSEP(browserOffer))
	require.NoError(t, err)
	answer := fmt.Sprintf("v=0\r\n"+
		"o=- 1 1 IN IP4 127.0.0.1\r\n"+
		"s=nosip\r\n"+
		"c=IN IP4 127.0.0.1\r\n"+
		"t=0 0\r\n"+
		"m=audio %d RTP/AVP 0\r\n"+
		"a=rtpmap:0 PCMU/8000\r\n"+
		"m=video %d RTP/AVP 96\r\n"+
		"a=rtpmap:96 VP8/90000\r\n"+
		"a=rtcp-fb:96 nack pli\r\n", peerAPort, peerVPort)
	_, _, err = runRequest(t, p, s,
		`{"request":"process","type":"answer","sdp":`+strconv.Quote(answer)+`}`, nil)
	require.NoError(t, err)
	s.mu.Lock()
	supported := s.video.pliSupported
	s.mu.Unlock()
	require.True(t, supported)

	s.video.localSSRC.Store(0x11223344)
	s.video.peerSSRC.Store(0xDEADBEEF)

	var pli []byte
	buf := make([]byte, 1500)
	require.Eventually(t, func() bool {
		if _, _, err := runRequest(t, p, s, `{"request":"keyframe","peer":true}`, nil); err != nil {
			return false
		}
		peerVRTCP.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := peerVRTCP.ReadFromUDP(buf)
		if err != nil {
			return false
		}
		pli = append([]byte(nil), buf[:n]...)
		return true
	}, 5*time.Second, 10*time.Millisecond, "peer never received a PLI")

	require.Len(t, pli, 12)
	assert.Equal(t, uint8(0x81), pli[0], "version 2, FMT 1")
	assert.Equal(t, uint8(206), pli[1], "payload-specific feedback")
	assert.Equal(t, uint16(2), binary.BigEndian.Uint16(pli[2:4]))
	assert.Equal(t, uint32(0x11223344), binary.BigEndian.Uint32(pli[4:8]))
	assert.Equal(t, uint32(0xDEADBEEF), binary.BigEndian.Uint32(pli[8:12]))
	assert.Zero(t, core.plis.Load(), "only the peer leg was asked for a keyframe")
}

func TestProcessUpdateReconnects(t *testing.T) {
	p, _ := newTestPlugin(t, "41260-41278")
	h, s := attach(t, p)
	oldRTP, oldRTCP, oldPort := bindPeerPair(t, 42300)
	defer oldRTP.Close()
	defer oldRTCP.Close()
	newRTP, newRTCP, newPort := bindPeerPair(t, 42310)
	defer newRTP.Close()
	defer newRTCP.Close()

	negotiateAudio(t, p, s, oldPort)
	first := rtpBytes(t, 0x11223344, 7, 160, 111, []byte("one"))
	assert.Equal(t, first, pumpToPeer(t, p, h, oldRTP, first))

	// The peer moved ports; a new answer on an established session is
	// treated as an update even without the flag.
	answer := fmt.Sprintf("v=0\r\n"+
		"o=- 1 2 IN IP4 127.0.0.1\r\n"+
		"s=nosip\r\n"+
		"c=IN IP4 127.0.0.1\r\n"+
		"t=0 0\r\n"+
		"m=audio %d RTP/AVP 0\r\n"+
		"a=rtpmap:0 PCMU/8000\r\n", newPort)
	res, _, err := runRequest(t, p, s,
		`{"request":"process","type":"answer","sdp":`+strconv.Quote(answer)+`}`, nil)
	require.NoError(t, err)
	assert.True(t, res.Update)

	second := rtpBytes(t, 0x11223344, 8, 320, 111, []byte("two"))
	assert.Equal(t, second, pumpToPeer(t, p, h, newRTP, second))
	assert.True(t, s.workerStarted.Load(), "the same worker reconnects, no respawn")
}

func TestRTCPRefusalClosesSocket(t *testing.T) {
	p, _ := newTestPlugin(t, "41280-41298")
	h, s := attach(t, p)
	peerRTP, peerRTCP, peerPort := bindPeerPair(t, 42400)
	defer peerRTP.Close()

	negotiateAudio(t, p, s, peerPort)
	require.NoError(t, peerRTCP.Close())

	pli, err := media.BuildPLI(1, 2)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p.IncomingRTCP(h, &janus.RTCPPacket{Video: false, Data: pli})
		return s.audio.rtcpConn.Load() == nil
	}, 5*time.Second, 20*time.Millisecond, "RTCP socket should close once the peer refuses")
	assert.NotNil(t, s.audio.rtpConn.Load(), "the RTP leg stays up")

	// Further feedback has nowhere to go and is dropped.
	p.IncomingRTCP(h, &janus.RTCPPacket{Video: false, Data: pli})
}

func TestRecordingCapturesRelayedMedia(t *testing.T) {
	p, core := newTestPlugin(t, "41300-41318")
	_, s := attach(t, p)
	peerRTP, peerRTCP, peerPort := bindPeerPair(t, 42500)
	defer peerRTP.Close()
	defer peerRTCP.Close()

	negotiateAudio(t, p, s, peerPort)
	_, _, err := runRequest(t, p, s,
		`{"request":"recording","action":"start","peer_audio":true,"filename":"capture"}`, nil)
	require.NoError(t, err)

	gw := gwAudioAddr(s)
	payload := bytes.Repeat([]byte{0xFF}, 20)
	for i := 0; i < 3; i++ {
		_, err := peerRTP.WriteToUDP(rtpBytes(t, 0xABCD, uint16(100+i), uint32(160*i), 0, payload), gw)
		require.NoError(t, err)
		core.waitRTP(t)
	}

	path := filepath.Join(p.settings.recordingsDir, "capture-peer-audio.mjr")
	_, err = os.Stat(filepath.Join(p.settings.recordingsDir, "capture-peer-audio.wav"))
	assert.NoError(t, err, "G.711 recordings get a wav companion")

	_, _, err = runRequest(t, p, s, `{"request":"recording","action":"stop","peer_audio":true}`, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("MJR00002")))
	assert.Contains(t, string(data), `"c":"pcmu"`)
	assert.Contains(t, string(data), `"t":"a"`)
	assert.Equal(t, 3, bytes.Count(data, []byte("MEET")))

	// Media keeps flowing after the stop, but is no longer captured.
	_, err = peerRTP.WriteToUDP(rtpBytes(t, 0xABCD, 103, 480, 0, payload), gw)
	require.NoError(t, err)
	core.waitRTP(t)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, len(data), len(after))
}

func TestHangupStopsRelay(t *testing.T) {
	p, core := newTestPlugin(t, "41320-41338")
	h, s := attach(t, p)
	peerRTP, peerRTCP, peerPort := bindPeerPair(t, 42600)
	defer peerRTP.Close()
	defer peerRTCP.Close()

	negotiateAudio(t, p, s, peerPort)
	_, err := peerRTP.WriteToUDP(rtpBytes(t, 0xEE, 1, 0, 0, []byte{1}), gwAudioAddr(s))
	require.NoError(t, err)
	core.waitRTP(t)

	p.HangupMedia(h)
	require.Eventually(t, func() bool { return !s.workerStarted.Load() }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.lifecycle.Current() == stateIdle }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, s.hangingUp.Load(), "stays latched until the next negotiation")
	s.mu.Lock()
	port := s.audio.rtpPort
	s.mu.Unlock()
	assert.Zero(t, port)
	assert.Nil(t, s.audio.rtpConn.Load())

	// Orphaned media is dropped, not crashed on.
	p.IncomingRTP(h, &janus.RTPPacket{Data: rtpBytes(t, 2, 2, 0, 0, []byte{1})})

	require.NoError(t, p.SetupMedia(h))
	assert.False(t, s.hangingUp.Load())

	// The same session negotiates and relays again from scratch.
	negotiateAudio(t, p, s, peerPort)
	_, err = peerRTP.WriteToUDP(rtpBytes(t, 0xFF, 1, 0, 0, []byte{2}), gwAudioAddr(s))
	require.NoError(t, err)
	relayed := core.waitRTP(t)
	assert.Equal(t, uint32(0xFF), media.RTPSSRC(relayed.Data))

	require.NoError(t, p.DestroySession(h))
	assert.Nil(t, p.sessions.lookup(h))
}
