// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package nosip

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog/log"

	"github.com/shrhoads/janus-gateway/media"
)

// Header extension URNs whose negotiated ids the relay parses back out of
// peer packets.
const (
	extmapAudioLevel       = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	extmapVideoOrientation = "urn:3gpp:video-orientation"
)

// processDescription digests a peer description: remote addresses and ports,
// send directions, SRTP crypto lines, PLI feedback and, for answers, the
// negotiated payload types. It reports whether an update moved any remote
// endpoint, and in that case flags the relay worker to reconnect.
// Callers hold s.mu.
func (s *session) processDescription(sd *sdp.SessionDescription, answer, update bool) bool {
	changed := false
	opusredPT := -1
	if answer {
		opusredPT = findOpusRedPT(sd)
	}
	if addr := connectionAddress(sd.ConnectionInformation); addr != "" {
		if update && (s.audio.remoteIP != addr || s.video.remoteIP != addr) {
			changed = true
		}
		// The session-level c= seeds both media; media-level ones override
		// below.
		s.audio.remoteIP = addr
		s.video.remoteIP = addr
	}
	for _, m := range sd.MediaDescriptions {
		if strings.EqualFold(strings.Join(m.MediaName.Protos, "/"), "RTP/SAVP") {
			s.requireSRTP = true
		}
		var ms *mediaState
		switch strings.ToLower(m.MediaName.Media) {
		case "audio":
			ms = &s.audio
		case "video":
			ms = &s.video
		default:
			log.Warn().Str("media", m.MediaName.Media).Msg("Unsupported media line (not audio/video)")
			continue
		}
		if port := m.MediaName.Port.Value; port > 0 {
			if port != ms.remoteRTPPort {
				changed = true
			}
			ms.enabled = true
			ms.remoteRTPPort = port
			// Barebone SDP carries no rtcp attribute, assume the next port.
			ms.remoteRTCPPort = port + 1
			ms.sendAllowed.Store(directionAllowsSend(m))
		} else {
			ms.sendAllowed.Store(false)
		}
		if addr := connectionAddress(m.ConnectionInformation); addr != "" {
			if update && ms.remoteIP != addr {
				changed = true
			}
			ms.remoteIP = addr
		}
		for _, a := range m.Attributes {
			switch {
			case strings.EqualFold(a.Key, "crypto"):
				s.parseCryptoLocked(ms, a.Value, answer)
			case ms.video && strings.EqualFold(a.Key, "rtcp-fb") && strings.Contains(a.Value, " pli"):
				ms.pliSupported = true
			}
		}
		if answer {
			resolveNegotiatedPT(ms, m, opusredPT)
		}
	}
	if update && changed {
		s.notifyUpdate()
	}
	return changed
}

// parseCryptoLocked digests one crypto attribute. The first valid line wins;
// answers must carry the tag we offered; malformed lines and unsupported
// profiles are skipped. A good line installs the inbound context and records
// the negotiated profile for our own crypto. Callers hold s.mu.
func (s *session) parseCryptoLocked(ms *mediaState, value string, answer bool) {
	if ms.srtpIn.Load() != nil {
		// Remote SRTP is already set
		return
	}
	fields := strings.Fields(value)
	if len(fields) < 3 {
		log.Warn().Str("crypto", value).Msg("Failed to parse crypto line, ignoring")
		return
	}
	inline, hasInline := strings.CutPrefix(fields[2], "inline:")
	tag, err := strconv.Atoi(fields[0])
	if !hasInline || err != nil {
		log.Warn().Str("crypto", value).Msg("Failed to parse crypto line, ignoring")
		return
	}
	if answer && tag != ms.srtpTag {
		// Not the tag for the crypto line we offered
		return
	}
	profile, ok := media.ParseProfile(fields[1])
	if !ok {
		log.Warn().Str("profile", fields[1]).Msg("Unsupported SRTP profile, ignoring crypto line")
		return
	}
	// Key parameters like lifetime or MKI may trail the key itself.
	inline, _, _ = strings.Cut(inline, "|")
	ctx, err := media.DecodeCrypto(profile, inline)
	if err != nil {
		log.Warn().Err(err).Str("media", ms.kind()).Msg("Could not import remote SRTP crypto")
		return
	}
	if old := ms.srtpIn.Swap(ctx); old != nil {
		old.Close()
	}
	ms.srtpTag = tag
	s.srtpProfile = profile
	s.hasSRTPRemote = true
	log.Debug().Str("media", ms.kind()).Str("profile", profile.String()).Msg("Inbound SRTP context created")
}

// manipulateDescription rewrites a locally produced description into the
// barebone form sent to the peer: advertised addresses, allocated ports, the
// negotiated transport profile and, when local SRTP is on, our crypto lines.
// Callers hold s.mu; local ports must already be allocated.
func (s *session) manipulateDescription(sd *sdp.SessionDescription, answer bool, advertiseIP string) (string, error) {
	proto := "RTP/AVP"
	if s.requireSRTP {
		proto = "RTP/SAVP"
	}
	log.Debug().Str("proto", proto).Msg("Setting protocol")
	if sd.ConnectionInformation != nil {
		sd.ConnectionInformation = connectionFor(advertiseIP)
	}
	opusredPT := -1
	if answer {
		opusredPT = findOpusRedPT(sd)
	}
	for _, m := range sd.MediaDescriptions {
		m.MediaName.Protos = strings.Split(proto, "/")
		var ms *mediaState
		switch strings.ToLower(m.MediaName.Media) {
		case "audio":
			ms = &s.audio
		case "video":
			ms = &s.video
		}
		if ms != nil {
			m.MediaName.Port = sdp.RangedPort{Value: ms.rtpPort}
			if s.hasSRTPLocal {
				if err := s.ensureLocalCryptoLocked(ms); err != nil {
					return "", err
				}
				m.Attributes = append(m.Attributes, sdp.Attribute{
					Key:   "crypto",
					Value: fmt.Sprintf("%d %s inline:%s", ms.srtpTag, ms.localProfile, ms.localCrypto),
				})
			}
		}
		m.ConnectionInformation = connectionFor(advertiseIP)
		if ms != nil && answer {
			resolveNegotiatedPT(ms, m, opusredPT)
		}
	}
	out, err := sd.Marshal()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ensureLocalCryptoLocked lazily generates this media's outbound SRTP key
// with the session profile, once. Callers hold s.mu.
func (s *session) ensureLocalCryptoLocked(ms *mediaState) error {
	if ms.localProfile == "" || ms.localCrypto == "" {
		profile := s.srtpProfile
		if profile == 0 {
			profile = media.ProfileAESCM128HMACSHA1_80
		}
		ctx, inline, err := media.GenerateCrypto(profile)
		if err != nil {
			return err
		}
		if old := ms.srtpOut.Swap(ctx); old != nil {
			old.Close()
		}
		ms.localProfile = profile.String()
		ms.localCrypto = inline
		log.Debug().Str("media", ms.kind()).Str("profile", ms.localProfile).Msg("Outbound SRTP context created")
	}
	if ms.srtpTag == 0 {
		ms.srtpTag = 1
	}
	return nil
}

// learnExtensionIDs picks up the header extension ids negotiated on the
// WebRTC side, so the relay can parse the same extensions out of peer
// packets. Descriptions without an extmap leave the known ids alone, the
// peer's barebone answer must not unlearn what the browser negotiated.
func (s *session) learnExtensionIDs(sd *sdp.SessionDescription) {
	if id := extensionID(sd, extmapAudioLevel); id > 0 {
		s.audio.extensionID.Store(int32(id))
	}
	if id := extensionID(sd, extmapVideoOrientation); id > 0 {
		s.video.extensionID.Store(int32(id))
	}
}

// extensionID finds the extmap id bound to a URN anywhere in the
// description, -1 when absent. Values look like "<id>[/direction] <urn>".
func extensionID(sd *sdp.SessionDescription, urn string) int {
	for _, m := range sd.MediaDescriptions {
		for _, a := range m.Attributes {
			if !strings.EqualFold(a.Key, "extmap") {
				continue
			}
			fields := strings.Fields(a.Value)
			if len(fields) < 2 || !strings.EqualFold(fields[1], urn) {
				continue
			}
			idPart, _, _ := strings.Cut(fields[0], "/")
			if id, err := strconv.Atoi(idPart); err == nil {
				return id
			}
		}
	}
	return -1
}

// resolveNegotiatedPT records the negotiated payload type and codec name
// from an answer's first format. An opus RED payload in first position is
// kept aside and the actual audio codec comes from the next format.
func resolveNegotiatedPT(ms *mediaState, m *sdp.MediaDescription, opusredPT int) {
	formats := m.MediaName.Formats
	if len(formats) == 0 {
		return
	}
	pt, err := strconv.Atoi(formats[0])
	if err != nil || pt < 0 {
		return
	}
	if !ms.video && opusredPT != -1 && pt == opusredPT {
		ms.redPT = pt
		ms.pt = -1
		if len(formats) > 1 {
			if next, err := strconv.Atoi(formats[1]); err == nil {
				ms.pt = next
			}
		}
	} else {
		ms.pt = pt
	}
	ms.ptName = codecNameFor(m, ms.pt)
}

// codecNameFor resolves a payload type's codec name from the media's rtpmap,
// falling back to the static assignments for payload types that need no
// rtpmap at all.
func codecNameFor(m *sdp.MediaDescription, pt int) string {
	if pt < 0 {
		return ""
	}
	prefix := strconv.Itoa(pt) + " "
	for _, a := range m.Attributes {
		if !strings.EqualFold(a.Key, "rtpmap") || !strings.HasPrefix(a.Value, prefix) {
			continue
		}
		name := strings.TrimPrefix(a.Value, prefix)
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[:i]
		}
		return strings.ToLower(strings.TrimSpace(name))
	}
	return media.StaticPayloadName(pt)
}

// findOpusRedPT returns the payload type advertising red/48000/2 on an audio
// media, or -1.
func findOpusRedPT(sd *sdp.SessionDescription) int {
	for _, m := range sd.MediaDescriptions {
		if !strings.EqualFold(m.MediaName.Media, "audio") {
			continue
		}
		for _, a := range m.Attributes {
			if !strings.EqualFold(a.Key, "rtpmap") {
				continue
			}
			fields := strings.Fields(a.Value)
			if len(fields) == 2 && strings.EqualFold(fields[1], "red/48000/2") {
				if pt, err := strconv.Atoi(fields[0]); err == nil {
					return pt
				}
			}
		}
	}
	return -1
}

// directionAllowsSend reports whether the peer wants to receive this media.
// sendonly and inactive from their side mean we must not send.
func directionAllowsSend(m *sdp.MediaDescription) bool {
	for _, a := range m.Attributes {
		switch strings.ToLower(a.Key) {
		case "sendonly", "inactive":
			return false
		case "sendrecv", "recvonly":
			return true
		}
	}
	return true
}

func connectionAddress(ci *sdp.ConnectionInformation) string {
	if ci == nil || ci.Address == nil {
		return ""
	}
	return ci.Address.Address
}

func connectionFor(ip string) *sdp.ConnectionInformation {
	addrType := "IP4"
	if strings.Contains(ip, ":") {
		addrType = "IP6"
	}
	return &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: addrType,
		Address:     &sdp.Address{Address: ip},
	}
}
