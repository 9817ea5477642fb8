// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package nosip

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	janus "github.com/shrhoads/janus-gateway"
	"github.com/shrhoads/janus-gateway/media"
)

// pluginMessage is one queued client request.
type pluginMessage struct {
	session     *session
	transaction string
	body        json.RawMessage
	jsep        *janus.JSEP
}

// pluginEvent is the envelope of every asynchronous reply.
type pluginEvent struct {
	NoSIP     string `json:"nosip"`
	Result    any    `json:"result,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// resultEvent is the result object of a successful request.
type resultEvent struct {
	Event  string `json:"event"`
	Type   string `json:"type,omitempty"`
	SDP    string `json:"sdp,omitempty"`
	SRTP   string `json:"srtp,omitempty"`
	Update bool   `json:"update,omitempty"`
}

// notifiedEvent is the description mirror handed to external event handlers.
type notifiedEvent struct {
	Event string `json:"event"`
	Type  string `json:"type"`
	SDP   string `json:"sdp"`
}

// jsonObject validates request fields: 443 for a missing mandatory
// element, 444 for a wrong type.
type jsonObject map[string]json.RawMessage

func (o jsonObject) requireString(key string) (string, error) {
	raw, ok := o[key]
	if !ok {
		return "", requestErrorf(ErrorMissingElement, "Missing mandatory element (%s)", key)
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", requestErrorf(ErrorInvalidElement, "Invalid element type (%s should be a string)", key)
	}
	return v, nil
}

func (o jsonObject) optString(key string) (string, error) {
	raw, ok := o[key]
	if !ok {
		return "", nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", requestErrorf(ErrorInvalidElement, "Invalid element type (%s should be a string)", key)
	}
	return v, nil
}

func (o jsonObject) optBool(key string) (bool, error) {
	raw, ok := o[key]
	if !ok {
		return false, nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, requestErrorf(ErrorInvalidElement, "Invalid element type (%s should be a boolean)", key)
	}
	return v, nil
}

// handlerLoop serializes every client request of this plugin instance.
func (p *Plugin) handlerLoop() {
	defer p.wg.Done()
	for {
		select {
		case m := <-p.queue:
			p.dispatch(m)
		case <-p.quit:
			return
		}
	}
}

func (p *Plugin) dispatch(m *pluginMessage) {
	if m.session.destroyed.Load() {
		return
	}
	result, jsep, err := p.handleRequest(m)
	if err != nil {
		var reqErr *RequestError
		if !errors.As(err, &reqErr) {
			reqErr = &RequestError{Code: ErrorUnknown, Reason: err.Error()}
		}
		log.Error().Str("session", m.session.id).Str("transaction", m.transaction).
			Int("code", int(reqErr.Code)).Msg(reqErr.Reason)
		event := &pluginEvent{NoSIP: "event", ErrorCode: int(reqErr.Code), Error: reqErr.Reason}
		if err := p.core.PushEvent(m.session.handle, m.transaction, event, nil); err != nil {
			log.Warn().Err(err).Str("session", m.session.id).Msg("Couldn't push error event to the user")
		}
		return
	}
	event := &pluginEvent{NoSIP: "event", Result: result}
	if err := p.core.PushEvent(m.session.handle, m.transaction, event, jsep); err != nil {
		log.Warn().Err(err).Str("session", m.session.id).Msg("Couldn't push event to the user")
	}
}

func (p *Plugin) handleRequest(m *pluginMessage) (*resultEvent, *janus.JSEP, error) {
	s := m.session
	if len(m.body) == 0 {
		return nil, nil, requestErrorf(ErrorNoMessage, "No message??")
	}
	var root jsonObject
	if err := json.Unmarshal(m.body, &root); err != nil {
		return nil, nil, requestErrorf(ErrorInvalidJSON, "JSON error: not an object")
	}
	request, err := root.requireString("request")
	if err != nil {
		return nil, nil, err
	}
	log.Debug().Str("session", s.id).Str("request", request).
		Str("transaction", m.transaction).Msg("Handling request")
	switch {
	case strings.EqualFold(request, "generate"), strings.EqualFold(request, "process"):
		return p.handleNegotiate(s, root, m.jsep, strings.EqualFold(request, "generate"))
	case strings.EqualFold(request, "hangup"):
		p.core.ClosePeerConnection(s.handle)
		return &resultEvent{Event: "hangingup"}, nil, nil
	case strings.EqualFold(request, "recording"):
		result, err := p.handleRecording(s, root)
		return result, nil, err
	case strings.EqualFold(request, "keyframe"):
		result, err := p.handleKeyframe(s, root)
		return result, nil, err
	default:
		return nil, nil, requestErrorf(ErrorInvalidRequest, "Unknown request (%s)", request)
	}
}

// handleNegotiate covers the two SDP requests: generate takes the local
// description attached as a JSEP and rewrites it into a barebone one for the
// peer; process takes the peer's barebone description from the request body
// and matches it against what we generated before.
func (p *Plugin) handleNegotiate(s *session, root jsonObject, jsep *janus.JSEP, generate bool) (*resultEvent, *janus.JSEP, error) {
	info, err := root.optString("info")
	if err != nil {
		return nil, nil, err
	}
	srtpMode, err := root.optString("srtp")
	if err != nil {
		return nil, nil, err
	}
	profileName, err := root.optString("srtp_profile")
	if err != nil {
		return nil, nil, err
	}
	var sdpText, typeText string
	var update bool
	if generate {
		if _, err := root.optBool("update"); err != nil {
			return nil, nil, err
		}
		if jsep != nil {
			sdpText = jsep.SDP
			typeText = jsep.Type.String()
			update = jsep.Update
		}
	} else {
		if typeText, err = root.requireString("type"); err != nil {
			return nil, nil, err
		}
		if sdpText, err = root.requireString("sdp"); err != nil {
			return nil, nil, err
		}
		if update, err = root.optBool("update"); err != nil {
			return nil, nil, err
		}
		if s.lifecycle.Current() == stateReady {
			// Anything processed on an established session is an update.
			update = true
		}
	}
	if sdpText == "" {
		return nil, nil, requestErrorf(ErrorMissingSDP, "Missing SDP")
	}
	if !strings.EqualFold(typeText, "offer") && !strings.EqualFold(typeText, "answer") {
		return nil, nil, requestErrorf(ErrorMissingSDP, "Missing or invalid SDP type")
	}
	answer := strings.EqualFold(typeText, "answer")
	typeText = sdpKind(answer)
	if strings.Contains(sdpText, "m=application") {
		return nil, nil, requestErrorf(ErrorMissingSDP, "The NoSIP plugin does not support DataChannels")
	}
	if jsep != nil && jsep.E2EE {
		// Media is encrypted, but the RTP peer needs cleartext frames.
		return nil, nil, requestErrorf(ErrorInvalidElement, "Media encryption unsupported by this plugin")
	}
	doSRTP, requireSRTP := false, false
	switch {
	case srtpMode == "":
	case strings.EqualFold(srtpMode, "sdes_optional"):
		doSRTP = true
	case strings.EqualFold(srtpMode, "sdes_mandatory"):
		doSRTP = true
		requireSRTP = true
	default:
		return nil, nil, requestErrorf(ErrorInvalidElement, "Invalid element (srtp can only be sdes_optional or sdes_mandatory)")
	}
	if err := s.checkNegotiation(answer); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	if !answer && !update {
		// A fresh offer starts over, drop SRTP leftovers from before.
		s.cleanupSRTPLocked()
	}
	s.requireSRTP = requireSRTP
	if generate {
		if answer {
			doSRTP = doSRTP || s.hasSRTPRemote
			if s.requireSRTP && !s.hasSRTPRemote {
				s.mu.Unlock()
				return nil, nil, requestErrorf(ErrorTooStrict, "Can't generate answer: SDES-SRTP required, but caller didn't offer it")
			}
		}
		s.hasSRTPLocal = doSRTP
		if doSRTP {
			profile := media.ProfileAESCM128HMACSHA1_80
			if profileName != "" {
				parsed, ok := media.ParseProfile(profileName)
				if !ok {
					s.mu.Unlock()
					return nil, nil, requestErrorf(ErrorInvalidElement, "Invalid element (unsupported SRTP profile)")
				}
				profile = parsed
			}
			if !answer {
				// Answers keep the profile learned from the caller's crypto
				// attribute instead of overriding it.
				s.srtpProfile = profile
			}
		}
	}
	s.mu.Unlock()

	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(sdpText)); err != nil {
		return nil, nil, requestErrorf(ErrorMissingSDP, "Error parsing SDP: %s", err)
	}
	s.learnExtensionIDs(parsed)

	var result *resultEvent
	var localJSEP *janus.JSEP
	if generate {
		s.mu.Lock()
		if strings.Contains(sdpText, "m=audio") && !strings.Contains(sdpText, "m=audio 0") {
			s.audio.enabled = true
		}
		if strings.Contains(sdpText, "m=video") && !strings.Contains(sdpText, "m=video 0") {
			s.video.enabled = true
		}
		if err := p.allocatePortsLocked(s, update); err != nil {
			s.mu.Unlock()
			log.Error().Err(err).Str("session", s.id).Msg("Could not allocate RTP/RTCP ports")
			return nil, nil, requestErrorf(ErrorIO, "Could not allocate RTP/RTCP ports")
		}
		text, err := s.manipulateDescription(parsed, answer, p.settings.sdpIP)
		if err != nil {
			s.mu.Unlock()
			log.Error().Err(err).Str("session", s.id).Msg("Could not rewrite the session description")
			return nil, nil, requestErrorf(ErrorIO, "Could not allocate RTP/RTCP ports")
		}
		s.sdp = parsed
		s.sdpType = sdpTypeOf(answer)
		s.mu.Unlock()
		log.Debug().Str("session", s.id).Str("type", typeText).Str("info", info).Msg("Prepared SDP")
		s.hangingUp.Store(false)
		if !update {
			p.notifyHandlers(s, "generated", typeText, text)
		}
		if jsep != nil && len(jsep.Simulcast) > 0 {
			// Stick to the base substream, we don't switch layers here.
			log.Warn().Str("session", s.id).Msg("Client negotiated simulcasting which we don't do here, falling back to base substream")
			sc := jsep.Simulcast[0]
			if len(sc.SSRCs) > 0 {
				s.video.simulcastSSRC.Store(sc.SSRCs[0])
			} else if sc.SSRC0 != 0 {
				s.video.simulcastSSRC.Store(sc.SSRC0)
			}
		}
		result = &resultEvent{Event: "generated", Type: typeText, SDP: text, Update: update}
	} else {
		s.mu.Lock()
		s.processDescription(parsed, answer, update)
		if !s.audio.enabled && !s.video.enabled {
			s.mu.Unlock()
			return nil, nil, requestErrorf(ErrorInvalidSDP, "No audio and no video being negotiated")
		}
		if s.audio.remoteIP == "" && s.video.remoteIP == "" {
			s.mu.Unlock()
			return nil, nil, requestErrorf(ErrorInvalidSDP, "No remote IP addresses")
		}
		if s.requireSRTP && !s.hasSRTPRemote {
			s.mu.Unlock()
			return nil, nil, requestErrorf(ErrorTooStrict, "Can't process request: SDES-SRTP required, but caller didn't offer it")
		}
		srtpAnswer := ""
		if s.hasSRTPRemote {
			srtpAnswer = "sdes_optional"
			if s.requireSRTP {
				srtpAnswer = "sdes_mandatory"
			}
		}
		s.sdp = parsed
		s.sdpType = sdpTypeOf(answer)
		s.mu.Unlock()
		if !update {
			p.notifyHandlers(s, "processed", typeText, sdpText)
		}
		result = &resultEvent{Event: "processed", SRTP: srtpAnswer, Update: update}
		localJSEP = &janus.JSEP{Type: sdpTypeOf(answer), SDP: sdpText}
	}

	if answer {
		s.advanceNegotiation(true)
		if !update {
			// A fresh answer concludes the negotiation, start the media.
			p.startRelay(s)
		}
	} else {
		s.advanceNegotiation(false)
	}
	return result, localJSEP, nil
}

// notifyHandlers mirrors negotiated descriptions to external event handlers.
func (p *Plugin) notifyHandlers(s *session, event, sdpType, sdpText string) {
	if !p.settings.events || !p.core.EventsEnabled() {
		return
	}
	p.core.NotifyEvent(s.handle, &notifiedEvent{Event: event, Type: sdpType, SDP: sdpText})
}

func (p *Plugin) handleRecording(s *session, root jsonObject) (*resultEvent, error) {
	action, err := root.requireString("action")
	if err != nil {
		return nil, err
	}
	var targets recordingTargets
	if targets.userAudio, err = root.optBool("audio"); err != nil {
		return nil, err
	}
	if targets.userVideo, err = root.optBool("video"); err != nil {
		return nil, err
	}
	if targets.peerAudio, err = root.optBool("peer_audio"); err != nil {
		return nil, err
	}
	if targets.peerVideo, err = root.optBool("peer_video"); err != nil {
		return nil, err
	}
	base, err := root.optString("filename")
	if err != nil {
		return nil, err
	}
	start := strings.EqualFold(action, "start")
	if !start && !strings.EqualFold(action, "stop") {
		return nil, requestErrorf(ErrorInvalidElement, "Invalid action (should be start|stop)")
	}
	if !targets.any() {
		return nil, requestErrorf(ErrorRecording, "Invalid request (at least one of audio, video, peer_audio and peer_video should be true)")
	}
	if start {
		s.mu.Lock()
		audioCodec, videoCodec, redPT := s.audio.ptName, s.video.ptName, s.audio.redPT
		s.mu.Unlock()
		s.recMu.Lock()
		s.startRecordersLocked(p.settings.recordingsDir, base, audioCodec, videoCodec, redPT, targets)
		s.recMu.Unlock()
		if targets.userVideo {
			log.Debug().Str("session", s.id).Msg("Recording video, sending a PLI to kickstart it")
			p.core.SendPLI(s.handle)
		}
	} else {
		// Stopping never fails, not even when nothing was being recorded.
		s.recMu.Lock()
		s.stopRecordersLocked(targets)
		s.recMu.Unlock()
	}
	return &resultEvent{Event: "recordingupdated"}, nil
}

func (p *Plugin) handleKeyframe(s *session, root jsonObject) (*resultEvent, error) {
	user, err := root.optBool("user")
	if err != nil {
		return nil, err
	}
	peer, err := root.optBool("peer")
	if err != nil {
		return nil, err
	}
	if user {
		p.core.SendPLI(s.handle)
	}
	if peer {
		s.mu.Lock()
		supported := s.video.pliSupported
		s.mu.Unlock()
		// Only if the peer negotiated PLI support.
		if supported {
			p.sendPLI(s)
		}
	}
	return &resultEvent{Event: "keyframesent"}, nil
}

func sdpTypeOf(answer bool) webrtc.SDPType {
	if answer {
		return webrtc.SDPTypeAnswer
	}
	return webrtc.SDPTypeOffer
}
