// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package nosip

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shrhoads/janus-gateway/recorder"
)

// recordingTargets selects which of the four per-session recordings a
// request addresses. "User" is the WebRTC leg, "peer" the plain RTP one.
type recordingTargets struct {
	userAudio bool
	userVideo bool
	peerAudio bool
	peerVideo bool
}

func (t recordingTargets) any() bool {
	return t.userAudio || t.userVideo || t.peerAudio || t.peerVideo
}

func allRecordings() recordingTargets {
	return recordingTargets{userAudio: true, userVideo: true, peerAudio: true, peerVideo: true}
}

// recordingNames builds the four slot filenames. With a base the
// user/peer suffixes apply; without one the name carries the session id and
// a timestamp, with "own" marking the WebRTC leg.
func (s *session) recordingNames(base string) (userAudio, userVideo, peerAudio, peerVideo string) {
	if base != "" {
		return base + "-user-audio", base + "-user-video", base + "-peer-audio", base + "-peer-video"
	}
	prefix := fmt.Sprintf("nosip-%s-%d", s.id, time.Now().UnixMicro())
	return prefix + "-own-audio", prefix + "-own-video", prefix + "-peer-audio", prefix + "-peer-video"
}

// startRecordersLocked opens the requested recorders. Codec names are the
// caller's snapshot of the negotiated state, which is also why a recording
// can only start once an offer/answer happened. Callers hold s.recMu.
func (s *session) startRecordersLocked(dir, base, audioCodec, videoCodec string, redPT int, t recordingTargets) {
	userAudio, userVideo, peerAudio, peerVideo := s.recordingNames(base)
	if t.peerAudio || t.peerVideo {
		log.Info().Str("session", s.id).Msg("Starting recording of peer's media")
	}
	if t.peerAudio {
		s.recPeerAudio = openRecorder(s.recPeerAudio, dir, audioCodec, peerAudio, redPT)
	}
	if t.peerVideo {
		s.recPeerVideo = openRecorder(s.recPeerVideo, dir, videoCodec, peerVideo, 0)
	}
	if t.userAudio || t.userVideo {
		log.Info().Str("session", s.id).Msg("Starting recording of user's media")
	}
	if t.userAudio {
		s.recUserAudio = openRecorder(s.recUserAudio, dir, audioCodec, userAudio, redPT)
	}
	if t.userVideo {
		s.recUserVideo = openRecorder(s.recUserVideo, dir, videoCodec, userVideo, 0)
	}
}

// openRecorder opens one recording slot. With no negotiated codec or an
// open failure it logs and keeps the prior recorder, so a failed restart
// does not lose a running recording. A successful restart closes the prior
// file first.
func openRecorder(prior *recorder.Recorder, dir, codec, name string, redPT int) *recorder.Recorder {
	if codec == "" {
		log.Error().Str("file", name).Msg("No negotiated codec, cannot record")
		return prior
	}
	rc, err := recorder.New(dir, codec, name)
	if err != nil {
		log.Error().Err(err).Str("file", name).Msg("Couldn't open recording file")
		return prior
	}
	if redPT > 0 {
		if err := rc.SetOpusRED(uint8(redPT)); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Couldn't flag opus RED on recording")
		}
	}
	if prior != nil {
		closeRecorder(prior)
	}
	return rc
}

// stopRecordersLocked closes the selected slots. Stopping a slot that never
// recorded is a no-op. Callers hold s.recMu.
func (s *session) stopRecordersLocked(t recordingTargets) {
	if t.userAudio && s.recUserAudio != nil {
		closeRecorder(s.recUserAudio)
		s.recUserAudio = nil
	}
	if t.peerAudio && s.recPeerAudio != nil {
		closeRecorder(s.recPeerAudio)
		s.recPeerAudio = nil
	}
	if t.userVideo && s.recUserVideo != nil {
		closeRecorder(s.recUserVideo)
		s.recUserVideo = nil
	}
	if t.peerVideo && s.recPeerVideo != nil {
		closeRecorder(s.recPeerVideo)
		s.recPeerVideo = nil
	}
}

// closeRecorders stops all four slots, the hangup path.
func (s *session) closeRecorders() {
	s.recMu.Lock()
	s.stopRecordersLocked(allRecordings())
	s.recMu.Unlock()
}

func closeRecorder(rc *recorder.Recorder) {
	if err := rc.Close(); err != nil {
		log.Warn().Err(err).Str("file", rc.Filename()).Msg("Error closing recording")
		return
	}
	log.Info().Str("file", rc.Filename()).Msg("Closed recording")
}

// recorderFor returns the active recorder for one leg and media, nil when
// that slot is not recording.
func (s *session) recorderFor(peer, video bool) *recorder.Recorder {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	switch {
	case peer && video:
		return s.recPeerVideo
	case peer:
		return s.recPeerAudio
	case video:
		return s.recUserVideo
	default:
		return s.recUserAudio
	}
}

// saveFrame feeds a packet to a recording slot, if armed. Races with a
// concurrent stop surface as ErrClosed and are dropped quietly.
func (s *session) saveFrame(peer, video bool, pkt []byte) {
	rc := s.recorderFor(peer, video)
	if rc == nil {
		return
	}
	if err := rc.SaveFrame(pkt); err != nil && !errors.Is(err, recorder.ErrClosed) {
		log.Warn().Err(err).Str("file", rc.Filename()).Msg("Error saving frame to recording")
	}
}

// recordingInfo reports the active recording filenames keyed the way session
// queries expose them, nil when nothing records.
func (s *session) recordingInfo() map[string]string {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	info := make(map[string]string)
	if s.recUserAudio != nil {
		info["audio"] = s.recUserAudio.Filename()
	}
	if s.recUserVideo != nil {
		info["video"] = s.recUserVideo.Filename()
	}
	if s.recPeerAudio != nil {
		info["audio-peer"] = s.recPeerAudio.Filename()
	}
	if s.recPeerVideo != nil {
		info["video-peer"] = s.recPeerVideo.Filename()
	}
	if len(info) == 0 {
		return nil
	}
	return info
}
