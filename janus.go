// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

// Package janus defines the boundary between an embedding WebRTC core and
// the media plugins it hosts. The core owns signalling transports, ICE/DTLS
// and the PeerConnections; plugins own what happens to media once it is up.
// Both sides only ever talk through the small interfaces below.
package janus

import (
	"encoding/json"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

// Handle identifies one plugin session on the core side. The core creates a
// Handle when a client attaches to a plugin and passes the same pointer on
// every upcall, so plugins can key their own state by it. Plugins must reach
// their state through a registry lookup instead of stashing it here, which
// keeps ownership acyclic.
type Handle struct {
	stopped atomic.Bool
}

// MarkStopped is called by the core once the PeerConnection backing this
// handle is gone. Plugins use it to stop relaying media towards the core.
func (h *Handle) MarkStopped() {
	h.stopped.Store(true)
}

// Stopped reports whether media may still be relayed to the core.
func (h *Handle) Stopped() bool {
	return h.stopped.Load()
}

// JSEP is the session description envelope exchanged with plugins. Update
// marks a renegotiation of an established session. E2EE marks descriptions
// whose media is end-to-end encrypted; plugins that need cleartext frames
// must reject those.
type JSEP struct {
	Type      webrtc.SDPType    `json:"type"`
	SDP       string            `json:"sdp"`
	Update    bool              `json:"update,omitempty"`
	E2EE      bool              `json:"e2ee,omitempty"`
	Simulcast []SimulcastStream `json:"simulcast,omitempty"`
}

// SimulcastStream describes one simulcast layer set the client negotiated.
// Some clients send the substream SSRCs as an array, others as an ssrc-0
// field; consumers should prefer the array form.
type SimulcastStream struct {
	SSRCs []uint32 `json:"ssrcs,omitempty"`
	SSRC0 uint32   `json:"ssrc-0,omitempty"`
}

// RTPExtensions carries the header extension values the core and plugins
// exchange alongside an RTP packet. Numeric fields use -1 for "not set".
type RTPExtensions struct {
	// AudioLevel is the negated dBov level from RFC 6464, 0..127.
	AudioLevel    int8
	AudioLevelVAD bool
	// VideoRotation is one of 0, 90, 180, 270.
	VideoRotation   int16
	VideoBackCamera bool
	VideoFlipped    bool
}

// Reset clears e to the "nothing parsed" state.
func (e *RTPExtensions) Reset() {
	e.AudioLevel = -1
	e.AudioLevelVAD = false
	e.VideoRotation = -1
	e.VideoBackCamera = false
	e.VideoFlipped = false
}

// RTPPacket is one RTP packet crossing the core/plugin boundary. Data is the
// full packet, header included. The buffer is only valid for the duration of
// the call; receivers must copy what they keep.
type RTPPacket struct {
	Video      bool
	Data       []byte
	Extensions RTPExtensions
}

// RTCPPacket is one RTCP compound packet crossing the boundary.
type RTCPPacket struct {
	Video bool
	Data  []byte
}

// Core is everything a plugin may ask of the hosting WebRTC core.
type Core interface {
	// PushEvent delivers an asynchronous plugin event to the client behind
	// the handle, optionally with a JSEP to apply.
	PushEvent(h *Handle, transaction string, event any, jsep *JSEP) error
	// RelayRTP forwards a media packet to the WebRTC side.
	RelayRTP(h *Handle, pkt *RTPPacket)
	// RelayRTCP forwards a feedback packet to the WebRTC side.
	RelayRTCP(h *Handle, pkt *RTCPPacket)
	// SendPLI asks the core to solicit a keyframe from the WebRTC sender.
	SendPLI(h *Handle)
	// ClosePeerConnection tears down the PeerConnection behind the handle.
	// The core calls HangupMedia back once that is done.
	ClosePeerConnection(h *Handle)
	// NotifyEvent hands an event to external event handlers, if any.
	NotifyEvent(h *Handle, event any)
	// EventsEnabled reports whether event handlers are attached and running.
	EventsEnabled() bool
}

// PluginInfo identifies a plugin to the core's info API. Package is the
// reverse-domain identifier clients attach by.
type PluginInfo struct {
	Package string `json:"package"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// Plugin is the lifecycle and media surface the core drives. All methods may
// be called from core-owned goroutines; implementations serialize internally.
type Plugin interface {
	// Info reports the plugin identity, served verbatim by the info API.
	Info() PluginInfo
	CreateSession(h *Handle) error
	DestroySession(h *Handle) error
	// HandleMessage enqueues a client request. Malformed envelopes fail
	// synchronously; anything request-specific is reported through PushEvent.
	HandleMessage(h *Handle, transaction string, msg json.RawMessage, jsep *JSEP) error
	// SetupMedia signals that the PeerConnection is up and media can flow.
	SetupMedia(h *Handle) error
	IncomingRTP(h *Handle, pkt *RTPPacket)
	IncomingRTCP(h *Handle, pkt *RTCPPacket)
	// HangupMedia signals that the PeerConnection is gone.
	HangupMedia(h *Handle)
	// QuerySession returns plugin-specific session info for monitoring.
	QuerySession(h *Handle) (any, error)
}
