// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package media

// The bridge never encodes or decodes media, but it does need codec
// identity: what a static payload type is called, and whether a codec name
// means audio or video. The SDP transformer and the recorder share these
// tables.

var audioCodecs = map[string]bool{
	"opus": true, "multiopus": true, "g711": true,
	"pcmu": true, "pcma": true, "g722": true,
}

var videoCodecs = map[string]bool{
	"vp8": true, "vp9": true, "h264": true, "av1": true, "h265": true,
}

// IsAudioCodec reports whether name (lowercase) is a known audio codec.
func IsAudioCodec(name string) bool { return audioCodecs[name] }

// IsVideoCodec reports whether name (lowercase) is a known video codec.
func IsVideoCodec(name string) bool { return videoCodecs[name] }

// StaticPayloadName returns the codec name of an RFC 3551 static payload
// type assignment, or "" when the type has none and needs an rtpmap.
func StaticPayloadName(pt int) string {
	switch pt {
	case 0:
		return "pcmu"
	case 3:
		return "gsm"
	case 4:
		return "g723"
	case 8:
		return "pcma"
	case 9:
		return "g722"
	case 18:
		return "g729"
	case 34:
		return "h263"
	}
	return ""
}
