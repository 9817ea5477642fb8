// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package media

import "github.com/pion/rtcp"

// BuildPLI builds the minimal 12-byte Picture Loss Indication asking the
// sender identified by mediaSSRC for a keyframe.
func BuildPLI(senderSSRC, mediaSSRC uint32) ([]byte, error) {
	pli := rtcp.PictureLossIndication{SenderSSRC: senderSSRC, MediaSSRC: mediaSSRC}
	return pli.Marshal()
}

// FixSSRC rewrites the SSRC fields of a compound RTCP packet so reports
// originated by the WebRTC user refer to the plain-RTP stream pair:
// senderSSRC identifies our outgoing stream, mediaSSRC the peer's. Packet
// types without SSRC fields pass through untouched.
func FixSSRC(data []byte, senderSSRC, mediaSSRC uint32) ([]byte, error) {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	for _, p := range pkts {
		switch pkt := p.(type) {
		case *rtcp.SenderReport:
			pkt.SSRC = senderSSRC
			for i := range pkt.Reports {
				pkt.Reports[i].SSRC = mediaSSRC
			}
		case *rtcp.ReceiverReport:
			pkt.SSRC = senderSSRC
			for i := range pkt.Reports {
				pkt.Reports[i].SSRC = mediaSSRC
			}
		case *rtcp.SourceDescription:
			for i := range pkt.Chunks {
				pkt.Chunks[i].Source = senderSSRC
			}
		case *rtcp.Goodbye:
			for i := range pkt.Sources {
				pkt.Sources[i] = senderSSRC
			}
		case *rtcp.PictureLossIndication:
			pkt.SenderSSRC = senderSSRC
			pkt.MediaSSRC = mediaSSRC
		case *rtcp.SliceLossIndication:
			pkt.SenderSSRC = senderSSRC
			pkt.MediaSSRC = mediaSSRC
		case *rtcp.FullIntraRequest:
			pkt.SenderSSRC = senderSSRC
			pkt.MediaSSRC = mediaSSRC
		case *rtcp.TransportLayerNack:
			pkt.SenderSSRC = senderSSRC
			pkt.MediaSSRC = mediaSSRC
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			pkt.SenderSSRC = senderSSRC
		}
	}
	return rtcp.Marshal(pkts)
}
