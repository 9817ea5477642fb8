// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package media

import (
	"time"

	"github.com/rs/zerolog/log"
)

var timeNow = time.Now

// SwitchingContext rewrites the sequence number and timestamp of an
// outgoing RTP stream so the receiver sees one continuous stream even when
// the upstream SSRC changes mid-call, e.g. after a renegotiation swapped
// senders. Timestamps advance across the switch by the wall-clock gap
// between the last packet of the old stream and the first of the new one,
// converted at the media clock rate.
type SwitchingContext struct {
	clockRate uint32

	lastSSRC uint32
	tsReset  bool
	seqReset bool

	baseTS     uint32
	baseTSPrev uint32
	lastTS     uint32

	baseSeq     uint16
	baseSeqPrev uint16
	lastSeq     uint16

	lastTime time.Time
}

// NewSwitchingContext returns a context for one direction of one media.
// Use 48000 for audio and 90000 for video.
func NewSwitchingContext(clockRate uint32) *SwitchingContext {
	return &SwitchingContext{clockRate: clockRate}
}

// Reset forgets all stream state. The next packet rebases the output.
func (c *SwitchingContext) Reset() {
	rate := c.clockRate
	*c = SwitchingContext{clockRate: rate}
}

// Update rewrites pkt's sequence number and timestamp in place. pkt must
// hold at least the fixed RTP header.
func (c *SwitchingContext) Update(pkt []byte) {
	ssrc := RTPSSRC(pkt)
	ts := RTPTimestamp(pkt)
	seq := RTPSequence(pkt)
	if ssrc != c.lastSSRC {
		if c.lastSSRC != 0 {
			log.Debug().Uint32("old_ssrc", c.lastSSRC).Uint32("new_ssrc", ssrc).Msg("RTP SSRC changed, rebasing stream")
		}
		c.lastSSRC = ssrc
		c.tsReset = true
		c.seqReset = true
	}
	if c.tsReset {
		c.tsReset = false
		c.baseTSPrev = c.lastTS
		c.baseTS = ts
		if !c.lastTime.IsZero() {
			ticks := uint32(timeNow().Sub(c.lastTime).Microseconds() * int64(c.clockRate) / 1e6)
			if ticks == 0 {
				ticks = 1
			}
			c.baseTSPrev += ticks
			c.lastTS += ticks
		}
	}
	if c.seqReset {
		c.seqReset = false
		c.baseSeqPrev = c.lastSeq
		c.baseSeq = seq
	}
	c.lastTS = (ts - c.baseTS) + c.baseTSPrev
	c.lastSeq = (seq - c.baseSeq) + c.baseSeqPrev + 1
	SetRTPTimestamp(pkt, c.lastTS)
	SetRTPSequence(pkt, c.lastSeq)
	c.lastTime = timeNow()
}
