// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package recorder

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"
)

func recorderPacket(t *testing.T, pt uint8, seq uint16, payload []byte) []byte {
	t.Helper()
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           0x1234,
		},
		Payload: payload,
	}
	buf, err := p.Marshal()
	require.NoError(t, err)
	return buf
}

func TestRecorderContainerLayout(t *testing.T) {
	dir := t.TempDir()
	rec, err := New(dir, "opus", "capture-audio")
	require.NoError(t, err)
	assert.Equal(t, "capture-audio.mjr", rec.Filename())

	first := recorderPacket(t, 111, 1, []byte{0xAA, 0xBB})
	second := recorderPacket(t, 111, 2, []byte{0xCC})
	require.NoError(t, rec.SaveFrame(first))
	require.NoError(t, rec.SaveFrame(second))
	require.NoError(t, rec.Close())

	data, err := os.ReadFile(filepath.Join(dir, "capture-audio.mjr"))
	require.NoError(t, err)

	require.Greater(t, len(data), 10)
	assert.Equal(t, "MJR00002", string(data[:8]))

	infoLen := int(binary.BigEndian.Uint16(data[8:10]))
	var info struct {
		Type    string `json:"t"`
		Codec   string `json:"c"`
		Created int64  `json:"s"`
		First   int64  `json:"u"`
	}
	require.NoError(t, json.Unmarshal(data[10:10+infoLen], &info))
	assert.Equal(t, "a", info.Type)
	assert.Equal(t, "opus", info.Codec)
	assert.Greater(t, info.Created, int64(0))
	assert.GreaterOrEqual(t, info.First, info.Created)

	off := 10 + infoLen
	for _, want := range [][]byte{first, second} {
		require.Greater(t, len(data), off+10)
		assert.Equal(t, "MEET", string(data[off:off+4]))
		assert.Less(t, binary.BigEndian.Uint32(data[off+4:off+8]), uint32(5000), "arrival offset in ms")
		frameLen := int(binary.BigEndian.Uint16(data[off+8 : off+10]))
		require.Equal(t, len(want), frameLen)
		assert.Equal(t, want, data[off+10:off+10+frameLen])
		off += 10 + frameLen
	}
	assert.Equal(t, len(data), off, "no trailing bytes")
}

func TestRecorderWavCompanion(t *testing.T) {
	dir := t.TempDir()
	rec, err := New(dir, "PCMU", "capture-peer-audio")
	require.NoError(t, err)

	lpcm := make([]byte, 320)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(lpcm[2*i:], uint16(int16(i*100-8000)))
	}
	payload := g711.EncodeUlaw(lpcm)
	require.NoError(t, rec.SaveFrame(recorderPacket(t, 0, 1, payload)))
	require.NoError(t, rec.Close())

	f, err := os.Open(filepath.Join(dir, "capture-peer-audio.wav"))
	require.NoError(t, err)
	defer f.Close()

	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 1, buf.Format.NumChannels)
	assert.Equal(t, 8000, buf.Format.SampleRate)

	want := g711.DecodeUlaw(payload)
	require.Len(t, buf.Data, len(want)/2)
	for i, sample := range buf.Data {
		assert.Equal(t, int(int16(binary.LittleEndian.Uint16(want[2*i:]))), sample)
	}
}

func TestRecorderWriteAfterClose(t *testing.T) {
	dir := t.TempDir()
	rec, err := New(dir, "vp8", "capture-video")
	require.NoError(t, err)
	require.NoError(t, rec.SaveFrame(recorderPacket(t, 96, 1, []byte{1})))
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close(), "closing twice is fine")

	before, err := os.Stat(filepath.Join(dir, "capture-video.mjr"))
	require.NoError(t, err)
	err = rec.SaveFrame(recorderPacket(t, 96, 2, []byte{2}))
	require.ErrorIs(t, err, ErrClosed)
	after, err := os.Stat(filepath.Join(dir, "capture-video.mjr"))
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size())
}

func TestRecorderCodecKinds(t *testing.T) {
	_, err := New(t.TempDir(), "t140", "x")
	require.ErrorIs(t, err, ErrUnsupportedCodec)

	dir := t.TempDir()
	rec, err := New(dir, "H264", "cam")
	require.NoError(t, err)
	require.NoError(t, rec.SaveFrame(recorderPacket(t, 96, 1, []byte{1})))
	require.NoError(t, rec.Close())

	data, err := os.ReadFile(filepath.Join(dir, "cam.mjr"))
	require.NoError(t, err)
	infoLen := int(binary.BigEndian.Uint16(data[8:10]))
	assert.Contains(t, string(data[10:10+infoLen]), `"t":"v"`)
	assert.Contains(t, string(data[10:10+infoLen]), `"c":"h264"`)
}

func TestRecorderOpusRED(t *testing.T) {
	dir := t.TempDir()
	rec, err := New(dir, "opus", "red")
	require.NoError(t, err)
	require.NoError(t, rec.SetOpusRED(107))
	require.NoError(t, rec.SaveFrame(recorderPacket(t, 107, 1, []byte{1})))
	require.Error(t, rec.SetOpusRED(108), "info already committed")
	require.NoError(t, rec.Close())

	data, err := os.ReadFile(filepath.Join(dir, "red.mjr"))
	require.NoError(t, err)
	infoLen := int(binary.BigEndian.Uint16(data[8:10]))
	assert.Contains(t, string(data[10:10+infoLen]), `"o":107`)
}
