// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package recorder

import (
	"encoding/binary"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/zaf/g711"
)

// wavSink decodes G.711 audio into a playable mono 16-bit PCM file next to
// the container, so those captures need no postprocessing pass.
type wavSink struct {
	f    *os.File
	enc  *wav.Encoder
	ulaw bool
}

func newWavSink(path string, ulaw bool) (*wavSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &wavSink{
		f:    f,
		enc:  wav.NewEncoder(f, 8000, 16, 1, 1),
		ulaw: ulaw,
	}, nil
}

func (s *wavSink) writePayload(payload []byte) error {
	var lpcm []byte
	if s.ulaw {
		lpcm = g711.DecodeUlaw(payload)
	} else {
		lpcm = g711.DecodeAlaw(payload)
	}
	buf := audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 8000},
		SourceBitDepth: 16,
		Data:           make([]int, len(lpcm)/2),
	}
	for i := range buf.Data {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(lpcm[2*i:])))
	}
	return s.enc.Write(&buf)
}

// close finalizes the RIFF headers before releasing the file.
func (s *wavSink) close() error {
	encErr := s.enc.Close()
	if err := s.f.Close(); encErr == nil {
		encErr = err
	}
	return encErr
}
