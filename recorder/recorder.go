// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

// Package recorder captures one RTP stream per file into MJR containers:
// raw packets with arrival offsets, made for offline postprocessing. G.711
// audio additionally gets a decoded WAV companion.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"

	"github.com/shrhoads/janus-gateway/media"
)

var (
	// ErrClosed is returned for frames arriving after Close. Callers
	// racing a hangup just drop the frame.
	ErrClosed = errors.New("recorder already closed")
	// ErrUnsupportedCodec is returned for codecs the container does not
	// know how to describe.
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Recorder writes one stream to disk. Safe for use from the relay loop and
// the request dispatcher concurrently.
type Recorder struct {
	mu       sync.Mutex
	codec    string
	video    bool
	filename string
	path     string
	file     *os.File
	mjr      mjrWriter
	wav      *wavSink
	opusRED  uint8
	header   bool
	closed   bool
	created  time.Time
	started  time.Time
}

// New creates dir/name.mjr (appending the extension when missing) and
// writes the container magic. The media kind is derived from the codec
// name. An empty name falls back to a timestamped one.
func New(dir, codec, name string) (*Recorder, error) {
	codec = strings.ToLower(codec)
	var video bool
	switch {
	case media.IsAudioCodec(codec):
	case media.IsVideoCodec(codec):
		video = true
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec)
	}
	if name == "" {
		name = fmt.Sprintf("recording-%d", time.Now().UnixMicro())
	}
	if !strings.HasSuffix(name, ".mjr") {
		name += ".mjr"
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating recordings directory: %w", err)
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating recording: %w", err)
	}
	now := time.Now()
	r := &Recorder{
		codec:    codec,
		video:    video,
		filename: name,
		path:     path,
		file:     f,
		mjr:      mjrWriter{w: f},
		created:  now,
		started:  now,
	}
	if err := r.mjr.writeMagic(); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing container magic: %w", err)
	}
	if codec == "pcmu" || codec == "pcma" {
		wavPath := strings.TrimSuffix(path, ".mjr") + ".wav"
		sink, err := newWavSink(wavPath, codec == "pcmu")
		if err != nil {
			log.Warn().Err(err).Str("file", wavPath).Msg("Cannot create wav companion, keeping container only")
		} else {
			r.wav = sink
		}
	}
	log.Info().Str("file", path).Str("codec", codec).Msg("Recording started")
	return r, nil
}

// Filename is the container file name, extension included.
func (r *Recorder) Filename() string { return r.filename }

// Path is the directory-joined container location.
func (r *Recorder) Path() string { return r.path }

// SetOpusRED notes the negotiated RED payload type in the container info so
// postprocessing can unwrap redundancy. Must be called before the first
// frame lands.
func (r *Recorder) SetOpusRED(pt uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.header {
		return errors.New("recording info already written")
	}
	r.opusRED = pt
	return nil
}

// SaveFrame appends one RTP packet. The first frame also commits the info
// blob, stamping when media actually began flowing.
func (r *Recorder) SaveFrame(pkt []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if !r.header {
		kind := "a"
		if r.video {
			kind = "v"
		}
		info := mjrInfo{
			Type:    kind,
			Codec:   r.codec,
			OpusRED: r.opusRED,
			Created: r.created.UnixMicro(),
			First:   time.Now().UnixMicro(),
		}
		if err := r.mjr.writeInfo(info); err != nil {
			return fmt.Errorf("writing recording info: %w", err)
		}
		r.header = true
	}
	if err := r.mjr.writeFrame(time.Since(r.started), pkt); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	if r.wav != nil {
		var p rtp.Packet
		if err := p.Unmarshal(pkt); err == nil && len(p.Payload) > 0 {
			if err := r.wav.writePayload(p.Payload); err != nil {
				log.Warn().Err(err).Str("file", r.path).Msg("Wav companion write failed, dropping sink")
				r.wav.close()
				r.wav = nil
			}
		}
	}
	return nil
}

// Close flushes and releases the files. Further frames are rejected with
// ErrClosed. Closing twice is fine.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var wavErr error
	if r.wav != nil {
		wavErr = r.wav.close()
		r.wav = nil
	}
	fileErr := r.file.Close()
	log.Info().Str("file", r.path).Msg("Recording saved")
	return errors.Join(wavErr, fileErr)
}
