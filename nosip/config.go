// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, shrhoads

package nosip

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

const (
	defaultPortMin = 10000
	defaultPortMax = 60000
)

// Config is the plugin configuration, the general block of the plugin's
// YAML file.
type Config struct {
	// LocalIP is the address media sockets bind to. It may be an address or
	// an interface name; empty autodetects a non-loopback interface.
	LocalIP string `yaml:"local_ip"`
	// SDPIP is the address advertised in generated SDP. Defaults to LocalIP.
	SDPIP string `yaml:"sdp_ip"`
	// RTPPortRange is "min-max" for local media ports.
	RTPPortRange string `yaml:"rtp_port_range"`
	// Events toggles forwarding plugin events to event handlers. On unless
	// set to false.
	Events *bool `yaml:"events"`
	// DSCPAudioRTP and DSCPVideoRTP mark outgoing media when positive.
	DSCPAudioRTP int `yaml:"dscp_audio_rtp"`
	DSCPVideoRTP int `yaml:"dscp_video_rtp"`
	// RecordingsDir is where recordings land. Defaults to the working
	// directory.
	RecordingsDir string `yaml:"recordings_dir"`

	// MetricsRegistry receives the plugin metrics when set.
	MetricsRegistry prometheus.Registerer `yaml:"-"`
}

// LoadConfig reads the YAML configuration. A missing file yields defaults,
// the plugin runs fine without one.
func LoadConfig(path string) (Config, error) {
	var file struct {
		General Config `yaml:"general"`
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", path).Msg("No configuration file found, using defaults")
			return file.General, nil
		}
		return file.General, fmt.Errorf("reading configuration: %w", err)
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return file.General, fmt.Errorf("parsing configuration: %w", err)
	}
	return file.General, nil
}

// settings is the resolved runtime form of Config.
type settings struct {
	localIP       net.IP
	sdpIP         string
	portMin       int
	portMax       int
	events        bool
	dscpAudio     int
	dscpVideo     int
	recordingsDir string
}

// resolve turns the raw configuration into runtime settings. A local_ip
// that names neither an address nor a usable interface and a port range
// that doesn't parse are init-time errors; requests never see them.
func (c Config) resolve() (settings, error) {
	s := settings{
		portMin:       defaultPortMin,
		portMax:       defaultPortMax,
		events:        true,
		dscpAudio:     c.DSCPAudioRTP,
		dscpVideo:     c.DSCPVideoRTP,
		recordingsDir: c.RecordingsDir,
	}
	if s.recordingsDir == "" {
		s.recordingsDir = "."
	}
	if c.Events != nil {
		s.events = *c.Events
	}

	if c.LocalIP != "" {
		if ip := net.ParseIP(c.LocalIP); ip != nil {
			s.localIP = ip
		} else if ip, err := interfaceIP(c.LocalIP); err == nil {
			s.localIP = ip
		} else {
			return settings{}, fmt.Errorf("local_ip %q is neither an address nor a usable interface: %w", c.LocalIP, err)
		}
	}
	if s.localIP == nil {
		ip, _, err := sip.ResolveInterfacesIP("ip4", nil)
		if err != nil {
			log.Warn().Err(err).Msg("Couldn't detect any address, using 127.0.0.1 (not going to work beyond this host)")
			ip = net.IPv4(127, 0, 0, 1)
		}
		s.localIP = ip
	}
	log.Info().Str("ip", s.localIP.String()).Msg("Local media IP set")

	s.sdpIP = c.SDPIP
	if s.sdpIP == "" {
		s.sdpIP = s.localIP.String()
	}

	if c.RTPPortRange != "" {
		min, max, err := parsePortRange(c.RTPPortRange)
		if err != nil {
			return settings{}, err
		}
		s.portMin, s.portMax = min, max
		log.Info().Int("min", s.portMin).Int("max", s.portMax).Msg("RTP/RTCP port range set")
	}
	return s, nil
}

// parsePortRange reads a "min-max" string. Values that don't parse as ports
// are errors; reversed bounds are swapped, min rounds up to even, and a zero
// max means 65535.
func parsePortRange(v string) (int, int, error) {
	i := strings.LastIndex(v, "-")
	if i < 0 {
		return 0, 0, fmt.Errorf("rtp_port_range %q is not of the form min-max", v)
	}
	minPort, err := strconv.ParseUint(v[:i], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid RTP min port in %q: %w", v, err)
	}
	maxPort, err := strconv.ParseUint(v[i+1:], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid RTP max port in %q: %w", v, err)
	}
	min, max := int(minPort), int(maxPort)
	if min > max {
		min, max = max, min
	}
	if min%2 != 0 {
		min++
	}
	if min > max {
		log.Warn().Int("min", min).Int("max", max).Msg("Incorrect port range, extending max")
		max = min
	}
	if max == 0 {
		max = 65535
	}
	return min, max, nil
}

func interfaceIP(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLinkLocalUnicast() {
			return ipn.IP, nil
		}
	}
	return nil, fmt.Errorf("interface %s has no usable address", name)
}
